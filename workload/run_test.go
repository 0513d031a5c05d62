// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package workload

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/intuitivelabs/timestamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intuitivelabs/errrec"
)

func testCfg(max, batch int) Config {
	cfg := DefaultConfig()
	cfg.Max = max
	cfg.Batch = batch
	return cfg
}

func testAllocators() map[string]func() errrec.Allocator {
	return map[string]func() errrec.Allocator{
		"static":  func() errrec.Allocator { return errrec.NewStatic(nil) },
		"dynamic": func() errrec.Allocator { return errrec.NewDynamic(nil) },
		"qmalloc": func() errrec.Allocator {
			if q := errrec.NewQMalloc(nil); q != nil {
				return q
			}
			return nil
		},
	}
}

func TestRunCycles(t *testing.T) {
	tests := []struct {
		batch  int
		cycles uint64
	}{
		{1, 10000},
		{4, 2500},
		{8, 1250},
	}
	for name, newAlloc := range testAllocators() {
		for _, bt := range []bool{false, true} {
			for _, tt := range tests {
				t.Run(fmt.Sprintf("%s/bt=%v/batch=%d", name, bt, tt.batch),
					func(t *testing.T) {
						a := newAlloc()
						if a == nil {
							t.Skip("allocator not available")
						}
						cfg := testCfg(10000, tt.batch)
						cfg.Backtrace = bt
						res, err := Run(context.Background(), a, cfg)
						require.NoError(t, err)

						assert.Equal(t, uint64(10000), res.Created)
						assert.Equal(t, tt.cycles, res.Cycles)
						assert.Greater(t, res.Elapsed, time.Duration(0))
						assert.Equal(t, a.Type(), res.Alloc)
						require.Len(t, res.Workers, 1)
						assert.Equal(t, StDone, res.Workers[0].State)
						assert.NotZero(t, res.Workers[0].Touched)

						st := a.Stats()
						assert.Equal(t, uint64(10000), st.Records.Get())
						assert.Equal(t, uint64(0), st.Live())
						assert.Equal(t, uint64(0), st.InUse())
					})
			}
		}
	}
}

func TestRunPartialBatch(t *testing.T) {
	a := errrec.NewStatic(nil)
	res, err := Run(context.Background(), a, testCfg(10, 4))
	require.NoError(t, err)
	// 4 + 4 + 2
	assert.Equal(t, uint64(10), res.Created)
	assert.Equal(t, uint64(3), res.Cycles)
	assert.Equal(t, uint64(0), a.Stats().Live())
}

func TestRunMaxEqualsBatch(t *testing.T) {
	a := errrec.NewDynamic(nil)
	res, err := Run(context.Background(), a, testCfg(5, 5))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.Created)
	assert.Equal(t, uint64(1), res.Cycles)
}

func TestRunThreads(t *testing.T) {
	a := errrec.NewDynamic(nil)
	cfg := testCfg(1000, 7)
	cfg.Threads = 4
	res, err := Run(context.Background(), a, cfg)
	require.NoError(t, err)

	assert.Equal(t, uint64(1000), res.Created)
	require.Len(t, res.Workers, 4)
	var created uint64
	for _, w := range res.Workers {
		assert.Equal(t, StDone, w.State)
		created += w.Created
	}
	assert.Equal(t, uint64(1000), created)
	// 142 full batches and one of 6
	assert.Equal(t, uint64(143), res.Cycles)
	assert.Equal(t, uint64(0), a.Stats().Live())
}

func TestRunChain(t *testing.T) {
	a := errrec.NewStatic(nil)
	cfg := testCfg(100, 10)
	cfg.Chain = 3
	res, err := Run(context.Background(), a, cfg)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res.Created)
	assert.Equal(t, uint64(300), res.Records)
	assert.Equal(t, uint64(300), a.Stats().Freed.Get())
	assert.Equal(t, uint64(0), a.Stats().Live())
}

func TestRunAllocFailure(t *testing.T) {
	a := errrec.NewStatic(nil)
	old := *errrec.GetCfg()
	t.Cleanup(func() { errrec.SetCfg(&old) })
	cfg := old
	// size of one record, only accounted with a limit set
	cfg.Mem.MaxStaticMem = 1 << 40
	errrec.SetCfg(&cfg)
	r, err := a.New(ErrCode, "x", nil, false)
	require.NoError(t, err)
	recSize := a.Stats().TotalSize.Get()
	require.NotZero(t, recSize)
	a.Free(r)

	cfg.Mem.MaxStaticMem = 3*recSize + recSize/2
	errrec.SetCfg(&cfg)

	res, err := Run(context.Background(), a, testCfg(100, 8))
	require.ErrorIs(t, err, errrec.ErrNoMem)
	require.NotNil(t, res)
	assert.Equal(t, uint64(0), res.Cycles)
	assert.NotEqual(t, StDone, res.Workers[0].State)
	// the live records of the failed cycle are freed
	assert.Equal(t, uint64(0), a.Stats().Live())
	assert.Equal(t, uint64(0), a.Stats().TotalSize.Get())
}

func TestRunContextCanceled(t *testing.T) {
	a := errrec.NewStatic(nil)
	cfg := testCfg(1000, 1)
	cfg.Rate = 1
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, a, cfg)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), a.Stats().Live())
}

func TestRunInvalidConfig(t *testing.T) {
	_, err := Run(context.Background(), errrec.NewStatic(nil), testCfg(4, 8))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

var elapsedRe = regexp.MustCompile(`Time elapsed: ([0-9]+\.[0-9]+) ms`)

func TestResultPrint(t *testing.T) {
	a := errrec.NewStatic(nil)
	cfg := testCfg(1000, 4)
	cfg.Backtrace = false
	res, err := Run(context.Background(), a, cfg)
	require.NoError(t, err)

	var buf bytes.Buffer
	res.Print(&buf)
	out := buf.String()
	assert.Contains(t, out,
		"Static error allocation test (without backtrace) complete:\n")
	assert.Contains(t, out, "  Total: 1000 errors\n")
	assert.Contains(t, out, "  Batch size: 4\n")
	assert.NotContains(t, out, "Records:")

	m := elapsedRe.FindAllStringSubmatch(out, -1)
	require.Len(t, m, 1)
	assert.Equal(t, fmt.Sprintf("%.4f", res.ElapsedMs()), m[0][1])
}

func TestRunTiming(t *testing.T) {
	before := timestamp.Now()
	res, err := Run(context.Background(), errrec.NewDynamic(nil), testCfg(100, 10))
	require.NoError(t, err)
	after := timestamp.Now()

	assert.Greater(t, res.Elapsed, time.Duration(0))
	assert.False(t, res.Started.Before(before))
	assert.False(t, res.Started.After(after))
}

func TestWorkerReadsLiveRecords(t *testing.T) {
	for name, newAlloc := range testAllocators() {
		for _, bt := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/bt=%v", name, bt), func(t *testing.T) {
				a := newAlloc()
				if a == nil {
					t.Skip("allocator not available")
				}
				cfg := testCfg(6, 3)
				cfg.Chain = 2
				cfg.Backtrace = bt
				bud := &budget{}
				bud.left.Store(int64(cfg.Max))
				w := newWorker(1, a, bud, &cfg)
				require.NoError(t, w.Run(context.Background()))

				assert.Equal(t, uint64(2), w.Cycles())
				// at least code and message of every record
				assert.GreaterOrEqual(t, w.Touched(),
					w.Records()*(uint64(ErrCode)+uint64(len("error #0"))))
				assert.Equal(t, uint64(0), a.Stats().Live())
			})
		}
	}
}

func TestCounters(t *testing.T) {
	require.NotNil(t, Counters())
	before := Counters().Get(cnts.hRuns)
	_, err := Run(context.Background(), errrec.NewStatic(nil), testCfg(10, 2))
	require.NoError(t, err)
	assert.Equal(t, before+1, Counters().Get(cnts.hRuns))
	assert.EqualValues(t, 10, Counters().Get(cnts.hErrors))
	assert.EqualValues(t, 5, Counters().Get(cnts.hCycles))
}

func TestBudgetClaim(t *testing.T) {
	var b budget
	b.left.Store(10)
	assert.Equal(t, 4, b.claim(4))
	assert.Equal(t, 4, b.claim(4))
	assert.Equal(t, 2, b.claim(4))
	assert.Equal(t, 0, b.claim(4))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StIdle.String())
	assert.Equal(t, "draining", StDraining.String())
	assert.Equal(t, "done", StDone.String())
	assert.Equal(t, "invalid", State(42).String())
}
