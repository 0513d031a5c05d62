// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package errrec

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveRecords(t *testing.T) {
	cfg := *GetCfg()
	cfg.Dbg |= DbgFLive | DbgFAllocs
	withCfg(t, cfg)

	base := LiveRecords()
	for _, a := range testAllocators(t) {
		t.Run(a.Type().String(), func(t *testing.T) {
			r1, err := a.New(1, "leak #1", nil, false)
			require.NoError(t, err)
			r2, err := a.New(2, "leak #2", r1, false)
			require.NoError(t, err)
			r3, err := a.New(3, "leak #3", nil, true)
			require.NoError(t, err)
			assert.Equal(t, base+3, LiveRecords())

			var buf bytes.Buffer
			n := ReportLive(&buf, 2)
			assert.Equal(t, int(base)+3, n)
			assert.Equal(t, 2, strings.Count(buf.String(), "live record "))

			a.Free(r2)
			a.Free(r3)
			assert.Equal(t, base, LiveRecords())
		})
	}
}

func TestLiveListBlocks(t *testing.T) {
	var pl pUsedLst
	pl.Init()

	const N = 3*pblockN + 17
	var v [N]int
	var wg sync.WaitGroup
	infos := make([]pblockInfo, N)
	const workers = 4
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < N; i += workers {
				infos[i] = pl.Add(unsafe.Pointer(&v[i]))
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, uint64(N), pl.used.Get())
	assert.GreaterOrEqual(t, pl.alloc, uint64(3))

	seen := 0
	pl.forEach(func(p unsafe.Pointer) bool {
		seen++
		return true
	})
	assert.Equal(t, N, seen)

	for i := range infos {
		pl.Rm(infos[i])
	}
	assert.Equal(t, uint64(0), pl.used.Get())
	// all the full blocks except the head are unlinked
	assert.Equal(t, pl.alloc, pl.freed)
	assert.Nil(t, pl.head.prev)
}
