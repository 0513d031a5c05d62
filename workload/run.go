// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package workload

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/intuitivelabs/counters"
	"github.com/intuitivelabs/timestamp"
	"golang.org/x/sync/errgroup"

	"github.com/intuitivelabs/errrec"
)

// run counters
type runStats struct {
	grp *counters.Group

	hRuns     counters.Handle
	hFailed   counters.Handle
	hErrors   counters.Handle
	hRecords  counters.Handle
	hCycles   counters.Handle
	hWorkers  counters.Handle
	hElapsedU counters.Handle
}

var cnts runStats

func init() {
	runCntDefs := [...]counters.Def{
		{H: &cnts.hRuns, Flags: 0, Name: "runs",
			Desc: "workload runs started"},
		{H: &cnts.hFailed, Flags: 0, Name: "failed",
			Desc: "workload runs aborted by an allocation failure"},
		{H: &cnts.hErrors, Flags: 0, Name: "errors",
			Desc: "errors created by the last run"},
		{H: &cnts.hRecords, Flags: 0, Name: "records",
			Desc: "records created by the last run (causes included)"},
		{H: &cnts.hCycles, Flags: 0, Name: "cycles",
			Desc: "alloc/free cycles of the last run"},
		{H: &cnts.hWorkers, Flags: counters.CntMaxF, Name: "workers",
			Desc: "workers of the last run"},
		{H: &cnts.hElapsedU, Flags: counters.CntMaxF | counters.CntMinF, Name: "elapsed_us",
			Desc: "last run duration in microseconds"},
	}
	entries := 20 // extra space to allow registering more counters
	if entries < len(runCntDefs) {
		entries = len(runCntDefs)
	}
	cnts.grp = counters.NewGroup("errload", nil, entries)
	if cnts.grp == nil {
		cnts.grp = &counters.Group{}
		cnts.grp.Init("errload", nil, entries)
	}
	if !cnts.grp.RegisterDefs(runCntDefs[:]) {
		errrec.Log.PANIC("workload: failed to register counters\n")
	}
}

// Counters returns the workload counters group.
func Counters() *counters.Group {
	return cnts.grp
}

// WorkerResult is the final state of one worker.
type WorkerResult struct {
	ID      int
	State   State
	Created uint64
	Records uint64
	Cycles  uint64
	Touched uint64
}

// Result is the outcome of a run.
type Result struct {
	Alloc     errrec.AllocType
	Max       int
	Batch     int
	Threads   int
	Chain     int
	Backtrace bool

	Created uint64 // errors
	Records uint64 // records, causes included
	Cycles  uint64
	Started timestamp.TS  // start barrier release
	Elapsed time.Duration // monotonic, start barrier to end barrier
	Workers []WorkerResult
}

// ElapsedMs returns the run duration in milliseconds.
func (r *Result) ElapsedMs() float64 {
	return float64(r.Elapsed) / float64(time.Millisecond)
}

// Print writes the run summary. The "Time elapsed" line is written exactly
// once and is the only line matching "Time elapsed: <float> ms".
func (r *Result) Print(w io.Writer) {
	name := r.Alloc.String()
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	bt := "without"
	if r.Backtrace {
		bt = "with"
	}
	fmt.Fprintf(w, "%s error allocation test (%s backtrace) complete:\n",
		name, bt)
	fmt.Fprintf(w, "  Total: %d errors\n", r.Created)
	if r.Chain > 1 {
		fmt.Fprintf(w, "  Records: %d (chain %d)\n", r.Records, r.Chain)
	}
	fmt.Fprintf(w, "  Batch size: %d\n", r.Batch)
	fmt.Fprintf(w, "  Threads: %d\n", r.Threads)
	fmt.Fprintf(w, "  Cycles: %d\n", r.Cycles)
	fmt.Fprintf(w, "  Time elapsed: %.4f ms\n", r.ElapsedMs())
}

// Run creates cfg.Max errors with alloc, cfg.Batch live at a time, using
// cfg.Threads concurrent workers. All workers start together after
// they are all ready and the elapsed time is measured until the slowest
// one finishes.
// An allocation failure in any worker aborts the run; the returned error
// wraps it and the result contains what was done until then.
func Run(ctx context.Context, alloc errrec.Allocator, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cnts.grp.Inc(cnts.hRuns)

	bud := &budget{}
	bud.left.Store(int64(cfg.Max))

	workers := make([]*Worker, cfg.Threads)
	for i := range workers {
		workers[i] = newWorker(i+1, alloc, bud, &cfg)
	}

	g, gctx := errgroup.WithContext(ctx)
	var ready sync.WaitGroup
	start := make(chan struct{})
	ready.Add(len(workers))
	for _, w := range workers {
		g.Go(func() error {
			ready.Done()
			<-start
			return w.Run(gctx)
		})
	}
	// start barrier
	ready.Wait()
	started := timestamp.Now()
	t0 := time.Now()
	close(start)
	// end barrier
	err := g.Wait()
	elapsed := time.Since(t0)

	res := &Result{
		Alloc:     alloc.Type(),
		Max:       cfg.Max,
		Batch:     cfg.Batch,
		Threads:   cfg.Threads,
		Chain:     cfg.Chain,
		Backtrace: cfg.Backtrace,
		Started:   started,
		Elapsed:   elapsed,
		Workers:   make([]WorkerResult, len(workers)),
	}
	for i, w := range workers {
		res.Workers[i] = WorkerResult{
			ID:      w.ID,
			State:   w.State(),
			Created: w.Created(),
			Records: w.Records(),
			Cycles:  w.Cycles(),
			Touched: w.Touched(),
		}
		res.Created += w.Created()
		res.Records += w.Records()
		res.Cycles += w.Cycles()
	}

	cnts.grp.Set(cnts.hErrors, counters.Val(res.Created))
	cnts.grp.Set(cnts.hRecords, counters.Val(res.Records))
	cnts.grp.Set(cnts.hCycles, counters.Val(res.Cycles))
	cnts.grp.Set(cnts.hWorkers, counters.Val(len(workers)))
	cnts.grp.Set(cnts.hElapsedU, counters.Val(elapsed/time.Microsecond))
	if err != nil {
		cnts.grp.Inc(cnts.hFailed)
		return res, fmt.Errorf("%s workload aborted: %w", alloc.Type(), err)
	}
	if errrec.DBGon() {
		errrec.DBG("workload done: %d errors, %d cycles, %d workers in %s\n",
			res.Created, res.Cycles, len(workers), elapsed)
	}
	return res, nil
}
