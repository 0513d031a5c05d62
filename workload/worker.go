// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package workload

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"unsafe"

	"golang.org/x/time/rate"

	"github.com/intuitivelabs/errrec"
)

// ErrCode is the code used for all the workload records.
const ErrCode errrec.Code = 123

// State is a worker state.
type State uint8

const (
	StIdle     State = iota // configured, not started
	StRunning               // full batches
	StDraining              // final partial batch
	StDone                  // finished (terminal)
)

var stateNames = [...]string{
	StIdle:     "idle",
	StRunning:  "running",
	StDraining: "draining",
	StDone:     "done",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// budget is the number of errors still to be created by all the workers.
// Workers claim one batch at a time.
type budget struct {
	left  atomic.Int64
	abort atomic.Bool // set on the first worker failure
}

// claim returns how many errors the next cycle should create: batch or
// what is left if less, 0 when the budget is exhausted.
func (b *budget) claim(batch int) int {
	for {
		left := b.left.Load()
		if left <= 0 {
			return 0
		}
		n := min(int64(batch), left)
		if b.left.CompareAndSwap(left, left-n) {
			return int(n)
		}
	}
}

// Worker creates and frees errors in batches until the shared budget is
// exhausted.
// A Worker is NOT safe for concurrent use, each worker goroutine has
// its own.
type Worker struct {
	ID int

	alloc errrec.Allocator
	bud   *budget
	batch int
	chain int
	bt    bool
	lim   *rate.Limiter

	live  []*errrec.Record
	msg   []byte // message scratch buffer
	state State

	created uint64 // errors (top level records)
	records uint64 // records, causes included
	cycles  uint64
	touched uint64 // sum of what was read from the live records
}

func newWorker(id int, alloc errrec.Allocator, bud *budget, cfg *Config) *Worker {
	w := &Worker{
		ID:    id,
		alloc: alloc,
		bud:   bud,
		batch: cfg.Batch,
		chain: cfg.Chain,
		bt:    cfg.Backtrace,
		live:  make([]*errrec.Record, cfg.Batch),
		msg:   make([]byte, 0, 32),
	}
	if cfg.Rate > 0 {
		w.lim = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}
	return w
}

func (w *Worker) State() State {
	return w.state
}

// Created returns the number of errors created so far.
func (w *Worker) Created() uint64 {
	return w.created
}

// Records returns the number of records created (cause records included).
func (w *Worker) Records() uint64 {
	return w.records
}

func (w *Worker) Cycles() uint64 {
	return w.cycles
}

// Touched returns the accumulated value read from the live records
// between their creation and their release.
func (w *Worker) Touched() uint64 {
	return w.touched
}

// Run executes alloc/free cycles until the budget is exhausted, another
// worker failed or an allocation fails.
// On failure all the live records of the worker are freed first.
func (w *Worker) Run(ctx context.Context) error {
	w.state = StRunning
	for !w.bud.abort.Load() {
		n := w.bud.claim(w.batch)
		if n == 0 {
			break
		}
		if n < w.batch {
			w.state = StDraining
		}
		if w.lim != nil {
			if err := w.lim.Wait(ctx); err != nil {
				w.bud.abort.Store(true)
				return fmt.Errorf("worker %d: %w", w.ID, err)
			}
		}
		if err := w.cycle(n); err != nil {
			w.bud.abort.Store(true)
			return fmt.Errorf("worker %d cycle %d: %w", w.ID, w.cycles, err)
		}
	}
	w.state = StDone
	return nil
}

// cycle creates n live errors and then frees all of them.
func (w *Worker) cycle(n int) error {
	live := w.live[:n]
	for i := range live {
		r, err := w.newErr()
		if err != nil {
			w.freeLive(live[:i])
			return err
		}
		live[i] = r
	}
	w.read(live)
	w.freeLive(live)
	w.cycles++
	return nil
}

// newErr creates one error: a chain of w.chain records.
func (w *Worker) newErr() (*errrec.Record, error) {
	var r *errrec.Record
	for i := 0; i < w.chain; i++ {
		w.msg = append(w.msg[:0], "error #"...)
		w.msg = strconv.AppendUint(w.msg, w.created, 10)
		if i > 0 {
			w.msg = append(w.msg, " level "...)
			w.msg = strconv.AppendInt(w.msg, int64(i), 10)
		}
		// New copies the message, the scratch buffer is not retained
		msg := unsafe.String(unsafe.SliceData(w.msg), len(w.msg))
		nr, err := w.alloc.New(ErrCode, msg, r, w.bt)
		if err != nil {
			if r != nil {
				w.alloc.Free(r)
			}
			return nil, err
		}
		r = nr
		w.records++
	}
	w.created++
	return r, nil
}

// read uses every live record the way an error consumer would (code,
// message, backtrace and location of the whole chain).
func (w *Worker) read(live []*errrec.Record) {
	var sum uint64
	for _, r := range live {
		for c := r; c != nil; c = c.Cause() {
			sum += uint64(c.Code())
			if m := c.MsgBytes(); len(m) > 0 {
				sum += uint64(len(m)) + uint64(m[0]) + uint64(m[len(m)-1])
			}
			if bt := c.Backtrace(); len(bt) > 0 {
				sum += uint64(len(bt)) ^ uint64(bt[0])
			}
			sum += uint64(c.LocationPC())
		}
	}
	w.touched += sum
}

func (w *Worker) freeLive(live []*errrec.Record) {
	for i, r := range live {
		w.alloc.Free(r)
		live[i] = nil
	}
}
