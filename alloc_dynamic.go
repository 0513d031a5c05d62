// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package errrec

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/intuitivelabs/bytespool"
)

const (
	dynRecordSize = uint(unsafe.Sizeof(Record{}))
	causeLinkSize = uint(unsafe.Sizeof(causeLink{}))
	// message buffers up to this size come from the bytes pool, bigger
	// ones are allocated directly
	msgPoolMax = 16384
)

// Dynamic allocates the record header and each variable length field
// (message, backtrace, cause link) separately, each sized to its content.
// Messages are never truncated.
type Dynamic struct {
	stats *AllocStats
	hdrs  sync.Pool
	// message buffers, one sync.Pool for each AllocRoundTo multiple
	bufs bytespool.Bpool
}

// NewDynamic returns a Dynamic allocator using stats for accounting
// (if nil a private AllocStats is used).
func NewDynamic(stats *AllocStats) *Dynamic {
	if stats == nil {
		stats = &AllocStats{}
	}
	a := &Dynamic{stats: stats}
	if !a.bufs.Init(0, msgPoolMax, AllocRoundTo) {
		Log.PANIC("NewDynamic: bytes pool init failed\n")
	}
	return a
}

func (a *Dynamic) Type() AllocType {
	return AllocDynamic
}

func (a *Dynamic) Stats() *AllocStats {
	return a.stats
}

// New allocates the record header and one block for each non-empty
// field. If any allocation fails, the ones already made are released
// and ErrNoMem is returned.
//go:noinline
func (a *Dynamic) New(code Code, msg string, cause *Record, bt bool) (*Record, error) {
	return a.newRec(code, msg, cause, bt)
}

// Newf is New with a formatted message. The message block is sized to
// the formatted text.
//go:noinline
func (a *Dynamic) Newf(code Code, cause *Record, bt bool, format string, args ...any) (*Record, error) {
	bp := fmtBufs.Get().(*[]byte)
	buf := fmt.Appendf((*bp)[:0], format, args...)
	// newRec copies the message, buf is not retained
	r, err := a.newRec(code, unsafe.String(unsafe.SliceData(buf), len(buf)),
		cause, bt)
	if cap(buf) <= msgPoolMax {
		*bp = buf[:0]
		fmtBufs.Put(bp)
	}
	return r, err
}

// newRec must be called directly from New or Newf (backtrace and
// location skip them).
func (a *Dynamic) newRec(code Code, msg string, cause *Record, bt bool) (*Record, error) {
	depth, err := checkCause(cause, AllocDynamic)
	if err != nil {
		return nil, fmt.Errorf("dynamic record %d: %w", code, err)
	}
	cfg := GetCfg()
	maxMem := cfg.Mem.MaxDynamicMem
	sized := maxMem != 0

	if !a.stats.reserve(dynRecordSize, maxMem) {
		return nil, fmt.Errorf("dynamic record %d header: %w", code, ErrNoMem)
	}
	r, _ := a.hdrs.Get().(*Record)
	a.stats.poolHit(dynRecordSize, r != nil)
	if r == nil {
		r = new(Record)
		if cfg.Dbg&DbgFAllocs != 0 {
			// extra debugging: when about to be garbage collected, check
			// if the record was marked as free from Free(), otherwise
			// report a BUG.
			runtime.SetFinalizer(r, func(e *Record) {
				if e.flags&recFreed == 0 {
					BUG("Finalizer: non-freed dynamic record about to be "+
						"garbage collected %p code %d msg %q\n",
						e, e.code, e.msg)
				}
			},
			)
		}
	}
	a.stats.allocated(dynRecordSize)
	*r = Record{code: code, atype: AllocDynamic, depth: depth}
	if sized {
		r.flags = recSized
	}

	if len(msg) > 0 {
		sz := roundUp(uint(len(msg)))
		if !a.stats.reserve(sz, maxMem) {
			a.freeParts(r)
			return nil, fmt.Errorf("dynamic record %d message (%d bytes): %w",
				code, len(msg), ErrNoMem)
		}
		var buf []byte
		if len(msg) <= msgPoolMax {
			var hit bool
			buf, hit = a.bufs.Get(len(msg), true)
			a.stats.poolHit(sz, hit)
		} else {
			buf = make([]byte, sz)
		}
		if buf == nil || cap(buf) < len(msg) {
			a.stats.unreserve(sz, sized)
			a.freeParts(r)
			return nil, fmt.Errorf("dynamic record %d message (%d bytes): %w",
				code, len(msg), ErrNoMem)
		}
		a.stats.allocated(sz)
		r.msg = buf[:copy(buf[:len(msg)], msg)]
	}

	if bt {
		var frames [StackMax]uintptr
		n := CaptureBacktrace(frames[:], 2)
		if n > 0 {
			sz := uint(n) * ptrSize
			if !a.stats.reserve(sz, maxMem) {
				a.freeParts(r)
				return nil, fmt.Errorf("dynamic record %d backtrace: %w",
					code, ErrNoMem)
			}
			a.stats.allocated(sz)
			r.bt = make([]uintptr, n)
			copy(r.bt, frames[:n])
		}
	}
	r.setLocation(2)

	if cause != nil {
		if !a.stats.reserve(causeLinkSize, maxMem) {
			a.freeParts(r)
			return nil, fmt.Errorf("dynamic record %d cause link: %w",
				code, ErrNoMem)
		}
		a.stats.allocated(causeLinkSize)
		r.link = &causeLink{rec: cause}
	}
	// the cause is owned only after everything succeeded
	if cause != nil {
		cause.flags |= recOwned
	}
	a.stats.Records.Inc(1)
	if cfg.Dbg&DbgFLive != 0 {
		r.live = liveLst.Add(unsafe.Pointer(r))
	}
	return r, nil
}

// freeParts releases every allocation of r (not its cause record) and
// the header itself.
func (a *Dynamic) freeParts(r *Record) {
	sized := r.flags&recSized != 0
	if r.msg != nil {
		sz := roundUp(uint(len(r.msg)))
		buf := r.msg[:cap(r.msg)]
		r.msg = nil
		if cap(buf) <= msgPoolMax {
			a.bufs.Put(buf) // ignore return (false if size too big)
		}
		a.stats.released(sz, sized)
	}
	if r.bt != nil {
		sz := uint(len(r.bt)) * ptrSize
		r.bt = nil
		a.stats.released(sz, sized)
	}
	if r.link != nil {
		r.link.rec = nil
		r.link = nil
		a.stats.released(causeLinkSize, sized)
	}
	*r = Record{flags: recFreed, atype: AllocDynamic}
	a.stats.released(dynRecordSize, sized)
	a.hdrs.Put(r)
}

// Free releases r, every field allocation and the whole cause chain.
func (a *Dynamic) Free(r *Record) {
	cfg := GetCfg()
	if cfg.Dbg&DbgFAllocs != 0 && r.flags&recOwned != 0 {
		Log.PANIC("Dynamic.Free called for a record owned by another: %p\n", r)
	}
	for r != nil {
		if cfg.Dbg&DbgFAllocs != 0 {
			freeSanity(r, AllocDynamic, "Dynamic.Free")
		}
		var next *Record
		if r.link != nil {
			next = r.link.rec
		}
		if r.live.b != nil {
			liveLst.Rm(r.live)
		}
		a.stats.Freed.Inc(1)
		a.freeParts(r)
		r = next
	}
}
