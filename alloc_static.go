// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package errrec

import (
	"fmt"
	"sync"
	"unsafe"
)

// staticBlock is the memory layout of a one block record:
// | Record | msg buffer | backtrace |
// Record must be the first field (Free converts a *Record back to the
// block).
type staticBlock struct {
	Record
	msgBuf [MsgMax]byte
	btBuf  [StackMax]uintptr
}

const staticBlockSize = uint(unsafe.Sizeof(staticBlock{}))

// Static allocates each record, message and backtrace included, with a
// single allocation. Messages longer than MsgMax are truncated.
// The blocks contain go pointers (cause), so they come from a sync.Pool
// and not from a raw bytes pool.
type Static struct {
	stats *AllocStats
	pool  sync.Pool
}

// NewStatic returns a Static allocator using stats for accounting
// (if nil a private AllocStats is used).
func NewStatic(stats *AllocStats) *Static {
	if stats == nil {
		stats = &AllocStats{}
	}
	return &Static{stats: stats}
}

func (a *Static) Type() AllocType {
	return AllocStatic
}

func (a *Static) Stats() *AllocStats {
	return a.stats
}

// New allocates a record in one block.
// It returns ErrNoMem if the memory limit is exceeded.
//go:noinline
func (a *Static) New(code Code, msg string, cause *Record, bt bool) (*Record, error) {
	b, err := a.newBlock(code, cause)
	if err != nil {
		return nil, err
	}
	n := copy(b.msgBuf[:], msg)
	b.msg = b.msgBuf[:n]
	a.fill(b, cause, bt)
	return &b.Record, nil
}

// Newf is New with a formatted message, truncated to MsgMax bytes.
//go:noinline
func (a *Static) Newf(code Code, cause *Record, bt bool, format string, args ...any) (*Record, error) {
	b, err := a.newBlock(code, cause)
	if err != nil {
		return nil, err
	}
	b.msg = sprintfTrunc(b.msgBuf[:], format, args...)
	a.fill(b, cause, bt)
	return &b.Record, nil
}

// newBlock takes a block for a new record with the header initialized.
func (a *Static) newBlock(code Code, cause *Record) (*staticBlock, error) {
	depth, err := checkCause(cause, AllocStatic)
	if err != nil {
		return nil, fmt.Errorf("static record %d: %w", code, err)
	}
	maxMem := GetCfg().Mem.MaxStaticMem
	if !a.stats.reserve(staticBlockSize, maxMem) {
		return nil, fmt.Errorf("static record %d (%d bytes): %w",
			code, staticBlockSize, ErrNoMem)
	}
	b, _ := a.pool.Get().(*staticBlock)
	a.stats.poolHit(staticBlockSize, b != nil)
	if b == nil {
		b = new(staticBlock)
	}
	a.stats.allocated(staticBlockSize)
	initBlockHdr(b, AllocStatic, code, depth, maxMem != 0)
	return b, nil
}

// fill completes a new record: backtrace, location, cause ownership.
// The backtrace starts with the caller of the exported New/Newf.
func (a *Static) fill(b *staticBlock, cause *Record, bt bool) {
	fillOneBlock(b, cause, bt, 2)
	a.stats.Records.Inc(1)
	if GetCfg().Dbg&DbgFLive != 0 {
		b.live = liveLst.Add(unsafe.Pointer(&b.Record))
	}
}

// initBlockHdr resets the record header of a one block record.
func initBlockHdr(b *staticBlock, atype AllocType, code Code, depth uint32,
	sized bool) {
	b.Record = Record{code: code, atype: atype, depth: depth}
	if sized {
		b.flags = recSized
	}
}

// fillOneBlock captures the backtrace and the creation location in place
// and links the cause. The first recorded frame is skip frames above the
// fillOneBlock caller.
func fillOneBlock(b *staticBlock, cause *Record, bt bool, skip int) {
	if bt {
		n := CaptureBacktrace(b.btBuf[:], skip+1)
		b.bt = b.btBuf[:n]
	}
	b.setLocation(skip + 1)
	if cause != nil {
		b.cause = cause
		cause.flags |= recOwned
	}
}

// Free releases r and its cause chain, one deallocation per record.
func (a *Static) Free(r *Record) {
	cfg := GetCfg()
	if cfg.Dbg&DbgFAllocs != 0 && r.flags&recOwned != 0 {
		Log.PANIC("Static.Free called for a record owned by another: %p\n", r)
	}
	for r != nil {
		next := r.cause
		a.free1(r, cfg)
		r = next
	}
}

func (a *Static) free1(r *Record, cfg *Config) {
	if cfg.Dbg&DbgFAllocs != 0 {
		freeSanity(r, AllocStatic, "Static.Free")
	}
	if r.live.b != nil {
		liveLst.Rm(r.live)
	}
	b := (*staticBlock)(unsafe.Pointer(r))
	sized := r.flags&recSized != 0
	b.Record = Record{flags: recFreed, atype: AllocStatic}
	a.stats.Freed.Inc(1)
	a.stats.released(staticBlockSize, sized)
	a.pool.Put(b)
}
