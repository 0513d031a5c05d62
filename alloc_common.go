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

const AllocRoundTo = 16
const MemPoolsNo = 1024

// AllocType identifies the allocation strategy used for a Record.
type AllocType uint8

const (
	AllocNone    AllocType = iota
	AllocStatic            // record & buffers in one block
	AllocDynamic           // header, message, backtrace & cause link separate
	AllocQMalloc           // one block, but outside go GC
)

var allocTypeNames = [...]string{
	AllocNone:    "none",
	AllocStatic:  "static",
	AllocDynamic: "dynamic",
	AllocQMalloc: "qmalloc",
}

func (t AllocType) String() string {
	if int(t) < len(allocTypeNames) {
		return allocTypeNames[t]
	}
	return "invalid"
}

// each conditional build variant (alloc_sel_*.go) should define
// const DefaultAllocType = ...
// const AllocTypeName = "..."
// func NewDefault() Allocator

// Allocator is the capability set of an allocation strategy.
type Allocator interface {
	// New creates a record. On success the record takes ownership of
	// cause. On failure nothing is allocated and the caller still owns
	// cause. If bt is set the current backtrace is captured, starting
	// with the New caller.
	New(code Code, msg string, cause *Record, bt bool) (*Record, error)
	// Newf is New with a fmt.Sprintf style message. Static and QMalloc
	// truncate the result to MsgMax bytes.
	Newf(code Code, cause *Record, bt bool, format string, args ...any) (*Record, error)
	// Free releases r and its whole cause chain. r must have been created
	// by the same allocator and must not be owned by another record.
	Free(r *Record)
	Type() AllocType
	Stats() *AllocStats
}

// AllocStats keeps the allocation statistics of one allocator.
// NewCalls and FreeCalls count single allocations (blocks), Records and
// Freed count whole records.
// TotalSize and MaxSize are kept only for records created while a memory
// limit was set for the allocator type.
type AllocStats struct {
	TotalSize StatCounter // bytes in use (limited records only)
	MaxSize   StatCounter // max. bytes in use (limited records only)
	NewCalls  StatCounter
	FreeCalls StatCounter
	Failures  StatCounter
	Records   StatCounter
	Freed     StatCounter
	ZeroSize  StatCounter // zero size allocs
	// variable buffer sizes
	Sizes [MemPoolsNo + 1]StatCounter
	// each buffer pool hits
	PoolHits [MemPoolsNo]StatCounter
	// buffer pools misses
	PoolMiss [MemPoolsNo]StatCounter
}

var StaticAllocStats AllocStats
var DynamicAllocStats AllocStats
var QMallocAllocStats AllocStats

// Live returns the number of records created and not yet freed.
func (s *AllocStats) Live() uint64 {
	return s.Records.Get() - s.Freed.Get()
}

// InUse returns the number of allocated and not yet freed blocks.
func (s *AllocStats) InUse() uint64 {
	return s.NewCalls.Get() - s.FreeCalls.Get()
}

// reserve accounts sz bytes against the maxMem limit. With no limit
// (maxMem == 0) nothing is accounted.
// It returns false and counts a failure if the limit would be exceeded.
func (s *AllocStats) reserve(sz uint, maxMem uint64) bool {
	if maxMem == 0 {
		return true
	}
	v := s.TotalSize.Inc(sz)
	if v > maxMem {
		// limit exceeded
		s.TotalSize.Dec(sz)
		s.Failures.Inc(1)
		return false
	}
	s.MaxSize.UpdMax(v)
	return true
}

// allocated records a successful allocation of a sz bytes block.
func (s *AllocStats) allocated(sz uint) {
	s.NewCalls.Inc(1)
	// poolno -1 used for 0 allocs and poolno > len(Sizes) for big allocs
	pNo := int(sz/AllocRoundTo) - 1
	if pNo >= 0 && pNo < len(s.Sizes) {
		s.Sizes[pNo].Inc(1)
	} else if pNo < 0 {
		s.ZeroSize.Inc(1)
	} else {
		s.Sizes[len(s.Sizes)-1].Inc(1)
	}
}

// unreserve gives back a reserve()d size that was not allocated.
func (s *AllocStats) unreserve(sz uint, sized bool) {
	s.Failures.Inc(1)
	if sized {
		s.TotalSize.Dec(sz)
	}
}

// released records freeing a sz bytes block. sized must be the
// recSized flag of the record the block belonged to.
func (s *AllocStats) released(sz uint, sized bool) {
	s.FreeCalls.Inc(1)
	if sized {
		s.TotalSize.Dec(sz)
	}
}

func (s *AllocStats) poolHit(sz uint, hit bool) {
	pNo := int(sz/AllocRoundTo) - 1
	if pNo < 0 || pNo >= len(s.PoolHits) {
		return
	}
	if hit {
		s.PoolHits[pNo].Inc(1)
	} else {
		s.PoolMiss[pNo].Inc(1)
	}
}

func roundUp(sz uint) uint {
	if sz == 0 {
		return 0
	}
	return ((sz-1)/AllocRoundTo + 1) * AllocRoundTo
}

const ptrSize = uint(unsafe.Sizeof(uintptr(0)))

// freeSanity runs the DbgFAllocs checks on a record about to be freed.
func freeSanity(r *Record, atype AllocType, fname string) {
	if r.flags&recFreed != 0 {
		Log.PANIC("%s called for an already freed record: %p\n", fname, r)
	}
	if r.atype != atype {
		Log.PANIC("%s called with a record not allocated by it: %p"+
			" (alloc type %s, expected %s)\n", fname, r, r.atype, atype)
	}
}

// truncWriter appends to buf up to its capacity and drops the rest.
type truncWriter struct {
	buf []byte
}

func (w *truncWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[len(w.buf):cap(w.buf)], p)
	w.buf = w.buf[:len(w.buf)+n]
	return len(p), nil
}

// sprintfTrunc formats into dst (up to cap(dst)) without allocating a
// new buffer and returns the filled part.
func sprintfTrunc(dst []byte, format string, args ...any) []byte {
	w := truncWriter{buf: dst[:0]}
	fmt.Fprintf(&w, format, args...)
	return w.buf
}

// scratch buffers for formatting Dynamic messages before they are
// copied into an exact size block
var fmtBufs = sync.Pool{
	New: func() any {
		b := make([]byte, 0, MsgMax)
		return &b
	},
}
