// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package errrec

import (
	"errors"
	"runtime"
	"strconv"
)

const (
	MsgMax        = 256 // max. message length stored by one block records
	StackMax      = 16  // max. backtrace addresses
	MaxCauseDepth = 64  // max. records in a cause chain
	FramesMax     = 8   // max. creation + propagation frames
)

var (
	// ErrNoMem is returned when an allocation fails (memory limit or
	// arena exhausted).
	ErrNoMem = errors.New("out of memory")
	// ErrCauseMismatch is returned when the cause was created by a
	// different allocation strategy.
	ErrCauseMismatch = errors.New("cause allocated with a different strategy")
	// ErrCauseOwned is returned when the cause already belongs to
	// another record.
	ErrCauseOwned = errors.New("cause already owned by another record")
	// ErrChainTooDeep is returned when adding a record would exceed
	// MaxCauseDepth.
	ErrChainTooDeep = errors.New("cause chain too deep")
)

// Code is the caller supplied error code.
type Code int32

// record flags
const (
	recOwned uint32 = 1 << iota // used as cause by another record
	recFreed                    // DBG: freed
	recSized                    // size accounted in AllocStats.TotalSize
)

// causeLink is the separately allocated cause wrapper used by Dynamic.
type causeLink struct {
	rec *Record
}

// Record is an error record. It must be created with one of the
// allocators New() and released with the same allocator Free().
// A record is read-only between New() and Free() and can be used from
// any goroutine in this time, as long as Free() is not called
// concurrently.
type Record struct {
	code  Code
	atype AllocType
	flags uint32
	depth uint32 // records in the chain, including this one

	msg   []byte
	bt    []uintptr
	cause *Record    // direct link: Static & QMalloc
	link  *causeLink // Dynamic

	// frames[0] is the New caller, the rest are added by AddFrame/Wrap
	frames  [FramesMax]uintptr
	nframes uint32

	live pblockInfo // position in the live list (DbgFLive)
}

func (r *Record) Code() Code {
	return r.code
}

func (r *Record) Msg() string {
	return string(r.msg)
}

// MsgBytes returns the stored message without copying it. The returned
// slice must not be modified or used after Free().
func (r *Record) MsgBytes() []byte {
	return r.msg
}

// Backtrace returns the captured raw return addresses, most recent call
// first. The returned slice must not be modified or used after Free().
func (r *Record) Backtrace() []uintptr {
	return r.bt
}

// AllocType returns the strategy that created the record.
func (r *Record) AllocType() AllocType {
	return r.atype
}

// Cause returns the wrapped record or nil.
func (r *Record) Cause() *Record {
	if r.link != nil {
		return r.link.rec
	}
	return r.cause
}

// Depth returns the length of the cause chain starting with r.
func (r *Record) Depth() int {
	return int(r.depth)
}

// Location returns the place where the record was created.
func (r *Record) Location() Frame {
	if r.nframes == 0 {
		return Frame{}
	}
	return resolvePC(r.frames[0])
}

// LocationPC returns the unresolved creation frame address, 0 if unknown.
func (r *Record) LocationPC() uintptr {
	if r.nframes == 0 {
		return 0
	}
	return r.frames[0]
}

// Trace returns the creation location followed by every propagation
// frame, in the order they were added.
func (r *Record) Trace() []Frame {
	out := make([]Frame, r.nframes)
	for i := range out {
		out[i] = resolvePC(r.frames[i])
	}
	return out
}

// AddFrame appends a propagation frame (a return address, as produced by
// runtime.Callers). It returns false and drops the frame if FramesMax
// frames are already stored.
// It must not be called concurrently with other AddFrame or Wrap calls
// on the same record.
func (r *Record) AddFrame(pc uintptr) bool {
	if r.nframes >= FramesMax {
		return false
	}
	r.frames[r.nframes] = pc
	r.nframes++
	return true
}

// Wrap records the caller as a propagation frame and returns r, for
// "return r.Wrap()" style propagation.
//go:noinline
func (r *Record) Wrap() *Record {
	var pc [1]uintptr
	if runtime.Callers(2, pc[:]) == 1 {
		r.AddFrame(pc[0])
	}
	return r
}

// setLocation stores the creation frame. skip is counted from the
// setLocation caller, like CaptureBacktrace. If a backtrace was captured,
// its first address is reused.
func (r *Record) setLocation(skip int) {
	if len(r.bt) > 0 {
		r.frames[0] = r.bt[0]
		r.nframes = 1
		return
	}
	if CaptureBacktrace(r.frames[:1], skip+1) == 1 {
		r.nframes = 1
	}
}

// Error implements the error interface.
func (r *Record) Error() string {
	var b []byte
	for e := r; e != nil; e = e.Cause() {
		if e != r {
			b = append(b, ": "...)
		}
		b = append(b, "error "...)
		b = strconv.AppendInt(b, int64(e.code), 10)
		if len(e.msg) != 0 {
			b = append(b, " ("...)
			b = append(b, e.msg...)
			b = append(b, ')')
		}
	}
	return string(b)
}

// Unwrap returns the cause, so that errors.Is and errors.As can walk
// the chain.
func (r *Record) Unwrap() error {
	if c := r.Cause(); c != nil {
		return c
	}
	return nil
}

// checkCause verifies that cause can be owned by a new record created by
// the atype allocator and returns the new record chain depth.
func checkCause(cause *Record, atype AllocType) (uint32, error) {
	if cause == nil {
		return 1, nil
	}
	if cause.atype != atype {
		return 0, ErrCauseMismatch
	}
	if cause.flags&recOwned != 0 {
		return 0, ErrCauseOwned
	}
	if cause.depth >= MaxCauseDepth {
		return 0, ErrChainTooDeep
	}
	return cause.depth + 1, nil
}
