// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package errrec

import (
	"runtime"
	"strconv"
)

// CaptureBacktrace stores up to len(dst) raw return addresses of the
// current goroutine stack into dst, most recent call first, and returns
// how many were written.
// skip is the number of frames to skip above the CaptureBacktrace caller
// (0 = start with the caller itself).
// It never fails: a shallower stack only produces fewer addresses.
// No symbol resolution is done.
func CaptureBacktrace(dst []uintptr, skip int) int {
	if len(dst) == 0 {
		return 0
	}
	// +1 for runtime.Callers, +1 for CaptureBacktrace
	return runtime.Callers(skip+2, dst)
}

// Frame is a resolved backtrace address.
type Frame struct {
	PC       uintptr
	Function string
	File     string
	Line     int
}

// Frames resolves the record backtrace in-process.
// Inlined calls are expanded, so it can return more frames than
// Backtrace() addresses.
func (r *Record) Frames() []Frame {
	if len(r.bt) == 0 {
		return nil
	}
	// CallersFrames keeps a reference to the slice, use a copy since
	// the backtrace storage is reused after Free
	pcs := make([]uintptr, len(r.bt))
	copy(pcs, r.bt)
	frames := runtime.CallersFrames(pcs)
	out := make([]Frame, 0, len(pcs))
	for {
		fr, more := frames.Next()
		out = append(out, Frame{
			PC:       fr.PC,
			Function: fr.Function,
			File:     fr.File,
			Line:     fr.Line,
		})
		if !more {
			break
		}
	}
	return out
}

// resolvePC resolves one return address.
func resolvePC(pc uintptr) Frame {
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return Frame{
		PC:       fr.PC,
		Function: fr.Function,
		File:     fr.File,
		Line:     fr.Line,
	}
}

// String returns "func file:line", with "??" for unknown parts.
func (f Frame) String() string {
	fn, file := f.Function, f.File
	if fn == "" {
		fn = "??"
	}
	if file == "" {
		file = "??"
	}
	return fn + " " + file + ":" + strconv.Itoa(f.Line)
}

// symbolize returns the function containing the return address pc and the
// offset from its entry, or "" if unknown.
func symbolize(pc uintptr) (string, uintptr) {
	if pc == 0 {
		return "", 0
	}
	// pc is a return address, look up the call instruction
	f := runtime.FuncForPC(pc - 1)
	if f == nil {
		return "", 0
	}
	return f.Name(), pc - f.Entry()
}
