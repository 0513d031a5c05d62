// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package errrec

import (
	"github.com/intuitivelabs/slog"
)

// Log is the package logger. Commands may change its level.
var Log slog.Log = slog.New(slog.LINFO, slog.LOptNone, slog.LStdErr)

// BuildTags contains the build tags the package was compiled with
// (alloc strategy, backtrace).
var BuildTags []string

func DBGon() bool {
	return Log.DBGon()
}

func DBG(f string, a ...interface{}) {
	Log.DBG(f, a...)
}

func WARN(f string, a ...interface{}) {
	Log.WARN(f, a...)
}

func ERR(f string, a ...interface{}) {
	Log.ERR(f, a...)
}

func BUG(f string, a ...interface{}) {
	Log.BUG(f, a...)
}

// SetLogLevel changes the Log level (e.g. slog.LDBG to enable DBG()).
func SetLogLevel(lev slog.LogLevel) {
	slog.SetLevel(&Log, lev)
}
