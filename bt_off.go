// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build !backtrace

package errrec

// BacktraceDefault is the build time backtrace capture default.
const BacktraceDefault = false
