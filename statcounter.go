// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package errrec

import (
	"sync/atomic"
)

// StatCounter is an atomic statistics counter.
type StatCounter uint64

// Inc adds v and returns the new value.
func (c *StatCounter) Inc(v uint) uint64 {
	return atomic.AddUint64((*uint64)(c), uint64(v))
}

// Dec subtracts v and returns the new value.
func (c *StatCounter) Dec(v uint) uint64 {
	return atomic.AddUint64((*uint64)(c), ^uint64(v-1))
}

// CompareAndSwap compares the current value with oldv and if
// equal it changes it to newv.
// It returns true if it succeeds (sets newv) and false if not
// (value != oldv).
func (c *StatCounter) CompareAndSwap(oldv, newv uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(c), oldv, newv)
}

// Get returns the current value.
func (c *StatCounter) Get() uint64 {
	return atomic.LoadUint64((*uint64)(c))
}

// UpdMax sets the counter to v if v is greater than the current value.
func (c *StatCounter) UpdMax(v uint64) {
	for {
		crt := c.Get()
		if v <= crt || c.CompareAndSwap(crt, v) {
			return
		}
	}
}

// Reset zeroes the counter.
func (c *StatCounter) Reset() {
	atomic.StoreUint64((*uint64)(c), 0)
}
