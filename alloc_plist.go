// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package errrec

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"unsafe"
)

// list of pointers to live records, filled only with DbgFLive.
// Used to find records that were never freed.

// number of pointers kept in a block
const pblockN = 4096/8 - 2

type pblock struct {
	next *pblock
	prev *pblock

	pos  uint32 // current "write" position in p, atomic
	free uint32 // number of freed entries in p, atomic

	p [pblockN]unsafe.Pointer
}

type pblockInfo struct {
	b    *pblock
	idx  uint32
	rsvd uint32
}

type pUsedLst struct {
	head  *pblock
	lock  sync.Mutex
	used  StatCounter // entries added and not yet removed
	alloc uint64      // allocated blocks
	freed uint64      // released blocks
}

var liveLst pUsedLst

func init() {
	liveLst.Init()
}

func (pl *pUsedLst) Init() {
	pl.lock.Lock()
	pl.head = &pblock{}
	pl.lock.Unlock()
}

func (pl *pUsedLst) Add(p unsafe.Pointer) pblockInfo {
retry:
	pl.lock.Lock()
	b := pl.head
	pl.lock.Unlock()
	sz := len(b.p)
	i := atomic.AddUint32(&b.pos, 1) - 1
	if i >= uint32(sz) {
		// full, have to alloc a new one
		n := &pblock{}
		pl.lock.Lock()
		if pl.head != b {
			// changed in the meantime => retry
			pl.lock.Unlock()
			goto retry
		}
		n.prev = pl.head
		pl.head = n
		n.prev.next = n
		pl.lock.Unlock()
		atomic.AddUint64(&pl.alloc, 1)
		goto retry
	}
	atomic.StorePointer(&b.p[i], p)
	pl.used.Inc(1)
	return pblockInfo{b, i, 0}
}

func (pl *pUsedLst) Rm(bi pblockInfo) {
	b := bi.b
	i := bi.idx

	atomic.StorePointer(&b.p[i], nil)
	pl.used.Dec(1)
	free := atomic.AddUint32(&b.free, 1)
	if free >= uint32(len(b.p)) {
		// all entries used and freed, unlink the block
		// (the head block is never unlinked, new Add()s might still
		// find it)
		pl.lock.Lock()
		if b != pl.head {
			if b.next != nil {
				b.next.prev = b.prev
			}
			if b.prev != nil {
				b.prev.next = b.next
			}
			atomic.AddUint64(&pl.freed, 1)
		}
		pl.lock.Unlock()
	}
}

// forEach calls f for each live entry, from the newest block to the
// oldest, until f returns false.
// It must not run concurrently with Add().
func (pl *pUsedLst) forEach(f func(p unsafe.Pointer) bool) {
	pl.lock.Lock()
	defer pl.lock.Unlock()
	for b := pl.head; b != nil; b = b.prev {
		n := atomic.LoadUint32(&b.pos)
		if n > uint32(len(b.p)) {
			n = uint32(len(b.p))
		}
		for i := uint32(0); i < n; i++ {
			if p := atomic.LoadPointer(&b.p[i]); p != nil {
				if !f(p) {
					return
				}
			}
		}
	}
}

// LiveRecords returns the number of tracked records not yet freed.
// Records are tracked only while DbgFLive is set.
func LiveRecords() uint64 {
	return liveLst.used.Get()
}

// ReportLive writes a line for each tracked live record (at most max
// lines, 0 for all) and returns how many live records were found.
// It must not be called concurrently with New().
func ReportLive(w io.Writer, max int) int {
	n := 0
	liveLst.forEach(func(p unsafe.Pointer) bool {
		r := (*Record)(p)
		n++
		if max <= 0 || n <= max {
			fmt.Fprintf(w, "live record %p: alloc %s code %d msg %q"+
				" depth %d backtrace %d\n",
				r, r.atype, r.code, r.msg, r.depth, len(r.bt))
		}
		return true
	})
	return n
}
