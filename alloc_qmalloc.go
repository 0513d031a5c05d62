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

	"github.com/intuitivelabs/mallocs/qmalloc"
)

var qm qmalloc.QMalloc
var qmInit sync.Once
var qmOk bool

func initQM(arena uint64) bool {
	qmInit.Do(func() {
		if arena == 0 {
			arena = defaultQMallocArena
		}
		mem := make([]byte, arena)
		qmOk = qm.Init(mem, 14, qmalloc.QMDefaultOptions)
		if !qmOk {
			ERR("qmalloc Init failed (arena %d bytes)\n", arena)
		}
	})
	return qmOk
}

// QMalloc allocates records with the Static layout, but in one block
// taken from an arena managed by qmalloc. The arena is a single noscan
// []byte on the go heap: the GC never looks inside it and the blocks are
// neither moved nor collected individually.
// All the records of a QMalloc cause chain live in the arena, so the
// blocks never point to other go heap memory (except for the DbgFLive
// list position, kept reachable by the list itself).
// The arena is shared by all QMalloc allocators and is created on first
// use, with the size from Config.Mem.QMallocArena.
type QMalloc struct {
	stats *AllocStats
}

// NewQMalloc returns a QMalloc allocator using stats for accounting
// (if nil a private AllocStats is used). It returns nil if the arena
// could not be initialized.
func NewQMalloc(stats *AllocStats) *QMalloc {
	if !initQM(GetCfg().Mem.QMallocArena) {
		return nil
	}
	if stats == nil {
		stats = &AllocStats{}
	}
	return &QMalloc{stats: stats}
}

func (a *QMalloc) Type() AllocType {
	return AllocQMalloc
}

func (a *QMalloc) Stats() *AllocStats {
	return a.stats
}

// New allocates a record in one qmalloc block.
// It returns ErrNoMem if the memory limit is exceeded or the arena is
// exhausted.
//go:noinline
func (a *QMalloc) New(code Code, msg string, cause *Record, bt bool) (*Record, error) {
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
func (a *QMalloc) Newf(code Code, cause *Record, bt bool, format string, args ...any) (*Record, error) {
	b, err := a.newBlock(code, cause)
	if err != nil {
		return nil, err
	}
	b.msg = sprintfTrunc(b.msgBuf[:], format, args...)
	a.fill(b, cause, bt)
	return &b.Record, nil
}

func (a *QMalloc) newBlock(code Code, cause *Record) (*staticBlock, error) {
	depth, err := checkCause(cause, AllocQMalloc)
	if err != nil {
		return nil, fmt.Errorf("qmalloc record %d: %w", code, err)
	}
	maxMem := GetCfg().Mem.MaxQMallocMem
	totalSize := roundUp(staticBlockSize)
	if !a.stats.reserve(totalSize, maxMem) {
		return nil, fmt.Errorf("qmalloc record %d (%d bytes): %w",
			code, totalSize, ErrNoMem)
	}
	p := qm.Malloc(uint64(totalSize))
	if p == nil {
		a.stats.unreserve(totalSize, maxMem != 0)
		return nil, fmt.Errorf("qmalloc record %d: arena exhausted: %w",
			code, ErrNoMem)
	}
	a.stats.allocated(totalSize)
	// zero the header as raw bytes first: the block may contain stale
	// data and pointer writes would look at the old values
	clear((*[unsafe.Sizeof(Record{})]byte)(p)[:])
	b := (*staticBlock)(p)
	initBlockHdr(b, AllocQMalloc, code, depth, maxMem != 0)
	return b, nil
}

func (a *QMalloc) fill(b *staticBlock, cause *Record, bt bool) {
	fillOneBlock(b, cause, bt, 2)
	a.stats.Records.Inc(1)
	if GetCfg().Dbg&DbgFLive != 0 {
		b.live = liveLst.Add(unsafe.Pointer(&b.Record))
	}
}

// Free releases r and its cause chain, one qmalloc free per record.
func (a *QMalloc) Free(r *Record) {
	cfg := GetCfg()
	if cfg.Dbg&DbgFAllocs != 0 && r.flags&recOwned != 0 {
		Log.PANIC("QMalloc.Free called for a record owned by another: %p\n", r)
	}
	totalSize := roundUp(staticBlockSize)
	for r != nil {
		if cfg.Dbg&DbgFAllocs != 0 {
			freeSanity(r, AllocQMalloc, "QMalloc.Free")
		}
		next := r.cause
		if r.live.b != nil {
			liveLst.Rm(r.live)
		}
		sized := r.flags&recSized != 0
		// the block memory is reused by qmalloc, clear the go pointers
		r.msg = nil
		r.bt = nil
		r.cause = nil
		r.live = pblockInfo{}
		r.flags = recFreed
		a.stats.Freed.Inc(1)
		a.stats.released(totalSize, sized)
		qm.Free(unsafe.Pointer(r))
		r = next
	}
}
