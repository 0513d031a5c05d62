// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build alloc_qmalloc && !alloc_dynamic

package errrec

// build type constants
const DefaultAllocType = AllocQMalloc // build time alloc type
const AllocTypeName = "qmalloc"       // alloc type as string

func init() {
	BuildTags = append(BuildTags, AllocTypeName)
}

// NewDefault returns the build time selected allocator, accounting in
// QMallocAllocStats.
func NewDefault() Allocator {
	a := NewQMalloc(&QMallocAllocStats)
	if a == nil {
		Log.PANIC("qmalloc arena init failed\n")
	}
	return a
}
