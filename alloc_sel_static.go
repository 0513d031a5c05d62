// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build !alloc_dynamic && !alloc_qmalloc

package errrec

// build type constants
const DefaultAllocType = AllocStatic // build time alloc type
const AllocTypeName = "static"       // alloc type as string

func init() {
	BuildTags = append(BuildTags, AllocTypeName)
}

// NewDefault returns the build time selected allocator, accounting in
// StaticAllocStats.
func NewDefault() Allocator {
	return NewStatic(&StaticAllocStats)
}
