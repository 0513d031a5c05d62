// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package errrec

import (
	"sync/atomic"
)

// DbgFlags control extra (slow) debugging checks.
type DbgFlags uint64

const (
	// DbgFAllocs enables allocation sanity checks on Free (strategy
	// mismatch, double free) and finalizers for records never freed.
	DbgFAllocs DbgFlags = 1 << iota
	// DbgFLive keeps every live record in an in-use list, so that
	// records never freed can be counted and reported (see LiveRecords()).
	DbgFLive
)

// MemConfig contains the memory limits. 0 means no limit.
type MemConfig struct {
	MaxStaticMem  uint64 // max. bytes in use by Static records
	MaxDynamicMem uint64 // max. bytes in use by Dynamic records
	MaxQMallocMem uint64 // max. bytes in use by QMalloc records
	QMallocArena  uint64 // qmalloc arena size, used on first QMalloc init
}

// Config is the package configuration.
type Config struct {
	Mem MemConfig
	Dbg DbgFlags
}

const defaultQMallocArena = 64 * 1024 * 1024

// DefaultConfig holds the default configuration values.
var DefaultConfig = Config{
	Mem: MemConfig{
		QMallocArena: defaultQMallocArena,
	},
}

var crtCfg atomic.Pointer[Config]

func init() {
	cfg := DefaultConfig
	crtCfg.Store(&cfg)
}

// GetCfg returns the current config. The returned value must not be changed.
func GetCfg() *Config {
	return crtCfg.Load()
}

// SetCfg changes the current config. It can be called at any time.
func SetCfg(cfg *Config) {
	c := *cfg
	crtCfg.Store(&c)
}
