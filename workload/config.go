// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package workload

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/intuitivelabs/errrec"
)

// ErrInvalidConfig is returned (wrapped) for any configuration error.
var ErrInvalidConfig = errors.New("invalid workload config")

// Config is the workload configuration. It can be loaded from a YAML file
// and overridden from the command line.
type Config struct {
	Max       int     `yaml:"max"`       // total errors created by the run
	Batch     int     `yaml:"batch"`     // live errors per alloc/free cycle
	Threads   int     `yaml:"threads"`   // concurrent workers
	Chain     int     `yaml:"chain"`     // records per error (1 = no cause)
	Backtrace bool    `yaml:"backtrace"` // capture a backtrace per record
	Rate      float64 `yaml:"rate"`      // max. cycles/s per worker, 0 = unlimited

	Mem   MemConfig `yaml:"mem,omitempty"`
	Debug bool      `yaml:"debug,omitempty"` // alloc sanity checks & live list
}

// MemConfig contains the allocator memory limits (bytes, 0 = unlimited).
type MemConfig struct {
	MaxStatic    uint64 `yaml:"max_static"`
	MaxDynamic   uint64 `yaml:"max_dynamic"`
	MaxQMalloc   uint64 `yaml:"max_qmalloc"`
	QMallocArena uint64 `yaml:"qmalloc_arena"`
}

// DefaultConfig returns the defaults used when neither the config file nor
// the command line set a value.
func DefaultConfig() Config {
	return Config{
		Threads:   1,
		Chain:     1,
		Backtrace: errrec.BacktraceDefault,
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig().
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return &cfg, nil
}

// Validate checks max >= batch >= 1 and the other limits.
func (c *Config) Validate() error {
	switch {
	case c.Max < 1:
		return fmt.Errorf("%w: max must be a positive integer, got %d",
			ErrInvalidConfig, c.Max)
	case c.Batch < 1:
		return fmt.Errorf("%w: batch must be a positive integer, got %d",
			ErrInvalidConfig, c.Batch)
	case c.Batch > c.Max:
		return fmt.Errorf("%w: batch (%d) greater than max (%d)",
			ErrInvalidConfig, c.Batch, c.Max)
	case c.Threads < 1:
		return fmt.Errorf("%w: threads must be >= 1, got %d",
			ErrInvalidConfig, c.Threads)
	case c.Chain < 1 || c.Chain > errrec.MaxCauseDepth:
		return fmt.Errorf("%w: chain must be in [1, %d], got %d",
			ErrInvalidConfig, errrec.MaxCauseDepth, c.Chain)
	case c.Rate < 0:
		return fmt.Errorf("%w: rate must be >= 0, got %g",
			ErrInvalidConfig, c.Rate)
	}
	return nil
}

// LibConfig returns base with the memory limits and debug flags of c.
func (c *Config) LibConfig(base errrec.Config) errrec.Config {
	base.Mem.MaxStaticMem = c.Mem.MaxStatic
	base.Mem.MaxDynamicMem = c.Mem.MaxDynamic
	base.Mem.MaxQMallocMem = c.Mem.MaxQMalloc
	if c.Mem.QMallocArena != 0 {
		base.Mem.QMallocArena = c.Mem.QMallocArena
	}
	if c.Debug {
		base.Dbg |= errrec.DbgFAllocs | errrec.DbgFLive
	}
	return base
}
