// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Command errload creates and frees error records in bursts and reports
// the elapsed time. The allocation strategy and the backtrace default
// are chosen at build time:
//
//	go build -tags alloc_dynamic,backtrace ./cmd/errload
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/intuitivelabs/slog"

	"github.com/intuitivelabs/errrec"
	"github.com/intuitivelabs/errrec/workload"
)

// Exit codes
const (
	ExitSuccess     = 0
	ExitAllocFailed = 1
	ExitConfig      = 2
)

const usageMsg = `Usage: %s --max=N --batch=B [options]
  --max     Total number of errors to allocate
  --batch   Free every B errors (for immediate free, use --batch=1)
`

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	maxErrs := flag.Int("max", 0, "total number of errors to allocate (required)")
	batch := flag.Int("batch", 0, "errors kept live before freeing them (required)")
	threads := flag.Int("threads", 1, "number of concurrent workers")
	chain := flag.Int("chain", 1, "records per error (cause chain length)")
	backtrace := flag.Bool("backtrace", errrec.BacktraceDefault, "capture a backtrace for each record")
	rateLim := flag.Float64("rate", 0, "max. alloc/free cycles per second per worker (0 = unlimited)")
	dump := flag.String("dump", "", "after the run, dump one record with backtrace to this file")
	debug := flag.Bool("debug", false, "enable allocation checks and live records tracking")
	verbose := flag.Bool("verbose", false, "enable debug output")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, usageMsg, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := workload.DefaultConfig()
	if *configPath != "" {
		c, err := workload.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(ExitConfig)
		}
		cfg = *c
	}
	// command line values override the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "max":
			cfg.Max = *maxErrs
		case "batch":
			cfg.Batch = *batch
		case "threads":
			cfg.Threads = *threads
		case "chain":
			cfg.Chain = *chain
		case "backtrace":
			cfg.Backtrace = *backtrace
		case "rate":
			cfg.Rate = *rateLim
		case "debug":
			cfg.Debug = *debug
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		flag.Usage()
		os.Exit(ExitConfig)
	}

	if *verbose {
		errrec.SetLogLevel(slog.LDBG)
	}
	libCfg := cfg.LibConfig(*errrec.GetCfg())
	errrec.SetCfg(&libCfg)

	alloc := errrec.NewDefault()
	errrec.DBG("errload: build tags %s, config %+v\n",
		strings.Join(errrec.BuildTags, ","), cfg)

	res, err := workload.Run(context.Background(), alloc, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(ExitAllocFailed)
	}
	res.Print(os.Stdout)

	if *verbose {
		st := alloc.Stats()
		fmt.Fprintf(os.Stderr, "alloc stats: new %d free %d failures %d"+
			" records %d freed %d max size %d\n",
			st.NewCalls.Get(), st.FreeCalls.Get(), st.Failures.Get(),
			st.Records.Get(), st.Freed.Get(), st.MaxSize.Get())
	}
	if cfg.Debug {
		if n := errrec.ReportLive(os.Stderr, 10); n != 0 {
			errrec.BUG("%d records never freed\n", n)
		}
	}

	if *dump != "" {
		if err := dumpOne(alloc, *dump); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(ExitAllocFailed)
		}
	}
	os.Exit(ExitSuccess)
}

// dumpOne creates a record with a backtrace, dumps it to path and frees it.
func dumpOne(alloc errrec.Allocator, path string) error {
	r, err := alloc.New(workload.ErrCode, "errload dump", nil, true)
	if err != nil {
		return err
	}
	defer alloc.Free(r)
	return r.DumpFile(path)
}
