// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Command btxlate resolves the backtrace addresses of an error record
// dump (see errload --dump) with addr2line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/intuitivelabs/errrec/btdump"
)

func main() {
	tool := flag.String("tool", "addr2line", "symbolizer command")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-tool cmd] <error_dump_file> <executable>\n",
			os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	in, err := btdump.Open(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading file: %v\n", err)
		os.Exit(1)
	}
	defer in.Close()

	t := &btdump.Translator{
		Sym:  &btdump.Addr2Line{Exe: flag.Arg(1), Tool: *tool},
		Out:  os.Stdout,
		Errs: os.Stderr,
	}
	if _, err := t.Translate(context.Background(), in); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		in.Close()
		os.Exit(1)
	}
}
