// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package btdump translates the raw backtrace addresses of an error
// record dump into function names and source lines, using an external
// symbolizer.
package btdump

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/intuitivelabs/errrec"
)

var addrRe = regexp.MustCompile(`\[0x[0-9a-fA-F]+\]`)

// Symbolizer resolves one address (e.g. "0x4a5b6c").
type Symbolizer interface {
	Symbolize(ctx context.Context, addr string) (string, error)
}

// Stats are the counts of one translation.
type Stats struct {
	Lines     int // lines read
	Skipped   int // lines after the separator without an address
	Addresses int // addresses found
	Failed    int // addresses the symbolizer could not resolve
}

// Translator echoes the dump header and resolves every bracketed address
// found after the separator line.
type Translator struct {
	Sym  Symbolizer
	Out  io.Writer // translated output
	Errs io.Writer // per line and per address errors
}

// ExtractAddrs returns all the bracketed hex addresses in line, lower-cased
// and without the brackets.
func ExtractAddrs(line string) []string {
	m := addrRe.FindAllString(line, -1)
	if len(m) == 0 {
		return nil
	}
	addrs := make([]string, len(m))
	for i, a := range m {
		addrs[i] = strings.ToLower(strings.Trim(a, "[]"))
	}
	return addrs
}

// Translate reads a dump from r. The lines up to and including the first
// separator are copied verbatim. After it, every [0xHEX] address is
// collected; lines without one are reported and skipped. A "Caused by:"
// or dump header line after a separator starts a new record, whose header
// lines are copied verbatim again up to its own separator.
// Then each address is passed once to the symbolizer and printed under an
// "Address <addr>:" header. A symbolizer failure is reported and the
// remaining addresses are still processed.
// Only read and write errors are returned.
func (t *Translator) Translate(ctx context.Context, r io.Reader) (Stats, error) {
	var st Stats
	var addrs []string
	started := false

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		st.Lines++
		if started {
			// next record of a cause chain: echo its header again
			switch strings.TrimSpace(line) {
			case errrec.DumpCausedBy, errrec.DumpHeader:
				started = false
			}
		}
		if !started {
			if _, err := fmt.Fprintln(t.Out, line); err != nil {
				return st, err
			}
			if strings.TrimSpace(line) == errrec.DumpSeparator {
				started = true
			}
			continue
		}
		a := ExtractAddrs(line)
		if len(a) == 0 {
			st.Skipped++
			fmt.Fprintf(t.Errs, "line %d: no address found, skipped: %q\n",
				st.Lines, line)
			continue
		}
		addrs = append(addrs, a...)
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("reading dump: %w", err)
	}
	st.Addresses = len(addrs)

	if len(addrs) == 0 {
		_, err := fmt.Fprintln(t.Out, "No valid addresses found.")
		return st, err
	}
	for _, addr := range addrs {
		out, err := t.Sym.Symbolize(ctx, addr)
		if err != nil {
			st.Failed++
			fmt.Fprintf(t.Errs, "Error processing address %s: %v\n", addr, err)
			continue
		}
		if _, err := fmt.Fprintf(t.Out, "Address %s:\n%s\n",
			addr, strings.TrimSpace(out)); err != nil {
			return st, err
		}
	}
	return st, nil
}
