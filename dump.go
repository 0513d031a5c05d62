// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package errrec

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// DumpSeparator separates the record fields from the backtrace addresses
// in a dump.
const DumpSeparator = "------------------------"

// DumpHeader starts the dump of each record of a chain.
const DumpHeader = "====== ERROR DUMP ======"

// DumpCausedBy precedes the dump of a cause record.
const DumpCausedBy = "Caused by:"

// Dump writes a human readable dump of r and of its cause chain: the
// record fields, the creation location and the propagation frames, then
// the backtrace after a DumpSeparator line.
// Each backtrace address is written on its own line as
// "func+0xoffset [0xaddr]" (or "?? [0xaddr]" if unknown), the format
// expected by the btxlate tool.
func (r *Record) Dump(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for e := r; e != nil; e = e.Cause() {
		if e != r {
			fmt.Fprintf(bw, "%s\n", DumpCausedBy)
		}
		fmt.Fprintf(bw, "%s\n"+
			"Error code: %d\n"+
			"Error message: %s\n"+
			"Alloc: %s\n",
			DumpHeader, e.code, e.msg, e.atype)
		if tr := e.Trace(); len(tr) > 0 {
			fmt.Fprintf(bw, "Location: %s\n", tr[0])
			for i := 1; i < len(tr); i++ {
				fmt.Fprintf(bw, "Propagated %d: %s\n", i, tr[i])
			}
		}
		if len(e.bt) == 0 {
			continue
		}
		fmt.Fprintf(bw, "%s\n", DumpSeparator)
		for _, pc := range e.bt {
			if name, off := symbolize(pc); name != "" {
				fmt.Fprintf(bw, "%s+0x%x [0x%x]\n", name, off, pc)
			} else {
				fmt.Fprintf(bw, "?? [0x%x]\n", pc)
			}
		}
	}
	return bw.Flush()
}

// DumpFile writes the Dump() output to the file at path (truncating it).
func (r *Record) DumpFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dump record: %w", err)
	}
	if err := r.Dump(f); err != nil {
		f.Close()
		return fmt.Errorf("dump record to %s: %w", path, err)
	}
	return f.Close()
}
