// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package errrec

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var btLineRe = regexp.MustCompile(`^(\S+\+0x[0-9a-f]+|\?\?) \[0x[0-9a-f]+\]$`)

func TestDump(t *testing.T) {
	a := NewStatic(nil)
	inner, err := a.New(7, "inner", nil, false)
	require.NoError(t, err)
	r, err := a.New(123, "error #0", inner, true)
	require.NoError(t, err)
	defer a.Free(r)

	var buf bytes.Buffer
	require.NoError(t, r.Dump(&buf))
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")

	require.Greater(t, len(lines), 6)
	assert.Equal(t, "====== ERROR DUMP ======", lines[0])
	assert.Equal(t, "Error code: 123", lines[1])
	assert.Equal(t, "Error message: error #0", lines[2])
	assert.Equal(t, "Alloc: static", lines[3])
	assert.Regexp(t, `^Location: \S*TestDump \S+dump_test\.go:[0-9]+$`, lines[4])
	assert.Equal(t, DumpSeparator, lines[5])

	i := 6
	for ; i < len(lines) && lines[i] != "Caused by:"; i++ {
		assert.Regexp(t, btLineRe, lines[i])
	}
	assert.Equal(t, len(r.Backtrace()), i-6)
	// the first address is in the test function
	assert.Contains(t, lines[6], "TestDump")

	// cause without backtrace: no separator
	require.Len(t, lines[i:], 6)
	assert.Equal(t, []string{
		"Caused by:",
		"====== ERROR DUMP ======",
		"Error code: 7",
		"Error message: inner",
		"Alloc: static",
	}, lines[i:i+5])
	assert.Regexp(t, `^Location: \S*TestDump \S+dump_test\.go:[0-9]+$`, lines[i+5])
}

func TestDumpPropagated(t *testing.T) {
	a := NewDynamic(nil)
	r, err := a.New(5, "wrapped", nil, false)
	require.NoError(t, err)
	defer a.Free(r)
	r.Wrap().Wrap()

	var buf bytes.Buffer
	require.NoError(t, r.Dump(&buf))
	out := buf.String()
	assert.Contains(t, out, "\nLocation: ")
	assert.Regexp(t, `\nPropagated 1: \S*TestDumpPropagated \S+:[0-9]+\n`, out)
	assert.Regexp(t, `\nPropagated 2: \S*TestDumpPropagated \S+:[0-9]+\n`, out)
	assert.NotContains(t, out, "Propagated 3:")
	assert.NotContains(t, out, DumpSeparator)
}

func TestDumpFile(t *testing.T) {
	a := NewDynamic(nil)
	r, err := a.New(123, "to file", nil, true)
	require.NoError(t, err)
	defer a.Free(r)

	path := filepath.Join(t.TempDir(), "error.dump")
	require.NoError(t, r.DumpFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Alloc: dynamic\nLocation: ")
	assert.Contains(t, string(data), "\n"+DumpSeparator+"\n")

	err = r.DumpFile(filepath.Join(t.TempDir(), "missing", "error.dump"))
	assert.Error(t, err)
}
