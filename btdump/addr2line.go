// Copyright 2019-2020 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btdump

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Addr2Line resolves addresses by running addr2line once per address.
type Addr2Line struct {
	Exe  string // executable the addresses belong to
	Tool string // symbolizer command, "addr2line" if empty
}

func (a *Addr2Line) Symbolize(ctx context.Context, addr string) (string, error) {
	tool := a.Tool
	if tool == "" {
		tool = "addr2line"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, tool, "-f", "-e", a.Exe, addr)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s %s: %w: %s", tool, addr, err, msg)
		}
		return "", fmt.Errorf("%s %s: %w", tool, addr, err)
	}
	return string(out), nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (rc readCloser) Close() error {
	return rc.close()
}

// Open opens a dump file. Files ending in ".zst" or ".lz4" are
// decompressed on the fly.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(path, ".zst"):
		d, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd dump %s: %w", path, err)
		}
		return readCloser{d, func() error {
			d.Close()
			return f.Close()
		}}, nil
	case strings.HasSuffix(path, ".lz4"):
		return readCloser{lz4.NewReader(f), f.Close}, nil
	}
	return f, nil
}
