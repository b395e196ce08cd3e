// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package external implements decomp.Port by running a decompression tool
// (such as exhal) once per offset.
package external

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/ffutop/spritescan/decomp"
)

// Argument placeholders expanded for every invocation.
const (
	PlaceholderInput  = "{input}"
	PlaceholderOffset = "{offset}"
	PlaceholderOutput = "{output}"
)

// DefaultArgs matches the exhal command line: exhal romfile offset outfile.
var DefaultArgs = []string{PlaceholderInput, "0x" + PlaceholderOffset, PlaceholderOutput}

// Tool runs an external decompressor.
type Tool struct {
	binaryPath string
	args       []string
	timeout    time.Duration

	mu      sync.Mutex
	workDir string
	input   string
	source  sourceID
}

// sourceID identifies the buffer that was last written to the input file.
type sourceID struct {
	ptr  *byte
	size int
}

// New creates a Tool for the given binary. Empty args selects DefaultArgs.
func New(binaryPath string, args []string, timeout time.Duration) *Tool {
	if len(args) == 0 {
		args = DefaultArgs
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Tool{
		binaryPath: binaryPath,
		args:       args,
		timeout:    timeout,
	}
}

// Check verifies the binary can be found.
func (t *Tool) Check(ctx context.Context) error {
	if _, err := exec.LookPath(t.binaryPath); err != nil {
		return fmt.Errorf("decompressor %q not found or not executable: %w", t.binaryPath, err)
	}
	return nil
}

// Decompress implements decomp.Port.
func (t *Tool) Decompress(ctx context.Context, src []byte, offset, maxOutput uint32) ([]byte, error) {
	if uint64(offset) >= uint64(len(src)) {
		return nil, decomp.ErrInvalidStream
	}

	input, err := t.inputFile(src)
	if err != nil {
		return nil, err
	}

	out, err := os.CreateTemp(t.workDir, "out.*.bin")
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.binaryPath, t.expand(input, offset, outPath)...)
	cmd.WaitDelay = time.Second
	if output, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v: %s", decomp.ErrInvalidStream, err, strings.TrimSpace(string(output)))
	}

	fi, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("%w: no output: %v", decomp.ErrInvalidStream, err)
	}
	if fi.Size() > int64(maxOutput) {
		return nil, decomp.ErrOutputExceeded
	}
	if fi.Size() == 0 {
		return nil, decomp.ErrInvalidStream
	}
	return os.ReadFile(outPath)
}

// Close removes the temporary files.
func (t *Tool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.workDir == "" {
		return nil
	}
	err := os.RemoveAll(t.workDir)
	t.workDir = ""
	t.input = ""
	t.source = sourceID{}
	return err
}

// inputFile writes src to a temp file the first time a buffer is seen. The
// scanner hands the same read-only ROM buffer to every call.
func (t *Tool) inputFile(src []byte) (string, error) {
	id := sourceID{ptr: unsafe.SliceData(src), size: len(src)}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.input != "" && t.source == id {
		return t.input, nil
	}
	if t.workDir == "" {
		dir, err := os.MkdirTemp("", "spritescan-")
		if err != nil {
			return "", fmt.Errorf("failed to create work dir: %w", err)
		}
		t.workDir = dir
	}

	path := filepath.Join(t.workDir, "rom.bin")
	if err := os.WriteFile(path, src, 0644); err != nil {
		return "", fmt.Errorf("failed to write rom snapshot: %w", err)
	}
	t.input = path
	t.source = id
	return path, nil
}

func (t *Tool) expand(input string, offset uint32, output string) []string {
	hexOffset := strconv.FormatUint(uint64(offset), 16)
	r := strings.NewReplacer(
		PlaceholderInput, input,
		PlaceholderOffset, hexOffset,
		PlaceholderOutput, output,
	)
	args := make([]string, len(t.args))
	for i, a := range t.args {
		args[i] = r.Replace(a)
	}
	return args
}
