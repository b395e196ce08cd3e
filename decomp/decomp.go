// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package decomp

import (
	"context"
	"errors"
)

var (
	// ErrInvalidStream means the bytes at the offset are not a valid (or complete) stream.
	ErrInvalidStream = errors.New("invalid compressed stream")
	// ErrOutputExceeded means the decompressed output would exceed the requested bound.
	ErrOutputExceeded = errors.New("decompressed output exceeds bound")
)

// Port is the decompression capability consumed by the scanner.
//
// The scanner makes no assumption about the compression algorithm behind a Port.
// An adapter may shell out to an external tool, call into a native library or
// implement the codec itself, as long as:
//   - decompression starts at src[offset],
//   - it stops and fails with ErrOutputExceeded once output would exceed maxOutput,
//   - malformed or truncated input fails with ErrInvalidStream.
//
// Implementations must be safe for concurrent use; every scan worker shares one Port.
type Port interface {
	Decompress(ctx context.Context, src []byte, offset, maxOutput uint32) ([]byte, error)
}

// HeaderChecker is implemented by ports that can cheaply reject an offset
// before a full decompression attempt.
type HeaderChecker interface {
	PlausibleHeader(src []byte, offset uint32) bool
}

// Checker is implemented by ports that depend on something outside the process
// (e.g. an external binary) and can verify it is usable before a scan starts.
type Checker interface {
	Check(ctx context.Context) error
}

// IsMiss reports whether err is one of the expected per-offset failures.
func IsMiss(err error) bool {
	return errors.Is(err, ErrInvalidStream) || errors.Is(err, ErrOutputExceeded)
}

// Bounded enforces the maxOutput contract on top of any Port. An adapter that
// "succeeds" with more than maxOutput bytes is reported as ErrOutputExceeded.
type Bounded struct {
	Port Port
}

// NewBounded wraps p. Wrapping an already bounded port returns it unchanged.
func NewBounded(p Port) *Bounded {
	if b, ok := p.(*Bounded); ok {
		return b
	}
	return &Bounded{Port: p}
}

// Decompress implements Port.
func (b *Bounded) Decompress(ctx context.Context, src []byte, offset, maxOutput uint32) ([]byte, error) {
	if uint64(offset) >= uint64(len(src)) {
		return nil, ErrInvalidStream
	}
	out, err := b.Port.Decompress(ctx, src, offset, maxOutput)
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) > uint64(maxOutput) {
		return nil, ErrOutputExceeded
	}
	return out, nil
}

// PlausibleHeader delegates to the wrapped port when it implements HeaderChecker.
func (b *Bounded) PlausibleHeader(src []byte, offset uint32) bool {
	if hc, ok := b.Port.(HeaderChecker); ok {
		return hc.PlausibleHeader(src, offset)
	}
	return true
}

// Check delegates to the wrapped port when it implements Checker.
func (b *Bounded) Check(ctx context.Context) error {
	if c, ok := b.Port.(Checker); ok {
		return c.Check(ctx)
	}
	return nil
}
