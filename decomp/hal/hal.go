// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package hal decodes the LZ-style graphics compression used by HAL Laboratory
// SNES titles. It is an in-process decomp.Port, an alternative to invoking the
// external tool for every offset.
//
// Stream layout: a sequence of commands terminated by 0xFF.
//
//	normal command: CCCLLLLL            (command 0-6, length L+1, 1..32)
//	long command:   111CCCLL LLLLLLLL   (command 0-7, length L+1, 1..1024)
//
// Commands:
//
//	0  copy length raw bytes
//	1  repeat one byte length times
//	2  repeat a byte pair length times
//	3  write an incrementing byte sequence
//	4  copy from earlier output (16-bit big-endian offset)
//	5  like 4, with every byte bit-reversed
//	6  like 4, reading the output backwards
//	7  long form only, same as 4
package hal

import (
	"context"
	"math/bits"

	"github.com/ffutop/spritescan/decomp"
)

const (
	endOfStream = 0xFF
	longMask    = 0xE0
)

// Decompressor implements decomp.Port and decomp.HeaderChecker.
type Decompressor struct{}

// New creates a new HAL decompressor.
func New() *Decompressor {
	return &Decompressor{}
}

// Decompress implements decomp.Port.
func (d *Decompressor) Decompress(ctx context.Context, src []byte, offset, maxOutput uint32) ([]byte, error) {
	if uint64(offset) >= uint64(len(src)) {
		return nil, decomp.ErrInvalidStream
	}
	return Decode(src[offset:], int(maxOutput))
}

// PlausibleHeader rejects offsets whose first command is the terminator or a
// back-reference, which cannot begin a stream (there is no output to refer to).
func (d *Decompressor) PlausibleHeader(src []byte, offset uint32) bool {
	if uint64(offset) >= uint64(len(src)) {
		return false
	}
	b := src[offset]
	if b == endOfStream {
		return false
	}
	cmd := b >> 5
	if b&longMask == longMask {
		cmd = (b >> 2) & 0x07
	}
	return cmd < 4
}

// Decode decompresses a stream starting at src[0] up to and including its
// terminator.
func Decode(src []byte, maxOutput int) ([]byte, error) {
	out := make([]byte, 0, min(maxOutput, 0x800))
	pos := 0

	for {
		if pos >= len(src) {
			return nil, decomp.ErrInvalidStream
		}
		head := src[pos]
		pos++
		if head == endOfStream {
			break
		}

		var cmd byte
		var length int
		if head&longMask == longMask {
			if pos >= len(src) {
				return nil, decomp.ErrInvalidStream
			}
			cmd = (head >> 2) & 0x07
			length = (int(head&0x03)<<8 | int(src[pos])) + 1
			pos++
		} else {
			cmd = head >> 5
			length = int(head&0x1F) + 1
		}

		produced := length
		if cmd == 2 {
			produced = 2 * length
		}
		if len(out)+produced > maxOutput {
			return nil, decomp.ErrOutputExceeded
		}

		switch cmd {
		case 0:
			if pos+length > len(src) {
				return nil, decomp.ErrInvalidStream
			}
			out = append(out, src[pos:pos+length]...)
			pos += length
		case 1:
			if pos >= len(src) {
				return nil, decomp.ErrInvalidStream
			}
			v := src[pos]
			for i := 0; i < length; i++ {
				out = append(out, v)
			}
			pos++
		case 2:
			if pos+2 > len(src) {
				return nil, decomp.ErrInvalidStream
			}
			a, b := src[pos], src[pos+1]
			for i := 0; i < length; i++ {
				out = append(out, a, b)
			}
			pos += 2
		case 3:
			if pos >= len(src) {
				return nil, decomp.ErrInvalidStream
			}
			v := src[pos]
			for i := 0; i < length; i++ {
				out = append(out, v+byte(i))
			}
			pos++
		case 4, 5, 6, 7:
			if pos+2 > len(src) {
				return nil, decomp.ErrInvalidStream
			}
			ref := int(src[pos])<<8 | int(src[pos+1])
			pos += 2
			if ref >= len(out) {
				return nil, decomp.ErrInvalidStream
			}
			switch cmd {
			case 5:
				for i := 0; i < length; i++ {
					out = append(out, bits.Reverse8(out[ref+i]))
				}
			case 6:
				if ref-(length-1) < 0 {
					return nil, decomp.ErrInvalidStream
				}
				for i := 0; i < length; i++ {
					out = append(out, out[ref-i])
				}
			default:
				for i := 0; i < length; i++ {
					out = append(out, out[ref+i])
				}
			}
		}
	}

	if len(out) == 0 {
		return nil, decomp.ErrInvalidStream
	}
	return out, nil
}
