// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package model

import (
	"fmt"
	"sort"
	"time"
)

const (
	// TileSize is the size of one 8x8 4bpp tile in bytes.
	TileSize = 32
)

// AddressRange is a half-open range [Start, End) of ROM offsets.
type AddressRange struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// Len returns the number of bytes in the range.
func (r AddressRange) Len() uint32 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether off lies in the range.
func (r AddressRange) Contains(off uint32) bool {
	return off >= r.Start && off < r.End
}

// Validate checks Start < End <= romSize.
func (r AddressRange) Validate(romSize int) error {
	if r.Start >= r.End {
		return fmt.Errorf("empty range %s", r)
	}
	if uint64(r.End) > uint64(romSize) {
		return fmt.Errorf("range %s exceeds rom size %#x", r, romSize)
	}
	return nil
}

func (r AddressRange) String() string {
	return fmt.Sprintf("[%#06x, %#06x)", r.Start, r.End)
}

// Chunk is one unit of work handed to a scan worker. Logical ranges of a scan
// partition the target range; Range extends Logical by the overlap margin.
type Chunk struct {
	ID      uint32
	Range   AddressRange
	Logical AddressRange
}

// Candidate is an offset whose decompressed output looks like sprite tiles.
type Candidate struct {
	Offset           uint32  `json:"offset"`
	DecompressedSize uint32  `json:"decompressed_size"`
	TileCount        uint32  `json:"tile_count"`
	Quality          float32 `json:"quality"`
	Compressed       bool    `json:"compressed"`
}

// Less orders candidates by quality descending, then offset ascending.
func Less(a, b Candidate) bool {
	if a.Quality != b.Quality {
		return a.Quality > b.Quality
	}
	return a.Offset < b.Offset
}

// SortCandidates sorts cs in result order.
func SortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool { return Less(cs[i], cs[j]) })
}

// Parameters identifies a logical scan request.
type Parameters struct {
	Start            uint32  `json:"start"`
	End              uint32  `json:"end"`
	StepHint         uint32  `json:"step_hint"`
	QualityThreshold float32 `json:"quality_threshold"`
}

// Range returns the target address range.
func (p Parameters) Range() AddressRange {
	return AddressRange{Start: p.Start, End: p.End}
}

// Progress is a resumable snapshot of a scan. Every offset below
// CompletedThrough has been scanned and its candidates are included.
type Progress struct {
	Params           Parameters  `json:"params"`
	CompletedThrough uint32      `json:"completed_through"`
	Candidates       []Candidate `json:"candidates"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Verdict is the classifier's decision for one block.
type Verdict struct {
	Range         AddressRange
	WorthScanning bool
}
