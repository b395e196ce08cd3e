// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package sprite scores decompressed buffers by how much they look like SNES
// 4bpp sprite tiles.
package sprite

import (
	"bytes"

	"github.com/ffutop/spritescan/internal/model"
)

// Options holds the scoring weights. The defaults were tuned against a single
// title and are expected to need recalibration for others.
type Options struct {
	// Non-background pixel share that gets full coverage credit.
	CoverageLow  float64
	CoverageHigh float64
	// Number of distinct palette indices that gets full diversity credit.
	DiversityTarget int
	CoverageWeight  float64
	DiversityWeight float64
	// Multiplier applied to the share of tiles repeating their predecessor.
	RepeatPenalty float64
}

// DefaultOptions returns the default weights.
func DefaultOptions() Options {
	return Options{
		CoverageLow:     0.10,
		CoverageHigh:    0.85,
		DiversityTarget: 8,
		CoverageWeight:  0.5,
		DiversityWeight: 0.5,
		RepeatPenalty:   0.75,
	}
}

// Validator scores buffers. It holds no state besides its options and is
// safe for concurrent use.
type Validator struct {
	opts Options
}

// New creates a Validator.
func New(opts Options) *Validator {
	if opts.DiversityTarget < 2 {
		opts.DiversityTarget = 2
	}
	return &Validator{opts: opts}
}

// Validate returns the quality score of buf in [0, 1]. ok is false when buf
// is empty or not a whole number of tiles.
func (v *Validator) Validate(buf []byte) (quality float32, ok bool) {
	if len(buf) == 0 || len(buf)%model.TileSize != 0 {
		return 0, false
	}

	tiles := len(buf) / model.TileSize
	var seen [16]bool
	opaque, repeats := 0, 0
	for t := 0; t < tiles; t++ {
		tile := buf[t*model.TileSize : (t+1)*model.TileSize]
		if t > 0 && bytes.Equal(tile, buf[(t-1)*model.TileSize:t*model.TileSize]) {
			repeats++
		}
		px := DecodeTile(tile)
		for _, p := range px {
			seen[p] = true
			if p != 0 {
				opaque++
			}
		}
	}

	distinct := 0
	for _, s := range seen {
		if s {
			distinct++
		}
	}

	coverage := v.coverage(float64(opaque) / float64(tiles*64))
	diversity := min(float64(distinct-1)/float64(v.opts.DiversityTarget-1), 1)
	repeatShare := 0.0
	if tiles > 1 {
		repeatShare = float64(repeats) / float64(tiles-1)
	}

	score := (v.opts.CoverageWeight*coverage + v.opts.DiversityWeight*diversity) * (1 - v.opts.RepeatPenalty*repeatShare)
	return float32(max(0, min(score, 1))), true
}

// coverage gives full credit inside [CoverageLow, CoverageHigh] and ramps
// linearly to zero at 0 and at 1.
func (v *Validator) coverage(share float64) float64 {
	switch {
	case share < v.opts.CoverageLow:
		if v.opts.CoverageLow <= 0 {
			return 1
		}
		return share / v.opts.CoverageLow
	case share > v.opts.CoverageHigh:
		if v.opts.CoverageHigh >= 1 {
			return 1
		}
		return (1 - share) / (1 - v.opts.CoverageHigh)
	default:
		return 1
	}
}
