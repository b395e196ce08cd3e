// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package scan

import "github.com/ffutop/spritescan/internal/model"

// ChunkOptions controls how a range is split for the worker pool.
type ChunkOptions struct {
	// ChunksPerWorker oversubscribes the pool so fast workers pick up more
	// chunks from the queue.
	ChunksPerWorker int
	// Align is the grid logical chunk boundaries are rounded to, anchored at
	// Anchor. The scan uses the classifier block size anchored at the scan start.
	Align  uint32
	Anchor uint32
	// OverlapMargin extends each chunk past its logical end so a sprite that
	// starts just before a boundary is still decoded by that chunk's worker.
	// It should be at least the largest expected sprite stream minus one.
	OverlapMargin uint32
}

// DefaultChunkOptions returns the default chunk options.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		ChunksPerWorker: 4,
		Align:           4096,
		OverlapMargin:   2047,
	}
}

// Chunk splits r into at most workers*ChunksPerWorker chunks of roughly equal
// size. Logical ranges partition r; boundaries other than r.Start and r.End
// fall on the alignment grid and every chunk spans at least one grid unit.
// Range.End is Logical.End plus the overlap margin, clamped to r.End.
func Chunk(r model.AddressRange, workers int, opts ChunkOptions) []model.Chunk {
	if r.Start >= r.End {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if opts.ChunksPerWorker < 1 {
		opts.ChunksPerWorker = 1
	}
	if opts.Align == 0 {
		opts.Align = 1
	}

	want := uint64(workers) * uint64(opts.ChunksPerWorker)
	size := (uint64(r.Len()) + want - 1) / want
	size = (size + uint64(opts.Align) - 1) / uint64(opts.Align) * uint64(opts.Align)

	var chunks []model.Chunk
	start := uint64(r.Start)
	for start < uint64(r.End) {
		end := alignUp(start+size, uint64(opts.Anchor), uint64(opts.Align))
		if end > uint64(r.End) {
			end = uint64(r.End)
		}
		scanEnd := end + uint64(opts.OverlapMargin)
		if scanEnd > uint64(r.End) {
			scanEnd = uint64(r.End)
		}
		chunks = append(chunks, model.Chunk{
			ID:      uint32(len(chunks)),
			Logical: model.AddressRange{Start: uint32(start), End: uint32(end)},
			Range:   model.AddressRange{Start: uint32(start), End: uint32(scanEnd)},
		})
		start = end
	}
	return chunks
}

// alignDown rounds off down to the grid anchor + k*align.
func alignDown(off, anchor, align uint64) uint64 {
	if off <= anchor {
		return anchor
	}
	return anchor + (off-anchor)/align*align
}

// alignUp rounds off up to the grid anchor + k*align.
func alignUp(off, anchor, align uint64) uint64 {
	if off <= anchor {
		return anchor
	}
	return anchor + (off-anchor+align-1)/align*align
}
