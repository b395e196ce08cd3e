// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package scan

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"

	"github.com/ffutop/spritescan/decomp"
	"github.com/ffutop/spritescan/internal/model"
)

// worker drains the chunk queue until it is empty or the scan stops.
func (e *Engine) worker(ctx context.Context, id int, queue <-chan *chunkState) {
	for cs := range queue {
		if e.stopped() || ctx.Err() != nil {
			return
		}
		if !e.runChunk(ctx, id, cs) {
			continue
		}

		n := e.completed.Add(1)
		if every := e.opts.CheckpointEvery; every > 0 && int(n)%every == 0 {
			if err := e.saveCheckpoint(ctx); err != nil {
				e.log.Error("Checkpoint failed, stopping scan", "err", err)
				e.setFatal(err)
				return
			}
		}
		e.broadcast(e.snapshot())
	}
}

// runChunk scans one chunk and reports whether it completed. A panic or an
// unexpected port error fails the chunk without affecting the others.
func (e *Engine) runChunk(ctx context.Context, id int, cs *chunkState) (completed bool) {
	cs.status.Store(chunkRunning)
	defer func() {
		if r := recover(); r != nil {
			cs.status.Store(chunkFailed)
			e.log.Error("Chunk failed",
				"chunk", cs.chunk.ID, "worker", id,
				"offset", fmt.Sprintf("%#x", cs.pos.Load()),
				"panic", r, "stack", string(debug.Stack()))
			completed = false
		}
	}()

	done, err := e.scanChunk(ctx, cs)
	if err != nil {
		cs.status.Store(chunkFailed)
		e.log.Error("Chunk failed",
			"chunk", cs.chunk.ID, "worker", id,
			"offset", fmt.Sprintf("%#x", cs.pos.Load()), "err", err)
		return false
	}
	if !done {
		return false
	}
	cs.status.Store(chunkDone)
	return true
}

// scanChunk walks the offsets of the chunk's scan range. The adaptive step
// restarts at every grid boundary, so the offsets visited inside a grid block
// do not depend on where the chunk starts. It reports false when the scan
// stopped before the end of the chunk.
func (e *Engine) scanChunk(ctx context.Context, cs *chunkState) (bool, error) {
	grid := uint64(e.grid)
	anchor := uint64(e.params.Start)
	end := uint64(cs.chunk.Range.End)

	st := newStepper(e.stepOptions())
	off := uint64(cs.pos.Load())
	boundary := alignUp(off+1, anchor, grid)

	for off < end {
		if e.stopped() || ctx.Err() != nil {
			return false, nil
		}
		found, err := e.probe(ctx, uint32(off))
		// An interrupted probe is redone on resume.
		if e.stopped() || ctx.Err() != nil {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if found {
			st.hit()
		} else {
			st.miss()
		}

		next := off + uint64(st.step)
		if next >= boundary {
			next = boundary
			boundary += grid
			st.reset()
		}
		off = min(next, end)
		cs.pos.Store(uint32(off))
	}
	return true, nil
}

func (e *Engine) stepOptions() StepOptions {
	opts := e.opts.Step
	opts.Min = max(opts.Min, e.params.StepHint, 1)
	return opts
}

// probe tries one offset. It reports whether the port decoded a stream there,
// whether or not the result scored high enough to be kept. Errors other than
// an invalid or oversized stream are returned.
func (e *Engine) probe(ctx context.Context, off uint32) (bool, error) {
	data := e.img.Bytes()
	if e.isFill(data, off) {
		return false, nil
	}
	if e.header != nil && !e.header.PlausibleHeader(data, off) {
		return false, nil
	}

	out, err := e.port.Decompress(ctx, data, off, e.opts.MaxOutput)
	if err != nil {
		if decomp.IsMiss(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to decompress at %#x: %w", off, err)
	}

	quality, ok := e.validator.Validate(out)
	if ok && quality >= e.params.QualityThreshold {
		e.addCandidate(model.Candidate{
			Offset:           off,
			DecompressedSize: uint32(len(out)),
			TileCount:        uint32(len(out) / model.TileSize),
			Quality:          quality,
			Compressed:       !storedRaw(data, off, out),
		})
	}
	return true, nil
}

// isFill reports whether the bytes at off are a run of one value.
func (e *Engine) isFill(data []byte, off uint32) bool {
	n := e.opts.FillProbe
	if n <= 1 || uint64(off)+uint64(n) > uint64(len(data)) {
		return false
	}
	run := data[off : int(off)+n]
	for _, b := range run[1:] {
		if b != run[0] {
			return false
		}
	}
	return true
}

// storedRaw reports whether out is a verbatim copy of the ROM at off.
func storedRaw(data []byte, off uint32, out []byte) bool {
	if uint64(off)+uint64(len(out)) > uint64(len(data)) {
		return false
	}
	return bytes.Equal(data[off:int(off)+len(out)], out)
}
