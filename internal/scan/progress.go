// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package scan

import (
	"sync"
	"sync/atomic"

	"github.com/ffutop/spritescan/internal/model"
)

// Progress is published to subscribers while a scan runs.
type Progress struct {
	// Offset is the resume watermark: everything below it is done.
	Offset     uint32
	Scanned    uint32
	Total      uint32
	Candidates int
}

const (
	chunkPending int32 = iota
	chunkRunning
	chunkDone
	chunkFailed
)

// chunkState tracks one chunk. pos is the first offset of Range not yet
// scanned and is written only by the worker owning the chunk.
type chunkState struct {
	chunk  model.Chunk
	status atomic.Int32
	pos    atomic.Uint32
}

func newChunkState(c model.Chunk) *chunkState {
	cs := &chunkState{chunk: c}
	cs.pos.Store(c.Range.Start)
	return cs
}

// logicalPos is pos clamped to the logical range.
func (cs *chunkState) logicalPos() uint32 {
	return min(cs.pos.Load(), cs.chunk.Logical.End)
}

// watermark returns the highest grid-aligned offset below which every byte
// of the scan range has been scanned or skipped by the classifier.
func (e *Engine) watermark() uint32 {
	w := e.resumedFrom
	for _, cs := range e.chunks {
		if cs.chunk.Logical.Start > w {
			w = cs.chunk.Logical.Start
		}
		status := cs.status.Load()
		if status == chunkDone {
			w = cs.chunk.Logical.End
			continue
		}
		p := cs.logicalPos()
		if p >= cs.chunk.Logical.End && status != chunkFailed {
			w = cs.chunk.Logical.End
			continue
		}
		return uint32(alignDown(uint64(p), uint64(e.params.Start), uint64(e.grid)))
	}
	return e.params.End
}

// scanned counts bytes of the scan range that were scanned or skipped.
func (e *Engine) scanned() uint32 {
	n := uint64(e.resumedFrom-e.params.Start) + uint64(e.skipped)
	for _, cs := range e.chunks {
		if cs.status.Load() == chunkDone {
			n += uint64(cs.chunk.Logical.Len())
			continue
		}
		n += uint64(cs.logicalPos() - cs.chunk.Logical.Start)
	}
	return uint32(min(n, uint64(e.params.Range().Len())))
}

func (e *Engine) snapshot() Progress {
	e.mu.Lock()
	found := len(e.candidates)
	e.mu.Unlock()
	return Progress{
		Offset:     e.watermark(),
		Scanned:    e.scanned(),
		Total:      e.params.Range().Len(),
		Candidates: found,
	}
}

// subscriber wraps a channel with safe close handling
type subscriber struct {
	mu     sync.Mutex
	ch     chan Progress
	closed bool
}

func (sub *subscriber) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// send never blocks; a slow subscriber misses updates.
func (sub *subscriber) send(p Progress) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false
	}
	select {
	case sub.ch <- p:
		return true
	default:
		return false
	}
}

// Subscribe returns a channel receiving progress updates. It is closed when
// the scan finishes.
func (e *Engine) Subscribe() <-chan Progress {
	sub := &subscriber{ch: make(chan Progress, 16)}

	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.subsClosed {
		sub.close()
		return sub.ch
	}
	e.subscribers = append(e.subscribers, sub)
	return sub.ch
}

func (e *Engine) broadcast(p Progress) {
	e.subMu.Lock()
	subs := make([]*subscriber, len(e.subscribers))
	copy(subs, e.subscribers)
	e.subMu.Unlock()

	for _, sub := range subs {
		sub.send(p)
	}
	e.log.Debug("Scan progress", "offset", p.Offset, "scanned", p.Scanned, "total", p.Total, "candidates", p.Candidates)
}

func (e *Engine) closeSubscribers() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, sub := range e.subscribers {
		sub.close()
	}
	e.subscribers = nil
	e.subsClosed = true
}
