// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package region discards ROM blocks that are almost certainly padding before
// the scanner spends decompression attempts on them.
package region

import (
	"runtime"
	"sync"

	"github.com/ffutop/spritescan/internal/model"
)

// parallelBlocks is the block count above which classification fans out.
const parallelBlocks = 64

// Options tunes the classifier. A block is skipped only when both the share of
// its most frequent byte exceeds PaddingThreshold and it has no more than
// MaxDistinct distinct byte values.
type Options struct {
	BlockSize        uint32
	PaddingThreshold float64
	MaxDistinct      int
	// Parallelism caps the classification goroutines, 0 means GOMAXPROCS.
	Parallelism int
}

// DefaultOptions returns the conservative defaults.
func DefaultOptions() Options {
	return Options{
		BlockSize:        4096,
		PaddingThreshold: 0.97,
		MaxDistinct:      4,
	}
}

// Classify splits r into BlockSize blocks starting at r.Start and judges each
// one. The last block is shorter when r.Len() is not a multiple of BlockSize.
func Classify(rom []byte, r model.AddressRange, opts Options) []model.Verdict {
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultOptions().BlockSize
	}
	if uint64(r.End) > uint64(len(rom)) {
		r.End = uint32(len(rom))
	}
	if r.Start >= r.End {
		return nil
	}

	n := int((uint64(r.Len()) + uint64(opts.BlockSize) - 1) / uint64(opts.BlockSize))
	verdicts := make([]model.Verdict, n)
	for i := range verdicts {
		start := r.Start + uint32(i)*opts.BlockSize
		end := r.End
		if uint64(start)+uint64(opts.BlockSize) < uint64(r.End) {
			end = start + opts.BlockSize
		}
		verdicts[i].Range = model.AddressRange{Start: start, End: end}
	}

	classify := func(i int) {
		v := &verdicts[i]
		v.WorthScanning = worthScanning(rom[v.Range.Start:v.Range.End], opts)
	}

	workers := opts.Parallelism
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if n < parallelBlocks || workers == 1 {
		for i := range verdicts {
			classify(i)
		}
		return verdicts
	}

	var wg sync.WaitGroup
	next := make(chan int, n)
	for i := range verdicts {
		next <- i
	}
	close(next)
	for w := 0; w < min(workers, n); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				classify(i)
			}
		}()
	}
	wg.Wait()
	return verdicts
}

func worthScanning(block []byte, opts Options) bool {
	if len(block) == 0 {
		return false
	}
	var hist [256]int
	for _, b := range block {
		hist[b]++
	}
	distinct, dominant := 0, 0
	for _, c := range hist {
		if c == 0 {
			continue
		}
		distinct++
		if c > dominant {
			dominant = c
		}
	}
	share := float64(dominant) / float64(len(block))
	return !(share > opts.PaddingThreshold && distinct <= opts.MaxDistinct)
}

// Surviving merges adjacent worth-scanning verdicts into ranges.
func Surviving(verdicts []model.Verdict) []model.AddressRange {
	var out []model.AddressRange
	for _, v := range verdicts {
		if !v.WorthScanning {
			continue
		}
		if n := len(out); n > 0 && out[n-1].End == v.Range.Start {
			out[n-1].End = v.Range.End
			continue
		}
		out = append(out, v.Range)
	}
	return out
}
