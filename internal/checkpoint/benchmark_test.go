// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ffutop/spritescan/internal/model"
)

// benchProgress resembles a checkpoint late in a 4 MiB scan.
func benchProgress() *model.Progress {
	p := &model.Progress{
		Params:           model.Parameters{Start: 0, End: 4 << 20, StepHint: 1, QualityThreshold: 0.3},
		CompletedThrough: 3 << 20,
	}
	for i := 0; i < 500; i++ {
		p.Candidates = append(p.Candidates, model.Candidate{
			Offset:           uint32(i * 0x1800),
			DecompressedSize: 1024,
			TileCount:        32,
			Quality:          float32(i%100) / 100,
			Compressed:       true,
		})
	}
	return p
}

func benchmarkCheckpoint(b *testing.B, s Store) {
	ctx := context.Background()
	p := benchProgress()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.CompletedThrough = uint32(i)
		if err := s.Checkpoint(ctx, "bench", p); err != nil {
			b.Fatalf("Checkpoint() error = %v", err)
		}
	}
}

// BenchmarkMemoryStore_Checkpoint benchmarks the in-memory store.
func BenchmarkMemoryStore_Checkpoint(b *testing.B) {
	benchmarkCheckpoint(b, NewMemoryStore())
}

// BenchmarkFileStore_Checkpoint benchmarks compress + fsync + rename.
func BenchmarkFileStore_Checkpoint(b *testing.B) {
	s, err := NewFileStore(b.TempDir())
	if err != nil {
		b.Fatalf("Failed to open file store: %v", err)
	}
	defer s.Close()
	benchmarkCheckpoint(b, s)
}

func BenchmarkSQLStore_Checkpoint(b *testing.B) {
	s, err := NewSQLStore("sqlite", filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatalf("Failed to open sql store: %v", err)
	}
	defer s.Close()
	benchmarkCheckpoint(b, s)
}

// BenchmarkFileStore_Load benchmarks reading and verifying a checkpoint.
func BenchmarkFileStore_Load(b *testing.B) {
	s, err := NewFileStore(b.TempDir())
	if err != nil {
		b.Fatalf("Failed to open file store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	p := benchProgress()
	if err := s.Checkpoint(ctx, "bench", p); err != nil {
		b.Fatalf("Checkpoint() error = %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if got, err := s.Load(ctx, "bench", p.Params); err != nil || got == nil {
			b.Fatalf("Load() = %v, %v", got, err)
		}
	}
}
