// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
	"time"

	"github.com/ffutop/spritescan/internal/config"
	"github.com/ffutop/spritescan/internal/model"
	_ "modernc.org/sqlite"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fs, err := NewFileStore(filepath.Join(dir, "ckpt"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	ss, err := NewSQLStore("sqlite", filepath.Join(dir, "ckpt.db"))
	if err != nil {
		t.Fatalf("NewSQLStore() error = %v", err)
	}
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
		"sql":    ss,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func sampleProgress() *model.Progress {
	return &model.Progress{
		Params:           model.Parameters{Start: 0x8000, End: 0x200000, StepHint: 1, QualityThreshold: 0.3},
		CompletedThrough: 0x48000,
		Candidates: []model.Candidate{
			{Offset: 0x9000, DecompressedSize: 512, TileCount: 16, Quality: 0.91, Compressed: true},
			{Offset: 0x12345, DecompressedSize: 2048, TileCount: 64, Quality: 0.42, Compressed: true},
		},
		UpdatedAt: time.Unix(1760000000, 123456789),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			p := sampleProgress()
			if err := s.Checkpoint(ctx, "rom-a", p); err != nil {
				t.Fatalf("Checkpoint() error = %v", err)
			}

			got, err := s.Load(ctx, "rom-a", p.Params)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if got == nil {
				t.Fatal("Load() = nil, want progress")
			}
			if got.Params != p.Params || got.CompletedThrough != p.CompletedThrough {
				t.Errorf("Load() = %+v, want %+v", got, p)
			}
			if !reflect.DeepEqual(got.Candidates, p.Candidates) {
				t.Errorf("Load() candidates = %+v, want %+v", got.Candidates, p.Candidates)
			}
			if !got.UpdatedAt.Equal(p.UpdatedAt) {
				t.Errorf("Load() UpdatedAt = %v, want %v", got.UpdatedAt, p.UpdatedAt)
			}
		})
	}
}

func TestStoreReplaceAndClear(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			p := sampleProgress()
			if err := s.Checkpoint(ctx, "rom-a", p); err != nil {
				t.Fatalf("Checkpoint() error = %v", err)
			}
			p.CompletedThrough = 0x90000
			p.Candidates = append(p.Candidates, model.Candidate{Offset: 0x88000, Quality: 0.5})
			if err := s.Checkpoint(ctx, "rom-a", p); err != nil {
				t.Fatalf("Checkpoint() error = %v", err)
			}

			got, err := s.Load(ctx, "rom-a", p.Params)
			if err != nil || got == nil {
				t.Fatalf("Load() = %v, %v", got, err)
			}
			if got.CompletedThrough != 0x90000 || len(got.Candidates) != 3 {
				t.Errorf("Load() = %+v, want replaced entry", got)
			}

			entries, err := s.List(ctx)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(entries) != 1 || entries[0].Key != Key("rom-a", p.Params) || entries[0].Candidates != 3 {
				t.Errorf("List() = %+v", entries)
			}

			if err := s.Clear(ctx, "rom-a", p.Params); err != nil {
				t.Fatalf("Clear() error = %v", err)
			}
			if got, err := s.Load(ctx, "rom-a", p.Params); got != nil || err != nil {
				t.Errorf("Load() after Clear() = %v, %v", got, err)
			}
			if err := s.Clear(ctx, "rom-a", p.Params); err != nil {
				t.Errorf("second Clear() error = %v", err)
			}
		})
	}
}

// Changing any parameter or the ROM must miss the old entry.
func TestStoreLoadMismatch(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			p := sampleProgress()
			if err := s.Checkpoint(ctx, "rom-a", p); err != nil {
				t.Fatalf("Checkpoint() error = %v", err)
			}

			threshold := p.Params
			threshold.QualityThreshold = 0.35
			narrower := p.Params
			narrower.End = 0x100000
			step := p.Params
			step.StepHint = 2

			tests := []struct {
				name   string
				romID  string
				params model.Parameters
			}{
				{"OtherROM", "rom-b", p.Params},
				{"Threshold", "rom-a", threshold},
				{"Range", "rom-a", narrower},
				{"Step", "rom-a", step},
			}
			for _, tt := range tests {
				got, err := s.Load(ctx, tt.romID, tt.params)
				if err != nil || got != nil {
					t.Errorf("%s: Load() = %v, %v, want nil, nil", tt.name, got, err)
				}
			}
		})
	}
}

func TestKey(t *testing.T) {
	p := sampleProgress().Params
	if Key("a", p) != Key("a", p) {
		t.Error("Key() not stable")
	}
	q := p
	q.QualityThreshold = 0.31
	if Key("a", p) == Key("a", q) || Key("a", p) == Key("b", p) {
		t.Error("Key() collides for different inputs")
	}
	if len(Key("a", p)) != 64 {
		t.Errorf("Key() length = %d, want 64 hex chars", len(Key("a", p)))
	}
}

func TestFileStoreCorruption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	defer s.Close()

	p := sampleProgress()
	if err := s.Checkpoint(ctx, "rom-a", p); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	path := s.path(Key("rom-a", p.Params))
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	flipped := append([]byte(nil), raw...)
	flipped[headerSize-1] ^= 0xFF
	if err := os.WriteFile(path, flipped, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "rom-a", p.Params); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Load() with bad checksum error = %v, want ErrCorrupt", err)
	}
	if entries, err := s.List(ctx); err != nil || len(entries) != 0 {
		t.Errorf("List() = %v, %v, want corrupt entry skipped", entries, err)
	}

	if err := os.WriteFile(path, []byte("junk"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "rom-a", p.Params); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Load() with bad header error = %v, want ErrCorrupt", err)
	}

	// A file from another format version is stale, not corrupt.
	stale := append([]byte(nil), raw...)
	stale[len(fileMagic)] = FormatVersion + 1
	if err := os.WriteFile(path, stale, 0644); err != nil {
		t.Fatal(err)
	}
	if got, err := s.Load(ctx, "rom-a", p.Params); got != nil || err != nil {
		t.Errorf("Load() of other version = %v, %v, want nil, nil", got, err)
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	defer s.Close()

	p := sampleProgress()
	for i := 0; i < 5; i++ {
		p.CompletedThrough += 0x1000
		if err := s.Checkpoint(ctx, "rom-a", p); err != nil {
			t.Fatalf("Checkpoint() error = %v", err)
		}
	}
	names, _ := os.ReadDir(dir)
	if len(names) != 1 {
		t.Errorf("dir holds %d files, want 1", len(names))
	}
}

func TestFileStoreDirRemoved(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ckpt")
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	defer s.Close()

	if err := syncDir(dir); err != nil {
		t.Fatalf("syncDir() error = %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := s.Checkpoint(context.Background(), "rom-a", sampleProgress()); err == nil {
		t.Error("Checkpoint() succeeded after the directory was removed")
	}
	if runtime.GOOS != "windows" {
		if err := syncDir(dir); err == nil {
			t.Error("syncDir() succeeded for a missing directory")
		}
	}
}

func TestSQLStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ckpt.db")

	s, err := NewSQLStore("sqlite", path)
	if err != nil {
		t.Fatalf("NewSQLStore() error = %v", err)
	}
	p := sampleProgress()
	if err := s.Checkpoint(ctx, "rom-a", p); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	s.Close()

	s, err = NewSQLStore("sqlite", path)
	if err != nil {
		t.Fatalf("reopen NewSQLStore() error = %v", err)
	}
	defer s.Close()
	got, err := s.Load(ctx, "rom-a", p.Params)
	if err != nil || got == nil || got.CompletedThrough != p.CompletedThrough {
		t.Errorf("Load() after reopen = %+v, %v", got, err)
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		cfg     config.StoreConfig
		want    string
		wantErr bool
	}{
		{config.StoreConfig{Type: "memory"}, "*checkpoint.MemoryStore", false},
		{config.StoreConfig{Type: "file", Path: filepath.Join(dir, "f")}, "*checkpoint.FileStore", false},
		{config.StoreConfig{Type: "sql", Driver: "sqlite", Path: filepath.Join(dir, "s.db")}, "*checkpoint.SQLStore", false},
		{config.StoreConfig{Type: "redis"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.cfg.Type, func(t *testing.T) {
			s, err := Open(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer s.Close()
			if got := reflect.TypeOf(s).String(); got != tt.want {
				t.Errorf("Open() = %s, want %s", got, tt.want)
			}
		})
	}
}
