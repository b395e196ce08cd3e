// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package checkpoint persists scan progress so an interrupted scan can resume.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ffutop/spritescan/internal/config"
	"github.com/ffutop/spritescan/internal/model"
)

// FormatVersion is bumped whenever the stored record changes shape. Records
// with another version are treated as absent.
const FormatVersion = 1

// ErrCorrupt is returned when a stored checkpoint fails its integrity check.
var ErrCorrupt = errors.New("corrupt checkpoint")

// Store defines the interface for persisting scan progress.
//
// Implementations must be safe for concurrent use and must never leave a
// previously readable checkpoint unreadable, even if a write is interrupted.
type Store interface {
	// Checkpoint saves p for romID, replacing any previous entry with the same
	// parameters.
	Checkpoint(ctx context.Context, romID string, p *model.Progress) error

	// Load returns the progress saved for romID and params, or nil if there is
	// none or it was written by another format version.
	Load(ctx context.Context, romID string, params model.Parameters) (*model.Progress, error)

	// Clear removes the entry. Clearing a missing entry is not an error.
	Clear(ctx context.Context, romID string, params model.Parameters) error

	// List returns all stored entries.
	List(ctx context.Context) ([]Entry, error)

	Close() error
}

// Entry summarizes a stored checkpoint.
type Entry struct {
	Key              string
	RomID            string
	Params           model.Parameters
	CompletedThrough uint32
	Candidates       int
	UpdatedAt        time.Time
}

// record is the unit every backend persists.
type record struct {
	Version  int            `json:"version"`
	RomID    string         `json:"rom_id"`
	Progress model.Progress `json:"progress"`
}

func newRecord(romID string, p *model.Progress) record {
	progress := *p
	progress.Candidates = append([]model.Candidate(nil), p.Candidates...)
	if progress.UpdatedAt.IsZero() {
		progress.UpdatedAt = time.Now()
	}
	return record{Version: FormatVersion, RomID: romID, Progress: progress}
}

// progress returns a copy of the stored progress if r still belongs to romID
// and params.
func (r *record) progress(romID string, params model.Parameters) *model.Progress {
	if r.Version != FormatVersion || r.RomID != romID || r.Progress.Params != params {
		return nil
	}
	p := r.Progress
	p.Candidates = append([]model.Candidate(nil), r.Progress.Candidates...)
	return &p
}

func (r *record) entry() Entry {
	return Entry{
		Key:              Key(r.RomID, r.Progress.Params),
		RomID:            r.RomID,
		Params:           r.Progress.Params,
		CompletedThrough: r.Progress.CompletedThrough,
		Candidates:       len(r.Progress.Candidates),
		UpdatedAt:        r.Progress.UpdatedAt,
	}
}

// Key derives the storage key for a ROM identity and scan parameters.
func Key(romID string, params model.Parameters) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%d|%08x", romID, params.Start, params.End, params.StepHint, math.Float32bits(params.QualityThreshold))
	return hex.EncodeToString(h.Sum(nil))
}

// Open creates the store selected by cfg.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Path)
	case "sql":
		return NewSQLStore(cfg.Driver, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
