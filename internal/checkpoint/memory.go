// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/ffutop/spritescan/internal/model"
)

// MemoryStore keeps checkpoints for the lifetime of the process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]record)}
}

func (ms *MemoryStore) Checkpoint(ctx context.Context, romID string, p *model.Progress) error {
	rec := newRecord(romID, p)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.records[Key(romID, p.Params)] = rec
	return nil
}

func (ms *MemoryStore) Load(ctx context.Context, romID string, params model.Parameters) (*model.Progress, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	rec, ok := ms.records[Key(romID, params)]
	if !ok {
		return nil, nil
	}
	return rec.progress(romID, params), nil
}

func (ms *MemoryStore) Clear(ctx context.Context, romID string, params model.Parameters) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.records, Key(romID, params))
	return nil
}

func (ms *MemoryStore) List(ctx context.Context) ([]Entry, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	entries := make([]Entry, 0, len(ms.records))
	for _, rec := range ms.records {
		entries = append(entries, rec.entry())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (ms *MemoryStore) Close() error {
	return nil
}
