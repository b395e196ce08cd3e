// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ffutop/spritescan/internal/model"
)

// SQLStore implements persistence using a SQL database.
// Rows live in the `scan_progress` table, created by migrate.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens the database and applies migrations.
// Note: The driver (e.g., sqlite, sqlite3) must be imported in main.go
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

// Checkpoint upserts the row in a transaction.
func (s *SQLStore) Checkpoint(ctx context.Context, romID string, p *model.Progress) error {
	rec := newRecord(romID, p)
	params, err := json.Marshal(rec.Progress.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	candidates, err := json.Marshal(rec.Progress.Candidates)
	if err != nil {
		return fmt.Errorf("failed to encode candidates: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO scan_progress (ckpt_key, rom_id, version, params, completed_through, candidates, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ckpt_key) DO UPDATE SET
			version = excluded.version,
			params = excluded.params,
			completed_through = excluded.completed_through,
			candidates = excluded.candidates,
			updated_at = excluded.updated_at`,
		Key(romID, p.Params), romID, rec.Version, string(params),
		int64(rec.Progress.CompletedThrough), string(candidates), rec.Progress.UpdatedAt.UnixNano())
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, romID string, params model.Parameters) (*model.Progress, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT rom_id, version, params, completed_through, candidates, updated_at
		FROM scan_progress WHERE ckpt_key = ?`, Key(romID, params))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.progress(romID, params), nil
}

func (s *SQLStore) Clear(ctx context.Context, romID string, params model.Parameters) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM scan_progress WHERE ckpt_key = ?", Key(romID, params)); err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rom_id, version, params, completed_through, candidates, updated_at
		FROM scan_progress ORDER BY ckpt_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if rec.Version != FormatVersion {
			continue
		}
		entries = append(entries, rec.entry())
	}
	return entries, rows.Err()
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record, error) {
	var (
		rec        record
		params     string
		candidates string
		through    int64
		updatedAt  int64
	)
	if err := row.Scan(&rec.RomID, &rec.Version, &params, &through, &candidates, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &rec.Progress.Params); err != nil {
		return nil, fmt.Errorf("%w: params: %v", ErrCorrupt, err)
	}
	if err := json.Unmarshal([]byte(candidates), &rec.Progress.Candidates); err != nil {
		return nil, fmt.Errorf("%w: candidates: %v", ErrCorrupt, err)
	}
	rec.Progress.CompletedThrough = uint32(through)
	rec.Progress.UpdatedAt = time.Unix(0, updatedAt)
	return &rec, nil
}
