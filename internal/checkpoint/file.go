// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package checkpoint

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/ffutop/spritescan/internal/model"
	"github.com/klauspost/compress/zstd"
)

const (
	fileExt    = ".ckpt"
	fileMagic  = "SSCK"
	headerSize = len(fileMagic) + 1 + 4
)

// FileStore implements persistence with one file per checkpoint.
//
// Layout:
// - Magic "SSCK" (4 bytes)
// - Format version (1 byte)
// - CRC-32 (IEEE, little endian) of the uncompressed JSON record (4 bytes)
// - zstd compressed JSON record
//
// Files are replaced atomically: the new content is written and synced to a
// temporary file in the same directory, then renamed over the old one.
type FileStore struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewFileStore creates a FileStore rooted at dir, creating it if necessary.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &FileStore{dir: dir, encoder: encoder, decoder: decoder}, nil
}

func (fs *FileStore) path(key string) string {
	return filepath.Join(fs.dir, key+fileExt)
}

// Checkpoint writes the progress to a temporary file and renames it into place.
func (fs *FileStore) Checkpoint(ctx context.Context, romID string, p *model.Progress) error {
	data, err := json.Marshal(newRecord(romID, p))
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	buf := make([]byte, headerSize, headerSize+len(data)/2)
	copy(buf, fileMagic)
	buf[len(fileMagic)] = FormatVersion
	binary.LittleEndian.PutUint32(buf[len(fileMagic)+1:], crc32.ChecksumIEEE(data))
	buf = fs.encoder.EncodeAll(data, buf)

	tmp, err := os.CreateTemp(fs.dir, ".tmp-*"+fileExt)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint to disk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, fs.path(Key(romID, p.Params))); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	if err := syncDir(fs.dir); err != nil {
		return fmt.Errorf("failed to sync checkpoint dir: %w", err)
	}
	return nil
}

// syncDir makes a rename in dir durable. Windows cannot fsync a directory.
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (fs *FileStore) Load(ctx context.Context, romID string, params model.Parameters) (*model.Progress, error) {
	rec, err := fs.read(fs.path(Key(romID, params)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return rec.progress(romID, params), nil
}

func (fs *FileStore) Clear(ctx context.Context, romID string, params model.Parameters) error {
	err := os.Remove(fs.path(Key(romID, params)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}
	return nil
}

// List skips files that cannot be decoded.
func (fs *FileStore) List(ctx context.Context) ([]Entry, error) {
	names, err := filepath.Glob(filepath.Join(fs.dir, "*"+fileExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var entries []Entry
	for _, name := range names {
		if strings.HasPrefix(filepath.Base(name), ".tmp-") {
			continue
		}
		rec, err := fs.read(name)
		if err != nil {
			slog.Warn("Skipping unreadable checkpoint", "file", name, "err", err)
			continue
		}
		if rec == nil {
			continue
		}
		entries = append(entries, rec.entry())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// read returns nil, nil for a file written by another format version.
func (fs *FileStore) read(path string) (*record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < headerSize || string(raw[:len(fileMagic)]) != fileMagic {
		return nil, fmt.Errorf("%w: bad header in %s", ErrCorrupt, path)
	}
	if raw[len(fileMagic)] != FormatVersion {
		return nil, nil
	}
	sum := binary.LittleEndian.Uint32(raw[len(fileMagic)+1:])

	data, err := fs.decoder.DecodeAll(raw[headerSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if crc32.ChecksumIEEE(data) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch in %s", ErrCorrupt, path)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &rec, nil
}

func (fs *FileStore) Close() error {
	fs.decoder.Close()
	return fs.encoder.Close()
}
