// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rom

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func loROM(title string) []byte {
	data := make([]byte, 0x10000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	h := data[loROMHeader:]
	copy(h[:titleLen], bytes.Repeat([]byte{' '}, titleLen))
	copy(h, title)
	binary.LittleEndian.PutUint16(h[complementAt:], 0x1234^0xFFFF)
	binary.LittleEndian.PutUint16(h[checksumAt:], 0x1234)
	return data
}

func writeROM(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "game.sfc")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write rom: %v", err)
	}
	return path
}

func TestOpen(t *testing.T) {
	data := loROM("KIRBY SUPER DELUXE")
	withHeader := append(make([]byte, copierHeaderSize), data...)

	tests := []struct {
		name       string
		file       []byte
		mmap       bool
		headerSize int
	}{
		{"Mmap", data, true, 0},
		{"Read", data, false, 0},
		{"MmapCopierHeader", withHeader, true, copierHeaderSize},
		{"ReadCopierHeader", withHeader, false, copierHeaderSize},
	}

	want := FromBytes(data)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeROM(t, tt.file)
			im, err := Open(path, tt.mmap)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer im.Close()

			if im.Path() != path {
				t.Errorf("Path() = %q, want %q", im.Path(), path)
			}

			if im.HeaderSize() != tt.headerSize {
				t.Errorf("HeaderSize() = %d, want %d", im.HeaderSize(), tt.headerSize)
			}
			if !bytes.Equal(im.Bytes(), data) {
				t.Error("Bytes() differ from the headerless rom")
			}
			if im.ID() != want.ID() {
				t.Errorf("ID() = %s, want %s", im.ID(), want.ID())
			}
			if im.Title() != "KIRBY SUPER DELUXE" {
				t.Errorf("Title() = %q", im.Title())
			}
		})
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing.sfc"), true); err == nil {
		t.Error("Open() succeeded for a missing file")
	}
	if _, err := Open(writeROM(t, nil), true); err == nil {
		t.Error("Open() succeeded for an empty file")
	}
}

func TestIdentity(t *testing.T) {
	a := FromBytes([]byte{1, 2, 3, 4})
	b := FromBytes([]byte{1, 2, 3, 5})
	if a.ID() == b.ID() || len(a.ID()) != 64 {
		t.Errorf("ID() = %s / %s", a.ID(), b.ID())
	}
}

func TestTitleWithoutHeader(t *testing.T) {
	if got := FromBytes(make([]byte, 0x10000)).Title(); got != "" {
		t.Errorf("Title() = %q, want empty", got)
	}
	if got := FromBytes(make([]byte, 0x100)).Title(); got != "" {
		t.Errorf("Title() on a tiny rom = %q, want empty", got)
	}
}
