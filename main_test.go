// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ffutop/spritescan/internal/sprite"
)

func writeTestROM(t *testing.T) string {
	t.Helper()
	data := make([]byte, 0x10000)
	stream := []byte{0xE1, 0xFF}
	for n := 0; n < 16; n++ {
		var px [64]byte
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				if (x+y)%2 == 0 {
					px[y*8+x] = byte((x + y + n) % 16)
				}
			}
		}
		stream = append(stream, sprite.EncodeTile(px)...)
	}
	stream = append(stream, 0xFF)
	copy(data[0x1000:], stream)

	path := filepath.Join(t.TempDir(), "game.sfc")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunJSON(t *testing.T) {
	path := writeTestROM(t)

	var out bytes.Buffer
	code := run([]string{"--store", "memory", "--json", "--workers", "2", "--log-level", "error", path}, &out)
	if code != exitOK {
		t.Fatalf("run() = %d, want %d", code, exitOK)
	}

	var res jsonResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if res.State != "completed" || res.Scanned != res.Total {
		t.Errorf("state = %s, scanned %d of %d", res.State, res.Scanned, res.Total)
	}
	if len(res.Candidates) == 0 || res.Candidates[0].Offset != 0x1000 {
		t.Errorf("candidates = %+v, want 0x1000 first", res.Candidates)
	}
}

func TestRunTable(t *testing.T) {
	path := writeTestROM(t)

	var out bytes.Buffer
	code := run([]string{"--store", "file", "--store-path", t.TempDir(), "--start", "0x1000", "--end", "0x2000", "--log-level", "error", path}, &out)
	if code != exitOK {
		t.Fatalf("run() = %d, want %d", code, exitOK)
	}
	if !strings.Contains(out.String(), "0x001000") || !strings.Contains(out.String(), "completed") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no rom", []string{"--store", "memory"}, exitUsage},
		{"unknown flag", []string{"--bogus"}, exitUsage},
		{"missing rom", []string{"--store", "memory", filepath.Join(t.TempDir(), "missing.sfc")}, exitFailed},
		{"bad threshold", []string{"--store", "memory", "--threshold", "2", "x.sfc"}, exitUsage},
		{"range past end", []string{"--store", "memory", "--end", "0x20000", writeTestROM(t)}, exitFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--log-level", "error"}, tt.args...)
			if got := run(args, &bytes.Buffer{}); got != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestRunList(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"--store", "memory", "--list", "--log-level", "error"}, &out); code != exitOK {
		t.Fatalf("run(--list) = %d", code)
	}
	if !strings.HasPrefix(out.String(), "ROM") {
		t.Errorf("list output = %q", out.String())
	}
}
