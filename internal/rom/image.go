// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rom

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/edsrzf/mmap-go"
)

const (
	// copierHeaderSize is the size of the SMC/SWC copier header some dumps carry.
	copierHeaderSize = 512

	titleLen     = 21
	loROMHeader  = 0x7FC0
	hiROMHeader  = 0xFFC0
	complementAt = 0x1C
	checksumAt   = 0x1E
)

// Image is a read-only ROM image. Offsets are relative to the image without
// any copier header.
//
// Layout of a dump with a copier header:
// - Copier header: 512 bytes (file size % 1024 == 512)
// - ROM data
type Image struct {
	path       string
	file       *os.File
	mapped     mmap.MMap
	data       []byte
	headerSize int
	id         string
}

// Open loads the ROM at path, memory-mapping it read-only when useMmap is set
// and reading it fully otherwise.
func Open(path string, useMmap bool) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rom: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("rom %s is empty", path)
	}
	if fi.Size() > 1<<32-1 {
		f.Close()
		return nil, fmt.Errorf("rom %s is too large (%d bytes)", path, fi.Size())
	}

	im := &Image{path: path}
	if useMmap {
		m, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("mmap failed: %w", err)
		}
		im.file = f
		im.mapped = m
		im.setData(m)
	} else {
		defer f.Close()
		data := make([]byte, fi.Size())
		if _, err := f.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("failed to read rom: %w", err)
		}
		im.setData(data)
	}
	return im, nil
}

// FromBytes wraps an in-memory image.
func FromBytes(data []byte) *Image {
	im := &Image{path: "<memory>"}
	im.setData(data)
	return im
}

func (im *Image) setData(raw []byte) {
	if len(raw)%1024 == copierHeaderSize {
		im.headerSize = copierHeaderSize
	}
	im.data = raw[im.headerSize:]
	sum := sha256.Sum256(im.data)
	im.id = hex.EncodeToString(sum[:])
}

// Bytes returns the ROM contents. The slice must not be modified.
func (im *Image) Bytes() []byte { return im.data }

// Size returns the ROM size without the copier header.
func (im *Image) Size() int { return len(im.data) }

// ID is the hex SHA-256 of the ROM contents.
func (im *Image) ID() string { return im.id }

// HeaderSize is the number of copier header bytes skipped, 0 or 512.
func (im *Image) HeaderSize() int { return im.headerSize }

func (im *Image) Path() string { return im.path }

// Title returns the internal cartridge title, or "" if no plausible SNES
// header is found.
func (im *Image) Title() string {
	for _, base := range []int{loROMHeader, hiROMHeader} {
		if base+0x20 > len(im.data) {
			continue
		}
		h := im.data[base : base+0x20]
		complement := binary.LittleEndian.Uint16(h[complementAt:])
		checksum := binary.LittleEndian.Uint16(h[checksumAt:])
		if complement^checksum != 0xFFFF {
			continue
		}
		title := h[:titleLen]
		printable := true
		for _, c := range title {
			if c < 0x20 || c > 0x7E {
				printable = false
				break
			}
		}
		if printable {
			return strings.TrimSpace(string(title))
		}
	}
	return ""
}

// Close unmaps and closes the file.
func (im *Image) Close() error {
	var err error
	if im.mapped != nil {
		if e := im.mapped.Unmap(); e != nil {
			err = e
		}
		im.mapped = nil
	}
	if im.file != nil {
		if e := im.file.Close(); e != nil {
			err = e
		}
		im.file = nil
	}
	im.data = nil
	return err
}
