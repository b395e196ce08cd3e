// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package sprite

import "github.com/ffutop/spritescan/internal/model"

// Tile layout (32 bytes, 8 rows):
//
//	bytes  0-15: row r at 2r (plane 0) and 2r+1 (plane 1)
//	bytes 16-31: row r at 16+2r (plane 2) and 17+2r (plane 3)
//
// Bit 7 of each plane byte is the leftmost pixel.

// DecodeTile expands one 32-byte tile into 64 palette indices, row-major.
// tile must hold at least model.TileSize bytes.
func DecodeTile(tile []byte) [64]byte {
	var px [64]byte
	_ = tile[model.TileSize-1]
	for r := 0; r < 8; r++ {
		p0, p1 := tile[2*r], tile[2*r+1]
		p2, p3 := tile[16+2*r], tile[17+2*r]
		for x := 0; x < 8; x++ {
			shift := 7 - uint(x)
			px[r*8+x] = (p0>>shift)&1 |
				((p1>>shift)&1)<<1 |
				((p2>>shift)&1)<<2 |
				((p3>>shift)&1)<<3
		}
	}
	return px
}

// EncodeTile is the inverse of DecodeTile. Only the low four bits of each
// index are used.
func EncodeTile(px [64]byte) []byte {
	tile := make([]byte, model.TileSize)
	for r := 0; r < 8; r++ {
		for x := 0; x < 8; x++ {
			v := px[r*8+x]
			bit := byte(1) << (7 - uint(x))
			if v&1 != 0 {
				tile[2*r] |= bit
			}
			if v&2 != 0 {
				tile[2*r+1] |= bit
			}
			if v&4 != 0 {
				tile[16+2*r] |= bit
			}
			if v&8 != 0 {
				tile[17+2*r] |= bit
			}
		}
	}
	return tile
}
