// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatShim(t *testing.T) {
	assert.True(t, RGB8Unorm.IsShimmed())
	assert.Equal(t, RGBA8Unorm, RGB8Unorm.Storage())
	assert.Equal(t, RGBA8Unorm.VkFormat(), RGB8Unorm.VkFormat())
	assert.Equal(t, 3, RGB8Unorm.PixelSize())
	assert.False(t, RGBA32Float.IsShimmed())
	assert.Equal(t, RGBA32Float, RGBA32Float.Storage())
	assert.True(t, Depth32.IsDepth())
	assert.False(t, R32Float.IsDepth())
	assert.Equal(t, "Undefined", Formats(-3).String())
}

// The staging size of a shimmed image is the size of its 4 channel
// storage.
func TestShimStagingSize(t *testing.T) {
	assert.Equal(t, uint64(16*16*4), RGB8Unorm.StagingSize(16, 16, 1, 1))
	assert.Equal(t, RGBA8Unorm.StagingSize(16, 16, 1, 1), RGB8Unorm.StagingSize(16, 16, 1, 1))
	assert.Equal(t, uint64(4*4*16*3), RGB32Float.StagingSize(4, 4, 0, 3))
}

func TestExpandShrinkRGB(t *testing.T) {
	const n = 16 * 16
	buf := make([]byte, n*4)
	for i := 0; i < n; i++ {
		x, y := byte(i%16), byte(i/16)
		copy(buf[i*3:], []byte{x, y, x ^ y})
	}
	expandRGB(buf, n, RGB8Unorm)
	for i := 0; i < n; i++ {
		x, y := byte(i%16), byte(i/16)
		require.Equal(t, []byte{x, y, x ^ y, 0xff}, buf[i*4:i*4+4], "pixel %d", i)
	}
	shrinkRGBA(buf, n, RGB8Unorm)
	for i := 0; i < n; i++ {
		x, y := byte(i%16), byte(i/16)
		require.Equal(t, []byte{x, y, x ^ y}, buf[i*3:i*3+3], "pixel %d", i)
	}
}

func TestExpandRGBFloatAlpha(t *testing.T) {
	buf := make([]byte, 2*16)
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(i)))
	}
	expandRGB(buf, 2, RGB32Float)
	assert.Equal(t, float32(1), math.Float32frombits(binary.LittleEndian.Uint32(buf[12:])))
	assert.Equal(t, float32(3), math.Float32frombits(binary.LittleEndian.Uint32(buf[16:])))
	assert.Equal(t, float32(1), math.Float32frombits(binary.LittleEndian.Uint32(buf[28:])))

	hb := make([]byte, 8)
	expandRGB(hb, 1, RGB16Float)
	assert.Equal(t, uint16(0x3c00), binary.LittleEndian.Uint16(hb[6:]))
}

func TestMipLevels(t *testing.T) {
	assert.Equal(t, 1, MipLevels(1, 1, 1))
	assert.Equal(t, 5, MipLevels(16, 16, 1))
	assert.Equal(t, 11, MipLevels(1024, 3, 1))
	assert.Equal(t, 7, MipLevels(1, 1, 64))
	assert.Equal(t, 1, mipExtent(16, 6))
	assert.Equal(t, 4, mipExtent(16, 2))
}

func TestImageInfoNormalize(t *testing.T) {
	ii := ImageInfo{Format: RGBA8Unorm, Width: 64, Height: 32, Flags: GenerateMips}
	require.NoError(t, ii.normalize())
	assert.Equal(t, 7, ii.Mips)
	assert.Equal(t, 1, ii.Layers)
	assert.Equal(t, 1, ii.Samples)

	bad := []ImageInfo{
		{Format: UndefinedFormat, Width: 1, Height: 1},
		{Format: RGBA8Unorm, Width: 0, Height: 1},
		{Format: RGBA8Unorm, Width: 4, Height: 4, Cube: true, Layers: 4},
		{Format: RGBA8Unorm, Width: 4, Height: 4, Depth: 4, Layers: 2},
	}
	for _, b := range bad {
		assert.Error(t, b.normalize(), "%+v", b)
	}
}

func TestBroadcastPattern(t *testing.T) {
	v, ok := broadcastPattern([]byte{0xab})
	require.True(t, ok)
	assert.Equal(t, uint32(0xabababab), v)
	v, ok = broadcastPattern([]byte{0x34, 0x12})
	require.True(t, ok)
	assert.Equal(t, uint32(0x12341234), v)
	v, ok = broadcastPattern(binary.LittleEndian.AppendUint32(nil, 0xAABBCCDD))
	require.True(t, ok)
	assert.Equal(t, uint32(0xAABBCCDD), v)
	_, ok = broadcastPattern([]byte{1, 2, 3})
	assert.False(t, ok)
}

// A broadcast fill writes the same bytes as the tiled pattern.
func TestFillEquivalence(t *testing.T) {
	for _, pat := range [][]byte{{0x5a}, {0x01, 0x02}, {0xdd, 0xcc, 0xbb, 0xaa}} {
		v, ok := broadcastPattern(pat)
		require.True(t, ok)
		fill := make([]byte, 64)
		for i := 0; i < len(fill); i += 4 {
			binary.LittleEndian.PutUint32(fill[i:], v)
		}
		assert.Equal(t, tilePattern(pat, 64), fill, "pattern %x", pat)
	}
	assert.Equal(t, []byte{1, 2, 3, 1, 2, 3, 1}, tilePattern([]byte{1, 2, 3}, 7))
}

func TestImageRegionBounds(t *testing.T) {
	im := &Image{Name: "bounds", Format: RGBA8Unorm, Width: 4, Height: 4, Depth: 1, Layers: 2, Mips: 3}
	assert.NoError(t, im.checkRegion(1, 2))
	for _, r := range [][2]int{{-1, 0}, {0, -1}, {2, 0}, {0, 3}} {
		assert.ErrorIs(t, im.checkRegion(r[0], r[1]), ErrInvalidRegion, "layer %d mip %d", r[0], r[1])
	}
	assert.ErrorIs(t, im.Write(-1, 0, nil), ErrInvalidRegion)
	_, err := im.Read(0, -1)
	assert.ErrorIs(t, err, ErrInvalidRegion)
}
