// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"encoding/binary"
	"math"

	vk "github.com/goki/vulkan"
)

// Formats are the image formats supported for images and render targets.
type Formats int32

const (
	UndefinedFormat Formats = iota
	R8Unorm
	RG8Unorm
	RGB8Unorm
	RGBA8Unorm
	BGRA8Unorm
	RGBA8Srgb
	R8Uint
	RGBA8Uint
	R16Float
	RG16Float
	RGB16Float
	RGBA16Float
	R32Float
	RG32Float
	RGB32Float
	RGBA32Float
	R32Uint
	RG32Uint
	RGB32Uint
	RGBA32Uint
	R32Int
	RG32Int
	RGB32Int
	RGBA32Int
	Depth16
	Depth32
	Depth24Sten8
	FormatsN
)

// ChannelKinds are the numeric kinds of image channels.
type ChannelKinds int32

const (
	ChannelUnorm ChannelKinds = iota
	ChannelFloat
	ChannelUint
	ChannelInt
	ChannelDepth
)

// FormatInfo describes one image format.
type FormatInfo struct {
	Name     string
	Vk       vk.Format
	Channels int
	// ChanBytes is the size of one channel in bytes.
	ChanBytes int
	Kind      ChannelKinds
	// Shim is the 4 channel format used in place of a 3 channel one.
	Shim Formats
}

var formatInfos = [FormatsN]FormatInfo{
	UndefinedFormat: {"Undefined", vk.FormatUndefined, 0, 0, ChannelUnorm, UndefinedFormat},
	R8Unorm:         {"R8Unorm", vk.FormatR8Unorm, 1, 1, ChannelUnorm, UndefinedFormat},
	RG8Unorm:        {"RG8Unorm", vk.FormatR8g8Unorm, 2, 1, ChannelUnorm, UndefinedFormat},
	RGB8Unorm:       {"RGB8Unorm", vk.FormatR8g8b8Unorm, 3, 1, ChannelUnorm, RGBA8Unorm},
	RGBA8Unorm:      {"RGBA8Unorm", vk.FormatR8g8b8a8Unorm, 4, 1, ChannelUnorm, UndefinedFormat},
	BGRA8Unorm:      {"BGRA8Unorm", vk.FormatB8g8r8a8Unorm, 4, 1, ChannelUnorm, UndefinedFormat},
	RGBA8Srgb:       {"RGBA8Srgb", vk.FormatR8g8b8a8Srgb, 4, 1, ChannelUnorm, UndefinedFormat},
	R8Uint:          {"R8Uint", vk.FormatR8Uint, 1, 1, ChannelUint, UndefinedFormat},
	RGBA8Uint:       {"RGBA8Uint", vk.FormatR8g8b8a8Uint, 4, 1, ChannelUint, UndefinedFormat},
	R16Float:        {"R16Float", vk.FormatR16Sfloat, 1, 2, ChannelFloat, UndefinedFormat},
	RG16Float:       {"RG16Float", vk.FormatR16g16Sfloat, 2, 2, ChannelFloat, UndefinedFormat},
	RGB16Float:      {"RGB16Float", vk.FormatR16g16b16Sfloat, 3, 2, ChannelFloat, RGBA16Float},
	RGBA16Float:     {"RGBA16Float", vk.FormatR16g16b16a16Sfloat, 4, 2, ChannelFloat, UndefinedFormat},
	R32Float:        {"R32Float", vk.FormatR32Sfloat, 1, 4, ChannelFloat, UndefinedFormat},
	RG32Float:       {"RG32Float", vk.FormatR32g32Sfloat, 2, 4, ChannelFloat, UndefinedFormat},
	RGB32Float:      {"RGB32Float", vk.FormatR32g32b32Sfloat, 3, 4, ChannelFloat, RGBA32Float},
	RGBA32Float:     {"RGBA32Float", vk.FormatR32g32b32a32Sfloat, 4, 4, ChannelFloat, UndefinedFormat},
	R32Uint:         {"R32Uint", vk.FormatR32Uint, 1, 4, ChannelUint, UndefinedFormat},
	RG32Uint:        {"RG32Uint", vk.FormatR32g32Uint, 2, 4, ChannelUint, UndefinedFormat},
	RGB32Uint:       {"RGB32Uint", vk.FormatR32g32b32Uint, 3, 4, ChannelUint, RGBA32Uint},
	RGBA32Uint:      {"RGBA32Uint", vk.FormatR32g32b32a32Uint, 4, 4, ChannelUint, UndefinedFormat},
	R32Int:          {"R32Int", vk.FormatR32Sint, 1, 4, ChannelInt, UndefinedFormat},
	RG32Int:         {"RG32Int", vk.FormatR32g32Sint, 2, 4, ChannelInt, UndefinedFormat},
	RGB32Int:        {"RGB32Int", vk.FormatR32g32b32Sint, 3, 4, ChannelInt, RGBA32Int},
	RGBA32Int:       {"RGBA32Int", vk.FormatR32g32b32a32Sint, 4, 4, ChannelInt, UndefinedFormat},
	Depth16:         {"Depth16", vk.FormatD16Unorm, 1, 2, ChannelDepth, UndefinedFormat},
	Depth32:         {"Depth32", vk.FormatD32Sfloat, 1, 4, ChannelDepth, UndefinedFormat},
	Depth24Sten8:    {"Depth24Sten8", vk.FormatD24UnormS8Uint, 1, 4, ChannelDepth, UndefinedFormat},
}

// Info returns the format description.
func (f Formats) Info() *FormatInfo {
	if f < 0 || f >= FormatsN {
		return &formatInfos[UndefinedFormat]
	}
	return &formatInfos[f]
}

func (f Formats) String() string { return f.Info().Name }

// VkFormat returns the Vulkan format, which is the shim format
// for 3 channel formats.
func (f Formats) VkFormat() vk.Format {
	return f.Storage().Info().Vk
}

// PixelSize returns the size of one pixel in bytes, as seen by the user.
func (f Formats) PixelSize() int {
	fi := f.Info()
	return fi.Channels * fi.ChanBytes
}

// IsDepth returns true for depth formats.
func (f Formats) IsDepth() bool { return f.Info().Kind == ChannelDepth }

// IsShimmed returns true if the format is stored as a wider 4 channel format.
func (f Formats) IsShimmed() bool { return f.Info().Shim != UndefinedFormat }

// Storage returns the format the device stores the image in.
func (f Formats) Storage() Formats {
	if sh := f.Info().Shim; sh != UndefinedFormat {
		return sh
	}
	return f
}

// StagingSize returns the staging buffer size for an image region
// of the given size, computed on the storage format.
func (f Formats) StagingSize(width, height, depth, layers int) uint64 {
	return uint64(f.Storage().PixelSize()) * uint64(width) * uint64(height) * uint64(max(depth, 1)) * uint64(max(layers, 1))
}

// alphaOne returns the bytes of one fully opaque alpha channel.
func (f Formats) alphaOne() []byte {
	fi := f.Info()
	b := make([]byte, fi.ChanBytes)
	switch {
	case fi.Kind == ChannelFloat && fi.ChanBytes == 4:
		binary.LittleEndian.PutUint32(b, math.Float32bits(1))
	case fi.Kind == ChannelFloat && fi.ChanBytes == 2:
		binary.LittleEndian.PutUint16(b, 0x3c00) // 1.0 as half
	case fi.Kind == ChannelUnorm:
		for i := range b {
			b[i] = 0xff
		}
	default:
		b[0] = 1
	}
	return b
}

// expandRGB widens n pixels of 3 channel data at the start of buf
// to 4 channels in place, filling alpha with one. buf must hold
// n 4 channel pixels.
func expandRGB(buf []byte, n int, f Formats) {
	cb := f.Info().ChanBytes
	src := 3 * cb
	dst := 4 * cb
	alpha := f.alphaOne()
	for i := n - 1; i >= 0; i-- {
		d := buf[i*dst : (i+1)*dst]
		copy(d[:src], buf[i*src:(i+1)*src])
		copy(d[src:], alpha)
	}
}

// shrinkRGBA narrows n pixels of 4 channel data in buf to 3 channels
// in place, dropping alpha.
func shrinkRGBA(buf []byte, n int, f Formats) {
	cb := f.Info().ChanBytes
	src := 4 * cb
	dst := 3 * cb
	for i := 0; i < n; i++ {
		copy(buf[i*dst:(i+1)*dst], buf[i*src:i*src+dst])
	}
}
