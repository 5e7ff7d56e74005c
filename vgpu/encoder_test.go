// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSSBO = 16

func fakeBuffer(fill byte) *Buffer {
	return &Buffer{Name: "fake", Descriptor: bytes.Repeat([]byte{fill}, testSSBO)}
}

// fakeConstDesc encodes the address and size of a constant range.
func fakeConstDesc(addr, size uint64) []byte {
	b := binary.LittleEndian.AppendUint64(nil, addr)
	return binary.LittleEndian.AppendUint64(b, size)
}

func testLayout(t *testing.T, args []ArgInfo, printf bool, maxMips uint32, stride uint64) *descLayout {
	lp, err := planLayout(args, printf, maxMips, 16)
	require.NoError(t, err)
	dl := &descLayout{layoutPlan: lp, Name: "test"}
	var off uint64
	for _, b := range lp.Bindings {
		dl.Offsets = append(dl.Offsets, off)
		n := uint64(b.Count) * stride
		if b.Type == DescInlineUniform {
			n = uint64(b.Count)
		}
		off += n
	}
	dl.Size, dl.EntrySize = off, off
	return dl
}

func TestEncodeBuffersAndConstants(t *testing.T) {
	dl := testLayout(t, saxpyArgs(), false, 1, testSSBO)
	tgt := entryTarget{layout: dl, desc: make([]byte, dl.EntrySize), consts: make([]byte, dl.ConstSize), constAddr: 0x1000}
	en := &argEncoder{name: "saxpy", constDesc: fakeConstDesc, ssboSize: testSSBO}
	err := en.encode([]entryTarget{tgt}, []Arg{Buf(fakeBuffer(0xa1)), Buf(fakeBuffer(0xb2)), Value(float32(2)), Uint32(1024)})
	require.NoError(t, err)

	assert.Equal(t, fakeBuffer(0xa1).Descriptor, tgt.desc[0:16])
	assert.Equal(t, fakeBuffer(0xb2).Descriptor, tgt.desc[16:32])
	assert.Equal(t, fakeConstDesc(0x1000, 4), tgt.desc[32:48])
	assert.Equal(t, fakeConstDesc(0x1010, 4), tgt.desc[48:64])

	assert.Equal(t, math.Float32bits(2), binary.LittleEndian.Uint32(tgt.consts[0:]))
	assert.Equal(t, uint32(1024), binary.LittleEndian.Uint32(tgt.consts[16:]))
}

func TestEncodeNullBuffer(t *testing.T) {
	dl := testLayout(t, saxpyArgs()[:1], false, 1, testSSBO)
	tgt := entryTarget{layout: dl, desc: bytes.Repeat([]byte{0xff}, int(dl.EntrySize))}
	en := &argEncoder{name: "null", ssboSize: testSSBO}
	require.NoError(t, en.encode([]entryTarget{tgt}, []Arg{Buf(nil)}))
	assert.Equal(t, make([]byte, testSSBO), tgt.desc)
}

func TestEncodeArgCountErrors(t *testing.T) {
	dl := testLayout(t, saxpyArgs()[:2], false, 1, testSSBO)
	tgt := entryTarget{layout: dl, desc: make([]byte, dl.EntrySize)}
	en := &argEncoder{name: "count", ssboSize: testSSBO}
	assert.Error(t, en.encode([]entryTarget{tgt}, []Arg{Buf(fakeBuffer(1))}))
	assert.Error(t, en.encode([]entryTarget{tgt}, []Arg{Buf(fakeBuffer(1)), Buf(fakeBuffer(2)), Buf(fakeBuffer(3))}))
	assert.Error(t, en.encode([]entryTarget{tgt}, []Arg{Buf(fakeBuffer(1)), Uint32(3)}), "bytes for a global buffer")
}

func TestEncodeBufferArray(t *testing.T) {
	args := []ArgInfo{{Name: "bufs", Kind: ArgBuffer, Space: SpaceGlobal, Flags: ArgRead | ArgBufferArray, ArrayExtent: 3}}
	dl := testLayout(t, args, false, 1, testSSBO)
	tgt := entryTarget{layout: dl, desc: bytes.Repeat([]byte{0xff}, int(dl.EntrySize))}
	en := &argEncoder{name: "array", ssboSize: testSSBO}
	require.NoError(t, en.encode([]entryTarget{tgt}, []Arg{BufferArrayArg{fakeBuffer(1), nil, fakeBuffer(3)}}))
	assert.Equal(t, fakeBuffer(1).Descriptor, tgt.desc[0:16])
	assert.Equal(t, make([]byte, 16), tgt.desc[16:32])
	assert.Equal(t, fakeBuffer(3).Descriptor, tgt.desc[32:48])
}

func TestEncodeImages(t *testing.T) {
	args := []ArgInfo{{Name: "rw", Kind: ArgImage, Flags: ArgRead | ArgWrite}}
	dl := testLayout(t, args, false, 4, 8)
	require.Equal(t, []uint64{0, 8}, dl.Offsets)
	tgt := entryTarget{layout: dl, desc: make([]byte, dl.EntrySize)}
	im := &Image{Name: "im", Descriptor: bytes.Repeat([]byte{0x10}, 8),
		StorageDescriptors: [][]byte{bytes.Repeat([]byte{0x20}, 8), bytes.Repeat([]byte{0x21}, 8)}}
	en := &argEncoder{name: "images", ssboSize: testSSBO}
	require.NoError(t, en.encode([]entryTarget{tgt}, []Arg{Img(im)}))

	assert.Equal(t, im.Descriptor, tgt.desc[0:8])
	assert.Equal(t, im.StorageDescriptors[0], tgt.desc[8:16])
	// shorter mip chains repeat the last level
	for m := 1; m < 4; m++ {
		assert.Equal(t, im.StorageDescriptors[1], tgt.desc[8+8*m:16+8*m], "mip %d", m)
	}
}

func TestEncodeIUBAndPrintf(t *testing.T) {
	args := []ArgInfo{{Name: "p", Kind: ArgParam, Space: SpaceConstant, Flags: ArgRead | ArgIUB, Size: 8}}
	dl := testLayout(t, args, true, 1, testSSBO)
	tgt := entryTarget{layout: dl, desc: make([]byte, dl.EntrySize)}
	en := &argEncoder{name: "iub", ssboSize: testSSBO}
	assert.Error(t, en.encode([]entryTarget{tgt}, []Arg{Value(uint64(7))}), "printf buffer is missing")

	en.printf = fakeBuffer(0xcc)
	require.NoError(t, en.encode([]entryTarget{tgt}, []Arg{Value(uint64(7))}))
	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(tgt.desc[0:8]))
	assert.Equal(t, en.printf.Descriptor, tgt.desc[8:24])
}

func TestEncodeArgumentBuffers(t *testing.T) {
	args := append(saxpyArgs()[:1], ArgInfo{Name: "ab", Kind: ArgBuffer, Space: SpaceGlobal, Flags: ArgArgumentBuffer})
	dl := testLayout(t, args, false, 1, testSSBO)
	tgt := entryTarget{layout: dl, desc: make([]byte, dl.EntrySize)}
	ab := &ArgumentBuffer{Name: "ab"}

	en := &argEncoder{name: "ab", ssboSize: testSSBO}
	require.NoError(t, en.encode([]entryTarget{tgt}, []Arg{Buf(fakeBuffer(1)), ArgBufferArg{Buffer: ab}}))
	assert.Equal(t, []*ArgumentBuffer{ab}, en.argBuffers)

	en = &argEncoder{name: "ab", ssboSize: testSSBO, noArgBuffers: true}
	assert.Error(t, en.encode([]entryTarget{tgt}, []Arg{Buf(fakeBuffer(1)), ArgBufferArg{Buffer: ab}}))

	en = &argEncoder{name: "ab", ssboSize: testSSBO}
	assert.Error(t, en.encode([]entryTarget{tgt}, []Arg{Buf(fakeBuffer(1)), Buf(fakeBuffer(2))}))
}

// Arguments of a graphics pipeline continue from the vertex entry
// into the fragment entry.
func TestEncodeMultipleEntries(t *testing.T) {
	vdl := testLayout(t, saxpyArgs()[:1], false, 1, testSSBO)
	fdl := testLayout(t, saxpyArgs()[1:2], false, 1, testSSBO)
	desc := make([]byte, 64)
	tgts := []entryTarget{{layout: vdl, desc: desc[:16]}, {layout: fdl, desc: desc[32:]}}
	en := &argEncoder{name: "draw", ssboSize: testSSBO}
	require.NoError(t, en.encode(tgts, []Arg{Buf(fakeBuffer(1)), Buf(fakeBuffer(2))}))
	assert.Equal(t, fakeBuffer(1).Descriptor, desc[0:16])
	assert.Equal(t, make([]byte, 16), desc[16:32])
	assert.Equal(t, fakeBuffer(2).Descriptor, desc[32:48])
}

func TestEncoderWriteBounds(t *testing.T) {
	en := &argEncoder{name: "bounds"}
	dst := make([]byte, 8)
	if debugBuild {
		assert.Panics(t, func() { en.write(dst, 4, []byte{1, 2, 3, 4, 5, 6}) })
		return
	}
	en.write(dst, 4, []byte{1, 2, 3, 4, 5, 6})
	assert.Equal(t, []byte{0, 0, 0, 0, 1, 2, 3, 4}, dst)
	en.write(dst, 9, []byte{1})
	assert.Equal(t, []byte{0, 0, 0, 0, 1, 2, 3, 4}, dst)
}

func TestEncodeCollectsImages(t *testing.T) {
	args := []ArgInfo{
		{Name: "in", Kind: ArgBuffer, Space: SpaceGlobal, Flags: ArgRead | ArgStageInput},
		{Name: "tex", Kind: ArgImage, Flags: ArgRead},
		{Name: "buf", Kind: ArgBuffer, Space: SpaceGlobal, Flags: ArgRead},
		{Name: "outs", Kind: ArgImage, Flags: ArgWrite | ArgImageArray, ArrayExtent: 2},
	}
	dl := testLayout(t, args, false, 1, 8)
	tgt := entryTarget{layout: dl, desc: make([]byte, dl.EntrySize)}
	img := func(name string) *Image {
		return &Image{Name: name, Descriptor: make([]byte, 8), StorageDescriptors: [][]byte{make([]byte, 8)}}
	}
	a, b, c := img("a"), img("b"), img("c")
	a.state.Layout = LayoutGeneral
	en := &argEncoder{name: "held", ssboSize: 8}
	require.NoError(t, en.encode([]entryTarget{tgt}, []Arg{Img(a), Buf(nil), ImageArrayArg{b, nil, c}}))
	assert.Equal(t, []heldImage{{image: a}, {image: b, write: true}, {image: c, write: true}}, en.images)
	assert.Equal(t, LayoutGeneral, a.Layout(), "encoding leaves layouts alone")
}

// Descriptor memory is reused between launches, so null and missing
// elements must overwrite what an earlier launch left there.
func TestEncodeClearsReusedSlots(t *testing.T) {
	args := []ArgInfo{
		{Name: "texs", Kind: ArgImage, Flags: ArgRead | ArgImageArray, ArrayExtent: 3},
		{Name: "tex", Kind: ArgImage, Flags: ArgRead},
		{Name: "bufs", Kind: ArgBuffer, Space: SpaceGlobal, Flags: ArgRead | ArgBufferArray, ArrayExtent: 3},
	}
	dl := testLayout(t, args, false, 1, 8)
	require.Equal(t, []uint64{0, 24, 32}, dl.Offsets)
	tgt := entryTarget{layout: dl, desc: bytes.Repeat([]byte{0xff}, int(dl.EntrySize))}
	a := &Image{Name: "a", Descriptor: bytes.Repeat([]byte{0x10}, 8)}
	b := &Buffer{Name: "b", Descriptor: bytes.Repeat([]byte{0x20}, 8)}
	en := &argEncoder{name: "reuse", ssboSize: 8}
	require.NoError(t, en.encode([]entryTarget{tgt}, []Arg{ImageArrayArg{a}, Img(nil), BufferArrayArg{b}}))

	assert.Equal(t, a.Descriptor, tgt.desc[0:8])
	assert.Equal(t, make([]byte, 16), tgt.desc[8:24], "missing image array elements")
	assert.Equal(t, make([]byte, 8), tgt.desc[24:32], "null image")
	assert.Equal(t, b.Descriptor, tgt.desc[32:40])
	assert.Equal(t, make([]byte, 16), tgt.desc[40:56], "missing buffer array elements")
}

func TestEncodeIUBTooLarge(t *testing.T) {
	args := []ArgInfo{
		{Name: "p", Kind: ArgParam, Space: SpaceConstant, Flags: ArgRead | ArgIUB, Size: 4},
		{Name: "q", Kind: ArgParam, Space: SpaceConstant, Flags: ArgRead | ArgIUB, Size: 4},
	}
	dl := testLayout(t, args, false, 1, testSSBO)
	require.Equal(t, []uint64{0, 4}, dl.Offsets)
	tgt := entryTarget{layout: dl, desc: bytes.Repeat([]byte{0xff}, int(dl.EntrySize))}
	en := &argEncoder{name: "iub", ssboSize: testSSBO}
	assert.Error(t, en.encode([]entryTarget{tgt}, []Arg{Value(uint64(1) << 40), Uint32(2)}))
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, tgt.desc[4:8], "the next block is untouched")

	require.NoError(t, en.encode([]entryTarget{tgt}, []Arg{Uint32(1), Uint32(2)}))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(tgt.desc[4:]))
}

func TestEncodeErrorKeepsLayouts(t *testing.T) {
	args := []ArgInfo{
		{Name: "tex", Kind: ArgImage, Flags: ArgRead},
		{Name: "buf", Kind: ArgBuffer, Space: SpaceGlobal, Flags: ArgRead},
	}
	dl := testLayout(t, args, false, 1, testSSBO)
	tgt := entryTarget{layout: dl, desc: make([]byte, dl.EntrySize)}
	im := &Image{Name: "im", Descriptor: make([]byte, testSSBO)}
	im.state.Layout = LayoutGeneral
	en := &argEncoder{name: "fail", ssboSize: testSSBO}
	assert.Error(t, en.encode([]entryTarget{tgt}, []Arg{Img(im), Uint32(3)}))
	assert.Equal(t, LayoutGeneral, im.Layout())
	assert.Zero(t, im.Access())
}

// The transitions of a command are planned from the tracked state when
// it executes: the first use transitions, a following one finds the
// image ready.
func TestUseImagesAtExecution(t *testing.T) {
	im := &Image{Name: "im", Mips: 1, Layers: 1}
	im.state.Layout = LayoutGeneral
	uses := []heldImage{{image: im}}

	var first barrierSet
	first.useImages(uses, StageComputeShader)
	require.Len(t, first.trans, 1)
	assert.Equal(t, LayoutGeneral, first.trans[0].OldLayout)
	assert.Equal(t, LayoutShaderReadOnly, first.trans[0].NewLayout)
	assert.Equal(t, LayoutShaderReadOnly, im.Layout())

	var second barrierSet
	second.useImages(uses, StageComputeShader)
	assert.True(t, second.empty())

	var write barrierSet
	write.useImages([]heldImage{{image: im, write: true}}, StageComputeShader)
	require.Len(t, write.trans, 1)
	assert.Equal(t, LayoutShaderReadOnly, write.trans[0].OldLayout)
	assert.Equal(t, LayoutGeneral, write.trans[0].NewLayout)
}
