// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const saxpyMeta = `
name = "saxpy"
modules = ["saxpy.spv"]

[[functions]]
name = "saxpy"
kind = "kernel"
flags = "has_required_local_size"
local_size = [64, 1, 1]

  [[functions.args]]
  name = "y"
  kind = "buffer"
  space = "global"
  flags = "read|write"

  [[functions.args]]
  name = "x"
  kind = "buffer"
  space = "global"
  flags = "read"

  [[functions.args]]
  name = "a"
  kind = "param"
  space = "constant"
  flags = "read"
  size = 4

[[functions]]
name = "debug"
entry = "debug_main"
flags = "uses_soft_printf, uses_descriptor_buffer"
printf = ["x = %d\n"]
`

func TestParseProgramMeta(t *testing.T) {
	pm, err := ParseProgramMeta([]byte(saxpyMeta))
	require.NoError(t, err)
	assert.Equal(t, "saxpy", pm.Name)
	assert.Equal(t, []string{"saxpy.spv"}, pm.Modules)
	require.Len(t, pm.Functions, 2)

	fi := pm.Functions[0]
	assert.Equal(t, KernelFunction, fi.Kind)
	assert.True(t, fi.Flags.HasFlag(HasRequiredLocalSize))
	assert.Equal(t, [3]uint32{64, 1, 1}, fi.LocalSize)
	assert.Equal(t, "saxpy", fi.EntryPoint())
	require.Len(t, fi.Args, 3)
	assert.Equal(t, ArgRead|ArgWrite, fi.Args[0].Flags)
	assert.True(t, fi.Args[0].ReadWrite())
	assert.False(t, fi.Args[1].Writable())
	assert.Equal(t, ArgParam, fi.Args[2].Kind)
	assert.Equal(t, SpaceConstant, fi.Args[2].Space)
	assert.Equal(t, uint64(4), fi.Args[2].Size)

	dbg := pm.Functions[1]
	assert.Equal(t, "debug_main", dbg.EntryPoint())
	assert.Equal(t, UsesSoftPrintf|UsesDescriptorBuffer, dbg.Flags)
	assert.Equal(t, []string{"x = %d\n"}, dbg.Printf)
}

func TestParseProgramMetaErrors(t *testing.T) {
	bad := []string{
		`name = "p"` + "\n[[functions]]\nkind = \"kernel\"\n",
		`name = "p"` + "\n[[functions]]\nname = \"f\"\n[[functions]]\nname = \"f\"\n",
		`name = "p"` + "\n[[functions]]\nname = \"f\"\nkind = \"geometry\"\n",
		`name = "p"` + "\n[[functions]]\nname = \"f\"\nflags = \"fast\"\n",
		`name = `,
	}
	for _, s := range bad {
		_, err := ParseProgramMeta([]byte(s))
		assert.Error(t, err, s)
	}
}

func TestFlagsText(t *testing.T) {
	assert.Equal(t, "read|argument_buffer", (ArgRead | ArgArgumentBuffer).String())
	assert.Equal(t, "", ArgFlags(0).String())
	var af ArgFlags
	require.NoError(t, af.UnmarshalText([]byte("Read | IMAGE_ARRAY")))
	assert.Equal(t, ArgRead|ArgImageArray, af)
	assert.Error(t, af.UnmarshalText([]byte("read|bogus")))

	b, err := (UsesSoftPrintf | HasRequiredLocalSize).MarshalText()
	require.NoError(t, err)
	var ff FunctionFlags
	require.NoError(t, ff.UnmarshalText(b))
	assert.Equal(t, UsesSoftPrintf|HasRequiredLocalSize, ff)

	assert.Equal(t, "ArgKinds(9)", ArgKinds(9).String())
	assert.Equal(t, "local", SpaceLocal.String())
	assert.Equal(t, "fragment", FragmentFunction.String())
	assert.Equal(t, uint32(ShaderStageFragment), FragmentFunction.shaderStage())
	assert.Equal(t, uint32(ShaderStageCompute), KernelFunction.shaderStage())
}

func TestArgExtent(t *testing.T) {
	assert.Equal(t, uint32(1), (&ArgInfo{ArrayExtent: 5}).extent(), "not an array")
	assert.Equal(t, uint32(5), (&ArgInfo{Flags: ArgBufferArray, ArrayExtent: 5}).extent())
	assert.Equal(t, uint32(1), (&ArgInfo{Flags: ArgImageArray}).extent())
}

func TestSpirvWords(t *testing.T) {
	b := binary.LittleEndian.AppendUint32(nil, spirvMagic)
	for _, w := range []uint32{0x10600, 0, 12, 0} {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	words, err := spirvWords(b)
	require.NoError(t, err)
	assert.Equal(t, []uint32{spirvMagic, 0x10600, 0, 12, 0}, words)

	_, err = spirvWords(b[:19])
	assert.Error(t, err)
	b[0] = 0
	_, err = spirvWords(b)
	assert.Error(t, err)
}

func TestBlockDim(t *testing.T) {
	lm := &Limits{MaxComputeWorkGroupSize: [3]uint32{1024, 1024, 64}, MaxComputeWorkGroupInvocations: 1024}
	fi := &FunctionInfo{Name: "k"}

	b, err := blockDim(fi, [3]uint32{256, 4, 1}, lm)
	require.NoError(t, err)
	assert.Equal(t, [3]uint32{256, 4, 1}, b)

	for _, bad := range [][3]uint32{{0, 1, 1}, {1, 1, 128}, {64, 32, 1}} {
		_, err := blockDim(fi, bad, lm)
		assert.Error(t, err, "%v", bad)
	}

	fi.Flags = HasRequiredLocalSize
	fi.LocalSize = [3]uint32{32, 2, 1}
	b, err = blockDim(fi, [3]uint32{0, 0, 0}, lm)
	require.NoError(t, err)
	assert.Equal(t, fi.LocalSize, b, "a compiled in size wins")
}

func TestGridDim(t *testing.T) {
	assert.Equal(t, [3]uint32{4, 1, 1}, gridDim([3]uint32{1024, 1, 1}, [3]uint32{256, 1, 1}))
	assert.Equal(t, [3]uint32{5, 2, 1}, gridDim([3]uint32{1025, 3, 1}, [3]uint32{256, 2, 1}))
	assert.Equal(t, [3]uint32{1, 1, 1}, gridDim([3]uint32{0, 0, 0}, [3]uint32{64, 1, 1}))
}

func TestPackKey(t *testing.T) {
	k := packKey([3]uint32{64, 2, 1}, 32)
	assert.Equal(t, uint64(64|2<<16|1<<32|32<<48), k)
	assert.NotEqual(t, k, packKey([3]uint32{64, 2, 1}, 16))
	assert.NotEqual(t, packKey([3]uint32{1, 64, 1}, 0), packKey([3]uint32{64, 1, 1}, 0))
}

func TestSpecName(t *testing.T) {
	cache := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	a := specName(cache, "saxpy", [3]uint32{64, 1, 1}, 32)
	assert.Equal(t, a, specName(cache, "saxpy", [3]uint32{64, 1, 1}, 32), "stable across calls")
	assert.True(t, strings.HasPrefix(a, "saxpy 64x1x1 simd 32 "))
	assert.NotEqual(t, a, specName(cache, "saxpy", [3]uint32{64, 1, 1}, 16))
	assert.NotEqual(t, a, specName(uuid.Nil, "saxpy", [3]uint32{64, 1, 1}, 32), "another device cache")

	id := specID(cache, "saxpy", packKey([3]uint32{64, 1, 1}, 32))
	assert.Equal(t, uuid.Version(5), id.Version())
	assert.True(t, strings.HasSuffix(a, id.String()))
}
