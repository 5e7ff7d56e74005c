// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saxpyArgs() []ArgInfo {
	return []ArgInfo{
		{Name: "y", Kind: ArgBuffer, Space: SpaceGlobal, Flags: ArgRead | ArgWrite},
		{Name: "x", Kind: ArgBuffer, Space: SpaceGlobal, Flags: ArgRead},
		{Name: "a", Kind: ArgParam, Space: SpaceConstant, Flags: ArgRead, Size: 4},
		{Name: "n", Kind: ArgParam, Space: SpaceConstant, Flags: ArgRead, Size: 4},
	}
}

func TestPlanLayoutBuffers(t *testing.T) {
	lp, err := planLayout(saxpyArgs(), false, MaxMipLevels, 64)
	require.NoError(t, err)
	require.Len(t, lp.Bindings, 4)
	for i, b := range lp.Bindings {
		assert.Equal(t, uint32(i), b.Binding)
		assert.Equal(t, DescStorageBuffer, b.Type)
		assert.Equal(t, i, b.Arg)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, lp.ArgBinding)
	assert.Equal(t, uint32(4), lp.Counts.SSBO)
	assert.Equal(t, 2, lp.ConstArgs)
	assert.Equal(t, constRange{Offset: 0, Size: 4}, lp.ConstOffsets[2])
	assert.Equal(t, constRange{Offset: 64, Size: 4}, lp.ConstOffsets[3])
	assert.Equal(t, uint64(68), lp.ConstSize)
	assert.True(t, lp.pooled(2))
	assert.False(t, lp.pooled(0))
	assert.Equal(t, -1, lp.PrintfBinding)
}

func TestPlanLayoutImagesAndIUB(t *testing.T) {
	args := []ArgInfo{
		{Name: "pos", Kind: ArgBuffer, Space: SpaceGlobal, Flags: ArgRead | ArgStageInput},
		{Name: "tex", Kind: ArgImage, Flags: ArgRead},
		{Name: "out", Kind: ArgImage, Flags: ArgWrite},
		{Name: "rw", Kind: ArgImage, Flags: ArgRead | ArgWrite},
		{Name: "texs", Kind: ArgImage, Flags: ArgRead | ArgImageArray, ArrayExtent: 3},
		{Name: "params", Kind: ArgParam, Space: SpaceConstant, Flags: ArgRead | ArgIUB, Size: 6},
	}
	lp, err := planLayout(args, true, 4, 16)
	require.NoError(t, err)
	assert.Equal(t, -1, lp.ArgBinding[0], "stage inputs have no binding")

	want := []bindingPlan{
		{Binding: 0, Type: DescSampledImage, Count: 1, Arg: 1},
		{Binding: 1, Type: DescStorageImage, Count: 4, Arg: 2},
		{Binding: 2, Type: DescSampledImage, Count: 1, Arg: 3},
		{Binding: 3, Type: DescStorageImage, Count: 4, Arg: 3},
		{Binding: 4, Type: DescSampledImage, Count: 3, Arg: 4},
		{Binding: 5, Type: DescInlineUniform, Count: 8, Arg: 5},
		{Binding: 6, Type: DescStorageBuffer, Count: 1, Arg: printfArg},
	}
	assert.Equal(t, want, lp.Bindings)
	assert.Equal(t, 6, lp.PrintfBinding)
	assert.Equal(t, uint32(5), lp.Counts.ReadImages)
	assert.Equal(t, uint32(2), lp.Counts.WriteImages)
	assert.Equal(t, uint32(1), lp.Counts.IUB)
	assert.Equal(t, uint64(8), lp.Counts.MaxIUBSize)
	assert.Equal(t, uint32(1), lp.Counts.SSBO)
	assert.Zero(t, lp.ConstSize)
}

func TestPlanLayoutErrors(t *testing.T) {
	_, err := planLayout([]ArgInfo{{Name: "l", Kind: ArgBuffer, Space: SpaceLocal}}, false, 1, 4)
	assert.Error(t, err)
	_, err = planLayout([]ArgInfo{{Name: "u", Kind: ArgBuffer}}, false, 1, 4)
	assert.Error(t, err)
	_, err = planLayout([]ArgInfo{{Name: "rw", Kind: ArgImage, Flags: ArgRead | ArgWrite | ArgImageArray, ArrayExtent: 2}}, false, 1, 4)
	assert.Error(t, err)

	var many []ArgInfo
	for range MaxArgumentBuffers + 1 {
		many = append(many, ArgInfo{Name: "ab", Kind: ArgBuffer, Space: SpaceGlobal, Flags: ArgArgumentBuffer})
	}
	_, err = planLayout(many, false, 1, 4)
	assert.Error(t, err)
}

func TestPlanArgBufferLayout(t *testing.T) {
	ab := ArgInfo{Name: "ab", Kind: ArgBuffer, Space: SpaceGlobal, Flags: ArgArgumentBuffer, Args: saxpyArgs()}
	lp, err := planArgBufferLayout(&ab, 16)
	require.NoError(t, err)
	assert.Len(t, lp.Bindings, 4)

	ab.Args = append(ab.Args, ArgInfo{Name: "nested", Kind: ArgBuffer, Space: SpaceGlobal, Flags: ArgArgumentBuffer})
	_, err = planArgBufferLayout(&ab, 16)
	assert.Error(t, err)
}

func TestPlanLayoutArgBuffers(t *testing.T) {
	args := append(saxpyArgs(), ArgInfo{Name: "ab", Kind: ArgBuffer, Space: SpaceGlobal, Flags: ArgArgumentBuffer})
	lp, err := planLayout(args, false, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, lp.ArgBuffers)
	assert.Equal(t, -1, lp.ArgBinding[4])
	assert.Equal(t, uint32(1), lp.Counts.ArgBuffers)
}
