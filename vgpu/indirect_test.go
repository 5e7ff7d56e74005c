// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFootprint(t *testing.T) {
	sizes := []uint64{100, 256, 0, 1}
	offs, n := footprint(sizes, 256)
	assert.Equal(t, []uint64{0, 256, 512, 512}, offs)
	assert.Equal(t, uint64(768), n)

	var sum uint64
	for i, s := range sizes {
		sum += s
		assert.Zero(t, offs[i]%256)
	}
	assert.GreaterOrEqual(t, n, sum)

	offs, n = footprint(nil, 64)
	assert.Empty(t, offs)
	assert.Zero(t, n)
}

func TestIndirectStageOf(t *testing.T) {
	assert.Equal(t, 0, IndirectCompute.stageOf(KernelFunction))
	assert.Equal(t, -1, IndirectCompute.stageOf(VertexFunction))
	assert.Equal(t, 0, IndirectRender.stageOf(VertexFunction))
	assert.Equal(t, 1, IndirectRender.stageOf(FragmentFunction))
	assert.Equal(t, -1, IndirectRender.stageOf(KernelFunction))
	assert.Equal(t, "render", IndirectRender.String())
}

func TestValidateRange(t *testing.T) {
	ip := &IndirectPipeline{Name: "ip", Desc: IndirectDesc{MaxCount: 8}}
	o, c := ip.ValidateRange(2, 6)
	assert.Equal(t, 2, o)
	assert.Equal(t, 6, c)
	for _, r := range [][2]int{{4, 5}, {-1, 2}, {0, -1}, {9, 0}} {
		o, c = ip.ValidateRange(r[0], r[1])
		assert.Zero(t, o, "%v", r)
		assert.Zero(t, c, "%v", r)
	}
}

// Commands of an indirect pipeline get disjoint descriptor and
// constant ranges.
func TestIndirectSlices(t *testing.T) {
	ip := &IndirectPipeline{
		desc: &Buffer{Address: 0x10000}, descMem: make([]byte, 4*512),
		consts: &Buffer{Address: 0x20000}, constMem: make([]byte, 4*128),
		descOff: []uint64{0, 256}, constOff: []uint64{0, 64},
		cmdSize: 512, constSize: 128,
	}
	d, c := ip.slices(2, 1)
	assert.Equal(t, uint64(0x10000+2*512+256), d.addr())
	assert.Len(t, d.mem, 256)
	assert.Equal(t, uint64(0x20000+2*128+64), c.addr())
	assert.Len(t, c.mem, 64)

	d, c = ip.slices(3, 0)
	assert.Len(t, d.mem, 512)
	assert.Len(t, c.mem, 128)

	ip.consts = nil
	_, c = ip.slices(0, 0)
	assert.Zero(t, c.addr())
	assert.Nil(t, c.mem)
}
