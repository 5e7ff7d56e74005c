// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanPassResolve(t *testing.T) {
	rd := &RenderPassDesc{
		Color: []AttachmentDesc{
			{Format: RGBA8Unorm, Samples: 4, Load: LoadClear, Store: StoreDontCare, Resolve: true},
			{Format: RGBA16Float, Load: LoadKeep, Store: StoreKeep},
		},
		Depth: &AttachmentDesc{Format: Depth32, Samples: 4, Load: LoadClear, Store: StoreDontCare},
	}
	pp, err := planPass(rd)
	require.NoError(t, err)
	require.Len(t, pp.Attachments, 4)
	assert.Equal(t, []uint32{0, 2}, pp.Colors)
	assert.Equal(t, []uint32{1, attachmentUnused}, pp.Resolves)
	assert.Equal(t, uint32(3), pp.Depth)
	assert.Zero(t, pp.ViewMask)

	res := pp.Attachments[1]
	assert.Equal(t, 1, res.Samples)
	assert.Equal(t, StoreKeep, res.Store)
	assert.Equal(t, LoadDontCare, res.Load)
	assert.Equal(t, LayoutDepthAttachment, pp.Attachments[3].Layout)
	assert.True(t, pp.Attachments[3].Depth)
}

func TestPlanPassSimple(t *testing.T) {
	pp, err := planPass(&RenderPassDesc{Color: []AttachmentDesc{{Format: RGBA8Unorm}}, MultiView: true})
	require.NoError(t, err)
	assert.Nil(t, pp.Resolves, "no resolve attachments")
	assert.Equal(t, attachmentUnused, pp.Depth)
	assert.Equal(t, uint32(multiViewMask), pp.ViewMask)
	assert.Equal(t, 1, pp.Attachments[0].Samples)
}

func TestPlanPassErrors(t *testing.T) {
	bad := []*RenderPassDesc{
		{Color: []AttachmentDesc{{Format: Depth32}}},
		{Color: []AttachmentDesc{{Format: RGBA8Unorm, Resolve: true}}},
		{Depth: &AttachmentDesc{Format: RGBA8Unorm}},
	}
	for _, rd := range bad {
		_, err := planPass(rd)
		assert.Error(t, err, rd.Key())
	}
}

func TestRenderPassKey(t *testing.T) {
	a := RenderPassDesc{Color: []AttachmentDesc{{Format: RGBA8Unorm, Samples: 0}}}
	b := RenderPassDesc{Color: []AttachmentDesc{{Format: RGBA8Unorm, Samples: 1}}}
	assert.Equal(t, a.Key(), b.Key(), "0 and 1 samples are the same")

	// clear values are not part of the key
	b.Color[0].Clear.Color = [4]float32{1, 0, 0, 1}
	assert.Equal(t, a.Key(), b.Key())

	b.MultiView = true
	assert.NotEqual(t, a.Key(), b.Key())
	c := RenderPassDesc{Color: a.Color, Depth: &AttachmentDesc{Format: Depth32}}
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestClearBytes(t *testing.T) {
	col := attachmentPlan{Clear: ClearValue{Color: [4]float32{0.25, 0.5, 0.75, 1}}}
	cb := col.clearBytes()
	for i, c := range col.Clear.Color {
		assert.Equal(t, math.Float32bits(c), binary.LittleEndian.Uint32(cb[4*i:]))
	}

	dp := attachmentPlan{Depth: true, Clear: ClearValue{Color: [4]float32{9, 9, 9, 9}, Depth: 1, Stencil: 7}}
	db := dp.clearBytes()
	assert.Equal(t, math.Float32bits(1), binary.LittleEndian.Uint32(db[0:]))
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(db[4:]))
	assert.Equal(t, make([]byte, 8), db[8:])
}

// Render pass lookups racing a device Destroy either get a pass or
// ErrDestroyed.
func TestRenderPassDuringDestroy(t *testing.T) {
	dv := deviceForTest(t)
	rd := RenderPassDesc{Color: []AttachmentDesc{{Format: RGBA8Unorm}}}
	_, err := dv.RenderPass(rd)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 100 {
			if _, err := dv.RenderPass(rd); err != nil {
				assert.ErrorIs(t, err, ErrDestroyed)
				return
			}
		}
	}()
	dv.Destroy()
	wg.Wait()
	_, err = dv.RenderPass(rd)
	assert.ErrorIs(t, err, ErrDestroyed)
}
