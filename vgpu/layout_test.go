// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanReadFromUndefined(t *testing.T) {
	tr, ok := planRead(imageState{}, imageKind{}, StageComputeShader)
	require.True(t, ok)
	assert.Equal(t, LayoutUndefined, tr.OldLayout)
	assert.Equal(t, LayoutShaderReadOnly, tr.NewLayout)
	assert.Equal(t, StageTopOfPipe, tr.SrcStage)
	assert.Equal(t, StageComputeShader, tr.DstStage)

	st := tr.apply()
	assert.NotZero(t, st.Access&AccessShaderRead)
	_, ok = planRead(st, imageKind{}, StageComputeShader)
	assert.False(t, ok, "a second read needs no barrier")
}

func TestPlanReadLayouts(t *testing.T) {
	cases := []struct {
		name string
		kind imageKind
		want ImageLayout
	}{
		{"sampled", imageKind{}, LayoutShaderReadOnly},
		{"depth target", imageKind{Depth: true, RenderTarget: true}, LayoutDepthReadOnly},
		{"storage", imageKind{Storage: true}, LayoutGeneral},
		{"color target", imageKind{RenderTarget: true, Storage: true}, LayoutShaderReadOnly},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tr, ok := planRead(imageState{Layout: LayoutTransferDst, Access: AccessTransferWrite, Stage: StageAllTransfer}, c.kind, StageFragmentShader)
			require.True(t, ok)
			assert.Equal(t, c.want, tr.NewLayout)
			assert.Equal(t, AccessShaderRead, tr.DstAccess)
			assert.Equal(t, StageAllTransfer, tr.SrcStage)
			assert.Equal(t, AccessTransferWrite, tr.SrcAccess)
		})
	}
}

func TestPlanReadAllowGeneral(t *testing.T) {
	st := imageState{Layout: LayoutGeneral, Access: AccessShaderWrite, Stage: StageComputeShader}
	tr, ok := planRead(st, imageKind{AllowGeneral: true}, StageComputeShader)
	require.True(t, ok, "pending writes need a barrier")
	assert.Equal(t, LayoutGeneral, tr.NewLayout)

	tr, ok = planRead(st, imageKind{}, StageComputeShader)
	require.True(t, ok)
	assert.Equal(t, LayoutShaderReadOnly, tr.NewLayout)
}

func TestPlanWrite(t *testing.T) {
	st := imageState{Layout: LayoutShaderReadOnly, Access: AccessShaderRead, Stage: StageFragmentShader}
	tr, ok := planWrite(st, imageKind{}, StageComputeShader, false)
	require.True(t, ok)
	assert.Equal(t, LayoutGeneral, tr.NewLayout)
	assert.Equal(t, AccessShaderWrite, tr.DstAccess)

	tr, ok = planWrite(st, imageKind{RenderTarget: true}, StageColorAttachmentOutput, true)
	require.True(t, ok)
	assert.Equal(t, LayoutColorAttachment, tr.NewLayout)
	assert.Equal(t, AccessColorAttachmentWrite|AccessColorAttachmentRead|AccessShaderRead, tr.DstAccess)

	tr, ok = planWrite(st, imageKind{RenderTarget: true, Depth: true}, StageLateFragmentTests, false)
	require.True(t, ok)
	assert.Equal(t, LayoutDepthAttachment, tr.NewLayout)

	// writes always order against the previous write
	ws := tr.apply()
	_, ok = planWrite(ws, imageKind{RenderTarget: true, Depth: true}, StageLateFragmentTests, false)
	assert.True(t, ok)
}

func TestPlanTransfer(t *testing.T) {
	tr, ok := planTransfer(imageState{}, true)
	require.True(t, ok)
	assert.Equal(t, LayoutTransferDst, tr.NewLayout)
	assert.Equal(t, AccessTransferWrite, tr.DstAccess)

	tr, ok = planTransfer(tr.apply(), false)
	require.True(t, ok)
	assert.Equal(t, LayoutTransferSrc, tr.NewLayout)
	assert.Equal(t, StageAllTransfer, tr.SrcStage)
}

func TestTransitionComputeOnly(t *testing.T) {
	tr := Transition{SrcStage: StageFragmentShader, DstStage: StageComputeShader}.ComputeOnly()
	assert.Zero(t, tr.SrcStage&stageGraphicsOnly)
	assert.Equal(t, StageComputeShader, tr.DstStage)
}
