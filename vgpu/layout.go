// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// imageState is the tracked layout and last access of an image.
type imageState struct {
	Layout ImageLayout
	Access Access2
	Stage  Stage2
}

// Transition is a planned image layout transition.
type Transition struct {
	SrcStage  Stage2
	SrcAccess Access2
	DstStage  Stage2
	DstAccess Access2
	OldLayout ImageLayout
	NewLayout ImageLayout
}

// ComputeOnly rewrites the stages of t for a compute only queue.
func (t Transition) ComputeOnly() Transition {
	t.SrcStage = t.SrcStage.ComputeOnly()
	t.DstStage = t.DstStage.ComputeOnly()
	return t
}

// imageKind holds the properties of an image that select its layouts.
type imageKind struct {
	Depth        bool
	RenderTarget bool

	// Storage images are read and written in the general layout.
	Storage bool

	// AllowGeneral lets reads use an image already in the general layout.
	AllowGeneral bool
}

// readLayout returns the layout images of the kind are read in.
func (k imageKind) readLayout() ImageLayout {
	switch {
	case k.RenderTarget && k.Depth:
		return LayoutDepthReadOnly
	case k.Storage && !k.RenderTarget:
		return LayoutGeneral
	}
	return LayoutShaderReadOnly
}

// writeLayout returns the layout images of the kind are written in.
func (k imageKind) writeLayout() ImageLayout {
	switch {
	case k.RenderTarget && k.Depth:
		return LayoutDepthAttachment
	case k.RenderTarget:
		return LayoutColorAttachment
	}
	return LayoutGeneral
}

// planTransition returns the transition from st to the target layout
// and access, and false when none is needed.
func planTransition(st imageState, layout ImageLayout, stage Stage2, access Access2) (Transition, bool) {
	if st.Layout == layout && st.Access == access && !access.HasWrite() {
		return Transition{}, false
	}
	src := st.Stage
	if src == StageNone {
		src = StageTopOfPipe
		if st.Layout != LayoutUndefined {
			src = StageAllCommands
		}
	}
	return Transition{
		SrcStage:  src,
		SrcAccess: st.Access,
		DstStage:  stage,
		DstAccess: access,
		OldLayout: st.Layout,
		NewLayout: layout,
	}, true
}

// planRead plans the transition for shader reads at stage.
func planRead(st imageState, k imageKind, stage Stage2) (Transition, bool) {
	target := k.readLayout()
	if st.Layout == target || (k.AllowGeneral && st.Layout == LayoutGeneral) {
		if st.Access&AccessShaderRead != 0 && !st.Access.HasWrite() {
			return Transition{}, false
		}
		target = st.Layout
	}
	return planTransition(st, target, stage, AccessShaderRead)
}

// planWrite plans the transition for writes at stage. Render targets
// are written as attachments, everything else in the general layout.
func planWrite(st imageState, k imageKind, stage Stage2, readWrite bool) (Transition, bool) {
	target := k.writeLayout()
	var access Access2
	switch target {
	case LayoutColorAttachment:
		access = AccessColorAttachmentWrite
		if readWrite {
			access |= AccessColorAttachmentRead
		}
	case LayoutDepthAttachment:
		access = AccessDepthStencilAttachmentWrite
		if readWrite {
			access |= AccessDepthStencilAttachmentRead
		}
	default:
		access = AccessShaderWrite
	}
	if readWrite {
		access |= AccessShaderRead
	}
	return planTransition(st, target, stage, access)
}

// planTransfer plans the transition for a transfer source or destination.
func planTransfer(st imageState, dst bool) (Transition, bool) {
	if dst {
		return planTransition(st, LayoutTransferDst, StageAllTransfer, AccessTransferWrite)
	}
	return planTransition(st, LayoutTransferSrc, StageAllTransfer, AccessTransferRead)
}

// apply returns the state after t.
func (t Transition) apply() imageState {
	return imageState{Layout: t.NewLayout, Access: t.DstAccess, Stage: t.DstStage}
}
