// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// SyncStage is the device agnostic set of pipeline stages a fence
// wait or signal applies to.
type SyncStage uint32

const (
	SyncNone SyncStage = 0

	SyncVertexInput SyncStage = 1 << (iota - 1)
	SyncVertex
	SyncTessellation
	SyncFragment
	SyncColorAttachment
	SyncDepthAttachment
	SyncCompute
	SyncTransfer
	SyncHost
	SyncAllGraphics
	SyncAllCommands
)

// stageMap is the translation of each SyncStage bit.
var stageMap = []struct {
	sync  SyncStage
	stage Stage2
}{
	{SyncVertexInput, StageVertexInput},
	{SyncVertex, StageVertexShader},
	{SyncTessellation, StageTessellationEvaluation},
	{SyncFragment, StageFragmentShader},
	{SyncColorAttachment, StageColorAttachmentOutput},
	{SyncDepthAttachment, StageEarlyFragmentTests | StageLateFragmentTests},
	{SyncCompute, StageComputeShader},
	{SyncTransfer, StageAllTransfer},
	{SyncHost, StageHost},
	{SyncAllGraphics, StageAllGraphics},
	{SyncAllCommands, StageAllCommands},
}

// Stages returns the Vulkan pipeline stage mask for the sync stages.
// SyncNone maps to all commands.
func (s SyncStage) Stages() Stage2 {
	if s == SyncNone {
		return StageAllCommands
	}
	var st Stage2
	for _, m := range stageMap {
		if s&m.sync != 0 {
			st |= m.stage
		}
	}
	return st
}

// ComputeOnly rewrites a stage mask for a compute only queue, which
// has no graphics stages.
func (st Stage2) ComputeOnly() Stage2 {
	if st&stageGraphicsOnly == 0 {
		return st
	}
	return st&^stageGraphicsOnly | StageComputeShader | StageAllTransfer
}

// FenceWait is a fence value a submission waits for.
type FenceWait struct {
	Fence *Fence

	// Value is the timeline value, ignored for binary fences.
	Value uint64

	Stage SyncStage
}

// FenceSignal is a fence value a submission signals.
type FenceSignal struct {
	Fence *Fence

	// Value is the timeline value, ignored for binary fences.
	// 0 uses the fence's current SignalValue.
	Value uint64

	Stage SyncStage
}

// SubmitOptions are the options of one submission.
type SubmitOptions struct {
	Wait   []FenceWait
	Signal []FenceSignal

	// Completion runs after the device finished the work, and after
	// the completions of the submissions signaling the awaited
	// timeline values.
	Completion func()

	// Blocking waits for completion before returning.
	Blocking bool
}
