// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	vk "github.com/goki/vulkan"
)

const (
	// MaxArgumentBuffers is the maximum number of argument buffers
	// a single function can reference.
	MaxArgumentBuffers = 6

	// MinBoundDescriptorSets is the minimum number of descriptor sets
	// a device must allow to be bound at once: the immutable sampler
	// set, the function set and one per argument buffer.
	MinBoundDescriptorSets = 2 + MaxArgumentBuffers

	// MinDescriptorBufferBindings is the minimum number of descriptor
	// buffers that must be bindable at once.
	MinDescriptorBufferBindings = 1 + MaxArgumentBuffers

	// MinInlineUniformBlockSize is the minimum inline uniform block size.
	MinInlineUniformBlockSize = 256

	// MinInlineUniformBlocks is the minimum number of inline uniform
	// blocks per stage and per set.
	MinInlineUniformBlocks = 16

	// MaxIndirectCommands is the maximum command count of an
	// indirect pipeline.
	MaxIndirectCommands = 16384

	// CmdRingSize is the number of command buffers per command pool.
	CmdRingSize = 64

	// MaxPoolSets is the maximum number of command pool sets per queue.
	MaxPoolSets = 16

	// DescriptorSlots is the number of descriptor and constant buffer
	// slots per function entry.
	DescriptorSlots = 16

	// DescriptorAlign is the minimum alignment of a descriptor buffer slice.
	DescriptorAlign = 256

	// MaxMipLevels is the number of storage descriptors a writable
	// image argument reserves, one per mip level.
	MaxMipLevels = 15
)

// Descriptor set indexes.
const (
	SamplerSet  = 0
	FunctionSet = 1
	VertexSet   = 1
	FragmentSet = 2
)

// Stage2 is a VkPipelineStageFlags2 mask.
type Stage2 uint64

// Pipeline stage bits from the synchronization2 stage flags.
const (
	StageNone                   Stage2 = 0
	StageTopOfPipe              Stage2 = 0x1
	StageDrawIndirect           Stage2 = 0x2
	StageVertexInput            Stage2 = 0x4
	StageVertexShader           Stage2 = 0x8
	StageTessellationControl    Stage2 = 0x10
	StageTessellationEvaluation Stage2 = 0x20
	StageGeometryShader         Stage2 = 0x40
	StageFragmentShader         Stage2 = 0x80
	StageEarlyFragmentTests     Stage2 = 0x100
	StageLateFragmentTests      Stage2 = 0x200
	StageColorAttachmentOutput  Stage2 = 0x400
	StageComputeShader          Stage2 = 0x800
	StageAllTransfer            Stage2 = 0x1000
	StageBottomOfPipe           Stage2 = 0x2000
	StageHost                   Stage2 = 0x4000
	StageAllGraphics            Stage2 = 0x8000
	StageAllCommands            Stage2 = 0x10000
	StageCopy                   Stage2 = 0x100000000
	StageResolve                Stage2 = 0x200000000
	StageBlit                   Stage2 = 0x400000000
	StageClear                  Stage2 = 0x800000000
	StageIndexInput             Stage2 = 0x1000000000
	StageVertexAttributeInput   Stage2 = 0x2000000000

	// stageGraphicsOnly are the stages a compute only queue does not have.
	stageGraphicsOnly = StageVertexInput | StageVertexShader | StageTessellationControl |
		StageTessellationEvaluation | StageGeometryShader | StageFragmentShader |
		StageEarlyFragmentTests | StageLateFragmentTests | StageColorAttachmentOutput |
		StageAllGraphics | StageIndexInput | StageVertexAttributeInput
)

// Access2 is a VkAccessFlags2 mask.
type Access2 uint64

// Access bits from the synchronization2 access flags.
const (
	AccessNone                        Access2 = 0
	AccessIndirectCommandRead         Access2 = 0x1
	AccessIndexRead                   Access2 = 0x2
	AccessVertexAttributeRead         Access2 = 0x4
	AccessUniformRead                 Access2 = 0x8
	AccessInputAttachmentRead         Access2 = 0x10
	AccessShaderRead                  Access2 = 0x20
	AccessShaderWrite                 Access2 = 0x40
	AccessColorAttachmentRead         Access2 = 0x80
	AccessColorAttachmentWrite        Access2 = 0x100
	AccessDepthStencilAttachmentRead  Access2 = 0x200
	AccessDepthStencilAttachmentWrite Access2 = 0x400
	AccessTransferRead                Access2 = 0x800
	AccessTransferWrite               Access2 = 0x1000
	AccessHostRead                    Access2 = 0x2000
	AccessHostWrite                   Access2 = 0x4000
	AccessMemoryRead                  Access2 = 0x8000
	AccessMemoryWrite                 Access2 = 0x10000
	AccessShaderSampledRead           Access2 = 0x100000000
	AccessShaderStorageRead           Access2 = 0x200000000
	AccessShaderStorageWrite          Access2 = 0x400000000
	AccessDescriptorBufferRead        Access2 = 0x20000000000

	accessWrites = AccessShaderWrite | AccessColorAttachmentWrite | AccessDepthStencilAttachmentWrite |
		AccessTransferWrite | AccessHostWrite | AccessMemoryWrite | AccessShaderStorageWrite
)

// HasWrite returns true if the access mask contains any write access.
func (ac Access2) HasWrite() bool {
	return ac&accessWrites != 0
}

// ImageLayout is a VkImageLayout.
type ImageLayout int32

const (
	LayoutUndefined          = ImageLayout(vk.ImageLayoutUndefined)
	LayoutGeneral            = ImageLayout(vk.ImageLayoutGeneral)
	LayoutColorAttachment    = ImageLayout(vk.ImageLayoutColorAttachmentOptimal)
	LayoutDepthAttachment    = ImageLayout(vk.ImageLayoutDepthStencilAttachmentOptimal)
	LayoutDepthReadOnly      = ImageLayout(vk.ImageLayoutDepthStencilReadOnlyOptimal)
	LayoutShaderReadOnly     = ImageLayout(vk.ImageLayoutShaderReadOnlyOptimal)
	LayoutTransferSrc        = ImageLayout(vk.ImageLayoutTransferSrcOptimal)
	LayoutTransferDst        = ImageLayout(vk.ImageLayoutTransferDstOptimal)
	LayoutPresentSrc         = ImageLayout(vk.ImageLayoutPresentSrc)
)

var layoutNames = map[ImageLayout]string{
	LayoutUndefined:       "Undefined",
	LayoutGeneral:         "General",
	LayoutColorAttachment: "ColorAttachment",
	LayoutDepthAttachment: "DepthAttachment",
	LayoutDepthReadOnly:   "DepthReadOnly",
	LayoutShaderReadOnly:  "ShaderReadOnly",
	LayoutTransferSrc:     "TransferSrc",
	LayoutTransferDst:     "TransferDst",
	LayoutPresentSrc:      "PresentSrc",
}

func (il ImageLayout) String() string {
	if nm, ok := layoutNames[il]; ok {
		return nm
	}
	return "ImageLayout(unknown)"
}

// Topologies are the different vertex topology
type Topologies int32

const (
	PointList     = Topologies(vk.PrimitiveTopologyPointList)
	LineList      = Topologies(vk.PrimitiveTopologyLineList)
	LineStrip     = Topologies(vk.PrimitiveTopologyLineStrip)
	TriangleList  = Topologies(vk.PrimitiveTopologyTriangleList)
	TriangleStrip = Topologies(vk.PrimitiveTopologyTriangleStrip)
)

// CullModes are the face culling modes of a graphics pipeline.
type CullModes int32

const (
	CullNone  = CullModes(0)
	CullFront = CullModes(vk.CullModeFrontBit)
	CullBack  = CullModes(vk.CullModeBackBit)
)

// IndexTypes are the index buffer element types.
type IndexTypes int32

const (
	IndexUint16 = IndexTypes(vk.IndexTypeUint16)
	IndexUint32 = IndexTypes(vk.IndexTypeUint32)
)

// Size returns the index size in bytes.
func (it IndexTypes) Size() uint64 {
	if it == IndexUint16 {
		return 2
	}
	return 4
}
