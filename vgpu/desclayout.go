// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// #include "vgpu.h"
import "C"

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"goki.dev/vgpu/v3/vheap"
)

// DescTypes are the descriptor types of layout bindings.
type DescTypes int32

const (
	DescSampledImage  DescTypes = C.VK_DESCRIPTOR_TYPE_SAMPLED_IMAGE
	DescStorageImage  DescTypes = C.VK_DESCRIPTOR_TYPE_STORAGE_IMAGE
	DescStorageBuffer DescTypes = C.VK_DESCRIPTOR_TYPE_STORAGE_BUFFER
	DescInlineUniform DescTypes = C.VK_DESCRIPTOR_TYPE_INLINE_UNIFORM_BLOCK
)

// Descriptor set layout create flags.
const (
	layoutDescriptorBuffer = 0x10 // VK_DESCRIPTOR_SET_LAYOUT_CREATE_DESCRIPTOR_BUFFER_BIT_EXT
	layoutEmbeddedSamplers = 0x20 // VK_DESCRIPTOR_SET_LAYOUT_CREATE_EMBEDDED_IMMUTABLE_SAMPLERS_BIT_EXT
)

// printfArg is the argument index of the implicit printf buffer.
const printfArg = -1

// bindingPlan is one binding of a descriptor set layout.
type bindingPlan struct {
	Binding uint32
	Type    DescTypes
	Count   uint32

	// Arg is the argument index, or printfArg.
	Arg int
}

// constRange is the place of a constant in the side constant buffer.
type constRange struct {
	Offset uint64
	Size   uint64
}

// layoutCounts are the descriptor contributions of a layout.
type layoutCounts struct {
	SSBO        uint32
	IUB         uint32
	ReadImages  uint32
	WriteImages uint32
	ArgBuffers  uint32
	MaxIUBSize  uint64
}

// layoutPlan is the device independent part of a descriptor set
// layout, built from the arguments of a function.
type layoutPlan struct {
	Args     []ArgInfo
	Bindings []bindingPlan

	// ArgBinding is the first index into Bindings of each argument,
	// or -1 for arguments without a binding.
	ArgBinding []int

	Counts layoutCounts

	// ConstArgs is the number of arguments in the constant buffer,
	// ConstSize the constant buffer size.
	ConstArgs    int
	ConstSize    uint64
	ConstOffsets map[int]constRange

	// PrintfBinding is the index into Bindings of the printf
	// buffer, or -1.
	PrintfBinding int

	// ArgBuffers are the indexes of argument buffer arguments.
	ArgBuffers []int
}

// planLayout builds the layout of args. Writable images reserve
// maxMips storage descriptors, and constants in the side buffer are
// aligned to constAlign.
func planLayout(args []ArgInfo, printf bool, maxMips uint32, constAlign uint64) (*layoutPlan, error) {
	lp := &layoutPlan{Args: args, ArgBinding: make([]int, len(args)), ConstOffsets: map[int]constRange{}, PrintfBinding: -1}
	maxMips = max(maxMips, 1)
	add := func(typ DescTypes, count uint32, arg int) int {
		lp.Bindings = append(lp.Bindings, bindingPlan{Binding: uint32(len(lp.Bindings)), Type: typ, Count: count, Arg: arg})
		return len(lp.Bindings) - 1
	}
	for i := range args {
		ai := &args[i]
		lp.ArgBinding[i] = -1
		if ai.Flags.HasFlag(ArgStageInput) {
			continue
		}
		switch {
		case ai.Kind != ArgImage && ai.Space == SpaceLocal:
			return nil, fmt.Errorf("vgpu: argument %d %q: local address space arguments are not supported", i, ai.Name)
		case ai.Kind != ArgImage && ai.Space == SpaceUnknown:
			return nil, fmt.Errorf("vgpu: argument %d %q: unknown address space", i, ai.Name)
		case ai.Kind == ArgImage && ai.ReadWrite() && ai.Flags.HasFlag(ArgImageArray):
			return nil, fmt.Errorf("vgpu: argument %d %q: read-write image arrays are not supported", i, ai.Name)
		}
		if ai.Flags.HasFlag(ArgArgumentBuffer) {
			lp.ArgBuffers = append(lp.ArgBuffers, i)
			lp.Counts.ArgBuffers++
			continue
		}
		ext := ai.extent()
		switch {
		case ai.Kind == ArgImage:
			switch {
			case ai.ReadWrite():
				lp.ArgBinding[i] = add(DescSampledImage, 1, i)
				add(DescStorageImage, maxMips, i)
				lp.Counts.ReadImages++
				lp.Counts.WriteImages++
			case ai.Writable():
				lp.ArgBinding[i] = add(DescStorageImage, ext*maxMips, i)
				lp.Counts.WriteImages += ext
			default:
				lp.ArgBinding[i] = add(DescSampledImage, ext, i)
				lp.Counts.ReadImages += ext
			}
		case ai.Flags.HasFlag(ArgIUB):
			size := vheap.AlignUp(ai.Size, 4)
			lp.ArgBinding[i] = add(DescInlineUniform, uint32(size), i)
			lp.Counts.IUB++
			lp.Counts.MaxIUBSize = max(lp.Counts.MaxIUBSize, size)
		default:
			lp.ArgBinding[i] = add(DescStorageBuffer, ext, i)
			lp.Counts.SSBO += ext
			if ai.Kind == ArgParam && ai.Space == SpaceConstant {
				off := vheap.AlignUp(lp.ConstSize, constAlign)
				lp.ConstOffsets[i] = constRange{Offset: off, Size: ai.Size}
				lp.ConstSize = off + ai.Size
				lp.ConstArgs++
			}
		}
	}
	if len(lp.ArgBuffers) > MaxArgumentBuffers {
		return nil, fmt.Errorf("vgpu: %d argument buffers exceed the maximum of %d", len(lp.ArgBuffers), MaxArgumentBuffers)
	}
	if printf {
		lp.PrintfBinding = add(DescStorageBuffer, 1, printfArg)
		lp.Counts.SSBO++
	}
	return lp, nil
}

// pooled returns true if argument i lives in the constant buffer.
func (lp *layoutPlan) pooled(i int) bool {
	_, ok := lp.ConstOffsets[i]
	return ok
}

// descLayout is a descriptor set layout for descriptor buffers, with
// the byte offset of each binding.
type descLayout struct {
	*layoutPlan

	Name string

	// Size is the layout size reported by the device, and EntrySize
	// that size rounded up to the descriptor buffer alignment.
	Size      uint64
	EntrySize uint64

	// Offsets are the byte offsets of the bindings.
	Offsets []uint64

	// argLayouts are the layouts of argument buffer arguments.
	argLayouts map[int]*descLayout

	dv     *Device
	layout C.VkDescriptorSetLayout
}

// newDescLayout creates the descriptor set layout of plan for the given
// shader stages, along with the layouts of its argument buffers.
func (dv *Device) newDescLayout(name string, plan *layoutPlan, stages uint32) (*descLayout, error) {
	dl := &descLayout{layoutPlan: plan, Name: name, dv: dv, argLayouts: map[int]*descLayout{}}
	binds := make([]C.VkDescriptorSetLayoutBinding, len(plan.Bindings))
	for i, bp := range plan.Bindings {
		binds[i] = C.VkDescriptorSetLayoutBinding{
			binding:         C.uint32_t(bp.Binding),
			descriptorType:  C.VkDescriptorType(bp.Type),
			descriptorCount: C.uint32_t(bp.Count),
			stageFlags:      C.VkShaderStageFlags(stages),
		}
	}
	var bptr *C.VkDescriptorSetLayoutBinding
	if len(binds) > 0 {
		bptr = &binds[0]
	}
	ret := C.vgCreateDescriptorSetLayout(dv.funcs, dv.device, bptr, C.uint32_t(len(binds)), layoutDescriptorBuffer, &dl.layout)
	if err := check(ret, "vkCreateDescriptorSetLayout"); err != nil {
		return nil, err
	}
	dv.setObjectName(C.VK_OBJECT_TYPE_DESCRIPTOR_SET_LAYOUT, handleU64(unsafe.Pointer(dl.layout)), name)
	dl.Size = uint64(C.vgGetDescriptorSetLayoutSize(dv.funcs, dv.device, dl.layout))
	dl.EntrySize = vheap.AlignUp(dl.Size, max(DescriptorAlign, dv.DescSizes.Alignment))
	dl.Offsets = make([]uint64, len(plan.Bindings))
	for i, bp := range plan.Bindings {
		dl.Offsets[i] = uint64(C.vgGetDescriptorSetLayoutBindingOffset(dv.funcs, dv.device, dl.layout, C.uint32_t(bp.Binding)))
	}
	for _, ai := range plan.ArgBuffers {
		arg := &plan.Args[ai]
		sub, err := planArgBufferLayout(arg, dv.Limits.MinStorageBufferOffsetAlignment)
		if err != nil {
			dl.destroy()
			return nil, err
		}
		al, err := dv.newDescLayout(fmt.Sprintf("%s arg %d", name, ai), sub, stages)
		if err != nil {
			dl.destroy()
			return nil, err
		}
		dl.argLayouts[ai] = al
	}
	return dl, nil
}

// planArgBufferLayout plans the layout of the members of an argument
// buffer, which may not nest argument buffers.
func planArgBufferLayout(arg *ArgInfo, constAlign uint64) (*layoutPlan, error) {
	for _, m := range arg.Args {
		if m.Flags.HasFlag(ArgArgumentBuffer) {
			return nil, fmt.Errorf("vgpu: argument buffer %q: nested argument buffers are not supported", arg.Name)
		}
	}
	return planLayout(arg.Args, false, MaxMipLevels, constAlign)
}

// bindingEnd returns the end of the descriptors of binding b: the next
// binding offset above its own, or the layout size.
func (dl *descLayout) bindingEnd(b int) uint64 {
	end := dl.Size
	for _, off := range dl.Offsets {
		if off > dl.Offsets[b] && off < end {
			end = off
		}
	}
	return end
}

// bufferCount returns the number of buffer descriptors the layout
// occupies, by dividing its size by the storage buffer descriptor size.
func (dl *descLayout) bufferCount() uint32 {
	n := dl.dv.DescSizes.StorageBuffer
	if n == 0 {
		return 0
	}
	return uint32((dl.Size + n - 1) / n)
}

func (dl *descLayout) destroy() {
	for _, al := range dl.argLayouts {
		al.destroy()
	}
	dl.argLayouts = nil
	if dl.layout == nil {
		return
	}
	vk.DestroyDescriptorSetLayout(dl.dv.vk(), vk.DescriptorSetLayout(unsafe.Pointer(dl.layout)), nil)
	dl.layout = nil
}
