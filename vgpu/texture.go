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
)

// SamplerModes are the address modes used beyond the image edges.
type SamplerModes int32

const (
	// Repeat the texture when going beyond the image dimensions.
	Repeat SamplerModes = iota

	// Like repeat, but inverts the coordinates to mirror the image when going beyond the dimensions.
	MirroredRepeat

	// Take the color of the edge closest to the coordinate beyond the image dimensions.
	ClampToEdge

	// Return transparent black when sampling beyond the dimensions of the image.
	ClampToBorder

	SamplerModesN
)

var samplerModeNames = [SamplerModesN]string{"Repeat", "MirroredRepeat", "ClampToEdge", "ClampToBorder"}

func (sm SamplerModes) String() string {
	if sm < 0 || sm >= SamplerModesN {
		return fmt.Sprintf("SamplerModes(%d)", int32(sm))
	}
	return samplerModeNames[sm]
}

// VkMode returns the Vulkan address mode.
func (sm SamplerModes) VkMode() vk.SamplerAddressMode {
	return vulkanSamplerModes[sm]
}

var vulkanSamplerModes = [SamplerModesN]vk.SamplerAddressMode{
	Repeat:         vk.SamplerAddressModeRepeat,
	MirroredRepeat: vk.SamplerAddressModeMirroredRepeat,
	ClampToEdge:    vk.SamplerAddressModeClampToEdge,
	ClampToBorder:  vk.SamplerAddressModeClampToBorder,
}

// SamplerFilters are the minification and magnification filters.
type SamplerFilters int32

const (
	FilterNearest SamplerFilters = iota
	FilterLinear

	SamplerFiltersN
)

// CompareFuncs are the depth compare functions of a sampler.
// CompareNone disables comparison.
type CompareFuncs int32

const (
	CompareNone CompareFuncs = iota
	CompareLess
	CompareLessEqual
	CompareGreater
	CompareGreaterEqual

	CompareFuncsN
)

var vulkanCompare = [CompareFuncsN]vk.CompareOp{
	CompareNone:         vk.CompareOpNever,
	CompareLess:         vk.CompareOpLess,
	CompareLessEqual:    vk.CompareOpLessOrEqual,
	CompareGreater:      vk.CompareOpGreater,
	CompareGreaterEqual: vk.CompareOpGreaterOrEqual,
}

// NumSamplers is the number of immutable samplers of a device.
const NumSamplers = int(SamplerModesN) * int(SamplerFiltersN) * int(CompareFuncsN)

// Sampler is one of the immutable samplers every device embeds in
// descriptor set 0. Shaders select it by [Sampler.Index].
type Sampler struct {
	Mode    SamplerModes
	Filter  SamplerFilters
	Compare CompareFuncs
}

// Index returns the array index of the sampler in the sampler set.
func (sm Sampler) Index() int {
	return (int(sm.Compare)*int(SamplerFiltersN)+int(sm.Filter))*int(SamplerModesN) + int(sm.Mode)
}

// SamplerAt returns the sampler at index i of the sampler set.
func SamplerAt(i int) Sampler {
	m := i % int(SamplerModesN)
	i /= int(SamplerModesN)
	return Sampler{Mode: SamplerModes(m), Filter: SamplerFilters(i % int(SamplerFiltersN)), Compare: CompareFuncs(i / int(SamplerFiltersN))}
}

func (sm Sampler) String() string {
	return fmt.Sprintf("%v filter %d compare %d", sm.Mode, sm.Filter, sm.Compare)
}

// samplerSet is the descriptor set layout embedding all immutable
// samplers, bound as set 0 of every pipeline.
type samplerSet struct {
	dv       *Device
	samplers *C.VkSampler
	n        int
	layout   C.VkDescriptorSetLayout
}

func newSamplerSet(dv *Device) (*samplerSet, error) {
	ss := &samplerSet{dv: dv}
	ss.samplers = (*C.VkSampler)(C.calloc(C.size_t(NumSamplers), C.size_t(unsafe.Sizeof(C.VkSampler(nil)))))
	arr := unsafe.Slice(ss.samplers, NumSamplers)
	for i := range arr {
		sm := SamplerAt(i)
		filter, mip := vk.FilterNearest, vk.SamplerMipmapModeNearest
		if sm.Filter == FilterLinear {
			filter, mip = vk.FilterLinear, vk.SamplerMipmapModeLinear
		}
		ci := &vk.SamplerCreateInfo{
			SType:        vk.StructureTypeSamplerCreateInfo,
			MagFilter:    filter,
			MinFilter:    filter,
			MipmapMode:   mip,
			AddressModeU: sm.Mode.VkMode(),
			AddressModeV: sm.Mode.VkMode(),
			AddressModeW: sm.Mode.VkMode(),
			MaxLod:       vk.LodClampNone,
		}
		if sm.Compare != CompareNone {
			ci.CompareEnable = vk.True
			ci.CompareOp = vulkanCompare[sm.Compare]
		}
		if err := checkVk(vk.CreateSampler(dv.vk(), ci, nil, (*vk.Sampler)(unsafe.Pointer(&arr[i]))), "vkCreateSampler"); err != nil {
			ss.destroy()
			return nil, err
		}
		ss.n++
	}
	bind := C.VkDescriptorSetLayoutBinding{
		binding:            0,
		descriptorType:     C.VK_DESCRIPTOR_TYPE_SAMPLER,
		descriptorCount:    C.uint32_t(NumSamplers),
		stageFlags:         C.VkShaderStageFlags(ShaderStageGraphics | ShaderStageCompute),
		pImmutableSamplers: ss.samplers,
	}
	ret := C.vgCreateDescriptorSetLayout(dv.funcs, dv.device, &bind, 1, layoutDescriptorBuffer|layoutEmbeddedSamplers, &ss.layout)
	if err := check(ret, "vkCreateDescriptorSetLayout"); err != nil {
		ss.destroy()
		return nil, err
	}
	dv.setObjectName(C.VK_OBJECT_TYPE_DESCRIPTOR_SET_LAYOUT, handleU64(unsafe.Pointer(ss.layout)), "immutable samplers")
	return ss, nil
}

func (ss *samplerSet) destroy() {
	dv := ss.dv
	if ss.layout != nil {
		vk.DestroyDescriptorSetLayout(dv.vk(), vk.DescriptorSetLayout(unsafe.Pointer(ss.layout)), nil)
		ss.layout = nil
	}
	if ss.samplers == nil {
		return
	}
	for _, s := range unsafe.Slice(ss.samplers, NumSamplers)[:ss.n] {
		vk.DestroySampler(dv.vk(), vk.Sampler(unsafe.Pointer(s)), nil)
	}
	C.free(unsafe.Pointer(ss.samplers))
	ss.samplers = nil
}
