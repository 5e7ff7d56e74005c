// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// #include "vgpu.h"
import "C"

import (
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/google/uuid"
)

// deviceQuery is the C side feature and property chain of a
// physical device. It lives in C memory since the chain links
// its own fields.
type deviceQuery struct {
	ext  C.vgExtSet
	caps *C.vgDeviceCaps
}

func (dq *deviceQuery) free() {
	if dq.caps != nil {
		C.free(unsafe.Pointer(dq.caps))
		dq.caps = nil
	}
}

// extension names that gate optional chain structs
var chainExtensions = map[string]func(e *C.vgExtSet){
	"VK_EXT_robustness2":                      func(e *C.vgExtSet) { e.robustness2 = 1 },
	"VK_EXT_shader_atomic_float":              func(e *C.vgExtSet) { e.atomicFloat = 1 },
	"VK_KHR_workgroup_memory_explicit_layout": func(e *C.vgExtSet) { e.wgExplicit = 1 },
	"VK_EXT_descriptor_buffer":                func(e *C.vgExtSet) { e.descBuffer = 1 },
	"VK_KHR_maintenance5":                     func(e *C.vgExtSet) { e.maint5 = 1 },
	"VK_KHR_maintenance6":                     func(e *C.vgExtSet) { e.maint6 = 1 },
	"VK_EXT_memory_priority":                  func(e *C.vgExtSet) { e.memPriority = 1 },
	"VK_KHR_fragment_shader_barycentric":      func(e *C.vgExtSet) { e.barycentric = 1 },
	"VK_EXT_pageable_device_local_memory":     func(e *C.vgExtSet) { e.pageable = 1 },
	"VK_EXT_nested_command_buffer":            func(e *C.vgExtSet) { e.nested = 1 },
	"VK_NV_inherited_viewport_scissor":        func(e *C.vgExtSet) { e.inherited = 1 },
	"VK_NV_shader_sm_builtins":                func(e *C.vgExtSet) { e.smBuiltins = 1 },
	"VK_AMD_shader_core_properties":           func(e *C.vgExtSet) { e.amdCore = 1 },
	"VK_KHR_pipeline_executable_properties":   func(e *C.vgExtSet) { e.pipeExec = 1 },
	"VK_NV_device_diagnostics_config":         func(e *C.vgExtSet) { e.diag = 1 },
}

// featureFields maps feature names to their fields in a caps chain.
func featureFields(c *C.vgDeviceCaps) map[string]*C.VkBool32 {
	return map[string]*C.VkBool32{
		"shaderInt64":   &c.features2.features.shaderInt64,
		"shaderFloat64": &c.features2.features.shaderFloat64,
		"shaderInt16":   &c.features2.features.shaderInt16,

		"storageBuffer16BitAccess":           &c.v11.storageBuffer16BitAccess,
		"uniformAndStorageBuffer16BitAccess": &c.v11.uniformAndStorageBuffer16BitAccess,
		"variablePointersStorageBuffer":      &c.v11.variablePointersStorageBuffer,
		"variablePointers":                   &c.v11.variablePointers,
		"multiview":                          &c.v11.multiview,

		"storageBuffer8BitAccess":           &c.v12.storageBuffer8BitAccess,
		"uniformAndStorageBuffer8BitAccess": &c.v12.uniformAndStorageBuffer8BitAccess,
		"shaderFloat16":                     &c.v12.shaderFloat16,
		"shaderInt8":                        &c.v12.shaderInt8,
		"scalarBlockLayout":                 &c.v12.scalarBlockLayout,
		"uniformBufferStandardLayout":       &c.v12.uniformBufferStandardLayout,
		"timelineSemaphore":                 &c.v12.timelineSemaphore,
		"bufferDeviceAddress":               &c.v12.bufferDeviceAddress,
		"vulkanMemoryModel":                 &c.v12.vulkanMemoryModel,
		"vulkanMemoryModelDeviceScope":      &c.v12.vulkanMemoryModelDeviceScope,

		"synchronization2":     &c.v13.synchronization2,
		"maintenance4":         &c.v13.maintenance4,
		"inlineUniformBlock":   &c.v13.inlineUniformBlock,
		"subgroupSizeControl":  &c.v13.subgroupSizeControl,
		"computeFullSubgroups": &c.v13.computeFullSubgroups,

		"nullDescriptor":             &c.robustness2.nullDescriptor,
		"shaderBufferFloat32Atomics": &c.atomicFloat.shaderBufferFloat32Atomics,
		"shaderSharedFloat32Atomics": &c.atomicFloat.shaderSharedFloat32Atomics,

		"workgroupMemoryExplicitLayout":                  &c.wgExplicit.workgroupMemoryExplicitLayout,
		"workgroupMemoryExplicitLayoutScalarBlockLayout": &c.wgExplicit.workgroupMemoryExplicitLayoutScalarBlockLayout,
		"workgroupMemoryExplicitLayout8BitAccess":        &c.wgExplicit.workgroupMemoryExplicitLayout8BitAccess,
		"workgroupMemoryExplicitLayout16BitAccess":       &c.wgExplicit.workgroupMemoryExplicitLayout16BitAccess,

		"descriptorBuffer": &c.descBuffer.descriptorBuffer,
		"maintenance5":     &c.maint5.maintenance5,
		"maintenance6":     &c.maint6.maintenance6,
		"memoryPriority":   &c.memPriority.memoryPriority,

		"fragmentShaderBarycentric":          &c.barycentric.fragmentShaderBarycentric,
		"pageableDeviceLocalMemory":          &c.pageable.pageableDeviceLocalMemory,
		"nestedCommandBuffer":                &c.nested.nestedCommandBuffer,
		"nestedCommandBufferRendering":       &c.nested.nestedCommandBufferRendering,
		"nestedCommandBufferSimultaneousUse": &c.nested.nestedCommandBufferSimultaneousUse,
		"inheritedViewportScissor2D":         &c.inherited.inheritedViewportScissor2D,
		"shaderSMBuiltins":                   &c.smBuiltins.shaderSMBuiltins,
		"pipelineExecutableInfo":             &c.pipeExec.pipelineExecutableInfo,
		"diagnosticsConfig":                  &c.diag.diagnosticsConfig,
	}
}

// EnumerateDevices returns a snapshot of every physical device.
func (gp *GPU) EnumerateDevices() ([]*PhysicalDevice, error) {
	var count uint32
	if err := checkVk(vk.EnumeratePhysicalDevices(gp.Instance, &count, nil), "vkEnumeratePhysicalDevices"); err != nil {
		return nil, err
	}
	list := make([]vk.PhysicalDevice, count)
	if err := checkVk(vk.EnumeratePhysicalDevices(gp.Instance, &count, list), "vkEnumeratePhysicalDevices"); err != nil {
		return nil, err
	}
	pds := make([]*PhysicalDevice, 0, count)
	for _, h := range list[:count] {
		pd, err := gp.newPhysicalDevice(h)
		if err != nil {
			return nil, err
		}
		pds = append(pds, pd)
	}
	return pds, nil
}

func (gp *GPU) newPhysicalDevice(h vk.PhysicalDevice) (*PhysicalDevice, error) {
	pd := &PhysicalDevice{Handle: h, Extensions: map[string]bool{}, Features: map[string]bool{}}

	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(h, &props)
	props.Deref()
	pd.Name = vk.ToString(props.DeviceName[:])
	pd.VendorID = props.VendorID
	pd.DeviceID = props.DeviceID
	pd.DriverVersion = props.DriverVersion
	pd.APIVersion = VersionFromVulkan(props.ApiVersion)
	pd.Type = deviceTypeName(props.DeviceType)
	pd.CacheUUID = uuid.UUID(props.PipelineCacheUUID)

	var nfam uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(h, &nfam, nil)
	fams := make([]vk.QueueFamilyProperties, nfam)
	vk.GetPhysicalDeviceQueueFamilyProperties(h, &nfam, fams)
	for i := range fams[:nfam] {
		fams[i].Deref()
		pd.QueueFamilies = append(pd.QueueFamilies, QueueFamily{Index: uint32(i), Flags: uint32(fams[i].QueueFlags), Count: fams[i].QueueCount})
	}

	var mem vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(h, &mem)
	mem.Deref()
	for i := uint32(0); i < mem.MemoryTypeCount; i++ {
		mem.MemoryTypes[i].Deref()
		pd.MemTypes = append(pd.MemTypes, MemType{Flags: uint32(mem.MemoryTypes[i].PropertyFlags), Heap: mem.MemoryTypes[i].HeapIndex})
	}
	for i := uint32(0); i < mem.MemoryHeapCount; i++ {
		mem.MemoryHeaps[i].Deref()
		pd.MemHeaps = append(pd.MemHeaps, MemHeap{Size: uint64(mem.MemoryHeaps[i].Size), Flags: uint32(mem.MemoryHeaps[i].Flags)})
	}

	var next uint32
	if err := checkVk(vk.EnumerateDeviceExtensionProperties(h, "", &next, nil), "vkEnumerateDeviceExtensionProperties"); err != nil {
		return nil, err
	}
	exts := make([]vk.ExtensionProperties, next)
	if err := checkVk(vk.EnumerateDeviceExtensionProperties(h, "", &next, exts), "vkEnumerateDeviceExtensionProperties"); err != nil {
		return nil, err
	}
	for i := range exts[:next] {
		exts[i].Deref()
		pd.Extensions[vk.ToString(exts[i].ExtensionName[:])] = true
	}

	pd.query = &deviceQuery{caps: (*C.vgDeviceCaps)(C.calloc(1, C.size_t(unsafe.Sizeof(C.vgDeviceCaps{}))))}
	for name, set := range chainExtensions {
		if pd.Extensions[name] {
			set(&pd.query.ext)
		}
	}
	if pd.Core14() {
		pd.query.ext.maint5 = 1
		pd.query.ext.maint6 = 1
	}
	C.vgQueryCaps(gp.ifuncs, C.VkPhysicalDevice(unsafe.Pointer(h)), &pd.query.ext, pd.query.caps)
	for name, field := range featureFields(pd.query.caps) {
		pd.Features[name] = *field != 0
	}
	pd.readLimits()
	return pd, nil
}

// readLimits copies the queried properties into Limits.
func (pd *PhysicalDevice) readLimits() {
	c := pd.query.caps
	l := &c.props2.properties.limits
	lm := &pd.Limits
	for i := 0; i < 3; i++ {
		lm.MaxComputeWorkGroupSize[i] = uint32(l.maxComputeWorkGroupSize[i])
		lm.MaxComputeWorkGroupCount[i] = uint32(l.maxComputeWorkGroupCount[i])
	}
	lm.MaxComputeWorkGroupInvocations = uint32(l.maxComputeWorkGroupInvocations)
	lm.MaxImageDimension2D = uint32(l.maxImageDimension2D)
	lm.MaxImageArrayLayers = uint32(l.maxImageArrayLayers)
	lm.MaxBoundDescriptorSets = uint32(l.maxBoundDescriptorSets)
	lm.MinStorageBufferOffsetAlignment = uint64(l.minStorageBufferOffsetAlignment)
	lm.MinUniformBufferOffsetAlignment = uint64(l.minUniformBufferOffsetAlignment)
	lm.NonCoherentAtomSize = uint64(l.nonCoherentAtomSize)
	lm.TimestampPeriod = float32(l.timestampPeriod)

	lm.MaxMemoryAllocationSize = uint64(c.p11.maxMemoryAllocationSize)
	lm.SubgroupSize = uint32(c.p11.subgroupSize)
	lm.SubgroupSupportedStages = uint32(c.p11.subgroupSupportedStages)
	lm.SubgroupSupportedOperations = uint32(c.p11.subgroupSupportedOperations)
	for i := range pd.DeviceUUID {
		pd.DeviceUUID[i] = byte(c.p11.deviceUUID[i])
	}

	lm.MinSubgroupSize = uint32(c.p13.minSubgroupSize)
	lm.MaxSubgroupSize = uint32(c.p13.maxSubgroupSize)
	lm.RequiredSubgroupSizeStages = uint32(c.p13.requiredSubgroupSizeStages)
	lm.MaxInlineUniformBlockSize = uint32(c.p13.maxInlineUniformBlockSize)
	lm.MaxPerStageDescriptorInlineUniformBlocks = uint32(c.p13.maxPerStageDescriptorInlineUniformBlocks)
	lm.MaxDescriptorSetInlineUniformBlocks = uint32(c.p13.maxDescriptorSetInlineUniformBlocks)

	if pd.query.ext.descBuffer != 0 {
		db := &c.pDescBuffer
		lm.StorageBufferDescriptorSize = uint64(db.storageBufferDescriptorSize)
		lm.UniformBufferDescriptorSize = uint64(db.uniformBufferDescriptorSize)
		lm.SampledImageDescriptorSize = uint64(db.sampledImageDescriptorSize)
		lm.StorageImageDescriptorSize = uint64(db.storageImageDescriptorSize)
		lm.SamplerDescriptorSize = uint64(db.samplerDescriptorSize)
		lm.DescriptorBufferOffsetAlignment = uint64(db.descriptorBufferOffsetAlignment)
		lm.MaxDescriptorBufferBindings = uint32(db.maxDescriptorBufferBindings)
		lm.MaxEmbeddedImmutableSamplerBindings = uint32(db.maxEmbeddedImmutableSamplerBindings)
	}
	if pd.query.ext.nested != 0 {
		lm.MaxCommandBufferNestingLevel = uint32(c.pNested.maxCommandBufferNestingLevel)
	}
	switch {
	case pd.query.ext.smBuiltins != 0:
		lm.ComputeUnits = uint32(c.pSM.shaderSMCount)
		lm.MaxResidentLocalSize = uint32(c.pSM.shaderWarpsPerSM) * 32
	case pd.query.ext.amdCore != 0:
		a := &c.pAMD
		lm.ComputeUnits = uint32(a.shaderEngineCount) * uint32(a.shaderArraysPerEngineCount) * uint32(a.computeUnitsPerShaderArray)
		lm.MaxResidentLocalSize = uint32(a.simdPerComputeUnit) * uint32(a.wavefrontsPerSimd) * uint32(a.wavefrontSize)
	}
}

// Release frees the C side of the snapshot. Devices created from pd
// keep working.
func (pd *PhysicalDevice) Release() {
	if pd.query != nil {
		pd.query.free()
	}
}

func deviceTypeName(t vk.PhysicalDeviceType) string {
	switch t {
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return "discrete"
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return "integrated"
	case vk.PhysicalDeviceTypeVirtualGpu:
		return "virtual"
	case vk.PhysicalDeviceTypeCpu:
		return "cpu"
	}
	return "other"
}
