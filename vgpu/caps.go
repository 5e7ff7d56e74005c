// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	vk "github.com/goki/vulkan"
	"github.com/google/uuid"
)

// Limits are the device properties used by the runtime.
type Limits struct {
	MaxComputeWorkGroupSize        [3]uint32
	MaxComputeWorkGroupInvocations uint32
	MaxComputeWorkGroupCount       [3]uint32
	MaxImageDimension2D            uint32
	MaxImageArrayLayers            uint32
	MaxBoundDescriptorSets         uint32
	MaxMemoryAllocationSize        uint64

	MinStorageBufferOffsetAlignment uint64
	MinUniformBufferOffsetAlignment uint64
	NonCoherentAtomSize             uint64
	TimestampPeriod                 float32

	SubgroupSize                uint32
	MinSubgroupSize             uint32
	MaxSubgroupSize             uint32
	SubgroupSupportedStages     uint32
	SubgroupSupportedOperations uint32
	RequiredSubgroupSizeStages  uint32

	MaxInlineUniformBlockSize               uint32
	MaxPerStageDescriptorInlineUniformBlocks uint32
	MaxDescriptorSetInlineUniformBlocks      uint32

	StorageBufferDescriptorSize       uint64
	UniformBufferDescriptorSize       uint64
	SampledImageDescriptorSize        uint64
	StorageImageDescriptorSize        uint64
	SamplerDescriptorSize             uint64
	DescriptorBufferOffsetAlignment   uint64
	MaxDescriptorBufferBindings       uint32
	MaxEmbeddedImmutableSamplerBindings uint32

	MaxCommandBufferNestingLevel uint32

	// ComputeUnits is the number of SMs or compute units, when known.
	ComputeUnits uint32

	// MaxResidentLocalSize is the number of invocations resident on one
	// compute unit, when known.
	MaxResidentLocalSize uint32
}

// Shader stage bits.
const (
	ShaderStageVertex   = 0x1
	ShaderStageFragment = 0x10
	ShaderStageCompute  = 0x20
	ShaderStageGraphics = 0x1f
)

// Subgroup operation bits.
const (
	SubgroupBasic           = 0x1
	SubgroupArithmetic      = 0x4
	SubgroupShuffle         = 0x10
	SubgroupShuffleRelative = 0x20
)

// Feature names of the features that are always required.
var requiredFeatures = []string{
	"storageBuffer16BitAccess",
	"uniformAndStorageBuffer16BitAccess",
	"variablePointersStorageBuffer",
	"variablePointers",
	"storageBuffer8BitAccess",
	"uniformAndStorageBuffer8BitAccess",
	"shaderFloat16",
	"shaderInt8",
	"scalarBlockLayout",
	"uniformBufferStandardLayout",
	"timelineSemaphore",
	"bufferDeviceAddress",
	"vulkanMemoryModel",
	"vulkanMemoryModelDeviceScope",
	"synchronization2",
	"maintenance4",
	"inlineUniformBlock",
	"subgroupSizeControl",
	"computeFullSubgroups",
	"nullDescriptor",
	"shaderBufferFloat32Atomics",
	"shaderSharedFloat32Atomics",
	"workgroupMemoryExplicitLayout",
	"workgroupMemoryExplicitLayoutScalarBlockLayout",
	"workgroupMemoryExplicitLayout8BitAccess",
	"workgroupMemoryExplicitLayout16BitAccess",
	"descriptorBuffer",
	"memoryPriority",
	"maintenance5",
	"maintenance6",
}

// Feature names of the features enabled when present.
var optionalFeatures = []string{
	"multiview",
	"shaderInt64",
	"shaderFloat64",
	"shaderInt16",
	"fragmentShaderBarycentric",
	"pageableDeviceLocalMemory",
	"inheritedViewportScissor2D",
	"shaderSMBuiltins",
}

// Nested command buffer features, enabled only all together.
var nestedFeatures = []string{
	"nestedCommandBuffer",
	"nestedCommandBufferRendering",
	"nestedCommandBufferSimultaneousUse",
}

// Extensions required on every device.
var requiredExtensions = []string{
	"VK_KHR_workgroup_memory_explicit_layout",
	"VK_EXT_memory_budget",
	"VK_EXT_memory_priority",
	"VK_EXT_descriptor_buffer",
	"VK_EXT_robustness2",
	"VK_EXT_shader_atomic_float",
}

// Extensions required on devices before 1.4, where they are not core.
var requiredExtensionsPre14 = []string{
	"VK_KHR_map_memory2",
	"VK_KHR_maintenance5",
	"VK_KHR_maintenance6",
}

// Extensions promoted to core before 1.3, never enabled.
var promotedExtensions = []string{
	"VK_KHR_16bit_storage", "VK_KHR_8bit_storage", "VK_KHR_bind_memory2",
	"VK_KHR_buffer_device_address", "VK_KHR_copy_commands2", "VK_KHR_create_renderpass2",
	"VK_KHR_dedicated_allocation", "VK_KHR_depth_stencil_resolve", "VK_KHR_descriptor_update_template",
	"VK_KHR_device_group", "VK_KHR_draw_indirect_count", "VK_KHR_driver_properties",
	"VK_KHR_dynamic_rendering", "VK_KHR_external_fence", "VK_KHR_external_memory",
	"VK_KHR_external_semaphore", "VK_KHR_format_feature_flags2", "VK_KHR_get_memory_requirements2",
	"VK_KHR_image_format_list", "VK_KHR_imageless_framebuffer", "VK_KHR_maintenance1",
	"VK_KHR_maintenance2", "VK_KHR_maintenance3", "VK_KHR_maintenance4", "VK_KHR_multiview",
	"VK_KHR_relaxed_block_layout", "VK_KHR_sampler_mirror_clamp_to_edge", "VK_KHR_sampler_ycbcr_conversion",
	"VK_KHR_separate_depth_stencil_layouts", "VK_KHR_shader_atomic_int64", "VK_KHR_shader_draw_parameters",
	"VK_KHR_shader_float16_int8", "VK_KHR_shader_float_controls", "VK_KHR_shader_integer_dot_product",
	"VK_KHR_shader_non_semantic_info", "VK_KHR_shader_subgroup_extended_types", "VK_KHR_shader_terminate_invocation",
	"VK_KHR_spirv_1_4", "VK_KHR_storage_buffer_storage_class", "VK_KHR_synchronization2",
	"VK_KHR_timeline_semaphore", "VK_KHR_uniform_buffer_standard_layout", "VK_KHR_variable_pointers",
	"VK_KHR_vulkan_memory_model", "VK_KHR_zero_initialize_workgroup_memory",
	"VK_EXT_4444_formats", "VK_EXT_descriptor_indexing", "VK_EXT_extended_dynamic_state",
	"VK_EXT_extended_dynamic_state2", "VK_EXT_host_query_reset", "VK_EXT_image_robustness",
	"VK_EXT_inline_uniform_block", "VK_EXT_pipeline_creation_cache_control", "VK_EXT_pipeline_creation_feedback",
	"VK_EXT_private_data", "VK_EXT_sampler_filter_minmax", "VK_EXT_scalar_block_layout",
	"VK_EXT_separate_stencil_usage", "VK_EXT_shader_demote_to_helper_invocation", "VK_EXT_subgroup_size_control",
	"VK_EXT_texel_buffer_alignment", "VK_EXT_texture_compression_astc_hdr", "VK_EXT_tooling_info",
	"VK_EXT_ycbcr_2plane_444_formats",
	// superseded or incompatible with a 1.3 device
	"VK_AMD_negative_viewport_height", "VK_EXT_buffer_device_address", "VK_NV_glsl_shader",
	"VK_EXT_display_control", "VK_NV_acquire_winrt_display",
}

// Extensions promoted to core in 1.4, never enabled on 1.4 devices.
var core14Extensions = []string{
	"VK_KHR_dynamic_rendering_local_read", "VK_KHR_global_priority", "VK_KHR_index_type_uint8",
	"VK_KHR_line_rasterization", "VK_KHR_load_store_op_none", "VK_KHR_maintenance5",
	"VK_KHR_maintenance6", "VK_KHR_map_memory2", "VK_KHR_push_descriptor",
	"VK_KHR_shader_expect_assume", "VK_KHR_shader_float_controls2", "VK_KHR_shader_subgroup_rotate",
	"VK_KHR_vertex_attribute_divisor", "VK_EXT_host_image_copy", "VK_EXT_pipeline_protected_access",
	"VK_EXT_pipeline_robustness",
}

// Presentation extensions, enabled only for windowed use.
var swapchainExtensions = []string{
	"VK_KHR_swapchain", "VK_EXT_swapchain_maintenance1", "VK_KHR_swapchain_mutable_format",
	"VK_KHR_incremental_present", "VK_KHR_present_id", "VK_KHR_present_wait",
	"VK_EXT_full_screen_exclusive", "VK_GOOGLE_display_timing", "VK_EXT_hdr_metadata",
	"VK_AMD_display_native_hdr", "VK_NV_present_barrier", "VK_KHR_shared_presentable_image",
	"VK_KHR_display_swapchain",
}

// Version13 and Version14 are the API versions the gates compare against.
var (
	Version13 = semver.MustParse("1.3.0")
	Version14 = semver.MustParse("1.4.0")
)

// VersionFromVulkan converts a packed Vulkan version number.
func VersionFromVulkan(v uint32) *semver.Version {
	return semver.New(uint64((v>>22)&0x7f), uint64((v>>12)&0x3ff), uint64(v&0xfff), "", "")
}

// PhysicalDevice is the snapshot of a physical device taken at
// bring-up, before gating.
type PhysicalDevice struct {
	Name          string
	Type          string
	VendorID      uint32
	DeviceID      uint32
	APIVersion    *semver.Version
	DriverVersion uint32
	DeviceUUID    uuid.UUID
	CacheUUID     uuid.UUID

	QueueFamilies []QueueFamily
	MemTypes      []MemType
	MemHeaps      []MemHeap

	// Extensions is the set of extensions the device supports.
	Extensions map[string]bool

	// Features holds every known feature, by Vulkan field name.
	Features map[string]bool

	Limits Limits

	// Handle is the Vulkan physical device.
	Handle vk.PhysicalDevice

	// Selection is set for devices that passed gating.
	Selection *Selection

	query *deviceQuery
}

// HasExtension returns true if the device supports the extension.
func (pd *PhysicalDevice) HasExtension(name string) bool {
	return pd.Extensions[name]
}

// Core14 returns true if the device is Vulkan 1.4 or later.
func (pd *PhysicalDevice) Core14() bool {
	return pd.APIVersion != nil && !pd.APIVersion.LessThan(Version14)
}

func (pd *PhysicalDevice) String() string {
	return fmt.Sprintf("%s (%s, api %s)", pd.Name, pd.Type, pd.APIVersion)
}

// Gates of device selection, in the order they are checked.
const (
	GateWhitelist = iota + 1
	GateAPIVersion
	GateQueueFamilies
	GateExtensions
	GateRequiredExtensions
	GateFeatures
	GateSubgroup
	GateDescriptorBuffer
	GateInlineUniformBlock
)

var gateNames = map[int]string{
	GateWhitelist:          "whitelist",
	GateAPIVersion:         "api version",
	GateQueueFamilies:      "queue families",
	GateExtensions:         "extensions",
	GateRequiredExtensions: "required extensions",
	GateFeatures:           "features",
	GateSubgroup:           "subgroup",
	GateDescriptorBuffer:   "descriptor buffer",
	GateInlineUniformBlock: "inline uniform block",
}

// GateError is the reason a device was rejected.
type GateError struct {
	Device string
	Gate   int
	Reason string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("vgpu: device %q rejected at %s gate: %s", e.Device, gateNames[e.Gate], e.Reason)
}

// Selection is the result of gating one physical device.
type Selection struct {
	// Extensions are the device extensions to enable.
	Extensions []string

	// Features are the features to enable.
	Features []string

	// Nested is true if nested command buffers are enabled.
	Nested bool

	// Warnings are non fatal findings.
	Warnings []string
}

// CheckDevice runs the device selection gates on pd. It returns the
// extensions and features to enable, or a [*GateError] for the first
// failing gate.
func CheckDevice(pd *PhysicalDevice, op *Options) (*Selection, error) {
	fail := func(gate int, format string, args ...any) (*Selection, error) {
		return nil, &GateError{Device: pd.Name, Gate: gate, Reason: fmt.Sprintf(format, args...)}
	}
	if len(op.DeviceWhitelist) > 0 {
		found := slices.ContainsFunc(op.DeviceWhitelist, func(s string) bool {
			return strings.Contains(pd.Name, s)
		})
		if !found {
			return fail(GateWhitelist, "not in whitelist %v", op.DeviceWhitelist)
		}
	}
	if pd.APIVersion == nil || pd.APIVersion.LessThan(Version13) {
		return fail(GateAPIVersion, "api version %v < 1.3", pd.APIVersion)
	}
	if len(pd.QueueFamilies) == 0 {
		return fail(GateQueueFamilies, "no queue families")
	}
	if _, _, err := SelectQueueFamilies(pd.QueueFamilies); err != nil {
		return fail(GateQueueFamilies, "%v", err)
	}

	sel := &Selection{}
	sel.Extensions = FilterExtensions(pd.Extensions, pd.Core14(), op.Windowed)
	if len(sel.Extensions) == 0 {
		return fail(GateExtensions, "no usable extensions")
	}
	if op.Windowed && !pd.HasExtension("VK_EXT_swapchain_maintenance1") {
		sel.Warnings = append(sel.Warnings, "VK_EXT_swapchain_maintenance1 not supported")
	}

	req := requiredExtensions
	if !pd.Core14() {
		req = append(slices.Clone(req), requiredExtensionsPre14...)
	}
	for _, ext := range req {
		if !pd.HasExtension(ext) {
			return fail(GateRequiredExtensions, "missing %s", ext)
		}
	}

	for _, f := range requiredFeatures {
		if !pd.Features[f] {
			return fail(GateFeatures, "missing feature %s", f)
		}
	}
	sel.Features = slices.Clone(requiredFeatures)
	for _, f := range optionalFeatures {
		if pd.Features[f] {
			sel.Features = append(sel.Features, f)
		}
	}
	if pd.Limits.MaxCommandBufferNestingLevel >= 1 && !slices.ContainsFunc(nestedFeatures, func(f string) bool { return !pd.Features[f] }) {
		sel.Features = append(sel.Features, nestedFeatures...)
		sel.Nested = true
	}
	if op.LogBinaries && pd.Features["pipelineExecutableInfo"] {
		sel.Features = append(sel.Features, "pipelineExecutableInfo")
	}
	if op.DeviceDiagnostics && pd.Features["diagnosticsConfig"] {
		sel.Features = append(sel.Features, "diagnosticsConfig")
	}

	lm := &pd.Limits
	if lm.SubgroupSize < 2 {
		return fail(GateSubgroup, "subgroup size %d < 2", lm.SubgroupSize)
	}
	stages := uint32(ShaderStageVertex | ShaderStageFragment | ShaderStageCompute)
	if lm.SubgroupSupportedStages&stages != stages {
		return fail(GateSubgroup, "subgroup stages 0x%x lack 0x%x", lm.SubgroupSupportedStages, stages)
	}
	ops := uint32(SubgroupBasic | SubgroupArithmetic | SubgroupShuffle | SubgroupShuffleRelative)
	if lm.SubgroupSupportedOperations&ops != ops {
		return fail(GateSubgroup, "subgroup operations 0x%x lack 0x%x", lm.SubgroupSupportedOperations, ops)
	}

	if lm.StorageBufferDescriptorSize > 32 {
		return fail(GateDescriptorBuffer, "storage buffer descriptor size %d > 32", lm.StorageBufferDescriptorSize)
	}
	if lm.MaxDescriptorBufferBindings < MinDescriptorBufferBindings {
		return fail(GateDescriptorBuffer, "max descriptor buffer bindings %d < %d", lm.MaxDescriptorBufferBindings, MinDescriptorBufferBindings)
	}
	if lm.MaxBoundDescriptorSets < MinBoundDescriptorSets {
		return fail(GateDescriptorBuffer, "max bound descriptor sets %d < %d", lm.MaxBoundDescriptorSets, MinBoundDescriptorSets)
	}
	if lm.MaxEmbeddedImmutableSamplerBindings < 1 {
		return fail(GateDescriptorBuffer, "no embedded immutable sampler bindings")
	}

	if lm.MaxInlineUniformBlockSize < MinInlineUniformBlockSize {
		return fail(GateInlineUniformBlock, "max inline uniform block size %d < %d", lm.MaxInlineUniformBlockSize, MinInlineUniformBlockSize)
	}
	if lm.MaxPerStageDescriptorInlineUniformBlocks < MinInlineUniformBlocks || lm.MaxDescriptorSetInlineUniformBlocks < MinInlineUniformBlocks {
		return fail(GateInlineUniformBlock, "inline uniform block count %d/%d < %d",
			lm.MaxPerStageDescriptorInlineUniformBlocks, lm.MaxDescriptorSetInlineUniformBlocks, MinInlineUniformBlocks)
	}
	return sel, nil
}

// FilterExtensions returns the sorted supported extensions minus the
// promoted ones, the 1.4 core ones on 1.4 devices, and the swapchain
// ones when not windowed.
func FilterExtensions(supported map[string]bool, core14, windowed bool) []string {
	drop := map[string]bool{}
	for _, e := range promotedExtensions {
		drop[e] = true
	}
	if core14 {
		for _, e := range core14Extensions {
			drop[e] = true
		}
	}
	if !windowed {
		for _, e := range swapchainExtensions {
			drop[e] = true
		}
	}
	var out []string
	for e, ok := range supported {
		if ok && !drop[e] {
			out = append(out, e)
		}
	}
	slices.Sort(out)
	return out
}
