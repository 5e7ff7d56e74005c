// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// #include "vgpu.h"
import "C"

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/google/uuid"
)

// Function is one function of a [Program]. Its per device state, the
// function entry, is created on first use on each device.
type Function struct {
	Program *Program
	FunctionInfo

	mu      sync.Mutex
	entries map[*Device]*functionEntry
}

// functionEntry is the state of a function on one device: the shader
// module, descriptor set layout, and for kernels the pipeline layout,
// descriptor slots and the pipeline specializations.
type functionEntry struct {
	fn *Function
	dv *Device

	layout *descLayout
	module C.VkShaderModule
	entry  *C.char

	pipeLayout C.VkPipelineLayout
	slots      *slotPool

	specMu sync.Mutex
	specs  map[uint64]C.VkPipeline
}

// entry returns the function entry of the device, creating it.
func (fn *Function) entry(dv *Device) (*functionEntry, error) {
	if dv.destroyed.Load() {
		return nil, ErrDestroyed
	}
	fn.mu.Lock()
	defer fn.mu.Unlock()
	if fe, ok := fn.entries[dv]; ok {
		return fe, nil
	}
	fe, err := fn.newEntry(dv)
	if err != nil {
		return nil, err
	}
	fn.entries[dv] = fe
	dv.own(fe)
	return fe, nil
}

func (fn *Function) newEntry(dv *Device) (*functionEntry, error) {
	plan, err := planLayout(fn.Args, fn.Flags.HasFlag(UsesSoftPrintf), MaxMipLevels, dv.Limits.MinStorageBufferOffsetAlignment)
	if err != nil {
		return nil, fmt.Errorf("vgpu: function %q: %w", fn.Name, err)
	}
	fe := &functionEntry{fn: fn, dv: dv, specs: map[uint64]C.VkPipeline{}}
	if fe.layout, err = dv.newDescLayout(fn.Name, plan, fn.Kind.shaderStage()); err != nil {
		return nil, err
	}
	words := fn.Program.modules[fn.Module]
	ret := vk.CreateShaderModule(dv.vk(), &vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(4 * len(words)),
		PCode:    words,
	}, nil, (*vk.ShaderModule)(unsafe.Pointer(&fe.module)))
	if err := checkVk(ret, "vkCreateShaderModule"); err != nil {
		fe.release()
		return nil, err
	}
	dv.setObjectName(C.VK_OBJECT_TYPE_SHADER_MODULE, handleU64(unsafe.Pointer(fe.module)), fn.Name)
	fe.entry = C.CString(fn.EntryPoint())
	if fn.Kind != KernelFunction {
		return fe, nil
	}
	if fe.pipeLayout, err = dv.newPipelineLayout(fn.Name, fe.layout); err != nil {
		fe.release()
		return nil, err
	}
	if fe.slots, err = dv.newSlotPool(fn.Name, fe.layout.EntrySize, plan.ConstSize); err != nil {
		fe.release()
		return nil, err
	}
	return fe, nil
}

// newPipelineLayout creates a pipeline layout with the sampler set,
// the given function sets, and the argument buffer sets of each
// function set in order.
func (dv *Device) newPipelineLayout(name string, sets ...*descLayout) (C.VkPipelineLayout, error) {
	layouts := []C.VkDescriptorSetLayout{dv.samplers.layout}
	for _, dl := range sets {
		layouts = append(layouts, dl.layout)
	}
	for _, dl := range sets {
		for _, ai := range dl.ArgBuffers {
			layouts = append(layouts, dl.argLayouts[ai].layout)
		}
	}
	var pl C.VkPipelineLayout
	ret := vk.CreatePipelineLayout(dv.vk(), &vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(layouts)),
		PSetLayouts:    vkSetLayouts(layouts),
	}, nil, (*vk.PipelineLayout)(unsafe.Pointer(&pl)))
	if err := checkVk(ret, "vkCreatePipelineLayout"); err != nil {
		return nil, err
	}
	dv.setObjectName(C.VK_OBJECT_TYPE_PIPELINE_LAYOUT, handleU64(unsafe.Pointer(pl)), name)
	return pl, nil
}

// packKey packs a work group size and SIMD width into a
// specialization key.
func packKey(block [3]uint32, simd uint32) uint64 {
	return uint64(block[0]&0xffff) | uint64(block[1]&0xffff)<<16 | uint64(block[2]&0xffff)<<32 | uint64(simd&0xffff)<<48
}

// specID returns the stable id of a specialization of function name
// under the pipeline cache of a device.
func specID(cache uuid.UUID, name string, key uint64) uuid.UUID {
	return uuid.NewSHA1(cache, binary.LittleEndian.AppendUint64([]byte(name), key))
}

// specName returns the debug name of a pipeline specialization.
func specName(cache uuid.UUID, name string, block [3]uint32, simd uint32) string {
	id := specID(cache, name, packKey(block, simd))
	return fmt.Sprintf("%s %dx%dx%d simd %d %s", name, block[0], block[1], block[2], simd, id)
}

// simdWidth returns the subgroup size to require: the function's own,
// or the device default. It returns 0 when the device cannot require
// subgroup sizes for compute.
func (fe *functionEntry) simdWidth() uint32 {
	lm := &fe.dv.Limits
	simd := fe.fn.SIMD
	if simd == 0 {
		simd = lm.SubgroupSize
	}
	if lm.RequiredSubgroupSizeStages&ShaderStageCompute == 0 || simd < lm.MinSubgroupSize || simd > lm.MaxSubgroupSize {
		return 0
	}
	return simd
}

// pipeline returns the compute pipeline specialized for block and
// simd, building it on first use.
func (fe *functionEntry) pipeline(block [3]uint32, simd uint32) (C.VkPipeline, error) {
	key := packKey(block, simd)
	fe.specMu.Lock()
	defer fe.specMu.Unlock()
	if p, ok := fe.specs[key]; ok {
		return p, nil
	}
	dv := fe.dv
	full := simd > 0 && block[0]%simd == 0
	stats := dv.pipeExec && dv.GPU.Options.LogBinary(fe.fn.Name)
	var p C.VkPipeline
	ret := C.vgCreateComputePipeline(dv.funcs, dv.device, fe.module, fe.entry, fe.pipeLayout,
		C.uint32_t(block[0]), C.uint32_t(block[1]), C.uint32_t(block[2]), C.uint32_t(simd), boolInt(full), boolInt(stats), &p)
	if err := check(ret, "vkCreateComputePipelines"); err != nil {
		return nil, err
	}
	name := specName(dv.Physical.CacheUUID, fe.fn.Name, block, simd)
	dv.setObjectName(C.VK_OBJECT_TYPE_PIPELINE, handleU64(unsafe.Pointer(p)), name)
	if stats {
		logPipelineStats(dv, p, name)
	}
	fe.specs[key] = p
	return p, nil
}

// logPipelineStats logs the executable statistics of a pipeline.
func logPipelineStats(dv *Device, p C.VkPipeline, name string) {
	stats := make([]C.vgExecStat, 64)
	n := int(C.vgPipelineStats(dv.funcs, dv.device, p, &stats[0], C.uint32_t(len(stats))))
	attrs := make([]any, 0, 2*n+2)
	attrs = append(attrs, "pipeline", name)
	for _, st := range stats[:n] {
		attrs = append(attrs, C.GoString(&st.name[0]), float64(st.value))
	}
	slog.Info("vgpu: pipeline statistics", attrs...)
}

// destroy removes the entry from its function and releases it.
func (fe *functionEntry) destroy() {
	fe.fn.mu.Lock()
	delete(fe.fn.entries, fe.dv)
	fe.fn.mu.Unlock()
	fe.release()
}

func (fe *functionEntry) release() {
	dv := fe.dv
	for _, p := range fe.specs {
		vk.DestroyPipeline(dv.vk(), vkPipeline(p), nil)
	}
	fe.specs = nil
	if fe.slots != nil {
		fe.slots.destroy()
		fe.slots = nil
	}
	if fe.pipeLayout != nil {
		vk.DestroyPipelineLayout(dv.vk(), vk.PipelineLayout(unsafe.Pointer(fe.pipeLayout)), nil)
		fe.pipeLayout = nil
	}
	if fe.module != nil {
		vk.DestroyShaderModule(dv.vk(), vk.ShaderModule(unsafe.Pointer(fe.module)), nil)
		fe.module = nil
	}
	if fe.entry != nil {
		C.free(unsafe.Pointer(fe.entry))
		fe.entry = nil
	}
	if fe.layout != nil {
		fe.layout.destroy()
		fe.layout = nil
	}
}

// descBinding accumulates the descriptor buffers and set offsets of
// one bind.
type descBinding struct {
	addrs   []C.VkDeviceAddress
	usages  []C.VkBufferUsageFlags
	indices []C.uint32_t
	offsets []C.VkDeviceSize
}

// addBuffer adds a descriptor buffer and returns its index.
func (db *descBinding) addBuffer(addr uint64) uint32 {
	db.addrs = append(db.addrs, C.VkDeviceAddress(addr))
	db.usages = append(db.usages, usageResourceDescriptors)
	return uint32(len(db.addrs) - 1)
}

// addSet adds the next descriptor set at off in buffer buf.
func (db *descBinding) addSet(buf uint32, off uint64) {
	db.indices = append(db.indices, C.uint32_t(buf))
	db.offsets = append(db.offsets, C.VkDeviceSize(off))
}

// addArgBuffers adds one buffer and set per argument buffer.
func (db *descBinding) addArgBuffers(abs []*ArgumentBuffer) {
	for _, ab := range abs {
		db.addSet(db.addBuffer(ab.buf.Address), 0)
	}
}

// record binds the embedded samplers and the descriptor buffers, with
// the sets starting at firstSet.
func (db *descBinding) record(cb *CmdBuffer, stages uint32, layout C.VkPipelineLayout, firstSet uint32) {
	f := cb.funcs()
	C.vgCmdBindEmbeddedSamplers2(f, cb.cb, C.VkShaderStageFlags(stages), layout, SamplerSet)
	if len(db.addrs) == 0 {
		return
	}
	if len(db.addrs) > MinDescriptorBufferBindings {
		slog.Error("vgpu: too many descriptor buffers", "cmd", cb.Name, "buffers", len(db.addrs), "max", MinDescriptorBufferBindings)
	}
	C.vgCmdBindDescriptorBuffers(f, cb.cb, &db.addrs[0], &db.usages[0], C.uint32_t(len(db.addrs)))
	C.vgCmdSetDescriptorBufferOffsets2(f, cb.cb, C.VkShaderStageFlags(stages), layout, C.uint32_t(firstSet),
		C.uint32_t(len(db.indices)), &db.indices[0], &db.offsets[0])
}
