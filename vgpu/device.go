// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// #include "vgpu.h"
import "C"

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	vk "github.com/goki/vulkan"

	"goki.dev/vgpu/v3/vheap"
)

// DescriptorSizes are the byte sizes of the descriptors written into
// descriptor buffers.
type DescriptorSizes struct {
	SampledImage  uint64
	StorageImage  uint64
	UniformBuffer uint64
	StorageBuffer uint64
	Sampler       uint64

	// Alignment is the descriptor buffer offset alignment.
	Alignment uint64
}

// Device is a logical device with its queues, memory types and heap.
// Its configuration is immutable after [GPU.NewDevice] returns.
type Device struct {

	// GPU is the instance the device was created from.
	GPU *GPU

	// Physical is the physical device snapshot.
	Physical *PhysicalDevice

	// Name is the physical device name.
	Name string

	// Limits are the properties of the physical device.
	Limits Limits

	// Selection holds the enabled extensions and features.
	Selection *Selection

	// AllFamily is the universal queue family index.
	AllFamily uint32

	// ComputeFamily is the compute only queue family index, equal to
	// AllFamily when the device has none.
	ComputeFamily uint32

	// QueueCounts are the queue counts per family index.
	QueueCounts map[uint32]uint32

	// Mem holds the chosen memory types.
	Mem *MemoryTypes

	// DescSizes are the descriptor byte sizes.
	DescSizes DescriptorSizes

	// Heap is the block allocator of the heap allocation path.
	Heap *vheap.Heap

	// PrintfHandler receives the decoded soft printf output of a
	// kernel. It defaults to logging each line.
	PrintfHandler func(function string, lines []string)

	device C.VkDevice
	funcs  *C.vgDeviceFuncs
	core14 bool
	labels bool

	// nested is true if nested command buffers are enabled.
	nested bool

	// inheritViewport is true if secondaries inherit viewport and scissor.
	inheritViewport bool

	memPriority bool
	multiview   bool
	pipeExec    bool

	samplers   *samplerSet
	blocks     *blockSource
	pools      *poolRegistry
	completion *completionPool
	destroyed  atomic.Bool

	qmu       sync.Mutex
	queues    map[[2]uint32]*Queue
	nextQueue map[uint32]uint32
	defaultQ  *Queue
	computeQ  *Queue

	entriesMu sync.Mutex
	entries   []destroyer

	passMu     sync.Mutex
	renderPass map[string]*RenderPass
}

// destroyer is a device owned object released with the device.
type destroyer interface {
	destroy()
}

// NewDevice creates the logical device for a selected physical device.
func (gp *GPU) NewDevice(pd *PhysicalDevice) (*Device, error) {
	if pd.query == nil || pd.query.caps == nil {
		return nil, fmt.Errorf("vgpu: physical device %q was released", pd.Name)
	}
	sel := pd.Selection
	if sel == nil {
		var err error
		if sel, err = CheckDevice(pd, gp.Options); err != nil {
			return nil, err
		}
		pd.Selection = sel
	}
	all, compute, err := SelectQueueFamilies(pd.QueueFamilies)
	if err != nil {
		return nil, err
	}
	dv := &Device{
		GPU:           gp,
		Physical:      pd,
		Name:          pd.Name,
		Limits:        pd.Limits,
		Selection:     sel,
		AllFamily:     uint32(all),
		ComputeFamily: uint32(compute),
		QueueCounts:   map[uint32]uint32{},
		Mem:           NewMemoryTypes(pd.MemTypes, pd.MemHeaps),
		core14:        pd.Core14(),
		labels:        gp.Options.Labels(),
		nested:        sel.Nested,
		queues:        map[[2]uint32]*Queue{},
		nextQueue:     map[uint32]uint32{},
		renderPass:    map[string]*RenderPass{},
	}
	for _, qf := range pd.QueueFamilies {
		dv.QueueCounts[qf.Index] = qf.Count
	}
	dv.inheritViewport = slices.Contains(sel.Features, "inheritedViewportScissor2D")
	dv.memPriority = slices.Contains(sel.Features, "memoryPriority")
	dv.multiview = slices.Contains(sel.Features, "multiview")
	dv.pipeExec = slices.Contains(sel.Features, "pipelineExecutableInfo")
	lm := &dv.Limits
	dv.DescSizes = DescriptorSizes{
		SampledImage:  lm.SampledImageDescriptorSize,
		StorageImage:  lm.StorageImageDescriptorSize,
		UniformBuffer: lm.UniformBufferDescriptorSize,
		StorageBuffer: lm.StorageBufferDescriptorSize,
		Sampler:       lm.SamplerDescriptorSize,
		Alignment:     max(lm.DescriptorBufferOffsetAlignment, 1),
	}

	if err := dv.create(pd, sel); err != nil {
		return nil, err
	}
	dv.blocks = &blockSource{dv: dv, maps: map[uint64]unsafe.Pointer{}}
	dv.Heap = vheap.New(dv.blocks, vheap.PreferredBlockSize(dv.Mem.DeviceLocalSize()))
	dv.pools = &poolRegistry{}
	dv.completion = newCompletionPool(CompletionWorkers)
	dv.PrintfHandler = func(function string, lines []string) {
		for _, ln := range lines {
			slog.Info("vgpu: printf", "function", function, "out", ln)
		}
	}
	if dv.samplers, err = newSamplerSet(dv); err != nil {
		dv.Destroy()
		return nil, err
	}
	if dv.defaultQ, err = dv.queueAt(dv.AllFamily, AllQueue); err != nil {
		dv.Destroy()
		return nil, err
	}
	if dv.computeQ, err = dv.queueAt(dv.ComputeFamily, ComputeQueue); err != nil {
		dv.Destroy()
		return nil, err
	}
	gp.mu.Lock()
	gp.devices = append(gp.devices, dv)
	gp.mu.Unlock()
	slog.Info("vgpu: device created", "device", dv.Name, "api", pd.APIVersion, "all", dv.AllFamily, "compute", dv.ComputeFamily,
		"heapBlock", dv.Heap.BlockSize)
	return dv, nil
}

// create makes the Vulkan device and loads its entry points.
func (dv *Device) create(pd *PhysicalDevice, sel *Selection) error {
	gp := dv.GPU
	enable := (*C.vgDeviceCaps)(C.calloc(1, C.size_t(unsafe.Sizeof(C.vgDeviceCaps{}))))
	defer C.free(unsafe.Pointer(enable))
	cpd := C.VkPhysicalDevice(unsafe.Pointer(pd.Handle))
	C.vgQueryCaps(gp.ifuncs, cpd, &pd.query.ext, enable)
	C.vgClearFeatures(enable)
	fields := featureFields(enable)
	for _, f := range sel.Features {
		if p, ok := fields[f]; ok {
			*p = C.VK_TRUE
		}
	}

	reqs := []C.vgQueueRequest{{family: C.uint32_t(dv.AllFamily), count: C.uint32_t(dv.QueueCounts[dv.AllFamily])}}
	if dv.ComputeFamily != dv.AllFamily {
		reqs = append(reqs, C.vgQueueRequest{family: C.uint32_t(dv.ComputeFamily), count: C.uint32_t(dv.QueueCounts[dv.ComputeFamily])})
	}
	exts := slices.Clone(sel.Extensions)
	if gp.vr != nil {
		for _, e := range gp.vr.DeviceExtensions(pd) {
			if pd.HasExtension(e) && !slices.Contains(exts, e) {
				exts = append(exts, e)
			}
		}
	}
	cexts, free := cStrings(exts)
	defer free()
	diag := boolInt(gp.Options.DeviceDiagnostics && slices.Contains(sel.Features, "diagnosticsConfig"))
	ret := C.vgCreateDevice(gp.ifuncs, cpd, enable, &pd.query.ext, &reqs[0], C.uint32_t(len(reqs)),
		cexts, C.uint32_t(len(exts)), diag, &dv.device)
	if err := check(ret, "vkCreateDevice"); err != nil {
		return err
	}
	dv.funcs = (*C.vgDeviceFuncs)(C.calloc(1, C.size_t(unsafe.Sizeof(C.vgDeviceFuncs{}))))
	if C.vgLoadDevice(gp.ifuncs, dv.funcs, dv.device, boolInt(dv.core14)) == 0 {
		vk.DestroyDevice(dv.vk(), nil)
		C.free(unsafe.Pointer(dv.funcs))
		dv.funcs = nil
		return fmt.Errorf("vgpu: device %q lacks required entry points", pd.Name)
	}
	return nil
}

// queueAt returns the queue at the family's next index, creating
// the Queue on first use. The index wraps to 0 with a warning.
func (dv *Device) queueAt(family uint32, typ QueueTypes) (*Queue, error) {
	if dv.destroyed.Load() {
		return nil, ErrDestroyed
	}
	dv.qmu.Lock()
	defer dv.qmu.Unlock()
	idx := dv.nextQueue[family]
	if idx >= dv.QueueCounts[family] {
		slog.Warn("vgpu: queue family exhausted, reusing queues", "family", family, "count", dv.QueueCounts[family])
		idx = 0
	}
	dv.nextQueue[family] = idx + 1
	return dv.queueLocked(family, idx, typ), nil
}

func (dv *Device) queueLocked(family, idx uint32, typ QueueTypes) *Queue {
	key := [2]uint32{family, idx}
	if q, ok := dv.queues[key]; ok {
		return q
	}
	q := &Queue{Device: dv, Family: family, Index: idx, Type: typ}
	vk.GetDeviceQueue(dv.vk(), family, idx, (*vk.Queue)(unsafe.Pointer(&q.queue)))
	dv.setObjectName(C.VK_OBJECT_TYPE_QUEUE, handleU64(unsafe.Pointer(q.queue)), fmt.Sprintf("%s queue %d.%d", typ, family, idx))
	dv.queues[key] = q
	return q
}

// DefaultQueue returns the first universal queue.
func (dv *Device) DefaultQueue() *Queue { return dv.defaultQ }

// DefaultComputeQueue returns the first compute queue.
func (dv *Device) DefaultComputeQueue() *Queue { return dv.computeQ }

// NewQueue returns the next universal queue.
func (dv *Device) NewQueue() (*Queue, error) {
	return dv.queueAt(dv.AllFamily, AllQueue)
}

// NewComputeQueue returns the next compute only queue, or the next
// universal queue if the device has no compute only family.
func (dv *Device) NewComputeQueue() (*Queue, error) {
	return dv.queueAt(dv.ComputeFamily, ComputeQueue)
}

// NewDistinctQueues returns up to want queues with distinct Vulkan
// queues of the given type.
func (dv *Device) NewDistinctQueues(typ QueueTypes, want int) []*Queue {
	family := dv.AllFamily
	if typ == ComputeQueue {
		family = dv.ComputeFamily
	}
	n := min(want, int(dv.QueueCounts[family]))
	dv.qmu.Lock()
	defer dv.qmu.Unlock()
	qs := make([]*Queue, 0, n)
	for i := 0; i < n; i++ {
		qs = append(qs, dv.queueLocked(family, uint32(i), typ))
	}
	return qs
}

// Caps is a Go snapshot of the selected capabilities.
type Caps struct {
	Name           string
	APIVersion     string
	Limits         Limits
	Extensions     []string
	Features       []string
	Nested         bool
	AllFamily      uint32
	ComputeFamily  uint32
	QueueCounts    map[uint32]uint32 `toml:"-"`
	DeviceLocal    uint64
	PreferCoherent bool
	HeapBlockSize  uint64
}

// Caps returns the capability report of the device.
func (dv *Device) Caps() *Caps {
	return &Caps{
		Name:           dv.Name,
		APIVersion:     dv.Physical.APIVersion.String(),
		Limits:         dv.Limits,
		Extensions:     slices.Clone(dv.Selection.Extensions),
		Features:       slices.Clone(dv.Selection.Features),
		Nested:         dv.nested,
		AllFamily:      dv.AllFamily,
		ComputeFamily:  dv.ComputeFamily,
		QueueCounts:    dv.QueueCounts,
		DeviceLocal:    dv.Mem.DeviceLocalSize(),
		PreferCoherent: dv.Mem.PreferHostCoherent,
		HeapBlockSize:  dv.Heap.BlockSize,
	}
}

// own registers an object released by [Device.Destroy].
func (dv *Device) own(d destroyer) {
	dv.entriesMu.Lock()
	dv.entries = append(dv.entries, d)
	dv.entriesMu.Unlock()
}

// WaitIdle waits until the device has no pending work.
func (dv *Device) WaitIdle() error {
	return checkVk(vk.DeviceWaitIdle(dv.vk()), "vkDeviceWaitIdle")
}

// PoolWaitTimeout is how long Destroy waits for each command pool.
const PoolWaitTimeout = 5 * time.Second

// Destroy waits for outstanding work, up to [PoolWaitTimeout] per
// command pool, and releases everything the device owns.
func (dv *Device) Destroy() {
	if dv.device == nil || dv.destroyed.Swap(true) {
		return
	}
	if dv.pools != nil {
		dv.pools.waitAll(PoolWaitTimeout)
	}
	if dv.completion != nil {
		dv.completion.close()
	}
	if dv.funcs != nil {
		logResultVk(vk.DeviceWaitIdle(dv.vk()), "vkDeviceWaitIdle")
	}
	dv.entriesMu.Lock()
	entries := dv.entries
	dv.entries = nil
	dv.entriesMu.Unlock()
	for i := len(entries) - 1; i >= 0; i-- {
		entries[i].destroy()
	}
	dv.passMu.Lock()
	passes := dv.renderPass
	dv.renderPass = nil
	dv.passMu.Unlock()
	for _, rp := range passes {
		rp.destroy()
	}
	if dv.samplers != nil {
		dv.samplers.destroy()
	}
	if dv.pools != nil {
		dv.pools.destroyAll()
	}
	if dv.Heap != nil {
		dv.Heap.Destroy()
	}
	if dv.funcs != nil {
		vk.DestroyDevice(dv.vk(), nil)
		C.free(unsafe.Pointer(dv.funcs))
		dv.funcs = nil
	}
	dv.device = nil
	gp := dv.GPU
	gp.mu.Lock()
	gp.devices = slices.DeleteFunc(gp.devices, func(d *Device) bool { return d == dv })
	gp.mu.Unlock()
}

// blockSource allocates heap blocks as device memory. Host visible
// blocks stay mapped for their lifetime.
type blockSource struct {
	dv   *Device
	mu   sync.Mutex
	maps map[uint64]unsafe.Pointer
}

func (bs *blockSource) AllocBlock(memType uint32, size uint64, hostVisible bool) (uint64, error) {
	dv := bs.dv
	var mem C.VkDeviceMemory
	ret := C.vgAllocateMemory(dv.funcs, dv.device, C.VkDeviceSize(size), C.uint32_t(memType), 1, 0, nil, nil, 0, 0, &mem)
	if err := check(ret, "vkAllocateMemory"); err != nil {
		return 0, err
	}
	h := handleU64(unsafe.Pointer(mem))
	if hostVisible {
		var p unsafe.Pointer
		if err := checkVk(vk.MapMemory(dv.vk(), vkMemory(mem), 0, vk.DeviceSize(vk.WholeSize), 0, &p), "vkMapMemory"); err != nil {
			vk.FreeMemory(dv.vk(), vkMemory(mem), nil)
			return 0, err
		}
		bs.mu.Lock()
		bs.maps[h] = p
		bs.mu.Unlock()
	}
	return h, nil
}

func (bs *blockSource) FreeBlock(memType uint32, handle uint64) {
	dv := bs.dv
	mem := C.VkDeviceMemory(unsafe.Pointer(uintptr(handle)))
	bs.mu.Lock()
	if _, ok := bs.maps[handle]; ok {
		logResult(C.vgUnmapMemory2(dv.funcs, dv.device, mem), "vkUnmapMemory2")
		delete(bs.maps, handle)
	}
	bs.mu.Unlock()
	vk.FreeMemory(dv.vk(), vkMemory(mem), nil)
}

// mapped returns the host pointer of a heap allocation, or nil.
func (bs *blockSource) mapped(a *vheap.Allocation) unsafe.Pointer {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	p, ok := bs.maps[a.Handle()]
	if !ok {
		return nil
	}
	return unsafe.Add(p, a.Offset)
}

// handleU64 converts a Vulkan handle to the 64 bit object handle.
func handleU64(h unsafe.Pointer) uint64 {
	return uint64(uintptr(h))
}
