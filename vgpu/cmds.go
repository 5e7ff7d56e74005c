// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// #include "vgpu.h"
import "C"

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// Command pool creation and buffer usage flags.
const (
	poolTransient = C.VK_COMMAND_POOL_CREATE_TRANSIENT_BIT
	poolReset     = C.VK_COMMAND_POOL_CREATE_RESET_COMMAND_BUFFER_BIT

	usageOneTime      = C.VK_COMMAND_BUFFER_USAGE_ONE_TIME_SUBMIT_BIT
	usagePassContinue = C.VK_COMMAND_BUFFER_USAGE_RENDER_PASS_CONTINUE_BIT
	usageSimultaneous = C.VK_COMMAND_BUFFER_USAGE_SIMULTANEOUS_USE_BIT
)

// cmdSlot is the completion record of one command buffer.
type cmdSlot struct {
	retained []any
	handlers []func()
}

// CmdPool is a Vulkan command pool with a fixed ring of command
// buffers and, for primary pools, the timeline semaphore its
// submissions signal.
type CmdPool struct {
	Name      string
	Secondary bool

	queue *Queue
	pool  C.VkCommandPool
	cbs   []C.VkCommandBuffer
	sema  C.VkSemaphore

	mu    sync.Mutex
	ring  cmdRing
	slots [CmdRingSize]cmdSlot
}

// newCmdPool creates a pool of n command buffers on the queue's family.
func newCmdPool(q *Queue, name string, secondary bool, flags C.VkCommandPoolCreateFlags, n int) (*CmdPool, error) {
	dv := q.Device
	cp := &CmdPool{Name: name, Secondary: secondary, queue: q}
	if err := checkVk(vk.CreateCommandPool(dv.vk(), &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(flags),
		QueueFamilyIndex: q.Family,
	}, nil, (*vk.CommandPool)(unsafe.Pointer(&cp.pool))), "vkCreateCommandPool"); err != nil {
		return nil, err
	}
	level := vk.CommandBufferLevelPrimary
	if secondary {
		level = vk.CommandBufferLevelSecondary
	}
	cp.cbs = make([]C.VkCommandBuffer, n)
	if err := checkVk(vk.AllocateCommandBuffers(dv.vk(), &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        cp.vk(),
		Level:              level,
		CommandBufferCount: uint32(n),
	}, vkCmds(cp.cbs)), "vkAllocateCommandBuffers"); err != nil {
		vk.DestroyCommandPool(dv.vk(), cp.vk(), nil)
		return nil, err
	}
	if !secondary {
		if err := check(C.vgCreateSemaphore(dv.funcs, dv.device, 1, 0, &cp.sema), "vkCreateSemaphore"); err != nil {
			vk.DestroyCommandPool(dv.vk(), cp.vk(), nil)
			return nil, err
		}
		dv.setObjectName(C.VK_OBJECT_TYPE_SEMAPHORE, handleU64(unsafe.Pointer(cp.sema)), name+" work")
	}
	dv.setObjectName(C.VK_OBJECT_TYPE_COMMAND_POOL, handleU64(unsafe.Pointer(cp.pool)), name)
	dv.pools.add(cp)
	return cp, nil
}

// acquire resets a free command buffer and marks it in use. The caller
// must hold the pool's set.
func (cp *CmdPool) acquire(name string) (*CmdBuffer, error) {
	cp.mu.Lock()
	idx, ok := cp.ring.acquire()
	cp.mu.Unlock()
	if !ok {
		return nil, ErrCmdBuffersExhausted
	}
	dv := cp.queue.Device
	cb := &CmdBuffer{Name: name, Secondary: cp.Secondary, pool: cp, index: idx, cb: cp.cbs[idx]}
	if err := checkVk(vk.ResetCommandBuffer(cb.vk(), vk.CommandBufferResetFlags(vk.CommandBufferResetReleaseResourcesBit)), "vkResetCommandBuffer"); err != nil {
		cp.release(idx)
		return nil, err
	}
	dv.setObjectName(C.VK_OBJECT_TYPE_COMMAND_BUFFER, handleU64(unsafe.Pointer(cb.cb)), name)
	return cb, nil
}

// complete runs the internal completion handlers of slot idx, then
// drops its retained objects and frees the slot.
func (cp *CmdPool) complete(idx int) {
	cp.mu.Lock()
	sl := &cp.slots[idx]
	handlers := sl.handlers
	sl.handlers = nil
	cp.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
	cp.mu.Lock()
	sl.retained = nil
	cp.ring.release(idx)
	cp.mu.Unlock()
}

func (cp *CmdPool) release(idx int) {
	cp.mu.Lock()
	cp.ring.release(idx)
	cp.mu.Unlock()
}

func (cp *CmdPool) full() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.ring.full()
}

// InUse returns the number of command buffers not yet completed.
func (cp *CmdPool) InUse() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.ring.used()
}

// SignalCount returns the number of submissions made from the pool.
func (cp *CmdPool) SignalCount() uint64 {
	return cp.ring.last()
}

// wait waits up to timeout for the last submitted value.
func (cp *CmdPool) wait(timeout time.Duration) {
	last := cp.ring.last()
	if cp.sema == nil || last == 0 {
		return
	}
	dv := cp.queue.Device
	ret := C.vgWaitSemaphore(dv.funcs, dv.device, cp.sema, C.uint64_t(last), C.uint64_t(timeout.Nanoseconds()))
	if Result(ret) == Timeout {
		slog.Warn("vgpu: command pool work did not finish", "pool", cp.Name, "value", last, "timeout", timeout)
		return
	}
	logResult(ret, "vkWaitSemaphores")
}

func (cp *CmdPool) destroy() {
	if cp.pool == nil {
		return
	}
	dv := cp.queue.Device
	vk.FreeCommandBuffers(dv.vk(), cp.vk(), uint32(len(cp.cbs)), vkCmds(cp.cbs))
	vk.DestroyCommandPool(dv.vk(), cp.vk(), nil)
	if cp.sema != nil {
		vk.DestroySemaphore(dv.vk(), vk.Semaphore(unsafe.Pointer(cp.sema)), nil)
		cp.sema = nil
	}
	cp.pool = nil
}

// poolRegistry tracks the live command pools of a device.
type poolRegistry struct {
	mu    sync.Mutex
	pools []*CmdPool
}

func (pr *poolRegistry) add(cp *CmdPool) {
	pr.mu.Lock()
	pr.pools = append(pr.pools, cp)
	pr.mu.Unlock()
}

func (pr *poolRegistry) waitAll(timeout time.Duration) {
	pr.mu.Lock()
	pools := pr.pools
	pr.mu.Unlock()
	for _, cp := range pools {
		cp.wait(timeout)
	}
}

func (pr *poolRegistry) destroyAll() {
	pr.mu.Lock()
	pools := pr.pools
	pr.pools = nil
	pr.mu.Unlock()
	for _, cp := range pools {
		cp.destroy()
	}
}

// poolSet is a primary and a secondary pool that one goroutine
// records with at a time.
type poolSet struct {
	primary   *CmdPool
	secondary *CmdPool
}

// CmdBuffer is a command buffer borrowed from a command pool until
// its submission completes.
type CmdBuffer struct {
	Name      string
	Secondary bool

	pool       *CmdPool
	set        *poolSet
	index      int
	cb         C.VkCommandBuffer
	labelDepth int
	recording  bool
	signal     uint64
}

func (cb *CmdBuffer) String() string {
	return fmt.Sprintf("%s [%s %d]", cb.Name, cb.pool.Name, cb.index)
}

// Device returns the device the buffer records for.
func (cb *CmdBuffer) Device() *Device { return cb.pool.queue.Device }

func (cb *CmdBuffer) funcs() *C.vgDeviceFuncs { return cb.pool.queue.Device.funcs }

// computeOnly returns true if the buffer's queue has no graphics stages.
func (cb *CmdBuffer) computeOnly() bool { return cb.pool.queue.ComputeOnly() }

// Retain keeps objects alive until the buffer's work completes.
func (cb *CmdBuffer) Retain(objs ...any) {
	cp := cb.pool
	cp.mu.Lock()
	cp.slots[cb.index].retained = append(cp.slots[cb.index].retained, objs...)
	cp.mu.Unlock()
}

// OnComplete adds an internal completion handler, run after the
// user completion handler of the submission.
func (cb *CmdBuffer) OnComplete(fn func()) {
	cp := cb.pool
	cp.mu.Lock()
	cp.slots[cb.index].handlers = append(cp.slots[cb.index].handlers, fn)
	cp.mu.Unlock()
}

// begin starts recording a primary command buffer.
func (cb *CmdBuffer) begin() error {
	if err := checkVk(vk.BeginCommandBuffer(cb.vk(), &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}), "vkBeginCommandBuffer"); err != nil {
		return err
	}
	cb.recording = true
	return nil
}

// beginSecondary starts recording a secondary command buffer,
// inside the given render pass when pass is non-nil.
func (cb *CmdBuffer) beginSecondary(flags C.VkCommandBufferUsageFlags, pass *RenderPass, viewport *[4]float32) error {
	var rp C.VkRenderPass
	if pass != nil {
		rp = pass.pass
		flags |= usagePassContinue
	}
	inherit := C.int(0)
	var vp C.VkViewport
	if viewport != nil {
		inherit = 1
		vp = C.VkViewport{x: C.float(viewport[0]), y: C.float(viewport[1]), width: C.float(viewport[2]), height: C.float(viewport[3]), maxDepth: 1}
	}
	if err := check(C.vgBeginSecondary(cb.funcs(), cb.cb, flags, rp, 0, inherit, &vp), "vkBeginCommandBuffer"); err != nil {
		return err
	}
	cb.recording = true
	return nil
}

// End finishes recording and returns the pool set for reuse.
func (cb *CmdBuffer) End() error {
	if !cb.recording {
		return nil
	}
	for cb.labelDepth > 0 {
		cb.EndLabel()
	}
	cb.recording = false
	err := checkVk(vk.EndCommandBuffer(cb.vk()), "vkEndCommandBuffer")
	if cb.set != nil {
		cb.pool.queue.returnSet(cb.set)
		cb.set = nil
	}
	return err
}

// Discard ends and frees a buffer that will not be submitted.
func (cb *CmdBuffer) Discard() {
	cb.End()
	cb.pool.complete(cb.index)
}

// ExecuteSecondary records the execution of an ended secondary buffer
// and releases the secondary when the primary completes.
func (cb *CmdBuffer) ExecuteSecondary(sec *CmdBuffer) error {
	if cb.Secondary || !sec.Secondary {
		return fmt.Errorf("vgpu: ExecuteSecondary needs a primary and a secondary buffer, got %v and %v", cb, sec)
	}
	if err := sec.End(); err != nil {
		return err
	}
	vk.CmdExecuteCommands(cb.vk(), 1, []vk.CommandBuffer{sec.vk()})
	cb.OnComplete(func() { sec.pool.complete(sec.index) })
	return nil
}

// MemoryBarrier records a global memory barrier.
func (cb *CmdBuffer) MemoryBarrier(srcStage Stage2, srcAccess Access2, dstStage Stage2, dstAccess Access2) {
	if cb.computeOnly() {
		srcStage, dstStage = srcStage.ComputeOnly(), dstStage.ComputeOnly()
	}
	C.vgCmdMemoryBarrier(cb.funcs(), cb.cb, C.VkPipelineStageFlags2(srcStage), C.VkAccessFlags2(srcAccess),
		C.VkPipelineStageFlags2(dstStage), C.VkAccessFlags2(dstAccess))
}

// FullBarrier records a barrier ordering all shader and memory reads
// and writes before it with those after it.
func (cb *CmdBuffer) FullBarrier() {
	acc := AccessShaderRead | AccessShaderWrite | AccessMemoryRead | AccessMemoryWrite
	cb.MemoryBarrier(StageAllCommands, acc, StageAllCommands, acc)
}
