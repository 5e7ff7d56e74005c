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
	"sync/atomic"

	vk "github.com/goki/vulkan"

	"goki.dev/vgpu/v3/base/errors"
	"goki.dev/vgpu/v3/vheap"
)

// IndirectTypes are the command types of an indirect pipeline.
type IndirectTypes int32

const (
	IndirectCompute IndirectTypes = iota
	IndirectRender
)

func (it IndirectTypes) String() string {
	if it == IndirectRender {
		return "render"
	}
	return "compute"
}

// ErrIndirectPending is returned when an indirect pipeline is reset
// while executions of it are pending.
var ErrIndirectPending = errors.New("vgpu: indirect pipeline has pending executions")

// IndirectDesc describes an indirect pipeline.
type IndirectDesc struct {
	Type IndirectTypes

	// MaxCount is the maximum command count, at most
	// [MaxIndirectCommands].
	MaxCount int

	// Functions are all functions the commands may use. They size the
	// per command descriptor and constant memory of each stage.
	Functions []*Function

	// Pass is the render pass render commands are recorded in, and
	// Viewport the viewport they use as x, y, width, height.
	Pass     *RenderPass
	Viewport [4]float32
}

// indirectPool is the command pool of one queue family and its
// preallocated secondary buffers.
type indirectPool struct {
	pool *CmdPool
	cbs  []*CmdBuffer
}

// IndirectPipeline is a set of prerecorded secondary command buffers,
// one per command, executed in bulk from a primary buffer. Each command
// has its own slice of one large descriptor buffer.
type IndirectPipeline struct {
	Name string
	Desc IndirectDesc

	// MaxBuffers are the maximum buffer descriptor counts per stage:
	// compute, or vertex and fragment.
	MaxBuffers []uint32

	dv    *Device
	pools []*indirectPool

	// stage offsets and per command size of descriptor and constant memory.
	descOff   []uint64
	cmdSize   uint64
	constOff  []uint64
	constSize uint64

	desc     *Buffer
	descMem  []byte
	consts   *Buffer
	constMem []byte

	mu        sync.Mutex
	recording []bool
	retained  [][]any

	// images and argBufs are the images and argument buffers each
	// compute command uses. Their transitions are recorded in the
	// primary buffer the commands execute from.
	images  [][]heldImage
	argBufs [][]*ArgumentBuffer
	completed bool
	pending   atomic.Int32
}

// footprint returns the offsets of stages of the given sizes packed in
// one command, each aligned to align, and the aligned command size.
func footprint(sizes []uint64, align uint64) ([]uint64, uint64) {
	offs := make([]uint64, len(sizes))
	var n uint64
	for i, s := range sizes {
		offs[i] = n
		n += vheap.AlignUp(s, align)
	}
	return offs, n
}

// stageOf returns the stage index of a function kind in a pipeline of
// type it, or -1.
func (it IndirectTypes) stageOf(k FunctionKinds) int {
	switch {
	case it == IndirectCompute && k == KernelFunction:
		return 0
	case it == IndirectRender && k == VertexFunction:
		return 0
	case it == IndirectRender && k == FragmentFunction:
		return 1
	}
	return -1
}

// NewIndirectPipeline creates an indirect pipeline on dv. It is owned
// by the device and destroyed with it.
func (dv *Device) NewIndirectPipeline(name string, id IndirectDesc) (*IndirectPipeline, error) {
	if id.MaxCount <= 0 || id.MaxCount > MaxIndirectCommands {
		return nil, fmt.Errorf("vgpu: indirect pipeline %q: command count %d is not in 1..%d", name, id.MaxCount, MaxIndirectCommands)
	}
	if id.Type == IndirectRender && id.Pass == nil {
		return nil, fmt.Errorf("vgpu: indirect pipeline %q needs a render pass", name)
	}
	nstage := 1
	if id.Type == IndirectRender {
		nstage = 2
	}
	ip := &IndirectPipeline{Name: name, Desc: id, dv: dv, MaxBuffers: make([]uint32, nstage)}
	descSizes := make([]uint64, nstage)
	constSizes := make([]uint64, nstage)
	for _, fn := range id.Functions {
		st := id.Type.stageOf(fn.Kind)
		if st < 0 {
			return nil, fmt.Errorf("vgpu: indirect pipeline %q: %s function %q cannot be used in %v commands", name, fn.Kind, fn.Name, id.Type)
		}
		fe, err := fn.entry(dv)
		if err != nil {
			return nil, err
		}
		descSizes[st] = max(descSizes[st], fe.layout.Size)
		constSizes[st] = max(constSizes[st], fe.layout.ConstSize)
		ip.MaxBuffers[st] = max(ip.MaxBuffers[st], fe.layout.bufferCount())
	}
	ip.descOff, ip.cmdSize = footprint(descSizes, max(DescriptorAlign, dv.DescSizes.Alignment))
	ip.constOff, ip.constSize = footprint(constSizes, dv.Limits.MinStorageBufferOffsetAlignment)

	n := uint64(id.MaxCount)
	var err error
	if ip.cmdSize > 0 {
		if ip.desc, ip.descMem, err = dv.mappedBuffer(name+" desc", n*ip.cmdSize); err != nil {
			return nil, err
		}
	}
	if ip.constSize > 0 {
		if ip.consts, ip.constMem, err = dv.mappedBuffer(name+" const", n*ip.constSize); err != nil {
			ip.destroy()
			return nil, err
		}
	}
	queues := []*Queue{dv.DefaultQueue()}
	if id.Type == IndirectCompute && dv.ComputeFamily != dv.AllFamily {
		queues = append(queues, dv.DefaultComputeQueue())
	}
	for _, q := range queues {
		if err := ip.addPool(q); err != nil {
			ip.destroy()
			return nil, err
		}
	}
	ip.recording = make([]bool, id.MaxCount)
	ip.retained = make([][]any, id.MaxCount)
	ip.images = make([][]heldImage, id.MaxCount)
	ip.argBufs = make([][]*ArgumentBuffer, id.MaxCount)
	slog.Debug("vgpu: indirect pipeline", "name", name, "type", id.Type, "commands", id.MaxCount, "cmdSize", ip.cmdSize,
		"constSize", ip.constSize, "pools", len(ip.pools))
	dv.own(ip)
	return ip, nil
}

// addPool creates the secondary buffers of q's family.
func (ip *IndirectPipeline) addPool(q *Queue) error {
	cp, err := newCmdPool(q, fmt.Sprintf("%s %s", ip.Name, q), true, poolReset, ip.Desc.MaxCount)
	if err != nil {
		return err
	}
	p := &indirectPool{pool: cp, cbs: make([]*CmdBuffer, ip.Desc.MaxCount)}
	for i := range p.cbs {
		p.cbs[i] = &CmdBuffer{Name: fmt.Sprintf("%s %d", ip.Name, i), Secondary: true, pool: cp, index: i, cb: cp.cbs[i]}
	}
	ip.pools = append(ip.pools, p)
	return nil
}

// ValidateRange returns the part of [offset, offset+count) that lies
// within the pipeline's commands. An out of range request is logged in
// debug builds and yields an empty range.
func (ip *IndirectPipeline) ValidateRange(offset, count int) (int, int) {
	if offset < 0 || count < 0 || offset+count > ip.Desc.MaxCount {
		if debugBuild {
			slog.Error("vgpu: indirect command range out of bounds", "pipeline", ip.Name, "offset", offset, "count", count, "max", ip.Desc.MaxCount)
		}
		return 0, 0
	}
	return offset, count
}

// slices returns the descriptor and constant memory of command idx.
func (ip *IndirectPipeline) slices(idx int, stage int) (memSlice, memSlice) {
	var desc, consts memSlice
	if ip.desc != nil {
		off := uint64(idx)*ip.cmdSize + ip.descOff[stage]
		desc = memSlice{buf: ip.desc, off: off, mem: ip.descMem[off : uint64(idx+1)*ip.cmdSize]}
	}
	if ip.consts != nil {
		off := uint64(idx)*ip.constSize + ip.constOff[stage]
		consts = memSlice{buf: ip.consts, off: off, mem: ip.constMem[off : uint64(idx+1)*ip.constSize]}
	}
	return desc, consts
}

// checkIndex returns an error if command idx cannot be encoded.
func (ip *IndirectPipeline) checkIndex(idx int) error {
	if idx < 0 || idx >= ip.Desc.MaxCount {
		return fmt.Errorf("vgpu: indirect pipeline %q: command %d out of range", ip.Name, idx)
	}
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return ip.checkIndexLocked(idx)
}

func (ip *IndirectPipeline) checkIndexLocked(idx int) error {
	switch {
	case ip.completed:
		return fmt.Errorf("vgpu: indirect pipeline %q is complete, reset it first", ip.Name)
	case ip.recording[idx]:
		return fmt.Errorf("vgpu: indirect pipeline %q: command %d is already encoded", ip.Name, idx)
	}
	return nil
}

// begin starts command idx on every pool.
func (ip *IndirectPipeline) begin(idx int) error {
	if idx < 0 || idx >= ip.Desc.MaxCount {
		return fmt.Errorf("vgpu: indirect pipeline %q: command %d out of range", ip.Name, idx)
	}
	ip.mu.Lock()
	defer ip.mu.Unlock()
	if err := ip.checkIndexLocked(idx); err != nil {
		return err
	}
	var flags C.VkCommandBufferUsageFlags
	if ip.dv.nested {
		flags |= usageSimultaneous
	}
	var vp *[4]float32
	if ip.Desc.Type == IndirectRender && ip.dv.inheritViewport {
		vp = &ip.Desc.Viewport
	}
	for i, p := range ip.pools {
		cb := p.cbs[idx]
		if err := cb.beginSecondary(flags, ip.Desc.Pass, vp); err != nil {
			for _, bp := range ip.pools[:i] {
				errors.Log(ip.resetCmd(bp.cbs[idx]))
			}
			return err
		}
		if ip.Desc.Type == IndirectRender && !ip.dv.inheritViewport {
			cb.setViewport(ip.Desc.Viewport)
		}
	}
	ip.recording[idx] = true
	return nil
}

// AddComputeCommand encodes a dispatch of k over grid threads in work
// groups of block threads as command idx. Argument buffers passed in
// args are bound but may not nest.
func (ip *IndirectPipeline) AddComputeCommand(idx int, k *Kernel, grid, block [3]uint32, args []Arg) error {
	if ip.Desc.Type != IndirectCompute {
		return fmt.Errorf("vgpu: indirect pipeline %q has no compute commands", ip.Name)
	}
	if k.Flags.HasFlag(UsesSoftPrintf) {
		return fmt.Errorf("vgpu: indirect pipeline %q: kernel %q uses printf", ip.Name, k.Name)
	}
	dv := ip.dv
	fe, err := k.entry(dv)
	if err != nil {
		return err
	}
	if err := ip.fits(fe, 0); err != nil {
		return err
	}
	bd, err := blockDim(&k.FunctionInfo, block, &dv.Limits)
	if err != nil {
		return err
	}
	pipe, err := fe.pipeline(bd, fe.simdWidth())
	if err != nil {
		return err
	}
	if err := ip.checkIndex(idx); err != nil {
		return err
	}
	gd := gridDim(grid, bd)
	desc, consts := ip.slices(idx, 0)
	en := &argEncoder{name: k.Name, constDesc: dv.constDescriptor, ssboSize: dv.DescSizes.StorageBuffer}
	if err := k.encodeArgs(fe, en, args, desc, consts); err != nil {
		return err
	}
	if err := ip.begin(idx); err != nil {
		return err
	}
	for _, p := range ip.pools {
		cb := p.cbs[idx]
		vk.CmdBindPipeline(cb.vk(), vk.PipelineBindPointCompute, vkPipeline(pipe))
		k.recordDispatch(cb, fe, gd, desc, en.argBuffers)
	}
	ip.mu.Lock()
	ip.images[idx] = en.images
	ip.argBufs[idx] = en.argBuffers
	ip.mu.Unlock()
	ip.retain(idx, k, en.argBuffers)
	return nil
}

// AddRenderCommand encodes draw dc of gp as command idx. gp must use
// the pipeline's render pass, and the images it reads must be prepared
// before the pass is begun, see [CmdBuffer.PrepareImages].
func (ip *IndirectPipeline) AddRenderCommand(idx int, gp *GraphicsPipeline, dc DrawCall, args []Arg) error {
	if ip.Desc.Type != IndirectRender {
		return fmt.Errorf("vgpu: indirect pipeline %q has no render commands", ip.Name)
	}
	if gp.Desc.Pass != ip.Desc.Pass {
		return fmt.Errorf("vgpu: indirect pipeline %q: graphics pipeline %q uses another render pass", ip.Name, gp.Name)
	}
	if err := ip.fits(gp.vert, 0); err != nil {
		return err
	}
	if gp.frag != nil {
		if err := ip.fits(gp.frag, 1); err != nil {
			return err
		}
	}
	if err := ip.begin(idx); err != nil {
		return err
	}
	desc, consts := ip.slices(idx, 0)
	var abs []*ArgumentBuffer
	for _, p := range ip.pools {
		var err error
		if abs, err = gp.record(p.cbs[idx], dc, args, desc, consts, ip.descOff[1], ip.constOff[1]); err != nil {
			if rerr := ip.abort(idx); rerr != nil {
				slog.Error("vgpu: indirect command reset", "pipeline", ip.Name, "cmd", idx, "err", rerr)
			}
			return err
		}
	}
	ip.retain(idx, gp, abs)
	return nil
}

// fits checks that the layout of fe fits stage st of a command.
func (ip *IndirectPipeline) fits(fe *functionEntry, st int) error {
	var descRoom, constRoom uint64
	if st+1 < len(ip.descOff) {
		descRoom = ip.descOff[st+1] - ip.descOff[st]
		constRoom = ip.constOff[st+1] - ip.constOff[st]
	} else {
		descRoom = ip.cmdSize - ip.descOff[st]
		constRoom = ip.constSize - ip.constOff[st]
	}
	if fe.layout.Size > descRoom || fe.layout.ConstSize > constRoom {
		return fmt.Errorf("vgpu: indirect pipeline %q: function %q does not fit, include it in the pipeline functions", ip.Name, fe.fn.Name)
	}
	return nil
}

func (ip *IndirectPipeline) retain(idx int, objs ...any) {
	ip.mu.Lock()
	ip.retained[idx] = objs
	ip.mu.Unlock()
}

// AddBarrier records a full memory barrier at the end of command idx,
// ordering it before the commands after it.
func (ip *IndirectPipeline) AddBarrier(idx int) error {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	if idx < 0 || idx >= ip.Desc.MaxCount || !ip.recording[idx] || ip.completed {
		return fmt.Errorf("vgpu: indirect pipeline %q: command %d is not being encoded", ip.Name, idx)
	}
	for _, p := range ip.pools {
		p.cbs[idx].FullBarrier()
	}
	return nil
}

// Complete ends the encoding of all commands. It must be called before
// the pipeline is executed.
func (ip *IndirectPipeline) Complete() error {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	if ip.completed {
		return nil
	}
	for i, rec := range ip.recording {
		if !rec {
			continue
		}
		for _, p := range ip.pools {
			if err := p.cbs[i].End(); err != nil {
				return err
			}
		}
	}
	ip.completed = true
	return nil
}

// Reset clears all commands so they can be encoded again.
func (ip *IndirectPipeline) Reset() error {
	if ip.pending.Load() > 0 {
		return ErrIndirectPending
	}
	ip.mu.Lock()
	defer ip.mu.Unlock()
	for i, rec := range ip.recording {
		if !rec {
			continue
		}
		if err := ip.clearCmd(i); err != nil {
			return err
		}
	}
	ip.completed = false
	return nil
}

// abort drops command idx after a failed encoding, so it is neither
// ended by Complete nor executed.
func (ip *IndirectPipeline) abort(idx int) error {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return ip.clearCmd(idx)
}

// clearCmd resets the secondary buffers of command i and forgets it.
// ip.mu must be held.
func (ip *IndirectPipeline) clearCmd(i int) error {
	var err error
	for _, p := range ip.pools {
		if rerr := ip.resetCmd(p.cbs[i]); rerr != nil && err == nil {
			err = rerr
		}
	}
	ip.recording[i] = false
	ip.retained[i] = nil
	ip.images[i] = nil
	ip.argBufs[i] = nil
	return err
}

func (ip *IndirectPipeline) resetCmd(cb *CmdBuffer) error {
	cb.recording = false
	return checkVk(vk.ResetCommandBuffer(cb.vk(), 0), "vkResetCommandBuffer")
}

// RecordIndirect records the execution of commands [offset, offset+count)
// into primary cb. The image transitions of compute commands are
// recorded in cb ahead of the commands that need them. Render commands
// must be recorded inside a pass begun for secondary buffers.
func (ip *IndirectPipeline) RecordIndirect(cb *CmdBuffer, offset, count int) error {
	offset, count = ip.ValidateRange(offset, count)
	if count == 0 {
		return nil
	}
	var pool *indirectPool
	for _, p := range ip.pools {
		if p.pool.queue.Family == cb.pool.queue.Family {
			pool = p
		}
	}
	if pool == nil {
		return fmt.Errorf("vgpu: indirect pipeline %q has no commands for queue family %d", ip.Name, cb.pool.queue.Family)
	}
	ip.mu.Lock()
	if !ip.completed {
		ip.mu.Unlock()
		return fmt.Errorf("vgpu: indirect pipeline %q is not complete", ip.Name)
	}
	for i := offset; i < offset+count; i++ {
		if !ip.recording[i] {
			ip.mu.Unlock()
			return fmt.Errorf("vgpu: indirect pipeline %q: command %d was not encoded", ip.Name, i)
		}
	}
	retained := []any{ip}
	cbs := make([]vk.CommandBuffer, 0, count)
	flush := func() {
		if len(cbs) > 0 {
			vk.CmdExecuteCommands(cb.vk(), uint32(len(cbs)), cbs)
			cbs = cbs[:0]
		}
	}
	var bs barrierSet
	for i := offset; i < offset+count; i++ {
		if ip.Desc.Type == IndirectCompute {
			bs.useImages(ip.images[i], StageComputeShader)
			for _, ab := range ip.argBufs[i] {
				ab.transitions(&bs, StageComputeShader)
			}
			if !bs.empty() {
				flush()
				bs.logTransitions(cb.Name)
				bs.emit(cb)
			}
		}
		cbs = append(cbs, pool.cbs[i].vk())
		retained = append(retained, ip.retained[i]...)
	}
	ip.mu.Unlock()
	flush()
	cb.Retain(retained...)
	ip.pending.Add(1)
	cb.OnComplete(func() { ip.pending.Add(-1) })
	return nil
}

// ExecuteIndirect submits commands [offset, offset+count) on q. Render
// commands are executed inside a pass over fb, which is ignored for
// compute commands.
func (ip *IndirectPipeline) ExecuteIndirect(q *Queue, fb *Framebuffer, offset, count int, opts SubmitOptions) error {
	if ip.Desc.Type == IndirectRender && (fb == nil || fb.Pass != ip.Desc.Pass) {
		return fmt.Errorf("vgpu: indirect pipeline %q needs a framebuffer of its render pass", ip.Name)
	}
	cb, err := q.MakeCmd(ip.Name)
	if err != nil {
		return err
	}
	cb.BeginLabel(ip.Name)
	if fb != nil && ip.Desc.Type == IndirectRender {
		cb.BeginRenderPass(fb, true)
	}
	if err := ip.RecordIndirect(cb, offset, count); err != nil {
		cb.Discard()
		return err
	}
	if fb != nil && ip.Desc.Type == IndirectRender {
		cb.EndRenderPass()
	}
	cb.EndLabel()
	return q.Submit(cb, opts)
}

// Destroy releases the pipeline. It must not have pending executions.
func (ip *IndirectPipeline) Destroy() { ip.destroy() }

func (ip *IndirectPipeline) destroy() {
	for _, p := range ip.pools {
		p.pool.destroy()
	}
	ip.pools = nil
	if ip.desc != nil {
		ip.desc.Destroy()
		ip.desc, ip.descMem = nil, nil
	}
	if ip.consts != nil {
		ip.consts.Destroy()
		ip.consts, ip.constMem = nil, nil
	}
}
