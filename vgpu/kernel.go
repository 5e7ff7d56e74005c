// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// #include "vgpu.h"
import "C"

import (
	"context"
	"fmt"
	"log/slog"
	"unsafe"

	vk "github.com/goki/vulkan"

	"goki.dev/vgpu/v3/base/errors"
	"goki.dev/vgpu/v3/vprintf"
)

// ErrCooperative is returned for cooperative kernel launches, which
// this backend does not support.
var ErrCooperative = errors.New("vgpu: cooperative kernel launches are not supported")

// printfFlags are the memory flags of the soft printf buffer.
const printfFlags = MemRead | MemWrite | HostRead | HostWrite | HostCoherent | NoHeap

// Kernel is a compute function of a [Program].
type Kernel struct {
	*Function
}

// ExecOptions are the options of one kernel launch.
type ExecOptions struct {
	SubmitOptions

	// Cooperative requests a cooperative launch. It is rejected.
	Cooperative bool

	// PrintfSize is the printf buffer size, 0 for [vprintf.DefaultSize].
	PrintfSize uint64
}

// blockDim returns the work group size: the required local size of
// the function when it has one, otherwise block checked against the
// device limits.
func blockDim(fi *FunctionInfo, block [3]uint32, lm *Limits) ([3]uint32, error) {
	if fi.Flags.HasFlag(HasRequiredLocalSize) {
		return fi.LocalSize, nil
	}
	n := uint64(1)
	for i, b := range block {
		if b == 0 {
			return block, fmt.Errorf("vgpu: %s: block size %v has a zero dimension", fi.Name, block)
		}
		if b > lm.MaxComputeWorkGroupSize[i] {
			return block, fmt.Errorf("vgpu: %s: block size %v exceeds the device maximum %v", fi.Name, block, lm.MaxComputeWorkGroupSize)
		}
		n *= uint64(b)
	}
	if n > uint64(lm.MaxComputeWorkGroupInvocations) {
		return block, fmt.Errorf("vgpu: %s: block size %v has %d invocations, the device maximum is %d", fi.Name, block, n, lm.MaxComputeWorkGroupInvocations)
	}
	return block, nil
}

// gridDim returns the number of work groups covering grid threads,
// at least 1 per axis.
func gridDim(grid, block [3]uint32) [3]uint32 {
	var g [3]uint32
	for i := range g {
		g[i] = max((grid[i]+block[i]-1)/block[i], 1)
	}
	return g
}

// Execute dispatches the kernel on q over grid threads in work groups
// of block threads. args are the kernel arguments in order, without
// stage inputs.
func (k *Kernel) Execute(q *Queue, grid, block [3]uint32, args []Arg, opts ExecOptions) error {
	if opts.Cooperative {
		return ErrCooperative
	}
	dv := q.Device
	fe, err := k.entry(dv)
	if err != nil {
		return err
	}
	bd, err := blockDim(&k.FunctionInfo, block, &dv.Limits)
	if err != nil {
		return err
	}
	gd := gridDim(grid, bd)
	pipe, err := fe.pipeline(bd, fe.simdWidth())
	if err != nil {
		return err
	}

	cb, err := q.MakeCmd(k.Name)
	if err != nil {
		return err
	}
	cb.BeginLabel(k.Name)
	vk.CmdBindPipeline(cb.vk(), vk.PipelineBindPointCompute, vkPipeline(pipe))
	sl, err := fe.slots.acquire(context.Background())
	if err != nil {
		cb.Discard()
		return err
	}

	en := &argEncoder{name: k.Name, constDesc: dv.constDescriptor, ssboSize: dv.DescSizes.StorageBuffer}
	var pbuf []byte
	if k.Flags.HasFlag(UsesSoftPrintf) {
		size := opts.PrintfSize
		if size == 0 {
			size = vprintf.DefaultSize
		}
		if en.printf, pbuf, err = dv.printfBuffer(k.Name, size); err != nil {
			sl.Release()
			cb.Discard()
			return err
		}
	}
	cleanup := func() {
		sl.Release()
		if en.printf != nil {
			en.printf.Destroy()
		}
	}

	desc := sl.descSlice()
	if err := k.encodeArgs(fe, en, args, desc, sl.constSlice()); err != nil {
		cleanup()
		cb.Discard()
		return err
	}
	var bs barrierSet
	bs.useImages(en.images, StageComputeShader)
	for _, ab := range en.argBuffers {
		ab.transitions(&bs, StageComputeShader)
	}
	bs.logTransitions(cb.Name)
	bs.emit(cb)
	k.recordDispatch(cb, fe, gd, desc, en.argBuffers)
	cb.EndLabel()

	cb.Retain(k, en.argBuffers)
	cb.OnComplete(func() {
		if pbuf != nil {
			k.printfResult(dv, pbuf)
		}
		cleanup()
	})
	sub := opts.SubmitOptions
	if en.printf != nil {
		sub.Blocking = true
	}
	return q.Submit(cb, sub)
}

// encodeArgs encodes args into desc and consts. Image layouts are
// left to the caller.
func (k *Kernel) encodeArgs(fe *functionEntry, en *argEncoder, args []Arg, desc, consts memSlice) error {
	tgt := entryTarget{layout: fe.layout, desc: desc.mem, consts: consts.mem, constAddr: consts.addr()}
	return en.encode([]entryTarget{tgt}, args)
}

// recordDispatch records the descriptor binds of desc and abs and the
// dispatch of gd work groups. The pipeline of fe must already be bound.
func (k *Kernel) recordDispatch(cb *CmdBuffer, fe *functionEntry, gd [3]uint32, desc memSlice, abs []*ArgumentBuffer) {
	var db descBinding
	firstSet := uint32(FunctionSet)
	if desc.buf != nil {
		db.addSet(db.addBuffer(desc.buf.Address), desc.off)
	} else {
		firstSet++
	}
	db.addArgBuffers(abs)
	db.record(cb, ShaderStageCompute, fe.pipeLayout, firstSet)
	vk.CmdDispatch(cb.vk(), uint32(gd[0]), uint32(gd[1]), uint32(gd[2]))
}

// constDescriptor returns the storage buffer descriptor of a range
// of a constant buffer.
func (dv *Device) constDescriptor(addr, size uint64) []byte {
	return dv.bufferDescriptor(C.VK_DESCRIPTOR_TYPE_STORAGE_BUFFER, addr, size)
}

// printfBuffer creates and initializes a mapped soft printf buffer.
func (dv *Device) printfBuffer(name string, size uint64) (*Buffer, []byte, error) {
	b, err := dv.newBuffer(name+" printf", size, printfFlags, 0)
	if err != nil {
		return nil, nil, err
	}
	p, err := b.hostPointer()
	if err != nil {
		b.Destroy()
		return nil, nil, err
	}
	mem := unsafe.Slice((*byte)(p), size)
	vprintf.Init(mem)
	return b, mem, nil
}

// printfResult decodes the printf buffer and passes the lines to the
// device printf handler.
func (k *Kernel) printfResult(dv *Device, mem []byte) {
	lines, err := vprintf.Split(mem, k.Program.Printf)
	if err != nil {
		slog.Warn("vgpu: printf", "function", k.Name, "err", err)
	}
	if len(lines) > 0 && dv.PrintfHandler != nil {
		dv.PrintfHandler(k.Name, lines)
	}
}
