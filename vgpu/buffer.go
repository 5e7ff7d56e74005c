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

	"goki.dev/vgpu/v3/vheap"
)

// Buffer usage bits beyond the core set every buffer carries.
const (
	usageResourceDescriptors = 0x00400000 // VK_BUFFER_USAGE_RESOURCE_DESCRIPTOR_BUFFER_BIT_EXT
	usageSamplerDescriptors  = 0x00200000 // VK_BUFFER_USAGE_SAMPLER_DESCRIPTOR_BUFFER_BIT_EXT

	bufferUsage = C.VK_BUFFER_USAGE_TRANSFER_SRC_BIT | C.VK_BUFFER_USAGE_TRANSFER_DST_BIT |
		C.VK_BUFFER_USAGE_STORAGE_BUFFER_BIT | C.VK_BUFFER_USAGE_UNIFORM_BUFFER_BIT |
		C.VK_BUFFER_USAGE_VERTEX_BUFFER_BIT | C.VK_BUFFER_USAGE_INDEX_BUFFER_BIT |
		C.VK_BUFFER_USAGE_INDIRECT_BUFFER_BIT | C.VK_BUFFER_USAGE_SHADER_DEVICE_ADDRESS_BIT
)

// mapping is one outstanding Map of a buffer.
type mapping struct {
	offset  uint64
	size    uint64
	flags   MemoryFlags
	ptr     unsafe.Pointer
	staging *Buffer
}

// Buffer is a device buffer with its memory, device address and
// storage buffer descriptor.
type Buffer struct {
	Device *Device
	Name   string

	// Size is the requested size in bytes.
	Size uint64

	// AllocSize is the size of the backing memory.
	AllocSize uint64

	Flags MemoryFlags

	// Address is the device address of the buffer.
	Address uint64

	// Descriptor is the storage buffer descriptor of the whole buffer.
	Descriptor []byte

	// OSHandle is the exported fd or HANDLE of a Shared buffer.
	OSHandle uintptr

	buf     C.VkBuffer
	mem     C.VkDeviceMemory
	memOff  uint64
	alloc   *vheap.Allocation
	memType uint32

	// hostVisible is set for buffers created for host access that
	// landed in host visible and coherent memory, which Map uses
	// directly. Everything else is staged.
	hostVisible bool

	mu       sync.Mutex
	mapPtr   unsafe.Pointer
	mapCount int
	mappings map[uintptr]*mapping
}

// NewBuffer creates a buffer, allocated on the heap or directly
// according to flags and the device options.
func (dv *Device) NewBuffer(name string, size uint64, flags MemoryFlags) (*Buffer, error) {
	return dv.newBuffer(name, size, flags, 0)
}

func (dv *Device) newBuffer(name string, size uint64, flags MemoryFlags, usage C.VkBufferUsageFlags) (*Buffer, error) {
	if dv.destroyed.Load() {
		return nil, ErrDestroyed
	}
	if size == 0 {
		return nil, fmt.Errorf("vgpu: buffer %q has zero size", name)
	}
	plan := planAlloc(flags, dv.Mem, dv.GPU.Options)
	if flags.HasFlag(ArgStorage) {
		usage |= usageResourceDescriptors
	}
	var export C.VkExternalMemoryHandleTypeFlags
	if flags.HasFlag(Shared) {
		export = exportHandleType
	}
	b := &Buffer{Device: dv, Name: name, Size: size, Flags: flags, mappings: map[uintptr]*mapping{}}
	if err := check(C.vgCreateBuffer(dv.funcs, dv.device, C.VkDeviceSize(size), bufferUsage|usage, export, &b.buf), "vkCreateBuffer"); err != nil {
		return nil, err
	}
	var req C.vgMemReq
	C.vgGetBufferMemReq(dv.funcs, dv.device, b.buf, &req)
	mt, err := dv.Mem.Select(uint32(req.typeBits), plan.Request)
	if err != nil {
		vk.DestroyBuffer(dv.vk(), vkBuffer(b.buf), nil)
		return nil, err
	}
	b.memType = mt
	props := dv.Mem.Types[mt].Flags
	if err := plan.checkMemory(props); err != nil {
		vk.DestroyBuffer(dv.vk(), vkBuffer(b.buf), nil)
		return nil, fmt.Errorf("%w: buffer %q", err, name)
	}
	hostVisible := props&MemPropHostVisible != 0
	b.hostVisible = plan.mapsDirect(props)
	b.AllocSize = uint64(req.size)

	if plan.Heap {
		a, err := dv.Heap.Alloc(vheap.Request{Size: uint64(req.size), Align: uint64(req.alignment), MemType: mt,
			HostVisible: hostVisible, Dedicated: req.requiresDedicated != 0})
		if err != nil {
			vk.DestroyBuffer(dv.vk(), vkBuffer(b.buf), nil)
			return nil, err
		}
		b.alloc = a
		b.mem = C.VkDeviceMemory(unsafe.Pointer(uintptr(a.Handle())))
		b.memOff = a.Offset
	} else {
		var dedicated C.VkBuffer
		if req.requiresDedicated != 0 || (export != 0 && req.prefersDedicated != 0) {
			dedicated = b.buf
		}
		ret := C.vgAllocateMemory(dv.funcs, dv.device, req.size, C.uint32_t(mt), 1, export, dedicated, nil,
			C.float(plan.Priority), boolInt(plan.HasPriority && dv.memPriority), &b.mem)
		if err := check(ret, "vkAllocateMemory"); err != nil {
			vk.DestroyBuffer(dv.vk(), vkBuffer(b.buf), nil)
			return nil, err
		}
	}
	if err := checkVk(vk.BindBufferMemory(dv.vk(), vkBuffer(b.buf), vkMemory(b.mem), vk.DeviceSize(b.memOff)), "vkBindBufferMemory"); err != nil {
		b.Destroy()
		return nil, err
	}
	b.Address = uint64(C.vgGetBufferDeviceAddress(dv.funcs, dv.device, b.buf))
	b.Descriptor = dv.bufferDescriptor(C.VK_DESCRIPTOR_TYPE_STORAGE_BUFFER, b.Address, size)
	if export != 0 {
		if b.OSHandle, err = exportHandle(dv, b.mem); err != nil {
			b.Destroy()
			return nil, err
		}
	}
	dv.setObjectName(C.VK_OBJECT_TYPE_BUFFER, handleU64(unsafe.Pointer(b.buf)), name)
	return b, nil
}

// bufferDescriptor returns the descriptor bytes of a buffer range.
func (dv *Device) bufferDescriptor(typ C.VkDescriptorType, addr, size uint64) []byte {
	n := dv.DescSizes.StorageBuffer
	if typ == C.VK_DESCRIPTOR_TYPE_UNIFORM_BUFFER {
		n = dv.DescSizes.UniformBuffer
	}
	desc := make([]byte, n)
	if n == 0 {
		return desc
	}
	C.vgGetBufferDescriptor(dv.funcs, dv.device, typ, C.VkDeviceAddress(addr), C.VkDeviceSize(size), C.size_t(n), unsafe.Pointer(&desc[0]))
	return desc
}

func (b *Buffer) String() string {
	return fmt.Sprintf("%s [%d bytes type %d]", b.Name, b.Size, b.memType)
}

// HostVisible returns true if the buffer maps without staging.
func (b *Buffer) HostVisible() bool { return b.hostVisible }

// DupOSHandle returns a duplicate of the exported OS handle, owned
// by the caller.
func (b *Buffer) DupOSHandle() (uintptr, error) {
	if !b.Flags.HasFlag(Shared) {
		return 0, fmt.Errorf("vgpu: buffer %q was not created Shared", b.Name)
	}
	return dupHandle(b.OSHandle)
}

// hostPointer returns the host address of the start of the buffer.
// Direct allocations are mapped on first use and reference counted.
func (b *Buffer) hostPointer() (unsafe.Pointer, error) {
	if b.alloc != nil {
		p := b.Device.blocks.mapped(b.alloc)
		if p == nil {
			return nil, fmt.Errorf("vgpu: heap block of %q is not mapped", b.Name)
		}
		return p, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mapCount == 0 {
		dv := b.Device
		if err := checkVk(vk.MapMemory(dv.vk(), vkMemory(b.mem), 0, vk.DeviceSize(vk.WholeSize), 0, &b.mapPtr), "vkMapMemory"); err != nil {
			return nil, err
		}
	}
	b.mapCount++
	return b.mapPtr, nil
}

func (b *Buffer) releasePointer() {
	if b.alloc != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mapCount == 0 {
		return
	}
	b.mapCount--
	if b.mapCount == 0 {
		dv := b.Device
		logResult(C.vgUnmapMemory2(dv.funcs, dv.device, b.mem), "vkUnmapMemory2")
		b.mapPtr = nil
	}
}

// hostOp are the submit options of the host convenience operations.
var hostOp = SubmitOptions{Blocking: true}

// Map returns a host view of size bytes at offset. Size 0 maps to the
// end of the buffer. Memory that is not host visible is staged: for
// HostRead the device data is copied into the staging buffer first,
// waiting for the copy when flags include Block.
func (b *Buffer) Map(offset, size uint64, flags MemoryFlags) ([]byte, error) {
	if size == 0 && offset < b.Size {
		size = b.Size - offset
	}
	if offset+size > b.Size || size == 0 {
		return nil, fmt.Errorf("vgpu: map [%d:%d] outside buffer %v", offset, offset+size, b)
	}
	m := &mapping{offset: offset, size: size, flags: flags}
	dv := b.Device
	if b.hostVisible {
		p, err := b.hostPointer()
		if err != nil {
			return nil, err
		}
		m.ptr = unsafe.Add(p, offset)
		if flags.HasFlag(HostRead) {
			err := dv.DefaultQueue().CmdBlock(b.Name+" host read", hostOp, func(cb *CmdBuffer) error {
				cb.MemoryBarrier(StageAllCommands, AccessMemoryWrite, StageHost, AccessHostRead)
				return nil
			})
			if err != nil {
				b.releasePointer()
				return nil, err
			}
		}
	} else {
		st, err := dv.newBuffer(b.Name+" staging", size, HostCoherent|HostReadWrite|NoHeap, 0)
		if err != nil {
			return nil, err
		}
		if !st.hostVisible {
			st.Destroy()
			return nil, fmt.Errorf("vgpu: no host coherent memory for staging %v", b)
		}
		if flags.HasFlag(HostRead) {
			opts := SubmitOptions{Blocking: flags.HasFlag(Block)}
			err := dv.DefaultQueue().CmdBlock(b.Name+" stage read", opts, func(cb *CmdBuffer) error {
				cb.CopyBuffer(b, st, offset, 0, size)
				cb.MemoryBarrier(StageAllTransfer, AccessTransferWrite, StageHost, AccessHostRead)
				return nil
			})
			if err != nil {
				st.Destroy()
				return nil, err
			}
		}
		p, err := st.hostPointer()
		if err != nil {
			st.Destroy()
			return nil, err
		}
		m.ptr = p
		m.staging = st
	}
	b.mu.Lock()
	b.mappings[uintptr(m.ptr)] = m
	b.mu.Unlock()
	return unsafe.Slice((*byte)(m.ptr), size), nil
}

// Unmap ends a mapping returned by Map. Staged writes are copied to
// the device, waiting for the copy when the mapping had Block.
func (b *Buffer) Unmap(data []byte) error {
	key := uintptr(unsafe.Pointer(unsafe.SliceData(data)))
	b.mu.Lock()
	m, ok := b.mappings[key]
	delete(b.mappings, key)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("vgpu: unmap of unknown mapping of %v", b)
	}
	dv := b.Device
	write := m.flags.HasFlag(HostWrite)
	if m.staging == nil {
		defer b.releasePointer()
		if !write {
			return nil
		}
		opts := SubmitOptions{Blocking: m.flags.HasFlag(Block)}
		return dv.DefaultQueue().CmdBlock(b.Name+" host write", opts, func(cb *CmdBuffer) error {
			cb.MemoryBarrier(StageHost, AccessHostWrite, StageAllCommands,
				AccessMemoryRead|AccessMemoryWrite|AccessShaderRead|AccessShaderWrite)
			return nil
		})
	}
	st := m.staging
	st.releasePointer()
	if !write {
		st.Destroy()
		return nil
	}
	opts := SubmitOptions{Blocking: m.flags.HasFlag(Block)}
	err := dv.DefaultQueue().CmdBlock(b.Name+" stage write", opts, func(cb *CmdBuffer) error {
		cb.CopyBuffer(st, b, 0, m.offset, m.size)
		cb.MemoryBarrier(StageAllTransfer, AccessTransferWrite, StageAllCommands, AccessMemoryRead|AccessShaderRead)
		cb.OnComplete(st.Destroy)
		return nil
	})
	if err != nil {
		st.Destroy()
	}
	return err
}

// Write copies data into the buffer at offset and waits for it.
func (b *Buffer) Write(offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	m, err := b.Map(offset, uint64(len(data)), HostWrite|Block)
	if err != nil {
		return err
	}
	copy(m, data)
	return b.Unmap(m)
}

// Read copies len(out) bytes at offset into out.
func (b *Buffer) Read(offset uint64, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	m, err := b.Map(offset, uint64(len(out)), HostRead|Block)
	if err != nil {
		return err
	}
	copy(out, m)
	return b.Unmap(m)
}

// broadcastPattern returns the 32 bit fill value repeating a 1, 2
// or 4 byte pattern.
func broadcastPattern(pattern []byte) (uint32, bool) {
	switch len(pattern) {
	case 1:
		return uint32(pattern[0]) * 0x01010101, true
	case 2:
		v := uint32(binary.LittleEndian.Uint16(pattern))
		return v | v<<16, true
	case 4:
		return binary.LittleEndian.Uint32(pattern), true
	}
	return 0, false
}

// tilePattern repeats pattern over size bytes.
func tilePattern(pattern []byte, size uint64) []byte {
	out := make([]byte, size)
	for i := uint64(0); i < size; i += uint64(len(pattern)) {
		copy(out[i:], pattern)
	}
	return out
}

// Fill repeats pattern over size bytes at offset.
func (b *Buffer) Fill(offset, size uint64, pattern []byte) error {
	if len(pattern) == 0 {
		return fmt.Errorf("vgpu: empty fill pattern for %v", b)
	}
	if offset+size > b.Size {
		return fmt.Errorf("vgpu: fill [%d:%d] outside buffer %v", offset, offset+size, b)
	}
	if v, ok := broadcastPattern(pattern); ok && offset%4 == 0 && size%4 == 0 {
		return b.Device.DefaultQueue().CmdBlock(b.Name+" fill", hostOp, func(cb *CmdBuffer) error {
			cb.FillBuffer(b, offset, size, v)
			return nil
		})
	}
	if b.hostVisible {
		m, err := b.Map(offset, size, HostWrite|Block)
		if err != nil {
			return err
		}
		for i := 0; i < len(m); i += len(pattern) {
			copy(m[i:], pattern)
		}
		return b.Unmap(m)
	}
	return b.Write(offset, tilePattern(pattern, size))
}

// Zero clears the whole buffer.
func (b *Buffer) Zero() error {
	return b.Device.DefaultQueue().CmdBlock(b.Name+" zero", hostOp, func(cb *CmdBuffer) error {
		cb.FillBuffer(b, 0, C.VK_WHOLE_SIZE, 0)
		return nil
	})
}

// CopyTo copies size bytes from b at srcOff to dst at dstOff.
func (b *Buffer) CopyTo(dst *Buffer, srcOff, dstOff, size uint64) error {
	if srcOff+size > b.Size || dstOff+size > dst.Size {
		return fmt.Errorf("vgpu: copy of %d bytes from %v to %v out of range", size, b, dst)
	}
	return b.Device.DefaultQueue().CmdBlock(b.Name+" copy", hostOp, func(cb *CmdBuffer) error {
		cb.CopyBuffer(b, dst, srcOff, dstOff, size)
		return nil
	})
}

// Destroy releases the buffer and its memory.
func (b *Buffer) Destroy() {
	if b.buf == nil {
		return
	}
	dv := b.Device
	b.mu.Lock()
	if n := len(b.mappings); n > 0 {
		slog.Warn("vgpu: destroying mapped buffer", "buffer", b.Name, "mappings", n)
	}
	if b.mapCount > 0 && b.alloc == nil {
		logResult(C.vgUnmapMemory2(dv.funcs, dv.device, b.mem), "vkUnmapMemory2")
		b.mapCount = 0
	}
	b.mu.Unlock()
	vk.DestroyBuffer(dv.vk(), vkBuffer(b.buf), nil)
	b.buf = nil
	if b.alloc != nil {
		dv.Heap.Free(b.alloc)
		b.alloc = nil
	} else if b.mem != nil {
		vk.FreeMemory(dv.vk(), vkMemory(b.mem), nil)
	}
	b.mem = nil
	if b.OSHandle != 0 {
		closeHandle(b.OSHandle)
		b.OSHandle = 0
	}
}

// FillBuffer records a fill of size bytes at offset with value.
func (cb *CmdBuffer) FillBuffer(b *Buffer, offset, size uint64, value uint32) {
	vk.CmdFillBuffer(cb.vk(), vkBuffer(b.buf), vk.DeviceSize(offset), vk.DeviceSize(size), value)
}

// CopyBuffer records a copy of size bytes between buffers.
func (cb *CmdBuffer) CopyBuffer(src, dst *Buffer, srcOff, dstOff, size uint64) {
	vk.CmdCopyBuffer(cb.vk(), vkBuffer(src.buf), vkBuffer(dst.buf), 1, []vk.BufferCopy{{
		SrcOffset: vk.DeviceSize(srcOff),
		DstOffset: vk.DeviceSize(dstOff),
		Size:      vk.DeviceSize(size),
	}})
}
