// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"unsafe"

	"golang.org/x/sync/semaphore"
)

// descriptorFlags are the memory flags of descriptor and constant buffers.
const descriptorFlags = MemRead | HostWrite | HostCoherent | ArgStorage | NoHeap

// slotMask is the free set of up to 32 slots.
type slotMask uint32

func fullMask(n int) slotMask {
	return slotMask(uint32(1)<<n - 1)
}

// take claims the lowest free slot.
func (sm *slotMask) take() (int, bool) {
	if *sm == 0 {
		return -1, false
	}
	i := bits.TrailingZeros32(uint32(*sm))
	*sm &^= 1 << i
	return i, true
}

func (sm *slotMask) put(i int) {
	*sm |= 1 << i
}

// slotPool holds the descriptor buffers of a function entry, and the
// constant buffers when its layout pools constants. Descriptor slot i
// is always paired with constant slot i.
type slotPool struct {
	Name string

	sem  *semaphore.Weighted
	mu   sync.Mutex
	free slotMask

	desc     []*Buffer
	descMem  [][]byte
	consts   []*Buffer
	constMem [][]byte
}

// slot is one claimed descriptor buffer and its constant buffer.
// Release returns it to the pool.
type slot struct {
	pool  *slotPool
	Index int

	Desc     *Buffer
	DescMem  []byte
	Const    *Buffer
	ConstMem []byte

	// transient slots own their buffers and are not in a pool.
	transient bool

	once sync.Once
}

// newSlotPool creates DescriptorSlots persistently mapped descriptor
// buffers of descSize bytes, and constant buffers of constSize bytes
// when constSize is non zero.
func (dv *Device) newSlotPool(name string, descSize, constSize uint64) (*slotPool, error) {
	sp := &slotPool{Name: name, sem: semaphore.NewWeighted(DescriptorSlots), free: fullMask(DescriptorSlots)}
	for i := range DescriptorSlots {
		if descSize > 0 {
			b, mem, err := dv.mappedBuffer(fmt.Sprintf("%s desc %d", name, i), descSize)
			if err != nil {
				sp.destroy()
				return nil, err
			}
			sp.desc = append(sp.desc, b)
			sp.descMem = append(sp.descMem, mem)
		}
		if constSize > 0 {
			b, mem, err := dv.mappedBuffer(fmt.Sprintf("%s const %d", name, i), constSize)
			if err != nil {
				sp.destroy()
				return nil, err
			}
			sp.consts = append(sp.consts, b)
			sp.constMem = append(sp.constMem, mem)
		}
	}
	return sp, nil
}

// mappedBuffer creates a host coherent buffer that stays mapped until
// it is destroyed.
func (dv *Device) mappedBuffer(name string, size uint64) (*Buffer, []byte, error) {
	b, err := dv.newBuffer(name, size, descriptorFlags, 0)
	if err != nil {
		return nil, nil, err
	}
	p, err := b.hostPointer()
	if err != nil {
		b.Destroy()
		return nil, nil, err
	}
	return b, unsafe.Slice((*byte)(p), size), nil
}

// acquire waits for a free slot.
func (sp *slotPool) acquire(ctx context.Context) (*slot, error) {
	if err := sp.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return sp.take()
}

// tryAcquire returns a free slot without waiting, or false when all
// slots are in use.
func (sp *slotPool) tryAcquire() (*slot, bool) {
	if !sp.sem.TryAcquire(1) {
		return nil, false
	}
	sl, err := sp.take()
	return sl, err == nil
}

// take claims the slot of an acquired semaphore unit.
func (sp *slotPool) take() (*slot, error) {
	sp.mu.Lock()
	i, ok := sp.free.take()
	sp.mu.Unlock()
	if !ok {
		sp.sem.Release(1)
		return nil, fmt.Errorf("vgpu: %s: no free descriptor slot", sp.Name)
	}
	sl := &slot{pool: sp, Index: i}
	if len(sp.desc) > 0 {
		sl.Desc, sl.DescMem = sp.desc[i], sp.descMem[i]
	}
	if len(sp.consts) > 0 {
		sl.Const, sl.ConstMem = sp.consts[i], sp.constMem[i]
	}
	return sl, nil
}

// Release returns the slot to its pool. It is safe to call more than once.
func (sl *slot) Release() {
	sl.once.Do(func() {
		if sl.transient {
			if sl.Desc != nil {
				sl.Desc.Destroy()
			}
			if sl.Const != nil {
				sl.Const.Destroy()
			}
			return
		}
		sp := sl.pool
		sp.mu.Lock()
		sp.free.put(sl.Index)
		sp.mu.Unlock()
		sp.sem.Release(1)
	})
}

func (sp *slotPool) destroy() {
	for _, b := range sp.desc {
		b.Destroy()
	}
	for _, b := range sp.consts {
		b.Destroy()
	}
	sp.desc, sp.descMem, sp.consts, sp.constMem = nil, nil, nil, nil
}

// memSlice is a range of a persistently mapped buffer.
type memSlice struct {
	buf *Buffer
	off uint64
	mem []byte
}

// addr returns the device address of the slice, 0 without a buffer.
func (ms memSlice) addr() uint64 {
	if ms.buf == nil {
		return 0
	}
	return ms.buf.Address + ms.off
}

func (sl *slot) descSlice() memSlice  { return memSlice{buf: sl.Desc, mem: sl.DescMem} }
func (sl *slot) constSlice() memSlice { return memSlice{buf: sl.Const, mem: sl.ConstMem} }
