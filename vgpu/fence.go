// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// #include "vgpu.h"
import "C"

import (
	"math"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// fenceCounter is the value bookkeeping of a timeline fence.
type fenceCounter struct {
	LastValue   uint64
	SignalValue uint64
}

// advance records the current device value and returns the next
// value to signal.
func (fc *fenceCounter) advance(current uint64) uint64 {
	fc.LastValue = current
	fc.SignalValue = current + 1
	return fc.SignalValue
}

// Fence is a timeline semaphore, or a binary semaphore with a fixed
// signal value of 1. Fences order work between queues and devices.
type Fence struct {
	Device *Device
	Name   string
	Binary bool

	fenceCounter
	sema C.VkSemaphore

	// submitted is the largest value signaled by a submission, and
	// handled the largest one whose completion handlers have run.
	hmu       sync.Mutex
	hcond     sync.Cond
	submitted uint64
	handled   uint64
}

// NewFence creates a timeline fence, or a binary one.
func (dv *Device) NewFence(name string, binary bool) (*Fence, error) {
	if dv.destroyed.Load() {
		return nil, ErrDestroyed
	}
	fc := &Fence{Device: dv, Name: name, Binary: binary}
	fc.hcond.L = &fc.hmu
	if err := check(C.vgCreateSemaphore(dv.funcs, dv.device, boolInt(!binary), 0, &fc.sema), "vkCreateSemaphore"); err != nil {
		return nil, err
	}
	if binary {
		fc.SignalValue = 1
	}
	dv.setObjectName(C.VK_OBJECT_TYPE_SEMAPHORE, handleU64(unsafe.Pointer(fc.sema)), name)
	return fc, nil
}

// Value returns the current timeline value.
func (fc *Fence) Value() (uint64, error) {
	if fc.Binary {
		return 0, ErrBinaryFence
	}
	var v C.uint64_t
	dv := fc.Device
	if err := check(C.vgGetSemaphoreCounterValue(dv.funcs, dv.device, fc.sema, &v), "vkGetSemaphoreCounterValue"); err != nil {
		return 0, err
	}
	return uint64(v), nil
}

// NextSignalValue refreshes LastValue from the device and sets
// SignalValue to one past it.
func (fc *Fence) NextSignalValue() (uint64, error) {
	if fc.Binary {
		return 0, ErrBinaryFence
	}
	v, err := fc.Value()
	if err != nil {
		return 0, err
	}
	return fc.advance(v), nil
}

// Wait blocks until the timeline reaches value.
func (fc *Fence) Wait(value uint64) error {
	if fc.Binary {
		return ErrBinaryFence
	}
	dv := fc.Device
	return waitSemaphore(dv, fc.sema, value, dv.GPU.Options.SemaWaitPolling)
}

// Signal sets the timeline value from the host.
func (fc *Fence) Signal(value uint64) error {
	if fc.Binary {
		return ErrBinaryFence
	}
	dv := fc.Device
	if err := check(C.vgSignalSemaphore(dv.funcs, dv.device, fc.sema, C.uint64_t(value)), "vkSignalSemaphore"); err != nil {
		return err
	}
	fc.noteHandled(value)
	return nil
}

func (fc *Fence) noteSubmitted(value uint64) {
	fc.hmu.Lock()
	fc.submitted = max(fc.submitted, value)
	fc.hmu.Unlock()
}

func (fc *Fence) noteHandled(value uint64) {
	fc.hmu.Lock()
	fc.handled = max(fc.handled, value)
	fc.hmu.Unlock()
	fc.hcond.Broadcast()
}

// waitHandled blocks until the completion handlers of the submissions
// signaling up to value have run. Values no submission signals, such
// as host signals, do not block.
func (fc *Fence) waitHandled(value uint64) {
	fc.hmu.Lock()
	for fc.handled < min(value, fc.submitted) {
		fc.hcond.Wait()
	}
	fc.hmu.Unlock()
}

// Destroy destroys the semaphore.
func (fc *Fence) Destroy() {
	if fc.sema == nil {
		return
	}
	dv := fc.Device
	vk.DestroySemaphore(dv.vk(), vk.Semaphore(unsafe.Pointer(fc.sema)), nil)
	fc.sema = nil
}

// waitSemaphore waits for a timeline value, either in
// vkWaitSemaphores or by polling the counter.
func waitSemaphore(dv *Device, sema C.VkSemaphore, value uint64, polling bool) error {
	if polling {
		return pollSemaphore(dv, sema, value)
	}
	err := check(C.vgWaitSemaphore(dv.funcs, dv.device, sema, C.uint64_t(value), C.uint64_t(math.MaxUint64)), "vkWaitSemaphores")
	panicDeviceLost(err)
	return err
}
