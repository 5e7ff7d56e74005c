// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !release

package vgpu

// #include "vgpu.h"
import "C"

import "unsafe"

// setObjectName attaches a debug name to a Vulkan object.
func (dv *Device) setObjectName(typ C.VkObjectType, handle uint64, name string) {
	if !dv.labels || name == "" || handle == 0 {
		return
	}
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	C.vgSetObjectName(dv.GPU.ifuncs, dv.device, typ, C.uint64_t(handle), cs)
}

// BeginLabel opens a debug label scope on the command buffer.
func (cb *CmdBuffer) BeginLabel(name string) {
	cb.label(name, false)
}

// InsertLabel inserts a single debug label into the command buffer.
func (cb *CmdBuffer) InsertLabel(name string) {
	cb.label(name, true)
}

func (cb *CmdBuffer) label(name string, insert bool) {
	dv := cb.pool.queue.Device
	if !dv.labels {
		return
	}
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	ins := C.int(0)
	if insert {
		ins = 1
	}
	C.vgCmdLabel(dv.GPU.ifuncs, cb.cb, cs, ins)
	if !insert {
		cb.labelDepth++
	}
}

// EndLabel closes the innermost debug label scope.
func (cb *CmdBuffer) EndLabel() {
	dv := cb.pool.queue.Device
	if !dv.labels || cb.labelDepth == 0 {
		return
	}
	C.vgCmdEndLabel(dv.GPU.ifuncs, cb.cb)
	cb.labelDepth--
}
