// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// #include "vgpu.h"
import "C"

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

const exportHandleType = C.VK_EXTERNAL_MEMORY_HANDLE_TYPE_OPAQUE_WIN32_BIT

// exportHandle returns a HANDLE for the memory, owned by the buffer.
func exportHandle(dv *Device, mem C.VkDeviceMemory) (uintptr, error) {
	var h unsafe.Pointer
	if err := check(C.vgGetMemoryWin32Handle(dv.funcs, dv.device, mem, &h), "vkGetMemoryWin32HandleKHR"); err != nil {
		return 0, err
	}
	return uintptr(h), nil
}

func dupHandle(h uintptr) (uintptr, error) {
	proc := windows.CurrentProcess()
	var dup windows.Handle
	err := windows.DuplicateHandle(proc, windows.Handle(h), proc, &dup, 0, false, windows.DUPLICATE_SAME_ACCESS)
	if err != nil {
		return 0, err
	}
	return uintptr(dup), nil
}

func closeHandle(h uintptr) {
	windows.CloseHandle(windows.Handle(h))
}
