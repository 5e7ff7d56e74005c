// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package vgpu

// #include "vgpu.h"
import "C"

import "golang.org/x/sys/unix"

const exportHandleType = C.VK_EXTERNAL_MEMORY_HANDLE_TYPE_OPAQUE_FD_BIT

// exportHandle returns an fd for the memory, owned by the buffer.
func exportHandle(dv *Device, mem C.VkDeviceMemory) (uintptr, error) {
	var fd C.int
	if err := check(C.vgGetMemoryFd(dv.funcs, dv.device, mem, &fd), "vkGetMemoryFdKHR"); err != nil {
		return 0, err
	}
	return uintptr(fd), nil
}

func dupHandle(h uintptr) (uintptr, error) {
	fd, err := unix.Dup(int(h))
	if err != nil {
		return 0, err
	}
	return uintptr(fd), nil
}

func closeHandle(h uintptr) {
	unix.Close(int(h))
}
