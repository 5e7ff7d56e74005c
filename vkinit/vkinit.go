// Copyright (c) 2022, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build (linux && cgo) || (darwin && cgo) || (freebsd && cgo)

// Package vkinit locates the system Vulkan loader and hands its
// vkGetInstanceProcAddr entry point to the Go bindings.
package vkinit

// #cgo LDFLAGS: -ldl
// #include <stdlib.h>
// #include <dlfcn.h>
import "C"
import (
	"fmt"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
)

var (
	loadOnce sync.Once
	procAddr unsafe.Pointer
	loadErr  error
)

// LoadVulkan opens the Vulkan loader library, looks up
// vkGetInstanceProcAddr, and initializes the goki/vulkan bindings with it.
// It returns the entry point so that other loaders can resolve
// functions the bindings do not cover. It is safe to call more than once.
func LoadVulkan() (unsafe.Pointer, error) {
	loadOnce.Do(func() {
		procAddr, loadErr = load()
	})
	return procAddr, loadErr
}

func load() (unsafe.Pointer, error) {
	var handle unsafe.Pointer
	for _, nm := range DlNames {
		clibnm := C.CString(nm)
		handle = C.dlopen(clibnm, C.RTLD_NOW|C.RTLD_LOCAL)
		C.free(unsafe.Pointer(clibnm))
		if handle != nil {
			break
		}
	}
	if handle == nil {
		return nil, fmt.Errorf("vkinit: Vulkan library not found, tried: %v", DlNames)
	}
	cpAddr := C.CString("vkGetInstanceProcAddr")
	defer C.free(unsafe.Pointer(cpAddr))
	pAddr := C.dlsym(handle, cpAddr)
	if pAddr == nil {
		return nil, fmt.Errorf("vkinit: vkGetInstanceProcAddr not found in Vulkan library")
	}
	vk.SetGetInstanceProcAddr(pAddr)
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("vkinit: %w", err)
	}
	return pAddr, nil
}
