// Copyright (c) 2022, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package vkinit

import (
	"fmt"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
	"golang.org/x/sys/windows"
)

// DlNames are the library names tried, in order, when opening the loader.
var DlNames = []string{"vulkan-1.dll"}

var (
	loadOnce sync.Once
	procAddr unsafe.Pointer
	loadErr  error
)

// LoadVulkan loads the Vulkan loader DLL, looks up
// vkGetInstanceProcAddr, and initializes the goki/vulkan bindings with it.
// It is safe to call more than once.
func LoadVulkan() (unsafe.Pointer, error) {
	loadOnce.Do(func() {
		procAddr, loadErr = load()
	})
	return procAddr, loadErr
}

func load() (unsafe.Pointer, error) {
	var dll *windows.DLL
	var err error
	for _, nm := range DlNames {
		dll, err = windows.LoadDLL(nm)
		if err == nil {
			break
		}
	}
	if dll == nil {
		return nil, fmt.Errorf("vkinit: Vulkan library not found, tried: %v: %w", DlNames, err)
	}
	proc, err := dll.FindProc("vkGetInstanceProcAddr")
	if err != nil {
		return nil, fmt.Errorf("vkinit: vkGetInstanceProcAddr not found in Vulkan library: %w", err)
	}
	pAddr := unsafe.Pointer(proc.Addr())
	vk.SetGetInstanceProcAddr(pAddr)
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("vkinit: %w", err)
	}
	return pAddr, nil
}
