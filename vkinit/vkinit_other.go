// Copyright (c) 2022, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !windows && !((linux && cgo) || (darwin && cgo) || (freebsd && cgo))

package vkinit

import (
	"errors"
	"unsafe"
)

// LoadVulkan is not supported without cgo on this platform.
func LoadVulkan() (unsafe.Pointer, error) {
	return nil, errors.New("vkinit: dynamic Vulkan loading requires cgo on linux, darwin or freebsd")
}
