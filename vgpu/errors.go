// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// #include "vgpu.h"
import "C"

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"

	vk "github.com/goki/vulkan"

	"goki.dev/vgpu/v3/base/errors"
)

// Result is a VkResult code.
type Result int32

const (
	Success                  Result = C.VK_SUCCESS
	NotReady                 Result = C.VK_NOT_READY
	Timeout                  Result = C.VK_TIMEOUT
	Incomplete               Result = C.VK_INCOMPLETE
	ErrorOutOfHostMemory     Result = C.VK_ERROR_OUT_OF_HOST_MEMORY
	ErrorOutOfDeviceMemory   Result = C.VK_ERROR_OUT_OF_DEVICE_MEMORY
	ErrorInitializationFail  Result = C.VK_ERROR_INITIALIZATION_FAILED
	ErrorDeviceLost          Result = C.VK_ERROR_DEVICE_LOST
	ErrorMemoryMapFailed     Result = C.VK_ERROR_MEMORY_MAP_FAILED
	ErrorLayerNotPresent     Result = C.VK_ERROR_LAYER_NOT_PRESENT
	ErrorExtensionNotPresent Result = C.VK_ERROR_EXTENSION_NOT_PRESENT
	ErrorFeatureNotPresent   Result = C.VK_ERROR_FEATURE_NOT_PRESENT
	ErrorIncompatibleDriver  Result = C.VK_ERROR_INCOMPATIBLE_DRIVER
	ErrorTooManyObjects      Result = C.VK_ERROR_TOO_MANY_OBJECTS
	ErrorFormatNotSupported  Result = C.VK_ERROR_FORMAT_NOT_SUPPORTED
	ErrorFragmentedPool      Result = C.VK_ERROR_FRAGMENTED_POOL
	ErrorUnknown             Result = C.VK_ERROR_UNKNOWN
)

var resultNames = map[Result]string{
	Success:                  "VK_SUCCESS",
	NotReady:                 "VK_NOT_READY",
	Timeout:                  "VK_TIMEOUT",
	Incomplete:               "VK_INCOMPLETE",
	ErrorOutOfHostMemory:     "VK_ERROR_OUT_OF_HOST_MEMORY",
	ErrorOutOfDeviceMemory:   "VK_ERROR_OUT_OF_DEVICE_MEMORY",
	ErrorInitializationFail:  "VK_ERROR_INITIALIZATION_FAILED",
	ErrorDeviceLost:          "VK_ERROR_DEVICE_LOST",
	ErrorMemoryMapFailed:     "VK_ERROR_MEMORY_MAP_FAILED",
	ErrorLayerNotPresent:     "VK_ERROR_LAYER_NOT_PRESENT",
	ErrorExtensionNotPresent: "VK_ERROR_EXTENSION_NOT_PRESENT",
	ErrorFeatureNotPresent:   "VK_ERROR_FEATURE_NOT_PRESENT",
	ErrorIncompatibleDriver:  "VK_ERROR_INCOMPATIBLE_DRIVER",
	ErrorTooManyObjects:      "VK_ERROR_TOO_MANY_OBJECTS",
	ErrorFormatNotSupported:  "VK_ERROR_FORMAT_NOT_SUPPORTED",
	ErrorFragmentedPool:      "VK_ERROR_FRAGMENTED_POOL",
	ErrorUnknown:             "VK_ERROR_UNKNOWN",
}

func (r Result) String() string {
	if nm, ok := resultNames[r]; ok {
		return nm
	}
	return fmt.Sprintf("VkResult(%d)", int32(r))
}

// IsError returns true for negative result codes.
func (r Result) IsError() bool { return r < 0 }

var (
	// ErrDeviceLost is matched by any error from a call that
	// returned VK_ERROR_DEVICE_LOST.
	ErrDeviceLost = errors.New("vgpu: device lost")

	// ErrDestroyed is returned for operations on a destroyed device.
	ErrDestroyed = errors.New("vgpu: device destroyed")

	// ErrCmdBuffersExhausted is returned when all command buffers
	// of all command pools of a queue are in flight.
	ErrCmdBuffersExhausted = errors.New("vgpu: command buffers exhausted")

	// ErrBinaryFence is returned when a timeline operation is used
	// on a binary fence.
	ErrBinaryFence = errors.New("vgpu: timeline operation on binary fence")

	// ErrInvalidRegion is returned for image regions outside of the
	// image's layers and mips.
	ErrInvalidRegion = errors.New("vgpu: invalid image region")
)

// VkError is a failed Vulkan call.
type VkError struct {
	Result Result
	Call   string
	File   string
	Line   int
}

func (e *VkError) Error() string {
	return fmt.Sprintf("vulkan error: %s in %s (%s:%d)", e.Result, e.Call, e.File, e.Line)
}

// Is matches [ErrDeviceLost] for device lost results.
func (e *VkError) Is(target error) bool {
	return target == ErrDeviceLost && e.Result == ErrorDeviceLost
}

// NewError returns a [*VkError] for a non success result of the named
// call, recording the caller position, or nil on success.
func NewError(ret Result, call string) error {
	return newError(ret, call, 2)
}

func newError(ret Result, call string, skip int) error {
	if ret == Success {
		return nil
	}
	_, file, line, _ := runtime.Caller(skip)
	return &VkError{Result: ret, Call: call, File: filepath.Base(file), Line: line}
}

// check converts the result of a Vulkan call to an error, logging it
// when it is an error code. Non-error status codes return nil.
func check(ret C.VkResult, call string) error {
	r := Result(ret)
	if !r.IsError() {
		return nil
	}
	err := newError(r, call, 2)
	slog.Error(err.Error())
	return err
}

// checkVk is [check] for calls made through the goki/vulkan bindings.
func checkVk(ret vk.Result, call string) error {
	r := Result(ret)
	if !r.IsError() {
		return nil
	}
	err := newError(r, call, 2)
	slog.Error(err.Error())
	return err
}

// logResult logs a failed Vulkan call and returns true if it failed.
func logResult(ret C.VkResult, call string) bool {
	r := Result(ret)
	if !r.IsError() {
		return false
	}
	slog.Error(newError(r, call, 2).Error())
	return true
}

// IfPanic panics if err is non-nil, after calling finalizers.
func IfPanic(err error, finalizers ...func()) {
	if err != nil {
		for _, fn := range finalizers {
			fn()
		}
		panic(err)
	}
}

// panicDeviceLost panics when err is a device lost error, since no
// further work on the device can succeed.
func panicDeviceLost(err error) {
	if errors.Is(err, ErrDeviceLost) {
		IfPanic(errors.Wrap(err, "vgpu: fatal"), func() { slog.Error("vgpu: device lost", "err", err) })
	}
}
