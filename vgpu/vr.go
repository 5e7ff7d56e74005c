// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"fmt"
	"unsafe"
)

// VRContext is implemented by a VR runtime that drives this GPU. It is
// consulted while the instance and devices are created, and receives
// the images presented with [Device.PresentVR].
type VRContext interface {
	// InstanceExtensions are the instance extensions the runtime needs.
	InstanceExtensions() []string

	// DeviceExtensions are the device extensions the runtime needs on
	// pd. Extensions pd does not support are skipped.
	DeviceExtensions(pd *PhysicalDevice) []string

	// Present submits the composition layer images, which are in the
	// transfer source layout.
	Present(images []VRImage) error
}

// VRImage is the raw Vulkan state of an image handed to a VR runtime.
type VRImage struct {
	Handle uint64
	Format Formats
	Width  int
	Height int
	Layers int
	Layout ImageLayout

	// Family is the queue family that last used the image.
	Family uint32
}

// PresentVR moves images to the transfer source layout on the default
// queue and passes them to the VR context of the GPU.
func (dv *Device) PresentVR(images ...*Image) error {
	vr := dv.GPU.vr
	if vr == nil {
		return fmt.Errorf("vgpu: device %q has no VR context", dv.Name)
	}
	q := dv.DefaultQueue()
	err := q.CmdBlock("vr present", SubmitOptions{Blocking: true}, func(cb *CmdBuffer) error {
		for _, im := range images {
			cb.transitionTo(im, LayoutTransferSrc, StageAllTransfer, AccessTransferRead)
		}
		return nil
	})
	if err != nil {
		return err
	}
	vis := make([]VRImage, len(images))
	for i, im := range images {
		vis[i] = VRImage{Handle: handleU64(unsafe.Pointer(im.image)), Format: im.Format, Width: im.Width, Height: im.Height,
			Layers: im.Layers, Layout: im.Layout(), Family: q.Family}
	}
	return vr.Present(vis)
}
