// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// #include "vgpu.h"
import "C"

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// Framebuffer binds images to the attachments of a render pass.
type Framebuffer struct {
	Pass *RenderPass

	// Images are the attachment images in the pass attachment order.
	Images []*Image

	Width  int
	Height int

	fb C.VkFramebuffer
}

// NewFramebuffer creates a framebuffer of pass over images, one per
// attachment of the pass: each color image followed by its resolve
// image, then the depth image. All images must have the same size.
func (dv *Device) NewFramebuffer(pass *RenderPass, images ...*Image) (*Framebuffer, error) {
	if len(images) != pass.Attachments() {
		return nil, fmt.Errorf("vgpu: render pass %q has %d attachments, %d images given", pass.Name, pass.Attachments(), len(images))
	}
	fb := &Framebuffer{Pass: pass, Images: images}
	views := make([]C.VkImageView, len(images))
	for i, im := range images {
		ap := &pass.plan.Attachments[i]
		if im.Format.Storage() != ap.Format.Storage() || im.Samples != ap.Samples {
			return nil, fmt.Errorf("vgpu: image %q (%v x%d) does not match attachment %d (%v x%d)", im.Name, im.Format, im.Samples, i, ap.Format, ap.Samples)
		}
		if i == 0 {
			fb.Width, fb.Height = im.Width, im.Height
		} else if im.Width != fb.Width || im.Height != fb.Height {
			return nil, fmt.Errorf("vgpu: image %q is %dx%d, framebuffer is %dx%d", im.Name, im.Width, im.Height, fb.Width, fb.Height)
		}
		views[i] = im.view
	}
	ret := vk.CreateFramebuffer(dv.vk(), &vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      vk.RenderPass(unsafe.Pointer(pass.pass)),
		AttachmentCount: uint32(len(views)),
		PAttachments:    vkViews(views),
		Width:           uint32(fb.Width),
		Height:          uint32(fb.Height),
		Layers:          1,
	}, nil, (*vk.Framebuffer)(unsafe.Pointer(&fb.fb)))
	if err := checkVk(ret, "vkCreateFramebuffer"); err != nil {
		return nil, err
	}
	dv.setObjectName(C.VK_OBJECT_TYPE_FRAMEBUFFER, handleU64(unsafe.Pointer(fb.fb)), pass.Name)
	return fb, nil
}

// Destroy releases the framebuffer. The images are not destroyed.
func (fb *Framebuffer) Destroy() {
	if fb.fb == nil {
		return
	}
	dv := fb.Pass.dv
	vk.DestroyFramebuffer(dv.vk(), vk.Framebuffer(unsafe.Pointer(fb.fb)), nil)
	fb.fb = nil
}

// Viewport returns the full framebuffer viewport as x, y, width, height.
func (fb *Framebuffer) Viewport() [4]float32 {
	return [4]float32{0, 0, float32(fb.Width), float32(fb.Height)}
}

// BeginRenderPass moves the attachment images to their attachment
// layouts and begins the pass of fb. With secondary set the pass
// contents are recorded in secondary command buffers, otherwise the
// viewport and scissor are set to the whole framebuffer.
func (cb *CmdBuffer) BeginRenderPass(fb *Framebuffer, secondary bool) {
	for i, im := range fb.Images {
		if fb.Pass.plan.Attachments[i].Depth {
			cb.transitionTo(im, LayoutDepthAttachment, StageEarlyFragmentTests|StageLateFragmentTests,
				AccessDepthStencilAttachmentRead|AccessDepthStencilAttachmentWrite)
			continue
		}
		cb.transitionTo(im, LayoutColorAttachment, StageColorAttachmentOutput, AccessColorAttachmentRead|AccessColorAttachmentWrite)
	}
	rp := fb.Pass
	var cp *C.VkClearValue
	if len(rp.clears) > 0 {
		cp = &rp.clears[0]
	}
	C.vgCmdBeginRenderPass2(cb.funcs(), cb.cb, rp.pass, fb.fb, C.uint32_t(fb.Width), C.uint32_t(fb.Height), cp,
		C.uint32_t(len(rp.clears)), boolInt(secondary))
	if !secondary {
		cb.setViewport([4]float32{0, 0, float32(fb.Width), float32(fb.Height)})
	}
}

// EndRenderPass ends the current render pass.
func (cb *CmdBuffer) EndRenderPass() {
	C.vgCmdEndRenderPass2(cb.funcs(), cb.cb)
}
