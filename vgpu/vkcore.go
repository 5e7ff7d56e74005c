// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// #include "vgpu.h"
import "C"

import (
	"log/slog"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// Handles created through the C entry points are shared with the
// goki/vulkan bindings, which are loaded from the same instance.

func (dv *Device) vk() vk.Device { return vk.Device(unsafe.Pointer(dv.device)) }

func (cb *CmdBuffer) vk() vk.CommandBuffer { return vkCmd(cb.cb) }

func (cp *CmdPool) vk() vk.CommandPool { return vk.CommandPool(unsafe.Pointer(cp.pool)) }

func (q *Queue) vk() vk.Queue { return vk.Queue(unsafe.Pointer(q.queue)) }

func vkCmd(c C.VkCommandBuffer) vk.CommandBuffer { return vk.CommandBuffer(unsafe.Pointer(c)) }

func vkCmds(cs []C.VkCommandBuffer) []vk.CommandBuffer {
	if len(cs) == 0 {
		return nil
	}
	return unsafe.Slice((*vk.CommandBuffer)(unsafe.Pointer(&cs[0])), len(cs))
}

func vkBuffer(b C.VkBuffer) vk.Buffer { return vk.Buffer(unsafe.Pointer(b)) }

func vkMemory(m C.VkDeviceMemory) vk.DeviceMemory { return vk.DeviceMemory(unsafe.Pointer(m)) }

func vkImage(im C.VkImage) vk.Image { return vk.Image(unsafe.Pointer(im)) }

func vkView(v C.VkImageView) vk.ImageView { return vk.ImageView(unsafe.Pointer(v)) }

func vkPipeline(p C.VkPipeline) vk.Pipeline { return vk.Pipeline(unsafe.Pointer(p)) }

func vkViews(vs []C.VkImageView) []vk.ImageView {
	if len(vs) == 0 {
		return nil
	}
	return unsafe.Slice((*vk.ImageView)(unsafe.Pointer(&vs[0])), len(vs))
}

func vkSetLayouts(ls []C.VkDescriptorSetLayout) []vk.DescriptorSetLayout {
	if len(ls) == 0 {
		return nil
	}
	return unsafe.Slice((*vk.DescriptorSetLayout)(unsafe.Pointer(&ls[0])), len(ls))
}

// setViewport sets the viewport and scissor to x, y, width, height.
func (cb *CmdBuffer) setViewport(v [4]float32) {
	vk.CmdSetViewport(cb.vk(), 0, 1, []vk.Viewport{{X: v[0], Y: v[1], Width: v[2], Height: v[3], MaxDepth: 1}})
	vk.CmdSetScissor(cb.vk(), 0, 1, []vk.Rect2D{{
		Offset: vk.Offset2D{X: int32(v[0]), Y: int32(v[1])},
		Extent: vk.Extent2D{Width: uint32(v[2]), Height: uint32(v[3])},
	}})
}

// clearImage zeroes every layer and mip of im, which must be in the
// transfer destination layout.
func (cb *CmdBuffer) clearImage(im *Image) {
	rng := []vk.ImageSubresourceRange{{
		AspectMask: vk.ImageAspectFlags(im.aspect),
		LevelCount: uint32(im.Mips),
		LayerCount: uint32(im.Layers),
	}}
	if vk.ImageAspectFlagBits(im.aspect)&(vk.ImageAspectDepthBit|vk.ImageAspectStencilBit) != 0 {
		vk.CmdClearDepthStencilImage(cb.vk(), vkImage(im.image), vk.ImageLayoutTransferDstOptimal, &vk.ClearDepthStencilValue{}, 1, rng)
		return
	}
	var c vk.ClearColorValue
	vk.CmdClearColorImage(cb.vk(), vkImage(im.image), vk.ImageLayoutTransferDstOptimal, &c, 1, rng)
}

// logResultVk logs a failed goki/vulkan call, returning true on failure.
func logResultVk(ret vk.Result, call string) bool {
	r := Result(ret)
	if !r.IsError() {
		return false
	}
	slog.Error(newError(r, call, 2).Error())
	return true
}
