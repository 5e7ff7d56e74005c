// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// #include "vgpu.h"
import "C"

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// LoadOps are the attachment load operations.
type LoadOps int32

const (
	LoadDontCare = LoadOps(vk.AttachmentLoadOpDontCare)
	LoadClear    = LoadOps(vk.AttachmentLoadOpClear)
	LoadKeep     = LoadOps(vk.AttachmentLoadOpLoad)
)

// StoreOps are the attachment store operations.
type StoreOps int32

const (
	StoreDontCare = StoreOps(vk.AttachmentStoreOpDontCare)
	StoreKeep     = StoreOps(vk.AttachmentStoreOpStore)
)

// multiViewMask is the view mask and correlated view mask of a
// multi view pass: two views, left and right.
const multiViewMask = 0b11

// attachmentUnused is VK_ATTACHMENT_UNUSED.
const attachmentUnused = ^uint32(0)

// ClearValue is the clear color of a color attachment, or the clear
// depth and stencil of a depth attachment.
type ClearValue struct {
	Color   [4]float32
	Depth   float32
	Stencil uint32
}

// AttachmentDesc describes one attachment of a render pass.
type AttachmentDesc struct {
	Format Formats

	// Samples is the sample count, 0 or 1 for single sampled.
	Samples int

	Load  LoadOps
	Store StoreOps

	// Resolve adds a single sampled resolve attachment after this
	// multisampled color attachment.
	Resolve bool

	Clear ClearValue
}

// RenderPassDesc is the high level description of a single subpass
// render pass.
type RenderPassDesc struct {
	Color []AttachmentDesc

	// Depth is the depth attachment, if any.
	Depth *AttachmentDesc

	// MultiView renders two views at once.
	MultiView bool
}

// Key returns a string that identifies equal descriptions.
func (rd *RenderPassDesc) Key() string {
	var b strings.Builder
	att := func(a *AttachmentDesc) {
		fmt.Fprintf(&b, "%d/%d/%d/%d/%v;", a.Format, max(a.Samples, 1), a.Load, a.Store, a.Resolve)
	}
	for i := range rd.Color {
		att(&rd.Color[i])
	}
	if rd.Depth != nil {
		b.WriteString("d:")
		att(rd.Depth)
	}
	if rd.MultiView {
		b.WriteString("mv")
	}
	return b.String()
}

// attachmentPlan is one Vulkan attachment of a pass.
type attachmentPlan struct {
	Format  Formats
	Samples int
	Load    LoadOps
	Store   StoreOps
	Layout  ImageLayout
	Depth   bool
	Clear   ClearValue
}

// passPlan is the attachment list and subpass references of a pass.
// Each color attachment is followed by its resolve attachment, and the
// depth attachment is last.
type passPlan struct {
	Attachments []attachmentPlan

	// Colors are the attachment indexes of the color attachments and
	// Resolves those of their resolve attachments, or attachmentUnused.
	Colors   []uint32
	Resolves []uint32

	// Depth is the depth attachment index, or attachmentUnused.
	Depth uint32

	ViewMask uint32
}

// planPass builds the attachment list of rd.
func planPass(rd *RenderPassDesc) (*passPlan, error) {
	pp := &passPlan{Depth: attachmentUnused}
	hasResolve := false
	for i := range rd.Color {
		c := &rd.Color[i]
		if c.Format.IsDepth() {
			return nil, fmt.Errorf("vgpu: color attachment %d has depth format %v", i, c.Format)
		}
		pp.Colors = append(pp.Colors, uint32(len(pp.Attachments)))
		pp.Attachments = append(pp.Attachments, attachmentPlan{Format: c.Format, Samples: max(c.Samples, 1), Load: c.Load, Store: c.Store,
			Layout: LayoutColorAttachment, Clear: c.Clear})
		if !c.Resolve {
			pp.Resolves = append(pp.Resolves, attachmentUnused)
			continue
		}
		if c.Samples <= 1 {
			return nil, fmt.Errorf("vgpu: color attachment %d resolves but is single sampled", i)
		}
		hasResolve = true
		pp.Resolves = append(pp.Resolves, uint32(len(pp.Attachments)))
		pp.Attachments = append(pp.Attachments, attachmentPlan{Format: c.Format, Samples: 1, Load: LoadDontCare, Store: StoreKeep,
			Layout: LayoutColorAttachment})
	}
	if !hasResolve {
		pp.Resolves = nil
	}
	if d := rd.Depth; d != nil {
		if !d.Format.IsDepth() {
			return nil, fmt.Errorf("vgpu: depth attachment has color format %v", d.Format)
		}
		pp.Depth = uint32(len(pp.Attachments))
		pp.Attachments = append(pp.Attachments, attachmentPlan{Format: d.Format, Samples: max(d.Samples, 1), Load: d.Load, Store: d.Store,
			Layout: LayoutDepthAttachment, Depth: true, Clear: d.Clear})
	}
	if rd.MultiView {
		pp.ViewMask = multiViewMask
	}
	return pp, nil
}

// clearBytes returns the VkClearValue union bytes of the attachment.
func (ap *attachmentPlan) clearBytes() [16]byte {
	var b [16]byte
	if ap.Depth {
		binary.LittleEndian.PutUint32(b[0:], math.Float32bits(ap.Clear.Depth))
		binary.LittleEndian.PutUint32(b[4:], ap.Clear.Stencil)
		return b
	}
	for i, c := range ap.Clear.Color {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(c))
	}
	return b
}

// RenderPass is a Vulkan render pass made from a [RenderPassDesc].
type RenderPass struct {
	Name string
	Desc RenderPassDesc

	dv     *Device
	plan   *passPlan
	clears []C.VkClearValue
	pass   C.VkRenderPass
}

// RenderPass returns the render pass of rd, creating it on first use.
// Passes are cached per device and released with it.
func (dv *Device) RenderPass(rd RenderPassDesc) (*RenderPass, error) {
	if rd.MultiView && !dv.multiview {
		return nil, fmt.Errorf("vgpu: device %q does not support multiview", dv.Name)
	}
	key := rd.Key()
	dv.passMu.Lock()
	defer dv.passMu.Unlock()
	if dv.renderPass == nil {
		return nil, ErrDestroyed
	}
	if rp, ok := dv.renderPass[key]; ok {
		return rp, nil
	}
	rp, err := dv.newRenderPass(key, rd)
	if err != nil {
		return nil, err
	}
	dv.renderPass[key] = rp
	return rp, nil
}

func (dv *Device) newRenderPass(name string, rd RenderPassDesc) (*RenderPass, error) {
	pp, err := planPass(&rd)
	if err != nil {
		return nil, err
	}
	rp := &RenderPass{Name: name, Desc: rd, dv: dv, plan: pp}
	atts := make([]C.VkAttachmentDescription2, len(pp.Attachments))
	rp.clears = make([]C.VkClearValue, len(pp.Attachments))
	for i, ap := range pp.Attachments {
		atts[i] = C.VkAttachmentDescription2{
			sType:          C.VK_STRUCTURE_TYPE_ATTACHMENT_DESCRIPTION_2,
			format:         C.VkFormat(ap.Format.VkFormat()),
			samples:        C.VkSampleCountFlagBits(ap.Samples),
			loadOp:         C.VkAttachmentLoadOp(ap.Load),
			storeOp:        C.VkAttachmentStoreOp(ap.Store),
			stencilLoadOp:  C.VK_ATTACHMENT_LOAD_OP_DONT_CARE,
			stencilStoreOp: C.VK_ATTACHMENT_STORE_OP_DONT_CARE,
			initialLayout:  C.VkImageLayout(ap.Layout),
			finalLayout:    C.VkImageLayout(ap.Layout),
		}
		cb := ap.clearBytes()
		rp.clears[i] = *(*C.VkClearValue)(unsafe.Pointer(&cb))
	}
	ref := func(idx uint32, layout ImageLayout, aspect C.VkImageAspectFlags) C.VkAttachmentReference2 {
		return C.VkAttachmentReference2{sType: C.VK_STRUCTURE_TYPE_ATTACHMENT_REFERENCE_2, attachment: C.uint32_t(idx),
			layout: C.VkImageLayout(layout), aspectMask: aspect}
	}
	colors := make([]C.VkAttachmentReference2, len(pp.Colors))
	for i, a := range pp.Colors {
		colors[i] = ref(a, LayoutColorAttachment, C.VK_IMAGE_ASPECT_COLOR_BIT)
	}
	var resolves []C.VkAttachmentReference2
	for _, a := range pp.Resolves {
		resolves = append(resolves, ref(a, LayoutColorAttachment, C.VK_IMAGE_ASPECT_COLOR_BIT))
	}
	var cp, rsp, dp *C.VkAttachmentReference2
	if len(colors) > 0 {
		cp = &colors[0]
	}
	if len(resolves) > 0 {
		rsp = &resolves[0]
	}
	var depth C.VkAttachmentReference2
	if pp.Depth != attachmentUnused {
		depth = ref(pp.Depth, LayoutDepthAttachment, C.VK_IMAGE_ASPECT_DEPTH_BIT)
		dp = &depth
	}
	var ap *C.VkAttachmentDescription2
	if len(atts) > 0 {
		ap = &atts[0]
	}
	ret := C.vgCreateRenderPass2(dv.funcs, dv.device, ap, C.uint32_t(len(atts)), cp, rsp, C.uint32_t(len(colors)), dp,
		C.uint32_t(pp.ViewMask), &rp.pass)
	if err := check(ret, "vkCreateRenderPass2"); err != nil {
		return nil, err
	}
	dv.setObjectName(C.VK_OBJECT_TYPE_RENDER_PASS, handleU64(unsafe.Pointer(rp.pass)), name)
	return rp, nil
}

// ClearValues returns the clear values of the attachments, in
// attachment order.
func (rp *RenderPass) ClearValues() []ClearValue {
	cvs := make([]ClearValue, len(rp.plan.Attachments))
	for i, ap := range rp.plan.Attachments {
		cvs[i] = ap.Clear
	}
	return cvs
}

// SetClearValue sets the clear value of attachment i. It must not
// be called while the pass is being begun on another goroutine.
func (rp *RenderPass) SetClearValue(i int, cv ClearValue) {
	ap := &rp.plan.Attachments[i]
	ap.Clear = cv
	cb := ap.clearBytes()
	rp.clears[i] = *(*C.VkClearValue)(unsafe.Pointer(&cb))
}

// Attachments returns the number of attachments, resolve attachments
// included.
func (rp *RenderPass) Attachments() int { return len(rp.plan.Attachments) }

func (rp *RenderPass) destroy() {
	if rp.pass == nil {
		return
	}
	vk.DestroyRenderPass(rp.dv.vk(), vk.RenderPass(unsafe.Pointer(rp.pass)), nil)
	rp.pass = nil
}
