// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// #include "vgpu.h"
import "C"

import (
	"fmt"
	"log/slog"
	"unsafe"

	vk "github.com/goki/vulkan"

	"goki.dev/vgpu/v3/base/errors"
	"goki.dev/vgpu/v3/vheap"
)

const imageCreateAlias = 0x400 // VK_IMAGE_CREATE_ALIAS_BIT

// ImageInfo describes the size, format and usage of an image.
type ImageInfo struct {
	Format Formats

	Width  int
	Height int

	// Depth is the depth of 3D images, 1 otherwise.
	Depth int

	// Layers is the array layer count, a multiple of 6 for cube maps.
	Layers int

	// Mips is the mip level count; 0 allocates the full chain when
	// the GenerateMips flag is set, and 1 otherwise.
	Mips int

	// Samples is the sample count of multisampled render targets.
	Samples int

	Flags MemoryFlags

	Cube bool
}

// MipLevels returns the length of the full mip chain of an extent.
func MipLevels(width, height, depth int) int {
	n := 1
	for m := max(width, height, depth); m > 1; m >>= 1 {
		n++
	}
	return n
}

// mipExtent returns the extent of v at mip level mip.
func mipExtent(v, mip int) int {
	return max(v>>mip, 1)
}

// normalize fills defaults and checks the description.
func (ii *ImageInfo) normalize() error {
	ii.Depth = max(ii.Depth, 1)
	ii.Layers = max(ii.Layers, 1)
	ii.Samples = max(ii.Samples, 1)
	if ii.Mips <= 0 {
		ii.Mips = 1
		if ii.Flags.HasFlag(GenerateMips) {
			ii.Mips = MipLevels(ii.Width, ii.Height, ii.Depth)
		}
	}
	switch {
	case ii.Format <= UndefinedFormat || ii.Format >= FormatsN:
		return fmt.Errorf("vgpu: invalid image format %d", ii.Format)
	case ii.Width <= 0 || ii.Height <= 0:
		return fmt.Errorf("vgpu: invalid image size %dx%d", ii.Width, ii.Height)
	case ii.Cube && ii.Layers%6 != 0:
		return fmt.Errorf("vgpu: cube image needs a multiple of 6 layers, has %d", ii.Layers)
	case ii.Depth > 1 && ii.Layers > 1:
		return fmt.Errorf("vgpu: 3D images have no layers")
	}
	return nil
}

// Image is a device image with its views and descriptors.
type Image struct {
	Device *Device
	Name   string
	ImageInfo

	// Descriptor is the sampled image descriptor in the read layout.
	Descriptor []byte

	// StorageDescriptors are the storage image descriptors per mip level.
	StorageDescriptors [][]byte

	// LayerImages are the per layer images of an Aliased array.
	LayerImages []*Image

	image    C.VkImage
	view     C.VkImageView
	mipViews []C.VkImageView
	aspect   C.VkImageAspectFlags
	mem      C.VkDeviceMemory
	alloc    *vheap.Allocation
	state    imageState
	external bool
}

// NewImage creates an image. Images are always device local; host
// access goes through staging buffers.
func (dv *Device) NewImage(name string, info ImageInfo) (*Image, error) {
	if dv.destroyed.Load() {
		return nil, ErrDestroyed
	}
	if err := info.normalize(); err != nil {
		return nil, err
	}
	im := &Image{Device: dv, Name: name, ImageInfo: info}
	im.aspect = im.aspectMask()
	var flags C.VkImageCreateFlags
	if info.Cube {
		flags |= C.VK_IMAGE_CREATE_CUBE_COMPATIBLE_BIT
	}
	if info.Flags.HasFlag(Aliased) {
		flags |= imageCreateAlias
	}
	if err := im.create(info.Layers, flags, 0); err != nil {
		return nil, err
	}
	var req C.vgMemReq
	C.vgGetImageMemReq(dv.funcs, dv.device, im.image, &req)
	size := uint64(req.size)
	var layerSize uint64
	if info.Flags.HasFlag(Aliased) && info.Layers > 1 {
		layer := &Image{Device: dv, ImageInfo: info}
		layer.Layers = 1
		layer.aspect = im.aspect
		if err := layer.create(1, imageCreateAlias, 0); err != nil {
			im.Destroy()
			return nil, err
		}
		var lreq C.vgMemReq
		C.vgGetImageMemReq(dv.funcs, dv.device, layer.image, &lreq)
		vk.DestroyImage(dv.vk(), vkImage(layer.image), nil)
		layerSize = vheap.AlignUp(uint64(lreq.size), uint64(lreq.alignment))
		size = max(size, layerSize*uint64(info.Layers))
	}
	if err := im.allocate(size, uint64(req.alignment), uint32(req.typeBits), req.requiresDedicated != 0 || req.prefersDedicated != 0); err != nil {
		im.Destroy()
		return nil, err
	}
	if err := checkVk(vk.BindImageMemory(dv.vk(), vkImage(im.image), vkMemory(im.mem), vk.DeviceSize(im.memOffset())), "vkBindImageMemory"); err != nil {
		im.Destroy()
		return nil, err
	}
	if err := im.makeViews(); err != nil {
		im.Destroy()
		return nil, err
	}
	if layerSize > 0 {
		if err := im.makeLayerImages(layerSize); err != nil {
			im.Destroy()
			return nil, err
		}
	}
	dv.setObjectName(C.VK_OBJECT_TYPE_IMAGE, handleU64(unsafe.Pointer(im.image)), name)
	return im, nil
}

// ExternalImageInfo describes an image owned elsewhere, such as a
// swapchain image.
type ExternalImageInfo struct {
	ImageInfo

	// Handle is the VkImage.
	Handle unsafe.Pointer

	// Layout is the current layout of the image.
	Layout ImageLayout
}

// WrapImage wraps an external image with views and descriptors.
// Destroying the result leaves the image itself alone.
func (dv *Device) WrapImage(name string, ext ExternalImageInfo) (*Image, error) {
	info := ext.ImageInfo
	if err := info.normalize(); err != nil {
		return nil, err
	}
	im := &Image{Device: dv, Name: name, ImageInfo: info, external: true}
	im.image = C.VkImage(ext.Handle)
	im.aspect = im.aspectMask()
	im.state.Layout = ext.Layout
	if err := im.makeViews(); err != nil {
		im.Destroy()
		return nil, err
	}
	return im, nil
}

func (im *Image) String() string {
	return fmt.Sprintf("%s [%s %dx%dx%d layers %d mips %d]", im.Name, im.Format, im.Width, im.Height, im.Depth, im.Layers, im.Mips)
}

// Layout returns the current tracked layout.
func (im *Image) Layout() ImageLayout { return im.state.Layout }

// Access returns the current tracked access mask.
func (im *Image) Access() Access2 { return im.state.Access }

func (im *Image) aspectMask() C.VkImageAspectFlags {
	switch im.Format {
	case Depth24Sten8:
		return C.VK_IMAGE_ASPECT_DEPTH_BIT | C.VK_IMAGE_ASPECT_STENCIL_BIT
	case Depth16, Depth32:
		return C.VK_IMAGE_ASPECT_DEPTH_BIT
	}
	return C.VK_IMAGE_ASPECT_COLOR_BIT
}

// viewAspect is the aspect of sampled views, which excludes stencil.
func (im *Image) viewAspect() C.VkImageAspectFlags {
	if im.Format.IsDepth() {
		return C.VK_IMAGE_ASPECT_DEPTH_BIT
	}
	return C.VK_IMAGE_ASPECT_COLOR_BIT
}

func (im *Image) kind() imageKind {
	st := im.storable()
	return imageKind{Depth: im.Format.IsDepth(), RenderTarget: im.Flags.HasFlag(RenderTarget), Storage: st, AllowGeneral: st}
}

// storable returns true if the image gets storage usage and views.
func (im *Image) storable() bool {
	return im.Flags.HasFlag(MemWrite) && !im.Format.IsDepth() && im.Format != RGBA8Srgb
}

func (im *Image) usage() C.VkImageUsageFlags {
	u := C.VkImageUsageFlags(C.VK_IMAGE_USAGE_TRANSFER_SRC_BIT | C.VK_IMAGE_USAGE_TRANSFER_DST_BIT | C.VK_IMAGE_USAGE_SAMPLED_BIT)
	if im.storable() {
		u |= C.VK_IMAGE_USAGE_STORAGE_BIT
	}
	if im.Flags.HasFlag(RenderTarget) {
		if im.Format.IsDepth() {
			u |= C.VK_IMAGE_USAGE_DEPTH_STENCIL_ATTACHMENT_BIT
		} else {
			u |= C.VK_IMAGE_USAGE_COLOR_ATTACHMENT_BIT
		}
	}
	return u
}

func (im *Image) create(layers int, flags C.VkImageCreateFlags, export C.VkExternalMemoryHandleTypeFlags) error {
	dv := im.Device
	typ := C.VkImageType(C.VK_IMAGE_TYPE_2D)
	if im.Depth > 1 {
		typ = C.VK_IMAGE_TYPE_3D
	}
	ret := C.vgCreateImage(dv.funcs, dv.device, typ, C.VkFormat(im.Format.VkFormat()), C.uint32_t(im.Width), C.uint32_t(im.Height),
		C.uint32_t(im.Depth), C.uint32_t(im.Mips), C.uint32_t(layers), C.VkSampleCountFlagBits(im.Samples), im.usage(), flags, export, &im.image)
	return check(ret, "vkCreateImage")
}

func (im *Image) memOffset() uint64 {
	if im.alloc != nil {
		return im.alloc.Offset
	}
	return 0
}

// allocate binds device local memory through the heap or directly.
func (im *Image) allocate(size, align uint64, typeBits uint32, dedicated bool) error {
	dv := im.Device
	plan := planAlloc(im.Flags&^(HostRead|HostWrite|HostCoherent), dv.Mem, dv.GPU.Options)
	mt, err := dv.Mem.Select(typeBits, plan.Request)
	if err != nil {
		return err
	}
	if plan.Heap && !im.Flags.HasFlag(Aliased) {
		a, err := dv.Heap.Alloc(vheap.Request{Size: size, Align: align, MemType: mt, Dedicated: dedicated})
		if err != nil {
			return err
		}
		im.alloc = a
		im.mem = C.VkDeviceMemory(unsafe.Pointer(uintptr(a.Handle())))
		return nil
	}
	var ded C.VkImage
	if dedicated && !im.Flags.HasFlag(Aliased) {
		ded = im.image
	}
	ret := C.vgAllocateMemory(dv.funcs, dv.device, C.VkDeviceSize(size), C.uint32_t(mt), 0, 0, nil, ded,
		C.float(plan.Priority), boolInt(plan.HasPriority && dv.memPriority), &im.mem)
	return check(ret, "vkAllocateMemory")
}

func (im *Image) viewType(layers int) C.VkImageViewType {
	switch {
	case im.Depth > 1:
		return C.VK_IMAGE_VIEW_TYPE_3D
	case im.Cube && layers > 6:
		return C.VK_IMAGE_VIEW_TYPE_CUBE_ARRAY
	case im.Cube:
		return C.VK_IMAGE_VIEW_TYPE_CUBE
	case layers > 1:
		return C.VK_IMAGE_VIEW_TYPE_2D_ARRAY
	}
	return C.VK_IMAGE_VIEW_TYPE_2D
}

func (im *Image) newView(baseMip, mips int, aspect C.VkImageAspectFlags, storage bool) (C.VkImageView, error) {
	dv := im.Device
	vt := im.viewType(im.Layers)
	if storage && im.Cube {
		vt = C.VK_IMAGE_VIEW_TYPE_2D_ARRAY
	}
	var view C.VkImageView
	ret := vk.CreateImageView(dv.vk(), &vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    vkImage(im.image),
		ViewType: vk.ImageViewType(vt),
		Format:   im.Format.VkFormat(),
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:   vk.ImageAspectFlags(aspect),
			BaseMipLevel: uint32(baseMip),
			LevelCount:   uint32(mips),
			LayerCount:   uint32(im.Layers),
		},
	}, nil, (*vk.ImageView)(unsafe.Pointer(&view)))
	return view, checkVk(ret, "vkCreateImageView")
}

// makeViews creates the primary view, the per mip storage views and
// the descriptors.
func (im *Image) makeViews() error {
	dv := im.Device
	var err error
	if im.view, err = im.newView(0, im.Mips, im.viewAspect(), false); err != nil {
		return err
	}
	im.Descriptor = make([]byte, dv.DescSizes.SampledImage)
	if len(im.Descriptor) > 0 {
		C.vgGetImageDescriptor(dv.funcs, dv.device, C.VK_DESCRIPTOR_TYPE_SAMPLED_IMAGE, im.view,
			C.VkImageLayout(im.kind().readLayout()), C.size_t(len(im.Descriptor)), unsafe.Pointer(&im.Descriptor[0]))
	}
	if !im.storable() && !im.Flags.HasFlag(GenerateMips) {
		return nil
	}
	im.mipViews = make([]C.VkImageView, im.Mips)
	for mip := range im.Mips {
		if im.mipViews[mip], err = im.newView(mip, 1, im.viewAspect(), true); err != nil {
			return err
		}
		if !im.storable() {
			continue
		}
		desc := make([]byte, dv.DescSizes.StorageImage)
		if len(desc) > 0 {
			C.vgGetImageDescriptor(dv.funcs, dv.device, C.VK_DESCRIPTOR_TYPE_STORAGE_IMAGE, im.mipViews[mip],
				C.VK_IMAGE_LAYOUT_GENERAL, C.size_t(len(desc)), unsafe.Pointer(&desc[0]))
		}
		im.StorageDescriptors = append(im.StorageDescriptors, desc)
	}
	return nil
}

// makeLayerImages creates the per layer images of an Aliased array,
// layer i bound at i times the aligned single layer size.
func (im *Image) makeLayerImages(layerSize uint64) error {
	dv := im.Device
	for i := range im.Layers {
		li := &Image{Device: dv, Name: fmt.Sprintf("%s layer %d", im.Name, i), ImageInfo: im.ImageInfo, external: true}
		li.Layers = 1
		li.Cube = false
		li.aspect = im.aspect
		if err := li.create(1, imageCreateAlias, 0); err != nil {
			return err
		}
		off := im.memOffset() + uint64(i)*layerSize
		if err := checkVk(vk.BindImageMemory(dv.vk(), vkImage(li.image), vkMemory(im.mem), vk.DeviceSize(off)), "vkBindImageMemory"); err != nil {
			vk.DestroyImage(dv.vk(), vkImage(li.image), nil)
			return err
		}
		if err := li.makeViews(); err != nil {
			vk.DestroyImage(dv.vk(), vkImage(li.image), nil)
			return err
		}
		li.external = false
		li.mem = nil
		im.LayerImages = append(im.LayerImages, li)
	}
	return nil
}

// Destroy releases the views, the image and its memory.
func (im *Image) Destroy() {
	dv := im.Device
	for _, li := range im.LayerImages {
		li.Destroy()
	}
	im.LayerImages = nil
	for _, v := range im.mipViews {
		if v != nil {
			vk.DestroyImageView(dv.vk(), vkView(v), nil)
		}
	}
	im.mipViews = nil
	if im.view != nil {
		vk.DestroyImageView(dv.vk(), vkView(im.view), nil)
		im.view = nil
	}
	if im.external {
		im.image = nil
		return
	}
	if im.image != nil {
		vk.DestroyImage(dv.vk(), vkImage(im.image), nil)
		im.image = nil
	}
	if im.alloc != nil {
		dv.Heap.Free(im.alloc)
		im.alloc = nil
	} else if im.mem != nil {
		vk.FreeMemory(dv.vk(), vkMemory(im.mem), nil)
	}
	im.mem = nil
}

// imageBarrier returns the Vulkan barrier of t over mips [baseMip, baseMip+mips).
func (im *Image) imageBarrier(t Transition, baseMip, mips int) C.VkImageMemoryBarrier2 {
	return C.VkImageMemoryBarrier2{
		sType:               C.VK_STRUCTURE_TYPE_IMAGE_MEMORY_BARRIER_2,
		srcStageMask:        C.VkPipelineStageFlags2(t.SrcStage),
		srcAccessMask:       C.VkAccessFlags2(t.SrcAccess),
		dstStageMask:        C.VkPipelineStageFlags2(t.DstStage),
		dstAccessMask:       C.VkAccessFlags2(t.DstAccess),
		oldLayout:           C.VkImageLayout(t.OldLayout),
		newLayout:           C.VkImageLayout(t.NewLayout),
		srcQueueFamilyIndex: C.VK_QUEUE_FAMILY_IGNORED,
		dstQueueFamilyIndex: C.VK_QUEUE_FAMILY_IGNORED,
		image:               im.image,
		subresourceRange: C.VkImageSubresourceRange{
			aspectMask:   im.aspect,
			baseMipLevel: C.uint32_t(baseMip),
			levelCount:   C.uint32_t(mips),
			layerCount:   C.uint32_t(im.Layers),
		},
	}
}

// TransitionRead moves the image to its read layout for stage,
// returning the soft transition for the caller's dependency group.
func (im *Image) TransitionRead(stage Stage2) (Transition, bool) {
	t, ok := planRead(im.state, im.kind(), stage)
	if ok {
		im.state = t.apply()
	}
	return t, ok
}

// TransitionWrite moves the image to its write layout for stage,
// returning the soft transition for the caller's dependency group.
func (im *Image) TransitionWrite(stage Stage2, readWrite bool) (Transition, bool) {
	t, ok := planWrite(im.state, im.kind(), stage, readWrite)
	if ok {
		im.state = t.apply()
	}
	return t, ok
}

// transitionTo moves the image to layout now, recorded in cb.
func (cb *CmdBuffer) transitionTo(im *Image, layout ImageLayout, stage Stage2, access Access2) {
	t, ok := planTransition(im.state, layout, stage, access)
	if !ok {
		return
	}
	im.state = t.apply()
	var bs barrierSet
	bs.addImage(im, t)
	bs.emit(cb)
}

// restore returns the image to the layout it had, or to its read
// layout when that was undefined.
func (cb *CmdBuffer) restore(im *Image, prev imageState) {
	if prev.Layout == LayoutUndefined || prev.Layout == LayoutTransferDst || prev.Layout == LayoutTransferSrc {
		t, ok := planRead(im.state, im.kind(), StageAllCommands)
		if ok {
			im.state = t.apply()
			var bs barrierSet
			bs.addImage(im, t)
			bs.emit(cb)
		}
		return
	}
	cb.transitionTo(im, prev.Layout, StageAllCommands, AccessMemoryRead|AccessMemoryWrite)
}

// barrierSet collects image and memory barriers for one dependency group.
type barrierSet struct {
	images []C.VkImageMemoryBarrier2
	trans  []Transition
	mems   []C.VkMemoryBarrier2
}

func (bs *barrierSet) addImage(im *Image, t Transition) {
	bs.trans = append(bs.trans, t)
	bs.images = append(bs.images, im.imageBarrier(t, 0, im.Mips))
}

// useImages moves images to the layouts their use in stage needs,
// adding the transitions to the set.
func (bs *barrierSet) useImages(images []heldImage, stage Stage2) {
	for _, h := range images {
		var t Transition
		var ok bool
		if h.write {
			t, ok = h.image.TransitionWrite(stage, h.readWrite)
		} else {
			t, ok = h.image.TransitionRead(stage)
		}
		if ok {
			bs.addImage(h.image, t)
		}
	}
}

func (bs *barrierSet) addMemory(src Stage2, srcAccess Access2, dst Stage2, dstAccess Access2) {
	bs.mems = append(bs.mems, C.VkMemoryBarrier2{
		sType:         C.VK_STRUCTURE_TYPE_MEMORY_BARRIER_2,
		srcStageMask:  C.VkPipelineStageFlags2(src),
		srcAccessMask: C.VkAccessFlags2(srcAccess),
		dstStageMask:  C.VkPipelineStageFlags2(dst),
		dstAccessMask: C.VkAccessFlags2(dstAccess),
	})
}

// empty returns true if no barrier was collected.
func (bs *barrierSet) empty() bool {
	return len(bs.images) == 0 && len(bs.mems) == 0
}

// emit records all collected barriers in one pipeline barrier, with
// graphics stages rewritten on compute only queues, and resets the set.
func (bs *barrierSet) emit(cb *CmdBuffer) {
	if bs.empty() {
		return
	}
	if cb.computeOnly() {
		for i := range bs.images {
			b := &bs.images[i]
			b.srcStageMask = C.VkPipelineStageFlags2(Stage2(b.srcStageMask).ComputeOnly())
			b.dstStageMask = C.VkPipelineStageFlags2(Stage2(b.dstStageMask).ComputeOnly())
		}
		for i := range bs.mems {
			b := &bs.mems[i]
			b.srcStageMask = C.VkPipelineStageFlags2(Stage2(b.srcStageMask).ComputeOnly())
			b.dstStageMask = C.VkPipelineStageFlags2(Stage2(b.dstStageMask).ComputeOnly())
		}
	}
	var mp *C.VkMemoryBarrier2
	if len(bs.mems) > 0 {
		mp = &bs.mems[0]
	}
	var ip *C.VkImageMemoryBarrier2
	if len(bs.images) > 0 {
		ip = &bs.images[0]
	}
	C.vgCmdBarriers(cb.funcs(), cb.cb, mp, C.uint32_t(len(bs.mems)), ip, C.uint32_t(len(bs.images)))
	bs.images, bs.trans, bs.mems = bs.images[:0], bs.trans[:0], bs.mems[:0]
}

// copyRegion returns the buffer image copy of one layer and mip.
func (im *Image) copyRegion(layer, mip int) C.VkBufferImageCopy2 {
	return C.VkBufferImageCopy2{
		sType: C.VK_STRUCTURE_TYPE_BUFFER_IMAGE_COPY_2,
		imageSubresource: C.VkImageSubresourceLayers{
			aspectMask:     im.viewAspect(),
			mipLevel:       C.uint32_t(mip),
			baseArrayLayer: C.uint32_t(layer),
			layerCount:     1,
		},
		imageExtent: C.VkExtent3D{
			width:  C.uint32_t(mipExtent(im.Width, mip)),
			height: C.uint32_t(mipExtent(im.Height, mip)),
			depth:  C.uint32_t(mipExtent(im.Depth, mip)),
		},
	}
}

// checkRegion returns [ErrInvalidRegion] if layer or mip is not in the image.
func (im *Image) checkRegion(layer, mip int) error {
	if layer < 0 || layer >= im.Layers || mip < 0 || mip >= im.Mips {
		return errors.Wrapf(ErrInvalidRegion, "layer %d mip %d outside %v", layer, mip, im)
	}
	return nil
}

// regionPixels returns the pixel count of one layer at mip.
func (im *Image) regionPixels(mip int) int {
	return mipExtent(im.Width, mip) * mipExtent(im.Height, mip) * mipExtent(im.Depth, mip)
}

// Write uploads one layer and mip level from data, which is in the
// user format. 3 channel data is widened to the shim format.
func (im *Image) Write(layer, mip int, data []byte) error {
	if err := im.checkRegion(layer, mip); err != nil {
		return err
	}
	n := im.regionPixels(mip)
	if want := n * im.Format.PixelSize(); len(data) != want {
		return fmt.Errorf("vgpu: image write of %d bytes, %v needs %d", len(data), im, want)
	}
	dv := im.Device
	size := im.Format.StagingSize(mipExtent(im.Width, mip), mipExtent(im.Height, mip), mipExtent(im.Depth, mip), 1)
	st, err := dv.newBuffer(im.Name+" upload", size, HostCoherent|HostWrite|NoHeap, 0)
	if err != nil {
		return err
	}
	defer st.Destroy()
	p, err := st.hostPointer()
	if err != nil {
		return err
	}
	buf := unsafe.Slice((*byte)(p), size)
	copy(buf, data)
	if im.Format.IsShimmed() {
		expandRGB(buf, n, im.Format)
	}
	st.releasePointer()
	return dv.DefaultQueue().CmdBlock(im.Name+" upload", hostOp, func(cb *CmdBuffer) error {
		prev := im.state
		cb.transitionTo(im, LayoutTransferDst, StageAllTransfer, AccessTransferWrite)
		region := im.copyRegion(layer, mip)
		C.vgCmdCopyBufferToImage2(cb.funcs(), cb.cb, st.buf, im.image, C.VK_IMAGE_LAYOUT_TRANSFER_DST_OPTIMAL, &region, 1)
		cb.restore(im, prev)
		return nil
	})
}

// Read downloads one layer and mip level in the user format.
func (im *Image) Read(layer, mip int) ([]byte, error) {
	if err := im.checkRegion(layer, mip); err != nil {
		return nil, err
	}
	dv := im.Device
	n := im.regionPixels(mip)
	size := im.Format.StagingSize(mipExtent(im.Width, mip), mipExtent(im.Height, mip), mipExtent(im.Depth, mip), 1)
	st, err := dv.newBuffer(im.Name+" download", size, HostCoherent|HostRead|NoHeap, 0)
	if err != nil {
		return nil, err
	}
	defer st.Destroy()
	err = dv.DefaultQueue().CmdBlock(im.Name+" download", hostOp, func(cb *CmdBuffer) error {
		prev := im.state
		cb.transitionTo(im, LayoutTransferSrc, StageAllTransfer, AccessTransferRead)
		region := im.copyRegion(layer, mip)
		C.vgCmdCopyImageToBuffer2(cb.funcs(), cb.cb, im.image, C.VK_IMAGE_LAYOUT_TRANSFER_SRC_OPTIMAL, st.buf, &region, 1)
		cb.MemoryBarrier(StageAllTransfer, AccessTransferWrite, StageHost, AccessHostRead)
		cb.restore(im, prev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	p, err := st.hostPointer()
	if err != nil {
		return nil, err
	}
	defer st.releasePointer()
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(p), size))
	if im.Format.IsShimmed() {
		shrinkRGBA(out, n, im.Format)
	}
	return out[:n*im.Format.PixelSize()], nil
}

// Zero clears every layer and mip and restores the previous layout.
func (im *Image) Zero() error {
	return im.Device.DefaultQueue().CmdBlock(im.Name+" zero", hostOp, func(cb *CmdBuffer) error {
		prev := im.state
		cb.transitionTo(im, LayoutTransferDst, StageAllTransfer, AccessTransferWrite)
		cb.clearImage(im)
		cb.restore(im, prev)
		return nil
	})
}

// blitRegions returns one blit per mip level common to src and dst.
func blitRegions(src, dst *Image) []C.VkImageBlit2 {
	n := min(src.Mips, dst.Mips)
	layers := min(src.Layers, dst.Layers)
	regions := make([]C.VkImageBlit2, n)
	for mip := range n {
		r := &regions[mip]
		r.sType = C.VK_STRUCTURE_TYPE_IMAGE_BLIT_2
		r.srcSubresource = C.VkImageSubresourceLayers{aspectMask: src.viewAspect(), mipLevel: C.uint32_t(mip), layerCount: C.uint32_t(layers)}
		r.dstSubresource = C.VkImageSubresourceLayers{aspectMask: dst.viewAspect(), mipLevel: C.uint32_t(mip), layerCount: C.uint32_t(layers)}
		r.srcOffsets[1] = C.VkOffset3D{x: C.int32_t(mipExtent(src.Width, mip)), y: C.int32_t(mipExtent(src.Height, mip)), z: C.int32_t(mipExtent(src.Depth, mip))}
		r.dstOffsets[1] = C.VkOffset3D{x: C.int32_t(mipExtent(dst.Width, mip)), y: C.int32_t(mipExtent(dst.Height, mip)), z: C.int32_t(mipExtent(dst.Depth, mip))}
	}
	return regions
}

// BlitImage records a blit of every common mip level of src into dst.
func (cb *CmdBuffer) BlitImage(src, dst *Image) {
	srcPrev, dstPrev := src.state, dst.state
	var bs barrierSet
	if t, ok := planTransfer(src.state, false); ok {
		src.state = t.apply()
		bs.addImage(src, t)
	}
	if t, ok := planTransfer(dst.state, true); ok {
		dst.state = t.apply()
		bs.addImage(dst, t)
	}
	bs.emit(cb)
	regions := blitRegions(src, dst)
	if len(regions) > 0 {
		C.vgCmdBlitImage2(cb.funcs(), cb.cb, src.image, dst.image, &regions[0], C.uint32_t(len(regions)))
	}
	cb.restore(src, srcPrev)
	cb.restore(dst, dstPrev)
	cb.Retain(src, dst)
}

// Blit copies src into im and waits for it.
func (im *Image) Blit(src *Image) error {
	return im.Device.DefaultQueue().CmdBlock(im.Name+" blit", hostOp, func(cb *CmdBuffer) error {
		cb.BlitImage(src, im)
		return nil
	})
}

// BlitAsync copies src into im on q after the waits, signaling the
// given fences, without waiting.
func (im *Image) BlitAsync(q *Queue, src *Image, wait []FenceWait, signal []FenceSignal) error {
	return q.CmdBlock(im.Name+" blit", SubmitOptions{Wait: wait, Signal: signal}, func(cb *CmdBuffer) error {
		cb.BlitImage(src, im)
		return nil
	})
}

// GenerateMips fills mip levels 1 and up by successive blits from
// level 0, leaving the image in its read layout.
func (im *Image) GenerateMips() error {
	if im.Mips < 2 {
		return nil
	}
	return im.Device.DefaultQueue().CmdBlock(im.Name+" mips", hostOp, func(cb *CmdBuffer) error {
		cb.GenerateMips(im)
		return nil
	})
}

// GenerateMips records the mip chain generation of im.
func (cb *CmdBuffer) GenerateMips(im *Image) {
	barrier := func(mip int, t Transition) {
		b := im.imageBarrier(t, mip, 1)
		C.vgCmdBarriers(cb.funcs(), cb.cb, nil, 0, &b, 1)
	}
	cur := im.state
	toDst, _ := planTransition(cur, LayoutTransferDst, StageAllTransfer, AccessTransferWrite)
	all := im.imageBarrier(toDst, 0, im.Mips)
	C.vgCmdBarriers(cb.funcs(), cb.cb, nil, 0, &all, 1)
	dstState := toDst.apply()
	for mip := 1; mip < im.Mips; mip++ {
		toSrc, _ := planTransition(dstState, LayoutTransferSrc, StageAllTransfer, AccessTransferRead)
		barrier(mip-1, toSrc)
		r := C.VkImageBlit2{sType: C.VK_STRUCTURE_TYPE_IMAGE_BLIT_2}
		r.srcSubresource = C.VkImageSubresourceLayers{aspectMask: im.viewAspect(), mipLevel: C.uint32_t(mip - 1), layerCount: C.uint32_t(im.Layers)}
		r.dstSubresource = C.VkImageSubresourceLayers{aspectMask: im.viewAspect(), mipLevel: C.uint32_t(mip), layerCount: C.uint32_t(im.Layers)}
		r.srcOffsets[1] = C.VkOffset3D{x: C.int32_t(mipExtent(im.Width, mip-1)), y: C.int32_t(mipExtent(im.Height, mip-1)), z: C.int32_t(mipExtent(im.Depth, mip-1))}
		r.dstOffsets[1] = C.VkOffset3D{x: C.int32_t(mipExtent(im.Width, mip)), y: C.int32_t(mipExtent(im.Height, mip)), z: C.int32_t(mipExtent(im.Depth, mip))}
		C.vgCmdBlitImage2(cb.funcs(), cb.cb, im.image, im.image, &r, 1)
	}
	srcState := imageState{Layout: LayoutTransferSrc, Access: AccessTransferRead, Stage: StageAllTransfer}
	read := im.kind().readLayout()
	toRead, _ := planTransition(srcState, read, StageAllCommands, AccessShaderRead)
	barrier0 := im.imageBarrier(toRead, 0, im.Mips-1)
	last, _ := planTransition(dstState, read, StageAllCommands, AccessShaderRead)
	lastB := im.imageBarrier(last, im.Mips-1, 1)
	bars := []C.VkImageMemoryBarrier2{barrier0, lastB}
	C.vgCmdBarriers(cb.funcs(), cb.cb, nil, 0, &bars[0], 2)
	im.state = imageState{Layout: read, Access: AccessShaderRead, Stage: StageAllCommands}
	cb.Retain(im)
}

// logTransitions logs collected transitions at debug level.
func (bs *barrierSet) logTransitions(name string) {
	for _, t := range bs.trans {
		slog.Debug("vgpu: image transition", "cmd", name, "from", t.OldLayout, "to", t.NewLayout)
	}
}
