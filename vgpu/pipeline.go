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

	"goki.dev/vgpu/v3/vheap"
)

// VertexBinding is one vertex buffer binding of a graphics pipeline.
type VertexBinding struct {
	Binding uint32
	Stride  uint32

	// PerInstance advances the binding per instance instead of per vertex.
	PerInstance bool
}

// VertexAttr is one vertex attribute of a graphics pipeline.
type VertexAttr struct {
	Location uint32
	Binding  uint32
	Format   Formats
	Offset   uint32
}

// GraphicsDesc is the state of a graphics pipeline.
type GraphicsDesc struct {
	Vertex *Function

	// Fragment may be nil for depth only rendering.
	Fragment *Function

	Pass *RenderPass

	Topology Topologies
	Cull     CullModes

	// FrontCW makes clockwise faces front facing.
	FrontCW bool

	DepthTest  bool
	DepthWrite bool

	// Blend enables premultiplied alpha blending on all color attachments.
	Blend bool

	Bindings []VertexBinding
	Attrs    []VertexAttr
}

// GraphicsPipeline is a vertex and fragment function pair built for
// one render pass. The vertex arguments are bound at [VertexSet] and
// the fragment arguments at [FragmentSet], both in one descriptor
// buffer with the fragment set after the vertex set.
type GraphicsPipeline struct {
	Name string
	Desc GraphicsDesc

	dv         *Device
	vert       *functionEntry
	frag       *functionEntry
	layout     C.VkPipelineLayout
	pipe       C.VkPipeline
	slots      *slotPool
	fragOffset uint64
	fragConst  uint64
}

// NewGraphicsPipeline creates a graphics pipeline. It is owned by the
// device and destroyed with it.
func (dv *Device) NewGraphicsPipeline(name string, gd GraphicsDesc) (*GraphicsPipeline, error) {
	switch {
	case gd.Vertex == nil || gd.Vertex.Kind != VertexFunction:
		return nil, fmt.Errorf("vgpu: graphics pipeline %q needs a vertex function", name)
	case gd.Fragment != nil && gd.Fragment.Kind != FragmentFunction:
		return nil, fmt.Errorf("vgpu: graphics pipeline %q: %q is not a fragment function", name, gd.Fragment.Name)
	case gd.Pass == nil:
		return nil, fmt.Errorf("vgpu: graphics pipeline %q needs a render pass", name)
	}
	gp := &GraphicsPipeline{Name: name, Desc: gd, dv: dv}
	var err error
	if gp.vert, err = gd.Vertex.entry(dv); err != nil {
		return nil, err
	}
	sets := []*descLayout{gp.vert.layout}
	if gd.Fragment != nil {
		if gp.frag, err = gd.Fragment.entry(dv); err != nil {
			return nil, err
		}
		sets = append(sets, gp.frag.layout)
	}
	if gp.layout, err = dv.newPipelineLayout(name, sets...); err != nil {
		return nil, err
	}
	if err := gp.create(); err != nil {
		gp.destroy()
		return nil, err
	}
	descSize := gp.vert.layout.EntrySize
	constSize := gp.vert.layout.ConstSize
	if gp.frag != nil {
		gp.fragOffset = descSize
		descSize += gp.frag.layout.EntrySize
		if fc := gp.frag.layout.ConstSize; fc > 0 {
			gp.fragConst = vheap.AlignUp(constSize, dv.Limits.MinStorageBufferOffsetAlignment)
			constSize = gp.fragConst + fc
		}
	}
	if gp.slots, err = dv.newSlotPool(name, descSize, constSize); err != nil {
		gp.destroy()
		return nil, err
	}
	dv.own(gp)
	return gp, nil
}

func (gp *GraphicsPipeline) create() error {
	dv, gd := gp.dv, &gp.Desc
	desc := (*C.vgGraphicsDesc)(C.calloc(1, C.size_t(unsafe.Sizeof(C.vgGraphicsDesc{}))))
	defer C.free(unsafe.Pointer(desc))
	desc.vertModule = gp.vert.module
	desc.vertEntry = gp.vert.entry
	if gp.frag != nil {
		desc.fragModule = gp.frag.module
		desc.fragEntry = gp.frag.entry
	}
	desc.layout = gp.layout
	desc.pass = gd.Pass.pass
	desc.topology = C.VkPrimitiveTopology(gd.Topology)
	desc.cull = C.VkCullModeFlags(gd.Cull)
	if gd.FrontCW {
		desc.front = C.VK_FRONT_FACE_CLOCKWISE
	} else {
		desc.front = C.VK_FRONT_FACE_COUNTER_CLOCKWISE
	}
	pp := gd.Pass.plan
	desc.colorAttachments = C.uint32_t(len(pp.Colors))
	desc.samples = C.VK_SAMPLE_COUNT_1_BIT
	if len(pp.Colors) > 0 {
		desc.samples = C.VkSampleCountFlagBits(pp.Attachments[pp.Colors[0]].Samples)
	} else if pp.Depth != attachmentUnused {
		desc.samples = C.VkSampleCountFlagBits(pp.Attachments[pp.Depth].Samples)
	}
	desc.depthTest = boolInt(gd.DepthTest)
	desc.depthWrite = boolInt(gd.DepthWrite)
	desc.blend = boolInt(gd.Blend)
	if n := len(gd.Bindings); n > 0 {
		vb := (*C.VkVertexInputBindingDescription)(C.calloc(C.size_t(n), C.size_t(unsafe.Sizeof(C.VkVertexInputBindingDescription{}))))
		defer C.free(unsafe.Pointer(vb))
		binds := unsafe.Slice(vb, n)
		for i, b := range gd.Bindings {
			binds[i] = C.VkVertexInputBindingDescription{binding: C.uint32_t(b.Binding), stride: C.uint32_t(b.Stride),
				inputRate: C.VK_VERTEX_INPUT_RATE_VERTEX}
			if b.PerInstance {
				binds[i].inputRate = C.VK_VERTEX_INPUT_RATE_INSTANCE
			}
		}
		desc.vbindings = vb
		desc.nvbindings = C.uint32_t(n)
	}
	if n := len(gd.Attrs); n > 0 {
		va := (*C.VkVertexInputAttributeDescription)(C.calloc(C.size_t(n), C.size_t(unsafe.Sizeof(C.VkVertexInputAttributeDescription{}))))
		defer C.free(unsafe.Pointer(va))
		attrs := unsafe.Slice(va, n)
		for i, a := range gd.Attrs {
			attrs[i] = C.VkVertexInputAttributeDescription{location: C.uint32_t(a.Location), binding: C.uint32_t(a.Binding),
				format: C.VkFormat(a.Format.VkFormat()), offset: C.uint32_t(a.Offset)}
		}
		desc.vattrs = va
		desc.nvattrs = C.uint32_t(n)
	}
	if err := check(C.vgCreateGraphicsPipeline(dv.funcs, dv.device, desc, &gp.pipe), "vkCreateGraphicsPipelines"); err != nil {
		return err
	}
	dv.setObjectName(C.VK_OBJECT_TYPE_PIPELINE, handleU64(unsafe.Pointer(gp.pipe)), gp.Name)
	return nil
}

// DrawCall is one draw of a graphics pipeline. An Index buffer makes
// it an indexed draw of Count indices, otherwise Count vertices are
// drawn.
type DrawCall struct {
	Count     uint32
	Instances uint32
	First     uint32

	FirstInstance uint32

	// VertexBuffers are bound at bindings 0, 1, ...
	VertexBuffers []*Buffer

	Index     *Buffer
	IndexType IndexTypes

	// VertexOffset is added to each index of an indexed draw.
	VertexOffset int32
}

// Draw records a draw inside the render pass recorded in cb. args are
// the vertex arguments followed by the fragment arguments. Images read
// by the functions must already be in their read layout, see
// [CmdBuffer.PrepareImages]. Argument buffers passed here must have
// been prepared the same way.
//
// Draws take one of the pipeline's descriptor slots until cb completes.
// When all slots are taken, typically by many draws recorded in one
// command buffer, the draw uses transient descriptor buffers.
func (gp *GraphicsPipeline) Draw(cb *CmdBuffer, dc DrawCall, args []Arg) error {
	sl, ok := gp.slots.tryAcquire()
	if !ok {
		var err error
		if sl, err = gp.transientSlot(); err != nil {
			return err
		}
	}
	ab, err := gp.record(cb, dc, args, sl.descSlice(), sl.constSlice(), gp.fragOffset, gp.fragConst)
	if err != nil {
		sl.Release()
		return err
	}
	cb.Retain(gp, ab)
	cb.OnComplete(sl.Release)
	return nil
}

// transientSlot returns a slot of new buffers that are destroyed
// when it is released.
func (gp *GraphicsPipeline) transientSlot() (*slot, error) {
	sp := &slotPool{Name: gp.Name + " transient"}
	sl := &slot{pool: sp, transient: true}
	var err error
	if len(gp.slots.descMem) > 0 {
		if sl.Desc, sl.DescMem, err = gp.dv.mappedBuffer(sp.Name+" desc", uint64(len(gp.slots.descMem[0]))); err != nil {
			return nil, err
		}
	}
	if len(gp.slots.constMem) > 0 {
		if sl.Const, sl.ConstMem, err = gp.dv.mappedBuffer(sp.Name+" const", uint64(len(gp.slots.constMem[0]))); err != nil {
			if sl.Desc != nil {
				sl.Desc.Destroy()
			}
			return nil, err
		}
	}
	return sl, nil
}

// targets returns the vertex and fragment encoding targets within
// desc and consts, with the constant buffer at constAddr and the
// fragment stage at fragDesc and fragConst.
func (gp *GraphicsPipeline) targets(desc, consts []byte, constAddr, fragDesc, fragConst uint64) []entryTarget {
	vt := entryTarget{layout: gp.vert.layout, desc: desc[:gp.vert.layout.EntrySize]}
	if gp.vert.layout.ConstSize > 0 {
		vt.consts, vt.constAddr = consts[:gp.vert.layout.ConstSize], constAddr
	}
	tgts := []entryTarget{vt}
	if gp.frag == nil {
		return tgts
	}
	ft := entryTarget{layout: gp.frag.layout, desc: desc[fragDesc:]}
	if gp.frag.layout.ConstSize > 0 {
		ft.consts, ft.constAddr = consts[fragConst:], constAddr+fragConst
	}
	return append(tgts, ft)
}

// record encodes args into desc and consts, with the fragment stage at
// offsets fragDesc and fragConst, and records the draw. It returns the
// argument buffers the draw uses.
func (gp *GraphicsPipeline) record(cb *CmdBuffer, dc DrawCall, args []Arg, desc, consts memSlice, fragDesc, fragConst uint64) ([]*ArgumentBuffer, error) {
	dv := gp.dv
	en := &argEncoder{name: gp.Name, constDesc: dv.constDescriptor, ssboSize: dv.DescSizes.StorageBuffer}
	if err := en.encode(gp.targets(desc.mem, consts.mem, consts.addr(), fragDesc, fragConst), args); err != nil {
		return nil, err
	}
	vk.CmdBindPipeline(cb.vk(), vk.PipelineBindPointGraphics, vkPipeline(gp.pipe))
	var db descBinding
	firstSet := uint32(VertexSet)
	switch {
	case desc.buf != nil:
		bi := db.addBuffer(desc.buf.Address)
		db.addSet(bi, desc.off)
		if gp.frag != nil {
			db.addSet(bi, desc.off+fragDesc)
		}
	case gp.frag != nil:
		firstSet = FragmentSet + 1
	default:
		firstSet = FragmentSet
	}
	db.addArgBuffers(en.argBuffers)
	db.record(cb, ShaderStageGraphics, gp.layout, firstSet)
	if n := len(dc.VertexBuffers); n > 0 {
		vbs := make([]vk.Buffer, n)
		for i, vb := range dc.VertexBuffers {
			vbs[i] = vkBuffer(vb.buf)
		}
		vk.CmdBindVertexBuffers(cb.vk(), 0, uint32(n), vbs, make([]vk.DeviceSize, n))
	}
	inst := max(dc.Instances, 1)
	if dc.Index != nil {
		C.vgCmdBindIndexBuffer2(cb.funcs(), cb.cb, dc.Index.buf, 0, C.VkDeviceSize(dc.Index.Size), C.VkIndexType(dc.IndexType))
		vk.CmdDrawIndexed(cb.vk(), uint32(dc.Count), uint32(inst), uint32(dc.First), int32(dc.VertexOffset), uint32(dc.FirstInstance))
	} else {
		vk.CmdDraw(cb.vk(), uint32(dc.Count), uint32(inst), uint32(dc.First), uint32(dc.FirstInstance))
	}
	return en.argBuffers, nil
}

// PrepareImages moves images to their read layout for the graphics
// stages. It must be recorded outside of a render pass.
func (cb *CmdBuffer) PrepareImages(images ...*Image) {
	var bs barrierSet
	for _, im := range images {
		if t, ok := im.TransitionRead(StageVertexShader | StageFragmentShader); ok {
			bs.addImage(im, t)
		}
	}
	bs.emit(cb)
}

// PrepareArgumentBuffer moves the images held by ab to their layouts
// for the graphics stages, outside of a render pass.
func (cb *CmdBuffer) PrepareArgumentBuffer(ab *ArgumentBuffer) {
	var bs barrierSet
	ab.transitions(&bs, StageVertexShader|StageFragmentShader)
	bs.emit(cb)
}

func (gp *GraphicsPipeline) destroy() {
	dv := gp.dv
	if gp.slots != nil {
		gp.slots.destroy()
		gp.slots = nil
	}
	if gp.pipe != nil {
		vk.DestroyPipeline(dv.vk(), vkPipeline(gp.pipe), nil)
		gp.pipe = nil
	}
	if gp.layout != nil {
		vk.DestroyPipelineLayout(dv.vk(), vk.PipelineLayout(unsafe.Pointer(gp.layout)), nil)
		gp.layout = nil
	}
}
