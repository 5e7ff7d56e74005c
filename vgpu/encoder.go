// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"fmt"
	"log/slog"
)

// entryTarget is the memory one pipeline entry encodes its
// arguments into.
type entryTarget struct {
	layout *descLayout

	// desc is the entry's slice of a mapped descriptor buffer.
	desc []byte

	// consts is the entry's slice of a mapped constant buffer and
	// constAddr its device address. consts is nil when the layout
	// pools no constants.
	consts    []byte
	constAddr uint64
}

// argCursor walks the arguments of all entries of a pipeline.
type argCursor struct {
	arg   int
	entry int
}

// argEncoder writes arguments into descriptor buffer memory.
type argEncoder struct {
	// name is the function name used in diagnostics.
	name string

	// constDesc returns the storage buffer descriptor of a range of
	// the constant buffer.
	constDesc func(addr, size uint64) []byte

	// images are the images the arguments use, in argument order.
	// Their layouts are not changed by encoding.
	images []heldImage

	// noArgBuffers rejects argument buffer arguments.
	noArgBuffers bool

	// printf is the implicit printf buffer.
	printf *Buffer

	// ssboSize is the storage buffer descriptor size.
	ssboSize uint64

	// argBuffers are the argument buffers to bind, in order.
	argBuffers []*ArgumentBuffer
}

// encode writes args into the targets, one entry after another.
// Arguments without a binding (stage inputs) are not passed.
func (en *argEncoder) encode(entries []entryTarget, args []Arg) error {
	var cur argCursor
	for cur.entry = 0; cur.entry < len(entries); cur.entry++ {
		tgt := &entries[cur.entry]
		lp := tgt.layout.layoutPlan
		for i := range lp.Args {
			ai := &lp.Args[i]
			if ai.Flags.HasFlag(ArgStageInput) {
				continue
			}
			if cur.arg >= len(args) {
				return fmt.Errorf("vgpu: %s: missing argument %d %q", en.name, cur.arg, ai.Name)
			}
			if err := en.encodeArg(tgt, i, args[cur.arg]); err != nil {
				slog.Error("vgpu: argument encoding", "function", en.name, "arg", cur.arg, "err", err)
				return err
			}
			cur.arg++
		}
		if lp.PrintfBinding >= 0 {
			if en.printf == nil {
				return fmt.Errorf("vgpu: %s: no printf buffer", en.name)
			}
			en.write(tgt.desc, tgt.layout.Offsets[lp.PrintfBinding], en.printf.Descriptor)
		}
	}
	if cur.arg != len(args) {
		return fmt.Errorf("vgpu: %s: %d arguments passed, %d used", en.name, len(args), cur.arg)
	}
	return nil
}

func (en *argEncoder) encodeArg(tgt *entryTarget, i int, arg Arg) error {
	lp := tgt.layout.layoutPlan
	ai := &lp.Args[i]
	if ai.Flags.HasFlag(ArgArgumentBuffer) {
		ab, ok := arg.(ArgBufferArg)
		switch {
		case !ok:
			return fmt.Errorf("argument %q wants an argument buffer, got %T", ai.Name, arg)
		case en.noArgBuffers:
			return fmt.Errorf("argument %q: argument buffers are not allowed here", ai.Name)
		case ab.Buffer == nil:
			return fmt.Errorf("argument %q: nil argument buffer", ai.Name)
		}
		en.argBuffers = append(en.argBuffers, ab.Buffer)
		return nil
	}
	bi := lp.ArgBinding[i]
	off := tgt.layout.Offsets[bi]
	en.clear(tgt, i, bi)
	switch a := arg.(type) {
	case BufferArg:
		if ai.Kind == ArgImage {
			return fmt.Errorf("argument %q wants an image, got a buffer", ai.Name)
		}
		if a.Buffer == nil {
			en.write(tgt.desc, off, make([]byte, en.ssboSize))
			return nil
		}
		en.write(tgt.desc, off, a.Buffer.Descriptor)
	case BufferArrayArg:
		if !ai.Flags.HasFlag(ArgBufferArray) {
			return fmt.Errorf("argument %q is not a buffer array", ai.Name)
		}
		en.bufferArray(tgt, off, ai, a)
	case ImageArg:
		if ai.Kind != ArgImage {
			return fmt.Errorf("argument %q wants a buffer or value, got an image", ai.Name)
		}
		en.image(tgt, ai, bi, 0, a.Image)
	case ImageArrayArg:
		if !ai.Flags.HasFlag(ArgImageArray) {
			return fmt.Errorf("argument %q is not an image array", ai.Name)
		}
		n := min(len(a), int(ai.extent()))
		for e := 0; e < n; e++ {
			en.image(tgt, ai, bi, e, a[e])
		}
	case BytesArg:
		return en.bytes(tgt, i, off, a)
	default:
		return fmt.Errorf("argument %q: unsupported argument %T", ai.Name, arg)
	}
	return nil
}

func (en *argEncoder) bufferArray(tgt *entryTarget, off uint64, ai *ArgInfo, bufs BufferArrayArg) {
	n := min(len(bufs), int(ai.extent()))
	var stride uint64
	for e := 0; e < n; e++ {
		b := bufs[e]
		if b != nil {
			stride = uint64(len(b.Descriptor))
			break
		}
	}
	if stride == 0 {
		stride = en.ssboSize
	}
	for e := 0; e < n; e++ {
		if bufs[e] != nil {
			en.write(tgt.desc, off+uint64(e)*stride, bufs[e].Descriptor)
		}
	}
}

// clear zeroes the descriptors of all bindings of argument i, starting
// at binding bi, so null and missing elements read as null descriptors.
func (en *argEncoder) clear(tgt *entryTarget, i, bi int) {
	dl := tgt.layout
	for b := bi; b < len(dl.Bindings) && dl.Bindings[b].Arg == i; b++ {
		start, end := dl.Offsets[b], dl.bindingEnd(b)
		if start >= uint64(len(tgt.desc)) {
			continue
		}
		clear(tgt.desc[start:min(end, uint64(len(tgt.desc)))])
	}
}

// image writes the sampled and storage descriptors of array element e
// of an image argument at binding bi, and collects the image.
func (en *argEncoder) image(tgt *entryTarget, ai *ArgInfo, bi, e int, im *Image) {
	if im == nil {
		return
	}
	lp := tgt.layout.layoutPlan
	if !ai.Writable() || ai.ReadWrite() {
		stride := uint64(len(im.Descriptor))
		en.write(tgt.desc, tgt.layout.Offsets[bi]+uint64(e)*stride, im.Descriptor)
	}
	if ai.Writable() {
		sb := bi
		if ai.ReadWrite() {
			sb = bi + 1
		}
		mips := uint64(lp.Bindings[sb].Count) / uint64(ai.extent())
		en.storage(tgt.desc, tgt.layout.Offsets[sb], e, mips, im)
	}
	en.images = append(en.images, heldImage{image: im, write: ai.Writable(), readWrite: ai.ReadWrite()})
}

// storage writes mips storage descriptors of element e, repeating the
// last mip level of images with fewer levels.
func (en *argEncoder) storage(desc []byte, off uint64, e int, mips uint64, im *Image) {
	if len(im.StorageDescriptors) == 0 {
		slog.Error("vgpu: image bound for writing has no storage descriptors", "function", en.name, "image", im.Name)
		return
	}
	stride := uint64(len(im.StorageDescriptors[0]))
	base := off + uint64(e)*mips*stride
	for m := uint64(0); m < mips; m++ {
		sd := im.StorageDescriptors[min(int(m), len(im.StorageDescriptors)-1)]
		en.write(desc, base+m*stride, sd)
	}
}

// bytes writes a value: inline for an inline uniform block, otherwise
// into the constant buffer with a descriptor of its range.
func (en *argEncoder) bytes(tgt *entryTarget, i int, off uint64, val BytesArg) error {
	lp := tgt.layout.layoutPlan
	ai := &lp.Args[i]
	if ai.Flags.HasFlag(ArgIUB) {
		if uint64(len(val)) > ai.Size {
			return fmt.Errorf("argument %q: %d bytes passed for a %d byte inline block", ai.Name, len(val), ai.Size)
		}
		en.write(tgt.desc, off, val)
		return nil
	}
	cr, ok := lp.ConstOffsets[i]
	if !ok {
		return fmt.Errorf("argument %q wants a buffer, got bytes", ai.Name)
	}
	if uint64(len(val)) > cr.Size {
		return fmt.Errorf("argument %q: %d bytes passed for a %d byte constant", ai.Name, len(val), cr.Size)
	}
	if tgt.consts == nil {
		return fmt.Errorf("argument %q: no constant buffer", ai.Name)
	}
	en.write(tgt.consts, cr.Offset, val)
	en.write(tgt.desc, off, en.constDesc(tgt.constAddr+cr.Offset, cr.Size))
	return nil
}

// write copies src into dst at off. Out of bounds writes panic in
// debug builds and are clipped otherwise.
func (en *argEncoder) write(dst []byte, off uint64, src []byte) {
	end := off + uint64(len(src))
	if end > uint64(len(dst)) {
		err := fmt.Errorf("vgpu: %s: descriptor write [%d, %d) outside of %d bytes", en.name, off, end, len(dst))
		if debugBuild {
			panic(err)
		}
		slog.Error(err.Error())
		if off >= uint64(len(dst)) {
			return
		}
		src = src[:uint64(len(dst))-off]
	}
	copy(dst[off:], src)
}
