// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"fmt"
	"sync"
)

// heldImage is an image referenced by encoded arguments, with the
// access the function makes to it.
type heldImage struct {
	image     *Image
	write     bool
	readWrite bool
}

// ArgumentBuffer is a descriptor buffer holding the members of one
// argument buffer argument of a kernel. It is bound as its own
// descriptor set when passed with [ArgBufferArg].
type ArgumentBuffer struct {
	Name string

	// Arg is the argument index in the kernel.
	Arg int

	layout *descLayout
	buf    *Buffer
	mem    []byte
	consts *Buffer
	cmem   []byte

	mu     sync.Mutex
	images []heldImage
}

// NewArgumentBuffer creates the argument buffer of kernel argument
// argIndex on dv.
func (k *Kernel) NewArgumentBuffer(dv *Device, argIndex int) (*ArgumentBuffer, error) {
	fe, err := k.entry(dv)
	if err != nil {
		return nil, err
	}
	al, ok := fe.layout.argLayouts[argIndex]
	if !ok {
		return nil, fmt.Errorf("vgpu: %s: argument %d is not an argument buffer", k.Name, argIndex)
	}
	ab := &ArgumentBuffer{Name: fmt.Sprintf("%s arg %d", k.Name, argIndex), Arg: argIndex, layout: al}
	if ab.buf, ab.mem, err = dv.mappedBuffer(ab.Name, max(al.EntrySize, DescriptorAlign)); err != nil {
		return nil, err
	}
	if al.ConstSize > 0 {
		if ab.consts, ab.cmem, err = dv.mappedBuffer(ab.Name+" const", al.ConstSize); err != nil {
			ab.Destroy()
			return nil, err
		}
	}
	return ab, nil
}

// SetArguments encodes the members of the argument buffer. Argument
// buffers cannot be nested.
func (ab *ArgumentBuffer) SetArguments(args ...Arg) error {
	dv := ab.buf.Device
	tgt := entryTarget{layout: ab.layout, desc: ab.mem, consts: ab.cmem}
	if ab.consts != nil {
		tgt.constAddr = ab.consts.Address
	}
	en := &argEncoder{name: ab.Name, constDesc: dv.constDescriptor, noArgBuffers: true, ssboSize: dv.DescSizes.StorageBuffer}
	if err := en.encode([]entryTarget{tgt}, args); err != nil {
		return err
	}
	ab.mu.Lock()
	ab.images = en.images
	ab.mu.Unlock()
	return nil
}

// transitions adds the layout transitions of the held images for
// use in stage.
func (ab *ArgumentBuffer) transitions(bs *barrierSet, stage Stage2) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	bs.useImages(ab.images, stage)
}

// Destroy releases the buffers. The argument buffer must not be in use.
func (ab *ArgumentBuffer) Destroy() {
	if ab.buf != nil {
		ab.buf.Destroy()
		ab.buf, ab.mem = nil, nil
	}
	if ab.consts != nil {
		ab.consts.Destroy()
		ab.consts, ab.cmem = nil, nil
	}
}
