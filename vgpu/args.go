// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"encoding/binary"
	"unsafe"
)

// Arg is one argument passed to a kernel or shader. It is one of
// [BufferArg], [BufferArrayArg], [ImageArg], [ImageArrayArg],
// [ArgBufferArg] or [BytesArg].
type Arg interface {
	isArg()
}

// BufferArg passes a buffer.
type BufferArg struct {
	Buffer *Buffer
}

// BufferArrayArg passes an array of buffers. Nil elements
// encode as null descriptors.
type BufferArrayArg []*Buffer

// ImageArg passes an image.
type ImageArg struct {
	Image *Image
}

// ImageArrayArg passes an array of images.
type ImageArrayArg []*Image

// ArgBufferArg passes an argument buffer.
type ArgBufferArg struct {
	Buffer *ArgumentBuffer
}

// BytesArg passes the raw bytes of a value.
type BytesArg []byte

func (BufferArg) isArg()      {}
func (BufferArrayArg) isArg() {}
func (ImageArg) isArg()       {}
func (ImageArrayArg) isArg()  {}
func (ArgBufferArg) isArg()   {}
func (BytesArg) isArg()       {}

// Buf returns a [BufferArg].
func Buf(b *Buffer) Arg { return BufferArg{Buffer: b} }

// Img returns an [ImageArg].
func Img(im *Image) Arg { return ImageArg{Image: im} }

// Value returns the bytes of a plain value as a [BytesArg].
// T must not contain pointers.
func Value[T any](v T) BytesArg {
	n := unsafe.Sizeof(v)
	b := make([]byte, n)
	copy(b, unsafe.Slice((*byte)(unsafe.Pointer(&v)), n))
	return BytesArg(b)
}

// Uint32 returns a little endian uint32 [BytesArg].
func Uint32(v uint32) BytesArg {
	return BytesArg(binary.LittleEndian.AppendUint32(nil, v))
}
