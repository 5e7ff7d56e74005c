// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"fmt"
	"strings"
)

// ArgKinds are the kinds of function arguments.
type ArgKinds int32

const (
	// ArgBuffer is a pointer to device memory.
	ArgBuffer ArgKinds = iota

	// ArgParam is a value passed by copy.
	ArgParam

	// ArgImage is an image or image array.
	ArgImage

	ArgKindsN
)

var argKindNames = [ArgKindsN]string{"buffer", "param", "image"}

func (ak ArgKinds) String() string {
	if ak < 0 || ak >= ArgKindsN {
		return fmt.Sprintf("ArgKinds(%d)", int32(ak))
	}
	return argKindNames[ak]
}

func (ak ArgKinds) MarshalText() ([]byte, error) { return []byte(ak.String()), nil }

func (ak *ArgKinds) UnmarshalText(text []byte) error {
	for i, nm := range argKindNames {
		if strings.EqualFold(nm, string(text)) {
			*ak = ArgKinds(i)
			return nil
		}
	}
	return fmt.Errorf("vgpu: unknown argument kind %q", text)
}

// AddressSpaces are the address spaces of buffer arguments.
type AddressSpaces int32

const (
	SpaceUnknown AddressSpaces = iota
	SpaceGlobal
	SpaceConstant
	SpaceLocal

	AddressSpacesN
)

var spaceNames = [AddressSpacesN]string{"unknown", "global", "constant", "local"}

func (as AddressSpaces) String() string {
	if as < 0 || as >= AddressSpacesN {
		return fmt.Sprintf("AddressSpaces(%d)", int32(as))
	}
	return spaceNames[as]
}

func (as AddressSpaces) MarshalText() ([]byte, error) { return []byte(as.String()), nil }

func (as *AddressSpaces) UnmarshalText(text []byte) error {
	for i, nm := range spaceNames {
		if strings.EqualFold(nm, string(text)) {
			*as = AddressSpaces(i)
			return nil
		}
	}
	return fmt.Errorf("vgpu: unknown address space %q", text)
}

// ArgFlags are the flags of one function argument.
type ArgFlags uint32

const (
	// ArgRead means the function reads the argument.
	ArgRead ArgFlags = 1 << iota

	// ArgWrite means the function writes the argument.
	ArgWrite

	// ArgIUB places a constant in an inline uniform block.
	ArgIUB

	// ArgStageInput is a vertex or fragment stage input, which has no
	// descriptor.
	ArgStageInput

	// ArgArgumentBuffer is encoded in its own descriptor set.
	ArgArgumentBuffer

	// ArgImageArray is an array of images.
	ArgImageArray

	// ArgBufferArray is an array of buffers.
	ArgBufferArray

	ArgFlagsN = 7
)

var argFlagNames = [ArgFlagsN]string{"read", "write", "iub", "stage_input", "argument_buffer", "image_array", "buffer_array"}

// HasFlag returns true if all the bits of f are set.
func (af ArgFlags) HasFlag(f ArgFlags) bool { return af&f == f }

func (af ArgFlags) String() string {
	var nms []string
	for i, nm := range argFlagNames {
		if af&(1<<i) != 0 {
			nms = append(nms, nm)
		}
	}
	return strings.Join(nms, "|")
}

func (af ArgFlags) MarshalText() ([]byte, error) { return []byte(af.String()), nil }

// UnmarshalText parses flag names separated by '|' or ','.
func (af *ArgFlags) UnmarshalText(text []byte) error {
	var fl ArgFlags
	for _, s := range strings.FieldsFunc(string(text), func(r rune) bool { return r == '|' || r == ',' || r == ' ' }) {
		found := false
		for i, nm := range argFlagNames {
			if strings.EqualFold(nm, s) {
				fl |= 1 << i
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("vgpu: unknown argument flag %q", s)
		}
	}
	*af = fl
	return nil
}

// ArgInfo describes one function argument.
type ArgInfo struct {
	Name  string        `toml:"name"`
	Kind  ArgKinds      `toml:"kind"`
	Space AddressSpaces `toml:"space"`
	Flags ArgFlags      `toml:"flags"`

	// Size is the byte size of a param.
	Size uint64 `toml:"size"`

	// ArrayExtent is the element count of image and buffer arrays.
	ArrayExtent uint32 `toml:"array_extent"`

	// Args are the members of an argument buffer.
	Args []ArgInfo `toml:"args"`
}

// Writable returns true for images the function writes.
func (ai *ArgInfo) Writable() bool {
	return ai.Flags.HasFlag(ArgWrite)
}

// ReadWrite returns true for images the function reads and writes.
func (ai *ArgInfo) ReadWrite() bool {
	return ai.Flags.HasFlag(ArgRead | ArgWrite)
}

// extent returns the array extent, at least 1.
func (ai *ArgInfo) extent() uint32 {
	if ai.Flags&(ArgImageArray|ArgBufferArray) != 0 {
		return max(ai.ArrayExtent, 1)
	}
	return 1
}

// FunctionKinds are the kinds of shader functions.
type FunctionKinds int32

const (
	KernelFunction FunctionKinds = iota
	VertexFunction
	FragmentFunction

	FunctionKindsN
)

var functionKindNames = [FunctionKindsN]string{"kernel", "vertex", "fragment"}

func (fk FunctionKinds) String() string {
	if fk < 0 || fk >= FunctionKindsN {
		return fmt.Sprintf("FunctionKinds(%d)", int32(fk))
	}
	return functionKindNames[fk]
}

func (fk FunctionKinds) MarshalText() ([]byte, error) { return []byte(fk.String()), nil }

func (fk *FunctionKinds) UnmarshalText(text []byte) error {
	for i, nm := range functionKindNames {
		if strings.EqualFold(nm, string(text)) {
			*fk = FunctionKinds(i)
			return nil
		}
	}
	return fmt.Errorf("vgpu: unknown function kind %q", text)
}

// shaderStage returns the Vulkan shader stage bit.
func (fk FunctionKinds) shaderStage() uint32 {
	switch fk {
	case VertexFunction:
		return ShaderStageVertex
	case FragmentFunction:
		return ShaderStageFragment
	}
	return ShaderStageCompute
}

// FunctionFlags are the flags the compiler reports for a function.
type FunctionFlags uint32

const (
	// UsesSoftPrintf means the function writes a printf buffer passed
	// as an implicit last argument.
	UsesSoftPrintf FunctionFlags = 1 << iota

	// UsesDescriptorBuffer means the function was compiled for
	// descriptor buffers.
	UsesDescriptorBuffer

	// HasRequiredLocalSize means LocalSize is compiled in.
	HasRequiredLocalSize

	FunctionFlagsN = 3
)

var functionFlagNames = [FunctionFlagsN]string{"uses_soft_printf", "uses_descriptor_buffer", "has_required_local_size"}

// HasFlag returns true if all the bits of f are set.
func (ff FunctionFlags) HasFlag(f FunctionFlags) bool { return ff&f == f }

func (ff FunctionFlags) String() string {
	var nms []string
	for i, nm := range functionFlagNames {
		if ff&(1<<i) != 0 {
			nms = append(nms, nm)
		}
	}
	return strings.Join(nms, "|")
}

func (ff FunctionFlags) MarshalText() ([]byte, error) { return []byte(ff.String()), nil }

func (ff *FunctionFlags) UnmarshalText(text []byte) error {
	var fl FunctionFlags
	for _, s := range strings.FieldsFunc(string(text), func(r rune) bool { return r == '|' || r == ',' || r == ' ' }) {
		found := false
		for i, nm := range functionFlagNames {
			if strings.EqualFold(nm, s) {
				fl |= 1 << i
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("vgpu: unknown function flag %q", s)
		}
	}
	*ff = fl
	return nil
}

// FunctionInfo is the metadata of one function in a program.
type FunctionInfo struct {
	Name string        `toml:"name"`
	Kind FunctionKinds `toml:"kind"`

	// Module is the index of the SPIR-V module holding the function.
	Module int `toml:"module"`

	// Entry is the entry point name, defaulting to Name.
	Entry string `toml:"entry"`

	Flags FunctionFlags `toml:"flags"`
	Args  []ArgInfo     `toml:"args"`

	// LocalSize is the compiled in work group size.
	LocalSize [3]uint32 `toml:"local_size"`

	// SIMD is the required subgroup size, 0 for the device default.
	SIMD uint32 `toml:"simd"`

	// Printf are the printf format strings of the function.
	Printf []string `toml:"printf"`
}

// EntryPoint returns the SPIR-V entry point name.
func (fi *FunctionInfo) EntryPoint() string {
	if fi.Entry != "" {
		return fi.Entry
	}
	return fi.Name
}
