// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"fmt"
	"slices"

	vk "github.com/goki/vulkan"
)

// Memory property bits of a memory type.
const (
	MemPropDeviceLocal  = uint32(vk.MemoryPropertyDeviceLocalBit)
	MemPropHostVisible  = uint32(vk.MemoryPropertyHostVisibleBit)
	MemPropHostCoherent = uint32(vk.MemoryPropertyHostCoherentBit)
	MemPropHostCached   = uint32(vk.MemoryPropertyHostCachedBit)

	memHeapDeviceLocal = uint32(vk.MemoryHeapDeviceLocalBit)
)

// MemType is one memory type of a physical device.
type MemType struct {
	Flags uint32
	Heap  uint32
}

// MemHeap is one memory heap of a physical device.
type MemHeap struct {
	Size  uint64
	Flags uint32
}

// MemoryTypes holds the memory type indexes chosen for a device.
// An index is -1 if the device has no such type.
type MemoryTypes struct {

	// DeviceLocal is the device local type on the largest device local heap.
	DeviceLocal int

	// HostCached is the host visible and cached type on the largest heap.
	HostCached int

	// DeviceHostCoherent is the device local, host visible and coherent
	// type on the largest device local heap.
	DeviceHostCoherent int

	// all matching indexes, largest heap first
	DeviceLocalSet        []uint32
	HostCachedSet         []uint32
	DeviceHostCoherentSet []uint32

	// PreferHostCoherent is set when device local host coherent memory
	// is at least as large as device local memory, or larger than
	// host cached memory.
	PreferHostCoherent bool

	Types []MemType
	Heaps []MemHeap
}

// NewMemoryTypes classifies the memory types of a device.
func NewMemoryTypes(types []MemType, heaps []MemHeap) *MemoryTypes {
	mt := &MemoryTypes{Types: types, Heaps: heaps}
	heapSize := func(i uint32) uint64 {
		h := types[i].Heap
		if int(h) >= len(heaps) {
			return 0
		}
		return heaps[h].Size
	}
	heapLocal := func(i uint32) bool {
		h := types[i].Heap
		return int(h) < len(heaps) && heaps[h].Flags&memHeapDeviceLocal != 0
	}
	collect := func(want uint32, local bool) []uint32 {
		var set []uint32
		for i := range types {
			ui := uint32(i)
			if types[i].Flags&want != want || (local && !heapLocal(ui)) {
				continue
			}
			set = append(set, ui)
		}
		slices.SortStableFunc(set, func(a, b uint32) int {
			sa, sb := heapSize(a), heapSize(b)
			switch {
			case sa > sb:
				return -1
			case sa < sb:
				return 1
			}
			return 0
		})
		return set
	}
	first := func(set []uint32) int {
		if len(set) == 0 {
			return -1
		}
		return int(set[0])
	}
	mt.DeviceLocalSet = collect(MemPropDeviceLocal, true)
	mt.HostCachedSet = collect(MemPropHostVisible|MemPropHostCached, false)
	mt.DeviceHostCoherentSet = collect(MemPropDeviceLocal|MemPropHostVisible|MemPropHostCoherent, true)
	mt.DeviceLocal = first(mt.DeviceLocalSet)
	mt.HostCached = first(mt.HostCachedSet)
	mt.DeviceHostCoherent = first(mt.DeviceHostCoherentSet)

	if mt.DeviceHostCoherent >= 0 {
		coh := heapSize(uint32(mt.DeviceHostCoherent))
		var local, cached uint64
		if mt.DeviceLocal >= 0 {
			local = heapSize(uint32(mt.DeviceLocal))
		}
		if mt.HostCached >= 0 {
			cached = heapSize(uint32(mt.HostCached))
		}
		mt.PreferHostCoherent = coh >= local || coh > cached
	}
	return mt
}

// DeviceLocalSize returns the size of the largest device local heap.
func (mt *MemoryTypes) DeviceLocalSize() uint64 {
	if mt.DeviceLocal < 0 {
		return 0
	}
	return mt.Heaps[mt.Types[mt.DeviceLocal].Heap].Size
}

// MemRequest is the set of memory properties an allocation needs.
type MemRequest struct {
	// Required property bits.
	Required uint32

	// Preferred property bits, used to order candidates.
	Preferred uint32
}

// Select returns the memory type index for a request, restricted to
// the types allowed by typeBits. Candidates are tried in the order
// device local, device local host coherent, host cached, then every
// other type. Among candidates, one with all preferred bits wins.
func (mt *MemoryTypes) Select(typeBits uint32, req MemRequest) (uint32, error) {
	var order []uint32
	seen := map[uint32]bool{}
	add := func(set ...uint32) {
		for _, i := range set {
			if !seen[i] {
				seen[i] = true
				order = append(order, i)
			}
		}
	}
	add(mt.DeviceLocalSet...)
	add(mt.DeviceHostCoherentSet...)
	add(mt.HostCachedSet...)
	for i := range mt.Types {
		add(uint32(i))
	}
	ok := func(i uint32) bool {
		return typeBits&(1<<i) != 0 && mt.Types[i].Flags&req.Required == req.Required
	}
	if req.Preferred != 0 {
		for _, i := range order {
			if ok(i) && mt.Types[i].Flags&req.Preferred == req.Preferred {
				return i, nil
			}
		}
	}
	for _, i := range order {
		if ok(i) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("vgpu: no memory type for bits 0x%x with properties 0x%x", typeBits, req.Required)
}

// MemoryFlags are the usage flags of a buffer or image.
type MemoryFlags uint32

const (
	// MemRead means the device reads the memory.
	MemRead MemoryFlags = 1 << iota

	// MemWrite means the device writes the memory.
	MemWrite

	// HostRead means the host reads the memory through Map or Read.
	HostRead

	// HostWrite means the host writes the memory through Map or Write.
	HostWrite

	// HostCoherent requires memory the host can map directly.
	HostCoherent

	// Shared exports an OS handle for the memory.
	Shared

	// Heap routes the allocation to the heap.
	Heap

	// NoHeap forces a direct allocation.
	NoHeap

	// ArgStorage marks descriptor buffer storage.
	ArgStorage

	// RenderTarget marks images rendered into.
	RenderTarget

	// Transient marks short lived resources.
	Transient

	// Aliased marks image arrays whose layers alias one allocation.
	Aliased

	// GenerateMips allocates per mip views for mip generation.
	GenerateMips

	// Block makes Map wait for the staging copy.
	Block

	MemReadWrite  = MemRead | MemWrite
	HostReadWrite = HostRead | HostWrite
)

// HasFlag returns true if all the bits of f are set.
func (fl MemoryFlags) HasFlag(f MemoryFlags) bool {
	return fl&f == f
}

// HostAccess returns true if the host reads or writes.
func (fl MemoryFlags) HostAccess() bool {
	return fl&(HostRead|HostWrite|HostCoherent) != 0
}

// Host mapping patterns.
const (
	MapNone = iota
	MapRandom
	MapSequential
)

// allocPlan is the outcome of the allocation flag rules.
type allocPlan struct {
	Request MemRequest

	// MapPattern is how the host accesses the mapping.
	MapPattern int

	// AllowTransfer allows memory that is not host visible, in which
	// case maps go through a staging buffer.
	AllowTransfer bool

	Priority    float32
	HasPriority bool

	// Heap is true if the allocation goes through the heap.
	Heap bool
}

// mapsDirect returns true if Map uses memory with props directly: the
// resource was created for host access and the memory is host visible
// and coherent. Everything else is reached through staging copies.
func (pl allocPlan) mapsDirect(props uint32) bool {
	const want = MemPropHostVisible | MemPropHostCoherent
	return pl.MapPattern != MapNone && props&want == want
}

// checkMemory returns an error if host access to memory with props
// would need a staging transfer the plan does not allow.
func (pl allocPlan) checkMemory(props uint32) error {
	if pl.MapPattern == MapNone || pl.mapsDirect(props) || pl.AllowTransfer {
		return nil
	}
	return fmt.Errorf("vgpu: memory properties %#x are not host coherent and staging is not allowed", props)
}

// planAlloc applies the allocation flag rules.
func planAlloc(flags MemoryFlags, mt *MemoryTypes, op *Options) allocPlan {
	var pl allocPlan
	switch {
	case flags.HasFlag(HostRead), flags.HasFlag(HostCoherent):
		pl.MapPattern = MapRandom
	case flags.HasFlag(HostWrite):
		pl.MapPattern = MapSequential
	}
	switch {
	case flags.HasFlag(HostCoherent):
		pl.Request.Required = MemPropHostVisible | MemPropHostCoherent
		pl.Request.Preferred = MemPropDeviceLocal
	case flags.HostAccess():
		pl.Request.Required = MemPropDeviceLocal
		pl.AllowTransfer = true
		if mt != nil && mt.PreferHostCoherent && mt.DeviceHostCoherent >= 0 {
			pl.Request.Preferred = MemPropHostVisible | MemPropHostCoherent
		}
	default:
		pl.Request.Required = MemPropDeviceLocal
	}
	switch {
	case flags.HasFlag(ArgStorage):
		pl.Priority, pl.HasPriority = 0.5, true
	case flags.HasFlag(RenderTarget):
		pl.Priority, pl.HasPriority = 1.0, true
	}
	direct := flags&(Shared|Aliased|Transient|NoHeap) != 0
	switch {
	case flags&(Shared|Aliased) != 0:
		pl.Heap = false
	case flags.HasFlag(Heap), op != nil && op.AlwaysHeap:
		pl.Heap = true
	case op != nil && op.HeapAlloc:
		pl.Heap = !direct
	}
	return pl
}
