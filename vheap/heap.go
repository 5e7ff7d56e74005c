// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vheap is the block sub-allocator behind vgpu's heap
// allocation path. It carves buffers and images out of large device
// memory blocks obtained from a [BlockSource], one block list per
// memory type, and falls back to dedicated blocks for large requests.
package vheap

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"goki.dev/vgpu/v3/base/errors"
)

const (
	// MiB is one mebibyte.
	MiB = uint64(1) << 20

	// GiB is one gibibyte.
	GiB = uint64(1) << 30

	// DefaultBlockSize is the block size used for devices with
	// less than about 8 GB of device-local memory.
	DefaultBlockSize = 256 * MiB
)

// PreferredBlockSize returns the block size for a device with the given
// amount of device-local memory: 1 GiB for devices with about 16 GB or
// more, 512 MiB for about 8 GB or more, and [DefaultBlockSize] otherwise.
// The thresholds allow for heaps that report slightly less than the
// nominal size.
func PreferredBlockSize(deviceLocal uint64) uint64 {
	switch {
	case deviceLocal >= 15*GiB:
		return GiB
	case deviceLocal >= 7*GiB:
		return 512 * MiB
	default:
		return DefaultBlockSize
	}
}

// AlignUp returns v rounded up to the next multiple of align.
// An align of 0 or 1 returns v.
func AlignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	m := v % align
	if m == 0 {
		return v
	}
	return v - m + align
}

// BlockSource allocates and frees the device memory behind blocks.
// The handle is opaque to the heap (a VkDeviceMemory in vgpu).
type BlockSource interface {
	AllocBlock(memType uint32, size uint64, hostVisible bool) (handle uint64, err error)
	FreeBlock(memType uint32, handle uint64)
}

// Request describes one allocation.
type Request struct {
	// Size in bytes.
	Size uint64

	// Align is the required offset alignment.
	Align uint64

	// MemType is the Vulkan memory type index.
	MemType uint32

	// HostVisible marks allocations that must be mappable.
	HostVisible bool

	// Dedicated forces a block of exactly Size bytes.
	Dedicated bool
}

// Allocation is the opaque token returned for each heap allocation.
type Allocation struct {
	Block  *Block
	Offset uint64
	Size   uint64
}

// Handle returns the block memory handle.
func (a *Allocation) Handle() uint64 { return a.Block.Handle }

// HostVisible reports whether the backing block is mappable.
func (a *Allocation) HostVisible() bool { return a.Block.HostVisible }

func (a *Allocation) String() string {
	return fmt.Sprintf("[type %d block %#x %d +%d]", a.Block.MemType, a.Block.Handle, a.Offset, a.Size)
}

// span is a free range within a block.
type span struct {
	off, size uint64
}

// Block is one device memory allocation carved into sub-allocations.
type Block struct {
	Handle      uint64
	MemType     uint32
	Size        uint64
	HostVisible bool
	Dedicated   bool

	// free ranges, sorted by offset and coalesced.
	free []span

	// number of live allocations.
	live int
}

// Used returns the bytes currently handed out from the block.
func (bl *Block) Used() uint64 {
	u := bl.Size
	for _, f := range bl.free {
		u -= f.size
	}
	return u
}

// alloc finds the best-fitting free span for size at align and
// returns the offset, or false.
func (bl *Block) alloc(size, align uint64) (uint64, bool) {
	best := -1
	var bestOff, bestWaste uint64
	for i, f := range bl.free {
		off := AlignUp(f.off, align)
		if off+size > f.off+f.size {
			continue
		}
		waste := f.size - size
		if best < 0 || waste < bestWaste {
			best, bestOff, bestWaste = i, off, waste
		}
	}
	if best < 0 {
		return 0, false
	}
	f := bl.free[best]
	var repl []span
	if bestOff > f.off {
		repl = append(repl, span{f.off, bestOff - f.off})
	}
	if end := bestOff + size; end < f.off+f.size {
		repl = append(repl, span{end, f.off + f.size - end})
	}
	bl.free = append(bl.free[:best], append(repl, bl.free[best+1:]...)...)
	bl.live++
	return bestOff, true
}

// release returns [off, off+size) to the free list, merging neighbors.
func (bl *Block) release(off, size uint64) {
	i := sort.Search(len(bl.free), func(i int) bool { return bl.free[i].off > off })
	bl.free = append(bl.free, span{})
	copy(bl.free[i+1:], bl.free[i:])
	bl.free[i] = span{off, size}
	if i+1 < len(bl.free) && bl.free[i].off+bl.free[i].size == bl.free[i+1].off {
		bl.free[i].size += bl.free[i+1].size
		bl.free = append(bl.free[:i+1], bl.free[i+2:]...)
	}
	if i > 0 && bl.free[i-1].off+bl.free[i-1].size == bl.free[i].off {
		bl.free[i-1].size += bl.free[i].size
		bl.free = append(bl.free[:i], bl.free[i+1:]...)
	}
	bl.live--
}

// Heap is a per-device allocator. It is safe for concurrent use.
type Heap struct {
	// BlockSize is the size of regular (non-dedicated) blocks.
	BlockSize uint64

	// KeepEmpty is the number of empty blocks per memory type kept
	// instead of being returned to the source.
	KeepEmpty int

	src    BlockSource
	mu     sync.Mutex
	blocks map[uint32][]*Block
}

// New returns a new Heap allocating blocks of blockSize from src.
func New(src BlockSource, blockSize uint64) *Heap {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	return &Heap{BlockSize: blockSize, KeepEmpty: 1, src: src, blocks: make(map[uint32][]*Block)}
}

// Alloc allocates memory for the given request. Requests larger than half
// the block size, or flagged Dedicated, get a block of their own.
func (hp *Heap) Alloc(req Request) (*Allocation, error) {
	if req.Size == 0 {
		return nil, errors.New("vheap: zero-sized allocation")
	}
	if req.Dedicated || req.Size > hp.BlockSize/2 {
		return hp.allocDedicated(req)
	}
	hp.mu.Lock()
	defer hp.mu.Unlock()
	for _, bl := range hp.blocks[req.MemType] {
		if bl.Dedicated || bl.HostVisible != req.HostVisible {
			continue
		}
		if off, ok := bl.alloc(req.Size, req.Align); ok {
			return &Allocation{Block: bl, Offset: off, Size: req.Size}, nil
		}
	}
	h, err := hp.src.AllocBlock(req.MemType, hp.BlockSize, req.HostVisible)
	if err != nil {
		return nil, errors.Wrapf(err, "vheap: allocating %d byte block of type %d", hp.BlockSize, req.MemType)
	}
	bl := &Block{Handle: h, MemType: req.MemType, Size: hp.BlockSize, HostVisible: req.HostVisible, free: []span{{0, hp.BlockSize}}}
	hp.blocks[req.MemType] = append(hp.blocks[req.MemType], bl)
	off, _ := bl.alloc(req.Size, req.Align)
	slog.Debug("vheap: new block", "type", req.MemType, "size", hp.BlockSize, "blocks", len(hp.blocks[req.MemType]))
	return &Allocation{Block: bl, Offset: off, Size: req.Size}, nil
}

func (hp *Heap) allocDedicated(req Request) (*Allocation, error) {
	h, err := hp.src.AllocBlock(req.MemType, req.Size, req.HostVisible)
	if err != nil {
		return nil, errors.Wrapf(err, "vheap: dedicated allocation of %d bytes, type %d", req.Size, req.MemType)
	}
	bl := &Block{Handle: h, MemType: req.MemType, Size: req.Size, HostVisible: req.HostVisible, Dedicated: true, live: 1}
	hp.mu.Lock()
	hp.blocks[req.MemType] = append(hp.blocks[req.MemType], bl)
	hp.mu.Unlock()
	return &Allocation{Block: bl, Offset: 0, Size: req.Size}, nil
}

// Free returns an allocation to its block. Dedicated blocks, and regular
// blocks that become empty beyond KeepEmpty, are freed to the source.
func (hp *Heap) Free(a *Allocation) {
	if a == nil || a.Block == nil {
		return
	}
	hp.mu.Lock()
	defer hp.mu.Unlock()
	bl := a.Block
	if bl.Dedicated {
		hp.drop(bl)
		a.Block = nil
		return
	}
	bl.release(a.Offset, a.Size)
	a.Block = nil
	if bl.live > 0 {
		return
	}
	empty := 0
	for _, b := range hp.blocks[bl.MemType] {
		if !b.Dedicated && b.live == 0 {
			empty++
		}
	}
	if empty > hp.KeepEmpty {
		hp.drop(bl)
	}
}

// drop removes bl from its list and frees it. Must hold mu.
func (hp *Heap) drop(bl *Block) {
	list := hp.blocks[bl.MemType]
	for i, b := range list {
		if b == bl {
			hp.blocks[bl.MemType] = append(list[:i], list[i+1:]...)
			break
		}
	}
	hp.src.FreeBlock(bl.MemType, bl.Handle)
}

// Stats reports the number of blocks and the bytes reserved and in use.
type Stats struct {
	Blocks    int
	Dedicated int
	Reserved  uint64
	Used      uint64
}

// Stats returns usage statistics over all memory types.
func (hp *Heap) Stats() Stats {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	var st Stats
	for _, list := range hp.blocks {
		for _, bl := range list {
			st.Blocks++
			if bl.Dedicated {
				st.Dedicated++
			}
			st.Reserved += bl.Size
			st.Used += bl.Used()
		}
	}
	return st
}

// Destroy frees every block back to the source.
func (hp *Heap) Destroy() {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	for mt, list := range hp.blocks {
		for _, bl := range list {
			if bl.live > 0 {
				slog.Warn("vheap: destroying block with live allocations", "type", mt, "live", bl.live)
			}
			hp.src.FreeBlock(mt, bl.Handle)
		}
	}
	hp.blocks = make(map[uint32][]*Block)
}
