// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"math/bits"
	"sync/atomic"
)

// cmdRing is the in-use bitset over the command buffers of one pool
// plus the pool's monotonic signal counter. The bitset is guarded by
// the pool mutex.
type cmdRing struct {
	inUse   uint64
	counter atomic.Uint64
}

// acquire marks the lowest free slot in use.
func (r *cmdRing) acquire() (int, bool) {
	free := ^r.inUse
	if free == 0 {
		return -1, false
	}
	i := bits.TrailingZeros64(free)
	r.inUse |= 1 << i
	return i, true
}

// release clears slot i.
func (r *cmdRing) release(i int) {
	r.inUse &^= 1 << i
}

// full returns true if every slot is in use.
func (r *cmdRing) full() bool {
	return r.inUse == ^uint64(0)
}

// used returns the number of slots in use.
func (r *cmdRing) used() int {
	return bits.OnesCount64(r.inUse)
}

// next returns the next signal value.
func (r *cmdRing) next() uint64 {
	return r.counter.Add(1)
}

// last returns the most recent signal value.
func (r *cmdRing) last() uint64 {
	return r.counter.Load()
}

// rollback undoes the last next after a failed submission. It must be
// called under the same lock as next.
func (r *cmdRing) rollback() {
	r.counter.Add(^uint64(0))
}
