// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

func TestSlotMask(t *testing.T) {
	sm := fullMask(3)
	assert.Equal(t, slotMask(0b111), sm)
	for want := range 3 {
		i, ok := sm.take()
		require.True(t, ok)
		assert.Equal(t, want, i)
	}
	_, ok := sm.take()
	assert.False(t, ok)
	sm.put(1)
	i, ok := sm.take()
	require.True(t, ok)
	assert.Equal(t, 1, i)
	assert.Equal(t, slotMask(0xffff), fullMask(DescriptorSlots))
}

// testSlotPool is a pool with memory but no device buffers.
func testSlotPool() *slotPool {
	sp := &slotPool{Name: "test", sem: semaphore.NewWeighted(DescriptorSlots), free: fullMask(DescriptorSlots)}
	for range DescriptorSlots {
		sp.desc = append(sp.desc, &Buffer{})
		sp.descMem = append(sp.descMem, make([]byte, 64))
	}
	return sp
}

func TestSlotPool(t *testing.T) {
	sp := testSlotPool()
	var held []*slot
	for i := range DescriptorSlots {
		sl, ok := sp.tryAcquire()
		require.True(t, ok)
		assert.Equal(t, i, sl.Index)
		assert.Same(t, sp.desc[i], sl.Desc)
		assert.Nil(t, sl.Const)
		held = append(held, sl)
	}
	_, ok := sp.tryAcquire()
	assert.False(t, ok, "all slots in use")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sp.acquire(ctx)
	assert.Error(t, err)

	held[5].Release()
	held[5].Release()
	sl, err := sp.acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, sl.Index)
	_, ok = sp.tryAcquire()
	assert.False(t, ok, "a double release frees one slot")
}

func TestSlotPoolWaits(t *testing.T) {
	sp := testSlotPool()
	var held []*slot
	for range DescriptorSlots {
		sl, err := sp.acquire(context.Background())
		require.NoError(t, err)
		held = append(held, sl)
	}
	got := make(chan int)
	go func() {
		sl, err := sp.acquire(context.Background())
		if err != nil {
			got <- -1
			return
		}
		got <- sl.Index
	}()
	held[9].Release()
	select {
	case i := <-got:
		assert.Equal(t, 9, i)
	case <-time.After(5 * time.Second):
		t.Fatal("acquire did not return after a release")
	}
}

func TestMemSliceAddr(t *testing.T) {
	assert.Zero(t, memSlice{off: 64}.addr())
	assert.Equal(t, uint64(0x1040), memSlice{buf: &Buffer{Address: 0x1000}, off: 0x40}.addr())
}

func TestSamplerIndex(t *testing.T) {
	assert.Equal(t, 40, NumSamplers)
	seen := map[int]bool{}
	for i := range NumSamplers {
		sm := SamplerAt(i)
		assert.Equal(t, i, sm.Index(), "%v", sm)
		seen[sm.Index()] = true
	}
	assert.Len(t, seen, NumSamplers)
	assert.Equal(t, 0, Sampler{}.Index())
	sm := Sampler{Mode: ClampToBorder, Filter: FilterLinear, Compare: CompareGreaterEqual}
	assert.Equal(t, NumSamplers-1, sm.Index())
	assert.Equal(t, "ClampToEdge", ClampToEdge.String())
}
