// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestCmdRing(t *testing.T) {
	var r cmdRing
	for i := range CmdRingSize {
		idx, ok := r.acquire()
		require.True(t, ok)
		assert.Equal(t, i, idx)
	}
	assert.True(t, r.full())
	_, ok := r.acquire()
	assert.False(t, ok)

	r.release(5)
	assert.Equal(t, CmdRingSize-1, r.used())
	idx, ok := r.acquire()
	require.True(t, ok)
	assert.Equal(t, 5, idx)
}

func TestCmdRingCounter(t *testing.T) {
	var r cmdRing
	assert.Equal(t, uint64(1), r.next())
	assert.Equal(t, uint64(2), r.next())
	r.rollback()
	assert.Equal(t, uint64(1), r.last())
	assert.Equal(t, uint64(2), r.next())
}

// The pool mutex guards the bitset, and the counter stays strictly
// increasing across goroutines.
func TestCmdRingConcurrent(t *testing.T) {
	var (
		mu   sync.Mutex
		r    cmdRing
		seen sync.Map
	)
	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			for range 200 {
				mu.Lock()
				idx, ok := r.acquire()
				v := r.next()
				mu.Unlock()
				if !ok {
					continue
				}
				if _, dup := seen.LoadOrStore(v, idx); dup {
					return assert.AnError
				}
				mu.Lock()
				r.release(idx)
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, r.used())
	assert.Equal(t, uint64(8*200), r.last())
}

func TestCompletionPool(t *testing.T) {
	cp := newCompletionPool(CompletionWorkers)
	var n atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		cp.push(func() {
			n.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, int32(100), n.Load())
	assert.Equal(t, 0, cp.pending())

	cp.close()
	ran := false
	cp.push(func() { ran = true })
	assert.True(t, ran, "jobs pushed after close run on the caller")
	cp.close()
}

func TestCompletionPoolDrainsOnClose(t *testing.T) {
	cp := newCompletionPool(1)
	block := make(chan struct{})
	var n atomic.Int32
	cp.push(func() { <-block })
	for range 10 {
		cp.push(func() { n.Add(1) })
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(block)
	}()
	cp.close()
	assert.Equal(t, int32(10), n.Load())
}

func TestFenceCounter(t *testing.T) {
	var fc fenceCounter
	assert.Equal(t, uint64(8), fc.advance(7))
	assert.Equal(t, uint64(7), fc.LastValue)
	assert.Equal(t, uint64(8), fc.SignalValue)
	assert.Equal(t, uint64(1), fc.advance(0))
}

func TestSyncStages(t *testing.T) {
	assert.Equal(t, StageAllCommands, SyncNone.Stages())
	assert.Equal(t, StageComputeShader, SyncCompute.Stages())
	assert.Equal(t, StageVertexShader|StageFragmentShader, (SyncVertex | SyncFragment).Stages())
	assert.Equal(t, StageTessellationEvaluation, SyncTessellation.Stages())
	assert.Equal(t, StageEarlyFragmentTests|StageLateFragmentTests, SyncDepthAttachment.Stages())
}

func TestStageComputeOnly(t *testing.T) {
	assert.Equal(t, StageComputeShader, StageComputeShader.ComputeOnly())
	st := (StageFragmentShader | StageAllTransfer).ComputeOnly()
	assert.Zero(t, st&stageGraphicsOnly)
	assert.NotZero(t, st&StageComputeShader)
	assert.NotZero(t, st&StageAllTransfer)
}

// Completion handlers run while the retained objects and the slot are
// still held.
func TestCmdPoolCompleteOrder(t *testing.T) {
	cp := &CmdPool{Name: "order"}
	idx, ok := cp.ring.acquire()
	require.True(t, ok)
	buf := &Buffer{Name: "kept"}
	cp.slots[idx].retained = []any{buf}
	var seen []any
	var busy int
	cp.slots[idx].handlers = []func(){func() {
		cp.mu.Lock()
		seen = append(seen, cp.slots[idx].retained...)
		busy = cp.ring.used()
		cp.mu.Unlock()
	}}
	cp.complete(idx)
	assert.Equal(t, []any{buf}, seen)
	assert.Equal(t, 1, busy)
	assert.Nil(t, cp.slots[idx].retained)
	assert.Nil(t, cp.slots[idx].handlers)
	assert.Zero(t, cp.ring.used())
}

func TestFenceWaitHandled(t *testing.T) {
	fc := &Fence{Name: "order"}
	fc.hcond.L = &fc.hmu

	// No submission signals 3, so waiting does not block.
	fc.waitHandled(3)

	fc.noteSubmitted(5)
	var order []string
	var mu sync.Mutex
	var g errgroup.Group
	g.Go(func() error {
		fc.waitHandled(5)
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
		return nil
	})
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	order = append(order, "a")
	mu.Unlock()
	fc.noteHandled(5)
	require.NoError(t, g.Wait())
	assert.Equal(t, []string{"a", "b"}, order)

	// Values past the last submitted one only wait for that one.
	fc.waitHandled(9)
}
