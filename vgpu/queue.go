// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// #include "vgpu.h"
import "C"

import (
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	vk "github.com/goki/vulkan"
	"github.com/loov/hrtime"
)

// Semaphore polling intervals: spin with yields first, then sleep.
const (
	pollSpin  = 100 * time.Microsecond
	pollSleep = 50 * time.Microsecond
)

// Queue is one Vulkan queue of a device. Any goroutine may record and
// submit on it; submissions are serialized by the queue mutex.
type Queue struct {
	Device *Device
	Family uint32
	Index  uint32
	Type   QueueTypes

	queue C.VkQueue
	mu    sync.Mutex

	setsMu sync.Mutex
	idle   []*poolSet
	nsets  int

	statsMu sync.Mutex
	stats   QueueStats
}

// QueueStats are the submission counters of a queue.
type QueueStats struct {
	Submitted uint64
	Completed uint64

	// MeanLatency and MaxLatency are the submit to completion times.
	MeanLatency time.Duration
	MaxLatency  time.Duration

	totalLatency time.Duration
}

func (q *Queue) String() string {
	return fmt.Sprintf("%s queue %d.%d", q.Type, q.Family, q.Index)
}

// ComputeOnly returns true if the queue's family has no graphics stages.
func (q *Queue) ComputeOnly() bool {
	return q.Type == ComputeQueue && q.Family != q.Device.AllFamily
}

// Stats returns a snapshot of the queue statistics.
func (q *Queue) Stats() QueueStats {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	st := q.stats
	if st.Completed > 0 {
		st.MeanLatency = st.totalLatency / time.Duration(st.Completed)
	}
	return st
}

func (q *Queue) recordSubmit() {
	q.statsMu.Lock()
	q.stats.Submitted++
	q.statsMu.Unlock()
}

func (q *Queue) recordComplete(lat time.Duration) {
	q.statsMu.Lock()
	q.stats.Completed++
	q.stats.totalLatency += lat
	q.stats.MaxLatency = max(q.stats.MaxLatency, lat)
	q.statsMu.Unlock()
}

// checkout takes an idle pool set whose primary or secondary pool has
// a free command buffer, creating a new set when none does.
func (q *Queue) checkout(secondary bool) (*poolSet, error) {
	q.setsMu.Lock()
	defer q.setsMu.Unlock()
	for i, ps := range q.idle {
		cp := ps.primary
		if secondary {
			cp = ps.secondary
		}
		if !cp.full() {
			q.idle = slices.Delete(q.idle, i, i+1)
			return ps, nil
		}
	}
	if q.nsets >= MaxPoolSets {
		slog.Error("vgpu: all command pool sets are busy", "queue", q.String(), "sets", q.nsets)
		return nil, ErrCmdBuffersExhausted
	}
	ps, err := q.newPoolSet(q.nsets)
	if err != nil {
		return nil, err
	}
	q.nsets++
	return ps, nil
}

func (q *Queue) newPoolSet(n int) (*poolSet, error) {
	name := fmt.Sprintf("%s pools %d", q, n)
	pri, err := newCmdPool(q, name+" primary", false, poolTransient|poolReset, CmdRingSize)
	if err != nil {
		return nil, err
	}
	sec, err := newCmdPool(q, name+" secondary", true, poolTransient|poolReset, CmdRingSize)
	if err != nil {
		return nil, err
	}
	return &poolSet{primary: pri, secondary: sec}, nil
}

func (q *Queue) returnSet(ps *poolSet) {
	q.setsMu.Lock()
	q.idle = append(q.idle, ps)
	q.setsMu.Unlock()
}

// MakeCmd returns a primary command buffer in the recording state.
// The calling goroutine owns it until [Queue.Submit].
func (q *Queue) MakeCmd(name string) (*CmdBuffer, error) {
	if q.Device.destroyed.Load() {
		return nil, ErrDestroyed
	}
	ps, err := q.checkout(false)
	if err != nil {
		return nil, err
	}
	cb, err := ps.primary.acquire(name)
	if err != nil {
		q.returnSet(ps)
		return nil, err
	}
	cb.set = ps
	if err := cb.begin(); err != nil {
		cb.Discard()
		return nil, err
	}
	return cb, nil
}

// MakeSecondaryCmd returns a secondary command buffer in the recording
// state, continuing pass when it is non-nil.
func (q *Queue) MakeSecondaryCmd(name string, pass *RenderPass) (*CmdBuffer, error) {
	if q.Device.destroyed.Load() {
		return nil, ErrDestroyed
	}
	ps, err := q.checkout(true)
	if err != nil {
		return nil, err
	}
	cb, err := ps.secondary.acquire(name)
	if err != nil {
		q.returnSet(ps)
		return nil, err
	}
	cb.set = ps
	if err := cb.beginSecondary(usageOneTime, pass, nil); err != nil {
		cb.Discard()
		return nil, err
	}
	return cb, nil
}

// ExecuteSecondary records secondary into primary.
func (q *Queue) ExecuteSecondary(primary, secondary *CmdBuffer) error {
	return primary.ExecuteSecondary(secondary)
}

// stageMask returns the Vulkan stages of s for this queue.
func (q *Queue) stageMask(s SyncStage) C.VkPipelineStageFlags2 {
	st := s.Stages()
	if q.ComputeOnly() {
		st = st.ComputeOnly()
	}
	return C.VkPipelineStageFlags2(st)
}

// Submit ends cb if needed and submits it, signaling the pool's work
// semaphore and the given fences. The completion handler runs after
// the device finished, followed by the buffer's internal handlers.
// Submit blocks when opts.Blocking is set or the device options do not
// allow non-blocking submission.
func (q *Queue) Submit(cb *CmdBuffer, opts SubmitOptions) error {
	if cb.Secondary {
		return fmt.Errorf("vgpu: cannot submit secondary command buffer %v", cb)
	}
	dv := q.Device
	if cb.pool.queue != q {
		return fmt.Errorf("vgpu: command buffer %v was made on %v, not %v", cb, cb.pool.queue, q)
	}
	if dv.destroyed.Load() {
		cb.Discard()
		return ErrDestroyed
	}
	if err := cb.End(); err != nil {
		cb.pool.complete(cb.index)
		return err
	}

	waits := make([]C.VkSemaphoreSubmitInfo, 0, len(opts.Wait))
	for _, w := range opts.Wait {
		si := C.VkSemaphoreSubmitInfo{sType: C.VK_STRUCTURE_TYPE_SEMAPHORE_SUBMIT_INFO, semaphore: w.Fence.sema, stageMask: q.stageMask(w.Stage)}
		if !w.Fence.Binary {
			si.value = C.uint64_t(w.Value)
		}
		waits = append(waits, si)
	}
	signals := make([]C.VkSemaphoreSubmitInfo, 0, len(opts.Signal)+1)
	var timeline []FenceSignal
	for _, s := range opts.Signal {
		si := C.VkSemaphoreSubmitInfo{sType: C.VK_STRUCTURE_TYPE_SEMAPHORE_SUBMIT_INFO, semaphore: s.Fence.sema, stageMask: q.stageMask(s.Stage)}
		if !s.Fence.Binary {
			v := s.Value
			if v == 0 {
				v = s.Fence.SignalValue
			}
			si.value = C.uint64_t(v)
			timeline = append(timeline, FenceSignal{Fence: s.Fence, Value: v})
		}
		signals = append(signals, si)
	}

	cp := cb.pool
	var wptr *C.VkSemaphoreSubmitInfo
	if len(waits) > 0 {
		wptr = &waits[0]
	}
	q.mu.Lock()
	value := cp.ring.next()
	signals = append(signals, C.VkSemaphoreSubmitInfo{sType: C.VK_STRUCTURE_TYPE_SEMAPHORE_SUBMIT_INFO,
		semaphore: cp.sema, value: C.uint64_t(value), stageMask: C.VkPipelineStageFlags2(StageAllCommands)})
	ret := C.vgQueueSubmit2(dv.funcs, q.queue, cb.cb, wptr, C.uint32_t(len(waits)), &signals[0], C.uint32_t(len(signals)))
	if Result(ret).IsError() {
		cp.ring.rollback()
	}
	q.mu.Unlock()
	if err := check(ret, "vkQueueSubmit2"); err != nil {
		cp.complete(cb.index)
		panicDeviceLost(err)
		return err
	}
	cb.signal = value
	q.recordSubmit()
	for _, s := range timeline {
		s.Fence.noteSubmitted(s.Value)
	}

	start := hrtime.Now()
	polling := dv.GPU.Options.SemaWaitPolling
	job := func() {
		if err := waitSemaphore(dv, cp.sema, value, polling); err != nil {
			slog.Error("vgpu: waiting for submission", "cmd", cb.Name, "err", err)
		}
		for _, w := range opts.Wait {
			if !w.Fence.Binary {
				w.Fence.waitHandled(w.Value)
			}
		}
		if opts.Completion != nil {
			opts.Completion()
		}
		cp.complete(cb.index)
		for _, s := range timeline {
			s.Fence.noteHandled(s.Value)
		}
		q.recordComplete(hrtime.Since(start))
	}
	if opts.Blocking || !dv.GPU.Options.NonBlocking {
		job()
		return nil
	}
	dv.completion.push(job)
	return nil
}

// CmdBlock records fn into a new command buffer and submits it.
// The buffer is discarded when fn returns an error.
func (q *Queue) CmdBlock(name string, opts SubmitOptions, fn func(cb *CmdBuffer) error) error {
	cb, err := q.MakeCmd(name)
	if err != nil {
		return err
	}
	if err := fn(cb); err != nil {
		cb.Discard()
		return err
	}
	return q.Submit(cb, opts)
}

// Finish waits until the queue is idle.
func (q *Queue) Finish() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := checkVk(vk.QueueWaitIdle(q.vk()), "vkQueueWaitIdle")
	panicDeviceLost(err)
	return err
}

// pollSemaphore waits for a timeline value by reading the counter,
// yielding for a short spin and then sleeping between reads.
func pollSemaphore(dv *Device, sema C.VkSemaphore, value uint64) error {
	start := hrtime.Now()
	for {
		var v C.uint64_t
		err := check(C.vgGetSemaphoreCounterValue(dv.funcs, dv.device, sema, &v), "vkGetSemaphoreCounterValue")
		if err != nil {
			panicDeviceLost(err)
			return err
		}
		if uint64(v) >= value {
			return nil
		}
		if hrtime.Since(start) < pollSpin {
			runtime.Gosched()
		} else {
			time.Sleep(pollSleep)
		}
	}
}
