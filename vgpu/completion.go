// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CompletionWorkers is the number of completion goroutines per device.
const CompletionWorkers = 8

// completionIdle is how long a worker waits for work before
// re-checking the queue and the shutdown context.
const completionIdle = 500 * time.Millisecond

// completionPool runs the wait-and-complete jobs of non-blocking
// submissions on a fixed set of goroutines.
type completionPool struct {
	mu     sync.Mutex
	jobs   []func()
	closed bool

	notify chan struct{}
	cancel context.CancelFunc
	group  *errgroup.Group
}

func newCompletionPool(workers int) *completionPool {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	cp := &completionPool{notify: make(chan struct{}, workers), cancel: cancel, group: g}
	for range workers {
		g.Go(func() error {
			cp.work(ctx)
			return nil
		})
	}
	return cp
}

// push queues a job. After close, the job runs on the caller.
func (cp *completionPool) push(job func()) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		job()
		return
	}
	cp.jobs = append(cp.jobs, job)
	cp.mu.Unlock()
	select {
	case cp.notify <- struct{}{}:
	default:
	}
}

func (cp *completionPool) pop() func() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if len(cp.jobs) == 0 {
		return nil
	}
	job := cp.jobs[0]
	cp.jobs[0] = nil
	cp.jobs = cp.jobs[1:]
	return job
}

// pending returns the number of queued jobs.
func (cp *completionPool) pending() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.jobs)
}

func (cp *completionPool) drain() {
	for job := cp.pop(); job != nil; job = cp.pop() {
		job()
	}
}

func (cp *completionPool) work(ctx context.Context) {
	timer := time.NewTimer(completionIdle)
	defer timer.Stop()
	for {
		cp.drain()
		select {
		case <-ctx.Done():
			cp.drain()
			return
		case <-cp.notify:
		case <-timer.C:
		}
		timer.Reset(completionIdle)
	}
}

// close stops the workers after the queued jobs have run.
func (cp *completionPool) close() {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return
	}
	cp.closed = true
	cp.mu.Unlock()
	cp.cancel()
	cp.group.Wait()
}
