// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	vk "github.com/goki/vulkan"

	"goki.dev/vgpu/v3/base/errors"
)

// Queue family capability bits.
const (
	QueueGraphics = uint32(vk.QueueGraphicsBit)
	QueueCompute  = uint32(vk.QueueComputeBit)
	QueueTransfer = uint32(vk.QueueTransferBit)
)

// QueueFamily is one queue family of a physical device.
type QueueFamily struct {
	Index uint32
	Flags uint32
	Count uint32
}

// caps returns the flags with the transfer bit implied by
// graphics or compute.
func (qf QueueFamily) caps() uint32 {
	f := qf.Flags
	if f&(QueueGraphics|QueueCompute) != 0 {
		f |= QueueTransfer
	}
	return f
}

// Universal returns true if the family does graphics, compute and transfer.
func (qf QueueFamily) Universal() bool {
	all := QueueGraphics | QueueCompute | QueueTransfer
	return qf.Count > 0 && qf.caps()&all == all
}

// ComputeOnly returns true if the family does compute and transfer
// but not graphics.
func (qf QueueFamily) ComputeOnly() bool {
	c := qf.caps()
	return qf.Count > 0 && c&QueueGraphics == 0 && c&(QueueCompute|QueueTransfer) == QueueCompute|QueueTransfer
}

// QueueTypes are the kinds of queue the runtime creates.
type QueueTypes int32

const (
	// AllQueue does graphics, compute and transfer.
	AllQueue QueueTypes = iota

	// ComputeQueue does compute and transfer only.
	ComputeQueue
)

func (qt QueueTypes) String() string {
	if qt == ComputeQueue {
		return "compute"
	}
	return "all"
}

// SelectQueueFamilies returns the universal family index, preferring
// the family with the most queues, and the compute only family index,
// which equals the universal one if the device has no compute only family.
func SelectQueueFamilies(fams []QueueFamily) (all, compute int, err error) {
	all, compute = -1, -1
	for i, qf := range fams {
		if qf.Universal() && (all < 0 || qf.Count > fams[all].Count) {
			all = i
		}
		if qf.ComputeOnly() && (compute < 0 || qf.Count > fams[compute].Count) {
			compute = i
		}
	}
	if all < 0 {
		return -1, -1, errors.New("no queue family with graphics, compute and transfer")
	}
	if compute < 0 {
		compute = all
	}
	return int(fams[all].Index), int(fams[compute].Index), nil
}
