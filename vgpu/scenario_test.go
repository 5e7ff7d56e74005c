// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const saxpyN = 1024

func saxpyForTest(t *testing.T, dv *Device) *Kernel {
	t.Helper()
	pr, err := dv.GPU.AddPrecompiledProgramFile("testdata/saxpy.spv")
	require.NoError(t, err)
	k, err := pr.Kernel("saxpy")
	require.NoError(t, err)
	return k
}

func floatsBytes(v []float32) []byte {
	b := make([]byte, 0, 4*len(v))
	for _, f := range v {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}

func readFloats(t *testing.T, b *Buffer, n int) []float32 {
	t.Helper()
	raw := make([]byte, 4*n)
	require.NoError(t, b.Read(0, raw))
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out
}

// rampBuffer returns a buffer holding x[i] = i.
func rampBuffer(t *testing.T, dv *Device) *Buffer {
	t.Helper()
	x := make([]float32, saxpyN)
	for i := range x {
		x[i] = float32(i)
	}
	xb, err := dv.NewBuffer("x", 4*saxpyN, MemReadWrite|HostWrite)
	require.NoError(t, err)
	t.Cleanup(xb.Destroy)
	require.NoError(t, xb.Write(0, floatsBytes(x)))
	return xb
}

func zeroBuffer(t *testing.T, dv *Device, name string) *Buffer {
	t.Helper()
	yb, err := dv.NewBuffer(name, 4*saxpyN, MemReadWrite|HostReadWrite)
	require.NoError(t, err)
	t.Cleanup(yb.Destroy)
	require.NoError(t, yb.Fill(0, 4*saxpyN, []byte{0, 0, 0, 0}))
	return yb
}

func TestDispatchSaxpy(t *testing.T) {
	dv := deviceForTest(t)
	k := saxpyForTest(t, dv)
	xb := rampBuffer(t, dv)
	yb := zeroBuffer(t, dv, "y")

	q := dv.DefaultQueue()
	args := []Arg{Buf(yb), Buf(xb), Value(float32(2)), Uint32(saxpyN)}
	require.NoError(t, k.Execute(q, [3]uint32{saxpyN, 1, 1}, [3]uint32{64, 1, 1}, args, ExecOptions{}))
	require.NoError(t, q.Finish())

	y := readFloats(t, yb, saxpyN)
	for i, v := range y {
		require.Equal(t, 2*float32(i), v, "y[%d]", i)
	}
}

func TestIndirectCompute(t *testing.T) {
	dv := deviceForTest(t)
	k := saxpyForTest(t, dv)
	xb := rampBuffer(t, dv)
	ys := []*Buffer{zeroBuffer(t, dv, "y0"), zeroBuffer(t, dv, "y1"), zeroBuffer(t, dv, "y2")}

	ip, err := dv.NewIndirectPipeline("saxpy x3", IndirectDesc{Type: IndirectCompute, MaxCount: 3, Functions: []*Function{k.Function}})
	require.NoError(t, err)
	defer ip.Destroy()

	grid, block := [3]uint32{saxpyN, 1, 1}, [3]uint32{64, 1, 1}
	encode := func(i int) error {
		args := []Arg{Buf(ys[i]), Buf(xb), Value(float32(i + 1)), Uint32(saxpyN)}
		return ip.AddComputeCommand(i, k, grid, block, args)
	}

	// A failed encoding leaves its command out of every range.
	require.NoError(t, encode(0))
	err = ip.AddComputeCommand(1, k, grid, block, []Arg{Buf(ys[1]), Buf(xb)})
	require.Error(t, err)
	require.NoError(t, encode(2))
	require.NoError(t, ip.Complete())
	q := dv.DefaultQueue()
	err = ip.ExecuteIndirect(q, nil, 0, 3, SubmitOptions{Blocking: true})
	require.ErrorContains(t, err, "command 1 was not encoded")

	require.NoError(t, ip.Reset())
	for i := range 3 {
		require.NoError(t, encode(i))
	}
	require.NoError(t, ip.Complete())
	require.NoError(t, ip.ExecuteIndirect(q, nil, 0, 3, SubmitOptions{Blocking: true}))
	require.NoError(t, q.Finish())

	var got, want []float32
	for i, yb := range ys {
		got = append(got, readFloats(t, yb, saxpyN)...)
		for j := range saxpyN {
			want = append(want, float32(i+1)*float32(j))
		}
	}
	assert.Equal(t, want, got)
}

func TestFenceOrdersQueues(t *testing.T) {
	dv := deviceForTest(t)
	q1 := dv.DefaultQueue()
	q2 := dv.DefaultComputeQueue()
	if qs := dv.NewDistinctQueues(AllQueue, 2); len(qs) == 2 {
		q1, q2 = qs[0], qs[1]
	}
	if q1.Family == q2.Family && q1.Index == q2.Index {
		t.Skip("device has a single queue")
	}

	fc, err := dv.NewFence("a to b", false)
	require.NoError(t, err)
	defer fc.Destroy()
	v, err := fc.NextSignalValue()
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	done := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	empty := func(cb *CmdBuffer) error { return nil }
	require.NoError(t, q1.CmdBlock("a", SubmitOptions{
		Signal:     []FenceSignal{{Fence: fc, Value: v, Stage: SyncAllCommands}},
		Completion: done("a"),
	}, empty))
	require.NoError(t, q2.CmdBlock("b", SubmitOptions{
		Wait:       []FenceWait{{Fence: fc, Value: v, Stage: SyncAllCommands}},
		Completion: done("b"),
	}, empty))
	require.NoError(t, q1.Finish())
	require.NoError(t, q2.Finish())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestKernelPrintf(t *testing.T) {
	dv := deviceForTest(t)
	pr, err := dv.GPU.AddPrecompiledProgramFile("testdata/printf.spv")
	require.NoError(t, err)
	k, err := pr.Kernel("threads")
	require.NoError(t, err)

	var lines []string
	dv.PrintfHandler = func(function string, out []string) {
		assert.Equal(t, "threads", function)
		lines = append(lines, out...)
	}
	q := dv.DefaultQueue()
	require.NoError(t, k.Execute(q, [3]uint32{4, 1, 1}, [3]uint32{4, 1, 1}, []Arg{Uint32(4)}, ExecOptions{}))
	assert.ElementsMatch(t, []string{"x=0", "x=1", "x=2", "x=3"}, lines)
}

// After N completed submissions on one queue from one goroutine, the
// pool has no buffers in use and has signaled N values.
func TestSubmitRoundTrip(t *testing.T) {
	dv := deviceForTest(t)
	q := dv.DefaultQueue()
	const n = 16

	var mu sync.Mutex
	var order []int
	var pool *CmdPool
	var start uint64
	for i := range n {
		cb, err := q.MakeCmd("round trip")
		require.NoError(t, err)
		if pool == nil {
			pool, start = cb.pool, cb.pool.SignalCount()
		}
		require.Same(t, pool, cb.pool)
		require.NoError(t, q.Submit(cb, SubmitOptions{Completion: func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}}))
	}
	require.NoError(t, q.Finish())
	require.Eventually(t, func() bool { return pool.InUse() == 0 }, 5*time.Second, time.Millisecond)

	assert.Equal(t, uint64(n), pool.SignalCount()-start)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, order, n)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, order)
}
