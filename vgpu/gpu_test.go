// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"bytes"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deviceForTest returns the default device, skipping the test on
// machines without a Vulkan 1.3 device.
func deviceForTest(t *testing.T) *Device {
	t.Helper()
	if testing.Short() {
		t.Skip("needs a GPU")
	}
	gp, err := NewGPU("vgpu test", DefaultOptions())
	if err != nil {
		t.Skipf("no Vulkan: %v", err)
	}
	dv, err := gp.DefaultDevice()
	if err != nil {
		gp.Destroy()
		t.Skipf("no device: %v", err)
	}
	t.Cleanup(gp.Destroy)
	return dv
}

func TestBufferReadWrite(t *testing.T) {
	dv := deviceForTest(t)
	for _, fl := range []MemoryFlags{MemReadWrite | HostReadWrite, MemReadWrite} {
		b, err := dv.NewBuffer("rw", 4096, fl)
		require.NoError(t, err)
		data := bytes.Repeat([]byte{1, 2, 3, 4, 5}, 100)
		require.NoError(t, b.Write(100, data))
		out := make([]byte, len(data))
		require.NoError(t, b.Read(100, out))
		assert.Equal(t, data, out, "flags %v", fl)
		b.Destroy()
	}
}

func TestBufferFillCopy(t *testing.T) {
	dv := deviceForTest(t)
	src, err := dv.NewBuffer("src", 256, MemReadWrite|HostReadWrite)
	require.NoError(t, err)
	defer src.Destroy()
	dst, err := dv.NewBuffer("dst", 256, MemReadWrite|HostReadWrite)
	require.NoError(t, err)
	defer dst.Destroy()

	require.NoError(t, src.Fill(0, 256, []byte{0xab, 0xcd}))
	require.NoError(t, src.Fill(4, 3, []byte{7}))
	require.NoError(t, src.CopyTo(dst, 0, 0, 256))
	require.NoError(t, dv.DefaultQueue().Finish())

	want := tilePattern([]byte{0xab, 0xcd}, 256)
	copy(want[4:], []byte{7, 7, 7})
	out := make([]byte, 256)
	require.NoError(t, dst.Read(0, out))
	assert.Equal(t, want, out)

	require.NoError(t, dst.Zero())
	require.NoError(t, dst.Read(0, out))
	assert.Equal(t, make([]byte, 256), out)
}

func TestTimelineFence(t *testing.T) {
	dv := deviceForTest(t)
	fc, err := dv.NewFence("timeline", false)
	require.NoError(t, err)
	defer fc.Destroy()

	v, err := fc.NextSignalValue()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	var done atomic.Bool
	q := dv.DefaultQueue()
	err = q.CmdBlock("signal", SubmitOptions{
		Signal:     []FenceSignal{{Fence: fc}},
		Completion: func() { done.Store(true) },
	}, func(cb *CmdBuffer) error { return nil })
	require.NoError(t, err)
	require.NoError(t, fc.Wait(v))
	require.NoError(t, q.Finish())
	assert.True(t, done.Load())

	got, err := fc.Value()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got, v)

	bf, err := dv.NewFence("binary", true)
	require.NoError(t, err)
	defer bf.Destroy()
	_, err = bf.Value()
	assert.ErrorIs(t, err, ErrBinaryFence)
}

func TestImageReadWrite(t *testing.T) {
	dv := deviceForTest(t)
	im, err := dv.NewImage("rgb", ImageInfo{Format: RGB8Unorm, Width: 16, Height: 16, Flags: MemReadWrite})
	require.NoError(t, err)
	defer im.Destroy()

	data := make([]byte, 16*16*3)
	for i := range 16 * 16 {
		x, y := byte(i%16), byte(i/16)
		copy(data[i*3:], []byte{x, y, x ^ y})
	}
	require.NoError(t, im.Write(0, 0, data))
	out, err := im.Read(0, 0)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}
