// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vheap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	next  uint64
	live  map[uint64]uint64
	fails bool
}

func (fs *fakeSource) AllocBlock(memType uint32, size uint64, hostVisible bool) (uint64, error) {
	if fs.fails {
		return 0, assert.AnError
	}
	if fs.live == nil {
		fs.live = make(map[uint64]uint64)
	}
	fs.next++
	fs.live[fs.next] = size
	return fs.next, nil
}

func (fs *fakeSource) FreeBlock(memType uint32, h uint64) {
	delete(fs.live, h)
}

func TestPreferredBlockSize(t *testing.T) {
	assert.Equal(t, GiB, PreferredBlockSize(16*GiB))
	assert.Equal(t, GiB, PreferredBlockSize(24*GiB))
	assert.Equal(t, 512*MiB, PreferredBlockSize(8*GiB))
	assert.Equal(t, DefaultBlockSize, PreferredBlockSize(4*GiB))
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(0), AlignUp(0, 256))
	assert.Equal(t, uint64(256), AlignUp(1, 256))
	assert.Equal(t, uint64(256), AlignUp(256, 256))
	assert.Equal(t, uint64(13), AlignUp(13, 1))
}

func TestAllocFree(t *testing.T) {
	src := &fakeSource{}
	hp := New(src, 4096)
	a, err := hp.Alloc(Request{Size: 100, Align: 64, MemType: 2})
	require.NoError(t, err)
	b, err := hp.Alloc(Request{Size: 100, Align: 64, MemType: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), a.Offset)
	assert.Equal(t, uint64(128), b.Offset)
	assert.Equal(t, a.Handle(), b.Handle())
	assert.Len(t, src.live, 1)

	st := hp.Stats()
	assert.Equal(t, 1, st.Blocks)
	assert.Equal(t, uint64(4096), st.Reserved)
	assert.Equal(t, uint64(200), st.Used)

	hp.Free(a)
	c, err := hp.Alloc(Request{Size: 64, Align: 64, MemType: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Offset)

	hp.Free(b)
	hp.Free(c)
	// one empty block is kept
	assert.Len(t, src.live, 1)
	assert.Equal(t, uint64(0), hp.Stats().Used)
}

func TestSeparateTypes(t *testing.T) {
	src := &fakeSource{}
	hp := New(src, 4096)
	a, err := hp.Alloc(Request{Size: 16, MemType: 0})
	require.NoError(t, err)
	b, err := hp.Alloc(Request{Size: 16, MemType: 1})
	require.NoError(t, err)
	c, err := hp.Alloc(Request{Size: 16, MemType: 1, HostVisible: true})
	require.NoError(t, err)
	assert.NotEqual(t, a.Handle(), b.Handle())
	assert.NotEqual(t, b.Handle(), c.Handle())
	assert.True(t, c.HostVisible())
	assert.Len(t, src.live, 3)
}

func TestDedicated(t *testing.T) {
	src := &fakeSource{}
	hp := New(src, 4096)
	a, err := hp.Alloc(Request{Size: 3000})
	require.NoError(t, err)
	assert.True(t, a.Block.Dedicated)
	assert.Equal(t, uint64(3000), src.live[a.Handle()])
	hp.Free(a)
	assert.Empty(t, src.live)
	assert.Nil(t, a.Block)
}

func TestGrowAndCoalesce(t *testing.T) {
	src := &fakeSource{}
	hp := New(src, 1024)
	var allocs []*Allocation
	for i := 0; i < 8; i++ {
		a, err := hp.Alloc(Request{Size: 256})
		require.NoError(t, err)
		allocs = append(allocs, a)
	}
	assert.Len(t, src.live, 2)
	// free the middle two of the first block, then a 512 request fits there
	hp.Free(allocs[1])
	hp.Free(allocs[2])
	a, err := hp.Alloc(Request{Size: 512})
	require.NoError(t, err)
	assert.Equal(t, allocs[0].Block, a.Block)
	assert.Equal(t, uint64(256), a.Offset)

	for _, al := range []*Allocation{allocs[0], allocs[3], a} {
		hp.Free(al)
	}
	for _, al := range allocs[4:] {
		hp.Free(al)
	}
	assert.Len(t, src.live, 1)
	hp.Destroy()
	assert.Empty(t, src.live)
}

func TestAllocErrors(t *testing.T) {
	hp := New(&fakeSource{fails: true}, 1024)
	_, err := hp.Alloc(Request{Size: 16})
	assert.Error(t, err)
	_, err = hp.Alloc(Request{Size: 0})
	assert.Error(t, err)
}
