// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vprintf

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// appendRecord emulates the device side of printf.
func appendRecord(buf []byte, hash uint32, args ...uint32) bool {
	off := binary.LittleEndian.Uint32(buf)
	n := uint32(RecordHeaderWords + len(args))
	binary.LittleEndian.PutUint32(buf, off+n)
	if int(off+n)*4 > len(buf) {
		return false
	}
	binary.LittleEndian.PutUint32(buf[off*4:], n)
	binary.LittleEndian.PutUint32(buf[(off+1)*4:], hash)
	for i, a := range args {
		binary.LittleEndian.PutUint32(buf[(off+2+uint32(i))*4:], a)
	}
	return true
}

func TestDecode(t *testing.T) {
	var tb Table
	h := tb.Add("x=%u\n")
	buf := make([]byte, 256)
	Init(buf)
	assert.Equal(t, uint32(HeaderWords), binary.LittleEndian.Uint32(buf))
	assert.Equal(t, uint32(64), binary.LittleEndian.Uint32(buf[4:]))
	for _, i := range []uint32{2, 0, 3, 1} {
		require.True(t, appendRecord(buf, h, i))
	}
	lines, err := Split(buf, &tb)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x=0", "x=1", "x=2", "x=3"}, lines)
}

func TestTruncated(t *testing.T) {
	var tb Table
	h := tb.Add("v=%d")
	buf := make([]byte, 40)
	Init(buf)
	n := 0
	for i := 0; i < 5; i++ {
		if appendRecord(buf, h, uint32(i)) {
			n++
		}
	}
	lines, err := Decode(buf, &tb)
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Len(t, lines, n)
}

func TestUnknownHash(t *testing.T) {
	var tb Table
	buf := make([]byte, 64)
	Init(buf)
	appendRecord(buf, 0xdead, 1)
	_, err := Decode(buf, &tb)
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	neg := int32(-5)
	cases := []struct {
		format string
		args   []uint32
		want   string
	}{
		{"%d", []uint32{uint32(neg)}, "-5"},
		{"%u", []uint32{uint32(neg)}, "4294967291"},
		{"%04x|%X", []uint32{255, 255}, "00ff|FF"},
		{"%.2f", []uint32{math.Float32bits(1.5)}, "1.50"},
		{"%lld", []uint32{0, 1}, "4294967296"},
		{"%c%c", []uint32{'o', 'k'}, "ok"},
		{"100%%", nil, "100%"},
	}
	for _, c := range cases {
		s, err := Format(c.format, c.args)
		assert.NoError(t, err, c.format)
		assert.Equal(t, c.want, s, c.format)
	}
	_, err := Format("%d %d", []uint32{1})
	assert.Error(t, err)
	_, err = Format("%s", []uint32{1})
	assert.Error(t, err)
}
