// Copyright (c) 2023, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package errors

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	err := Wrap(fs.ErrNotExist, "opening program")
	assert.Error(t, err)
	assert.True(t, Is(err, fs.ErrNotExist))
	assert.Contains(t, err.Error(), "opening program")
	assert.Nil(t, Wrap(nil, "nothing"))
}

func TestJoin(t *testing.T) {
	assert.Nil(t, Join(nil, nil))
	a := New("a")
	b := New("b")
	err := Join(a, nil, b)
	assert.True(t, Is(err, a))
	assert.True(t, Is(err, b))
}

func TestLog1(t *testing.T) {
	v := Log1(3, nil)
	assert.Equal(t, 3, v)
	v = Log1(0, Errorf("bad value %d", 7))
	assert.Equal(t, 0, v)
	assert.Error(t, Log(New("logged")))
}

func TestStack(t *testing.T) {
	assert.Equal(t, "", Stack(nil))
	assert.Contains(t, Stack(New("deep")), "deep")
}

func TestMust(t *testing.T) {
	assert.NotPanics(t, func() { Must(nil) })
	assert.Panics(t, func() { Must(New("boom")) })
	assert.Equal(t, 5, Must1(5, nil))
}
