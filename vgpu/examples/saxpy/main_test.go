// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goki.dev/vgpu/v3/vgpu"
)

func TestSaxpy(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a GPU")
	}
	gp, err := vgpu.NewGPU("saxpy test", nil)
	if err != nil {
		t.Skipf("no Vulkan: %v", err)
	}
	defer gp.Destroy()
	if len(gp.Devices) == 0 {
		t.Skip("no device passed selection")
	}
	require.NoError(t, run("testdata/saxpy.spv"))
}
