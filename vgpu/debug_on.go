// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build debug

package vgpu

// debugBuild enables the descriptor write bounds panic
// and the indirect range diagnostics.
const debugBuild = true
