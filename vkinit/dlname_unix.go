// Copyright (c) 2022, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux || freebsd

package vkinit

// DlNames are the library names tried, in order, when opening the loader.
var DlNames = []string{"libvulkan.so.1", "libvulkan.so"}
