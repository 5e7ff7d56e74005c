// Copyright (c) 2022, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build darwin

package vkinit

// DlNames are the library names tried, in order, when opening the loader.
var DlNames = []string{"libvulkan.1.dylib", "libvulkan.dylib", "libMoltenVK.dylib"}
