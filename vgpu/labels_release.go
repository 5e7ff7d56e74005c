// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build release

package vgpu

// #include "vgpu.h"
import "C"

func (dv *Device) setObjectName(typ C.VkObjectType, handle uint64, name string) {}

func (cb *CmdBuffer) BeginLabel(name string) {}

func (cb *CmdBuffer) InsertLabel(name string) {}

func (cb *CmdBuffer) EndLabel() {}
