// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// #include "vgpu.h"
import "C"

//export vgoDebugMessage
func vgoDebugMessage(severity, types, id C.int, name, msg *C.char) {
	debugMessage(int(severity), int32(id), C.GoString(name), C.GoString(msg))
}
