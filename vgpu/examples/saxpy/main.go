// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// saxpy computes y = 2*x + y with x[i] = i and y = 0 on the default
// device and checks the result on the host. The program is read from testdata/saxpy.spv
// and its metadata sidecar.
package main

//go:generate glslc -fshader-stage=compute --target-env=vulkan1.3 --target-spv=spv1.3 -o testdata/saxpy.spv testdata/saxpy.comp

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"

	"goki.dev/vgpu/v3/base/errors"
	"goki.dev/vgpu/v3/base/logx"
	"goki.dev/vgpu/v3/vgpu"
)

const (
	n         = 1024
	blockSize = 64
)

func main() {
	logx.SetDefaultLogger()
	file := "testdata/saxpy.spv"
	if len(os.Args) > 1 {
		file = os.Args[1]
	}
	if err := run(file); err != nil {
		slog.Error("saxpy", "err", err)
		os.Exit(1)
	}
}

func run(file string) error {
	gp, err := vgpu.NewGPU("saxpy", nil)
	if err != nil {
		return err
	}
	defer gp.Destroy()
	dv, err := gp.DefaultDevice()
	if err != nil {
		return err
	}
	pr, err := gp.AddPrecompiledProgramFile(file)
	if err != nil {
		return err
	}
	k, err := pr.Kernel("saxpy")
	if err != nil {
		return err
	}

	x := make([]float32, n)
	y := make([]float32, n)
	for i := range x {
		x[i] = float32(i)
	}
	const a = 2.0

	xb, err := dv.NewBuffer("x", n*4, vgpu.MemReadWrite|vgpu.HostWrite)
	if err != nil {
		return err
	}
	defer xb.Destroy()
	yb, err := dv.NewBuffer("y", n*4, vgpu.MemReadWrite|vgpu.HostReadWrite)
	if err != nil {
		return err
	}
	defer yb.Destroy()
	if err := xb.Write(0, floatBytes(x)); err != nil {
		return err
	}
	if err := yb.Write(0, floatBytes(y)); err != nil {
		return err
	}

	q := dv.DefaultQueue()
	args := []vgpu.Arg{vgpu.Buf(yb), vgpu.Buf(xb), vgpu.Value(float32(a)), vgpu.Uint32(n)}
	err = k.Execute(q, [3]uint32{n, 1, 1}, [3]uint32{blockSize, 1, 1}, args, vgpu.ExecOptions{})
	if err != nil {
		return err
	}
	errors.Log(q.Finish())

	out := make([]byte, n*4)
	if err := yb.Read(0, out); err != nil {
		return err
	}
	bad := 0
	for i := range y {
		got := math.Float32frombits(binary.LittleEndian.Uint32(out[4*i:]))
		if want := a * float32(i); got != want {
			if bad < 10 {
				slog.Error("saxpy mismatch", "index", i, "got", got, "want", want)
			}
			bad++
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d results differ", bad, n)
	}
	st := q.Stats()
	fmt.Printf("saxpy: %d elements ok on %s (%d submits, mean latency %v)\n", n, dv.Name, st.Submitted, st.MeanLatency)
	return nil
}

func floatBytes(v []float32) []byte {
	b := make([]byte, 0, 4*len(v))
	for _, f := range v {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}
