// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command vkinfo lists the Vulkan devices of the machine, with the
// device selection verdict for each, and dumps the capabilities of
// the selected devices.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/muesli/termenv"
	"github.com/pelletier/go-toml/v2"

	"goki.dev/vgpu/v3/base/errors"
	"goki.dev/vgpu/v3/base/logx"
	"goki.dev/vgpu/v3/vgpu"
)

func main() {
	vv := flag.Bool("vv", false, "debug logging")
	v := flag.Bool("v", false, "info logging")
	q := flag.Bool("q", false, "only log errors")
	caps := flag.Bool("caps", false, "create each selected device and dump its capabilities as TOML")
	windowed := flag.Bool("windowed", false, "gate devices for windowed use")
	config := flag.String("config", "", "TOML options file")
	flag.Parse()

	logx.UserLevel = logx.LevelFromFlags(*vv, *v, *q)
	logx.SetDefaultLogger()

	op := vgpu.OptionsFromEnv()
	if *config != "" {
		op = errors.Log1(vgpu.OpenOptions(*config))
		if op == nil {
			os.Exit(1)
		}
	}
	op.Windowed = op.Windowed || *windowed

	gp, err := vgpu.NewGPU("vkinfo", op)
	if err != nil {
		slog.Error("vkinfo", "err", err)
		os.Exit(1)
	}
	defer gp.Destroy()

	out := termenv.NewOutput(os.Stdout)
	report(out, gp)
	if !*caps {
		return
	}
	for _, pd := range gp.Devices {
		dv, err := gp.NewDevice(pd)
		if err != nil {
			slog.Error("vkinfo: device creation", "device", pd.Name, "err", err)
			continue
		}
		if err := dumpCaps(os.Stdout, dv.Caps()); err != nil {
			slog.Error("vkinfo", "err", err)
		}
	}
}

// report prints one verdict line per device.
func report(out *termenv.Output, gp *vgpu.GPU) {
	pass := out.String("PASS").Foreground(out.Color("2")).Bold()
	fail := out.String("FAIL").Foreground(out.Color("1")).Bold()
	for _, pd := range gp.Devices {
		fmt.Fprintf(out, "%s %v\n", pass, pd)
		for _, w := range pd.Selection.Warnings {
			fmt.Fprintf(out, "     %s\n", out.String("warning: "+w).Foreground(out.Color("3")))
		}
	}
	for _, ge := range gp.Rejected {
		fmt.Fprintf(out, "%s %s\n", fail, ge.Device)
		fmt.Fprintf(out, "     %s\n", out.String(ge.Error()).Faint())
	}
	if len(gp.Devices) == 0 {
		fmt.Fprintln(out, out.String("no device passed selection").Foreground(out.Color("1")))
	}
}

func dumpCaps(w io.Writer, c *vgpu.Caps) error {
	fmt.Fprintf(w, "\n# %s\n# queue counts by family: %v\n", c.Name, c.QueueCounts)
	return toml.NewEncoder(w).Encode(c)
}
