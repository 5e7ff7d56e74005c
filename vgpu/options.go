// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"os"
	"strconv"
	"strings"

	"github.com/jinzhu/copier"
	"github.com/pelletier/go-toml/v2"

	"goki.dev/vgpu/v3/base/errors"
)

// Options are the runtime switches consumed at bring-up.
// They are read from a TOML file and the environment, with
// the environment taking precedence.
type Options struct {

	// Validation enables the validation layers and the debug messenger.
	Validation bool `toml:"validation" env:"VULKAN_VALIDATION"`

	// DebugLabels enables object names and command labels without validation.
	DebugLabels bool `toml:"debug_labels" env:"VULKAN_DEBUG_LABELS"`

	// LogBinaries enables pipeline executable properties and logs
	// the statistics of each new pipeline.
	LogBinaries bool `toml:"log_binaries" env:"TOOLCHAIN_LOG_BINARIES"`

	// LogBinaryFilter restricts binary logging to functions whose
	// name contains one of these substrings.
	LogBinaryFilter []string `toml:"log_binary_filter" env:"VULKAN_LOG_BINARY_FILTER"`

	// DeviceDiagnostics enables NVIDIA device diagnostics.
	DeviceDiagnostics bool `toml:"device_diagnostics" env:"VULKAN_NVIDIA_DEVICE_DIAGNOSTICS"`

	// SemaWaitPolling polls the timeline value instead of blocking
	// in vkWaitSemaphores.
	SemaWaitPolling bool `toml:"sema_wait_polling" env:"VULKAN_SEMA_WAIT_POLLING"`

	// HDR requests HDR capable surfaces.
	HDR bool `toml:"hdr" env:"HDR"`

	// VR enables the VR context hooks.
	VR bool `toml:"vr" env:"VR"`

	// WideGamut requests wide gamut surfaces.
	WideGamut bool `toml:"wide_gamut" env:"WIDE_GAMUT"`

	// HeapAlloc routes allocations that do not opt out to the heap.
	HeapAlloc bool `toml:"heap_alloc" env:"__EXP_HEAP_ALLOC"`

	// AlwaysHeap routes every allocation to the heap.
	AlwaysHeap bool `toml:"always_heap" env:"__EXP_VULKAN_ALWAYS_HEAP"`

	// DeviceWhitelist limits device selection to devices whose name
	// contains one of these substrings.
	DeviceWhitelist []string `toml:"device_whitelist" env:"VULKAN_DEVICE_WHITELIST"`

	// Windowed keeps the swapchain extensions on the device.
	Windowed bool `toml:"windowed"`

	// NonBlocking allows submissions to complete asynchronously.
	NonBlocking bool `toml:"non_blocking"`

	// IgnoreFile is an optional YAML file that replaces the built in
	// validation message ignore list.
	IgnoreFile string `toml:"ignore_file" env:"VULKAN_IGNORE_FILE"`
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() *Options {
	return &Options{NonBlocking: true}
}

// OptionsFromEnv returns the default options overridden by the environment.
func OptionsFromEnv() *Options {
	op := DefaultOptions()
	op.ApplyEnv(os.LookupEnv)
	return op
}

// OpenOptions reads options from a TOML file and then applies the environment.
func OpenOptions(filename string) (*Options, error) {
	op := DefaultOptions()
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "vgpu.OpenOptions")
	}
	if err := toml.Unmarshal(b, op); err != nil {
		return nil, errors.Wrapf(err, "vgpu.OpenOptions: %s", filename)
	}
	op.ApplyEnv(os.LookupEnv)
	return op, nil
}

// Save writes the options as TOML.
func (op *Options) Save(filename string) error {
	b, err := toml.Marshal(op)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0o644)
}

// ApplyEnv overrides options from the given lookup function,
// normally [os.LookupEnv]. Booleans accept the usual strconv forms,
// and a set variable with an empty value counts as true.
// Lists are comma separated.
func (op *Options) ApplyEnv(lookup func(string) (string, bool)) {
	flag := func(name string, v *bool) {
		s, ok := lookup(name)
		if !ok {
			return
		}
		if s == "" {
			*v = true
			return
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			*v = s != "0"
			return
		}
		*v = b
	}
	list := func(name string, v *[]string) {
		s, ok := lookup(name)
		if !ok || s == "" {
			return
		}
		var out []string
		for _, f := range strings.Split(s, ",") {
			if f = strings.TrimSpace(f); f != "" {
				out = append(out, f)
			}
		}
		*v = out
	}
	flag("VULKAN_VALIDATION", &op.Validation)
	flag("VULKAN_DEBUG_LABELS", &op.DebugLabels)
	flag("TOOLCHAIN_LOG_BINARIES", &op.LogBinaries)
	list("VULKAN_LOG_BINARY_FILTER", &op.LogBinaryFilter)
	flag("VULKAN_NVIDIA_DEVICE_DIAGNOSTICS", &op.DeviceDiagnostics)
	flag("VULKAN_SEMA_WAIT_POLLING", &op.SemaWaitPolling)
	flag("HDR", &op.HDR)
	flag("VR", &op.VR)
	flag("WIDE_GAMUT", &op.WideGamut)
	flag("__EXP_HEAP_ALLOC", &op.HeapAlloc)
	flag("__EXP_VULKAN_ALWAYS_HEAP", &op.AlwaysHeap)
	list("VULKAN_DEVICE_WHITELIST", &op.DeviceWhitelist)
	if s, ok := lookup("VULKAN_IGNORE_FILE"); ok {
		op.IgnoreFile = s
	}
}

// Clone returns a deep copy of the options.
func (op *Options) Clone() *Options {
	cp := &Options{}
	errors.Log(copier.CopyWithOption(cp, op, copier.Option{DeepCopy: true}))
	return cp
}

// Labels returns true if object names and command labels are recorded.
func (op *Options) Labels() bool {
	return op.Validation || op.DebugLabels
}

// LogBinary returns true if pipelines of the named function are logged.
func (op *Options) LogBinary(name string) bool {
	if !op.LogBinaries {
		return false
	}
	if len(op.LogBinaryFilter) == 0 {
		return true
	}
	for _, f := range op.LogBinaryFilter {
		if strings.Contains(name, f) {
			return true
		}
	}
	return false
}
