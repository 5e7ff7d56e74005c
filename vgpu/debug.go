// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"context"
	_ "embed"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"goki.dev/vgpu/v3/base/errors"
)

//go:embed ignore_ids.yaml
var defaultIgnoreYAML []byte

// IgnoreList is the set of validation messages that are not reported.
type IgnoreList struct {
	// Always lists messages that are never reported.
	Always []string `yaml:"always"`

	// HeapDisabled lists messages that are only reported when
	// allocations go through the heap.
	HeapDisabled []string `yaml:"heap_disabled"`

	// VR lists messages that are not reported while a VR context is active.
	VR []string `yaml:"vr"`

	names map[string]uint8
	ids   map[int32]uint8
}

const (
	ignoreAlways uint8 = 1 << iota
	ignoreHeapDisabled
	ignoreVR
)

// ParseIgnoreList parses a YAML ignore list.
func ParseIgnoreList(data []byte) (*IgnoreList, error) {
	il := &IgnoreList{}
	if err := yaml.Unmarshal(data, il); err != nil {
		return nil, errors.Wrap(err, "vgpu: parsing validation ignore list")
	}
	il.index()
	return il, nil
}

// DefaultIgnoreList returns the built in ignore list.
func DefaultIgnoreList() *IgnoreList {
	return errors.Must1(ParseIgnoreList(defaultIgnoreYAML))
}

// LoadIgnoreList reads an ignore list from a file, or returns
// the built in list if filename is empty.
func LoadIgnoreList(filename string) (*IgnoreList, error) {
	if filename == "" {
		return DefaultIgnoreList(), nil
	}
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseIgnoreList(b)
}

func (il *IgnoreList) index() {
	il.names = map[string]uint8{}
	il.ids = map[int32]uint8{}
	add := func(list []string, bit uint8) {
		for _, s := range list {
			if n, err := strconv.ParseInt(s, 0, 64); err == nil {
				il.ids[int32(n)] |= bit
				continue
			}
			il.names[s] |= bit
		}
	}
	add(il.Always, ignoreAlways)
	add(il.HeapDisabled, ignoreHeapDisabled)
	add(il.VR, ignoreVR)
}

// Ignored returns true if the message with the given id number and
// id name is filtered, given whether the heap is enabled and a VR
// context is active.
func (il *IgnoreList) Ignored(id int32, name string, heapEnabled, vr bool) bool {
	if il == nil {
		return false
	}
	bits := il.ids[id] | il.names[name]
	if bits&ignoreAlways != 0 {
		return true
	}
	if bits&ignoreHeapDisabled != 0 && !heapEnabled {
		return true
	}
	return bits&ignoreVR != 0 && vr
}

// debugFilter is the state consulted by the validation callback.
type debugFilter struct {
	list        *IgnoreList
	heapEnabled bool
	vr          bool
}

// activeFilter is set while a GPU with validation is alive.
var activeFilter atomic.Pointer[debugFilter]

// Validation message severity bits.
const (
	severityVerbose = 0x1
	severityInfo    = 0x10
	severityWarning = 0x100
	severityError   = 0x1000
)

// severityLevel maps a validation message severity to a log level.
func severityLevel(severity int) slog.Level {
	switch {
	case severity&severityError != 0:
		return slog.LevelError
	case severity&severityWarning != 0:
		return slog.LevelWarn
	case severity&severityInfo != 0:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// debugMessage filters and logs one validation message.
// It never asks the layer to abort the call.
func debugMessage(severity int, id int32, name, msg string) {
	if f := activeFilter.Load(); f != nil {
		if f.list.Ignored(id, name, f.heapEnabled, f.vr) {
			return
		}
	}
	msg = strings.TrimSpace(msg)
	slog.Log(context.Background(), severityLevel(severity), "vulkan validation", "id", name, "num", id, "msg", msg)
}
