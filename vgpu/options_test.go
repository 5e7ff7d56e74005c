// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	op := DefaultOptions()
	op.ApplyEnv(envMap(map[string]string{
		"VULKAN_VALIDATION":        "",
		"VULKAN_DEBUG_LABELS":      "false",
		"VULKAN_SEMA_WAIT_POLLING": "yes",
		"__EXP_HEAP_ALLOC":         "1",
		"VULKAN_DEVICE_WHITELIST":  "NVIDIA, AMD ,,",
		"VULKAN_LOG_BINARY_FILTER": "",
		"VULKAN_IGNORE_FILE":       "ignore.yaml",
	}))
	assert.True(t, op.Validation, "an empty value counts as set")
	assert.False(t, op.DebugLabels)
	assert.True(t, op.SemaWaitPolling, "unparsable values other than 0 are true")
	assert.True(t, op.HeapAlloc)
	assert.False(t, op.AlwaysHeap)
	assert.Equal(t, []string{"NVIDIA", "AMD"}, op.DeviceWhitelist)
	assert.Nil(t, op.LogBinaryFilter)
	assert.Equal(t, "ignore.yaml", op.IgnoreFile)
	assert.True(t, op.NonBlocking)
	assert.True(t, op.Labels())
}

func TestOptionsSaveOpen(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "vgpu.toml")
	op := DefaultOptions()
	op.LogBinaries = true
	op.LogBinaryFilter = []string{"saxpy"}
	op.AlwaysHeap = true
	require.NoError(t, op.Save(fn))

	got, err := OpenOptions(fn)
	require.NoError(t, err)
	if _, set := os.LookupEnv("__EXP_VULKAN_ALWAYS_HEAP"); !set {
		assert.True(t, got.AlwaysHeap)
	}
	assert.True(t, got.LogBinary("saxpy_f32"))
	assert.False(t, got.LogBinary("fill"))

	_, err = OpenOptions(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestOptionsClone(t *testing.T) {
	op := DefaultOptions()
	op.DeviceWhitelist = []string{"a"}
	cp := op.Clone()
	cp.DeviceWhitelist[0] = "b"
	assert.Equal(t, "a", op.DeviceWhitelist[0])
	assert.True(t, cp.NonBlocking)
}

func TestLogBinaryUnfiltered(t *testing.T) {
	op := DefaultOptions()
	assert.False(t, op.LogBinary("k"))
	op.LogBinaries = true
	assert.True(t, op.LogBinary("k"))
}

func TestDefaultIgnoreList(t *testing.T) {
	il := DefaultIgnoreList()
	assert.NotEmpty(t, il.Always)
	assert.True(t, il.Ignored(0, "BestPractices-vkBeginCommandBuffer-one-time-submit", true, false))
	assert.False(t, il.Ignored(0, "VUID-vkCmdDraw-None-02699", true, false))

	small := "BestPractices-vkAllocateMemory-small-allocation"
	assert.True(t, il.Ignored(0, small, false, false))
	assert.False(t, il.Ignored(0, small, true, false))

	vr := "BestPractices-vkCreateInstance-extension-mismatch"
	assert.True(t, il.Ignored(0, vr, true, true))
	assert.False(t, il.Ignored(0, vr, true, false))

	var none *IgnoreList
	assert.False(t, none.Ignored(1, "x", false, false))
}

func TestParseIgnoreListIDs(t *testing.T) {
	il, err := ParseIgnoreList([]byte("always:\n  - 0x1f\n  - 42\n  - Named-ID\nvr:\n  - -7\n"))
	require.NoError(t, err)
	assert.True(t, il.Ignored(31, "", true, false))
	assert.True(t, il.Ignored(42, "other", true, false))
	assert.True(t, il.Ignored(0, "Named-ID", true, false))
	assert.True(t, il.Ignored(-7, "", true, true))
	assert.False(t, il.Ignored(-7, "", true, false))

	_, err = ParseIgnoreList([]byte("always: [unclosed"))
	assert.Error(t, err)
}

func TestLoadIgnoreList(t *testing.T) {
	il, err := LoadIgnoreList("")
	require.NoError(t, err)
	assert.NotEmpty(t, il.Always)

	fn := filepath.Join(t.TempDir(), "ignore.yaml")
	require.NoError(t, os.WriteFile(fn, []byte("always: [Only-This]\n"), 0o644))
	il, err = LoadIgnoreList(fn)
	require.NoError(t, err)
	assert.Equal(t, []string{"Only-This"}, il.Always)
	assert.Empty(t, il.HeapDisabled)
}

func TestSeverityLevel(t *testing.T) {
	assert.Equal(t, slog.LevelError, severityLevel(severityError))
	assert.Equal(t, slog.LevelWarn, severityLevel(severityWarning))
	assert.Equal(t, slog.LevelInfo, severityLevel(severityInfo))
	assert.Equal(t, slog.LevelDebug, severityLevel(severityVerbose))
}
