// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

// #include "vgpu.h"
import "C"

import (
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"

	"goki.dev/vgpu/v3/base/errors"
	"goki.dev/vgpu/v3/vkinit"
)

// GPU is a Vulkan instance with the physical devices that passed
// device selection. There is normally one GPU per process.
type GPU struct {

	// Name is the application name given to the instance.
	Name string

	// Options are the options the instance was created with.
	Options *Options

	// Instance is the Vulkan instance.
	Instance vk.Instance

	// InstanceExts are the enabled instance extensions.
	InstanceExts []string

	// Layers are the enabled instance layers.
	Layers []string

	// Devices are the physical devices that passed selection,
	// discrete devices first.
	Devices []*PhysicalDevice

	// Rejected are the reasons devices failed selection.
	Rejected []*GateError

	// Programs are the programs added with the Add*Program* methods.
	Programs []*Program

	// Compiler builds programs from source for [GPU.AddProgramSource].
	Compiler Compiler

	ifuncs     *C.vgInstanceFuncs
	messenger  C.VkDebugUtilsMessengerEXT
	debugChain *C.vgDebugChain
	filter     *debugFilter
	vr         VRContext

	mu      sync.Mutex
	devices []*Device
}

// NewGPU creates the Vulkan instance and runs device selection.
// A GPU without any usable device is not an error; [GPU.DefaultDevice]
// reports it.
func NewGPU(name string, op *Options) (*GPU, error) {
	return NewGPUWithVR(name, op, nil)
}

// NewGPUWithVR is [NewGPU] with a VR context that adds instance and
// device extensions and filters VR specific validation messages.
func NewGPUWithVR(name string, op *Options, vr VRContext) (*GPU, error) {
	if op == nil {
		op = OptionsFromEnv()
	}
	procAddr, err := vkinit.LoadVulkan()
	if err != nil {
		return nil, err
	}
	gp := &GPU{Name: name, Options: op, vr: vr}
	if err := gp.createInstance(procAddr); err != nil {
		gp.Destroy()
		return nil, err
	}
	pds, err := gp.EnumerateDevices()
	if err != nil {
		gp.Destroy()
		return nil, err
	}
	for _, pd := range pds {
		sel, err := CheckDevice(pd, op)
		if err != nil {
			var ge *GateError
			if errors.As(err, &ge) {
				gp.Rejected = append(gp.Rejected, ge)
			}
			slog.Warn("vgpu: skipping device", "err", err)
			pd.Release()
			continue
		}
		for _, w := range sel.Warnings {
			slog.Warn("vgpu: device selection", "device", pd.Name, "warning", w)
		}
		pd.Selection = sel
		gp.Devices = append(gp.Devices, pd)
	}
	slices.SortStableFunc(gp.Devices, func(a, b *PhysicalDevice) int {
		return deviceTypeRank(a.Type) - deviceTypeRank(b.Type)
	})
	return gp, nil
}

func deviceTypeRank(t string) int {
	switch t {
	case "discrete":
		return 0
	case "integrated":
		return 1
	case "virtual":
		return 2
	}
	return 3
}

// surfaceExtensions are the instance extensions for windowed use.
var surfaceExtensions = []string{
	"VK_KHR_surface", "VK_KHR_xlib_surface", "VK_KHR_xcb_surface", "VK_KHR_wayland_surface",
	"VK_KHR_win32_surface", "VK_EXT_metal_surface", "VK_KHR_android_surface",
	"VK_KHR_get_surface_capabilities2", "VK_EXT_surface_maintenance1",
}

const validationLayer = "VK_LAYER_KHRONOS_validation"

func (gp *GPU) createInstance(procAddr unsafe.Pointer) error {
	op := gp.Options
	avail, err := instanceExtensions()
	if err != nil {
		return err
	}
	layers, err := instanceLayers()
	if err != nil {
		return err
	}
	want := func(name string) {
		if avail[name] && !slices.Contains(gp.InstanceExts, name) {
			gp.InstanceExts = append(gp.InstanceExts, name)
		}
	}
	if op.Labels() {
		want("VK_EXT_debug_utils")
	}
	if op.Validation {
		if layers[validationLayer] {
			gp.Layers = append(gp.Layers, validationLayer)
			want("VK_EXT_layer_settings")
		} else {
			slog.Warn("vgpu: validation requested but the layer is not installed", "layer", validationLayer)
		}
	}
	var flags vk.InstanceCreateFlags
	if avail["VK_KHR_portability_enumeration"] {
		want("VK_KHR_portability_enumeration")
		flags |= vk.InstanceCreateFlags(vk.InstanceCreateEnumeratePortabilityBit)
	}
	if op.Windowed {
		for _, e := range surfaceExtensions {
			want(e)
		}
		if op.HDR || op.WideGamut {
			want("VK_EXT_swapchain_colorspace")
		}
	}
	if gp.vr != nil {
		for _, e := range gp.vr.InstanceExtensions() {
			want(e)
		}
	}

	ci := &vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		Flags: flags,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			PApplicationName:   safeString(gp.Name),
			ApplicationVersion: vk.MakeVersion(1, 0, 0),
			PEngineName:        safeString("vgpu"),
			EngineVersion:      vk.MakeVersion(3, 0, 0),
			ApiVersion:         vk.MakeVersion(1, 4, 0),
		},
		EnabledExtensionCount:   uint32(len(gp.InstanceExts)),
		PpEnabledExtensionNames: safeStrings(gp.InstanceExts),
		EnabledLayerCount:       uint32(len(gp.Layers)),
		PpEnabledLayerNames:     safeStrings(gp.Layers),
	}
	debugUtils := slices.Contains(gp.InstanceExts, "VK_EXT_debug_utils")
	if op.Validation && debugUtils {
		settings := boolInt(slices.Contains(gp.InstanceExts, "VK_EXT_layer_settings"))
		gp.debugChain = C.vgNewDebugChain(settings, 1, 1)
		ci.PNext = unsafe.Pointer(gp.debugChain)
	}
	var inst vk.Instance
	if err := checkVk(vk.CreateInstance(ci, nil, &inst), "vkCreateInstance"); err != nil {
		return err
	}
	gp.Instance = inst
	if err := vk.InitInstance(inst); err != nil {
		return err
	}
	gp.ifuncs = (*C.vgInstanceFuncs)(C.calloc(1, C.size_t(unsafe.Sizeof(C.vgInstanceFuncs{}))))
	C.vgLoadInstance(gp.ifuncs, C.PFN_vkGetInstanceProcAddr(procAddr), gp.cInstance())

	if gp.debugChain != nil {
		logResult(C.vgCreateMessenger(gp.ifuncs, gp.cInstance(), gp.debugChain, &gp.messenger), "vkCreateDebugUtilsMessengerEXT")
		list, err := LoadIgnoreList(op.IgnoreFile)
		if err != nil {
			slog.Error("vgpu: loading validation ignore list", "err", err)
			list = DefaultIgnoreList()
		}
		gp.filter = &debugFilter{list: list, heapEnabled: op.HeapAlloc || op.AlwaysHeap, vr: gp.vr != nil}
		activeFilter.Store(gp.filter)
	}
	return nil
}

func (gp *GPU) cInstance() C.VkInstance {
	return C.VkInstance(unsafe.Pointer(gp.Instance))
}

func instanceExtensions() (map[string]bool, error) {
	var count uint32
	if err := checkVk(vk.EnumerateInstanceExtensionProperties("", &count, nil), "vkEnumerateInstanceExtensionProperties"); err != nil {
		return nil, err
	}
	list := make([]vk.ExtensionProperties, count)
	if err := checkVk(vk.EnumerateInstanceExtensionProperties("", &count, list), "vkEnumerateInstanceExtensionProperties"); err != nil {
		return nil, err
	}
	names := map[string]bool{}
	for _, ext := range list[:count] {
		ext.Deref()
		names[vk.ToString(ext.ExtensionName[:])] = true
	}
	return names, nil
}

func instanceLayers() (map[string]bool, error) {
	var count uint32
	if err := checkVk(vk.EnumerateInstanceLayerProperties(&count, nil), "vkEnumerateInstanceLayerProperties"); err != nil {
		return nil, err
	}
	list := make([]vk.LayerProperties, count)
	if err := checkVk(vk.EnumerateInstanceLayerProperties(&count, list), "vkEnumerateInstanceLayerProperties"); err != nil {
		return nil, err
	}
	names := map[string]bool{}
	for _, l := range list[:count] {
		l.Deref()
		names[vk.ToString(l.LayerName[:])] = true
	}
	return names, nil
}

// DefaultDevice returns the logical device of the first selected
// physical device, creating it on first use.
func (gp *GPU) DefaultDevice() (*Device, error) {
	gp.mu.Lock()
	if len(gp.devices) > 0 {
		dv := gp.devices[0]
		gp.mu.Unlock()
		return dv, nil
	}
	gp.mu.Unlock()
	if len(gp.Devices) == 0 {
		return nil, errors.New("vgpu: no Vulkan 1.3 device passed selection")
	}
	return gp.NewDevice(gp.Devices[0])
}

// Destroy destroys every device and then the instance.
func (gp *GPU) Destroy() {
	gp.mu.Lock()
	devs := gp.devices
	gp.devices = nil
	gp.mu.Unlock()
	for _, dv := range devs {
		dv.Destroy()
	}
	for _, pd := range gp.Devices {
		pd.Release()
	}
	if gp.filter != nil {
		activeFilter.CompareAndSwap(gp.filter, nil)
		gp.filter = nil
	}
	if gp.messenger != nil {
		C.vgDestroyMessenger(gp.ifuncs, gp.cInstance(), gp.messenger)
		gp.messenger = nil
	}
	if gp.Instance != nil {
		vk.DestroyInstance(gp.Instance, nil)
		gp.Instance = nil
	}
	if gp.ifuncs != nil {
		C.free(unsafe.Pointer(gp.ifuncs))
		gp.ifuncs = nil
	}
	if gp.debugChain != nil {
		C.free(unsafe.Pointer(gp.debugChain))
		gp.debugChain = nil
	}
}

// safeString returns s null terminated, as the bindings expect.
func safeString(s string) string {
	if len(s) == 0 || s[len(s)-1] != 0 {
		return s + "\x00"
	}
	return s
}

func safeStrings(list []string) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = safeString(s)
	}
	return out
}

func boolInt(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

// cStrings copies strings to a C array of C strings, freed by the
// returned function.
func cStrings(list []string) (**C.char, func()) {
	if len(list) == 0 {
		return nil, func() {}
	}
	arr := (*[1 << 20]*C.char)(C.calloc(C.size_t(len(list)), C.size_t(unsafe.Sizeof((*C.char)(nil)))))[:len(list):len(list)]
	for i, s := range list {
		arr[i] = C.CString(s)
	}
	return &arr[0], func() {
		for _, p := range arr {
			C.free(unsafe.Pointer(p))
		}
		C.free(unsafe.Pointer(&arr[0]))
	}
}

func init() {
	if runtime.GOOS == "darwin" {
		surfaceExtensions = append(surfaceExtensions, "VK_KHR_portability_subset")
	}
}
