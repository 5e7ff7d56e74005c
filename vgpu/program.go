// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vgpu

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"goki.dev/vgpu/v3/base/errors"
	"goki.dev/vgpu/v3/vprintf"
)

// MetaExt is the extension of program metadata files.
const MetaExt = ".vgpu.toml"

// spirvMagic is the first word of a SPIR-V module.
const spirvMagic = 0x07230203

// ErrNoCompiler is returned by [GPU.AddProgramSource] when no
// [Compiler] is installed.
var ErrNoCompiler = errors.New("vgpu: no program compiler installed")

// ProgramBinary is a compiled program: TOML metadata and the SPIR-V
// modules it refers to by index.
type ProgramBinary struct {
	Meta    []byte
	Modules [][]byte
}

// Compiler compiles program source to a [ProgramBinary].
type Compiler interface {
	Compile(name, source string) (*ProgramBinary, error)
}

// ProgramMeta is the metadata table of a program.
type ProgramMeta struct {
	Name string `toml:"name"`

	// Modules are SPIR-V file names relative to the metadata file,
	// used by [GPU.AddPrecompiledProgramFile].
	Modules []string `toml:"modules"`

	Functions []FunctionInfo `toml:"functions"`
}

// ParseProgramMeta parses and checks program metadata.
func ParseProgramMeta(data []byte) (*ProgramMeta, error) {
	pm := &ProgramMeta{}
	if err := toml.Unmarshal(data, pm); err != nil {
		return nil, errors.Wrap(err, "vgpu: program metadata")
	}
	seen := map[string]bool{}
	for i := range pm.Functions {
		fi := &pm.Functions[i]
		if fi.Name == "" {
			return nil, fmt.Errorf("vgpu: program %q: function %d has no name", pm.Name, i)
		}
		if seen[fi.Name] {
			return nil, fmt.Errorf("vgpu: program %q: duplicate function %q", pm.Name, fi.Name)
		}
		seen[fi.Name] = true
	}
	return pm, nil
}

// Program is a set of functions in SPIR-V modules. Function entries
// are created per device on first use.
type Program struct {
	GPU  *GPU
	Name string

	Functions []*Function

	// Printf holds the printf formats of all functions.
	Printf *vprintf.Table

	modules [][]uint32
	byName  map[string]*Function
}

// AddUniversalBinary adds a compiled program.
func (gp *GPU) AddUniversalBinary(name string, bin *ProgramBinary) (*Program, error) {
	pm, err := ParseProgramMeta(bin.Meta)
	if err != nil {
		return nil, err
	}
	if pm.Name == "" {
		pm.Name = name
	}
	pr := &Program{GPU: gp, Name: pm.Name, Printf: &vprintf.Table{}, byName: map[string]*Function{}}
	for i, m := range bin.Modules {
		words, err := spirvWords(m)
		if err != nil {
			return nil, fmt.Errorf("vgpu: program %q module %d: %w", pr.Name, i, err)
		}
		pr.modules = append(pr.modules, words)
	}
	for i := range pm.Functions {
		fi := pm.Functions[i]
		if fi.Module < 0 || fi.Module >= len(pr.modules) {
			return nil, fmt.Errorf("vgpu: program %q function %q: module %d of %d", pr.Name, fi.Name, fi.Module, len(pr.modules))
		}
		for _, f := range fi.Printf {
			pr.Printf.Add(f)
		}
		fn := &Function{Program: pr, FunctionInfo: fi, entries: map[*Device]*functionEntry{}}
		pr.Functions = append(pr.Functions, fn)
		pr.byName[fi.Name] = fn
	}
	gp.mu.Lock()
	gp.Programs = append(gp.Programs, pr)
	gp.mu.Unlock()
	return pr, nil
}

// AddPrecompiledProgramFile adds a program from its metadata file and
// the SPIR-V modules it lists. For a .spv file the metadata is the
// file of the same base name with [MetaExt], and the module defaults
// to the .spv file itself.
func (gp *GPU) AddPrecompiledProgramFile(filename string) (*Program, error) {
	metaFile := filename
	if strings.HasSuffix(filename, ".spv") {
		metaFile = strings.TrimSuffix(filename, ".spv") + MetaExt
	}
	meta, err := os.ReadFile(metaFile)
	if err != nil {
		return nil, errors.Wrap(err, "vgpu.AddPrecompiledProgramFile")
	}
	pm, err := ParseProgramMeta(meta)
	if err != nil {
		return nil, err
	}
	mods := pm.Modules
	if len(mods) == 0 && strings.HasSuffix(filename, ".spv") {
		mods = []string{filepath.Base(filename)}
	}
	bin := &ProgramBinary{Meta: meta}
	dir := filepath.Dir(metaFile)
	for _, m := range mods {
		if !filepath.IsAbs(m) {
			m = filepath.Join(dir, m)
		}
		b, err := os.ReadFile(m)
		if err != nil {
			return nil, errors.Wrap(err, "vgpu.AddPrecompiledProgramFile")
		}
		bin.Modules = append(bin.Modules, b)
	}
	name := strings.TrimSuffix(filepath.Base(metaFile), MetaExt)
	return gp.AddUniversalBinary(name, bin)
}

// AddProgramSource compiles source with the installed [Compiler].
func (gp *GPU) AddProgramSource(name, source string) (*Program, error) {
	if gp.Compiler == nil {
		return nil, ErrNoCompiler
	}
	bin, err := gp.Compiler.Compile(name, source)
	if err != nil {
		return nil, errors.Wrapf(err, "vgpu: compiling %q", name)
	}
	return gp.AddUniversalBinary(name, bin)
}

// spirvWords checks the SPIR-V magic and returns the module as words.
func spirvWords(b []byte) ([]uint32, error) {
	if len(b) < 20 || len(b)%4 != 0 {
		return nil, fmt.Errorf("SPIR-V module size %d is not a multiple of 4 or too small", len(b))
	}
	if binary.LittleEndian.Uint32(b) != spirvMagic {
		return nil, fmt.Errorf("bad SPIR-V magic %#x", binary.LittleEndian.Uint32(b))
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return words, nil
}

// Function returns the named function.
func (pr *Program) Function(name string) (*Function, error) {
	fn, ok := pr.byName[name]
	if !ok {
		return nil, fmt.Errorf("vgpu: program %q has no function %q", pr.Name, name)
	}
	return fn, nil
}

// Kernel returns the named compute function.
func (pr *Program) Kernel(name string) (*Kernel, error) {
	fn, err := pr.Function(name)
	if err != nil {
		return nil, err
	}
	if fn.Kind != KernelFunction {
		return nil, fmt.Errorf("vgpu: function %q is a %s function, not a kernel", name, fn.Kind)
	}
	return &Kernel{Function: fn}, nil
}
