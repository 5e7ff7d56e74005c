// Copyright (c) 2024, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vprintf is the host side of device printf: it initializes
// the shared printf buffer before a dispatch and decodes the records
// the kernel appended after it completes.
//
// The buffer is a sequence of little-endian 32-bit words:
//
//	word 0: write offset in words, advanced atomically by the device
//	word 1: capacity in words
//	records: [length in words, format hash, args...]
//
// Integer and float arguments take one word, or two words with the
// l / ll length modifiers.
package vprintf

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"goki.dev/vgpu/v3/base/errors"
)

const (
	// DefaultSize is the default printf buffer size in bytes.
	DefaultSize = 1 << 20

	// HeaderWords is the number of header words before the first record.
	HeaderWords = 2

	// RecordHeaderWords is the number of words in each record header.
	RecordHeaderWords = 2
)

// ErrTruncated is returned along with the decoded lines when the device
// ran out of space and dropped records.
var ErrTruncated = errors.New("vprintf: printf buffer overflowed, output truncated")

// Init writes the header for an empty buffer into buf.
func Init(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], HeaderWords)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(buf)/4))
}

// Hash returns the hash that identifies a format string in records.
func Hash(format string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(format))
	return h.Sum32()
}

// Table maps format hashes to format strings. It is safe for
// concurrent use.
type Table struct {
	mu      sync.RWMutex
	formats map[uint32]string
}

// Add registers a format string and returns its hash.
func (tb *Table) Add(format string) uint32 {
	h := Hash(format)
	tb.mu.Lock()
	if tb.formats == nil {
		tb.formats = make(map[uint32]string)
	}
	tb.formats[h] = format
	tb.mu.Unlock()
	return h
}

// Format returns the format registered for hash.
func (tb *Table) Format(hash uint32) (string, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	f, ok := tb.formats[hash]
	return f, ok
}

// Decode walks the records in buf and renders each with its format.
// Records with unknown hashes or malformed lengths are reported in the
// returned error; the lines decoded before that point are returned.
func Decode(buf []byte, tb *Table) ([]string, error) {
	if len(buf) < HeaderWords*4 {
		return nil, errors.New("vprintf: buffer smaller than header")
	}
	nwords := uint32(len(buf) / 4)
	word := func(i uint32) uint32 { return binary.LittleEndian.Uint32(buf[i*4:]) }
	end := word(0)
	var trunc error
	if end > nwords {
		end = nwords
		trunc = ErrTruncated
	}
	var lines []string
	for i := uint32(HeaderWords); i+RecordHeaderWords <= end; {
		n := word(i)
		if n == 0 {
			break
		}
		if n < RecordHeaderWords {
			return lines, errors.Join(trunc, fmt.Errorf("vprintf: bad record length %d at word %d", n, i))
		}
		if i+n > end {
			break
		}
		hash := word(i + 1)
		format, ok := tb.Format(hash)
		if !ok {
			return lines, errors.Join(trunc, fmt.Errorf("vprintf: unknown format hash %#x at word %d", hash, i))
		}
		args := make([]uint32, n-RecordHeaderWords)
		for a := range args {
			args[a] = word(i + RecordHeaderWords + uint32(a))
		}
		s, err := Format(format, args)
		if err != nil {
			return lines, errors.Join(trunc, err)
		}
		lines = append(lines, s)
		i += n
	}
	return lines, trunc
}

// Split is Decode with each record further split into lines,
// dropping the trailing empty line of newline-terminated records.
func Split(buf []byte, tb *Table) ([]string, error) {
	recs, err := Decode(buf, tb)
	var lines []string
	for _, r := range recs {
		lines = append(lines, strings.Split(strings.TrimSuffix(r, "\n"), "\n")...)
	}
	return lines, err
}

// Format renders format with the raw argument words.
func Format(format string, args []uint32) (string, error) {
	var sb strings.Builder
	next := func() (uint32, error) {
		if len(args) == 0 {
			return 0, fmt.Errorf("vprintf: %q: missing argument", format)
		}
		v := args[0]
		args = args[1:]
		return v, nil
	}
	next64 := func() (uint64, error) {
		lo, err := next()
		if err != nil {
			return 0, err
		}
		hi, err := next()
		return uint64(hi)<<32 | uint64(lo), err
	}
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			sb.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(format) && strings.IndexByte("-+ #0123456789.", format[j]) >= 0 {
			j++
		}
		flags := format[i+1 : j]
		long := 0
		for j < len(format) && (format[j] == 'l' || format[j] == 'h') {
			if format[j] == 'l' {
				long++
			}
			j++
		}
		if j >= len(format) {
			return sb.String(), fmt.Errorf("vprintf: %q: incomplete verb", format)
		}
		verb := format[j]
		i = j
		if verb == '%' {
			sb.WriteByte('%')
			continue
		}
		wide := long > 0
		spec := "%" + flags
		var v uint64
		var err error
		if wide {
			v, err = next64()
		} else {
			var w uint32
			w, err = next()
			v = uint64(w)
		}
		if err != nil {
			return sb.String(), err
		}
		switch verb {
		case 'd', 'i':
			if wide {
				fmt.Fprintf(&sb, spec+"d", int64(v))
			} else {
				fmt.Fprintf(&sb, spec+"d", int32(v))
			}
		case 'u':
			fmt.Fprintf(&sb, spec+"d", v)
		case 'x', 'X', 'o':
			fmt.Fprintf(&sb, spec+string(verb), v)
		case 'c':
			fmt.Fprintf(&sb, spec+"c", rune(v))
		case 'f', 'F', 'e', 'E', 'g', 'G', 'a', 'A':
			f := float64(math.Float32frombits(uint32(v)))
			if wide {
				f = math.Float64frombits(v)
			}
			vb := verb
			switch vb {
			case 'F':
				vb = 'f'
			case 'a':
				vb = 'x'
			case 'A':
				vb = 'X'
			}
			fmt.Fprintf(&sb, spec+string(vb), f)
		case 'p':
			fmt.Fprintf(&sb, "0x%x", v)
		default:
			return sb.String(), fmt.Errorf("vprintf: %q: unsupported verb %%%c", format, verb)
		}
	}
	return sb.String(), nil
}
