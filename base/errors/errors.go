// Copyright (c) 2023, The GoKi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package errors provides the error helpers used across vgpu:
// logging helpers in the style of Log / Log1 / Must, and stack-carrying
// constructors and wrappers backed by github.com/cockroachdb/errors.
package errors

import (
	"errors"
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

// New returns a new error with the given message, annotated with
// the stack trace at the point of the call.
func New(msg string) error {
	return crdb.NewWithDepth(1, msg)
}

// Errorf returns a new formatted error annotated with a stack trace.
func Errorf(format string, args ...any) error {
	return crdb.NewWithDepthf(1, format, args...)
}

// Wrap annotates err with the given message and a stack trace.
// It returns nil if err is nil.
func Wrap(err error, msg string) error {
	return crdb.WrapWithDepth(1, err, msg)
}

// Wrapf is [Wrap] with a format string.
func Wrapf(err error, format string, args ...any) error {
	return crdb.WrapWithDepthf(1, err, format, args...)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// Unwrap returns the next error in err's chain, if any.
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join returns an error wrapping all non-nil errs, or nil if there are none.
func Join(errs ...error) error { return errors.Join(errs...) }

// Stack returns the verbose rendering of err, which includes
// the recorded stack traces.
func Stack(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%+v", err)
}
