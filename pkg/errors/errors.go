// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors holds the standardized error definition for kltos. An
// Error pairs a message with the errno a call boundary reports for it.
package errors

import (
	goerrors "errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error represents an errno with a descriptive message.
type Error struct {
	errno   unix.Errno
	message string
}

// New creates a new *Error.
func New(err unix.Errno, message string) *Error {
	return &Error{
		errno:   err,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying unix.Errno value.
func (e *Error) Errno() unix.Errno { return e.errno }

// Name returns the symbolic name of e's errno, such as "EINVAL".
func (e *Error) Name() string {
	if name := unix.ErrnoName(e.errno); name != "" {
		return name
	}
	return fmt.Sprintf("errno(%d)", int(e.errno))
}

// ErrnoOf returns the errno carried by the first *Error in err's chain, or
// 0 if there is none.
func ErrnoOf(err error) unix.Errno {
	var e *Error
	if goerrors.As(err, &e) {
		return e.errno
	}
	return 0
}

// NameOf is like ErrnoOf but returns the errno's symbolic name, or "" if err
// carries no errno.
func NameOf(err error) string {
	var e *Error
	if goerrors.As(err, &e) {
		return e.Name()
	}
	return ""
}
