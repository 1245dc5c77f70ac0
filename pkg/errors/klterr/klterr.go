// Copyright 2026 The kltos Authors.
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

// Package klterr contains the error values returned by the thread, mutex and
// tournament tree operations. They are exported as *errors.Error pointers so
// callers can compare them by identity, and each carries the errno a system
// call boundary would report.
package klterr

import (
	"github.com/kltos/kltos/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// AllocExhausted is returned when no free thread, process, mutex or
	// tree-node slot is left.
	AllocExhausted = errors.New(unix.ENOMEM, "no free slot left")

	// InvalidHandle is returned for an unknown thread, process or mutex ID,
	// or an out-of-range seat.
	InvalidHandle = errors.New(unix.EINVAL, "invalid handle")

	// PermissionDenied is returned when the caller is not the recorded
	// owner of the object, or is not the tournament root holder.
	PermissionDenied = errors.New(unix.EPERM, "operation not permitted")

	// AlreadyHeld is returned when a seat is already registered, or the
	// caller already holds a different seat in the same tree.
	AlreadyHeld = errors.New(unix.EALREADY, "already held")

	// Busy is returned by dealloc of a locked mutex or an occupied tree,
	// and by a thread collapse that lost to another one.
	Busy = errors.New(unix.EBUSY, "device or resource busy")

	// Interrupted is returned by a blocking operation whose caller was
	// killed while it slept. The caller exits at its next checkpoint.
	Interrupted = errors.New(unix.EINTR, "interrupted")

	// NoChildren is returned by process wait when there is nothing to wait
	// for.
	NoChildren = errors.New(unix.ECHILD, "no child processes")
)

// Return converts an operation result into the sentinel convention of the
// system call interface: 0 on success and -1 on any failure.
func Return(err error) int {
	if err != nil {
		return -1
	}
	return 0
}

// ToErrno returns the errno carried by err, or 0 if err does not carry one.
func ToErrno(err error) unix.Errno {
	return errors.ErrnoOf(err)
}
