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

// Package klt contains the identifiers and limits shared by the kernel-level
// thread layer and its callers.
package klt

import "fmt"

// ThreadID is a kernel-level thread identifier. Valid thread IDs are
// positive and unique among live threads; 0 marks a free slot.
type ThreadID int32

// String returns a decimal representation of the ThreadID.
func (tid ThreadID) String() string {
	return fmt.Sprintf("%d", tid)
}

// ProcessID is a process identifier. 0 marks a free process slot.
type ProcessID int32

// String returns a decimal representation of the ProcessID.
func (pid ProcessID) String() string {
	return fmt.Sprintf("%d", pid)
}

// MutexID identifies an entry of the mutex pool. 0 marks a free slot; live
// IDs are assigned in increasing order and never handed out twice.
type MutexID int32

// String returns a decimal representation of the MutexID.
func (id MutexID) String() string {
	return fmt.Sprintf("%d", id)
}

const (
	// NTHREAD is the default number of thread slots in each process.
	NTHREAD = 16

	// NPROC is the default number of process slots in a kernel.
	NPROC = 64

	// MaxMutexes is the default capacity of the mutex pool.
	MaxMutexes = 640

	// MaxStackSize is the size of the user stack callers are expected to
	// hand to thread creation.
	MaxStackSize = 4000

	// MaxTreeDepth bounds the depth of a tournament tree. A tree of depth d
	// needs 2^(d+1) mutexes, so the pool capacity is usually the binding
	// limit well before this one.
	MaxTreeDepth = 15
)

// RootIsEmpty is the tournament tree's root holder when nobody holds the
// root.
const RootIsEmpty ThreadID = -999
