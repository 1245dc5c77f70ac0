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

// Package klt implements the thread, mutex and tournament tree calls that
// user programs make. Each call reports failure with a sentinel, -1 or nil,
// rather than an error, is traced at debug level, and passes the caller's
// kill checkpoint before returning.
package klt

import (
	"fmt"
	"math"

	"github.com/kltos/kltos/pkg/abi/klt"
	"github.com/kltos/kltos/pkg/errors"
	"github.com/kltos/kltos/pkg/errors/klterr"
	"github.com/kltos/kltos/pkg/log"
	"github.com/kltos/kltos/pkg/metric"
	"github.com/kltos/kltos/pkg/sentry/kernel"
	"github.com/kltos/kltos/pkg/sentry/kernel/tournament"
)

// Sysno identifies a call for tracing and accounting.
type Sysno int

// Calls.
const (
	SysKthreadCreate Sysno = iota
	SysKthreadID
	SysKthreadExit
	SysKthreadJoin
	SysKthreadMutexAlloc
	SysKthreadMutexDealloc
	SysKthreadMutexLock
	SysKthreadMutexUnlock
	SysTrnmntTreeAlloc
	SysTrnmntTreeDealloc
	SysTrnmntTreeAcquire
	SysTrnmntTreeRelease
	SysFork
	SysWait
	SysKill
	SysGetpid
	numSysnos
)

var sysnoNames = [numSysnos]string{
	SysKthreadCreate:       "kthread_create",
	SysKthreadID:           "kthread_id",
	SysKthreadExit:         "kthread_exit",
	SysKthreadJoin:         "kthread_join",
	SysKthreadMutexAlloc:   "kthread_mutex_alloc",
	SysKthreadMutexDealloc: "kthread_mutex_dealloc",
	SysKthreadMutexLock:    "kthread_mutex_lock",
	SysKthreadMutexUnlock:  "kthread_mutex_unlock",
	SysTrnmntTreeAlloc:     "trnmnt_tree_alloc",
	SysTrnmntTreeDealloc:   "trnmnt_tree_dealloc",
	SysTrnmntTreeAcquire:   "trnmnt_tree_acquire",
	SysTrnmntTreeRelease:   "trnmnt_tree_release",
	SysFork:                "fork",
	SysWait:                "wait",
	SysKill:                "kill",
	SysGetpid:              "getpid",
}

// String returns the call's name.
func (s Sysno) String() string {
	if s < 0 || s >= numSysnos {
		return fmt.Sprintf("sysno(%d)", int(s))
	}
	return sysnoNames[s]
}

var (
	calls  = metric.MustCreateNewUint64Metric("/klt/calls", "Number of calls made, by call.", metric.NewField("call", sysnoNames[:]...))
	failed = metric.MustCreateNewUint64Metric("/klt/failed_calls", "Number of calls that returned a failure sentinel, by call.", metric.NewField("call", sysnoNames[:]...))
)

// Calls returns the number of times s has been called, and how many of
// those calls failed.
func Calls(s Sysno) (total, failures uint64) {
	name := s.String()
	return calls.Value(name), failed.Value(name)
}

// done accounts for and traces a finished call, then passes t's kill
// checkpoint. It returns rv.
func done(t *kernel.Thread, s Sysno, rv int, err error, format string, args ...any) int {
	calls.Increment(s.String())
	if err != nil {
		failed.Increment(s.String())
	}
	if log.IsLogging(log.Debug) {
		if err != nil {
			t.Debugf("%s(%s) = %d %s (%v)", s, fmt.Sprintf(format, args...), rv, errors.NameOf(err), err)
		} else {
			t.Debugf("%s(%s) = %d", s, fmt.Sprintf(format, args...), rv)
		}
	}
	t.Checkpoint()
	return rv
}

// result returns v on success and -1 on failure.
func result(v int, err error) int {
	if err != nil {
		return -1
	}
	return v
}

// validID reports whether id can name a thread, process or mutex. IDs are
// issued from 1 and fit in 32 bits, so anything else is never live.
func validID(id int) bool {
	return id > 0 && id <= math.MaxInt32
}

// KthreadCreate starts a thread in the caller's process running entry on
// stack. It returns the new thread's ID, or -1.
func KthreadCreate(t *kernel.Thread, entry func(*kernel.Thread), stack []byte) int {
	tid, err := t.Create(entry, stack)
	return done(t, SysKthreadCreate, result(int(tid), err), err, "%p, %d bytes", entry, len(stack))
}

// KthreadID returns the caller's thread ID.
func KthreadID(t *kernel.Thread) int {
	return done(t, SysKthreadID, int(t.ThreadID()), nil, "")
}

// KthreadExit terminates the calling thread. If it is the last live thread
// of its process, the process exits too. KthreadExit does not return.
func KthreadExit(t *kernel.Thread) {
	calls.Increment(SysKthreadExit.String())
	t.Debugf("%s()", SysKthreadExit)
	t.Exit()
}

// KthreadJoin waits for thread tid of the caller's process to exit. It
// returns 0, or -1 if tid is not a joinable thread.
func KthreadJoin(t *kernel.Thread, tid int) int {
	if !validID(tid) {
		return done(t, SysKthreadJoin, -1, klterr.InvalidHandle, "%d", tid)
	}
	err := t.Join(klt.ThreadID(tid))
	return done(t, SysKthreadJoin, klterr.Return(err), err, "%d", tid)
}

// KthreadMutexAlloc allocates a pool mutex owned by the caller's process.
// It returns the mutex ID, or -1 if the pool is full.
func KthreadMutexAlloc(t *kernel.Thread) int {
	id, err := t.Kernel().MutexPool().Alloc(t)
	return done(t, SysKthreadMutexAlloc, result(int(id), err), err, "")
}

// KthreadMutexDealloc frees mutex id. It returns 0, or -1 if id is not an
// unlocked mutex of the caller's process.
func KthreadMutexDealloc(t *kernel.Thread, id int) int {
	if !validID(id) {
		return done(t, SysKthreadMutexDealloc, -1, klterr.InvalidHandle, "%d", id)
	}
	err := t.Kernel().MutexPool().Dealloc(t, klt.MutexID(id))
	return done(t, SysKthreadMutexDealloc, klterr.Return(err), err, "%d", id)
}

// KthreadMutexLock locks mutex id, blocking while another thread holds it.
// It returns 0, or -1.
func KthreadMutexLock(t *kernel.Thread, id int) int {
	if !validID(id) {
		return done(t, SysKthreadMutexLock, -1, klterr.InvalidHandle, "%d", id)
	}
	err := t.Kernel().MutexPool().Lock(t, klt.MutexID(id))
	return done(t, SysKthreadMutexLock, klterr.Return(err), err, "%d", id)
}

// KthreadMutexUnlock unlocks mutex id. It returns 0, or -1 if the caller
// does not hold it.
func KthreadMutexUnlock(t *kernel.Thread, id int) int {
	if !validID(id) {
		return done(t, SysKthreadMutexUnlock, -1, klterr.InvalidHandle, "%d", id)
	}
	err := t.Kernel().MutexPool().Unlock(t, klt.MutexID(id))
	return done(t, SysKthreadMutexUnlock, klterr.Return(err), err, "%d", id)
}

// TrnmntTreeAlloc allocates a tournament tree of the given depth. It returns
// nil if the depth is out of range or the mutex pool cannot hold the tree.
func TrnmntTreeAlloc(t *kernel.Thread, depth int) *tournament.Tree {
	tree, err := tournament.Alloc(t, t.Kernel().MutexPool(), depth)
	done(t, SysTrnmntTreeAlloc, klterr.Return(err), err, "%d", depth)
	return tree
}

// TrnmntTreeDealloc frees tree. It returns 0, or -1 if a seat is occupied or
// tree has already been freed.
func TrnmntTreeDealloc(t *kernel.Thread, tree *tournament.Tree) int {
	if tree == nil {
		return done(t, SysTrnmntTreeDealloc, -1, klterr.InvalidHandle, "nil")
	}
	err := tree.Dealloc(t)
	return done(t, SysTrnmntTreeDealloc, klterr.Return(err), err, "%p", tree)
}

// TrnmntTreeAcquire takes seat of tree and returns once the caller holds the
// root. It returns 0, or -1.
func TrnmntTreeAcquire(t *kernel.Thread, tree *tournament.Tree, seat int) int {
	if tree == nil {
		return done(t, SysTrnmntTreeAcquire, -1, klterr.InvalidHandle, "nil, %d", seat)
	}
	err := tree.Acquire(t, seat)
	return done(t, SysTrnmntTreeAcquire, klterr.Return(err), err, "%p, %d", tree, seat)
}

// TrnmntTreeRelease gives up the root and seat of tree. It returns 0, or -1
// if the caller is not the root holder at seat.
func TrnmntTreeRelease(t *kernel.Thread, tree *tournament.Tree, seat int) int {
	if tree == nil {
		return done(t, SysTrnmntTreeRelease, -1, klterr.InvalidHandle, "nil, %d", seat)
	}
	err := tree.Release(t, seat)
	return done(t, SysTrnmntTreeRelease, klterr.Return(err), err, "%p, %d", tree, seat)
}

// Fork starts a child process running entry. It returns the child's process
// ID, or -1.
func Fork(t *kernel.Thread, name string, entry func(*kernel.Thread)) int {
	pid, err := t.Fork(name, entry)
	return done(t, SysFork, result(int(pid), err), err, "%q", name)
}

// Wait waits for a child process to exit and returns its process ID, or -1
// if the caller has no children.
func Wait(t *kernel.Thread) int {
	pid, err := t.Wait()
	return done(t, SysWait, result(int(pid), err), err, "")
}

// Kill kills process pid. Its threads exit at their next checkpoint. It
// returns 0, or -1 if there is no such process.
func Kill(t *kernel.Thread, pid int) int {
	if !validID(pid) {
		return done(t, SysKill, -1, klterr.InvalidHandle, "%d", pid)
	}
	err := t.Kernel().Kill(klt.ProcessID(pid))
	return done(t, SysKill, klterr.Return(err), err, "%d", pid)
}

// Getpid returns the caller's process ID.
func Getpid(t *kernel.Thread) int {
	return done(t, SysGetpid, int(t.ProcessID()), nil, "")
}
