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

package kernel

import (
	"fmt"

	"github.com/kltos/kltos/pkg/abi/klt"
	"github.com/kltos/kltos/pkg/errors/klterr"
	"github.com/kltos/kltos/pkg/log"
	"github.com/kltos/kltos/pkg/sentry/kernel/futex"
)

// ThreadState is the lifecycle state of a thread slot.
//
//	Unused -> Embryo -> Runnable -> Running -> {Runnable | Sleeping | Zombie}
//	Sleeping -> Runnable
//	Zombie -> Unused
type ThreadState int

const (
	// ThreadUnused is a free slot. It must be the zero value.
	ThreadUnused ThreadState = iota

	// ThreadEmbryo is a slot being set up by create.
	ThreadEmbryo

	// ThreadSleeping is a thread blocked on its wait key.
	ThreadSleeping

	// ThreadRunnable is a thread that may run but has not resumed yet.
	ThreadRunnable

	// ThreadRunning is a thread executing on its task goroutine.
	ThreadRunning

	// ThreadZombie is an exited thread whose slot has not been reclaimed.
	ThreadZombie
)

// String implements fmt.Stringer.
func (s ThreadState) String() string {
	switch s {
	case ThreadUnused:
		return "unused"
	case ThreadEmbryo:
		return "embryo"
	case ThreadSleeping:
		return "sleeping"
	case ThreadRunnable:
		return "runnable"
	case ThreadRunning:
		return "running"
	case ThreadZombie:
		return "zombie"
	default:
		return fmt.Sprintf("ThreadState(%d)", int(s))
	}
}

// ExecContext is the saved execution context of a thread. It is exclusively
// owned by its thread.
type ExecContext struct {
	// Entry is where the thread starts executing.
	Entry func(*Thread)

	// Stack is the thread's user stack.
	Stack []byte
}

// Thread is a slot of a process's thread table. Unless noted, fields are
// protected by Kernel.mu.
type Thread struct {
	// k, p and waiter are immutable.
	k      *Kernel
	p      *Process
	waiter *futex.Waiter

	tid    klt.ThreadID
	state  ThreadState
	killed bool
	ctx    ExecContext

	// waitKey is the condition the thread sleeps on. It is meaningful only
	// while state is ThreadSleeping.
	waitKey futex.Key

	// logPrefix is set with tid and is only read by the thread itself.
	logPrefix string
}

// ThreadID returns t's thread ID.
//
// Preconditions: The caller must be running on t's goroutine.
func (t *Thread) ThreadID() klt.ThreadID {
	return t.tid
}

// ProcessID returns the ID of t's process.
//
// Preconditions: The caller must be running on t's goroutine.
func (t *Thread) ProcessID() klt.ProcessID {
	return t.p.pid
}

// Process returns t's process.
func (t *Thread) Process() *Process {
	return t.p
}

// Kernel returns the Kernel containing t.
func (t *Thread) Kernel() *Kernel {
	return t.k
}

// State returns t's current state.
func (t *Thread) State() ThreadState {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.state
}

// Stack returns the stack t was created with.
//
// Preconditions: The caller must be running on t's goroutine.
func (t *Thread) Stack() []byte {
	return t.ctx.Stack
}

// killedLocked returns true if t or its process has been killed.
//
// Preconditions: t.k.mu is locked.
func (t *Thread) killedLocked() bool {
	return t.killed || t.p.killed
}

// Debugf logs at debug level with t's prefix.
func (t *Thread) Debugf(format string, v ...any) {
	if log.IsLogging(log.Debug) {
		log.DebugfAtDepth(1, t.logPrefix+format, v...)
	}
}

// initThreadLocked moves the unused slot t to Embryo, assigns it the next
// thread ID and execution context ctx, and marks it Runnable.
//
// Preconditions: k.mu is locked. t.state == ThreadUnused.
func (k *Kernel) initThreadLocked(t *Thread, ctx ExecContext) {
	t.state = ThreadEmbryo
	k.lastTID++
	t.tid = k.lastTID
	t.killed = false
	t.ctx = ctx
	t.waitKey = futex.Key{}
	t.logPrefix = log.ThreadPrefix(int32(t.tid), int32(t.p.pid))
	t.state = ThreadRunnable
	threadsCreated.Increment()
	liveThreads.Increment()
}

// start starts t's task goroutine.
func (t *Thread) start() {
	go t.run() // S/R-SAFE: threads are not saved.
}

// run is the task goroutine body.
func (t *Thread) run() {
	t.k.mu.Lock()
	t.state = ThreadRunning
	entry := t.ctx.Entry
	t.k.mu.Unlock()

	if entry != nil {
		entry(t)
	}
	// Returning from the entry point is a thread exit.
	t.Exit()
}

// reclaimLocked frees the slot of a zombie thread.
//
// Preconditions: t.k.mu is locked.
func (t *Thread) reclaimLocked() {
	t.tid = 0
	t.killed = false
	t.ctx = ExecContext{}
	t.waitKey = futex.Key{}
	t.logPrefix = ""
	t.state = ThreadUnused
	liveThreads.Decrement()
}

// Create starts a new thread in t's process executing entry on stack, and
// returns its ID. The new thread inherits t's execution context with the
// entry point and stack replaced.
func (t *Thread) Create(entry func(*Thread), stack []byte) (klt.ThreadID, error) {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if t.killedLocked() {
		return 0, klterr.Interrupted
	}

	var nt *Thread
	for i := range t.p.threads {
		if t.p.threads[i].state == ThreadUnused {
			nt = &t.p.threads[i]
			break
		}
	}
	if nt == nil {
		t.Debugf("Create: no free thread slot")
		return 0, klterr.AllocExhausted
	}

	ctx := t.ctx
	ctx.Entry = entry
	ctx.Stack = stack
	k.initThreadLocked(nt, ctx)
	nt.start()
	t.Debugf("Created thread %d", nt.tid)
	return nt.tid, nil
}

// findThreadLocked returns the thread of p with ID tid.
//
// Preconditions: p.k.mu is locked.
func (p *Process) findThreadLocked(tid klt.ThreadID) *Thread {
	if tid <= 0 {
		return nil
	}
	for i := range p.threads {
		if s := &p.threads[i]; s.state != ThreadUnused && s.tid == tid {
			return s
		}
	}
	return nil
}

// Join waits for thread tid of t's process to exit and reclaims its slot.
// A thread can be joined once; joining it again, joining an unknown thread
// or joining oneself fails with klterr.InvalidHandle.
func (t *Thread) Join(tid klt.ThreadID) error {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()

	if tid == t.tid {
		return klterr.InvalidHandle
	}
	target := t.p.findThreadLocked(tid)
	if target == nil {
		return klterr.InvalidHandle
	}
	for target.tid == tid && target.state != ThreadZombie {
		if err := t.Sleep(futex.ThreadKey(tid), &k.mu); err != nil {
			return err
		}
	}
	if target.tid != tid {
		// Another joiner won.
		return klterr.InvalidHandle
	}
	target.reclaimLocked()
	threadsJoined.Increment()
	t.Debugf("Joined thread %d", tid)
	return nil
}
