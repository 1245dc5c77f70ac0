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
	"context"
	"fmt"
	"io"

	"github.com/kltos/kltos/pkg/abi/klt"
	"github.com/kltos/kltos/pkg/errors/klterr"
	"github.com/kltos/kltos/pkg/log"
	"github.com/kltos/kltos/pkg/sentry/kernel/futex"
)

// ProcessState is the lifecycle state of a process slot.
type ProcessState int

const (
	// ProcessUnused is a free slot. It must be the zero value.
	ProcessUnused ProcessState = iota

	// ProcessEmbryo is a slot being set up.
	ProcessEmbryo

	// ProcessActive is a process with at least one thread that has not
	// exited.
	ProcessActive

	// ProcessZombie is an exited process waiting to be reaped.
	ProcessZombie
)

// String implements fmt.Stringer.
func (s ProcessState) String() string {
	switch s {
	case ProcessUnused:
		return "unused"
	case ProcessEmbryo:
		return "embryo"
	case ProcessActive:
		return "active"
	case ProcessZombie:
		return "zombie"
	default:
		return fmt.Sprintf("ProcessState(%d)", int(s))
	}
}

// Process is a slot of the process table. All fields are protected by
// Kernel.mu unless noted.
type Process struct {
	// k and threads are immutable.
	k       *Kernel
	threads []Thread

	pid    klt.ProcessID
	name   string
	state  ProcessState
	parent *Process
	killed bool

	// survivor is the thread collapsing the process down to itself, or nil.
	survivor *Thread

	// resources are closed when the process exits.
	resources []io.Closer

	// exited is closed when the process becomes a zombie.
	exited chan struct{}
}

// ID returns the process ID.
func (p *Process) ID() klt.ProcessID {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.pid
}

// Name returns the name given at creation.
func (p *Process) Name() string {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.name
}

// State returns the process state.
func (p *Process) State() ProcessState {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.state
}

// Exited returns a channel that is closed when the process has exited.
func (p *Process) Exited() <-chan struct{} {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.exited
}

// AddResource registers c to be closed when the process exits.
func (p *Process) AddResource(c io.Closer) {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	p.resources = append(p.resources, c)
}

// newProcessLocked allocates a process slot with a single runnable thread
// and starts that thread.
//
// Preconditions: k.mu is locked.
func (k *Kernel) newProcessLocked(name string, parent *Process, entry func(*Thread)) (*Process, error) {
	var p *Process
	for i := range k.procs {
		if k.procs[i].state == ProcessUnused {
			p = &k.procs[i]
			break
		}
	}
	if p == nil {
		return nil, klterr.AllocExhausted
	}
	k.lastPID++
	p.pid = k.lastPID
	p.name = name
	p.state = ProcessEmbryo
	p.parent = parent
	p.killed = false
	p.survivor = nil
	p.resources = nil
	p.exited = make(chan struct{})

	t := &p.threads[0]
	k.initThreadLocked(t, ExecContext{Entry: entry})
	p.state = ProcessActive
	processesCreated.Increment()
	t.start()
	return p, nil
}

// interruptLocked makes every sleeping thread of p other than except
// runnable and unparks it.
//
// Preconditions: p.k.mu is locked.
func (p *Process) interruptLocked(except *Thread) {
	for i := range p.threads {
		t := &p.threads[i]
		if t == except || t.state != ThreadSleeping {
			continue
		}
		t.state = ThreadRunnable
		p.k.futexes.Interrupt(t.waiter)
	}
}

// lastAliveLocked returns true if every thread of p other than t is a
// zombie or unused.
//
// Preconditions: p.k.mu is locked.
func (p *Process) lastAliveLocked(t *Thread) bool {
	for i := range p.threads {
		s := &p.threads[i]
		if s == t {
			continue
		}
		if s.state != ThreadZombie && s.state != ThreadUnused {
			return false
		}
	}
	return true
}

// reapLocked frees the slot of zombie process p and its zombie threads.
//
// Preconditions: p.k.mu is locked. p.state == ProcessZombie.
func (p *Process) reapLocked() {
	for i := range p.threads {
		if t := &p.threads[i]; t.state != ThreadUnused {
			t.reclaimLocked()
		}
	}
	p.pid = 0
	p.name = ""
	p.parent = nil
	p.killed = false
	p.survivor = nil
	p.resources = nil
	p.state = ProcessUnused
	processesReaped.Increment()
}

// Fork creates a child process of t's process whose single thread runs
// entry, and returns the child's ID.
func (t *Thread) Fork(name string, entry func(*Thread)) (klt.ProcessID, error) {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if t.killedLocked() {
		return 0, klterr.Interrupted
	}
	p, err := k.newProcessLocked(name, t.p, entry)
	if err != nil {
		return 0, err
	}
	t.Debugf("Forked process %d (%s)", p.pid, name)
	return p.pid, nil
}

// Wait reaps a zombie child of t's process, sleeping until one exits, and
// returns its ID. It fails with klterr.NoChildren if the process has no
// children or has been killed.
func (t *Thread) Wait() (klt.ProcessID, error) {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()
	for {
		haveKids := false
		for i := range k.procs {
			c := &k.procs[i]
			if c.state == ProcessUnused || c.parent != t.p {
				continue
			}
			haveKids = true
			if c.state == ProcessZombie {
				pid := c.pid
				c.reapLocked()
				t.Debugf("Reaped process %d", pid)
				return pid, nil
			}
		}
		if !haveKids || t.p.killed {
			return 0, klterr.NoChildren
		}
		if err := t.Sleep(futex.ProcessKey(t.p.pid), &k.mu); err != nil {
			return 0, err
		}
	}
}

// WaitExit blocks until p has exited or ctx is done. A parentless process,
// such as init, is reaped by WaitExit since no thread can wait for it.
func (k *Kernel) WaitExit(ctx context.Context, p *Process) error {
	k.mu.Lock()
	pid, exited := p.pid, p.exited
	k.mu.Unlock()
	if pid == 0 {
		return klterr.InvalidHandle
	}

	select {
	case <-exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if p.pid == pid && p.state == ProcessZombie && p.parent == nil {
		log.Debugf("Reaping parentless process %d", p.pid)
		p.reapLocked()
	}
	return nil
}
