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

// Thread and process exit.
//
// A thread exits either alone (Exit) or taking its process with it
// (ExitProcess). In both cases, whether the caller is the last thread alive
// is decided in the same critical section that makes it a zombie, so two
// exiting threads can never both believe they are last. The last thread
// tears the process down.

import (
	"runtime"

	"github.com/kltos/kltos/pkg/errors/klterr"
	"github.com/kltos/kltos/pkg/log"
	"github.com/kltos/kltos/pkg/sentry/kernel/futex"
)

// Exit terminates t. If t is the last thread of its process, the process
// exits as well. Exit does not return.
//
// Preconditions: The caller must be running on t's goroutine.
func (t *Thread) Exit() {
	t.exit(true)
}

// ExitProcess terminates t and kills the rest of its process; the process
// exits once its last thread has. ExitProcess does not return.
//
// Preconditions: The caller must be running on t's goroutine.
func (t *Thread) ExitProcess() {
	t.exit(false)
}

func (t *Thread) exit(threadExit bool) {
	k := t.k
	p := t.p

	k.mu.Lock()
	if !threadExit {
		p.killed = true
	}
	last := p.lastAliveLocked(t)
	if last && threadExit {
		// The kill flag of a thread exit is only honored once nobody else
		// is left running in the process.
		p.killed = true
	}
	t.state = ThreadZombie
	if threadExit {
		threadExits.Increment("thread")
	} else {
		threadExits.Increment("process")
	}

	if !last {
		t.Debugf("Exiting, other threads remain")
		if !threadExit {
			p.interruptLocked(t)
		}
		k.wakeLocked(futex.ThreadKey(t.tid))
		if p.survivor != nil {
			k.wakeLocked(futex.CollapseKey(p.pid))
		}
		k.mu.Unlock()
		// The slot may be reclaimed and reused as soon as the table lock
		// is dropped; t must not be touched again.
		runtime.Goexit()
	}

	// t is the last thread. Nothing else can change p's threads until the
	// process is a zombie, so teardown may drop the table lock.
	resources := p.resources
	p.resources = nil
	pid := p.pid
	k.mu.Unlock()

	t.Debugf("Last thread exiting, tearing down process %d", pid)
	for i := len(resources) - 1; i >= 0; i-- {
		if err := resources[i].Close(); err != nil {
			log.Warningf("Process %d: closing resource: %v", pid, err)
		}
	}
	k.pool.Reclaim(pid)

	k.mu.Lock()
	k.reparentLocked(p)
	p.state = ProcessZombie
	// A thread that is joining t may still be waiting.
	k.wakeLocked(futex.ThreadKey(t.tid))
	if p.parent != nil {
		k.wakeLocked(futex.ProcessKey(p.parent.pid))
	}
	close(p.exited)
	k.mu.Unlock()
	runtime.Goexit()
}

// reparentLocked hands the children of p over to the init process, waking
// init if any of them is already a zombie. Children of init itself are
// orphaned.
//
// Preconditions: k.mu is locked.
func (k *Kernel) reparentLocked(p *Process) {
	var newParent *Process
	if k.initProc != p {
		newParent = k.initProc
	}
	wakeInit := false
	for i := range k.procs {
		c := &k.procs[i]
		if c.state == ProcessUnused || c.parent != p {
			continue
		}
		c.parent = newParent
		if c.state == ProcessZombie {
			wakeInit = true
			if newParent == nil {
				// Nobody is left to wait for it.
				c.reapLocked()
			}
		}
	}
	if wakeInit && newParent != nil {
		k.wakeLocked(futex.ProcessKey(newParent.pid))
	}
}

// CollapseThreads reduces t's process to t alone, as before replacing the
// program image: every other thread is killed, and t sleeps until all of
// them have exited, then reclaims their slots. If another thread of the
// process is already collapsing it, CollapseThreads fails with klterr.Busy.
//
// Preconditions: The caller must be running on t's goroutine.
func (t *Thread) CollapseThreads() error {
	k := t.k
	p := t.p
	k.mu.Lock()
	defer k.mu.Unlock()

	if p.survivor != nil && p.survivor != t {
		return klterr.Busy
	}
	p.survivor = t
	for i := range p.threads {
		s := &p.threads[i]
		if s == t || s.state == ThreadUnused || s.state == ThreadZombie {
			continue
		}
		s.killed = true
	}
	p.interruptLocked(t)

	for !p.lastAliveLocked(t) {
		if err := t.Sleep(futex.CollapseKey(p.pid), &k.mu); err != nil {
			p.survivor = nil
			return err
		}
	}
	for i := range p.threads {
		if s := &p.threads[i]; s != t && s.state == ThreadZombie {
			s.reclaimLocked()
		}
	}
	p.survivor = nil
	t.Debugf("Collapsed process %d to a single thread", p.pid)
	return nil
}
