// Copyright 2018 Google LLC
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

// Package kernel implements kernel-level threads: processes with a fixed
// table of thread slots, the thread lifecycle state machine, and the
// sleep/wake primitive every blocking operation of the kernel is built on.
//
// Each thread runs on its own task goroutine. Operations that act on behalf
// of a thread are methods of *Thread and must be called from that thread's
// goroutine, passing it explicitly in the way a system call receives its
// calling task.
//
// Lock order (outermost locks must be taken first):
//
// mutex.Pool.mu
//   mutex entry locks
//     Kernel.mu
//       futex bucket locks
package kernel

import (
	"github.com/kltos/kltos/pkg/abi/klt"
	"github.com/kltos/kltos/pkg/errors/klterr"
	"github.com/kltos/kltos/pkg/log"
	"github.com/kltos/kltos/pkg/metric"
	"github.com/kltos/kltos/pkg/sentry/kernel/futex"
	"github.com/kltos/kltos/pkg/sentry/kernel/mutex"
	"github.com/kltos/kltos/pkg/tmutex"
)

var (
	threadsCreated   = metric.MustCreateNewUint64Metric("/kernel/threads_created", "Number of threads created.")
	threadsJoined    = metric.MustCreateNewUint64Metric("/kernel/threads_joined", "Number of threads reclaimed by join.")
	threadExits      = metric.MustCreateNewUint64Metric("/kernel/thread_exits", "Number of thread exits.", metric.NewField("kind", "thread", "process"))
	processesCreated = metric.MustCreateNewUint64Metric("/kernel/processes_created", "Number of processes created.")
	processesReaped  = metric.MustCreateNewUint64Metric("/kernel/processes_reaped", "Number of exited processes reaped.")
	processKills     = metric.MustCreateNewUint64Metric("/kernel/process_kills", "Number of processes killed.")
	sleeps           = metric.MustCreateNewUint64Metric("/kernel/sleeps", "Number of thread sleeps.", metric.NewField("key", "thread", "mutex", "process", "collapse"))
	liveThreads      = metric.MustCreateNewUint64Gauge("/kernel/live_threads", "Number of thread slots in use.")
)

// Options configures a Kernel.
type Options struct {
	// MaxProcesses is the number of process slots. 0 selects klt.NPROC.
	MaxProcesses int

	// MaxThreads is the number of thread slots in each process. 0 selects
	// klt.NTHREAD.
	MaxThreads int

	// MaxMutexes is the capacity of the mutex pool. 0 selects
	// klt.MaxMutexes.
	MaxMutexes int
}

func (o *Options) setDefaults() {
	if o.MaxProcesses <= 0 {
		o.MaxProcesses = klt.NPROC
	}
	if o.MaxThreads <= 0 {
		o.MaxThreads = klt.NTHREAD
	}
	if o.MaxMutexes <= 0 {
		o.MaxMutexes = klt.MaxMutexes
	}
}

// Kernel is the process and thread table of one kernel instance.
type Kernel struct {
	// mu is the table lock. It protects every process and thread state
	// transition, the ID counters and the parent relation.
	mu tmutex.Mutex

	// opts is immutable.
	opts Options

	// procs is the process table. Its slots never move, so *Process values
	// stay valid for the lifetime of the Kernel.
	procs []Process

	// lastPID and lastTID are the last IDs handed out.
	lastPID klt.ProcessID
	lastTID klt.ThreadID

	// initProc is the first process, which adopts orphans. nil until
	// Start.
	initProc *Process

	// futexes and pool are immutable.
	futexes *futex.Manager
	pool    *mutex.Pool
}

// New returns a Kernel with empty tables.
func New(opts Options) *Kernel {
	opts.setDefaults()
	k := &Kernel{
		opts:    opts,
		procs:   make([]Process, opts.MaxProcesses),
		futexes: futex.NewManager(),
		pool:    mutex.NewPool(opts.MaxMutexes),
	}
	k.mu.Init("process table")
	for i := range k.procs {
		p := &k.procs[i]
		p.k = k
		p.threads = make([]Thread, opts.MaxThreads)
		for j := range p.threads {
			t := &p.threads[j]
			t.k = k
			t.p = p
			t.waiter = futex.NewWaiter()
		}
	}
	return k
}

// Options returns the options k was created with.
func (k *Kernel) Options() Options {
	return k.opts
}

// MutexPool returns the kernel's mutex pool.
func (k *Kernel) MutexPool() *mutex.Pool {
	return k.pool
}

// Futexes returns the kernel's wait queues.
func (k *Kernel) Futexes() *futex.Manager {
	return k.futexes
}

// Start creates the init process, running entry on its first thread.
func (k *Kernel) Start(name string, entry func(*Thread)) (*Process, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.initProc != nil {
		return nil, klterr.Busy
	}
	p, err := k.newProcessLocked(name, nil, entry)
	if err != nil {
		return nil, err
	}
	k.initProc = p
	log.Infof("Started init process %d (%s)", p.pid, name)
	return p, nil
}

// Init returns the init process, or nil before Start.
func (k *Kernel) Init() *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.initProc
}

// findProcessLocked returns the live process with the given ID.
//
// Preconditions: k.mu is locked.
func (k *Kernel) findProcessLocked(pid klt.ProcessID) *Process {
	if pid <= 0 {
		return nil
	}
	for i := range k.procs {
		if p := &k.procs[i]; p.state != ProcessUnused && p.pid == pid {
			return p
		}
	}
	return nil
}

// Kill marks process pid killed and makes its sleeping threads runnable, so
// that each of them exits at its next checkpoint.
func (k *Kernel) Kill(pid klt.ProcessID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := k.findProcessLocked(pid)
	if p == nil || p.state == ProcessZombie {
		return klterr.InvalidHandle
	}
	p.killed = true
	p.interruptLocked(nil)
	processKills.Increment()
	log.Debugf("Killed process %d", pid)
	return nil
}

// Wake makes every thread sleeping on key runnable.
func (k *Kernel) Wake(key futex.Key) {
	k.mu.Lock()
	k.wakeLocked(key)
	k.mu.Unlock()
}

// wakeLocked is Wake with the table lock held.
//
// Preconditions: k.mu is locked.
func (k *Kernel) wakeLocked(key futex.Key) {
	for i := range k.procs {
		p := &k.procs[i]
		if p.state == ProcessUnused {
			continue
		}
		for j := range p.threads {
			if t := &p.threads[j]; t.state == ThreadSleeping && t.waitKey == key {
				t.state = ThreadRunnable
			}
		}
	}
	k.futexes.Wake(key)
}
