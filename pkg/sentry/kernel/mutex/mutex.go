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

// Package mutex implements the kernel's mutex pool: a fixed-capacity table
// of blocking mutual exclusion locks, each owned by the process that
// allocated it and, while locked, by the thread that locked it.
//
// Lock ordering:
//
//	Pool.mu
//	  entry.lk
//	    kernel table lock (through Context.Sleep and Context.Wake)
//
// Pool.mu is never requested while an entry.lk is held.
package mutex

import (
	"fmt"
	"math"
	"time"

	"github.com/google/btree"
	"github.com/kltos/kltos/pkg/abi/klt"
	"github.com/kltos/kltos/pkg/errors/klterr"
	"github.com/kltos/kltos/pkg/log"
	"github.com/kltos/kltos/pkg/metric"
	"github.com/kltos/kltos/pkg/sentry/kernel/futex"
	"github.com/kltos/kltos/pkg/tmutex"
)

var (
	allocCount = metric.MustCreateNewUint64Metric("/mutex/allocs", "Number of mutex pool allocations.",
		metric.NewField("result", "ok", "exhausted"))
	deallocCount = metric.MustCreateNewUint64Metric("/mutex/deallocs", "Number of mutexes returned to the pool.",
		metric.NewField("reason", "dealloc", "reclaim"))
	lockCount      = metric.MustCreateNewUint64Metric("/mutex/locks", "Number of successful mutex locks.")
	contendedCount = metric.MustCreateNewUint64Metric("/mutex/contended_locks", "Number of mutex locks that had to sleep.")
	lockWait       = metric.MustCreateNewDistributionMetric("/mutex/lock_wait_nanoseconds", metric.NewDurationBucketer(12, time.Microsecond),
		"Time spent sleeping in contended mutex locks.")
)

// Context is the calling thread, as seen by the pool.
type Context interface {
	// ThreadID returns the caller's thread ID.
	ThreadID() klt.ThreadID

	// ProcessID returns the caller's process ID.
	ProcessID() klt.ProcessID

	// Sleep atomically releases guard and blocks the caller until it is
	// woken on key, then re-acquires guard. It returns
	// klterr.Interrupted if the caller was killed.
	//
	// Preconditions: guard is held by the caller.
	Sleep(key futex.Key, guard *tmutex.Mutex) error

	// Wake makes every thread sleeping on key runnable.
	Wake(key futex.Key)
}

// entry is one live mutex. A fresh entry is made by every Alloc, so a
// caller still holding an entry after its mutex was freed finds id changed
// and fails instead of operating on the slot's next tenant.
type entry struct {
	// lk guards locked and ownerTID. id and pid are written with both
	// Pool.mu and lk held, so either one suffices to read them.
	lk tmutex.Mutex

	id       klt.MutexID
	pid      klt.ProcessID
	locked   bool
	ownerTID klt.ThreadID
}

// indexItem maps a mutex ID to its slot.
type indexItem struct {
	id   klt.MutexID
	slot int
}

func lessIndexItem(a, b indexItem) bool {
	return a.id < b.id
}

// Pool is a mutex pool.
type Pool struct {
	// mu is the metadata lock. It protects the fields below.
	mu tmutex.Mutex

	// slots holds capacity entries; nil is a free slot.
	slots []*entry

	// index maps live IDs to slots.
	index *btree.BTreeG[indexItem]

	// lastID is the last ID handed out. IDs are never reused.
	lastID klt.MutexID

	contention log.Logger
}

// NewPool returns an empty pool that can hold capacity live mutexes. A
// non-positive capacity selects klt.MaxMutexes.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = klt.MaxMutexes
	}
	p := &Pool{
		slots:      make([]*entry, capacity),
		index:      btree.NewG(8, lessIndexItem),
		contention: log.BasicRateLimitedLogger(time.Second),
	}
	p.mu.Init("mutex pool")
	return p
}

// Alloc allocates a mutex owned by the caller's process and returns its ID.
// It fails with klterr.AllocExhausted when the pool is full.
func (p *Pool) Alloc(ctx Context) (klt.MutexID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := -1
	for i, e := range p.slots {
		if e == nil {
			slot = i
			break
		}
	}
	if slot < 0 || p.lastID == math.MaxInt32 {
		allocCount.Increment("exhausted")
		log.Debugf("[%7d:%7d] mutex alloc: pool exhausted (%d live)", ctx.ThreadID(), ctx.ProcessID(), p.index.Len())
		return 0, klterr.AllocExhausted
	}

	p.lastID++
	e := &entry{
		id:  p.lastID,
		pid: ctx.ProcessID(),
	}
	e.lk.Init(fmt.Sprintf("mutex %d", e.id))
	p.slots[slot] = e
	p.index.ReplaceOrInsert(indexItem{id: e.id, slot: slot})
	allocCount.Increment("ok")
	return e.id, nil
}

// lookupLocked returns the live entry for id if the caller's process owns
// it.
//
// Preconditions: p.mu is locked.
func (p *Pool) lookupLocked(ctx Context, id klt.MutexID) (*entry, int, error) {
	item, ok := p.index.Get(indexItem{id: id})
	if !ok {
		return nil, 0, klterr.InvalidHandle
	}
	e := p.slots[item.slot]
	if e.pid != ctx.ProcessID() {
		return nil, 0, klterr.PermissionDenied
	}
	return e, item.slot, nil
}

// lookup is lookupLocked for callers that do not hold p.mu. The returned
// entry may be freed as soon as lookup returns; callers revalidate its id
// under entry.lk.
func (p *Pool) lookup(ctx Context, id klt.MutexID) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, _, err := p.lookupLocked(ctx, id)
	return e, err
}

// Dealloc frees mutex id. It fails with klterr.Busy, changing nothing, if
// the mutex is locked.
func (p *Pool) Dealloc(ctx Context, id klt.MutexID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, slot, err := p.lookupLocked(ctx, id)
	if err != nil {
		return err
	}
	e.lk.Lock()
	if e.locked {
		e.lk.Unlock()
		return klterr.Busy
	}
	e.id = 0
	e.pid = 0
	e.lk.Unlock()

	p.slots[slot] = nil
	p.index.Delete(indexItem{id: id})
	deallocCount.Increment("dealloc")
	return nil
}

// Lock locks mutex id, sleeping while another thread holds it.
//
// Wakeups are level triggered: every waiter is woken by Unlock and the
// first to retake the entry lock wins.
func (p *Pool) Lock(ctx Context, id klt.MutexID) error {
	e, err := p.lookup(ctx, id)
	if err != nil {
		return err
	}

	e.lk.Lock()
	var wait metric.TimedOperation
	waited := false
	for {
		if e.id != id {
			// Freed while we were asleep.
			e.lk.Unlock()
			return klterr.InvalidHandle
		}
		if !e.locked {
			break
		}
		if e.ownerTID == ctx.ThreadID() {
			e.lk.Unlock()
			return klterr.AlreadyHeld
		}
		if !waited {
			waited = true
			wait = lockWait.Start()
			contendedCount.Increment()
			p.contention.Debugf("[%7d:%7d] mutex %d contended, held by thread %d", ctx.ThreadID(), ctx.ProcessID(), id, e.ownerTID)
		}
		if err := ctx.Sleep(futex.MutexKey(id), &e.lk); err != nil {
			e.lk.Unlock()
			return err
		}
	}
	e.locked = true
	e.ownerTID = ctx.ThreadID()
	e.lk.Unlock()

	if waited {
		wait.Finish()
	}
	lockCount.Increment()
	return nil
}

// Unlock unlocks mutex id and wakes every thread waiting for it. Only the
// thread that locked the mutex may unlock it.
func (p *Pool) Unlock(ctx Context, id klt.MutexID) error {
	e, err := p.lookup(ctx, id)
	if err != nil {
		return err
	}

	e.lk.Lock()
	defer e.lk.Unlock()
	if e.id != id {
		return klterr.InvalidHandle
	}
	if !e.locked || e.ownerTID != ctx.ThreadID() {
		return klterr.PermissionDenied
	}
	e.locked = false
	e.ownerTID = 0
	ctx.Wake(futex.MutexKey(id))
	return nil
}

// Reclaim frees every mutex owned by process pid, locked or not, and
// returns how many were freed. It is called when the process has no live
// threads left, so nobody can be waiting on them.
func (p *Pool) Reclaim(pid klt.ProcessID) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var freed []indexItem
	p.index.Ascend(func(item indexItem) bool {
		e := p.slots[item.slot]
		if e.pid != pid {
			return true
		}
		e.lk.Lock()
		e.id = 0
		e.pid = 0
		e.locked = false
		e.ownerTID = 0
		e.lk.Unlock()
		p.slots[item.slot] = nil
		freed = append(freed, item)
		return true
	})
	for _, item := range freed {
		p.index.Delete(item)
	}
	if len(freed) > 0 {
		deallocCount.IncrementBy(uint64(len(freed)), "reclaim")
		log.Debugf("Reclaimed %d mutexes of process %d", len(freed), pid)
	}
	return len(freed)
}

// Info describes one live mutex.
type Info struct {
	ID     klt.MutexID
	PID    klt.ProcessID
	Locked bool
	Owner  klt.ThreadID
	Slot   int
}

// Stat returns a description of mutex id, regardless of which process
// owns it.
func (p *Pool) Stat(id klt.MutexID) (Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.index.Get(indexItem{id: id})
	if !ok {
		return Info{}, klterr.InvalidHandle
	}
	return p.statLocked(item), nil
}

// Preconditions: p.mu is locked.
func (p *Pool) statLocked(item indexItem) Info {
	e := p.slots[item.slot]
	e.lk.Lock()
	defer e.lk.Unlock()
	return Info{
		ID:     e.id,
		PID:    e.pid,
		Locked: e.locked,
		Owner:  e.ownerTID,
		Slot:   item.slot,
	}
}

// List returns every live mutex in increasing ID order.
func (p *Pool) List() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]Info, 0, p.index.Len())
	p.index.Ascend(func(item indexItem) bool {
		infos = append(infos, p.statLocked(item))
		return true
	})
	return infos
}

// Len returns the number of live mutexes.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index.Len()
}

// Cap returns the capacity of the pool.
func (p *Pool) Cap() int {
	return len(p.slots)
}
