// Copyright 2018 Google Inc.
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

// Package futex provides the kernel's wait queues. It allows one to easily
// transform a sleep on a wait key into a wait on a channel: a sleeper
// enqueues a Waiter on the key and blocks on Waiter.C, and a waker sends to
// the channels of every Waiter queued on the same key.
package futex

import (
	"fmt"
	"sync/atomic"

	"github.com/kltos/kltos/pkg/abi/klt"
	"github.com/kltos/kltos/pkg/sync"
)

// KeyKind indicates the type of a Key.
type KeyKind int

const (
	// KindThread keys are slept on by threads joining the thread whose ID
	// is the key.
	KindThread KeyKind = iota

	// KindMutex keys are slept on by threads waiting for a pooled mutex to
	// be released.
	KindMutex

	// KindProcess keys are slept on by parents waiting for a child process
	// to exit.
	KindProcess

	// KindCollapse keys are slept on by a thread that collapsed its
	// process and waits for its siblings to exit.
	KindCollapse
)

// String implements fmt.Stringer.
func (k KeyKind) String() string {
	switch k {
	case KindThread:
		return "thread"
	case KindMutex:
		return "mutex"
	case KindProcess:
		return "process"
	case KindCollapse:
		return "collapse"
	default:
		return fmt.Sprintf("KeyKind(%d)", int(k))
	}
}

// Key represents something that a waiter may wait on.
type Key struct {
	// Kind is the type of the Key.
	Kind KeyKind

	// ID identifies the object within Kind.
	ID uint64
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%v:%d", k.Kind, k.ID)
}

// ThreadKey returns the key joiners of thread tid sleep on.
func ThreadKey(tid klt.ThreadID) Key {
	return Key{Kind: KindThread, ID: uint64(uint32(tid))}
}

// MutexKey returns the key waiters on pooled mutex id sleep on.
func MutexKey(id klt.MutexID) Key {
	return Key{Kind: KindMutex, ID: uint64(uint32(id))}
}

// ProcessKey returns the key a parent process with ID pid sleeps on while
// waiting for its children.
func ProcessKey(pid klt.ProcessID) Key {
	return Key{Kind: KindProcess, ID: uint64(uint32(pid))}
}

// CollapseKey returns the key the collapsing thread of process pid sleeps
// on.
func CollapseKey(pid klt.ProcessID) Key {
	return Key{Kind: KindCollapse, ID: uint64(uint32(pid))}
}

// Waiter is the struct which gets enqueued into buckets for wake up routines
// to scan and notify. Once a Waiter has been enqueued by WaitPrepare(),
// callers may listen on C for wake up events.
type Waiter struct {
	// Synchronization:
	//
	// - A Waiter that is not enqueued in a bucket is exclusively owned (no
	// synchronization applies).
	//
	// - A Waiter is enqueued in a bucket by calling WaitPrepare(). After
	// this, next, prev and key are protected by the bucket.mu of the
	// containing bucket. Since bucket is mutated using atomic memory
	// operations, bucket.Load() may be called without holding the bucket
	// lock, although it may change racily. See WaitComplete().
	//
	// - A Waiter is only guaranteed to be no longer queued after calling
	// WaitComplete().

	next *Waiter
	prev *Waiter

	// bucket is the bucket this waiter is queued in. If bucket is nil, the
	// waiter is not waiting and is not in any bucket.
	bucket atomic.Pointer[bucket]

	// C is sent to when the Waiter is woken.
	C chan struct{}

	// key is what this waiter is waiting on.
	key Key
}

// NewWaiter returns a new unqueued Waiter.
func NewWaiter() *Waiter {
	return &Waiter{
		C: make(chan struct{}, 1),
	}
}

// Key returns the key w was last prepared on.
func (w *Waiter) Key() Key {
	return w.key
}

// woken returns true if w has been woken since the last call to WaitPrepare.
func (w *Waiter) woken() bool {
	return len(w.C) != 0
}

// waiterList is an intrusive list of Waiters.
type waiterList struct {
	head *Waiter
	tail *Waiter
}

func (l *waiterList) Empty() bool {
	return l.head == nil
}

func (l *waiterList) PushBack(w *Waiter) {
	w.next = nil
	w.prev = l.tail
	if l.tail != nil {
		l.tail.next = w
	} else {
		l.head = w
	}
	l.tail = w
}

func (l *waiterList) Remove(w *Waiter) {
	if w.prev != nil {
		w.prev.next = w.next
	} else if l.head == w {
		l.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else if l.tail == w {
		l.tail = w.prev
	}
	w.next = nil
	w.prev = nil
}

// bucket holds a list of waiters for a given key hash.
type bucket struct {
	// mu protects waiters and contained Waiter state. See comment in Waiter.
	mu sync.Mutex

	waiters waiterList
}

// wakeLocked wakes up to n waiters matching key and returns the number of
// waiters woken. n < 0 wakes all of them.
//
// Preconditions: b.mu must be locked.
func (b *bucket) wakeLocked(key Key, n int) int {
	done := 0
	for w := b.waiters.head; (n < 0 || done < n) && w != nil; {
		if w.key != key {
			w = w.next
			continue
		}

		// Remove from the bucket and wake the waiter.
		woke := w
		w = w.next // Next iteration.
		b.waiters.Remove(woke)
		select {
		case woke.C <- struct{}{}:
		default:
		}

		// Since we've dequeued woke and will never touch it again, we can
		// safely store nil to woke.bucket here and allow WaitComplete() to
		// short-circuit grabbing the bucket lock.
		woke.bucket.Store(nil)
		done++
	}
	return done
}

const (
	// bucketCount is the number of buckets per Manager. By having many of
	// these we reduce contention when concurrent yet unrelated calls are made.
	bucketCount     = 1 << bucketCountBits
	bucketCountBits = 6
)

// bucketIndexForKey returns the index into Manager.buckets for k.
func bucketIndexForKey(k Key) uint64 {
	// IDs are small and dense within a kind; spread kinds apart so that
	// thread 3 and mutex 3 do not share a bucket.
	return (k.ID + uint64(k.Kind)*(bucketCount/4+1)) % bucketCount
}

// Manager holds the wait queues of a kernel.
type Manager struct {
	buckets [bucketCount]bucket
}

// NewManager returns an initialized futex manager.
func NewManager() *Manager {
	return &Manager{}
}

// lockBucket returns a locked bucket for the given key.
func (m *Manager) lockBucket(k Key) *bucket {
	b := &m.buckets[bucketIndexForKey(k)]
	b.mu.Lock()
	return b
}

// Wake wakes up every waiter queued on key. The number of waiters woken is
// returned.
func (m *Manager) Wake(key Key) int {
	return m.WakeN(key, -1)
}

// WakeN wakes up to n waiters queued on key. n < 0 wakes all of them.
func (m *Manager) WakeN(key Key, n int) int {
	b := m.lockBucket(key)
	r := b.wakeLocked(key, n)
	b.mu.Unlock()
	return r
}

// WaitPrepare enqueues w to be woken by a send to w.C. The Waiter must be
// subsequently removed by calling WaitComplete, whether or not a wakeup is
// received on w.C.
//
// Callers are responsible for holding whatever lock guards the condition
// they are sleeping on, so that a concurrent Wake cannot be missed.
func (m *Manager) WaitPrepare(w *Waiter, key Key) {
	// Prepare the Waiter before taking the bucket lock.
	select {
	case <-w.C:
	default:
	}
	w.key = key

	b := m.lockBucket(key)
	b.waiters.PushBack(w)
	w.bucket.Store(b)
	b.mu.Unlock()
}

// WaitComplete must be called when a Waiter previously added by WaitPrepare is
// no longer eligible to be woken.
func (m *Manager) WaitComplete(w *Waiter) {
	// Remove w from the bucket it's in.
	for {
		b := w.bucket.Load()

		// If b is nil, the waiter isn't in any bucket anymore.
		if b == nil {
			break
		}

		// Without holding the bucket lock, the waiter is not guaranteed to
		// stay in that bucket, so after we take the bucket lock, we must
		// ensure that the bucket hasn't changed.
		b.mu.Lock()
		if b != w.bucket.Load() {
			b.mu.Unlock()
			continue
		}

		b.waiters.Remove(w)
		w.bucket.Store(nil)
		b.mu.Unlock()
		break
	}
}

// Interrupt removes w from its bucket, if any, and wakes it. It returns false
// if w was not waiting.
func (m *Manager) Interrupt(w *Waiter) bool {
	for {
		b := w.bucket.Load()
		if b == nil {
			return false
		}
		b.mu.Lock()
		if b != w.bucket.Load() {
			b.mu.Unlock()
			continue
		}
		b.waiters.Remove(w)
		select {
		case w.C <- struct{}{}:
		default:
		}
		w.bucket.Store(nil)
		b.mu.Unlock()
		return true
	}
}

// Waiters returns the number of waiters queued on key.
func (m *Manager) Waiters(key Key) int {
	b := m.lockBucket(key)
	defer b.mu.Unlock()
	n := 0
	for w := b.waiters.head; w != nil; w = w.next {
		if w.key == key {
			n++
		}
	}
	return n
}
