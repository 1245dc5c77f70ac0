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

package futex

import (
	"testing"

	"github.com/kltos/kltos/pkg/sync"
)

func newPreparedTestWaiter(m *Manager, key Key) *Waiter {
	w := NewWaiter()
	m.WaitPrepare(w, key)
	return w
}

func TestFutexWake(t *testing.T) {
	for _, key := range []Key{ThreadKey(3), MutexKey(3), ProcessKey(3), CollapseKey(3)} {
		t.Run(key.Kind.String(), func(t *testing.T) {
			m := NewManager()

			// Start waiting for wakeup.
			w := newPreparedTestWaiter(m, key)
			defer m.WaitComplete(w)

			// Perform a wakeup.
			if n := m.Wake(key); n != 1 {
				t.Errorf("Wake: got %d, wanted 1", n)
			}

			// Expect the waiter to have been woken.
			if !w.woken() {
				t.Error("waiter not woken")
			}
		})
	}
}

func TestFutexWakeOtherKind(t *testing.T) {
	m := NewManager()

	// A thread and a mutex with the same ID must not wake each other.
	w := newPreparedTestWaiter(m, ThreadKey(7))
	defer m.WaitComplete(w)

	if n := m.Wake(MutexKey(7)); n != 0 {
		t.Errorf("Wake with other kind: got %d, wanted 0", n)
	}
	if w.woken() {
		t.Error("waiter woken unexpectedly")
	}
}

func TestFutexWakeAll(t *testing.T) {
	m := NewManager()
	key := MutexKey(1)

	var ws [3]*Waiter
	for i := range ws {
		ws[i] = newPreparedTestWaiter(m, key)
		defer m.WaitComplete(ws[i])
	}
	other := newPreparedTestWaiter(m, MutexKey(2))
	defer m.WaitComplete(other)

	if got := m.Waiters(key); got != 3 {
		t.Errorf("Waiters: got %d, wanted 3", got)
	}
	if n := m.Wake(key); n != 3 {
		t.Errorf("Wake: got %d, wanted 3", n)
	}
	for i, w := range ws {
		if !w.woken() {
			t.Errorf("waiter %d not woken", i)
		}
	}
	if other.woken() {
		t.Error("waiter on other key woken")
	}
	if got := m.Waiters(key); got != 0 {
		t.Errorf("Waiters after Wake: got %d, wanted 0", got)
	}
}

func TestFutexWakeN(t *testing.T) {
	m := NewManager()
	key := ThreadKey(1)

	var ws [3]*Waiter
	for i := range ws {
		ws[i] = newPreparedTestWaiter(m, key)
		defer m.WaitComplete(ws[i])
	}

	if n := m.WakeN(key, 2); n != 2 {
		t.Errorf("WakeN: got %d, wanted 2", n)
	}

	// Waiters are woken in FIFO order.
	if !ws[0].woken() || !ws[1].woken() {
		t.Error("first two waiters not woken")
	}
	if ws[2].woken() {
		t.Error("third waiter woken")
	}
}

func TestWaitComplete(t *testing.T) {
	m := NewManager()
	key := ProcessKey(4)

	w := newPreparedTestWaiter(m, key)
	m.WaitComplete(w)

	// A completed waiter is no longer queued.
	if n := m.Wake(key); n != 0 {
		t.Errorf("Wake after WaitComplete: got %d, wanted 0", n)
	}

	// A waiter may be prepared again after completion.
	m.WaitPrepare(w, key)
	if n := m.Wake(key); n != 1 {
		t.Errorf("Wake after re-prepare: got %d, wanted 1", n)
	}
	m.WaitComplete(w)
}

func TestInterrupt(t *testing.T) {
	m := NewManager()
	w := newPreparedTestWaiter(m, ThreadKey(9))

	if !m.Interrupt(w) {
		t.Fatalf("Interrupt of queued waiter returned false")
	}
	if !w.woken() {
		t.Errorf("interrupted waiter not woken")
	}
	if m.Interrupt(w) {
		t.Errorf("second Interrupt returned true")
	}
	m.WaitComplete(w)
}

// TestWakeBlocked checks that a waiter blocked on C is released by Wake.
func TestWakeBlocked(t *testing.T) {
	m := NewManager()
	key := MutexKey(12)

	const n = 8
	var prepared, done sync.WaitGroup
	for i := 0; i < n; i++ {
		prepared.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			w := NewWaiter()
			m.WaitPrepare(w, key)
			prepared.Done()
			<-w.C
			m.WaitComplete(w)
		}()
	}
	prepared.Wait()

	if got := m.Wake(key); got != n {
		t.Errorf("Wake: got %d, wanted %d", got, n)
	}
	done.Wait()
}
