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

// Scheduler collaboration: sleeping, waking and kill checkpoints.

import (
	"runtime"

	"github.com/kltos/kltos/pkg/errors/klterr"
	"github.com/kltos/kltos/pkg/sentry/kernel/futex"
	"github.com/kltos/kltos/pkg/tmutex"
)

const sleepUnlockedMsg = "Sleep called with guard unlocked"

// Sleep atomically releases guard and blocks t until it is woken on key,
// then re-acquires guard. If t or its process has been killed, Sleep
// returns klterr.Interrupted, without blocking if the kill came first.
// Wakeups are level triggered: callers re-check their condition.
//
// guard may be the table lock itself.
//
// Preconditions: guard is held by the caller. The caller must be running on
// t's goroutine. Only the first is checked, and only as far as guard being
// locked at all: tmutex does not record its holder.
func (t *Thread) Sleep(key futex.Key, guard *tmutex.Mutex) error {
	if !guard.Held() {
		panic(sleepUnlockedMsg)
	}
	k := t.k
	if guard != &k.mu {
		// Holding the table lock while dropping guard means a waker,
		// which needs the table lock, cannot miss us.
		k.mu.Lock()
		guard.Unlock()
	}

	var err error
	if t.killedLocked() {
		err = klterr.Interrupted
	} else {
		t.waitKey = key
		t.state = ThreadSleeping
		k.futexes.WaitPrepare(t.waiter, key)
		sleeps.Increment(key.Kind.String())
		k.mu.Unlock()

		<-t.waiter.C

		k.futexes.WaitComplete(t.waiter)
		k.mu.Lock()
		t.state = ThreadRunning
		if t.killedLocked() {
			err = klterr.Interrupted
		}
	}

	if guard != &k.mu {
		k.mu.Unlock()
		guard.Lock()
	}
	return err
}

// Wake makes every thread sleeping on key runnable.
func (t *Thread) Wake(key futex.Key) {
	t.k.Wake(key)
}

// Checkpoint is where a thread notices it has been killed, as it would on
// returning to user mode. A thread whose process was killed exits the
// process; a thread killed alone, by a thread collapse, exits by itself.
// Otherwise Checkpoint returns.
//
// Preconditions: The caller must be running on t's goroutine.
func (t *Thread) Checkpoint() {
	t.k.mu.Lock()
	processKilled, threadKilled := t.p.killed, t.killed
	t.k.mu.Unlock()
	switch {
	case processKilled:
		t.ExitProcess()
	case threadKilled:
		t.Exit()
	}
}

// Yield gives up the processor, then passes a checkpoint.
//
// Preconditions: The caller must be running on t's goroutine.
func (t *Thread) Yield() {
	t.k.mu.Lock()
	t.state = ThreadRunnable
	t.k.mu.Unlock()

	runtime.Gosched()

	t.k.mu.Lock()
	t.state = ThreadRunning
	t.k.mu.Unlock()
	t.Checkpoint()
}
