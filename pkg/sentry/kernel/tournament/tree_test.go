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

package tournament

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kltos/kltos/pkg/abi/klt"
	"github.com/kltos/kltos/pkg/errors/klterr"
	"github.com/kltos/kltos/pkg/sentry/kernel"
	"github.com/kltos/kltos/pkg/sentry/kernel/mutex"
)

const testTimeout = 10 * time.Second

// run starts the init process of a new kernel running entry and waits for it
// to exit.
func run(t *testing.T, opts kernel.Options, entry func(k *kernel.Kernel, main *kernel.Thread)) {
	t.Helper()
	k := kernel.New(opts)
	p, err := k.Start("init", func(main *kernel.Thread) { entry(k, main) })
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := k.WaitExit(ctx, p); err != nil {
		t.Fatalf("init did not exit: %v", err)
	}
}

// paths returns the node path of every seat of a tree of the given depth.
func paths(depth int) [][]int {
	size := 1<<(depth+1) - 1
	var ps [][]int
	for seat := 0; seat <= size; seat++ {
		var p []int
		for n := seat / 2; n < size; n = parent(n, size) {
			p = append(p, n)
		}
		ps = append(ps, p)
	}
	return ps
}

func TestPaths(t *testing.T) {
	for _, tc := range []struct {
		depth int
		want  [][]int
	}{
		{0, [][]int{{0}, {0}}},
		{1, [][]int{{0, 2}, {0, 2}, {1, 2}, {1, 2}}},
		{2, [][]int{
			{0, 4, 6}, {0, 4, 6}, {1, 4, 6}, {1, 4, 6},
			{2, 5, 6}, {2, 5, 6}, {3, 5, 6}, {3, 5, 6},
		}},
	} {
		if diff := cmp.Diff(tc.want, paths(tc.depth)); diff != "" {
			t.Errorf("depth %d paths mismatch (-want +got):\n%s", tc.depth, diff)
		}
	}
}

func TestPathLengths(t *testing.T) {
	for depth := 0; depth <= klt.MaxTreeDepth; depth++ {
		size := 1<<(depth+1) - 1
		for seat, p := range paths(depth) {
			if len(p) != depth+1 {
				t.Fatalf("depth %d seat %d: path %v has %d nodes, want %d", depth, seat, p, len(p), depth+1)
			}
			if p[len(p)-1] != size-1 {
				t.Fatalf("depth %d seat %d: path %v does not end at the root %d", depth, seat, p, size-1)
			}
		}
	}
}

func TestPathStack(t *testing.T) {
	var s pathStack
	for i := 0; i < maxPathLen; i++ {
		s.push(i)
	}
	if s.len() != maxPathLen {
		t.Errorf("len = %d, want %d", s.len(), maxPathLen)
	}
	for i := maxPathLen - 1; i >= 0; i-- {
		n, ok := s.pop()
		if !ok || n != i {
			t.Fatalf("pop = %d, %t, want %d, true", n, ok, i)
		}
	}
	if _, ok := s.pop(); ok {
		t.Errorf("pop of an empty stack succeeded")
	}
}

func TestAllocBadDepth(t *testing.T) {
	run(t, kernel.Options{}, func(k *kernel.Kernel, main *kernel.Thread) {
		for _, depth := range []int{-1, klt.MaxTreeDepth + 1} {
			if _, err := Alloc(main, k.MutexPool(), depth); err != klterr.InvalidHandle {
				t.Errorf("Alloc(depth %d) = %v, want %v", depth, err, klterr.InvalidHandle)
			}
		}
		if n := k.MutexPool().Len(); n != 0 {
			t.Errorf("pool holds %d mutexes after failed allocs, want 0", n)
		}
	})
}

func TestAllocExhaustedRollsBack(t *testing.T) {
	run(t, kernel.Options{MaxMutexes: 5}, func(k *kernel.Kernel, main *kernel.Thread) {
		pool := k.MutexPool()
		if _, err := Alloc(main, pool, 2); err != klterr.AllocExhausted {
			t.Errorf("Alloc = %v, want %v", err, klterr.AllocExhausted)
		}
		if n := pool.Len(); n != 0 {
			t.Errorf("pool holds %d mutexes after a failed alloc, want 0", n)
		}
		// A tree that fits still works.
		tr, err := Alloc(main, pool, 1)
		if err != nil {
			t.Errorf("Alloc(depth 1) failed: %v", err)
			return
		}
		if got, want := pool.Len(), tr.Size()+1; got != want {
			t.Errorf("pool holds %d mutexes, want %d", got, want)
		}
		for _, id := range tr.Nodes() {
			if _, err := pool.Stat(id); err != nil {
				t.Errorf("node mutex %d: %v", id, err)
			}
		}
		if err := tr.Dealloc(main); err != nil {
			t.Errorf("Dealloc failed: %v", err)
		}
	})
}

func TestSingleThread(t *testing.T) {
	run(t, kernel.Options{}, func(k *kernel.Kernel, main *kernel.Thread) {
		tr, err := Alloc(main, k.MutexPool(), 0)
		if err != nil {
			t.Errorf("Alloc failed: %v", err)
			return
		}
		if got, want := []int{tr.Depth(), tr.Size(), tr.Seats()}, []int{0, 1, 2}; !cmp.Equal(got, want) {
			t.Errorf("depth, size, seats = %v, want %v", got, want)
		}
		if got := tr.RootHolder(); got != klt.RootIsEmpty {
			t.Errorf("RootHolder = %d, want %d", got, klt.RootIsEmpty)
		}
		for seat := 0; seat < tr.Seats(); seat++ {
			if err := tr.Acquire(main, seat); err != nil {
				t.Errorf("Acquire(%d) failed: %v", seat, err)
				return
			}
			if got := tr.RootHolder(); got != main.ThreadID() {
				t.Errorf("RootHolder = %d, want %d", got, main.ThreadID())
			}
			if got := tr.Occupant(seat); got != main.ThreadID() {
				t.Errorf("Occupant(%d) = %d, want %d", seat, got, main.ThreadID())
			}
			if err := tr.Release(main, seat); err != nil {
				t.Errorf("Release(%d) failed: %v", seat, err)
				return
			}
			if got := tr.RootHolder(); got != klt.RootIsEmpty {
				t.Errorf("RootHolder = %d, want %d", got, klt.RootIsEmpty)
			}
			if got := tr.Occupant(seat); got != 0 {
				t.Errorf("Occupant(%d) = %d, want 0", seat, got)
			}
		}
		if err := tr.Dealloc(main); err != nil {
			t.Errorf("Dealloc failed: %v", err)
		}
	})
}

func TestInvalidSeat(t *testing.T) {
	run(t, kernel.Options{}, func(k *kernel.Kernel, main *kernel.Thread) {
		tr, err := Alloc(main, k.MutexPool(), 1)
		if err != nil {
			t.Errorf("Alloc failed: %v", err)
			return
		}
		for _, seat := range []int{-1, tr.Seats(), 100} {
			if err := tr.Acquire(main, seat); err != klterr.InvalidHandle {
				t.Errorf("Acquire(%d) = %v, want %v", seat, err, klterr.InvalidHandle)
			}
			if err := tr.Release(main, seat); err != klterr.InvalidHandle {
				t.Errorf("Release(%d) = %v, want %v", seat, err, klterr.InvalidHandle)
			}
		}
		if err := tr.Dealloc(main); err != nil {
			t.Errorf("Dealloc failed: %v", err)
		}
	})
}

// holdSeat starts a thread that acquires seat of tr, signals held, and
// releases once done is closed. held must be buffered.
func holdSeat(t *testing.T, main *kernel.Thread, tr *Tree, seat int, held chan<- klt.ThreadID, done <-chan struct{}) klt.ThreadID {
	t.Helper()
	tid, err := main.Create(func(s *kernel.Thread) {
		if err := tr.Acquire(s, seat); err != nil {
			t.Errorf("Acquire(%d) failed: %v", seat, err)
			held <- 0
			return
		}
		held <- s.ThreadID()
		<-done
		if err := tr.Release(s, seat); err != nil {
			t.Errorf("Release(%d) failed: %v", seat, err)
		}
	}, nil)
	if err != nil {
		t.Errorf("Create failed: %v", err)
		held <- 0
	}
	return tid
}

// nodeStates returns the state of every node mutex of tr.
func nodeStates(t *testing.T, pool *mutex.Pool, tr *Tree) []mutex.Info {
	t.Helper()
	var infos []mutex.Info
	for _, id := range tr.Nodes() {
		info, err := pool.Stat(id)
		if err != nil {
			t.Errorf("Stat(%d) failed: %v", id, err)
		}
		infos = append(infos, info)
	}
	return infos
}

func TestReleaseByNonHolder(t *testing.T) {
	run(t, kernel.Options{}, func(k *kernel.Kernel, main *kernel.Thread) {
		tr, err := Alloc(main, k.MutexPool(), 1)
		if err != nil {
			t.Errorf("Alloc failed: %v", err)
			return
		}
		held := make(chan klt.ThreadID, 1)
		done := make(chan struct{})
		tid := holdSeat(t, main, tr, 0, held, done)
		holder := <-held
		before := nodeStates(t, k.MutexPool(), tr)

		// Neither the holder's seat nor an empty one can be released by
		// somebody else.
		for _, seat := range []int{0, 1} {
			if err := tr.Release(main, seat); err != klterr.PermissionDenied {
				t.Errorf("Release(%d) = %v, want %v", seat, err, klterr.PermissionDenied)
			}
		}
		if err := tr.Release(main, tr.Size()+1); err != klterr.InvalidHandle {
			t.Errorf("Release(%d) = %v, want %v", tr.Size()+1, err, klterr.InvalidHandle)
		}
		if diff := cmp.Diff(before, nodeStates(t, k.MutexPool(), tr)); diff != "" {
			t.Errorf("node mutexes changed by failed releases (-before +after):\n%s", diff)
		}
		if got := tr.RootHolder(); got != holder {
			t.Errorf("RootHolder = %d, want %d", got, holder)
		}
		if got := tr.Occupant(0); got != holder {
			t.Errorf("Occupant(0) = %d, want %d", got, holder)
		}

		close(done)
		if err := main.Join(tid); err != nil {
			t.Errorf("Join failed: %v", err)
		}
		if got := tr.RootHolder(); got != klt.RootIsEmpty {
			t.Errorf("RootHolder = %d, want %d", got, klt.RootIsEmpty)
		}
		if err := tr.Dealloc(main); err != nil {
			t.Errorf("Dealloc failed: %v", err)
		}
	})
}

func TestAlreadyHeld(t *testing.T) {
	run(t, kernel.Options{}, func(k *kernel.Kernel, main *kernel.Thread) {
		tr, err := Alloc(main, k.MutexPool(), 1)
		if err != nil {
			t.Errorf("Alloc failed: %v", err)
			return
		}
		held := make(chan klt.ThreadID, 1)
		done := make(chan struct{})
		tid := holdSeat(t, main, tr, 2, held, done)
		<-held

		// The seat is taken.
		if err := tr.Acquire(main, 2); err != klterr.AlreadyHeld {
			t.Errorf("Acquire(taken seat) = %v, want %v", err, klterr.AlreadyHeld)
		}
		close(done)
		if err := main.Join(tid); err != nil {
			t.Errorf("Join failed: %v", err)
		}

		// The caller already holds another seat.
		if err := tr.Acquire(main, 0); err != nil {
			t.Errorf("Acquire(0) failed: %v", err)
			return
		}
		if err := tr.Acquire(main, 3); err != klterr.AlreadyHeld {
			t.Errorf("Acquire(second seat) = %v, want %v", err, klterr.AlreadyHeld)
		}
		if got := tr.Occupant(3); got != 0 {
			t.Errorf("Occupant(3) = %d, want 0", got)
		}
		if err := tr.Release(main, 0); err != nil {
			t.Errorf("Release failed: %v", err)
		}
		if err := tr.Dealloc(main); err != nil {
			t.Errorf("Dealloc failed: %v", err)
		}
	})
}

func TestDealloc(t *testing.T) {
	run(t, kernel.Options{}, func(k *kernel.Kernel, main *kernel.Thread) {
		pool := k.MutexPool()
		tr, err := Alloc(main, pool, 2)
		if err != nil {
			t.Errorf("Alloc failed: %v", err)
			return
		}
		held := make(chan klt.ThreadID, 1)
		done := make(chan struct{})
		tid := holdSeat(t, main, tr, 5, held, done)
		holder := <-held

		if err := tr.Dealloc(main); err != klterr.Busy {
			t.Errorf("Dealloc(occupied) = %v, want %v", err, klterr.Busy)
		}
		if got := tr.RootHolder(); got != holder {
			t.Errorf("RootHolder after failed Dealloc = %d, want %d", got, holder)
		}

		close(done)
		if err := main.Join(tid); err != nil {
			t.Errorf("Join failed: %v", err)
		}
		if err := tr.Dealloc(main); err != nil {
			t.Errorf("Dealloc failed: %v", err)
			return
		}
		if n := pool.Len(); n != 0 {
			t.Errorf("pool holds %d mutexes after Dealloc, want 0", n)
		}

		if err := tr.Acquire(main, 0); err != klterr.InvalidHandle {
			t.Errorf("Acquire after Dealloc = %v, want %v", err, klterr.InvalidHandle)
		}
		if err := tr.Release(main, 0); err != klterr.InvalidHandle {
			t.Errorf("Release after Dealloc = %v, want %v", err, klterr.InvalidHandle)
		}
		if err := tr.Dealloc(main); err != klterr.InvalidHandle {
			t.Errorf("second Dealloc = %v, want %v", err, klterr.InvalidHandle)
		}
	})
}

// contend runs one thread per seat of a depth-depth tree, each acquiring and
// releasing its seat iters times, and checks that the root is only ever held
// by one of them.
func contend(t *testing.T, main *kernel.Thread, pool Pool, depth, iters int) {
	tr, err := Alloc(main, pool, depth)
	if err != nil {
		t.Errorf("Alloc failed: %v", err)
		return
	}
	var inside, total int
	var tids []klt.ThreadID
	for seat := 0; seat < tr.Seats(); seat++ {
		seat := seat
		tid, err := main.Create(func(s *kernel.Thread) {
			for i := 0; i < iters; i++ {
				if err := tr.Acquire(s, seat); err != nil {
					t.Errorf("seat %d: Acquire failed: %v", seat, err)
					return
				}
				inside++
				if inside != 1 {
					t.Errorf("%d threads hold the root", inside)
				}
				if got := tr.RootHolder(); got != s.ThreadID() {
					t.Errorf("seat %d: RootHolder = %d, want %d", seat, got, s.ThreadID())
				}
				total++
				inside--
				if err := tr.Release(s, seat); err != nil {
					t.Errorf("seat %d: Release failed: %v", seat, err)
					return
				}
				s.Yield()
			}
		}, nil)
		if err != nil {
			t.Errorf("Create failed: %v", err)
			return
		}
		tids = append(tids, tid)
	}
	for _, tid := range tids {
		if err := main.Join(tid); err != nil {
			t.Errorf("Join failed: %v", err)
		}
	}
	if want := tr.Seats() * iters; total != want {
		t.Errorf("root entered %d times, want %d", total, want)
	}
	if got := tr.RootHolder(); got != klt.RootIsEmpty {
		t.Errorf("RootHolder = %d, want %d", got, klt.RootIsEmpty)
	}
	if err := tr.Dealloc(main); err != nil {
		t.Errorf("Dealloc failed: %v", err)
	}
}

// stuckAdminPool is a Pool whose administrative mutex of a tree reports
// itself in use on dealloc and cannot be locked after that.
type stuckAdminPool struct {
	*mutex.Pool
	admin   klt.MutexID
	sawBusy bool
}

func (p *stuckAdminPool) Dealloc(ctx mutex.Context, id klt.MutexID) error {
	if id == p.admin {
		p.sawBusy = true
		return klterr.Busy
	}
	return p.Pool.Dealloc(ctx, id)
}

func (p *stuckAdminPool) Lock(ctx mutex.Context, id klt.MutexID) error {
	if id == p.admin && p.sawBusy {
		return klterr.Interrupted
	}
	return p.Pool.Lock(ctx, id)
}

func TestDeallocReportsLeakedAdmin(t *testing.T) {
	run(t, kernel.Options{}, func(k *kernel.Kernel, main *kernel.Thread) {
		pool := &stuckAdminPool{Pool: k.MutexPool()}
		tr, err := Alloc(main, pool, 1)
		if err != nil {
			t.Errorf("Alloc failed: %v", err)
			return
		}
		pool.admin = tr.admin

		if err := tr.Dealloc(main); err != klterr.Interrupted {
			t.Errorf("Dealloc = %v, want %v", err, klterr.Interrupted)
		}
		if got, want := k.MutexPool().Len(), 1; got != want {
			t.Errorf("pool holds %d mutexes, want %d", got, want)
		}
		if err := k.MutexPool().Dealloc(main, tr.admin); err != nil {
			t.Errorf("Dealloc(admin) failed: %v", err)
		}
	})
}

func TestMutualExclusion(t *testing.T) {
	run(t, kernel.Options{}, func(k *kernel.Kernel, main *kernel.Thread) {
		contend(t, main, k.MutexPool(), 2, 100)
	})
}

func TestStress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping in short mode")
	}
	run(t, kernel.Options{MaxThreads: 32}, func(k *kernel.Kernel, main *kernel.Thread) {
		contend(t, main, k.MutexPool(), 3, 200)
	})
}

func TestProcessExitReclaimsTree(t *testing.T) {
	k := kernel.New(kernel.Options{})
	pool := k.MutexPool()
	p, err := k.Start("init", func(main *kernel.Thread) {
		tr, err := Alloc(main, pool, 2)
		if err != nil {
			t.Errorf("Alloc failed: %v", err)
			return
		}
		// Exit with the root held.
		if err := tr.Acquire(main, 0); err != nil {
			t.Errorf("Acquire failed: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := k.WaitExit(ctx, p); err != nil {
		t.Fatalf("init did not exit: %v", err)
	}
	if n := pool.Len(); n != 0 {
		t.Errorf("pool holds %d mutexes after the owner exited, want 0", n)
	}
}
