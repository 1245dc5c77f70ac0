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

package cmd

// Workloads run by the commands. They are written against the call
// interface, the way a user program would be.

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/kltos/kltos/pkg/abi/klt"
	"github.com/kltos/kltos/pkg/sentry/kernel"
	sklt "github.com/kltos/kltos/pkg/sentry/syscalls/klt"
	"github.com/kltos/kltos/pkg/sync"
)

// lockedWriter serializes writes from concurrent threads.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, v...)
}

// sanityThreads is the number of threads the sanity scenarios create.
const sanityThreads = 8

// sanityCase is one sanity scenario.
type sanityCase struct {
	name string
	run  func(main *kernel.Thread, out *lockedWriter) error
}

var sanityCases = []sanityCase{
	{"kthread", sanityKthread},
	{"mutex", sanityMutex},
	{"trnmnt_tree", func(main *kernel.Thread, out *lockedWriter) error { return sanityTree(main, out, 2) }},
}

// runSanity runs every sanity scenario in turn on main and returns the
// number that failed.
func runSanity(main *kernel.Thread, w io.Writer) int {
	out := &lockedWriter{w: w}
	failed := 0
	for i, tc := range sanityCases {
		out.Printf("---- Test %d [%s] STARTED ----\n", i, tc.name)
		if err := tc.run(main, out); err != nil {
			out.Printf("---- Test %d [%s] FAILED: %v ----\n", i, tc.name, err)
			failed++
			continue
		}
		out.Printf("---- Test %d [%s] PASSED ----\n", i, tc.name)
	}
	return failed
}

// joinAll joins every thread in tids, returning the first failure.
func joinAll(main *kernel.Thread, tids []int) error {
	var err error
	for _, tid := range tids {
		if sklt.KthreadJoin(main, tid) != 0 && err == nil {
			err = fmt.Errorf("thread %d joined wrong", tid)
		}
	}
	return err
}

// sanityKthread creates threads that report their IDs and joins each of
// them.
func sanityKthread(main *kernel.Thread, out *lockedWriter) error {
	var tids []int
	for i := 0; i < sanityThreads; i++ {
		tid := sklt.KthreadCreate(main, func(t *kernel.Thread) {
			out.Printf("thread created successfully, its tid is %d\n", sklt.KthreadID(t))
			sklt.KthreadExit(t)
		}, make([]byte, klt.MaxStackSize))
		if tid < 0 {
			joinAll(main, tids)
			return fmt.Errorf("thread %d created unsuccessfully", i)
		}
		tids = append(tids, tid)
	}
	for _, tid := range tids {
		if sklt.KthreadJoin(main, tid) != 0 {
			return fmt.Errorf("thread %d joined wrong", tid)
		}
		out.Printf("thread %d joined successfully\n", tid)
	}
	return nil
}

// sanityMutex has threads fill an array under a pool mutex, a few times
// over, and checks that every slot was written exactly once in order.
func sanityMutex(main *kernel.Thread, out *lockedWriter) error {
	const attempts = 5
	const slots = 6
	for attempt := 0; attempt < attempts; attempt++ {
		mid := sklt.KthreadMutexAlloc(main)
		if mid < 0 {
			return fmt.Errorf("mutex allocated wrong")
		}
		var counters [slots]int
		counter := 0
		for i := range counters {
			counters[i] = -1
		}
		var tids []int
		for i := 0; i < sanityThreads; i++ {
			tid := sklt.KthreadCreate(main, func(t *kernel.Thread) {
				sklt.KthreadMutexLock(t, mid)
				if counter < slots {
					counters[counter] = counter
					counter++
				}
				sklt.KthreadMutexUnlock(t, mid)
			}, nil)
			if tid < 0 {
				joinAll(main, tids)
				return fmt.Errorf("thread %d created unsuccessfully", i)
			}
			tids = append(tids, tid)
		}
		if err := joinAll(main, tids); err != nil {
			return err
		}
		if sklt.KthreadMutexDealloc(main, mid) != 0 {
			return fmt.Errorf("mutex %d deallocated wrong", mid)
		}
		for i, c := range counters {
			if c != i {
				return fmt.Errorf("attempt %d: counters = %v", attempt, counters)
			}
		}
		out.Printf("attempt %d succeeded\n", attempt)
	}
	return nil
}

// sanityTree seats one thread per seat of a tree of the given depth, as far
// as thread slots allow, and checks that each of them reached the root.
func sanityTree(main *kernel.Thread, out *lockedWriter, depth int) error {
	tree := sklt.TrnmntTreeAlloc(main, depth)
	if tree == nil {
		return fmt.Errorf("tree of depth %d allocated unsuccessfully", depth)
	}
	seats := min(tree.Seats(), main.Kernel().Options().MaxThreads-1)
	wasInRoot := make([]int, seats)
	var tids []int
	for seat := 0; seat < seats; seat++ {
		wasInRoot[seat] = -1
		tid := sklt.KthreadCreate(main, func(t *kernel.Thread) {
			if sklt.TrnmntTreeAcquire(t, tree, seat) != 0 {
				return
			}
			if holder := tree.RootHolder(); holder == t.ThreadID() {
				out.Printf("thread with seat %d in root (tid [%d])\n", seat, holder)
				wasInRoot[seat] = int(holder)
			}
			sklt.TrnmntTreeRelease(t, tree, seat)
		}, nil)
		if tid < 0 {
			joinAll(main, tids)
			return fmt.Errorf("thread %d created unsuccessfully", seat)
		}
		tids = append(tids, tid)
	}
	if err := joinAll(main, tids); err != nil {
		return err
	}
	if sklt.TrnmntTreeDealloc(main, tree) != 0 {
		return fmt.Errorf("tree deallocated wrong")
	}
	for seat, tid := range wasInRoot {
		if tid < 0 {
			return fmt.Errorf("seat %d never reached the root", seat)
		}
	}
	return nil
}

// mutexStress forks procs processes. In each, threads threads take turns
// incrementing a counter under one pool mutex rounds times. It returns the
// number of processes whose count came out wrong.
func mutexStress(main *kernel.Thread, out *lockedWriter, procs, threads, rounds int) int {
	var failures atomic.Int32
	forked := 0
	for i := 0; i < procs; i++ {
		name := fmt.Sprintf("mutex-%d", i)
		pid := sklt.Fork(main, name, func(pm *kernel.Thread) {
			if !mutexCount(pm, out, threads, rounds) {
				failures.Add(1)
			}
		})
		if pid < 0 {
			out.Printf("fork of %s failed\n", name)
			failures.Add(1)
			continue
		}
		forked++
	}
	for ; forked > 0; forked-- {
		sklt.Wait(main)
	}
	return int(failures.Load())
}

// mutexCount runs one process of mutexStress and reports whether the count
// came out right.
func mutexCount(main *kernel.Thread, out *lockedWriter, threads, rounds int) bool {
	mid := sklt.KthreadMutexAlloc(main)
	if mid < 0 {
		out.Printf("process %d: mutex allocated wrong\n", sklt.Getpid(main))
		return false
	}
	counter := 0
	var tids []int
	for i := 0; i < threads; i++ {
		tid := sklt.KthreadCreate(main, func(t *kernel.Thread) {
			for j := 0; j < rounds; j++ {
				if sklt.KthreadMutexLock(t, mid) != 0 {
					return
				}
				counter++
				sklt.KthreadMutexUnlock(t, mid)
			}
		}, nil)
		if tid < 0 {
			break
		}
		tids = append(tids, tid)
	}
	joinAll(main, tids)
	want := len(tids) * rounds
	out.Printf("process %d: %d threads, counter %d, want %d\n", sklt.Getpid(main), len(tids), counter, want)
	return len(tids) == threads && counter == want
}

// treeStress seats a thread at each seat of a tree of the given depth, as
// far as thread slots allow, each acquiring the root rounds times. It
// returns an error if two threads were ever inside at once or a seat did
// not get its turns.
func treeStress(main *kernel.Thread, out *lockedWriter, depth, rounds int) error {
	tree := sklt.TrnmntTreeAlloc(main, depth)
	if tree == nil {
		return fmt.Errorf("tree of depth %d allocated unsuccessfully", depth)
	}
	seats := min(tree.Seats(), main.Kernel().Options().MaxThreads-1)
	visits := make([]int, seats)
	var inside, overlaps int
	var tids []int
	for seat := 0; seat < seats; seat++ {
		tid := sklt.KthreadCreate(main, func(t *kernel.Thread) {
			for i := 0; i < rounds; i++ {
				if sklt.TrnmntTreeAcquire(t, tree, seat) != 0 {
					return
				}
				inside++
				if inside != 1 || tree.RootHolder() != t.ThreadID() {
					overlaps++
				}
				visits[seat]++
				inside--
				sklt.TrnmntTreeRelease(t, tree, seat)
				t.Yield()
			}
		}, nil)
		if tid < 0 {
			break
		}
		tids = append(tids, tid)
	}
	joinAll(main, tids)
	if sklt.TrnmntTreeDealloc(main, tree) != 0 {
		return fmt.Errorf("tree deallocated wrong")
	}
	out.Printf("depth %d, %d seats, %d threads: visits %v\n", depth, tree.Seats(), len(tids), visits)
	if overlaps != 0 {
		return fmt.Errorf("%d acquisitions overlapped", overlaps)
	}
	for seat, v := range visits[:len(tids)] {
		if v != rounds {
			return fmt.Errorf("seat %d reached the root %d times, want %d", seat, v, rounds)
		}
	}
	return nil
}

// psBlocked forks procs processes, each with threads threads blocked on a
// pool mutex held by the process's main thread. It closes ready once every
// thread is asleep and lets them all finish when release is closed.
func psBlocked(main *kernel.Thread, procs, threads int, ready chan<- struct{}, release <-chan struct{}) {
	var asleep atomic.Int32
	want := int32(procs * threads)
	allAsleep := make(chan struct{})
	var once sync.Once
	check := func() {
		if asleep.Load() == want {
			once.Do(func() { close(allAsleep) })
		}
	}

	forked := 0
	for i := 0; i < procs; i++ {
		pid := sklt.Fork(main, fmt.Sprintf("blocked-%d", i), func(pm *kernel.Thread) {
			mid := sklt.KthreadMutexAlloc(pm)
			sklt.KthreadMutexLock(pm, mid)
			var tids []int
			for j := 0; j < threads; j++ {
				tid := sklt.KthreadCreate(pm, func(t *kernel.Thread) {
					sklt.KthreadMutexLock(t, mid)
					sklt.KthreadMutexUnlock(t, mid)
				}, nil)
				if tid >= 0 {
					tids = append(tids, tid)
				}
			}
			// Wait for the threads to block on mid.
			for {
				n := 0
				for _, pi := range pm.Kernel().Processes() {
					if pi.PID != pm.ProcessID() {
						continue
					}
					for _, ti := range pi.Threads {
						if ti.State == kernel.ThreadSleeping {
							n++
						}
					}
				}
				if n >= len(tids) {
					break
				}
				pm.Yield()
			}
			asleep.Add(int32(threads))
			check()
			<-release
			sklt.KthreadMutexUnlock(pm, mid)
			joinAll(pm, tids)
		})
		if pid >= 0 {
			forked++
		} else {
			asleep.Add(int32(threads))
		}
	}
	check()
	<-allAsleep
	close(ready)
	for ; forked > 0; forked-- {
		sklt.Wait(main)
	}
}
