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

// Package tournament implements tournament tree locks: a complete binary
// tree of pool mutexes over 2^(depth+1) seats. A thread registered at a seat
// locks the mutexes on the path from its seat to the root, one level at a
// time, and holds the root once it has locked all of them.
//
// Nodes are numbered level by level, leaves first: seat s starts at node
// s/2, and the parent of node n is n/2 + size/2 + 1. The root is node
// size-1.
//
// Lock ordering:
//
//	administrative mutex
//	  node mutexes (leaf to root)
//
// A thread never sleeps on a node mutex while holding the administrative
// mutex, and never needs the administrative mutex to make progress on the
// nodes.
package tournament

import (
	"sync/atomic"

	"github.com/kltos/kltos/pkg/abi/klt"
	"github.com/kltos/kltos/pkg/cleanup"
	"github.com/kltos/kltos/pkg/errors/klterr"
	"github.com/kltos/kltos/pkg/log"
	"github.com/kltos/kltos/pkg/metric"
	"github.com/kltos/kltos/pkg/sentry/kernel/mutex"
)

var (
	treeOps = metric.MustCreateNewUint64Metric("/tournament/trees", "Number of tournament trees allocated and freed.",
		metric.NewField("op", "alloc", "dealloc"))
	acquires = metric.MustCreateNewUint64Metric("/tournament/acquires", "Number of tournament root acquisitions.")
	releases = metric.MustCreateNewUint64Metric("/tournament/releases", "Number of tournament root releases.")
)

// Pool is the mutex pool a tree is built from.
type Pool interface {
	Alloc(ctx mutex.Context) (klt.MutexID, error)
	Dealloc(ctx mutex.Context, id klt.MutexID) error
	Lock(ctx mutex.Context, id klt.MutexID) error
	Unlock(ctx mutex.Context, id klt.MutexID) error
}

// Tree is a tournament tree lock.
type Tree struct {
	// pool, depth, size, admin and nodes are immutable.
	pool  Pool
	depth int
	size  int
	admin klt.MutexID
	nodes []klt.MutexID

	// seats holds the thread registered at each seat, or 0. It is written
	// with the administrative mutex held.
	seats []atomic.Int32

	// paths holds the nodes locked on behalf of each seat. Only the thread
	// registered at the seat touches its path.
	paths []pathStack

	// dead is set by Dealloc. It is protected by the administrative mutex.
	dead bool

	// tidInRoot is the thread holding every mutex on its path to the root,
	// or klt.RootIsEmpty. It is set by that thread after its last lock and
	// cleared by it before its first unlock.
	tidInRoot atomic.Int32
}

// parent returns the parent of node n in a tree with size nodes. It returns
// size or more for the root.
func parent(n, size int) int {
	return n/2 + size/2 + 1
}

// Alloc allocates a tree of the given depth from pool: its administrative
// mutex and 2^(depth+1)-1 node mutexes, all owned by ctx's process. If the
// pool runs out, every mutex allocated so far is freed again.
func Alloc(ctx mutex.Context, pool Pool, depth int) (*Tree, error) {
	if depth < 0 || depth > klt.MaxTreeDepth {
		return nil, klterr.InvalidHandle
	}
	size := 1<<(depth+1) - 1

	admin, err := pool.Alloc(ctx)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { pool.Dealloc(ctx, admin) })
	defer cu.Clean()

	nodes := make([]klt.MutexID, size)
	for i := range nodes {
		id, err := pool.Alloc(ctx)
		if err != nil {
			log.Debugf("[%7d:%7d] tournament alloc of depth %d failed at node %d: %v", ctx.ThreadID(), ctx.ProcessID(), depth, i, err)
			return nil, err
		}
		cu.Add(func() { pool.Dealloc(ctx, id) })
		nodes[i] = id
	}
	cu.Release()

	t := &Tree{
		pool:  pool,
		depth: depth,
		size:  size,
		admin: admin,
		nodes: nodes,
		seats: make([]atomic.Int32, size+1),
		paths: make([]pathStack, size+1),
	}
	t.tidInRoot.Store(int32(klt.RootIsEmpty))
	treeOps.Increment("alloc")
	return t, nil
}

// Depth returns the depth the tree was allocated with.
func (t *Tree) Depth() int {
	return t.depth
}

// Size returns the number of node mutexes.
func (t *Tree) Size() int {
	return t.size
}

// Seats returns the number of seats, which are numbered from 0.
func (t *Tree) Seats() int {
	return t.size + 1
}

// RootHolder returns the thread holding the root, or klt.RootIsEmpty.
func (t *Tree) RootHolder() klt.ThreadID {
	return klt.ThreadID(t.tidInRoot.Load())
}

// Occupant returns the thread registered at seat, or 0.
func (t *Tree) Occupant(seat int) klt.ThreadID {
	if seat < 0 || seat > t.size {
		return 0
	}
	return klt.ThreadID(t.seats[seat].Load())
}

// Nodes returns the pool IDs of the node mutexes, in node order.
func (t *Tree) Nodes() []klt.MutexID {
	return append([]klt.MutexID(nil), t.nodes...)
}

// lockAdmin locks the administrative mutex, failing if the tree has been
// deallocated.
func (t *Tree) lockAdmin(ctx mutex.Context) error {
	if err := t.pool.Lock(ctx, t.admin); err != nil {
		return err
	}
	if t.dead {
		t.pool.Unlock(ctx, t.admin)
		return klterr.InvalidHandle
	}
	return nil
}

// Dealloc frees the tree's mutexes. It fails with klterr.Busy, changing
// nothing, while any seat is occupied. A freed tree fails every operation
// with klterr.InvalidHandle.
func (t *Tree) Dealloc(ctx mutex.Context) error {
	if err := t.lockAdmin(ctx); err != nil {
		return err
	}
	for i := range t.seats {
		if t.seats[i].Load() != 0 {
			t.pool.Unlock(ctx, t.admin)
			return klterr.Busy
		}
	}
	t.dead = true

	// With no seat occupied, no node is locked.
	var firstErr error
	for _, id := range t.nodes {
		if err := t.pool.Dealloc(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.pool.Unlock(ctx, t.admin)

	// Threads that raced for the administrative mutex find the tree dead
	// and let go of it right away.
	for {
		err := t.pool.Dealloc(ctx, t.admin)
		if err != klterr.Busy {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		if err := t.pool.Lock(ctx, t.admin); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		t.pool.Unlock(ctx, t.admin)
	}
	treeOps.Increment("dealloc")
	return firstErr
}

// Acquire registers the caller at seat and locks its way up to the root. It
// returns once the caller holds the root.
//
// Acquire fails with klterr.InvalidHandle for a seat outside [0, Seats()),
// and with klterr.AlreadyHeld if the seat is taken or the caller already
// holds another seat of t. On failure nothing stays registered or locked.
func (t *Tree) Acquire(ctx mutex.Context, seat int) error {
	if seat < 0 || seat > t.size {
		return klterr.InvalidHandle
	}
	tid := ctx.ThreadID()

	if err := t.lockAdmin(ctx); err != nil {
		return err
	}
	if t.seats[seat].Load() != 0 {
		t.pool.Unlock(ctx, t.admin)
		return klterr.AlreadyHeld
	}
	for i := range t.seats {
		if klt.ThreadID(t.seats[i].Load()) == tid {
			t.pool.Unlock(ctx, t.admin)
			return klterr.AlreadyHeld
		}
	}
	t.seats[seat].Store(int32(tid))
	t.pool.Unlock(ctx, t.admin)

	path := &t.paths[seat]
	for n := seat / 2; n < t.size; n = parent(n, t.size) {
		if err := t.pool.Lock(ctx, t.nodes[n]); err != nil {
			t.unwind(ctx, path)
			t.unregister(ctx, seat)
			return err
		}
		path.push(n)
	}
	t.tidInRoot.Store(int32(tid))
	acquires.Increment()
	return nil
}

// Release gives up the root and the seat. Only the thread registered at seat
// may release it, and only while it holds the root; anybody else fails with
// klterr.PermissionDenied and changes nothing.
//
// The path is unlocked root first, so that a contender can never own a node
// while one of its ancestors is still held by the departing thread.
func (t *Tree) Release(ctx mutex.Context, seat int) error {
	if seat < 0 || seat > t.size {
		return klterr.InvalidHandle
	}
	tid := ctx.ThreadID()

	if err := t.lockAdmin(ctx); err != nil {
		return err
	}
	defer t.pool.Unlock(ctx, t.admin)
	if klt.ThreadID(t.seats[seat].Load()) != tid || t.RootHolder() != tid {
		return klterr.PermissionDenied
	}

	t.tidInRoot.Store(int32(klt.RootIsEmpty))
	t.unwind(ctx, &t.paths[seat])
	t.seats[seat].Store(0)
	releases.Increment()
	return nil
}

// unwind unlocks every node on path, most recently locked first.
func (t *Tree) unwind(ctx mutex.Context, path *pathStack) {
	for {
		n, ok := path.pop()
		if !ok {
			return
		}
		if err := t.pool.Unlock(ctx, t.nodes[n]); err != nil {
			log.Warningf("[%7d:%7d] tournament: unlocking node %d: %v", ctx.ThreadID(), ctx.ProcessID(), n, err)
		}
	}
}

// unregister frees seat after a failed acquire. If the caller cannot get the
// administrative mutex back, it is being killed; the seat stays taken until
// its process exits and the tree's mutexes are reclaimed.
func (t *Tree) unregister(ctx mutex.Context, seat int) {
	if err := t.pool.Lock(ctx, t.admin); err != nil {
		return
	}
	t.seats[seat].Store(0)
	t.pool.Unlock(ctx, t.admin)
}
