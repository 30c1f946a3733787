// Package mcs implements the MCS queue lock.
//
// Reference:
//
// John M. Mellor-Crummey and Michael L. Scott. 1991. Algorithms for Scalable
// Synchronization on Shared Memory Multiprocessors. ACM Transactions on
// Computer Systems 9, 1 (Feb. 1991), 21-65.
// https://doi.org/10.1145/103727.103729
//
// Each acquirer spins on a flag in its own LockNode rather than on the lock
// word, so waiters queue FIFO and contention stays local to one cache line.
// Nodes are supplied by the caller and must outlive the critical section;
// they are never allocated by this package, which is what makes the lock
// usable before any heap exists.
package mcs

import (
	"runtime"
	"sync/atomic"
)

// LockNode is one acquirer's place in the queue. The zero value is ready to
// use. A node is shared by address and must not be copied while the lock is
// held.
type LockNode struct {
	next   atomic.Pointer[LockNode]
	locked atomic.Bool

	// Pad to a cache line so that a spinning waiter does not share its
	// line with the neighbouring node.
	_ [52]byte
}

// MCSLock is the lock itself: a name for diagnostics and the tail of the
// waiter queue.
type MCSLock struct {
	name string
	tail atomic.Pointer[LockNode]
}

// NewMCSLock returns a named, unlocked lock.
func NewMCSLock(name string) *MCSLock {
	return &MCSLock{name: name}
}

// Name returns the name given at construction.
func (l *MCSLock) Name() string { return l.name }

// Acquire takes the lock, spinning until the predecessor (if any) hands it
// over. The node identifies this acquisition and must be passed, unchanged,
// to the matching Release.
func (l *MCSLock) Acquire(node *LockNode) {
	node.next.Store(nil)
	node.locked.Store(false)

	predecessor := l.tail.Swap(node)
	if predecessor != nil {
		node.locked.Store(true)
		predecessor.next.Store(node)
		for node.locked.Load() {
			spinHint()
		}
	}
}

// Release hands the lock to the next waiter, or clears the tail if the queue
// is empty.
func (l *MCSLock) Release(node *LockNode) {
	if node.next.Load() == nil {
		if l.tail.CompareAndSwap(node, nil) {
			return
		}
		// A successor swapped itself onto the tail but has not linked
		// itself in yet.
		for node.next.Load() == nil {
			spinHint()
		}
	}
	node.next.Load().locked.Store(false)
}

// spinHint yields between spins. The scheduler yield stands in for the
// pause instruction a core would execute on hardware, and keeps a waiter
// from starving its predecessor when both share one underlying thread.
func spinHint() {
	runtime.Gosched()
}

// Guarded pairs a lock with the value it protects, so the only way to reach
// the value is through an acquisition. This is how the process-wide
// singletons (page allocator, vmem arenas, heap, console) are represented.
type Guarded[T any] struct {
	lock  MCSLock
	value T
}

// NewGuarded returns a Guarded holding value behind a named lock.
func NewGuarded[T any](name string, value T) *Guarded[T] {
	return &Guarded[T]{lock: MCSLock{name: name}, value: value}
}

// Lock acquires the lock and returns the guarded value. The caller must call
// Unlock with the same node when finished with it.
func (g *Guarded[T]) Lock(node *LockNode) *T {
	g.lock.Acquire(node)
	return &g.value
}

// Unlock releases the lock taken by Lock.
func (g *Guarded[T]) Unlock(node *LockNode) {
	g.lock.Release(node)
}

// Name returns the name of the underlying lock.
func (g *Guarded[T]) Name() string { return g.lock.name }
