// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package futex

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-agentcluster/sharedmem"
)

// waiterKind distinguishes the two ownership modes of a waiter node.
type waiterKind uint8

const (
	// waiterBlocking nodes are owned by the Wait call that created them;
	// the node never outlives the call, because Wait does not return until
	// the node is unlinked.
	waiterBlocking waiterKind = iota
	// waiterAsync nodes are kept alive by the registry link and by the
	// owner's pending table, and become collectable once removed from both.
	waiterAsync
)

// waiter is one agent's registration at one address.
//
// The link fields (prev, next, queue) are owned by whichever thread holds
// the registry lock; they must never be read or written without it. The
// notified flag is the only cross-thread field, and is atomic.
type waiter struct {
	prev, next *waiter
	// queue is non-nil exactly while the waiter is linked into a wait
	// queue. It is the single source of truth for "has this waiter
	// already been handled?".
	queue *waitQueue
	addr  uintptr
	kind  waiterKind

	// wake unblocks a blocking waiter. Buffered so notifiers never block;
	// signalled only under the registry lock.
	wake chan struct{}

	// notified is set by a notifier for async waiters whose owning agent
	// is a different thread; the owner's drain pass picks it up.
	notified atomic.Bool
	owner    *PendingWaiters

	// buf keeps the shared block reachable (and its addresses stable)
	// while the waiter is registered.
	buf *sharedmem.Buffer
}

func (w *waiter) linked() bool { return w.queue != nil }

// waitQueue is the FIFO list of waiters pending at one address. Nodes are
// appended at the tail and detached from the head, preserving arrival
// order.
type waitQueue struct {
	head, tail *waiter
}

func (q *waitQueue) empty() bool { return q.head == nil }

func (q *waitQueue) pushBack(w *waiter) {
	w.queue = q
	w.prev = q.tail
	w.next = nil
	if q.tail != nil {
		q.tail.next = w
	} else {
		q.head = w
	}
	q.tail = w
}

func (q *waitQueue) popFront() *waiter {
	w := q.head
	if w == nil {
		return nil
	}
	q.unlink(w)
	return w
}

func (q *waitQueue) unlink(w *waiter) {
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		q.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		q.tail = w.prev
	}
	w.prev = nil
	w.next = nil
	w.queue = nil
}

// registry is the process-wide map from address to wait queue. It is the
// sole synchronization point for every wait/notify operation: no queue or
// waiter link may be touched without holding its lock.
type registry struct {
	mu       sync.Mutex
	queues   map[uintptr]*waitQueue
	poisoned bool
}

// globalWaiters is the single registry instance, lazily initialized on
// first lock and living for the process lifetime.
var globalWaiters registry

// lock enters the critical section. It fails with
// [ErrSynchronizationUnavailable] if a previous panic while holding the
// lock has poisoned the registry, since its invariants can no longer be
// trusted.
func (r *registry) lock() error {
	r.mu.Lock()
	if r.poisoned {
		r.mu.Unlock()
		return ErrSynchronizationUnavailable
	}
	if r.queues == nil {
		r.queues = make(map[uintptr]*waitQueue)
	}
	return nil
}

func (r *registry) unlock() { r.mu.Unlock() }

// poisonOnPanic must be deferred by every critical section. If the
// section exits via panic while still holding the lock, the registry is
// marked poisoned before the lock is released, and the panic continues.
func (r *registry) poisonOnPanic(locked *bool) {
	if v := recover(); v != nil {
		if *locked {
			r.poisoned = true
			r.mu.Unlock()
		}
		panic(v)
	}
}

// addWaiter links w at the tail of the queue for addr, creating the queue
// if absent. The registry lock must be held. w must not already be linked
// anywhere; that would be a lifecycle bug, so it fails fast.
func (r *registry) addWaiter(w *waiter, addr uintptr) {
	if w.linked() {
		panic("futex: waiter is already linked into a wait queue")
	}
	w.addr = addr
	q := r.queues[addr]
	if q == nil {
		q = &waitQueue{}
		r.queues[addr] = q
	}
	q.pushBack(w)
}

// removeWaiter detaches w from its queue, deleting the address entry if
// the queue empties. The registry lock must be held. w must actually be a
// member of the queue for its address; anything else indicates a
// lifecycle bug, not a recoverable condition.
func (r *registry) removeWaiter(w *waiter) {
	q := r.queues[w.addr]
	if q == nil || w.queue != q {
		panic("futex: waiter is not a member of the wait queue for its address")
	}
	q.unlink(w)
	if q.empty() {
		delete(r.queues, w.addr)
	}
}

// notifyMany pops up to max waiters from the head of the queue at addr,
// in FIFO order, waking each. The registry lock must be held.
//
// Blocking waiters are woken through their wake channel. Async waiters
// get their notified flag set; additionally, if the waiter is owned by
// the notifying agent itself (caller), its completion is enqueued
// directly, since only the owning thread may touch the handle.
func (r *registry) notifyMany(addr uintptr, max uint64, caller *PendingWaiters) uint64 {
	q := r.queues[addr]
	if q == nil {
		return 0
	}
	var n uint64
	for n < max {
		w := q.popFront()
		if w == nil {
			break
		}
		n++
		switch w.kind {
		case waiterBlocking:
			select {
			case w.wake <- struct{}{}:
			default:
			}
		case waiterAsync:
			w.notified.Store(true)
			if caller != nil && w.owner == caller {
				caller.completeNotified(w)
			} else {
				w.owner.wakeOwner()
			}
		}
	}
	if q.empty() {
		delete(r.queues, addr)
	}
	return n
}

// size reports the number of addresses with registered waiters, for
// tests.
func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// resetForTesting discards all registry state, including poisoning.
func (r *registry) resetForTesting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues = nil
	r.poisoned = false
}
