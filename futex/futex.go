// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package futex implements the shared-memory wait/notify subsystem that
// backs the concurrency primitives exposed to agents running on multiple
// OS threads over one shared buffer.
//
// The design is a user-space emulation of the futex syscall: a wait queue
// is attached to a memory address, and agents block on or wake those
// queues to synchronize. Three pieces cooperate:
//
//   - a waiter node, representing one pending registration at one address
//     (either stack-scoped, for [Wait], or heap-shared, for [WaitAsync]);
//   - a FIFO wait queue per address;
//   - a single process-wide registry mapping addresses to their queues,
//     guarded by one lock that every wait/notify operation must hold for
//     any mutation of queue structure or waiter link state.
//
// The atomic read of the shared buffer that precedes registration is the
// one operation performed outside that lock; it relies on the ordering
// guarantees of [sharedmem], not on the registry.
//
// Blocking waiters suspend on a per-node channel, re-validating their
// link state on every wake; the link state, not the wake signal, decides
// whether the waiter was notified. Async waiters never block: completion
// is delivered through a [Handle] recorded in the owning agent's
// [PendingWaiters] table, either directly (when the notifier is the
// owner), by a scheduled timeout job, or by the owner's once-per-turn
// [PendingWaiters.EnqueueWaiterJobs] drain.
package futex

import (
	"errors"
	"time"
	"unsafe"

	"github.com/joeycumines/go-agentcluster/sharedmem"
)

// ErrSynchronizationUnavailable is returned when the registry lock has
// been poisoned by a panic raised while it was held. It is the only error
// this package reports; every other outcome is a [WaitResult] value. The
// condition is surfaced to the caller rather than retried, since the
// registry's invariants can no longer be trusted.
var ErrSynchronizationUnavailable = errors.New("futex: failed to synchronize with the agent cluster")

// WaitResult is the outcome of a wait operation.
type WaitResult int

const (
	// NotEqual means the memory did not match the expected value at call
	// time; no registration occurred.
	NotEqual WaitResult = iota
	// TimedOut means the wait elapsed without a notification.
	TimedOut
	// OK means the waiter was notified. For [WaitAsync] it means the
	// waiter was registered and its handle will be settled later.
	OK
)

// String returns the script-visible spelling of the result.
func (r WaitResult) String() string {
	switch r {
	case NotEqual:
		return "not-equal"
	case TimedOut:
		return "timed-out"
	case OK:
		return "ok"
	default:
		return "unknown"
	}
}

// Waitable is the set of element types an agent may wait on.
type Waitable interface {
	~int32 | ~int64
}

// NoTimeout waits indefinitely when passed as the timeout argument of
// [Wait] or [WaitAsync]. Any negative duration behaves the same.
const NoTimeout time.Duration = -1

// checkAccess validates the element access the caller claims to have
// validated already. Bounds and alignment are the caller's contract;
// violations are lifecycle bugs and fail fast.
func checkAccess(buf *sharedmem.Buffer, length, offset, size int) {
	if length > buf.Len() || offset < 0 || offset+size > length || offset%size != 0 {
		panic("futex: unvalidated element access")
	}
}

// Wait blocks the calling thread until the element at offset is notified,
// the timeout elapses, or the element's current value differs from
// expected.
//
// The element at offset is read atomically; if it differs from expected,
// Wait returns [NotEqual] immediately without registering. Otherwise the
// caller is appended to the wait queue for that address and suspended. A
// negative timeout waits indefinitely.
//
// length is the accessible byte length of buf; offset must be a valid,
// aligned element position within it (enforced by the caller).
//
// The returned error is non-nil only for [ErrSynchronizationUnavailable],
// in which case the result is meaningless.
func Wait[E Waitable](buf *sharedmem.Buffer, length, offset int, expected E, timeout time.Duration) (WaitResult, error) {
	checkAccess(buf, length, offset, int(unsafe.Sizeof(expected)))

	// The pre-registration read happens outside the critical section, on
	// the strength of sharedmem's sequentially consistent ordering.
	if sharedmem.Load[E](buf, offset) != expected {
		return NotEqual, nil
	}

	var start time.Time
	if timeout >= 0 {
		start = time.Now()
	}

	if err := globalWaiters.lock(); err != nil {
		return 0, err
	}
	locked := true
	defer globalWaiters.poisonOnPanic(&locked)

	w := &waiter{
		kind: waiterBlocking,
		wake: make(chan struct{}, 1),
		buf:  buf,
	}
	globalWaiters.addWaiter(w, buf.Addr(offset))

	var result WaitResult
	for {
		// Every wake re-checks the link state; being unlinked is the only
		// proof of notification, regardless of how the suspension ended.
		if !w.linked() {
			result = OK
			break
		}

		if timeout >= 0 {
			remaining := timeout - time.Since(start)
			if remaining <= 0 {
				result = TimedOut
				break
			}
			t := time.NewTimer(remaining)
			locked = false
			globalWaiters.unlock()
			select {
			case <-w.wake:
			case <-t.C:
			}
			t.Stop()
		} else {
			locked = false
			globalWaiters.unlock()
			<-w.wake
		}

		// Re-acquiring can observe poisoning that happened while we were
		// suspended; the node cannot be unlinked safely in that case, so
		// report and return.
		if err := globalWaiters.lock(); err != nil {
			return 0, err
		}
		locked = true
	}

	if w.linked() {
		// Timeout path: nobody else will remove the node.
		globalWaiters.removeWaiter(w)
	}
	locked = false
	globalWaiters.unlock()

	return result, nil
}

// WaitAsync registers a non-blocking waiter for the element at offset,
// recording handle in owner's pending table to be settled when the waiter
// is notified or times out. It never blocks, and must be called on
// owner's own loop goroutine.
//
// The immediate result is [NotEqual] (value mismatch, nothing registered),
// [TimedOut] (zero timeout, nothing registered), or [OK] (registered;
// handle will be resolved later with "ok" or "timed-out"). For the first
// two, settling the handle synchronously is the caller's business.
//
// A negative timeout never times out; a zero timeout short-circuits
// without allocating a node or scheduling a job.
func WaitAsync[E Waitable](buf *sharedmem.Buffer, length, offset int, expected E, timeout time.Duration, handle Handle, owner *PendingWaiters) (WaitResult, error) {
	checkAccess(buf, length, offset, int(unsafe.Sizeof(expected)))
	if handle == nil || owner == nil {
		panic("futex: async wait requires a completion handle and an owning context")
	}
	if owner.torn {
		return 0, ErrSynchronizationUnavailable
	}

	if sharedmem.Load[E](buf, offset) != expected {
		return NotEqual, nil
	}
	if timeout == 0 {
		return TimedOut, nil
	}

	if err := globalWaiters.lock(); err != nil {
		return 0, err
	}
	locked := true
	defer globalWaiters.poisonOnPanic(&locked)

	w := &waiter{
		kind:  waiterAsync,
		owner: owner,
		buf:   buf,
	}
	globalWaiters.addWaiter(w, buf.Addr(offset))
	locked = false
	globalWaiters.unlock()

	owner.add(w, handle)
	if timeout > 0 {
		owner.scheduleTimeout(w, timeout)
	}
	return OK, nil
}

// Notify wakes up to count waiters registered at the element at offset,
// in FIFO arrival order, and returns the number woken. A count of zero is
// a valid no-op (it still returns 0). caller identifies the notifying
// agent's pending table, if any, so that its own async waiters can be
// completed directly; it may be nil.
func Notify(buf *sharedmem.Buffer, offset int, count uint64, caller *PendingWaiters) (uint64, error) {
	if err := globalWaiters.lock(); err != nil {
		return 0, err
	}
	locked := true
	defer globalWaiters.poisonOnPanic(&locked)

	n := globalWaiters.notifyMany(buf.Addr(offset), count, caller)

	locked = false
	globalWaiters.unlock()
	return n, nil
}
