// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package futex

import (
	"time"

	"github.com/joeycumines/logiface"
)

// Scheduler is the job queue of an agent's event loop, as seen by this
// package. Enqueue posts a job to run on the loop's goroutine; EnqueueAfter
// posts one after a delay. Both fail once the loop stops accepting work.
type Scheduler interface {
	Enqueue(fn func()) error
	EnqueueAfter(fn func(), d time.Duration) error
}

// Handle is the completion side of an async wait, typically a promise's
// resolving functions. Exactly one of Resolve or Reject is called, exactly
// once, on the owning agent's goroutine. Resolve receives a [WaitResult];
// Reject receives an error.
type Handle interface {
	Resolve(v any)
	Reject(v any)
}

// PendingWaiters tracks the async waiters owned by one agent, pairing each
// registered waiter with the [Handle] that settles its result.
//
// The table is confined to the owning agent's loop goroutine: every method
// must be called from there, and no internal locking is performed. The
// registry lock is never held while a handle is touched.
//
// Completion reaches the table by three routes, whichever fires first:
// a notifier on the same agent completes the waiter directly, a scheduled
// timeout job removes and resolves it, or the loop's per-turn
// [PendingWaiters.EnqueueWaiterJobs] pass drains waiters notified by other
// agents. A waiter leaves the table the moment its completion job is
// enqueued, so the routes cannot double-settle.
type PendingWaiters struct {
	sched   Scheduler
	entries map[*waiter]Handle
	torn    bool
	// kick wakes the owning loop from another thread. Unlike every other
	// field it is called cross-thread, by notifiers, so the owner's drain
	// pass runs promptly instead of waiting for unrelated work.
	kick func()
	log  *logiface.Logger[logiface.Event]
}

// PendingOption configures a [PendingWaiters] table.
type PendingOption interface {
	applyPending(*PendingWaiters)
}

type pendingOptionImpl struct {
	fn func(*PendingWaiters)
}

func (o *pendingOptionImpl) applyPending(p *PendingWaiters) { o.fn(p) }

// WithLogger attaches a structured logger. A nil logger disables logging,
// which is the default.
func WithLogger(log *logiface.Logger[logiface.Event]) PendingOption {
	return &pendingOptionImpl{func(p *PendingWaiters) { p.log = log }}
}

// WithWake supplies a callback that wakes the owning loop. It must be safe
// to call from any goroutine. Notifiers on other agents invoke it after
// flagging a waiter, so the owner drains without waiting for its next
// scheduled turn. Without it, cross-agent completions are only observed
// when the owner wakes for other reasons.
func WithWake(fn func()) PendingOption {
	return &pendingOptionImpl{func(p *PendingWaiters) { p.kick = fn }}
}

// wakeOwner is the one method safe to call off the owner goroutine.
func (p *PendingWaiters) wakeOwner() {
	if p.kick != nil {
		p.kick()
	}
}

// NewPendingWaiters creates the pending table for an agent whose loop is
// reachable through sched.
func NewPendingWaiters(sched Scheduler, opts ...PendingOption) *PendingWaiters {
	if sched == nil {
		panic("futex: pending waiter table requires a scheduler")
	}
	p := &PendingWaiters{
		sched:   sched,
		entries: make(map[*waiter]Handle),
	}
	for _, o := range opts {
		if o != nil {
			o.applyPending(p)
		}
	}
	return p
}

// Len reports the number of waiters currently pending. Owner goroutine
// only.
func (p *PendingWaiters) Len() int { return len(p.entries) }

// add records a newly registered waiter.
func (p *PendingWaiters) add(w *waiter, h Handle) {
	p.entries[w] = h
}

// take removes and returns the handle for w, or nil if w has already been
// taken (or the table torn down). Deleting from a nil map is a no-op, so
// take stays safe after Teardown.
func (p *PendingWaiters) take(w *waiter) Handle {
	h := p.entries[w]
	delete(p.entries, w)
	return h
}

// completeNotified settles a waiter that a notifier on this same agent has
// just unlinked. Called with the registry lock held, so the resolution is
// deferred to a job rather than run inline; the handle may call back into
// this package.
func (p *PendingWaiters) completeNotified(w *waiter) {
	h := p.take(w)
	if h == nil {
		return
	}
	if err := p.sched.Enqueue(func() { h.Resolve(OK) }); err != nil {
		p.log.Err().
			Err(err).
			Log("futex: dropping async waiter completion, loop rejected job")
	}
}

// scheduleTimeout arms the timeout for w. If the delayed job cannot be
// scheduled, the waiter is force-unlinked and its handle rejected, since
// nothing else would ever settle it.
func (p *PendingWaiters) scheduleTimeout(w *waiter, d time.Duration) {
	if err := p.sched.EnqueueAfter(func() { p.timeoutFired(w) }, d); err != nil {
		p.log.Err().
			Err(err).
			Log("futex: loop rejected async waiter timeout job")
		p.abandon(w, err)
	}
}

// timeoutFired runs on the owner goroutine when w's timeout elapses. If w
// is still linked it has not been notified, so it is removed and resolved
// as timed out. If it is no longer linked, a notifier got there first and
// one of the other completion routes owns it; the job does nothing.
func (p *PendingWaiters) timeoutFired(w *waiter) {
	if err := globalWaiters.lock(); err != nil {
		if h := p.take(w); h != nil {
			h.Reject(err)
		}
		return
	}
	locked := true
	defer globalWaiters.poisonOnPanic(&locked)

	if !w.linked() {
		locked = false
		globalWaiters.unlock()
		return
	}
	globalWaiters.removeWaiter(w)
	locked = false
	globalWaiters.unlock()

	if h := p.take(w); h != nil {
		h.Resolve(TimedOut)
	}
}

// EnqueueWaiterJobs drains waiters that were notified by other agents,
// enqueueing a completion job for each. The owning loop calls this once
// per turn; it is cheap when nothing is pending.
//
// A notifier on another thread unlinks the waiter and sets its notified
// flag, but cannot touch this table. The flag is the rendezvous: it is
// only ever read here (and in Teardown), on the owner goroutine.
func (p *PendingWaiters) EnqueueWaiterJobs() {
	if len(p.entries) == 0 {
		return
	}
	for w, h := range p.entries {
		if !w.notified.Load() {
			continue
		}
		delete(p.entries, w)
		h := h
		if err := p.sched.Enqueue(func() { h.Resolve(OK) }); err != nil {
			p.log.Err().
				Err(err).
				Log("futex: dropping async waiter completion, loop rejected job")
		}
	}
}

// Teardown releases every pending waiter without settling it, for use when
// the owning agent is shutting down. Still-linked waiters are unlinked
// from their queues so notifiers stop seeing them; their handles are
// dropped, never resolved or rejected. After Teardown the table refuses
// new registrations.
func (p *PendingWaiters) Teardown() {
	entries := p.entries
	p.entries = nil
	p.torn = true
	if len(entries) == 0 {
		return
	}

	if err := globalWaiters.lock(); err != nil {
		// The registry is poisoned; its queues will never be walked again,
		// so leaving stale links behind is harmless.
		return
	}
	locked := true
	defer globalWaiters.poisonOnPanic(&locked)
	for w := range entries {
		if w.linked() {
			globalWaiters.removeWaiter(w)
		}
	}
	locked = false
	globalWaiters.unlock()
}

// abandon force-unlinks a waiter whose completion machinery failed to arm,
// then rejects its handle.
func (p *PendingWaiters) abandon(w *waiter, cause error) {
	if err := globalWaiters.lock(); err == nil {
		locked := true
		defer globalWaiters.poisonOnPanic(&locked)
		if w.linked() {
			globalWaiters.removeWaiter(w)
		}
		locked = false
		globalWaiters.unlock()
	}
	if h := p.take(w); h != nil {
		h.Reject(cause)
	}
}
