// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package agent runs one event loop per agent thread: a single goroutine
// that executes queued jobs, delayed jobs, and microtasks in order, with a
// per-turn hook point used to drain completed async waiters.
//
// Each agent in a cluster owns exactly one Loop, typically paired with a
// script runtime and a futex pending-waiter table. The Loop goroutine is
// the agent's thread of identity: anything documented as "owner goroutine
// only" means jobs running on this loop.
package agent

import (
	"container/heap"
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	loopIdle int32 = iota
	loopRunning
	loopClosed
)

// Loop is a single-goroutine job executor.
//
// Jobs submitted with Enqueue run in submission order. Each job is
// followed by a full microtask drain, then registered tick hooks run once
// per turn. Delayed jobs fire no earlier than their deadline, interleaved
// with ordinary jobs by time.
//
// All methods are safe for concurrent use; the job functions themselves
// run only on the Run goroutine.
type Loop struct {
	state atomic.Int32

	mu       sync.Mutex
	jobs     []func()
	micro    []func()
	timers   timerHeap
	timerSeq uint64

	// wake is buffered so producers never block; a pending token collapses
	// any number of wakeups into one.
	wake chan struct{}

	// hooks run once per turn, after the job batch. Registration is only
	// allowed before Run.
	hooks []func()

	log *logiface.Logger[logiface.Event]
}

// New creates a Loop. It does nothing until Run is called.
func New(opts ...LoopOption) *Loop {
	cfg := resolveLoopOptions(opts)
	return &Loop{
		wake: make(chan struct{}, 1),
		log:  cfg.log,
	}
}

// Enqueue submits a job to run on the loop goroutine. It never blocks.
func (l *Loop) Enqueue(fn func()) error {
	if fn == nil {
		return ErrNilJob
	}
	l.mu.Lock()
	if l.state.Load() == loopClosed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.jobs = append(l.jobs, fn)
	l.mu.Unlock()
	l.Wake()
	return nil
}

// EnqueueAfter submits a job to run on the loop goroutine no earlier than
// d from now. A non-positive delay behaves like Enqueue, except ordered
// after already-queued jobs of earlier deadlines.
func (l *Loop) EnqueueAfter(fn func(), d time.Duration) error {
	if fn == nil {
		return ErrNilJob
	}
	l.mu.Lock()
	if l.state.Load() == loopClosed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.timerSeq++
	heap.Push(&l.timers, &timerEntry{
		when: time.Now().Add(d),
		seq:  l.timerSeq,
		fn:   fn,
	})
	l.mu.Unlock()
	l.Wake()
	return nil
}

// QueueMicrotask submits a microtask. Microtasks run to exhaustion after
// each job, before the next job starts; a microtask may queue further
// microtasks, which run in the same drain.
func (l *Loop) QueueMicrotask(fn func()) error {
	if fn == nil {
		return ErrNilJob
	}
	l.mu.Lock()
	if l.state.Load() == loopClosed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.micro = append(l.micro, fn)
	l.mu.Unlock()
	l.Wake()
	return nil
}

// AddTickHook registers fn to run once per loop turn, after the turn's job
// batch. Must be called before Run; hooks registered later are silently
// never run.
func (l *Loop) AddTickHook(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// Wake nudges a sleeping loop into another turn. Safe from any goroutine;
// redundant wakeups are coalesced. Useful when external state the loop's
// tick hooks inspect has changed without a job submission.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Close stops the loop. Queued jobs that have not started are discarded,
// and all further submissions fail with ErrLoopClosed. Close is idempotent
// and safe from any goroutine, including loop jobs.
func (l *Loop) Close() {
	l.mu.Lock()
	l.state.Store(loopClosed)
	l.jobs = nil
	l.micro = nil
	l.timers = nil
	l.mu.Unlock()
	l.Wake()
}

// Run executes the loop on the calling goroutine until ctx is done or
// Close is called. It returns ctx.Err() in the former case and nil in the
// latter. A Loop runs at most once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(loopIdle, loopRunning) {
		return ErrLoopAlreadyRunning
	}
	defer l.Close()

	l.mu.Lock()
	hooks := l.hooks
	l.mu.Unlock()

	for {
		now := time.Now()

		l.mu.Lock()
		for len(l.timers) > 0 && !l.timers[0].when.After(now) {
			t := heap.Pop(&l.timers).(*timerEntry)
			l.jobs = append(l.jobs, t.fn)
		}
		jobs := l.jobs
		l.jobs = nil
		l.mu.Unlock()

		for _, fn := range jobs {
			l.safeExecute(fn)
			l.drainMicrotasks()
		}
		for _, h := range hooks {
			l.safeExecute(h)
		}

		l.mu.Lock()
		pending := len(l.jobs) > 0 || len(l.micro) > 0
		next := time.Duration(-1)
		if len(l.timers) > 0 {
			next = time.Until(l.timers[0].when)
		}
		closed := l.state.Load() == loopClosed
		l.mu.Unlock()

		if closed {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if pending {
			continue
		}

		if next >= 0 {
			t := time.NewTimer(next)
			select {
			case <-l.wake:
			case <-t.C:
			case <-ctx.Done():
			}
			t.Stop()
		} else {
			select {
			case <-l.wake:
			case <-ctx.Done():
			}
		}
	}
}

// drainMicrotasks runs queued microtasks to exhaustion, including ones
// queued by microtasks already in the drain.
func (l *Loop) drainMicrotasks() {
	for {
		l.mu.Lock()
		micro := l.micro
		l.micro = nil
		l.mu.Unlock()
		if len(micro) == 0 {
			return
		}
		for _, fn := range micro {
			l.safeExecute(fn)
		}
	}
}

// safeExecute runs fn, converting a panic into a log entry rather than
// tearing down the loop goroutine.
func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			buf := make([]byte, 8192)
			buf = buf[:runtime.Stack(buf, false)]
			l.log.Err().
				Any("panic", v).
				Str("stack", string(buf)).
				Log("agent: job panicked")
		}
	}()
	fn()
}

// timerEntry is one delayed job. seq breaks ties between entries with
// equal deadlines, preserving submission order.
type timerEntry struct {
	when time.Time
	seq  uint64
	fn   func()
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*timerEntry)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
