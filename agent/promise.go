// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package agent

import "sync"

// PromiseState is the settlement state of a Promise.
type PromiseState int32

const (
	PromisePending PromiseState = iota
	PromiseFulfilled
	PromiseRejected
)

// PromiseResult is a settled promise outcome delivered to subscribers.
type PromiseResult struct {
	Value    any
	Rejected bool
}

// Promise is a single-settlement container: it is resolved or rejected at
// most once, and every subscriber observes that one outcome. It satisfies
// the completion handle contract of the futex package.
//
// Settlement is allowed from any goroutine; the loser of a settlement race
// is silently ignored, matching the first-call-wins behaviour of promise
// resolving functions.
type Promise struct {
	mu    sync.Mutex
	state PromiseState
	value any
	subs  []chan<- PromiseResult
}

// NewPromise creates a pending promise.
func NewPromise() *Promise {
	return &Promise{}
}

// Resolve fulfills the promise with v. No-op if already settled.
func (p *Promise) Resolve(v any) { p.settle(v, PromiseFulfilled) }

// Reject rejects the promise with v. No-op if already settled.
func (p *Promise) Reject(v any) { p.settle(v, PromiseRejected) }

func (p *Promise) settle(v any, state PromiseState) {
	p.mu.Lock()
	if p.state != PromisePending {
		p.mu.Unlock()
		return
	}
	p.state = state
	p.value = v
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	r := PromiseResult{Value: v, Rejected: state == PromiseRejected}
	for _, ch := range subs {
		ch <- r
	}
}

// State returns the current settlement state.
func (p *Promise) State() PromiseState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ToChannel returns a channel that receives the promise's outcome. The
// channel is buffered, so the settling goroutine never blocks on it; if
// the promise is already settled the outcome is available immediately.
func (p *Promise) ToChannel() <-chan PromiseResult {
	ch := make(chan PromiseResult, 1)
	p.mu.Lock()
	if p.state != PromisePending {
		r := PromiseResult{Value: p.value, Rejected: p.state == PromiseRejected}
		p.mu.Unlock()
		ch <- r
		return ch
	}
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}
