// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package gojaatomics binds shared-memory atomics to the Goja JavaScript
// runtime, backed by an agent event loop and the futex wait/notify
// subsystem.
//
// After [Adapter.Bind], the following globals are available in JavaScript:
//
//   - SharedMemory(byteLength) : constructor for a shared buffer that may
//     be handed to other agents' runtimes
//   - Atomics.load / store / add / sub / and / or / xor / exchange /
//     compareExchange : sequentially consistent element operations
//   - Atomics.isLockFree(size)
//   - Atomics.wait(mem, index, expected, timeout?) : blocking wait,
//     only on agents created with blocking allowed
//   - Atomics.waitAsync(mem, index, expected, timeout?) : promise wait
//   - Atomics.notify(mem, index, count?)
//
// Elements are 32-bit signed integers addressed by element index, matching
// an Int32Array view over the buffer.
//
// The runtime, the loop, and the adapter together form one agent. JS
// callbacks execute on the loop goroutine; the buffer alone may be shared
// across agents.
package gojaatomics

import (
	"fmt"
	"math"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/go-agentcluster/agent"
	"github.com/joeycumines/go-agentcluster/futex"
	"github.com/joeycumines/go-agentcluster/sharedmem"
	"github.com/joeycumines/logiface"
)

const elemSize = 4

// Adapter bridges one Goja runtime to the futex subsystem via its agent's
// event loop.
type Adapter struct {
	runtime  *goja.Runtime
	loop     *agent.Loop
	pending  *futex.PendingWaiters
	canBlock bool
}

// Option configures an Adapter.
type Option interface {
	applyAdapter(*adapterOptions)
}

type adapterOptions struct {
	canBlock bool
	log      *logiface.Logger[logiface.Event]
}

type optionImpl struct {
	fn func(*adapterOptions)
}

func (o *optionImpl) applyAdapter(opts *adapterOptions) { o.fn(opts) }

// WithCanBlock controls whether Atomics.wait is permitted. Worker-like
// agents allow it; an agent serving interactive callers typically should
// not, since a blocked loop runs nothing else. Default false.
func WithCanBlock(enabled bool) Option {
	return &optionImpl{func(opts *adapterOptions) { opts.canBlock = enabled }}
}

// WithLogger attaches a structured logger, used for dropped async waiter
// completions. A nil logger disables logging, which is the default.
func WithLogger(log *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *adapterOptions) { opts.log = log }}
}

// New creates an adapter for the given loop and runtime. It registers the
// async waiter drain as a loop tick hook, so it must be called before
// [agent.Loop.Run].
func New(loop *agent.Loop, runtime *goja.Runtime, opts ...Option) (*Adapter, error) {
	if loop == nil {
		return nil, fmt.Errorf("loop cannot be nil")
	}
	if runtime == nil {
		return nil, fmt.Errorf("runtime cannot be nil")
	}
	var cfg adapterOptions
	for _, o := range opts {
		if o != nil {
			o.applyAdapter(&cfg)
		}
	}
	pending := futex.NewPendingWaiters(loop,
		futex.WithWake(loop.Wake),
		futex.WithLogger(cfg.log),
	)
	loop.AddTickHook(pending.EnqueueWaiterJobs)
	return &Adapter{
		runtime:  runtime,
		loop:     loop,
		pending:  pending,
		canBlock: cfg.canBlock,
	}, nil
}

// Loop returns the agent's event loop.
func (a *Adapter) Loop() *agent.Loop { return a.loop }

// Runtime returns the Goja runtime.
func (a *Adapter) Runtime() *goja.Runtime { return a.runtime }

// Pending returns the agent's async waiter table.
func (a *Adapter) Pending() *futex.PendingWaiters { return a.pending }

// Teardown releases the agent's pending async waiters without settling
// them. Call when shutting the agent down; owner goroutine only.
func (a *Adapter) Teardown() { a.pending.Teardown() }

// Bind installs the SharedMemory constructor and the Atomics global into
// the runtime.
func (a *Adapter) Bind() error {
	if err := a.runtime.Set("SharedMemory", a.sharedMemoryConstructor); err != nil {
		return err
	}
	atomics := a.runtime.NewObject()
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"load":            a.load,
		"store":           a.store,
		"add":             a.add,
		"sub":             a.sub,
		"and":             a.and,
		"or":              a.or,
		"xor":             a.xor,
		"exchange":        a.exchange,
		"compareExchange": a.compareExchange,
		"isLockFree":      a.isLockFree,
		"wait":            a.wait,
		"waitAsync":       a.waitAsync,
		"notify":          a.notify,
	} {
		if err := atomics.Set(name, fn); err != nil {
			return err
		}
	}
	return a.runtime.Set("Atomics", atomics)
}

// WrapBuffer exposes an existing shared buffer to this runtime, so several
// agents can script against the same memory.
func (a *Adapter) WrapBuffer(buf *sharedmem.Buffer) goja.Value {
	obj := a.runtime.NewObject()
	_ = obj.Set("_internalBuffer", buf)
	_ = obj.Set("byteLength", buf.Len())
	return obj
}

func (a *Adapter) sharedMemoryConstructor(call goja.ConstructorCall) *goja.Object {
	n := call.Argument(0).ToInteger()
	if n < 0 {
		panic(a.runtime.NewTypeError("SharedMemory length cannot be negative"))
	}
	buf := sharedmem.New(int(n))
	_ = call.This.Set("_internalBuffer", buf)
	_ = call.This.Set("byteLength", buf.Len())
	return call.This
}

// bufferArg extracts the backing buffer from the first argument.
func (a *Adapter) bufferArg(call goja.FunctionCall) *sharedmem.Buffer {
	obj, ok := call.Argument(0).(*goja.Object)
	if !ok {
		panic(a.runtime.NewTypeError("Atomics operation requires a SharedMemory object"))
	}
	internal := obj.Get("_internalBuffer")
	if internal == nil {
		panic(a.runtime.NewTypeError("Atomics operation requires a SharedMemory object"))
	}
	buf, ok := internal.Export().(*sharedmem.Buffer)
	if !ok {
		panic(a.runtime.NewTypeError("Atomics operation requires a SharedMemory object"))
	}
	return buf
}

// offsetArg validates the element index argument and returns its byte
// offset. Out-of-range and non-integral indices are range errors.
func (a *Adapter) offsetArg(call goja.FunctionCall, buf *sharedmem.Buffer) int {
	v := call.Argument(1)
	f := v.ToFloat()
	idx := v.ToInteger()
	if math.IsNaN(f) || f != float64(idx) || idx < 0 || idx >= int64(buf.Len()/elemSize) {
		panic(a.runtime.NewGoError(rangeError("index out of range for shared memory")))
	}
	return int(idx) * elemSize
}

type rangeError string

func (e rangeError) Error() string { return string(e) }

// timeoutArg converts the optional timeout argument (milliseconds) per the
// usual coercion rules: undefined, NaN and positive infinity wait forever;
// anything at or below zero expires immediately.
func (a *Adapter) timeoutArg(v goja.Value) time.Duration {
	if v == nil || goja.IsUndefined(v) {
		return futex.NoTimeout
	}
	f := v.ToFloat()
	if math.IsNaN(f) || math.IsInf(f, 1) {
		return futex.NoTimeout
	}
	if f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Millisecond))
}

func (a *Adapter) load(call goja.FunctionCall) goja.Value {
	buf := a.bufferArg(call)
	off := a.offsetArg(call, buf)
	return a.runtime.ToValue(sharedmem.Load[int32](buf, off))
}

func (a *Adapter) store(call goja.FunctionCall) goja.Value {
	buf := a.bufferArg(call)
	off := a.offsetArg(call, buf)
	v := int32(call.Argument(2).ToInteger())
	sharedmem.Store(buf, off, v)
	return a.runtime.ToValue(v)
}

func (a *Adapter) add(call goja.FunctionCall) goja.Value {
	buf := a.bufferArg(call)
	off := a.offsetArg(call, buf)
	return a.runtime.ToValue(sharedmem.Add(buf, off, int32(call.Argument(2).ToInteger())))
}

func (a *Adapter) sub(call goja.FunctionCall) goja.Value {
	buf := a.bufferArg(call)
	off := a.offsetArg(call, buf)
	return a.runtime.ToValue(sharedmem.Sub(buf, off, int32(call.Argument(2).ToInteger())))
}

func (a *Adapter) and(call goja.FunctionCall) goja.Value {
	buf := a.bufferArg(call)
	off := a.offsetArg(call, buf)
	return a.runtime.ToValue(sharedmem.And(buf, off, int32(call.Argument(2).ToInteger())))
}

func (a *Adapter) or(call goja.FunctionCall) goja.Value {
	buf := a.bufferArg(call)
	off := a.offsetArg(call, buf)
	return a.runtime.ToValue(sharedmem.Or(buf, off, int32(call.Argument(2).ToInteger())))
}

func (a *Adapter) xor(call goja.FunctionCall) goja.Value {
	buf := a.bufferArg(call)
	off := a.offsetArg(call, buf)
	return a.runtime.ToValue(sharedmem.Xor(buf, off, int32(call.Argument(2).ToInteger())))
}

func (a *Adapter) exchange(call goja.FunctionCall) goja.Value {
	buf := a.bufferArg(call)
	off := a.offsetArg(call, buf)
	return a.runtime.ToValue(sharedmem.Exchange(buf, off, int32(call.Argument(2).ToInteger())))
}

func (a *Adapter) compareExchange(call goja.FunctionCall) goja.Value {
	buf := a.bufferArg(call)
	off := a.offsetArg(call, buf)
	expected := int32(call.Argument(2).ToInteger())
	replacement := int32(call.Argument(3).ToInteger())
	return a.runtime.ToValue(sharedmem.CompareExchange(buf, off, expected, replacement))
}

func (a *Adapter) isLockFree(call goja.FunctionCall) goja.Value {
	return a.runtime.ToValue(sharedmem.IsLockFree(int(call.Argument(0).ToInteger())))
}

func (a *Adapter) wait(call goja.FunctionCall) goja.Value {
	if !a.canBlock {
		panic(a.runtime.NewTypeError("Atomics.wait is not allowed: this agent cannot be suspended"))
	}
	buf := a.bufferArg(call)
	off := a.offsetArg(call, buf)
	expected := int32(call.Argument(2).ToInteger())
	timeout := a.timeoutArg(call.Argument(3))

	res, err := futex.Wait(buf, buf.Len(), off, expected, timeout)
	if err != nil {
		panic(a.runtime.NewGoError(err))
	}
	return a.runtime.ToValue(res.String())
}

// promiseHandle adapts Goja's native promise resolving functions to the
// futex completion handle contract. The resolving functions are only ever
// invoked from jobs on this agent's loop, which is also the runtime's
// goroutine; their error return (already-settled) cannot occur, since the
// futex layer settles each handle at most once.
type promiseHandle struct {
	resolve func(result interface{}) error
	reject  func(reason interface{}) error
}

var _ futex.Handle = (*promiseHandle)(nil)

func (h *promiseHandle) Resolve(v any) {
	if r, ok := v.(futex.WaitResult); ok {
		_ = h.resolve(r.String())
		return
	}
	_ = h.resolve(v)
}

func (h *promiseHandle) Reject(v any) { _ = h.reject(v) }

func (a *Adapter) waitAsync(call goja.FunctionCall) goja.Value {
	buf := a.bufferArg(call)
	off := a.offsetArg(call, buf)
	expected := int32(call.Argument(2).ToInteger())
	timeout := a.timeoutArg(call.Argument(3))

	promise, resolve, reject := a.runtime.NewPromise()
	handle := &promiseHandle{resolve: resolve, reject: reject}

	res, err := futex.WaitAsync(buf, buf.Len(), off, expected, timeout, handle, a.pending)
	if err != nil {
		panic(a.runtime.NewGoError(err))
	}

	out := a.runtime.NewObject()
	if res == futex.OK {
		_ = out.Set("async", true)
		_ = out.Set("value", promise)
	} else {
		// Nothing was registered; the promise is discarded unsettled.
		_ = out.Set("async", false)
		_ = out.Set("value", res.String())
	}
	return out
}

func (a *Adapter) notify(call goja.FunctionCall) goja.Value {
	buf := a.bufferArg(call)
	off := a.offsetArg(call, buf)

	count := uint64(math.MaxUint64)
	if arg := call.Argument(2); !goja.IsUndefined(arg) {
		f := arg.ToFloat()
		switch {
		case math.IsNaN(f) || f <= 0:
			count = 0
		case math.IsInf(f, 1):
			// keep max
		default:
			count = uint64(f)
		}
	}

	n, err := futex.Notify(buf, off, count, a.pending)
	if err != nil {
		panic(a.runtime.NewGoError(err))
	}
	return a.runtime.ToValue(n)
}
