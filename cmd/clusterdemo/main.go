// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Command clusterdemo runs two script agents over one shared memory block:
// a coordinator that awaits a slot asynchronously, and a worker that
// publishes a value and notifies. It exercises the full wait/notify path
// end to end and logs the progression as JSON.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/go-agentcluster/agent"
	"github.com/joeycumines/go-agentcluster/gojaatomics"
	"github.com/joeycumines/go-agentcluster/sharedmem"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stdout)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()

	mem := sharedmem.New(64)

	coordinator, err := newAgent("coordinator", logger)
	if err != nil {
		return err
	}
	worker, err := newAgent("worker", logger, gojaatomics.WithCanBlock(true))
	if err != nil {
		return err
	}
	for _, a := range []*scriptAgent{coordinator, worker} {
		a.runtime.Set("mem", a.adapter.WrapBuffer(mem))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coordinator.loop.Run(ctx) })
	g.Go(func() error { return worker.loop.Run(ctx) })

	// The coordinator registers an async wait on slot 0 and stops its loop
	// once the result arrives.
	err = coordinator.loop.Enqueue(func() {
		coordinator.runtime.Set("done", func(result string) {
			logger.Info().
				Str("agent", "coordinator").
				Str("result", result).
				Log("async wait settled")
			coordinator.adapter.Teardown()
			coordinator.loop.Close()
		})
		if _, err := coordinator.runtime.RunString(`
			const r = Atomics.waitAsync(mem, 0, 0);
			if (!r.async) throw new Error("expected to suspend, got " + r.value);
			r.value.then(done);
		`); err != nil {
			logger.Err().Err(err).Log("coordinator script failed")
			coordinator.loop.Close()
		}
	})
	if err != nil {
		return err
	}

	// The worker publishes after a short delay, then notifies.
	err = worker.loop.EnqueueAfter(func() {
		v, err := worker.runtime.RunString(`
			Atomics.store(mem, 0, 42);
			Atomics.notify(mem, 0);
		`)
		if err != nil {
			logger.Err().Err(err).Log("worker script failed")
		} else {
			logger.Info().
				Str("agent", "worker").
				Int64("woken", v.ToInteger()).
				Log("published and notified")
		}
		worker.loop.Close()
	}, 50*time.Millisecond)
	if err != nil {
		return err
	}

	return g.Wait()
}

type scriptAgent struct {
	loop    *agent.Loop
	runtime *goja.Runtime
	adapter *gojaatomics.Adapter
}

func newAgent(name string, logger *logiface.Logger[logiface.Event], opts ...gojaatomics.Option) (*scriptAgent, error) {
	loop := agent.New(agent.WithLogger(logger))
	rt := goja.New()
	opts = append(opts, gojaatomics.WithLogger(logger))
	adapter, err := gojaatomics.New(loop, rt, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating %s agent: %w", name, err)
	}
	if err := adapter.Bind(); err != nil {
		return nil, fmt.Errorf("binding %s agent: %w", name, err)
	}
	return &scriptAgent{loop: loop, runtime: rt, adapter: adapter}, nil
}
