// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package agent

import "github.com/joeycumines/logiface"

// loopOptions holds configuration applied at Loop creation.
type loopOptions struct {
	log *logiface.Logger[logiface.Event]
}

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions)
}

type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions)
}

func (o *loopOptionImpl) applyLoop(opts *loopOptions) { o.applyLoopFunc(opts) }

// WithLogger attaches a structured logger to the loop. A nil logger
// disables logging, which is the default.
func WithLogger(log *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) { opts.log = log }}
}

func resolveLoopOptions(opts []LoopOption) *loopOptions {
	cfg := &loopOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt.applyLoop(cfg)
		}
	}
	return cfg
}
