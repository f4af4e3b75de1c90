// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package agent

import "errors"

var (
	// ErrLoopClosed is returned when work is submitted to a loop that has
	// stopped, or will never start, accepting it.
	ErrLoopClosed = errors.New("agent: event loop closed")

	// ErrLoopAlreadyRunning is returned by Run when the loop is already
	// running or has already finished; a Loop runs at most once.
	ErrLoopAlreadyRunning = errors.New("agent: event loop already running or finished")

	// ErrNilJob is returned when a nil function is submitted.
	ErrNilJob = errors.New("agent: nil job")
)
