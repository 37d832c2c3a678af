package statemachine

import "errors"

var (
	// ErrInvariant marks handler errors that leave the application in an
	// unknown state. A handler returning an error wrapping it halts the
	// manager; every other handler error is logged and skipped.
	ErrInvariant = errors.New("statemachine: invariant violated")
	// ErrHalted is returned by operations on a halted manager.
	ErrHalted = errors.New("statemachine: halted")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("statemachine: closed")
)
