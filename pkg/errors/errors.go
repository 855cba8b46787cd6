// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the LWM2M engine.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrInvalidURI indicates a path that does not follow the LWM2M URI grammar.
	ErrInvalidURI = errors.New("invalid uri")

	// ErrInvalidInput indicates invalid input data.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates that an exchange exhausted its retransmission budget.
	ErrTimeout = errors.New("timeout")

	// ErrProtocolViolation indicates a protocol-level error.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrNotFound indicates an unknown object, instance, client or server.
	ErrNotFound = errors.New("not found")

	// ErrBadState indicates an operation that is not allowed in the current state.
	ErrBadState = errors.New("bad state")

	// ErrResourceExhausted indicates that a bounded table is full.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrSizeLimitExceeded indicates size limit exceeded.
	ErrSizeLimitExceeded = errors.New("size limit exceeded")

	// ErrNoServerAvailable indicates that no configured server can be reached.
	ErrNoServerAvailable = errors.New("no server available")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUnsupportedFormat indicates a content format no codec handles.
	ErrUnsupportedFormat = errors.New("unsupported content format")

	// ErrMethodNotAllowed indicates an operation the target does not support.
	ErrMethodNotAllowed = errors.New("method not allowed")

	// ErrUnauthorized indicates a request rejected by the application.
	ErrUnauthorized = errors.New("unauthorized")
)

// EngineError wraps an error with the operation and peer it relates to.
type EngineError struct {
	Op   string // Operation that failed
	Peer string // Peer identity, may be empty
	Err  error  // Underlying error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// New creates a new EngineError.
func New(op, peer string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{
		Op:   op,
		Peer: peer,
		Err:  err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
