// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker stops calls to a failing dependency for a while so its
// errors do not pile up in the caller.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/absmach/lwm2m/pkg/errors"
)

// ErrOpen is returned by Call while the breaker is open.
var ErrOpen = fmt.Errorf("%w: circuit breaker is open", errors.ErrResourceExhausted)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures opening the circuit.
	MaxFailures int
	// ResetTimeout is how long the circuit stays open before a trial call.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of successful trial calls closing the
	// circuit again.
	SuccessThreshold int
	// OnStateChange is called synchronously, under no lock, on every
	// transition.
	OnStateChange func(from, to State)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Breaker implements the circuit breaker pattern. It is safe for
// concurrent use.
type Breaker struct {
	mu        sync.Mutex
	config    Config
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// New creates a closed breaker.
func New(config Config) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Breaker{config: config}
}

// Call runs fn unless the circuit is open, in which case it returns ErrOpen
// without calling fn.
func (b *Breaker) Call(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	if b.state != StateOpen {
		b.mu.Unlock()
		return nil
	}
	if b.config.Now().Sub(b.openedAt) < b.config.ResetTimeout {
		b.mu.Unlock()
		return ErrOpen
	}
	notify := b.setState(StateHalfOpen)
	b.mu.Unlock()
	notify()
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	notify := func() {}
	switch {
	case err != nil:
		b.failures++
		b.successes = 0
		if b.state == StateHalfOpen || b.failures >= b.config.MaxFailures {
			notify = b.setState(StateOpen)
		}
	case b.state == StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			notify = b.setState(StateClosed)
		}
	default:
		b.failures = 0
	}
	b.mu.Unlock()
	notify()
}

// setState must be called with mu held. The returned func runs the state
// change callback and must be called after mu is released.
func (b *Breaker) setState(to State) func() {
	from := b.state
	if from == to {
		return func() {}
	}
	b.state = to
	b.successes = 0
	switch to {
	case StateOpen:
		b.openedAt = b.config.Now()
	case StateClosed:
		b.failures = 0
	}
	cb := b.config.OnStateChange
	return func() {
		if cb != nil {
			cb(from, to)
		}
	}
}

// State returns the current state of the circuit breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the number of consecutive failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
