// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registration

import "time"

// Default retry policy values of the LWM2M Server object.
const (
	DefaultRetryCount         = 5
	DefaultRetryTimer         = 60 * time.Second
	DefaultSequenceDelay      = 24 * time.Hour
	DefaultSequenceRetryCount = 1
)

// Policy is the communication retry policy of one server.
type Policy struct {
	RetryCount         int           `yaml:"communication_retry_count"`
	RetryTimer         time.Duration `yaml:"communication_retry_timer"`
	SequenceDelay      time.Duration `yaml:"communication_sequence_delay_timer"`
	SequenceRetryCount int           `yaml:"communication_sequence_retry_count"`
	BootstrapOnFailure bool          `yaml:"bootstrap_on_registration_failure"`
	FailureBlock       bool          `yaml:"registration_failure_block"`
}

// DefaultPolicy returns the policy a server object without retry
// resources implies.
func DefaultPolicy() Policy {
	return Policy{
		RetryCount:         DefaultRetryCount,
		RetryTimer:         DefaultRetryTimer,
		SequenceDelay:      DefaultSequenceDelay,
		SequenceRetryCount: DefaultSequenceRetryCount,
		BootstrapOnFailure: true,
	}
}

// Decision is the outcome of a failed registration attempt.
type Decision struct {
	Wait      time.Duration
	Attempt   int
	Sequence  int
	Exhausted bool
}

// OnFailure computes what follows the failure of attempt in sequence.
// Attempts and sequences count the ones already failed.
func (p Policy) OnFailure(attempt, sequence int) Decision {
	p = p.normalized()
	attempt++
	if attempt < p.RetryCount {
		shift := min(attempt-1, 20)
		return Decision{Wait: p.RetryTimer << shift, Attempt: attempt, Sequence: sequence}
	}
	sequence++
	if sequence < p.SequenceRetryCount {
		return Decision{Wait: p.SequenceDelay, Sequence: sequence}
	}
	return Decision{Attempt: attempt, Sequence: sequence, Exhausted: true}
}

func (p Policy) normalized() Policy {
	if p.RetryCount <= 0 {
		p.RetryCount = DefaultRetryCount
	}
	if p.RetryTimer <= 0 {
		p.RetryTimer = DefaultRetryTimer
	}
	if p.SequenceDelay <= 0 {
		p.SequenceDelay = DefaultSequenceDelay
	}
	if p.SequenceRetryCount <= 0 {
		p.SequenceRetryCount = DefaultSequenceRetryCount
	}
	return p
}
