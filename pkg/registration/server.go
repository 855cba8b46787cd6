// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"time"

	"github.com/absmach/lwm2m/pkg/session"
)

// DefaultLifetime is the registration lifetime used when none is configured.
const DefaultLifetime = 86400 * time.Second

// MaxTransmitWait is subtracted from the lifetime when scheduling updates.
const MaxTransmitWait = 93 * time.Second

// BootstrapTimeout bounds the wait for Bootstrap-Finish after the last
// bootstrap activity.
const BootstrapTimeout = 47 * time.Second

// Server is the registration record of one configured server.
type Server struct {
	SecurityInstanceID uint16
	ShortID            uint16
	Bootstrap          bool
	URI                string
	Lifetime           time.Duration
	Binding            string
	HoldOff            time.Duration
	Policy             Policy

	Session      session.Handle
	Status       Status
	Location     []string
	Dirty        bool
	RegisteredAt time.Time
	Attempt      int
	Sequence     int
	Exhausted    bool

	fullUpdate         bool
	registeredLifetime time.Duration
	retryWait          time.Duration
	holdOffUntil       time.Time
	lastActivity       time.Time
}

// NextUpdate returns when the registration must be refreshed.
func (s *Server) NextUpdate() time.Time {
	return s.RegisteredAt.Add(UpdateInterval(s.lifetime()))
}

// UpdateInterval returns the delay between registration and its refresh,
// leaving room for a full retransmission sequence before the lifetime ends.
func UpdateInterval(lifetime time.Duration) time.Duration {
	if lifetime > MaxTransmitWait {
		return lifetime - MaxTransmitWait
	}
	return lifetime / 2
}

func (s *Server) lifetime() time.Duration {
	if s.Lifetime <= 0 {
		return DefaultLifetime
	}
	return s.Lifetime
}

func (s *Server) reset() {
	s.Status = StatusDeregistered
	s.Location = nil
	s.Dirty = false
	s.Attempt = 0
	s.Sequence = 0
	s.Exhausted = false
	s.fullUpdate = false
	s.retryWait = 0
}

func (s *Server) name() string {
	if s.Session != nil {
		return s.Session.String()
	}
	return s.URI
}
