// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/google/uuid"
)

// Session is the transport's view of one peer.
type Session struct {
	// ID is a unique identifier for this session
	ID string `json:"id"`

	// Addr is the peer's UDP address
	Addr netip.AddrPort `json:"addr"`

	// Created is when the first datagram was exchanged
	Created time.Time `json:"created"`

	// LastActivity is when the last datagram was received or sent
	LastActivity time.Time `json:"last_activity"`
}

// SessionManager tracks peers keyed by address. It is shared between the
// read loop and the actor loop.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[netip.AddrPort]*Session
	logger      *slog.Logger
	maxSessions int
}

// NewSessionManager creates a new session manager. maxSessions of 0
// means no limit.
func NewSessionManager(logger *slog.Logger, maxSessions int) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions:    make(map[netip.AddrPort]*Session),
		logger:      logger,
		maxSessions: maxSessions,
	}
}

// GetOrCreate returns the session of addr, creating it when needed.
func (sm *SessionManager) GetOrCreate(addr netip.AddrPort, now time.Time) (*Session, bool, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sess, ok := sm.sessions[addr]; ok {
		sess.LastActivity = now
		return sess, false, nil
	}
	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		return nil, false, fmt.Errorf("%w: session limit %d reached", errors.ErrResourceExhausted, sm.maxSessions)
	}

	sess := &Session{
		ID:           uuid.NewString(),
		Addr:         addr,
		Created:      now,
		LastActivity: now,
	}
	sm.sessions[addr] = sess

	sm.logger.Debug("New UDP session created",
		slog.String("session", sess.ID),
		slog.String("peer", addr.String()))

	return sess, true, nil
}

// Touch records activity towards addr.
func (sm *SessionManager) Touch(addr netip.AddrPort, now time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sess, ok := sm.sessions[addr]; ok {
		sess.LastActivity = now
	}
}

// Get returns a copy of the session of addr.
func (sm *SessionManager) Get(addr netip.AddrPort) (Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[addr]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Expire removes the sessions idle for at least timeout and returns them.
func (sm *SessionManager) Expire(now time.Time, timeout time.Duration) []Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var expired []Session
	for addr, sess := range sm.sessions {
		if now.Sub(sess.LastActivity) >= timeout {
			sm.logger.Debug("Session timeout",
				slog.String("session", sess.ID),
				slog.String("peer", addr.String()))
			expired = append(expired, *sess)
			delete(sm.sessions, addr)
		}
	}
	return expired
}

// List returns copies of all sessions ordered by address.
func (sm *SessionManager) List() []Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make([]Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Addr.Compare(out[j].Addr) < 0
	})
	return out
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
