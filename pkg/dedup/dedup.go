// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dedup remembers recently seen inbound message IDs so that
// retransmitted requests are answered without running application logic
// again.
package dedup

import (
	"log/slog"
	"time"

	"github.com/absmach/lwm2m/pkg/session"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// ExchangeLifetime is how long a message ID is remembered (RFC 7252 §4.8.2).
const ExchangeLifetime = 47 * time.Second

// DefaultMaxEntries bounds the table when no limit is configured.
const DefaultMaxEntries = 4096

// Config holds the table configuration.
type Config struct {
	// MaxEntries bounds the number of remembered message IDs. Once reached,
	// new messages are treated as duplicates.
	MaxEntries int
	Logger     *slog.Logger
}

// Entry is one remembered message.
type Entry struct {
	MessageID uint16
	Peer      session.Handle
	Code      codes.Code
	Timestamp time.Time
}

// Table is the deduplication table.
type Table struct {
	config  Config
	entries []*Entry
}

// New creates a deduplication table.
func New(cfg Config) *Table {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Table{config: cfg}
}

// Check records mid from peer. The first sighting returns false. Any later
// sighting within ExchangeLifetime returns true together with the response
// code recorded for the exchange, which is codes.Empty until
// SetResponseCode is called.
func (t *Table) Check(mid uint16, peer session.Handle, now time.Time) (bool, codes.Code) {
	if e := t.find(mid, peer); e != nil {
		return true, e.Code
	}

	if len(t.entries) >= t.config.MaxEntries {
		t.config.Logger.Warn("Dedup table full, treating message as duplicate",
			slog.Int("mid", int(mid)),
			slog.String("peer", peer.String()))
		return true, codes.Empty
	}

	t.entries = append(t.entries, &Entry{
		MessageID: mid,
		Peer:      peer,
		Code:      codes.Empty,
		Timestamp: now,
	})
	return false, codes.Empty
}

// SetResponseCode records the code to replay for retransmissions of mid.
func (t *Table) SetResponseCode(mid uint16, peer session.Handle, code codes.Code) {
	if e := t.find(mid, peer); e != nil {
		e.Code = code
	}
}

// Contains reports whether mid from peer is remembered.
func (t *Table) Contains(mid uint16, peer session.Handle) bool {
	return t.find(mid, peer) != nil
}

// Expire drops entries older than ExchangeLifetime and returns the moment
// the oldest remaining entry expires. The zero time means the table is
// empty.
func (t *Table) Expire(now time.Time) time.Time {
	var next time.Time
	kept := t.entries[:0]
	for _, e := range t.entries {
		deadline := e.Timestamp.Add(ExchangeLifetime)
		if !now.Before(deadline) {
			continue
		}
		kept = append(kept, e)
		if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
	}
	clear(t.entries[len(kept):])
	t.entries = kept
	return next
}

// RemovePeer forgets every entry of peer.
func (t *Table) RemovePeer(peer session.Handle) {
	kept := t.entries[:0]
	for _, e := range t.entries {
		if !session.Equal(e.Peer, peer) {
			kept = append(kept, e)
		}
	}
	clear(t.entries[len(kept):])
	t.entries = kept
}

// Len returns the number of remembered messages.
func (t *Table) Len() int {
	return len(t.entries)
}

func (t *Table) find(mid uint16, peer session.Handle) *Entry {
	for _, e := range t.entries {
		if e.MessageID == mid && session.Equal(e.Peer, peer) {
			return e
		}
	}
	return nil
}
