// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/lwm2m/pkg/coap"
	lwerrors "github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/session"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// IdleTimeout is how long an idle transfer is kept.
const IdleTimeout = 60 * time.Second

// DefaultMaxSize bounds a reassembled body when no limit is configured.
const DefaultMaxSize = 1 << 20

// Kind tells uploads from downloads.
type Kind int

// Transfer kinds.
const (
	Block1 Kind = iota + 1
	Block2
)

// String returns the option name of the kind.
func (k Kind) String() string {
	switch k {
	case Block1:
		return "block1"
	case Block2:
		return "block2"
	default:
		return "unknown"
	}
}

// Config holds the tracker configuration.
type Config struct {
	MaxSize int
	Logger  *slog.Logger
}

// Record is one transfer in progress.
type Record struct {
	Kind     Kind
	Peer     session.Handle
	Path     string
	MID      uint16
	Data     []byte
	LastNum  uint32
	Declared int
	Updated  time.Time
}

type served struct {
	peer    session.Handle
	path    string
	body    []byte
	format  message.MediaType
	updated time.Time
}

// Tracker holds every block-wise transfer in progress.
type Tracker struct {
	config  Config
	records []*Record
	served  []*served
}

// New creates a tracker.
func New(cfg Config) *Tracker {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{config: cfg}
}

// Block1 adds one uploaded block for path. It returns the complete body
// once the final block arrives, and nil while more blocks are expected.
// size1 is the declared total length, or 0 when unknown.
func (t *Tracker) Block1(peer session.Handle, path string, b coap.Block, size1 int, payload []byte, now time.Time) ([]byte, error) {
	var rec *Record
	if b.Num == 0 {
		t.drop(t.findPath(peer, path))
		if size1 > t.config.MaxSize {
			return nil, fmt.Errorf("%w: declared size %d", lwerrors.ErrSizeLimitExceeded, size1)
		}
		rec = &Record{Kind: Block1, Peer: peer, Path: path, Declared: size1}
		if size1 > 0 {
			rec.Data = make([]byte, 0, size1)
		}
		t.records = append(t.records, rec)
	} else {
		rec = t.findPath(peer, path)
		if rec == nil {
			return nil, fmt.Errorf("%w: block %d without transfer", lwerrors.ErrProtocolViolation, b.Num)
		}
	}
	return t.add(rec, b, payload, now)
}

// Block2 adds one block of a response to the request with message ID mid.
// It returns the complete body once the final block arrives.
func (t *Tracker) Block2(peer session.Handle, mid uint16, b coap.Block, payload []byte, now time.Time) ([]byte, error) {
	var rec *Record
	if b.Num == 0 {
		t.drop(t.findMID(peer, mid))
		rec = &Record{Kind: Block2, Peer: peer, MID: mid}
		t.records = append(t.records, rec)
	} else {
		rec = t.findMID(peer, mid)
		if rec == nil {
			return nil, fmt.Errorf("%w: block %d without transfer", lwerrors.ErrProtocolViolation, b.Num)
		}
	}
	return t.add(rec, b, payload, now)
}

// SetExpectedMID moves the Block2 record awaiting mid to next.
func (t *Tracker) SetExpectedMID(peer session.Handle, mid, next uint16) bool {
	rec := t.findMID(peer, mid)
	if rec == nil {
		return false
	}
	rec.MID = next
	return true
}

// Abort discards the Block2 record awaiting mid.
func (t *Tracker) Abort(peer session.Handle, mid uint16) {
	t.drop(t.findMID(peer, mid))
}

// Store keeps body for serving later Block2 requests of path.
func (t *Tracker) Store(peer session.Handle, path string, body []byte, format message.MediaType, now time.Time) {
	if s := t.findServed(peer, path); s != nil {
		s.body, s.format, s.updated = body, format, now
		return
	}
	t.served = append(t.served, &served{peer: peer, path: path, body: body, format: format, updated: now})
}

// Slice returns block num of the body stored for path.
func (t *Tracker) Slice(peer session.Handle, path string, num uint32, size int, now time.Time) (data []byte, format message.MediaType, more, ok bool) {
	s := t.findServed(peer, path)
	if s == nil {
		return nil, 0, false, false
	}
	start := int(num) * size
	if start > len(s.body) || (start == len(s.body) && start > 0) {
		return nil, 0, false, false
	}
	end := min(start+size, len(s.body))
	s.updated = now
	more = end < len(s.body)
	if !more {
		t.removeServed(s)
	}
	return s.body[start:end], s.format, more, true
}

// Expire drops transfers idle for IdleTimeout and returns when the next
// one expires, or the zero time.
func (t *Tracker) Expire(now time.Time) time.Time {
	var next time.Time
	track := func(updated time.Time) bool {
		deadline := updated.Add(IdleTimeout)
		if !now.Before(deadline) {
			return false
		}
		if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
		return true
	}

	records := t.records[:0]
	for _, r := range t.records {
		if track(r.Updated) {
			records = append(records, r)
			continue
		}
		t.config.Logger.Warn("Block transfer expired",
			slog.String("kind", r.Kind.String()),
			slog.String("peer", r.Peer.String()),
			slog.Int("last_block", int(r.LastNum)))
	}
	clear(t.records[len(records):])
	t.records = records

	kept := t.served[:0]
	for _, s := range t.served {
		if track(s.updated) {
			kept = append(kept, s)
		}
	}
	clear(t.served[len(kept):])
	t.served = kept

	return next
}

// RemovePeer drops every transfer of peer.
func (t *Tracker) RemovePeer(peer session.Handle) {
	records := t.records[:0]
	for _, r := range t.records {
		if !session.Equal(r.Peer, peer) {
			records = append(records, r)
		}
	}
	clear(t.records[len(records):])
	t.records = records

	kept := t.served[:0]
	for _, s := range t.served {
		if !session.Equal(s.peer, peer) {
			kept = append(kept, s)
		}
	}
	clear(t.served[len(kept):])
	t.served = kept
}

// Len returns the number of transfers being reassembled.
func (t *Tracker) Len() int {
	return len(t.records)
}

// ErrorCode maps a reassembly error to the response code rejecting the block.
func ErrorCode(err error) codes.Code {
	if errors.Is(err, lwerrors.ErrSizeLimitExceeded) {
		return codes.RequestEntityTooLarge
	}
	return codes.RequestEntityIncomplete
}

func (t *Tracker) add(rec *Record, b coap.Block, payload []byte, now time.Time) ([]byte, error) {
	if b.Num != 0 && b.Num != rec.LastNum+1 {
		t.drop(rec)
		return nil, fmt.Errorf("%w: block %d after %d", lwerrors.ErrProtocolViolation, b.Num, rec.LastNum)
	}
	if len(rec.Data) != b.Offset() {
		t.drop(rec)
		return nil, fmt.Errorf("%w: block %d at offset %d, have %d bytes",
			lwerrors.ErrProtocolViolation, b.Num, b.Offset(), len(rec.Data))
	}
	if b.More && len(payload) != b.Size {
		t.drop(rec)
		return nil, fmt.Errorf("%w: short intermediate block %d", lwerrors.ErrProtocolViolation, b.Num)
	}

	need := len(rec.Data) + len(payload)
	if need > t.config.MaxSize || (rec.Declared > 0 && need > rec.Declared) {
		t.drop(rec)
		return nil, fmt.Errorf("%w: %d bytes", lwerrors.ErrSizeLimitExceeded, need)
	}
	if need > cap(rec.Data) {
		grown := make([]byte, len(rec.Data), min(max(2*cap(rec.Data), need), t.config.MaxSize))
		copy(grown, rec.Data)
		rec.Data = grown
	}
	rec.Data = append(rec.Data, payload...)
	rec.LastNum = b.Num
	rec.Updated = now

	if b.More {
		return nil, nil
	}
	t.drop(rec)
	return rec.Data, nil
}

func (t *Tracker) findPath(peer session.Handle, path string) *Record {
	for _, r := range t.records {
		if r.Kind == Block1 && r.Path == path && session.Equal(r.Peer, peer) {
			return r
		}
	}
	return nil
}

func (t *Tracker) findMID(peer session.Handle, mid uint16) *Record {
	for _, r := range t.records {
		if r.Kind == Block2 && r.MID == mid && session.Equal(r.Peer, peer) {
			return r
		}
	}
	return nil
}

func (t *Tracker) findServed(peer session.Handle, path string) *served {
	for _, s := range t.served {
		if s.path == path && session.Equal(s.peer, peer) {
			return s
		}
	}
	return nil
}

func (t *Tracker) drop(rec *Record) {
	if rec == nil {
		return
	}
	for i, r := range t.records {
		if r == rec {
			t.records = append(t.records[:i], t.records[i+1:]...)
			return
		}
	}
}

func (t *Tracker) removeServed(s *served) {
	for i, x := range t.served {
		if x == s {
			t.served = append(t.served[:i], t.served[i+1:]...)
			return
		}
	}
}
