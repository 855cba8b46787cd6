// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"bytes"
	"log/slog"
	"time"

	"github.com/absmach/lwm2m/pkg/session"
	"github.com/absmach/lwm2m/pkg/uri"
	"github.com/plgd-dev/go-coap/v3/message"
)

// maxCounter bounds the 24-bit Observe option value.
const maxCounter = 1 << 24

// Watcher is one observation of a URI by a peer.
type Watcher struct {
	Peer      session.Handle
	Token     message.Token
	URI       uri.URI
	Format    message.MediaType
	Counter   uint32
	LastMID   uint16
	LastTime  time.Time
	LastValue float64
	HasValue  bool
	Changed   bool
	InFlight  bool
}

// NextCounter advances and returns the Observe option value.
func (w *Watcher) NextCounter() uint32 {
	w.Counter = (w.Counter + 1) % maxCounter
	return w.Counter
}

// ValueFunc returns the numeric value currently held at the watcher's URI.
type ValueFunc func(w *Watcher) (float64, bool)

// Registry holds the watchers and the notification attributes.
type Registry struct {
	watchers []*Watcher
	attrs    map[uri.URI]Attributes
	logger   *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		attrs:  make(map[uri.URI]Attributes),
		logger: logger,
	}
}

// Add starts observing u for peer. An existing observation of the same URI
// by the peer is replaced.
func (r *Registry) Add(peer session.Handle, token message.Token, u uri.URI, format message.MediaType, now time.Time) *Watcher {
	for _, w := range r.watchers {
		if session.Equal(w.Peer, peer) && w.URI == u {
			w.Token = append(message.Token(nil), token...)
			w.Format = format
			w.LastTime = now
			w.Changed = false
			w.InFlight = false
			return w
		}
	}
	w := &Watcher{
		Peer:     peer,
		Token:    append(message.Token(nil), token...),
		URI:      u,
		Format:   format,
		LastTime: now,
	}
	r.watchers = append(r.watchers, w)
	r.logger.Debug("Observation added",
		slog.String("peer", peer.String()),
		slog.String("uri", u.String()))
	return w
}

// Find returns the watcher of peer with token.
func (r *Registry) Find(peer session.Handle, token message.Token) *Watcher {
	for _, w := range r.watchers {
		if session.Equal(w.Peer, peer) && bytes.Equal(w.Token, token) {
			return w
		}
	}
	return nil
}

// FindURI returns the watcher of peer observing u.
func (r *Registry) FindURI(peer session.Handle, u uri.URI) *Watcher {
	for _, w := range r.watchers {
		if session.Equal(w.Peer, peer) && w.URI == u {
			return w
		}
	}
	return nil
}

// Remove cancels the observation of peer with token.
func (r *Registry) Remove(peer session.Handle, token message.Token) bool {
	return r.removeFunc(func(w *Watcher) bool {
		return session.Equal(w.Peer, peer) && bytes.Equal(w.Token, token)
	}) > 0
}

// RemoveByMID cancels the observation whose last notification to peer
// carried mid.
func (r *Registry) RemoveByMID(peer session.Handle, mid uint16) bool {
	return r.removeFunc(func(w *Watcher) bool {
		return session.Equal(w.Peer, peer) && w.Counter > 0 && w.LastMID == mid
	}) > 0
}

// RemovePeer cancels every observation of peer.
func (r *Registry) RemovePeer(peer session.Handle) int {
	return r.removeFunc(func(w *Watcher) bool {
		return session.Equal(w.Peer, peer)
	})
}

// RemoveURI cancels every observation at or below u.
func (r *Registry) RemoveURI(u uri.URI) int {
	return r.removeFunc(func(w *Watcher) bool {
		return u.Contains(w.URI)
	})
}

// SetAttributes applies Write-Attributes to u.
func (r *Registry) SetAttributes(u uri.URI, set Attributes, clear Flags) error {
	merged := r.attrs[u].Merge(set, clear)
	if err := merged.Validate(); err != nil {
		return err
	}
	if merged.Set == 0 {
		delete(r.attrs, u)
		return nil
	}
	r.attrs[u] = merged
	return nil
}

// Attributes returns the attributes in effect for u, inherited from the
// object and instance levels.
func (r *Registry) Attributes(u uri.URI) Attributes {
	var levels []uri.URI
	if u.HasObject() {
		levels = append(levels, uri.Object(u.ObjectID))
	}
	if u.HasInstance() {
		levels = append(levels, uri.Instance(u.ObjectID, u.InstanceID))
	}
	if u.HasResource() {
		levels = append(levels, uri.Resource(u.ObjectID, u.InstanceID, u.ResourceID))
	}
	if u.HasResourceInstance() {
		levels = append(levels, u)
	}
	var a Attributes
	for _, l := range levels {
		if la, ok := r.attrs[l]; ok {
			a = a.Merge(la, 0)
		}
	}
	return a
}

// Own returns the attributes set directly on u.
func (r *Registry) Own(u uri.URI) Attributes {
	return r.attrs[u]
}

// Changed marks every watcher affected by a change at u.
func (r *Registry) Changed(u uri.URI) int {
	n := 0
	for _, w := range r.watchers {
		if w.URI.Contains(u) || u.Contains(w.URI) {
			w.Changed = true
			n++
		}
	}
	return n
}

// Due returns the watchers that must be notified at now. Changes that do
// not meet the numeric attributes are dropped.
func (r *Registry) Due(now time.Time, value ValueFunc) []*Watcher {
	var due []*Watcher
	for _, w := range r.watchers {
		if w.InFlight {
			continue
		}
		a := r.Attributes(w.URI)
		since := now.Sub(w.LastTime)

		if a.Has(FlagMaxPeriod) && a.MaxPeriod > 0 && since >= a.MaxPeriod {
			due = append(due, w)
			continue
		}
		if !w.Changed || (a.Has(FlagMinPeriod) && since < a.MinPeriod) {
			continue
		}
		if a.Set&numericFlags != 0 && w.HasValue && value != nil {
			if cur, ok := value(w); ok && !a.crossed(w.LastValue, cur) {
				w.Changed = false
				continue
			}
		}
		due = append(due, w)
	}
	return due
}

// Notified records a notification sent to w.
func (r *Registry) Notified(w *Watcher, mid uint16, value float64, hasValue bool, now time.Time) {
	w.LastMID = mid
	w.LastTime = now
	w.Changed = false
	if hasValue {
		w.LastValue = value
		w.HasValue = true
	}
}

// Next returns when a watcher next becomes due, or the zero time.
func (r *Registry) Next(now time.Time) time.Time {
	var next time.Time
	consider := func(t time.Time) {
		if t.Before(now) {
			t = now
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	for _, w := range r.watchers {
		if w.InFlight {
			continue
		}
		a := r.Attributes(w.URI)
		if a.Has(FlagMaxPeriod) && a.MaxPeriod > 0 {
			consider(w.LastTime.Add(a.MaxPeriod))
		}
		if w.Changed {
			if a.Has(FlagMinPeriod) {
				consider(w.LastTime.Add(a.MinPeriod))
			} else {
				consider(now)
			}
		}
	}
	return next
}

// Watchers returns the active watchers.
func (r *Registry) Watchers() []*Watcher {
	return r.watchers
}

// Len returns the number of active watchers.
func (r *Registry) Len() int {
	return len(r.watchers)
}

func (r *Registry) removeFunc(match func(w *Watcher) bool) int {
	kept := r.watchers[:0]
	removed := 0
	for _, w := range r.watchers {
		if match(w) {
			removed++
			r.logger.Debug("Observation cancelled",
				slog.String("peer", w.Peer.String()),
				slog.String("uri", w.URI.String()))
			continue
		}
		kept = append(kept, w)
	}
	clear(r.watchers[len(kept):])
	r.watchers = kept
	return removed
}
