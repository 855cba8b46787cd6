// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/lwm2m/pkg/breaker"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/handler"
	"github.com/nats-io/nats.go"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "lwm2m"

// Event names used as the last subject token.
const (
	Register   = "register"
	Update     = "update"
	Deregister = "deregister"
	Bootstrap  = "bootstrap"
	Status     = "status"
	Notify     = "notify"
)

// Publisher sends a payload on a subject. *nats.Conn implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// Event is the JSON body of a published event.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Endpoint  string    `json:"endpoint"`
	Location  string    `json:"location,omitempty"`
	Remote    string    `json:"remote,omitempty"`
	Version   string    `json:"version,omitempty"`
	Binding   string    `json:"binding,omitempty"`
	Lifetime  int64     `json:"lifetime,omitempty"`
	Objects   []string  `json:"objects,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Path      string    `json:"path,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	Time      time.Time `json:"time"`
}

// Forwarder is a handler.Handler publishing the events it sees.
type Forwarder struct {
	next    handler.Handler
	pub     Publisher
	prefix  string
	logger  *slog.Logger
	breaker *breaker.Breaker
	now     func() time.Time
}

var _ handler.Handler = (*Forwarder)(nil)

// NewForwarder wraps next. A nil next behaves like handler.NoopHandler.
func NewForwarder(pub Publisher, prefix string, next handler.Handler, logger *slog.Logger) *Forwarder {
	if next == nil {
		next = &handler.NoopHandler{}
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		next:   next,
		pub:    pub,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

// WithBreaker guards publishing with b. Events are dropped while b is open.
func (f *Forwarder) WithBreaker(b *breaker.Breaker) *Forwarder {
	f.breaker = b
	return f
}

func (f *Forwarder) AuthRegister(ctx context.Context, hctx *handler.Context) error {
	return f.next.AuthRegister(ctx, hctx)
}

func (f *Forwarder) AuthBootstrap(ctx context.Context, hctx *handler.Context) error {
	return f.next.AuthBootstrap(ctx, hctx)
}

func (f *Forwarder) OnRegister(ctx context.Context, hctx *handler.Context, objects []string) error {
	err := f.next.OnRegister(ctx, hctx, objects)
	ev := f.event(Register, hctx)
	ev.Objects = objects
	f.publish(ev)
	return err
}

func (f *Forwarder) OnUpdate(ctx context.Context, hctx *handler.Context, objects []string) error {
	err := f.next.OnUpdate(ctx, hctx, objects)
	ev := f.event(Update, hctx)
	ev.Objects = objects
	f.publish(ev)
	return err
}

func (f *Forwarder) OnDeregister(ctx context.Context, hctx *handler.Context) error {
	err := f.next.OnDeregister(ctx, hctx)
	f.publish(f.event(Deregister, hctx))
	return err
}

func (f *Forwarder) OnBootstrap(ctx context.Context, hctx *handler.Context) error {
	err := f.next.OnBootstrap(ctx, hctx)
	f.publish(f.event(Bootstrap, hctx))
	return err
}

func (f *Forwarder) OnStatus(ctx context.Context, hctx *handler.Context, from, to string) error {
	err := f.next.OnStatus(ctx, hctx, from, to)
	ev := f.event(Status, hctx)
	ev.From, ev.To = from, to
	f.publish(ev)
	return err
}

func (f *Forwarder) OnNotify(ctx context.Context, hctx *handler.Context, path string, payload []byte) error {
	err := f.next.OnNotify(ctx, hctx, path, payload)
	ev := f.event(Notify, hctx)
	ev.Path, ev.Payload = path, payload
	f.publish(ev)
	return err
}

func (f *Forwarder) event(typ string, hctx *handler.Context) Event {
	return Event{
		Type:      typ,
		SessionID: hctx.SessionID,
		Endpoint:  hctx.Endpoint,
		Location:  hctx.Location,
		Remote:    hctx.RemoteAddr,
		Version:   hctx.Version,
		Binding:   hctx.Binding,
		Lifetime:  int64(hctx.Lifetime / time.Second),
		Time:      f.now(),
	}
}

// Publish failures are logged and never reach the engine.
func (f *Forwarder) publish(ev Event) {
	subject := Subject(f.prefix, ev.Endpoint, ev.Type)
	b, err := json.Marshal(ev)
	if err != nil {
		f.logger.Error("Failed to encode event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
		return
	}
	pub := func() error { return f.pub.Publish(subject, b) }
	if f.breaker != nil {
		err = f.breaker.Call(pub)
	} else {
		err = pub()
	}
	switch {
	case errors.Is(err, breaker.ErrOpen):
		f.logger.Debug("Event dropped", slog.String("subject", subject))
		return
	case err != nil:
		f.logger.Warn("Failed to publish event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
		return
	}
	f.logger.Debug("Event published", slog.String("subject", subject))
}

// Subject builds the subject of an event. Characters NATS reserves in
// subject tokens are replaced in the endpoint name.
func Subject(prefix, endpoint, event string) string {
	if endpoint == "" {
		endpoint = "_"
	}
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, endpoint)
	return prefix + "." + token + "." + event
}
