// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/lwm2m/pkg/breaker"
	"github.com/absmach/lwm2m/pkg/handler"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs  []published
	calls int
	err   error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.calls++
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

type authHandler struct {
	handler.NoopHandler
	err      error
	notified int
}

func (h *authHandler) AuthRegister(ctx context.Context, hctx *handler.Context) error {
	return h.err
}

func (h *authHandler) OnNotify(ctx context.Context, hctx *handler.Context, path string, payload []byte) error {
	h.notified++
	return h.err
}

var now = time.Unix(1_700_000_000, 0).UTC()

func newForwarder(pub Publisher, next handler.Handler) *Forwarder {
	f := NewForwarder(pub, "", next, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.now = func() time.Time { return now }
	return f
}

func testContext() *handler.Context {
	return &handler.Context{
		SessionID:  "s-1",
		Endpoint:   "urn:dev:001",
		Location:   "rd/0",
		RemoteAddr: "127.0.0.1:5683",
		Version:    "1.1",
		Binding:    "U",
		Lifetime:   300 * time.Second,
	}
}

func TestForwarderEvents(t *testing.T) {
	ctx := context.Background()
	hctx := testContext()

	cases := []struct {
		name    string
		fn      func(f *Forwarder) error
		subject string
		check   func(t *testing.T, ev Event)
	}{
		{
			name:    "register",
			fn:      func(f *Forwarder) error { return f.OnRegister(ctx, hctx, []string{"/3/0"}) },
			subject: "lwm2m.urn:dev:001.register",
			check: func(t *testing.T, ev Event) {
				if len(ev.Objects) != 1 || ev.Objects[0] != "/3/0" || ev.Lifetime != 300 || ev.Location != "rd/0" {
					t.Errorf("event = %+v", ev)
				}
			},
		},
		{
			name:    "update",
			fn:      func(f *Forwarder) error { return f.OnUpdate(ctx, hctx, nil) },
			subject: "lwm2m.urn:dev:001.update",
			check: func(t *testing.T, ev Event) {
				if ev.Objects != nil {
					t.Errorf("objects = %v", ev.Objects)
				}
			},
		},
		{
			name:    "deregister",
			fn:      func(f *Forwarder) error { return f.OnDeregister(ctx, hctx) },
			subject: "lwm2m.urn:dev:001.deregister",
		},
		{
			name:    "bootstrap",
			fn:      func(f *Forwarder) error { return f.OnBootstrap(ctx, hctx) },
			subject: "lwm2m.urn:dev:001.bootstrap",
		},
		{
			name:    "status",
			fn:      func(f *Forwarder) error { return f.OnStatus(ctx, hctx, "REG_PENDING", "REGISTERED") },
			subject: "lwm2m.urn:dev:001.status",
			check: func(t *testing.T, ev Event) {
				if ev.From != "REG_PENDING" || ev.To != "REGISTERED" {
					t.Errorf("event = %+v", ev)
				}
			},
		},
		{
			name:    "notify",
			fn:      func(f *Forwarder) error { return f.OnNotify(ctx, hctx, "/3/0/9", []byte("80")) },
			subject: "lwm2m.urn:dev:001.notify",
			check: func(t *testing.T, ev Event) {
				if ev.Path != "/3/0/9" || string(ev.Payload) != "80" {
					t.Errorf("event = %+v", ev)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pub := &fakePublisher{}
			f := newForwarder(pub, nil)
			if err := tc.fn(f); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(pub.msgs) != 1 {
				t.Fatalf("published %d messages, want 1", len(pub.msgs))
			}
			if pub.msgs[0].subject != tc.subject {
				t.Errorf("subject = %q, want %q", pub.msgs[0].subject, tc.subject)
			}
			var ev Event
			if err := json.Unmarshal(pub.msgs[0].data, &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if ev.Type != tc.name || ev.Endpoint != hctx.Endpoint || !ev.Time.Equal(now) {
				t.Errorf("event = %+v", ev)
			}
			if tc.check != nil {
				tc.check(t, ev)
			}
		})
	}
}

func TestForwarderDelegates(t *testing.T) {
	ctx := context.Background()
	denied := errors.New("denied")
	next := &authHandler{err: denied}
	pub := &fakePublisher{}
	f := newForwarder(pub, next)

	if err := f.AuthRegister(ctx, testContext()); !errors.Is(err, denied) {
		t.Errorf("AuthRegister error = %v, want %v", err, denied)
	}
	if err := f.AuthBootstrap(ctx, testContext()); err != nil {
		t.Errorf("AuthBootstrap error = %v", err)
	}
	if len(pub.msgs) != 0 {
		t.Errorf("authorization published %d messages", len(pub.msgs))
	}

	// Handler errors are returned and the event is still published.
	if err := f.OnNotify(ctx, testContext(), "/3/0/9", nil); !errors.Is(err, denied) {
		t.Errorf("OnNotify error = %v", err)
	}
	if next.notified != 1 || len(pub.msgs) != 1 {
		t.Errorf("notified = %d, published = %d", next.notified, len(pub.msgs))
	}
}

func TestForwarderPublishError(t *testing.T) {
	f := newForwarder(&fakePublisher{err: errors.New("disconnected")}, nil)
	if err := f.OnRegister(context.Background(), testContext(), nil); err != nil {
		t.Errorf("publish failure surfaced as %v", err)
	}
}

func TestForwarderBreaker(t *testing.T) {
	pub := &fakePublisher{err: errors.New("disconnected")}
	b := breaker.New(breaker.Config{MaxFailures: 2, ResetTimeout: time.Hour})
	f := newForwarder(pub, nil).WithBreaker(b)

	for range 5 {
		if err := f.OnDeregister(context.Background(), testContext()); err != nil {
			t.Fatalf("OnDeregister: %v", err)
		}
	}
	if pub.calls != 2 {
		t.Errorf("publish calls = %d, want 2", pub.calls)
	}
	if b.State() != breaker.StateOpen {
		t.Errorf("breaker state = %s, want open", b.State())
	}
}

func TestSubject(t *testing.T) {
	cases := []struct {
		prefix, endpoint, event string
		want                    string
	}{
		{prefix: "lwm2m", endpoint: "node-1", event: Register, want: "lwm2m.node-1.register"},
		{prefix: "lwm2m", endpoint: "a.b*c>d e", event: Notify, want: "lwm2m.a_b_c_d_e.notify"},
		{prefix: "x.y", endpoint: "", event: Update, want: "x.y._.update"},
	}
	for _, c := range cases {
		if got := Subject(c.prefix, c.endpoint, c.event); got != c.want {
			t.Errorf("Subject(%q, %q, %q) = %q, want %q", c.prefix, c.endpoint, c.event, got, c.want)
		}
	}
}
