// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/lwm2m/pkg/coap"
	"github.com/absmach/lwm2m/pkg/handler"
	"github.com/absmach/lwm2m/pkg/registration"
	"github.com/absmach/lwm2m/pkg/session"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

var t0 = time.Unix(1_700_000_000, 0)

type sent struct {
	peer session.Handle
	msg  *coap.Message
}

type fakeTransport struct {
	sent       []sent
	connectErr error
}

func (f *fakeTransport) Send(peer session.Handle, b []byte) error {
	msg, err := coap.Decode(b)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, sent{peer: peer, msg: msg})
	return nil
}

func (f *fakeTransport) Connect(uri string) (session.Handle, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return session.Name(uri), nil
}

func (f *fakeTransport) last(t *testing.T) sent {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) find(match func(m *coap.Message) bool) *coap.Message {
	for i := len(f.sent) - 1; i >= 0; i-- {
		if match(f.sent[i].msg) {
			return f.sent[i].msg
		}
	}
	return nil
}

type recordingHandler struct {
	handler.NoopHandler

	registerErr error
	registered  []string
	updated     int
	deregisters int
	bootstraps  int
	statuses    []string
	notified    []string
}

func (h *recordingHandler) AuthRegister(ctx context.Context, hctx *handler.Context) error {
	return h.registerErr
}

func (h *recordingHandler) OnRegister(ctx context.Context, hctx *handler.Context, objects []string) error {
	h.registered = objects
	return nil
}

func (h *recordingHandler) OnUpdate(ctx context.Context, hctx *handler.Context, objects []string) error {
	h.updated++
	return nil
}

func (h *recordingHandler) OnDeregister(ctx context.Context, hctx *handler.Context) error {
	h.deregisters++
	return nil
}

func (h *recordingHandler) OnBootstrap(ctx context.Context, hctx *handler.Context) error {
	h.bootstraps++
	return nil
}

func (h *recordingHandler) OnStatus(ctx context.Context, hctx *handler.Context, from, to string) error {
	h.statuses = append(h.statuses, to)
	return nil
}

func (h *recordingHandler) OnNotify(ctx context.Context, hctx *handler.Context, path string, payload []byte) error {
	h.notified = append(h.notified, path+"="+string(payload))
	return nil
}

func newEngine(mode Mode, ft *fakeTransport, h handler.Handler) *Engine {
	return New(Config{
		Mode:    mode,
		Version: registration.Version11,
		Handler: h,
		Rand:    func() float64 { return 0 },
		Logger:  testLogger(),
	}, ft)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func encode(t *testing.T, m *coap.Message) []byte {
	t.Helper()
	b, err := coap.Encode(m)
	if err != nil {
		t.Fatalf("encode %s: %v", m, err)
	}
	return b
}

func request(code codes.Code, mid uint16, path ...string) *coap.Message {
	m := coap.NewRequest(message.Confirmable, code, path...)
	m.MessageID = mid
	m.Token = message.Token{0xA0, byte(mid >> 8), byte(mid)}
	return m
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "client", want: ModeClient},
		{in: "", want: ModeClient},
		{in: "Server", want: ModeServer},
		{in: "bootstrap", want: ModeBootstrapServer},
		{in: "bootstrap-server", want: ModeBootstrapServer},
		{in: "gateway", wantErr: true},
	}
	for _, c := range cases {
		got, err := ParseMode(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseMode(%q) error = %v", c.in, err)
			continue
		}
		if !c.wantErr && got != c.want {
			t.Errorf("ParseMode(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestLowestUnused(t *testing.T) {
	cases := []struct {
		ids  []uint16
		want uint16
	}{
		{ids: nil, want: 0},
		{ids: []uint16{0, 1, 2}, want: 3},
		{ids: []uint16{2, 0, 3}, want: 1},
		{ids: []uint16{1, 1, 0}, want: 2},
	}
	for _, c := range cases {
		if got, ok := lowestUnused(c.ids); !ok || got != c.want {
			t.Errorf("lowestUnused(%v) = %d, %v, want %d", c.ids, got, ok, c.want)
		}
	}
}

func TestEarliest(t *testing.T) {
	later := t0.Add(time.Minute)
	if got := earliest(time.Time{}, later); !got.Equal(later) {
		t.Errorf("earliest(zero, later) = %v", got)
	}
	if got := earliest(later, t0); !got.Equal(t0) {
		t.Errorf("earliest(later, t0) = %v", got)
	}
	if got := earliest(t0, time.Time{}); !got.Equal(t0) {
		t.Errorf("earliest(t0, zero) = %v", got)
	}
}

func TestPing(t *testing.T) {
	ft := &fakeTransport{}
	e := newEngine(ModeServer, ft, nil)
	peer := session.Name("device")

	e.HandlePacket([]byte{0x40, 0x00, 0x00, 0x07}, peer, t0)

	got := ft.last(t).msg
	if got.Type != message.Reset || got.MessageID != 7 {
		t.Errorf("ping answered with %s", got)
	}
}

func TestMalformedConfirmable(t *testing.T) {
	ft := &fakeTransport{}
	e := newEngine(ModeServer, ft, nil)

	// Empty code with a token.
	e.HandlePacket([]byte{0x41, 0x00, 0x12, 0x34, 0xAA}, session.Name("device"), t0)

	got := ft.last(t).msg
	if got.Type != message.Acknowledgement || got.Code != codes.BadRequest || got.MessageID != 0x1234 {
		t.Errorf("malformed message answered with %s", got)
	}
}

func TestMalformedNonConfirmableIgnored(t *testing.T) {
	ft := &fakeTransport{}
	e := newEngine(ModeServer, ft, nil)

	e.HandlePacket([]byte{0x51, 0x00, 0x12, 0x34, 0xAA}, session.Name("device"), t0)
	e.HandlePacket([]byte{0x40}, session.Name("device"), t0)

	if len(ft.sent) != 0 {
		t.Errorf("sent %d messages, want none", len(ft.sent))
	}
}

func TestStepUnconfiguredClient(t *testing.T) {
	e := newEngine(ModeClient, &fakeTransport{}, nil)
	if _, err := e.Step(t0); err == nil {
		t.Error("Step on an unconfigured client succeeded")
	}
}

func TestUnmatchedResponseReset(t *testing.T) {
	ft := &fakeTransport{}
	e := newEngine(ModeServer, ft, nil)

	resp := &coap.Message{Type: message.Confirmable, Code: codes.Content, MessageID: 99, Token: message.Token{1}}
	e.HandlePacket(encode(t, resp), session.Name("device"), t0)

	got := ft.last(t).msg
	if got.Type != message.Reset || got.MessageID != 99 {
		t.Errorf("unmatched response answered with %s", got)
	}

	ft.sent = nil
	ack := &coap.Message{Type: message.Acknowledgement, Code: codes.Content, MessageID: 100, Token: message.Token{1}}
	e.HandlePacket(encode(t, ack), session.Name("device"), t0)
	if len(ft.sent) != 0 {
		t.Errorf("unmatched ACK answered with %s", ft.sent[0].msg)
	}
}

func TestEngineTableExpiry(t *testing.T) {
	ft := &fakeTransport{}
	e := newEngine(ModeServer, ft, nil)

	req := request(codes.GET, 1, "unknown")
	e.HandlePacket(encode(t, req), session.Name("device"), t0)
	if e.dedup.Len() != 1 {
		t.Fatalf("dedup entries = %d, want 1", e.dedup.Len())
	}

	next, err := e.Step(t0)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if next.IsZero() || next.Before(t0) {
		t.Fatalf("next deadline = %v", next)
	}
	if _, err := e.Step(next); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if e.dedup.Len() != 0 {
		t.Errorf("dedup entries = %d after expiry", e.dedup.Len())
	}
}

func TestResponseError(t *testing.T) {
	if got := responseError(errors.New("boom")); got != codes.InternalServerError {
		t.Errorf("responseError = %v", got)
	}
}
