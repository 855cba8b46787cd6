// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/absmach/lwm2m/pkg/ratelimit"
	"github.com/absmach/lwm2m/pkg/session"
)

// echoEngine answers every datagram with its payload reversed.
type echoEngine struct {
	tr      *Transport
	packets int
	steps   int
	removed []session.Handle
	stepErr error
}

func (e *echoEngine) HandlePacket(b []byte, peer session.Handle, now time.Time) {
	e.packets++
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	e.tr.Send(peer, out)
}

func (e *echoEngine) Step(now time.Time) (time.Time, error) {
	e.steps++
	return time.Time{}, e.stepErr
}

func (e *echoEngine) RemovePeer(peer session.Handle) {
	e.removed = append(e.removed, peer)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listen(t *testing.T, cfg Config) *Transport {
	t.Helper()
	cfg.Address = "127.0.0.1:0"
	cfg.Logger = testLogger()
	tr, err := Listen(cfg)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return tr
}

func TestTransportServe(t *testing.T) {
	tr := listen(t, Config{})
	eng := &echoEngine{tr: tr}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Serve(ctx, eng) }()

	client, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(tr.LocalAddr()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "cba" {
		t.Errorf("reply = %q, want %q", got, "cba")
	}

	var packets, steps int
	if err := tr.Do(ctx, func() { packets, steps = eng.packets, eng.steps }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if packets != 1 || steps < 1 {
		t.Errorf("packets = %d, steps = %d", packets, steps)
	}

	sessions := tr.Sessions()
	if len(sessions) != 1 || sessions[0].ID == "" {
		t.Fatalf("sessions = %+v", sessions)
	}
	local := client.LocalAddr().(*net.UDPAddr).AddrPort()
	if sessions[0].Addr != unmap(local) {
		t.Errorf("session addr = %s, want %s", sessions[0].Addr, local)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if err := tr.Do(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Do after stop = %v, want %v", err, ErrStopped)
	}
}

func TestTransportStepError(t *testing.T) {
	tr := listen(t, Config{})
	stepErr := errors.New("no server")
	eng := &echoEngine{tr: tr, stepErr: stepErr}

	done := make(chan error, 1)
	go func() { done <- tr.Serve(context.Background(), eng) }()

	select {
	case err := <-done:
		if !errors.Is(err, stepErr) {
			t.Errorf("Serve error = %v, want %v", err, stepErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return on step error")
	}
}

func TestTransportAdmit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := netip.MustParseAddrPort("10.0.0.1:5683")
	b := netip.MustParseAddrPort("10.0.0.2:5683")

	cases := []struct {
		desc string
		cfg  Config
		want []bool
	}{
		{
			desc: "no limits",
			want: []bool{true, true, true},
		},
		{
			desc: "rate limited",
			cfg:  Config{Limiter: ratelimit.NewLimiter(1, 0, 0)},
			want: []bool{true, false, true},
		},
		{
			desc: "session limit",
			cfg:  Config{MaxSessions: 1},
			want: []bool{true, true, false},
		},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			tr := listen(t, c.cfg)
			defer tr.conn.Close()

			got := []bool{tr.admit(a, now), tr.admit(a, now), tr.admit(b, now)}
			for i := range c.want {
				if got[i] != c.want[i] {
					t.Errorf("admit #%d = %v, want %v", i, got[i], c.want[i])
				}
			}
		})
	}
}

func TestTransportExpireSessions(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := ratelimit.NewLimiter(10, 1, 0)
	tr := listen(t, Config{SessionTimeout: time.Minute, Limiter: limiter})
	defer tr.conn.Close()
	eng := &echoEngine{tr: tr}

	idle := netip.MustParseAddrPort("10.0.0.1:5683")
	busy := netip.MustParseAddrPort("10.0.0.2:5683")
	tr.admit(idle, now)
	tr.admit(busy, now)
	tr.sessions.Touch(busy, now.Add(50*time.Second))

	tr.expireSessions(eng, now.Add(time.Minute))

	if len(eng.removed) != 1 || !eng.removed[0].Equal(session.Addr(idle)) {
		t.Errorf("removed = %v, want [%s]", eng.removed, idle)
	}
	if _, ok := tr.sessions.Get(idle); ok {
		t.Error("idle session kept")
	}
	if _, ok := tr.sessions.Get(busy); !ok {
		t.Error("busy session removed")
	}
	if limiter.Len() != 1 {
		t.Errorf("limiter peers = %d, want 1", limiter.Len())
	}
}

func TestTransportSendRejectsForeignPeer(t *testing.T) {
	tr := listen(t, Config{})
	defer tr.conn.Close()

	if err := tr.Send(session.Name("device"), []byte{0x40}); err == nil {
		t.Error("Send to a non-UDP peer succeeded")
	}
}

func TestResolveURI(t *testing.T) {
	cases := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{uri: "coap://127.0.0.1:5690", want: "127.0.0.1:5690"},
		{uri: "coap://127.0.0.1", want: "127.0.0.1:5683"},
		{uri: "COAP://[::1]:5683", want: "[::1]:5683"},
		{uri: "coaps://127.0.0.1:5684", wantErr: true},
		{uri: "coap://", wantErr: true},
		{uri: "://bad", wantErr: true},
	}
	for _, c := range cases {
		got, err := ResolveURI(c.uri)
		if (err != nil) != c.wantErr {
			t.Errorf("ResolveURI(%q) error = %v", c.uri, err)
			continue
		}
		if !c.wantErr && got.String() != c.want {
			t.Errorf("ResolveURI(%q) = %s, want %s", c.uri, got, c.want)
		}
	}
}

func TestTransportConnect(t *testing.T) {
	tr := listen(t, Config{MaxSessions: 1})
	defer tr.conn.Close()

	peer, err := tr.Connect("coap://127.0.0.1:5690")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !peer.Equal(session.Addr(netip.MustParseAddrPort("127.0.0.1:5690"))) {
		t.Errorf("peer = %s", peer)
	}
	if _, err := tr.Connect("coap://127.0.0.1:5691"); err == nil {
		t.Error("Connect past the session limit succeeded")
	}
}
