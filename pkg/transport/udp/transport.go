// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/metrics"
	"github.com/absmach/lwm2m/pkg/ratelimit"
	"github.com/absmach/lwm2m/pkg/session"
)

const (
	// DefaultSessionTimeout is longer than the default registration
	// lifetime so registered peers are never forgotten between updates.
	DefaultSessionTimeout = 25 * time.Hour

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = 2048

	// DefaultQueueSize is the default number of datagrams waiting for the
	// engine.
	DefaultQueueSize = 1024

	// DefaultPort is the IANA assigned CoAP port.
	DefaultPort = "5683"
)

// ErrStopped is returned by Do once Serve returned.
var ErrStopped = fmt.Errorf("%w: transport stopped", errors.ErrBadState)

// Engine is the part of the engine the transport drives.
type Engine interface {
	HandlePacket(b []byte, peer session.Handle, now time.Time)
	Step(now time.Time) (time.Time, error)
	RemovePeer(peer session.Handle)
}

// Config holds the UDP transport configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// SessionTimeout is the idle time after which a peer is forgotten.
	SessionTimeout time.Duration

	// MaxSessions is the maximum number of concurrent peers. 0 means no
	// limit.
	MaxSessions int

	// BufferSize is the size of datagram read buffers in bytes.
	BufferSize int

	// QueueSize bounds the datagrams waiting for the engine. Datagrams
	// arriving on a full queue are dropped.
	QueueSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	WriteBufferSize int

	// Limiter throttles datagrams per peer. Nil disables rate limiting.
	Limiter *ratelimit.Limiter

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type packet struct {
	addr netip.AddrPort
	data []byte
}

type call struct {
	fn   func()
	done chan struct{}
}

// Transport is a UDP socket hosting one engine.
type Transport struct {
	config     Config
	conn       *net.UDPConn
	sessions   *SessionManager
	bufferPool *sync.Pool
	packets    chan packet
	calls      chan call
	stopped    chan struct{}
	now        func() time.Time
}

// Listen binds the socket described by cfg.
func Listen(cfg Config) (*Transport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address %s: %w", cfg.Address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}

	if cfg.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBufferSize); err != nil {
			cfg.Logger.Warn("Failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if cfg.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(cfg.WriteBufferSize); err != nil {
			cfg.Logger.Warn("Failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	size := cfg.BufferSize
	return &Transport{
		config:   cfg,
		conn:     conn,
		sessions: NewSessionManager(cfg.Logger, cfg.MaxSessions),
		bufferPool: &sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		},
		packets: make(chan packet, cfg.QueueSize),
		calls:   make(chan call),
		stopped: make(chan struct{}),
		now:     time.Now,
	}, nil
}

// LocalAddr returns the bound address.
func (t *Transport) LocalAddr() netip.AddrPort {
	return unmap(t.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

// Sessions returns the peers currently known to the transport.
func (t *Transport) Sessions() []Session {
	return t.sessions.List()
}

// Send implements engine.Transport.
func (t *Transport) Send(peer session.Handle, b []byte) error {
	addr, ok := peer.(session.Addr)
	if !ok {
		return fmt.Errorf("%w: %T is not a UDP peer", errors.ErrInvalidInput, peer)
	}
	ap := netip.AddrPort(addr)
	if _, err := t.conn.WriteToUDPAddrPort(b, ap); err != nil {
		t.config.Metrics.SendError()
		return err
	}
	t.sessions.Touch(ap, t.now())
	return nil
}

// Connect implements engine.Transport. Only the coap scheme is supported.
func (t *Transport) Connect(uri string) (session.Handle, error) {
	ap, err := ResolveURI(uri)
	if err != nil {
		return nil, err
	}
	if _, _, err := t.sessions.GetOrCreate(ap, t.now()); err != nil {
		return nil, err
	}
	t.config.Metrics.SetSessions(t.sessions.Count())
	return session.Addr(ap), nil
}

// ResolveURI resolves a coap:// server URI to a UDP address.
func ResolveURI(uri string) (netip.AddrPort, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: server uri %q: %w", errors.ErrInvalidInput, uri, err)
	}
	if !strings.EqualFold(u.Scheme, "coap") {
		return netip.AddrPort{}, fmt.Errorf("%w: unsupported scheme %q", errors.ErrInvalidInput, u.Scheme)
	}
	if u.Hostname() == "" {
		return netip.AddrPort{}, fmt.Errorf("%w: server uri %q has no host", errors.ErrInvalidInput, uri)
	}
	port := u.Port()
	if port == "" {
		port = DefaultPort
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to resolve %s: %w", uri, err)
	}
	return unmap(addr.AddrPort()), nil
}

// Do runs fn on the goroutine serving the engine and waits for it to
// return. Engine methods must only be called through Do once Serve runs.
func (t *Transport) Do(ctx context.Context, fn func()) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case t.calls <- c:
	case <-t.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-t.stopped:
		return ErrStopped
	}
}

// Serve drives eng until ctx is cancelled or eng.Step fails, then closes
// the socket.
func (t *Transport) Serve(ctx context.Context, eng Engine) error {
	defer close(t.stopped)

	t.config.Logger.Info("UDP transport started",
		slog.String("address", t.LocalAddr().String()),
		slog.Duration("session_timeout", t.config.SessionTimeout),
		slog.Int("queue_size", t.config.QueueSize),
		slog.Int("buffer_size", t.config.BufferSize))

	readCtx, cancelRead := context.WithCancel(ctx)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		t.readLoop(readCtx)
	}()
	defer func() {
		cancelRead()
		if err := t.conn.Close(); err != nil {
			t.config.Logger.Error("Error closing socket", slog.String("error", err.Error()))
		}
		<-readDone
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	prune := time.NewTicker(pruneInterval(t.config.SessionTimeout))
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			t.config.Logger.Info("Shutdown signal received, closing transport")
			return nil
		case p := <-t.packets:
			eng.HandlePacket(p.data, session.Addr(p.addr), t.now())
		case c := <-t.calls:
			c.fn()
			close(c.done)
		case <-prune.C:
			t.expireSessions(eng, t.now())
		case <-timer.C:
		}

		now := t.now()
		next, err := eng.Step(now)
		if err != nil {
			return fmt.Errorf("engine step: %w", err)
		}
		if next.IsZero() {
			timer.Stop()
			continue
		}
		timer.Reset(max(next.Sub(now), 0))
	}
}

func (t *Transport) readLoop(ctx context.Context) {
	for {
		bufPtr := t.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, addr, err := t.conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			t.bufferPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.config.Logger.Error("Failed to read UDP datagram",
				slog.String("error", err.Error()))
			continue
		}

		addr = unmap(addr)
		if !t.admit(addr, t.now()) {
			t.bufferPool.Put(bufPtr)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		t.bufferPool.Put(bufPtr)

		select {
		case t.packets <- packet{addr: addr, data: datagram}:
		case <-ctx.Done():
			return
		default:
			t.config.Logger.Warn("Engine queue full, dropping datagram",
				slog.String("peer", addr.String()))
		}
	}
}

// admit applies the rate limit and the session limit to a datagram from
// addr.
func (t *Transport) admit(addr netip.AddrPort, now time.Time) bool {
	if t.config.Limiter != nil && !t.config.Limiter.Allow(addr.String(), now) {
		t.config.Metrics.RateLimited()
		t.config.Logger.Debug("Rate limited datagram", slog.String("peer", addr.String()))
		return false
	}
	_, created, err := t.sessions.GetOrCreate(addr, now)
	if err != nil {
		t.config.Logger.Warn("Rejected datagram",
			slog.String("peer", addr.String()),
			slog.String("error", err.Error()))
		return false
	}
	if created {
		t.config.Metrics.SetSessions(t.sessions.Count())
	}
	return true
}

func (t *Transport) expireSessions(eng Engine, now time.Time) {
	expired := t.sessions.Expire(now, t.config.SessionTimeout)
	for _, s := range expired {
		eng.RemovePeer(session.Addr(s.Addr))
		if t.config.Limiter != nil {
			t.config.Limiter.Remove(s.Addr.String())
		}
	}
	if len(expired) > 0 {
		t.config.Metrics.SetSessions(t.sessions.Count())
		t.config.Logger.Debug("Cleaned up expired sessions", slog.Int("count", len(expired)))
	}
}

func pruneInterval(timeout time.Duration) time.Duration {
	return min(max(timeout/2, time.Second), time.Hour)
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
