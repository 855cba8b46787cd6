// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/absmach/lwm2m/pkg/coap"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Version is the LWM2M enabler version the client announces.
type Version int

// Supported versions.
const (
	Version11 Version = iota
	Version10
)

// String returns the version as sent in the lwm2m= query.
func (v Version) String() string {
	if v == Version10 {
		return "1.0"
	}
	return "1.1"
}

// ParseVersion parses "1.0" or "1.1".
func ParseVersion(s string) (Version, error) {
	switch s {
	case "1.0":
		return Version10, nil
	case "1.1", "":
		return Version11, nil
	default:
		return 0, fmt.Errorf("%w: unsupported LWM2M version %q", errors.ErrInvalidInput, s)
	}
}

// Done receives the response to a request, or nil on timeout.
type Done func(resp *coap.Message, now time.Time)

// Requester sends the requests the Machine emits.
type Requester interface {
	// Connect opens the session to srv and stores it in srv.Session.
	Connect(srv *Server) error
	// Request sends req to srv. A request already in flight for srv is
	// cancelled first.
	Request(srv *Server, req *coap.Message, payload []byte, done Done) error
	// Cancel drops the request in flight for srv without calling its Done.
	Cancel(srv *Server)
	// Links returns the link-format object list sent on registration.
	Links() []byte
}

// Source provides the server list written during bootstrap.
type Source interface {
	Servers() ([]*Server, error)
}

// StatusFunc is notified of every server status change.
type StatusFunc func(srv *Server, from, to Status)

// Config holds the Machine configuration.
type Config struct {
	Endpoint string
	Binding  string
	Version  Version
	Source   Source
	OnStatus StatusFunc
	Logger   *slog.Logger
}

// Machine is the client registration and bootstrap state machine.
type Machine struct {
	config    Config
	requester Requester
	servers   []*Server
	state     ClientState
	stopped   bool
}

// New creates a Machine.
func New(cfg Config, requester Requester) *Machine {
	if cfg.Binding == "" {
		cfg.Binding = "U"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Machine{config: cfg, requester: requester}
}

// SetServers replaces the configured servers and restarts the client.
func (m *Machine) SetServers(servers []*Server) {
	for _, s := range m.servers {
		m.requester.Cancel(s)
	}
	m.servers = servers
	for _, s := range servers {
		if s.Bootstrap {
			s.Status = StatusDeregistered
		} else {
			s.reset()
		}
	}
	m.state = StateInitial
	m.stopped = false
}

// Servers returns the configured servers.
func (m *Machine) Servers() []*Server {
	return m.servers
}

// State returns the client state.
func (m *Machine) State() ClientState {
	return m.state
}

// Server returns the data server with the short ID.
func (m *Machine) Server(shortID uint16) *Server {
	for _, s := range m.servers {
		if !s.Bootstrap && s.ShortID == shortID {
			return s
		}
	}
	return nil
}

// BootstrapServer returns the bootstrap server, if configured.
func (m *Machine) BootstrapServer() *Server {
	for _, s := range m.servers {
		if s.Bootstrap {
			return s
		}
	}
	return nil
}

// Step advances every server and returns the moment the Machine next
// needs to run, or the zero time when it waits only for responses.
func (m *Machine) Step(now time.Time) (time.Time, error) {
	if m.stopped {
		return time.Time{}, nil
	}

	for range 8 {
		prev := m.state
		if err := m.stepState(now); err != nil {
			return now, err
		}
		if m.state == prev {
			break
		}
		m.config.Logger.Info("Client state changed",
			slog.String("from", prev.String()),
			slog.String("to", m.state.String()))
	}

	return m.nextDeadline(now), nil
}

// Update requests a registration update towards the server with shortID,
// or towards every registered server when shortID is 0. withObjects
// resends the object list.
func (m *Machine) Update(shortID uint16, withObjects bool) error {
	found := false
	for _, s := range m.servers {
		if s.Bootstrap || (shortID != 0 && s.ShortID != shortID) {
			continue
		}
		found = true
		if !s.Status.IsRegistered() {
			if shortID != 0 {
				return errors.New("update registration", s.name(), errors.ErrBadState)
			}
			continue
		}
		s.Dirty = true
		s.fullUpdate = s.fullUpdate || withObjects
	}
	if !found {
		return errors.New("update registration", strconv.Itoa(int(shortID)), errors.ErrNotFound)
	}
	return nil
}

// MarkDirty flags every registered server for a lightweight update.
func (m *Machine) MarkDirty() {
	for _, s := range m.servers {
		if !s.Bootstrap && s.Status.IsRegistered() {
			s.Dirty = true
		}
	}
}

// ObjectsChanged flags every registered server for a full update.
func (m *Machine) ObjectsChanged() {
	for _, s := range m.servers {
		if !s.Bootstrap && s.Status.IsRegistered() {
			s.Dirty = true
			s.fullUpdate = true
		}
	}
}

// Deregister deregisters from every server and stops the client.
func (m *Machine) Deregister(now time.Time) {
	for _, s := range m.servers {
		if s.Bootstrap {
			continue
		}
		m.apply(s, EventDeregister, now)
	}
	m.state = StateInitial
	m.stopped = true
}

// BootstrapActivity refreshes the bootstrap timeout after a bootstrap
// operation from the bootstrap server.
func (m *Machine) BootstrapActivity(now time.Time) {
	if bs := m.BootstrapServer(); bs != nil {
		bs.lastActivity = now
	}
}

// BootstrapFinish handles Bootstrap-Finish and returns the response code.
// The server list written during bootstrap must hold at least one data
// server.
func (m *Machine) BootstrapFinish(now time.Time) codes.Code {
	bs := m.BootstrapServer()
	if bs == nil || m.state != StateBootstrapping {
		return codes.BadRequest
	}
	if !m.apply(bs, EventBootstrapFinish, now) {
		return codes.BadRequest
	}
	if _, err := m.loadServers(); err != nil {
		m.config.Logger.Warn("Bootstrap configuration rejected", slog.String("error", err.Error()))
		m.apply(bs, EventFailure, now)
		return codes.NotAcceptable
	}
	m.apply(bs, EventSuccess, now)
	return codes.Changed
}

func (m *Machine) stepState(now time.Time) error {
	switch m.state {
	case StateInitial:
		switch {
		case len(m.dataServers()) > 0:
			m.state = StateRegisterRequired
		case m.BootstrapServer() != nil:
			m.state = StateBootstrapRequired
		default:
			return errors.New("step", "", errors.ErrNoServerAvailable)
		}

	case StateBootstrapRequired:
		bs := m.BootstrapServer()
		if bs == nil {
			m.state = StateInitial
			return errors.New("step", "", errors.ErrNoServerAvailable)
		}
		if bs.Status == StatusBSFailed || bs.Status == StatusBSFinished || bs.Status == StatusDeregistered {
			delay := bs.HoldOff
			if bs.Status == StatusBSFailed {
				delay = max(delay, bs.Policy.normalized().RetryTimer)
			}
			m.apply(bs, EventStartBootstrap, now)
			bs.holdOffUntil = now.Add(delay)
		}
		m.state = StateBootstrapping

	case StateBootstrapping:
		bs := m.BootstrapServer()
		if bs == nil {
			m.state = StateInitial
			return nil
		}
		m.stepBootstrap(bs, now)
		switch bs.Status {
		case StatusBSFinished:
			servers, err := m.loadServers()
			if err != nil {
				m.config.Logger.Error("Failed to load bootstrapped servers", slog.String("error", err.Error()))
				m.state = StateBootstrapRequired
				return nil
			}
			m.replaceDataServers(servers)
			m.state = StateInitial
		case StatusBSFailed:
			m.state = StateBootstrapRequired
		}

	case StateRegisterRequired:
		for _, srv := range m.dataServers() {
			if srv.Status == StatusDeregistered {
				m.apply(srv, EventStart, now)
			}
		}
		m.state = StateRegistering

	case StateRegistering, StateReady:
		for _, s := range m.dataServers() {
			m.stepServer(s, now)
		}
		return m.evaluate()
	}
	return nil
}

func (m *Machine) stepServer(s *Server, now time.Time) {
	switch s.Status {
	case StatusRegHoldOff:
		if !now.Before(s.holdOffUntil) {
			m.apply(s, EventHoldOffElapsed, now)
		}
	case StatusRegFailed:
		if !s.Exhausted {
			m.apply(s, EventRetry, now)
			s.holdOffUntil = now.Add(s.retryWait)
		}
	case StatusRegistered:
		switch {
		case s.Dirty && s.fullUpdate:
			m.apply(s, EventFullUpdateNeeded, now)
		case s.Dirty || s.Lifetime != s.registeredLifetime || !now.Before(s.NextUpdate()):
			m.apply(s, EventUpdateNeeded, now)
		}
	}
	if s.Status == StatusRegUpdateNeeded || s.Status == StatusRegFullUpdateNeeded {
		m.apply(s, EventSend, now)
	}
}

func (m *Machine) stepBootstrap(bs *Server, now time.Time) {
	switch bs.Status {
	case StatusBSHoldOff:
		if !now.Before(bs.holdOffUntil) {
			m.apply(bs, EventHoldOffElapsed, now)
		}
	case StatusBSPending:
		if !now.Before(bs.lastActivity.Add(BootstrapTimeout)) {
			m.apply(bs, EventBootstrapTimeout, now)
		}
	}
	if bs.Status == StatusBSFailing {
		m.apply(bs, EventSettle, now)
	}
}

// evaluate derives the client state from the data server statuses.
func (m *Machine) evaluate() error {
	servers := m.dataServers()
	registered, exhausted := 0, 0
	blocked, blocking, fallback := false, false, false
	for _, srv := range servers {
		if srv.Status.IsRegistered() {
			registered++
			continue
		}
		if srv.Policy.FailureBlock {
			blocked = true
		}
		if srv.Exhausted {
			exhausted++
			blocking = blocking || srv.Policy.FailureBlock
			fallback = fallback || srv.Policy.BootstrapOnFailure || m.config.Version == Version10
		}
	}

	if exhausted == len(servers) || blocking {
		for _, srv := range servers {
			m.requester.Cancel(srv)
			srv.reset()
		}
		if fallback && m.BootstrapServer() != nil {
			m.config.Logger.Warn("Registration failed, falling back to bootstrap")
			m.state = StateBootstrapRequired
			return nil
		}
		m.state = StateInitial
		return errors.New("register", "", errors.ErrNoServerAvailable)
	}

	if registered > 0 && !blocked {
		m.state = StateReady
	} else {
		m.state = StateRegistering
	}
	return nil
}

// apply runs ev through Transition and performs the resulting effect.
func (m *Machine) apply(s *Server, ev Event, now time.Time) bool {
	from := s.Status
	to, effect, ok := Transition(from, ev)
	if !ok {
		m.config.Logger.Debug("Ignored registration event",
			slog.String("server", s.name()),
			slog.String("status", from.String()),
			slog.String("event", ev.String()))
		return false
	}
	s.Status = to
	if from != to {
		m.config.Logger.Info("Server status changed",
			slog.Int("short_id", int(s.ShortID)),
			slog.String("server", s.name()),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		if m.config.OnStatus != nil {
			m.config.OnStatus(s, from, to)
		}
	}

	switch effect {
	case EffectSendRegister:
		m.sendRegister(s, now)
	case EffectSendUpdate:
		m.sendUpdate(s, false, now)
	case EffectSendFullUpdate:
		m.sendUpdate(s, true, now)
	case EffectSendDeregister:
		m.sendDeregister(s, now)
	case EffectSendBootstrapRequest:
		m.sendBootstrapRequest(s, now)
	case EffectRegistered:
		s.RegisteredAt = now
		s.Attempt = 0
		s.Sequence = 0
		s.Exhausted = false
	case EffectApplyPolicy:
		m.applyPolicy(s)
	case EffectCancel:
		m.requester.Cancel(s)
	case EffectReloadServers:
		// The server list is swapped by the next Step.
	}
	return true
}

func (m *Machine) applyPolicy(s *Server) {
	if m.config.Version == Version10 {
		s.Exhausted = true
		return
	}
	d := s.Policy.OnFailure(s.Attempt, s.Sequence)
	s.Attempt, s.Sequence = d.Attempt, d.Sequence
	s.retryWait = d.Wait
	s.Exhausted = d.Exhausted
	if d.Exhausted {
		m.config.Logger.Warn("Registration retries exhausted",
			slog.Int("short_id", int(s.ShortID)),
			slog.Int("sequences", d.Sequence))
	}
}

func (m *Machine) sendRegister(s *Server, now time.Time) {
	req := coap.NewRequest(message.Confirmable, codes.POST, "rd")
	req.AddQuery("b=" + m.binding(s))
	req.AddQuery("lwm2m=" + m.config.Version.String())
	req.AddQuery("lt=" + strconv.Itoa(int(s.lifetime()/time.Second)))
	req.AddQuery("ep=" + m.config.Endpoint)
	req.SetContentFormat(coap.FormatLink)

	m.request(s, req, m.requester.Links(), func(resp *coap.Message, now time.Time) {
		if resp == nil || resp.Code != codes.Created {
			m.apply(s, EventFailure, now)
			return
		}
		s.Location = resp.LocationPath()
		s.registeredLifetime = s.Lifetime
		s.Dirty = false
		s.fullUpdate = false
		m.apply(s, EventSuccess, now)
	}, now)
}

func (m *Machine) sendUpdate(s *Server, full bool, now time.Time) {
	req := coap.NewRequest(message.Confirmable, codes.POST, s.Location...)
	if s.Lifetime != s.registeredLifetime {
		req.AddQuery("lt=" + strconv.Itoa(int(s.lifetime()/time.Second)))
	}
	var payload []byte
	if full {
		req.SetContentFormat(coap.FormatLink)
		payload = m.requester.Links()
	}
	s.Dirty = false
	s.fullUpdate = false
	lifetime := s.Lifetime

	m.request(s, req, payload, func(resp *coap.Message, now time.Time) {
		switch {
		case resp != nil && resp.Code == codes.Changed:
			s.registeredLifetime = lifetime
			m.apply(s, EventSuccess, now)
		case resp != nil && resp.Code == codes.NotFound:
			m.apply(s, EventNotFound, now)
		default:
			m.apply(s, EventFailure, now)
		}
	}, now)
}

func (m *Machine) sendDeregister(s *Server, now time.Time) {
	req := coap.NewRequest(message.Confirmable, codes.DELETE, s.Location...)
	m.request(s, req, nil, func(resp *coap.Message, now time.Time) {
		s.Location = nil
		if resp != nil && coap.IsSuccess(resp.Code) {
			m.apply(s, EventSuccess, now)
			return
		}
		m.apply(s, EventFailure, now)
	}, now)
}

func (m *Machine) sendBootstrapRequest(bs *Server, now time.Time) {
	req := coap.NewRequest(message.Confirmable, codes.POST, "bs")
	req.AddQuery("ep=" + m.config.Endpoint)
	bs.lastActivity = now

	m.request(bs, req, nil, func(resp *coap.Message, now time.Time) {
		if resp == nil || resp.Code != codes.Changed {
			m.apply(bs, EventFailure, now)
			return
		}
		bs.lastActivity = now
		m.apply(bs, EventSuccess, now)
	}, now)
}

func (m *Machine) request(srv *Server, req *coap.Message, payload []byte, done Done, now time.Time) {
	if srv.Session == nil {
		if err := m.requester.Connect(srv); err != nil {
			m.config.Logger.Warn("Failed to connect to server",
				slog.String("uri", srv.URI),
				slog.String("error", err.Error()))
			done(nil, now)
			return
		}
	}
	if err := m.requester.Request(srv, req, payload, done); err != nil {
		m.config.Logger.Warn("Failed to send registration request",
			slog.String("server", srv.name()),
			slog.String("error", err.Error()))
		done(nil, now)
	}
}

func (m *Machine) binding(s *Server) string {
	if s.Binding != "" {
		return s.Binding
	}
	return m.config.Binding
}

func (m *Machine) dataServers() []*Server {
	var out []*Server
	for _, s := range m.servers {
		if !s.Bootstrap {
			out = append(out, s)
		}
	}
	return out
}

func (m *Machine) loadServers() ([]*Server, error) {
	if m.config.Source == nil {
		return nil, fmt.Errorf("%w: no server source", errors.ErrNotFound)
	}
	servers, err := m.config.Source.Servers()
	if err != nil {
		return nil, err
	}
	n := 0
	for _, s := range servers {
		if !s.Bootstrap {
			n++
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: no data server configured", errors.ErrNotFound)
	}
	return servers, nil
}

func (m *Machine) replaceDataServers(servers []*Server) {
	bs := m.BootstrapServer()
	for _, s := range m.dataServers() {
		m.requester.Cancel(s)
	}
	next := make([]*Server, 0, len(servers)+1)
	if bs != nil {
		next = append(next, bs)
	}
	for _, s := range servers {
		if s.Bootstrap {
			continue
		}
		s.reset()
		next = append(next, s)
	}
	m.servers = next
}

func (m *Machine) nextDeadline(now time.Time) time.Time {
	var next time.Time
	consider := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	for _, s := range m.servers {
		switch s.Status {
		case StatusRegHoldOff, StatusBSHoldOff:
			consider(s.holdOffUntil)
		case StatusRegistered:
			consider(s.NextUpdate())
		case StatusBSPending:
			consider(s.lastActivity.Add(BootstrapTimeout))
		case StatusRegFailed:
			if !s.Exhausted {
				consider(now)
			}
		case StatusBSFailing, StatusBSFinished, StatusBSFailed:
			if m.state == StateBootstrapping || m.state == StateBootstrapRequired {
				consider(now)
			}
		}
	}
	return next
}
