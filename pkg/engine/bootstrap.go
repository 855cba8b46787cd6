// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"
	"slices"
	"time"

	"github.com/absmach/lwm2m/pkg/coap"
	"github.com/absmach/lwm2m/pkg/data"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/handler"
	"github.com/absmach/lwm2m/pkg/registration"
	"github.com/absmach/lwm2m/pkg/session"
	"github.com/absmach/lwm2m/pkg/transaction"
	"github.com/absmach/lwm2m/pkg/uri"
	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// BootstrapWrite is one Bootstrap-Write sent to a client.
type BootstrapWrite struct {
	URI     uri.URI
	Format  message.MediaType
	Payload []byte
}

// BootstrapInfo is the configuration written to a client during bootstrap.
type BootstrapInfo struct {
	// KeepExisting skips the initial Bootstrap-Delete of "/".
	KeepExisting bool
	Writes       []BootstrapWrite
}

// BootstrapProvider looks up the bootstrap configuration of an endpoint.
type BootstrapProvider interface {
	Bootstrap(endpoint string) (BootstrapInfo, bool)
}

// StaticBootstrap maps endpoint names to their configuration. The "*"
// entry serves endpoints without one.
type StaticBootstrap map[string]BootstrapInfo

var _ BootstrapProvider = StaticBootstrap(nil)

func (s StaticBootstrap) Bootstrap(endpoint string) (BootstrapInfo, bool) {
	if info, ok := s[endpoint]; ok {
		return info, true
	}
	info, ok := s["*"]
	return info, ok
}

// ServerWrites returns the Bootstrap-Writes provisioning servers on a
// client, one text write per resource. Security instances are numbered
// from firstSecurity so the client's bootstrap server instance survives.
func ServerWrites(servers []*registration.Server, firstSecurity uint16) ([]BootstrapWrite, error) {
	security, server := NewServerObjects(servers)

	var writes []BootstrapWrite
	add := func(obj *MemoryObject, offset uint16) error {
		for _, inst := range obj.Instances() {
			recs, _ := obj.Read(inst, nil)
			for _, d := range recs {
				u := uri.Resource(obj.ID(), inst+offset, d.ID)
				b, err := data.TextCodec{}.Encode(u, []data.Data{d})
				if err != nil {
					return err
				}
				writes = append(writes, BootstrapWrite{URI: u, Format: coap.FormatText, Payload: b})
			}
		}
		return nil
	}
	if err := add(security, firstSecurity); err != nil {
		return nil, err
	}
	if err := add(server, 0); err != nil {
		return nil, err
	}
	return writes, nil
}

// BootstrapResultFunc receives the outcome of a bootstrap operation.
type BootstrapResultFunc func(endpoint string, u uri.URI, resp Response)

type bsOp struct {
	code     codes.Code
	uri      uri.URI
	format   message.MediaType
	payload  []byte
	accept   bool
	callback BootstrapResultFunc
}

type bsSession struct {
	endpoint string
	peer     session.Handle
	hctx     *handler.Context
	ops      []bsOp
	inflight *transaction.Transaction
	started  time.Time
}

func (e *Engine) handleBootstrapServerRequest(req *coap.Message, peer session.Handle, now time.Time) *coap.Message {
	if !slices.Equal(req.Path(), []string{"bs"}) {
		return coap.NewResponse(req, codes.NotFound)
	}
	if req.Code != codes.POST {
		return coap.NewResponse(req, codes.MethodNotAllowed)
	}
	ep, _ := req.Query("ep")
	if ep == "" {
		return coap.NewResponse(req, codes.BadRequest)
	}

	hctx := &handler.Context{
		SessionID:  uuid.NewString(),
		Endpoint:   ep,
		RemoteAddr: peer.String(),
	}
	if err := e.config.Handler.AuthBootstrap(e.ctx, hctx); err != nil {
		e.logger.Warn("Bootstrap rejected",
			slog.String("endpoint", ep),
			slog.String("error", err.Error()))
		return coap.NewResponse(req, codes.Forbidden)
	}

	var ops []bsOp
	if e.config.Bootstrap != nil {
		info, ok := e.config.Bootstrap.Bootstrap(ep)
		if !ok {
			e.logger.Warn("No bootstrap information", slog.String("endpoint", ep))
			return coap.NewResponse(req, codes.NotFound)
		}
		if !info.KeepExisting {
			ops = append(ops, bsOp{code: codes.DELETE, uri: uri.Root()})
		}
		for _, w := range info.Writes {
			ops = append(ops, bsOp{code: codes.PUT, uri: w.URI, format: w.Format, payload: w.Payload})
		}
		ops = append(ops, bsOp{code: codes.POST, uri: uri.Root()})
	}

	if old := e.bootstrapSession(ep); old != nil {
		e.endBootstrap(old)
	}
	e.bsSessions = append(e.bsSessions, &bsSession{
		endpoint: ep,
		peer:     peer,
		hctx:     hctx,
		ops:      ops,
		started:  now,
	})

	e.config.Metrics.RegistrationEvent("bootstrap")
	e.logger.Info("Bootstrap requested",
		slog.String("endpoint", ep),
		slog.String("peer", peer.String()),
		slog.Int("operations", len(ops)))
	e.hook("OnBootstrap", e.config.Handler.OnBootstrap(e.ctx, hctx))
	return coap.NewResponse(req, codes.Changed)
}

// BootstrapWrite queues a Bootstrap-Write to the client bootstrapping as
// endpoint.
func (e *Engine) BootstrapWrite(endpoint string, w BootstrapWrite, cb BootstrapResultFunc) error {
	return e.queueBootstrap(endpoint, bsOp{code: codes.PUT, uri: w.URI, format: w.Format, payload: w.Payload, callback: cb})
}

// BootstrapDelete queues a Bootstrap-Delete of u.
func (e *Engine) BootstrapDelete(endpoint string, u uri.URI, cb BootstrapResultFunc) error {
	return e.queueBootstrap(endpoint, bsOp{code: codes.DELETE, uri: u, callback: cb})
}

// BootstrapDiscover queues a Bootstrap-Discover of u.
func (e *Engine) BootstrapDiscover(endpoint string, u uri.URI, cb BootstrapResultFunc) error {
	return e.queueBootstrap(endpoint, bsOp{code: codes.GET, uri: u, accept: true, callback: cb})
}

// BootstrapFinish queues the Bootstrap-Finish ending the session.
func (e *Engine) BootstrapFinish(endpoint string, cb BootstrapResultFunc) error {
	return e.queueBootstrap(endpoint, bsOp{code: codes.POST, uri: uri.Root(), callback: cb})
}

func (e *Engine) queueBootstrap(endpoint string, op bsOp) error {
	if e.config.Mode != ModeBootstrapServer {
		return errors.New("bootstrap", endpoint, errors.ErrBadState)
	}
	s := e.bootstrapSession(endpoint)
	if s == nil {
		return errors.New("bootstrap", endpoint, errors.ErrNotFound)
	}
	s.ops = append(s.ops, op)
	return nil
}

// BootstrapSessions returns the endpoints with a bootstrap in progress.
func (e *Engine) BootstrapSessions() []string {
	out := make([]string, len(e.bsSessions))
	for i, s := range e.bsSessions {
		out[i] = s.endpoint
	}
	return out
}

func (e *Engine) bootstrapSession(endpoint string) *bsSession {
	for _, s := range e.bsSessions {
		if s.endpoint == endpoint {
			return s
		}
	}
	return nil
}

func (e *Engine) endBootstrap(s *bsSession) {
	if s.inflight != nil {
		e.transactions.Cancel(s.inflight)
		s.inflight = nil
	}
	e.bsSessions = slices.DeleteFunc(e.bsSessions, func(x *bsSession) bool { return x == s })
}

// stepBootstrapSessions starts the next queued operation of every idle
// session. Operations run one at a time per client.
func (e *Engine) stepBootstrapSessions(now time.Time) time.Time {
	for _, s := range slices.Clone(e.bsSessions) {
		if s.inflight != nil || len(s.ops) == 0 {
			continue
		}
		e.sendBootstrapOp(s)
	}
	return time.Time{}
}

func (e *Engine) sendBootstrapOp(s *bsSession) {
	op := s.ops[0]
	s.ops = s.ops[1:]

	segs := op.uri.Segments()
	if op.code == codes.POST {
		segs = []string{"bs"}
	}
	req := coap.NewRequest(message.Confirmable, op.code, segs...)
	if op.accept {
		req.SetUint(message.Accept, uint32(coap.FormatLink))
	}
	if len(op.payload) > 0 {
		req.SetContentFormat(op.format)
	}

	tr, err := e.request(s.peer, req, op.payload, func(tr *transaction.Transaction, resp *coap.Message) {
		s.inflight = nil
		r := Response{}
		switch {
		case resp == nil:
			r.Err = errors.New("bootstrap", s.endpoint, errors.ErrTimeout)
		case resp.Type == message.Reset:
			r.Err = errors.New("bootstrap", s.endpoint, errors.ErrProtocolViolation)
		default:
			r.Code = resp.Code
			r.Format, _ = resp.ContentFormat()
			r.Payload = resp.Payload
		}
		if op.callback != nil {
			op.callback(s.endpoint, op.uri, r)
		}

		switch {
		case r.Err != nil || !coap.IsSuccess(r.Code):
			e.logger.Warn("Bootstrap operation failed",
				slog.String("endpoint", s.endpoint),
				slog.String("operation", operation(op.code)),
				slog.String("uri", op.uri.String()),
				slog.String("code", r.Code.String()))
			if op.code == codes.POST || r.Err != nil {
				e.endBootstrap(s)
			}
		case op.code == codes.POST:
			e.logger.Info("Bootstrap finished",
				slog.String("endpoint", s.endpoint),
				slog.Duration("duration", e.now.Sub(s.started)))
			e.endBootstrap(s)
		}
		if e.bootstrapSession(s.endpoint) == s && len(s.ops) > 0 {
			e.sendBootstrapOp(s)
		}
	})
	if err != nil {
		e.logger.Warn("Failed to send bootstrap operation",
			slog.String("endpoint", s.endpoint),
			slog.String("error", err.Error()))
		e.endBootstrap(s)
		return
	}
	s.inflight = tr
}
