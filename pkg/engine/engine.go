// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/absmach/lwm2m/pkg/block"
	"github.com/absmach/lwm2m/pkg/coap"
	"github.com/absmach/lwm2m/pkg/data"
	"github.com/absmach/lwm2m/pkg/dedup"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/handler"
	"github.com/absmach/lwm2m/pkg/metrics"
	"github.com/absmach/lwm2m/pkg/observe"
	"github.com/absmach/lwm2m/pkg/registration"
	"github.com/absmach/lwm2m/pkg/session"
	"github.com/absmach/lwm2m/pkg/transaction"
	"github.com/absmach/lwm2m/pkg/uri"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Mode selects the role the engine plays.
type Mode int

// Engine modes.
const (
	ModeClient Mode = iota
	ModeServer
	ModeBootstrapServer
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	case ModeBootstrapServer:
		return "bootstrap"
	default:
		return "unknown"
	}
}

// ParseMode parses "client", "server" or "bootstrap".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "client", "":
		return ModeClient, nil
	case "server":
		return ModeServer, nil
	case "bootstrap", "bootstrap-server":
		return ModeBootstrapServer, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", errors.ErrInvalidInput, s)
	}
}

// Transport moves datagrams between the engine and its peers. Send must not
// block.
type Transport interface {
	Send(peer session.Handle, data []byte) error
	// Connect returns the session used to reach a server URI.
	Connect(uri string) (session.Handle, error)
}

// Config holds the engine configuration.
type Config struct {
	Mode            Mode
	Version         registration.Version
	BlockSize       int
	MaxBlockSize    int
	MaxTransactions int
	MaxDedupEntries int
	Codecs          data.Codecs
	Handler         handler.Handler
	Metrics         *metrics.Metrics
	// Bootstrap provides the configuration sent to clients in
	// bootstrap-server mode.
	Bootstrap BootstrapProvider
	Rand      func() float64
	Logger    *slog.Logger
}

// Engine is one LWM2M endpoint. It is not safe for concurrent use: the
// host serializes every call.
type Engine struct {
	config    Config
	transport Transport
	logger    *slog.Logger
	ctx       context.Context
	now       time.Time

	dedup        *dedup.Table
	transactions *transaction.Table
	blocks       *block.Tracker
	watchers     *observe.Registry

	// Client mode.
	endpoint string
	binding  string
	altPath  string
	objects  []Object
	machine  *registration.Machine
	inflight map[*registration.Server]*transaction.Transaction

	// Server mode.
	clients      []*Client
	observations []*observation

	// Bootstrap-server mode.
	bsSessions []*bsSession
}

// New creates an engine sending through transport.
func New(cfg Config, transport Transport) *Engine {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = coap.DefaultBlockSize
	}
	if cfg.Codecs == nil {
		cfg.Codecs = data.DefaultCodecs()
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		config:    cfg,
		transport: transport,
		logger:    cfg.Logger.With(slog.String("mode", cfg.Mode.String())),
		ctx:       context.Background(),
		inflight:  make(map[*registration.Server]*transaction.Transaction),
	}
	e.dedup = dedup.New(dedup.Config{
		MaxEntries: cfg.MaxDedupEntries,
		Logger:     e.logger,
	})
	e.transactions = transaction.New(senderFunc(e.transmit), transaction.Config{
		BlockSize:       cfg.BlockSize,
		MaxTransactions: cfg.MaxTransactions,
		Rand:            cfg.Rand,
		Reserved:        e.dedup.Contains,
		Logger:          e.logger,
	})
	e.blocks = block.New(block.Config{
		MaxSize: cfg.MaxBlockSize,
		Logger:  e.logger,
	})
	e.watchers = observe.New(e.logger)
	return e
}

// WithContext sets the context passed to handler callbacks.
func (e *Engine) WithContext(ctx context.Context) {
	e.ctx = ctx
}

// Mode returns the engine mode.
func (e *Engine) Mode() Mode {
	return e.config.Mode
}

// Step runs every timer that expired at now and returns when the engine
// next needs to run. The zero time means it only waits for packets.
func (e *Engine) Step(now time.Time) (time.Time, error) {
	e.now = now
	next := e.dedup.Expire(now)
	next = earliest(next, e.blocks.Expire(now))
	e.transactions.Step(now)

	var err error
	switch e.config.Mode {
	case ModeClient:
		if e.machine == nil {
			return time.Time{}, errors.New("step", "", errors.ErrBadState)
		}
		var d time.Time
		d, err = e.machine.Step(now)
		next = earliest(next, d)
		next = earliest(next, e.notify(now))
	case ModeServer:
		next = earliest(next, e.expireClients(now))
	case ModeBootstrapServer:
		next = earliest(next, e.stepBootstrapSessions(now))
	}

	next = earliest(next, e.transactions.Next())
	e.config.Metrics.Tables(e.transactions.Len(), e.dedup.Len(), e.blocks.Len(), e.watchers.Len(), len(e.clients))
	return next, err
}

// HandlePacket processes one inbound datagram from peer.
func (e *Engine) HandlePacket(b []byte, peer session.Handle, now time.Time) {
	e.now = now
	msg, err := coap.Decode(b)
	if err != nil {
		e.config.Metrics.DecodeError()
		e.logger.Warn("Dropped malformed message",
			slog.String("peer", peer.String()),
			slog.String("error", err.Error()))
		if typ, mid, ok := coap.PeekHeader(b); ok && typ == message.Confirmable {
			e.send(peer, &coap.Message{Type: message.Acknowledgement, Code: codes.BadRequest, MessageID: mid})
		}
		return
	}
	e.config.Metrics.Message(metrics.Inbound, msg.Type.String(), msg.Code.String())
	e.logger.Debug("Message received",
		slog.String("peer", peer.String()),
		slog.String("message", msg.String()))

	switch {
	case msg.IsRequest():
		e.handleRequest(msg, peer, now)
	case msg.Type == message.Reset:
		e.transactions.HandleResponse(msg, peer, now)
		e.watchers.RemoveByMID(peer, msg.MessageID)
	case msg.IsEmpty() && msg.Type == message.Confirmable:
		// CoAP ping.
		e.send(peer, coap.NewReset(msg.MessageID))
	case msg.IsEmpty():
		e.transactions.HandleResponse(msg, peer, now)
	case msg.IsResponse():
		e.handleResponse(msg, peer, now)
	default:
		e.logger.Debug("Ignored message with unknown code",
			slog.String("peer", peer.String()),
			slog.String("code", msg.Code.String()))
	}
}

// RemovePeer forgets every exchange with peer, e.g. when its session closed.
func (e *Engine) RemovePeer(peer session.Handle) {
	e.dedup.RemovePeer(peer)
	e.blocks.RemovePeer(peer)
	e.watchers.RemovePeer(peer)
	e.transactions.CancelPeer(peer)
	for s, tr := range e.inflight {
		if session.Equal(tr.Peer, peer) {
			delete(e.inflight, s)
		}
	}
}

func (e *Engine) handleRequest(msg *coap.Message, peer session.Handle, now time.Time) {
	if dup, code := e.dedup.Check(msg.MessageID, peer, now); dup {
		e.config.Metrics.Duplicate()
		e.logger.Debug("Duplicate request",
			slog.String("peer", peer.String()),
			slog.Int("mid", int(msg.MessageID)),
			slog.String("code", code.String()))
		if msg.Type != message.Confirmable {
			return
		}
		if code == codes.Empty {
			e.send(peer, coap.NewEmptyACK(msg.MessageID))
			return
		}
		e.send(peer, coap.NewResponse(msg, code))
		return
	}

	resp := e.serve(msg, peer, now)
	e.dedup.SetResponseCode(msg.MessageID, peer, resp.Code)
	if resp.Type == message.NonConfirmable {
		mid, err := e.transactions.MessageID(peer)
		if err != nil {
			e.logger.Warn("Failed to allocate message ID", slog.String("error", err.Error()))
			return
		}
		resp.MessageID = mid
	}
	e.send(peer, resp)
}

// serve runs the block-wise layers around the mode dispatcher.
func (e *Engine) serve(req *coap.Message, peer session.Handle, now time.Time) *coap.Message {
	if req.Code == codes.GET {
		if resp, ok := e.nextBlock2(req, peer, now); ok {
			return resp
		}
	}

	var b1 *coap.Block
	if b, ok, err := req.Block1(); err != nil {
		return coap.NewResponse(req, codes.BadRequest)
	} else if ok {
		size1, _ := req.Uint(message.Size1)
		body, err := e.blocks.Block1(peer, req.PathString(), b, int(size1), req.Payload, now)
		if err != nil {
			e.config.Metrics.BlockError(block.Block1.String())
			e.logger.Warn("Block1 transfer rejected",
				slog.String("peer", peer.String()),
				slog.String("path", req.PathString()),
				slog.String("error", err.Error()))
			return coap.NewResponse(req, block.ErrorCode(err))
		}
		if body == nil {
			resp := coap.NewResponse(req, codes.Continue)
			if err := resp.SetBlock1(b); err != nil {
				return coap.NewResponse(req, codes.InternalServerError)
			}
			return resp
		}
		req.Payload = body
		b1 = &b
	}

	var resp *coap.Message
	switch e.config.Mode {
	case ModeClient:
		resp = e.handleClientRequest(req, peer, now)
	case ModeServer:
		resp = e.handleServerRequest(req, peer, now)
	default:
		resp = e.handleBootstrapServerRequest(req, peer, now)
	}

	if b1 != nil {
		b1.More = false
		if err := resp.SetBlock1(*b1); err != nil {
			return coap.NewResponse(req, codes.InternalServerError)
		}
	}
	return e.serveBlock2(req, resp, peer, now)
}

// nextBlock2 answers a request for a later block of a stored response.
func (e *Engine) nextBlock2(req *coap.Message, peer session.Handle, now time.Time) (*coap.Message, bool) {
	b, ok, err := req.Block2()
	if err != nil || !ok || b.Num == 0 {
		return nil, false
	}
	payload, format, more, ok := e.blocks.Slice(peer, req.PathString(), b.Num, b.Size, now)
	if !ok {
		return nil, false
	}
	resp := coap.NewResponse(req, codes.Content)
	resp.SetContentFormat(format)
	resp.Payload = payload
	if err := resp.SetBlock2(coap.Block{Num: b.Num, More: more, Size: b.Size}); err != nil {
		return coap.NewResponse(req, codes.InternalServerError), true
	}
	return resp, true
}

// serveBlock2 splits a response larger than the block size and keeps the
// body for the following Block2 requests.
func (e *Engine) serveBlock2(req, resp *coap.Message, peer session.Handle, now time.Time) *coap.Message {
	size := e.config.BlockSize
	var num uint32
	if b, ok, err := req.Block2(); err == nil && ok {
		size = min(size, b.Size)
		num = b.Num
	}
	if !coap.IsSuccess(resp.Code) || (len(resp.Payload) <= size && num == 0) {
		return resp
	}

	format, _ := resp.ContentFormat()
	e.blocks.Store(peer, req.PathString(), resp.Payload, format, now)
	payload, _, more, ok := e.blocks.Slice(peer, req.PathString(), num, size, now)
	if !ok {
		e.config.Metrics.BlockError(block.Block2.String())
		return coap.NewResponse(req, codes.BadOption)
	}
	resp.Payload = payload
	if err := resp.SetBlock2(coap.Block{Num: num, More: more, Size: size}); err != nil {
		return coap.NewResponse(req, codes.InternalServerError)
	}
	return resp
}

func (e *Engine) handleResponse(msg *coap.Message, peer session.Handle, now time.Time) {
	if msg.Type == message.Confirmable {
		if dup, _ := e.dedup.Check(msg.MessageID, peer, now); dup {
			e.config.Metrics.Duplicate()
			e.send(peer, coap.NewEmptyACK(msg.MessageID))
			return
		}
	}

	handled := e.transactions.HandleResponse(msg, peer, now)
	if !handled && e.config.Mode == ModeServer {
		handled = e.handleNotification(msg, peer, now)
	}

	switch {
	case msg.Type == message.Acknowledgement:
		if !handled {
			e.logger.Debug("Unmatched response",
				slog.String("peer", peer.String()),
				slog.Int("mid", int(msg.MessageID)))
		}
	case handled && msg.Type == message.Confirmable:
		e.send(peer, coap.NewEmptyACK(msg.MessageID))
	case !handled:
		e.logger.Debug("Rejecting unmatched response",
			slog.String("peer", peer.String()),
			slog.Int("mid", int(msg.MessageID)))
		e.send(peer, coap.NewReset(msg.MessageID))
	}
}

// request sends a confirmable request through the transaction table.
func (e *Engine) request(peer session.Handle, req *coap.Message, payload []byte, cb transaction.Callback) (*transaction.Transaction, error) {
	tr, err := e.transactions.Create(peer, req, func(tr *transaction.Transaction, resp *coap.Message) {
		if resp == nil {
			e.config.Metrics.Timeout()
		}
		if cb != nil {
			cb(tr, resp)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := e.transactions.SetPayload(tr, payload); err != nil {
		e.transactions.Cancel(tr)
		return nil, err
	}
	if err := e.transactions.Send(tr, e.now); err != nil {
		return nil, err
	}
	return tr, nil
}

func (e *Engine) send(peer session.Handle, msg *coap.Message) {
	b, err := coap.Encode(msg)
	if err != nil {
		e.logger.Error("Failed to encode message",
			slog.String("peer", peer.String()),
			slog.String("error", err.Error()))
		return
	}
	if err := e.transmit(peer, b); err != nil {
		e.logger.Warn("Failed to send message",
			slog.String("peer", peer.String()),
			slog.String("error", err.Error()))
	}
}

// transmit is the single exit towards the transport.
func (e *Engine) transmit(peer session.Handle, b []byte) error {
	if typ, _, ok := coap.PeekHeader(b); ok {
		e.config.Metrics.Message(metrics.Outbound, typ.String(), codes.Code(b[1]).String())
	}
	if err := e.transport.Send(peer, b); err != nil {
		e.config.Metrics.SendError()
		return err
	}
	return nil
}

func (e *Engine) hook(name string, err error) {
	if err != nil {
		e.logger.Warn("Handler callback failed",
			slog.String("callback", name),
			slog.String("error", err.Error()))
	}
}

type senderFunc func(peer session.Handle, b []byte) error

func (f senderFunc) Send(peer session.Handle, b []byte) error {
	return f(peer, b)
}

// parseURI reads the LWM2M URI from request path segments.
func (e *Engine) parseURI(segs []string) (uri.URI, error) {
	if e.config.Version == registration.Version10 && len(segs) > 3 {
		return uri.URI{}, fmt.Errorf("%w: resource instance in LWM2M 1.0", errors.ErrInvalidURI)
	}
	return uri.FromSegments(segs)
}

// earliest returns the earlier of two deadlines, ignoring zero times.
func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero() || a.Before(b):
		return a
	default:
		return b
	}
}

// lowestUnused returns the smallest ID not present in ids.
func lowestUnused(ids []uint16) (uint16, bool) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	var next uint16
	for _, id := range sorted {
		switch {
		case id < next:
			continue
		case id == next:
			if next == uri.MaxID {
				return 0, false
			}
			next++
		default:
			return next, true
		}
	}
	return next, true
}

// responseError maps an error to a response code.
func responseError(err error) codes.Code {
	switch {
	case errors.Is(err, errors.ErrUnsupportedFormat):
		return codes.UnsupportedMediaType
	case errors.Is(err, errors.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, errors.ErrMethodNotAllowed):
		return codes.MethodNotAllowed
	case errors.Is(err, errors.ErrUnauthorized):
		return codes.Unauthorized
	case errors.Is(err, errors.ErrInvalidInput), errors.Is(err, errors.ErrInvalidURI):
		return codes.BadRequest
	default:
		return codes.InternalServerError
	}
}
