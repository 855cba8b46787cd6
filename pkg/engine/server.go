// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/lwm2m/pkg/coap"
	"github.com/absmach/lwm2m/pkg/data"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/handler"
	"github.com/absmach/lwm2m/pkg/observe"
	"github.com/absmach/lwm2m/pkg/registration"
	"github.com/absmach/lwm2m/pkg/session"
	"github.com/absmach/lwm2m/pkg/transaction"
	"github.com/absmach/lwm2m/pkg/uri"
	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Client is a registration held in server mode.
type Client struct {
	ID           uint16
	Endpoint     string
	Version      string
	Lifetime     time.Duration
	Binding      string
	AltPath      string
	Objects      []uri.URI
	Peer         session.Handle
	SessionID    string
	RegisteredAt time.Time
	UpdatedAt    time.Time
}

// Location returns the registration location, e.g. "rd/3".
func (c *Client) Location() string {
	return "rd/" + strconv.Itoa(int(c.ID))
}

// Expires returns when the registration lapses without an update.
func (c *Client) Expires() time.Time {
	return c.UpdatedAt.Add(c.Lifetime)
}

func (c *Client) context() *handler.Context {
	return &handler.Context{
		SessionID:  c.SessionID,
		Endpoint:   c.Endpoint,
		Location:   c.Location(),
		RemoteAddr: c.Peer.String(),
		Version:    c.Version,
		Binding:    c.Binding,
		Lifetime:   c.Lifetime,
	}
}

func (c *Client) objectPaths() []string {
	out := make([]string, len(c.Objects))
	for i, u := range c.Objects {
		out[i] = u.String()
	}
	return out
}

// Response is the outcome of a DM operation. Err is set when no response
// arrived or the transfer failed.
type Response struct {
	Code    codes.Code
	Format  message.MediaType
	Payload []byte
	Err     error
}

// ResultFunc receives the outcome of a DM operation. For observations it is
// called for the initial response and every notification.
type ResultFunc func(clientID uint16, u uri.URI, resp Response)

type observation struct {
	clientID uint16
	peer     session.Handle
	token    message.Token
	uri      uri.URI
	callback ResultFunc
}

// Clients returns the registered clients.
func (e *Engine) Clients() []*Client {
	return slices.Clone(e.clients)
}

// Client returns the client registered with id.
func (e *Engine) Client(id uint16) *Client {
	for _, c := range e.clients {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// ClientByEndpoint returns the client registered with the endpoint name.
func (e *Engine) ClientByEndpoint(endpoint string) *Client {
	for _, c := range e.clients {
		if c.Endpoint == endpoint {
			return c
		}
	}
	return nil
}

func (e *Engine) handleServerRequest(req *coap.Message, peer session.Handle, now time.Time) *coap.Message {
	path := req.Path()
	if len(path) == 0 || path[0] != "rd" || len(path) > 2 {
		return coap.NewResponse(req, codes.NotFound)
	}
	if len(path) == 1 {
		if req.Code != codes.POST {
			return coap.NewResponse(req, codes.MethodNotAllowed)
		}
		return e.register(req, peer, now)
	}

	id, err := strconv.ParseUint(path[1], 10, 16)
	if err != nil {
		return coap.NewResponse(req, codes.NotFound)
	}
	c := e.Client(uint16(id))
	if c == nil {
		return coap.NewResponse(req, codes.NotFound)
	}
	switch req.Code {
	case codes.POST:
		return e.update(req, c, peer, now)
	case codes.DELETE:
		e.removeClient(c)
		e.config.Metrics.RegistrationEvent("deregister")
		e.logger.Info("Client deregistered",
			slog.String("endpoint", c.Endpoint),
			slog.String("location", c.Location()))
		e.hook("OnDeregister", e.config.Handler.OnDeregister(e.ctx, c.context()))
		return coap.NewResponse(req, codes.Deleted)
	}
	return coap.NewResponse(req, codes.MethodNotAllowed)
}

func (e *Engine) register(req *coap.Message, peer session.Handle, now time.Time) *coap.Message {
	ep, _ := req.Query("ep")
	if ep == "" {
		return coap.NewResponse(req, codes.BadRequest)
	}
	version, ok := req.Query("lwm2m")
	if !ok {
		version = registration.Version10.String()
	}
	if _, err := registration.ParseVersion(version); err != nil || version == "" {
		return coap.NewResponse(req, codes.PreconditionFailed)
	}

	c := &Client{
		Endpoint:     ep,
		Version:      version,
		Lifetime:     registration.DefaultLifetime,
		Binding:      "U",
		Peer:         peer,
		SessionID:    uuid.NewString(),
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if code := applyRegistrationParams(req, c); code != codes.Empty {
		return coap.NewResponse(req, code)
	}

	if err := e.config.Handler.AuthRegister(e.ctx, c.context()); err != nil {
		e.logger.Warn("Registration rejected",
			slog.String("endpoint", ep),
			slog.String("error", err.Error()))
		return coap.NewResponse(req, codes.Forbidden)
	}

	if old := e.ClientByEndpoint(ep); old != nil {
		e.removeClient(old)
	}
	ids := make([]uint16, len(e.clients))
	for i, x := range e.clients {
		ids[i] = x.ID
	}
	id, ok := lowestUnused(ids)
	if !ok {
		return coap.NewResponse(req, codes.ServiceUnavailable)
	}
	c.ID = id
	e.clients = append(e.clients, c)

	e.config.Metrics.RegistrationEvent("register")
	e.logger.Info("Client registered",
		slog.String("endpoint", ep),
		slog.String("location", c.Location()),
		slog.String("peer", peer.String()),
		slog.Duration("lifetime", c.Lifetime))
	e.hook("OnRegister", e.config.Handler.OnRegister(e.ctx, c.context(), c.objectPaths()))

	resp := coap.NewResponse(req, codes.Created)
	resp.AddString(message.LocationPath, "rd")
	resp.AddString(message.LocationPath, strconv.Itoa(int(c.ID)))
	return resp
}

func (e *Engine) update(req *coap.Message, c *Client, peer session.Handle, now time.Time) *coap.Message {
	next := *c
	if code := applyRegistrationParams(req, &next); code != codes.Empty {
		return coap.NewResponse(req, code)
	}
	if !session.Equal(c.Peer, peer) {
		e.observationsMoved(c, peer)
		next.Peer = peer
	}
	next.UpdatedAt = now
	*c = next

	var objects []string
	if len(req.Payload) > 0 {
		objects = c.objectPaths()
	}
	e.config.Metrics.RegistrationEvent("update")
	e.logger.Debug("Registration updated",
		slog.String("endpoint", c.Endpoint),
		slog.String("location", c.Location()))
	e.hook("OnUpdate", e.config.Handler.OnUpdate(e.ctx, c.context(), objects))
	return coap.NewResponse(req, codes.Changed)
}

// applyRegistrationParams copies the lt, b and object list of a Register
// or Update request into c.
func applyRegistrationParams(req *coap.Message, c *Client) codes.Code {
	if lt, ok := req.Query("lt"); ok {
		secs, err := strconv.ParseUint(lt, 10, 32)
		if err != nil || secs == 0 {
			return codes.BadRequest
		}
		c.Lifetime = time.Duration(secs) * time.Second
	}
	if b, ok := req.Query("b"); ok {
		if b == "" {
			return codes.BadRequest
		}
		c.Binding = b
	}
	if len(req.Payload) == 0 {
		return codes.Empty
	}
	if f, ok := req.ContentFormat(); ok && f != coap.FormatLink {
		return codes.UnsupportedMediaType
	}
	objects, altPath, err := data.ParseObjectLinks(req.Payload)
	if err != nil {
		return codes.BadRequest
	}
	c.Objects = objects
	c.AltPath = altPath
	return codes.Empty
}

func (e *Engine) observationsMoved(c *Client, peer session.Handle) {
	for _, o := range e.observations {
		if o.clientID == c.ID {
			o.peer = peer
		}
	}
}

func (e *Engine) removeClient(c *Client) {
	e.clients = slices.DeleteFunc(e.clients, func(x *Client) bool { return x == c })
	e.observations = slices.DeleteFunc(e.observations, func(o *observation) bool { return o.clientID == c.ID })
}

// expireClients drops registrations whose lifetime elapsed and returns
// when the next one lapses.
func (e *Engine) expireClients(now time.Time) time.Time {
	var next time.Time
	for _, c := range slices.Clone(e.clients) {
		if now.Before(c.Expires()) {
			next = earliest(next, c.Expires())
			continue
		}
		e.removeClient(c)
		e.config.Metrics.RegistrationEvent("expire")
		e.logger.Info("Registration expired",
			slog.String("endpoint", c.Endpoint),
			slog.String("location", c.Location()))
		e.hook("OnDeregister", e.config.Handler.OnDeregister(e.ctx, c.context()))
	}
	return next
}

// Read reads u on a client.
func (e *Engine) Read(clientID uint16, u uri.URI, cb ResultFunc) error {
	_, err := e.dm(clientID, codes.GET, u, nil, nil, cb)
	return err
}

// Discover lists the objects, instances and resources below u on a client.
func (e *Engine) Discover(clientID uint16, u uri.URI, cb ResultFunc) error {
	_, err := e.dm(clientID, codes.GET, u, nil, func(req *coap.Message) {
		req.SetUint(message.Accept, uint32(coap.FormatLink))
	}, cb)
	return err
}

// Write writes payload to u. replace selects PUT semantics on instances;
// a partial write is sent as POST.
func (e *Engine) Write(clientID uint16, u uri.URI, format message.MediaType, payload []byte, replace bool, cb ResultFunc) error {
	code := codes.PUT
	if !replace && u.Depth() == uri.DepthInstance {
		code = codes.POST
	}
	_, err := e.dm(clientID, code, u, payload, func(req *coap.Message) {
		req.SetContentFormat(format)
	}, cb)
	return err
}

// WriteAttributes sets the notification attributes of u on a client.
func (e *Engine) WriteAttributes(clientID uint16, u uri.URI, attrs observe.Attributes, clear []string, cb ResultFunc) error {
	if err := attrs.Validate(); err != nil {
		return err
	}
	queries := append(attrs.Query(), clear...)
	if len(queries) == 0 {
		return errors.New("write attributes", u.String(), errors.ErrInvalidInput)
	}
	_, err := e.dm(clientID, codes.PUT, u, nil, func(req *coap.Message) {
		for _, q := range queries {
			req.AddQuery(q)
		}
	}, cb)
	return err
}

// Execute executes the resource u with args.
func (e *Engine) Execute(clientID uint16, u uri.URI, args []byte, cb ResultFunc) error {
	if u.Depth() != uri.DepthResource {
		return errors.New("execute", u.String(), errors.ErrInvalidURI)
	}
	_, err := e.dm(clientID, codes.POST, u, args, nil, cb)
	return err
}

// Create creates an instance of the object u.
func (e *Engine) Create(clientID uint16, u uri.URI, format message.MediaType, payload []byte, cb ResultFunc) error {
	if u.Depth() != uri.DepthObject {
		return errors.New("create", u.String(), errors.ErrInvalidURI)
	}
	_, err := e.dm(clientID, codes.POST, u, payload, func(req *coap.Message) {
		if len(payload) > 0 {
			req.SetContentFormat(format)
		}
	}, cb)
	return err
}

// Delete deletes the instance u.
func (e *Engine) Delete(clientID uint16, u uri.URI, cb ResultFunc) error {
	if u.Depth() != uri.DepthInstance {
		return errors.New("delete", u.String(), errors.ErrInvalidURI)
	}
	_, err := e.dm(clientID, codes.DELETE, u, nil, nil, cb)
	return err
}

// Observe starts observing u. cb receives the initial response and every
// notification until the observation ends.
func (e *Engine) Observe(clientID uint16, u uri.URI, cb ResultFunc) error {
	c := e.Client(clientID)
	if c == nil {
		return errors.New("observe", strconv.Itoa(int(clientID)), errors.ErrNotFound)
	}
	for _, o := range e.observations {
		if o.clientID == clientID && o.uri == u {
			return errors.New("observe", u.String(), errors.ErrBadState)
		}
	}

	obs := &observation{clientID: clientID, peer: c.Peer, uri: u, callback: cb}
	tr, err := e.dm(clientID, codes.GET, u, nil, func(req *coap.Message) {
		req.SetUint(message.Observe, 0)
	}, func(id uint16, u uri.URI, resp Response) {
		if resp.Err != nil || !coap.IsSuccess(resp.Code) {
			e.dropObservation(obs)
		}
		if cb != nil {
			cb(id, u, resp)
		}
	})
	if err != nil {
		return err
	}
	obs.token = tr.Token
	e.observations = append(e.observations, obs)
	return nil
}

// CancelObserve ends the observation of u with a GET carrying Observe 1.
func (e *Engine) CancelObserve(clientID uint16, u uri.URI, cb ResultFunc) error {
	i := slices.IndexFunc(e.observations, func(o *observation) bool {
		return o.clientID == clientID && o.uri == u
	})
	if i < 0 {
		return errors.New("cancel observe", u.String(), errors.ErrNotFound)
	}
	obs := e.observations[i]
	e.dropObservation(obs)
	if tr := e.transactions.FindByToken(obs.peer, obs.token); tr != nil {
		e.transactions.Cancel(tr)
	}

	_, err := e.dm(clientID, codes.GET, u, nil, func(req *coap.Message) {
		req.Token = obs.token
		req.SetUint(message.Observe, 1)
	}, cb)
	return err
}

func (e *Engine) dropObservation(obs *observation) {
	e.observations = slices.DeleteFunc(e.observations, func(o *observation) bool { return o == obs })
}

// dm sends a DM request to a registered client.
func (e *Engine) dm(clientID uint16, code codes.Code, u uri.URI, payload []byte, prepare func(*coap.Message), cb ResultFunc) (*transaction.Transaction, error) {
	if e.config.Mode != ModeServer {
		return nil, errors.New(operation(code), "", errors.ErrBadState)
	}
	c := e.Client(clientID)
	if c == nil {
		return nil, errors.New(operation(code), strconv.Itoa(int(clientID)), errors.ErrNotFound)
	}

	req := coap.NewRequest(message.Confirmable, code, clientPath(c, u)...)
	if prepare != nil {
		prepare(req)
	}
	op := operation(code)
	start := e.now
	deliver := func(resp Response) {
		status := resp.Code.String()
		if resp.Err != nil {
			status = "error"
		}
		e.config.Metrics.ObserveRequest(op, status, e.now.Sub(start))
		if cb != nil {
			cb(clientID, u, resp)
		}
	}
	return e.request(c.Peer, req, payload, e.responseCallback(req, deliver))
}

// responseCallback completes a request, fetching the remaining blocks of a
// Block2 response first.
func (e *Engine) responseCallback(req *coap.Message, deliver func(Response)) transaction.Callback {
	var cb transaction.Callback
	cb = func(tr *transaction.Transaction, resp *coap.Message) {
		switch {
		case resp == nil:
			deliver(Response{Err: errors.New(operation(req.Code), tr.Peer.String(), errors.ErrTimeout)})
			return
		case resp.Type == message.Reset:
			deliver(Response{Err: errors.New(operation(req.Code), tr.Peer.String(), errors.ErrProtocolViolation)})
			return
		}
		body, done, err := e.block2(tr.Peer, tr.MessageID, resp, req, cb)
		if err != nil {
			deliver(Response{Code: resp.Code, Err: err})
			return
		}
		if !done {
			return
		}
		format, _ := resp.ContentFormat()
		deliver(Response{Code: resp.Code, Format: format, Payload: body})
	}
	return cb
}

// block2 adds a Block2 response to its transfer. done is false after the
// next block was requested; otherwise body is the full, possibly empty,
// response body.
func (e *Engine) block2(peer session.Handle, mid uint16, resp, req *coap.Message, cb transaction.Callback) (body []byte, done bool, err error) {
	b, ok, err := resp.Block2()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return resp.Payload, true, nil
	}
	body, err = e.blocks.Block2(peer, mid, b, resp.Payload, e.now)
	if err != nil {
		e.config.Metrics.BlockError("block2")
		return nil, false, err
	}
	if !b.More {
		return body, true, nil
	}

	next := req.Clone()
	next.Token = nil
	next.Payload = nil
	next.RemoveOption(message.Observe)
	if err := next.SetBlock2(coap.Block{Num: b.Num + 1, Size: b.Size}); err != nil {
		e.blocks.Abort(peer, mid)
		return nil, false, err
	}
	tr, err := e.request(peer, next, nil, cb)
	if err != nil {
		e.blocks.Abort(peer, mid)
		return nil, false, err
	}
	e.blocks.SetExpectedMID(peer, mid, tr.MessageID)
	return nil, false, nil
}

// handleNotification routes an observe notification to its observation.
func (e *Engine) handleNotification(msg *coap.Message, peer session.Handle, now time.Time) bool {
	var obs *observation
	for _, o := range e.observations {
		if session.Equal(o.peer, peer) && bytes.Equal(o.token, msg.Token) {
			obs = o
			break
		}
	}
	if obs == nil {
		return false
	}
	c := e.Client(obs.clientID)
	if c == nil {
		e.dropObservation(obs)
		return false
	}

	deliver := func(resp Response) {
		if resp.Err != nil || !coap.IsSuccess(resp.Code) {
			e.dropObservation(obs)
		}
		if resp.Err == nil {
			e.hook("OnNotify", e.config.Handler.OnNotify(e.ctx, c.context(), obs.uri.String(), resp.Payload))
		}
		if obs.callback != nil {
			obs.callback(obs.clientID, obs.uri, resp)
		}
	}

	req := coap.NewRequest(message.Confirmable, codes.GET, clientPath(c, obs.uri)...)
	body, done, err := e.block2(peer, msg.MessageID, msg, req, e.responseCallback(req, deliver))
	switch {
	case err != nil:
		deliver(Response{Code: msg.Code, Err: err})
	case done:
		format, _ := msg.ContentFormat()
		deliver(Response{Code: msg.Code, Format: format, Payload: body})
	}
	e.logger.Debug("Notification received",
		slog.String("endpoint", c.Endpoint),
		slog.String("uri", obs.uri.String()))
	return true
}

func clientPath(c *Client, u uri.URI) []string {
	var segs []string
	if c.AltPath != "" {
		segs = strings.Split(strings.Trim(c.AltPath, "/"), "/")
	}
	return append(segs, u.Segments()...)
}

func operation(code codes.Code) string {
	switch code {
	case codes.GET:
		return "read"
	case codes.PUT:
		return "write"
	case codes.POST:
		return "post"
	case codes.DELETE:
		return "delete"
	default:
		return code.String()
	}
}
