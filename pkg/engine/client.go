// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
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
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Configure prepares client mode. objects must include the Security
// object; the servers it describes are registered to by Step.
func (e *Engine) Configure(endpoint, binding, altPath string, objects []Object) error {
	if e.config.Mode != ModeClient {
		return errors.New("configure", "", errors.ErrBadState)
	}
	if endpoint == "" {
		return fmt.Errorf("%w: empty endpoint name", errors.ErrInvalidInput)
	}

	sorted := make([]Object, 0, len(objects))
	for _, o := range objects {
		if o == nil {
			return fmt.Errorf("%w: nil object", errors.ErrInvalidInput)
		}
		if slices.ContainsFunc(sorted, func(x Object) bool { return x.ID() == o.ID() }) {
			return fmt.Errorf("%w: duplicate object %d", errors.ErrInvalidInput, o.ID())
		}
		sorted = append(sorted, o)
	}
	slices.SortFunc(sorted, func(a, b Object) int { return int(a.ID()) - int(b.ID()) })

	e.endpoint = endpoint
	e.binding = binding
	e.altPath = strings.TrimSuffix(altPath, "/")
	e.objects = sorted
	if e.object(SecurityObjectID) == nil {
		return fmt.Errorf("%w: security object is required", errors.ErrInvalidInput)
	}

	servers, err := e.Servers()
	if err != nil {
		return err
	}
	e.machine = registration.New(registration.Config{
		Endpoint: endpoint,
		Binding:  binding,
		Version:  e.config.Version,
		Source:   e,
		OnStatus: e.onStatus,
		Logger:   e.logger,
	}, clientRequester{e: e})
	e.machine.SetServers(servers)
	return nil
}

// Servers reads the server list from the Security and Server objects.
func (e *Engine) Servers() ([]*registration.Server, error) {
	return ServersFromObjects(e.object(SecurityObjectID), e.object(ServerObjectID), e.logger)
}

// State returns the client state.
func (e *Engine) State() registration.ClientState {
	if e.machine == nil {
		return registration.StateInitial
	}
	return e.machine.State()
}

// Server returns the registration record of the data server with shortID.
func (e *Engine) Server(shortID uint16) *registration.Server {
	if e.machine == nil {
		return nil
	}
	return e.machine.Server(shortID)
}

// UpdateRegistration requests a registration update towards the server
// with shortID, or every server when shortID is 0.
func (e *Engine) UpdateRegistration(shortID uint16, withObjects bool) error {
	if e.machine == nil {
		return errors.New("update registration", "", errors.ErrBadState)
	}
	return e.machine.Update(shortID, withObjects)
}

// Deregister deregisters from every server and stops the client.
func (e *Engine) Deregister() error {
	if e.machine == nil {
		return errors.New("deregister", "", errors.ErrBadState)
	}
	e.machine.Deregister(e.now)
	return nil
}

// ResourceValueChanged reports a value change at u. Observers of u are
// notified and registered servers receive a lightweight update.
func (e *Engine) ResourceValueChanged(u uri.URI) {
	if n := e.watchers.Changed(u); n > 0 {
		e.logger.Debug("Observed value changed",
			slog.String("uri", u.String()),
			slog.Int("watchers", n))
	}
	if e.machine != nil {
		e.machine.MarkDirty()
	}
}

// AddObject adds an object and triggers a full registration update.
func (e *Engine) AddObject(o Object) error {
	if o == nil {
		return fmt.Errorf("%w: nil object", errors.ErrInvalidInput)
	}
	if e.object(o.ID()) != nil {
		return fmt.Errorf("%w: duplicate object %d", errors.ErrInvalidInput, o.ID())
	}
	e.objects = append(e.objects, o)
	slices.SortFunc(e.objects, func(a, b Object) int { return int(a.ID()) - int(b.ID()) })
	e.objectsChanged()
	return nil
}

// RemoveObject removes an object and triggers a full registration update.
func (e *Engine) RemoveObject(id uint16) error {
	if id == SecurityObjectID || id == ServerObjectID {
		return fmt.Errorf("%w: object %d cannot be removed", errors.ErrInvalidInput, id)
	}
	i := slices.IndexFunc(e.objects, func(o Object) bool { return o.ID() == id })
	if i < 0 {
		return errors.New("remove object", "", errors.ErrNotFound)
	}
	e.objects = slices.Delete(e.objects, i, i+1)
	e.watchers.RemoveURI(uri.Object(id))
	e.objectsChanged()
	return nil
}

func (e *Engine) objectsChanged() {
	if e.machine != nil {
		e.machine.ObjectsChanged()
	}
}

func (e *Engine) object(id uint16) Object {
	for _, o := range e.objects {
		if o.ID() == id {
			return o
		}
	}
	return nil
}

// links returns the registration object list.
func (e *Engine) links() []byte {
	infos := make([]data.ObjectInfo, 0, len(e.objects))
	for _, o := range e.objects {
		info := data.ObjectInfo{ID: o.ID(), Instances: o.Instances()}
		if v, ok := o.(Versioned); ok {
			info.Version = v.Version()
		}
		infos = append(infos, info)
	}
	return data.ObjectLinks(e.altPath, infos)
}

func (e *Engine) onStatus(srv *registration.Server, from, to registration.Status) {
	e.config.Metrics.StatusChange(to.String())
	hctx := &handler.Context{
		Endpoint:   e.endpoint,
		Location:   strings.Join(srv.Location, "/"),
		RemoteAddr: srv.URI,
		Version:    e.config.Version.String(),
		Binding:    srv.Binding,
		Lifetime:   srv.Lifetime,
	}
	e.hook("OnStatus", e.config.Handler.OnStatus(e.ctx, hctx, from.String(), to.String()))

	if srv.Bootstrap || srv.Session == nil {
		return
	}
	if to == registration.StatusDeregistered || to == registration.StatusRegFailed {
		e.watchers.RemovePeer(srv.Session)
	}
}

func (e *Engine) serverByPeer(peer session.Handle) *registration.Server {
	if e.machine == nil {
		return nil
	}
	for _, s := range e.machine.Servers() {
		if s.Session != nil && session.Equal(s.Session, peer) {
			return s
		}
	}
	return nil
}

// clientRequester sends the requests of the registration machine.
type clientRequester struct {
	e *Engine
}

var _ registration.Requester = clientRequester{}

func (r clientRequester) Connect(srv *registration.Server) error {
	h, err := r.e.transport.Connect(srv.URI)
	if err != nil {
		return err
	}
	srv.Session = h
	return nil
}

func (r clientRequester) Request(srv *registration.Server, req *coap.Message, payload []byte, done registration.Done) error {
	r.Cancel(srv)
	tr, err := r.e.request(srv.Session, req, payload, func(tr *transaction.Transaction, resp *coap.Message) {
		if r.e.inflight[srv] == tr {
			delete(r.e.inflight, srv)
		}
		done(resp, r.e.now)
	})
	if err != nil {
		return err
	}
	r.e.inflight[srv] = tr
	return nil
}

func (r clientRequester) Cancel(srv *registration.Server) {
	if tr, ok := r.e.inflight[srv]; ok {
		r.e.transactions.Cancel(tr)
		delete(r.e.inflight, srv)
	}
}

func (r clientRequester) Links() []byte {
	return r.e.links()
}

func (e *Engine) handleClientRequest(req *coap.Message, peer session.Handle, now time.Time) *coap.Message {
	srv := e.serverByPeer(peer)
	if srv == nil {
		e.logger.Warn("Request from unknown server", slog.String("peer", peer.String()))
		return coap.NewResponse(req, codes.Unauthorized)
	}

	if srv.Bootstrap {
		e.machine.BootstrapActivity(now)
		if req.Code == codes.POST && slices.Equal(req.Path(), []string{"bs"}) {
			code := e.machine.BootstrapFinish(now)
			return coap.NewResponse(req, code)
		}
	}

	segs, ok := e.stripAltPath(req.Path())
	if !ok {
		return coap.NewResponse(req, codes.NotFound)
	}
	u, err := e.parseURI(segs)
	if err != nil {
		return coap.NewResponse(req, codes.BadRequest)
	}
	if srv.Bootstrap {
		return e.handleBootstrapOp(req, u)
	}
	return e.handleDM(req, srv, u, peer, now)
}

func (e *Engine) stripAltPath(segs []string) ([]string, bool) {
	if e.altPath == "" {
		return segs, true
	}
	prefix := strings.Split(strings.TrimPrefix(e.altPath, "/"), "/")
	if len(segs) < len(prefix) || !slices.Equal(segs[:len(prefix)], prefix) {
		return nil, false
	}
	return segs[len(prefix):], true
}

func (e *Engine) handleDM(req *coap.Message, srv *registration.Server, u uri.URI, peer session.Handle, now time.Time) *coap.Message {
	if u.HasObject() && u.ObjectID == SecurityObjectID {
		return coap.NewResponse(req, codes.Unauthorized)
	}

	switch req.Code {
	case codes.GET:
		if accept, ok := req.Uint(message.Accept); ok && message.MediaType(accept) == coap.FormatLink {
			return e.discover(req, u)
		}
		if obs, ok := req.Observe(); ok {
			switch obs {
			case 0:
				return e.observe(req, u, peer, now)
			case 1:
				e.watchers.Remove(peer, req.Token)
			}
		}
		return e.read(req, u)

	case codes.PUT:
		if _, hasFormat := req.ContentFormat(); !hasFormat && len(req.Payload) == 0 && len(req.Queries()) > 0 {
			return e.writeAttributes(req, u)
		}
		return e.write(req, u, true)

	case codes.POST:
		switch u.Depth() {
		case uri.DepthObject:
			return e.create(req, u)
		case uri.DepthInstance:
			return e.write(req, u, false)
		case uri.DepthResource:
			return e.execute(req, srv, u)
		}

	case codes.DELETE:
		return e.deleteInstance(req, u)
	}
	return coap.NewResponse(req, codes.MethodNotAllowed)
}

// readURI collects the records addressed by u.
func (e *Engine) readURI(u uri.URI) ([]data.Data, codes.Code) {
	if !u.HasObject() {
		return nil, codes.MethodNotAllowed
	}
	obj := e.object(u.ObjectID)
	if obj == nil {
		return nil, codes.NotFound
	}
	if !u.HasInstance() {
		if u.HasResource() {
			return nil, codes.BadRequest
		}
		var out []data.Data
		for _, inst := range obj.Instances() {
			recs, code := obj.Read(inst, nil)
			if code != codes.Content {
				return nil, code
			}
			out = append(out, data.Data{ID: inst, Value: data.Children(recs)})
		}
		return out, codes.Content
	}
	if !slices.Contains(obj.Instances(), u.InstanceID) {
		return nil, codes.NotFound
	}
	if !u.HasResource() {
		return obj.Read(u.InstanceID, nil)
	}

	recs, code := obj.Read(u.InstanceID, []uint16{u.ResourceID})
	if code != codes.Content || !u.HasResourceInstance() {
		return recs, code
	}
	if len(recs) != 1 {
		return nil, codes.NotFound
	}
	children, ok := recs[0].Value.(data.Children)
	if !ok {
		return nil, codes.NotFound
	}
	d, ok := children.Find(u.ResourceInstanceID)
	if !ok {
		return nil, codes.NotFound
	}
	return []data.Data{d}, codes.Content
}

// encode serializes records for a response to req.
func (e *Engine) encode(req *coap.Message, u uri.URI, records []data.Data) (message.MediaType, []byte, codes.Code) {
	accept, hasAccept := req.Uint(message.Accept)
	format, err := e.config.Codecs.Pick(u, records, message.MediaType(accept), hasAccept)
	if err != nil {
		return 0, nil, codes.NotAcceptable
	}
	payload, err := e.config.Codecs.Encode(format, u, records)
	if err != nil {
		if errors.Is(err, errors.ErrUnsupportedFormat) {
			return 0, nil, codes.NotAcceptable
		}
		e.logger.Warn("Failed to encode resource",
			slog.String("uri", u.String()),
			slog.String("error", err.Error()))
		return 0, nil, codes.InternalServerError
	}
	return format, payload, codes.Content
}

func (e *Engine) read(req *coap.Message, u uri.URI) *coap.Message {
	records, code := e.readURI(u)
	if code != codes.Content {
		return coap.NewResponse(req, code)
	}
	format, payload, code := e.encode(req, u, records)
	resp := coap.NewResponse(req, code)
	if code == codes.Content {
		resp.SetContentFormat(format)
		resp.Payload = payload
	}
	return resp
}

func (e *Engine) observe(req *coap.Message, u uri.URI, peer session.Handle, now time.Time) *coap.Message {
	records, code := e.readURI(u)
	if code != codes.Content {
		return coap.NewResponse(req, code)
	}
	format, payload, code := e.encode(req, u, records)
	if code != codes.Content {
		return coap.NewResponse(req, code)
	}

	w := e.watchers.Add(peer, req.Token, u, format, now)
	value, hasValue := numericValue(u, records)
	counter := w.NextCounter()
	e.watchers.Notified(w, req.MessageID, value, hasValue, now)

	resp := coap.NewResponse(req, codes.Content)
	resp.SetUint(message.Observe, counter)
	resp.SetContentFormat(format)
	resp.Payload = payload
	return resp
}

func (e *Engine) discover(req *coap.Message, u uri.URI) *coap.Message {
	if !u.HasObject() || u.HasResourceInstance() {
		return coap.NewResponse(req, codes.MethodNotAllowed)
	}
	obj := e.object(u.ObjectID)
	if obj == nil {
		return coap.NewResponse(req, codes.NotFound)
	}

	var links []data.Link
	add := func(target uri.URI, extra ...data.Attr) {
		l := data.Link{Target: target.String(), Attrs: extra}
		for _, q := range e.watchers.Own(target).Query() {
			k, v, _ := strings.Cut(q, "=")
			l.Attrs = append(l.Attrs, data.Attr{Key: k, Value: v})
		}
		links = append(links, l)
	}
	addInstance := func(inst uint16, only uint16) codes.Code {
		res, code := obj.Discover(inst)
		if code != codes.Content {
			return code
		}
		if only != uri.Unset {
			if !slices.Contains(res, only) {
				return codes.NotFound
			}
			add(uri.Resource(u.ObjectID, inst, only))
			return codes.Content
		}
		add(uri.Instance(u.ObjectID, inst))
		for _, r := range res {
			add(uri.Resource(u.ObjectID, inst, r))
		}
		return codes.Content
	}

	switch u.Depth() {
	case uri.DepthObject:
		var ver []data.Attr
		if v, ok := obj.(Versioned); ok && v.Version() != "" {
			ver = append(ver, data.Attr{Key: "ver", Value: v.Version()})
		}
		add(u, ver...)
		for _, inst := range obj.Instances() {
			if code := addInstance(inst, uri.Unset); code != codes.Content {
				return coap.NewResponse(req, code)
			}
		}
	case uri.DepthInstance:
		if code := addInstance(u.InstanceID, uri.Unset); code != codes.Content {
			return coap.NewResponse(req, code)
		}
	default:
		if !u.HasInstance() {
			return coap.NewResponse(req, codes.BadRequest)
		}
		if code := addInstance(u.InstanceID, u.ResourceID); code != codes.Content {
			return coap.NewResponse(req, code)
		}
	}

	resp := coap.NewResponse(req, codes.Content)
	resp.SetContentFormat(coap.FormatLink)
	resp.Payload = data.FormatLinks(links)
	return resp
}

// decode parses the request payload for u.
func (e *Engine) decode(req *coap.Message, u uri.URI) ([]data.Data, codes.Code) {
	if len(req.Payload) == 0 {
		return nil, codes.Empty
	}
	format, ok := req.ContentFormat()
	if !ok {
		return nil, codes.BadRequest
	}
	records, err := e.config.Codecs.Decode(format, u, req.Payload)
	if err != nil {
		if errors.Is(err, errors.ErrUnsupportedFormat) {
			return nil, codes.UnsupportedMediaType
		}
		return nil, codes.BadRequest
	}
	return records, codes.Empty
}

func (e *Engine) write(req *coap.Message, u uri.URI, replace bool) *coap.Message {
	if !u.HasInstance() {
		return coap.NewResponse(req, codes.MethodNotAllowed)
	}
	obj := e.object(u.ObjectID)
	if obj == nil || !slices.Contains(obj.Instances(), u.InstanceID) {
		return coap.NewResponse(req, codes.NotFound)
	}
	if len(req.Payload) == 0 {
		return coap.NewResponse(req, codes.BadRequest)
	}
	records, code := e.decode(req, u)
	if code != codes.Empty {
		return coap.NewResponse(req, code)
	}

	if u.HasResourceInstance() {
		recs, code := obj.Read(u.InstanceID, []uint16{u.ResourceID})
		if code != codes.Content || len(recs) != 1 {
			return coap.NewResponse(req, codes.NotFound)
		}
		children, _ := recs[0].Value.(data.Children)
		children = slices.Clone(children)
		for _, d := range records {
			children = upsert(children, d)
		}
		records = []data.Data{{ID: u.ResourceID, Value: children}}
	}

	code = obj.Write(u.InstanceID, records, replace && !u.HasResource())
	if code == codes.Changed {
		if u.ObjectID == ServerObjectID {
			e.syncServerInstance(u.InstanceID)
		}
		e.ResourceValueChanged(u)
	}
	return coap.NewResponse(req, code)
}

func (e *Engine) writeAttributes(req *coap.Message, u uri.URI) *coap.Message {
	if !u.HasObject() {
		return coap.NewResponse(req, codes.MethodNotAllowed)
	}
	if _, code := e.readURI(u); code != codes.Content {
		return coap.NewResponse(req, code)
	}
	attrs, clear, err := observe.ParseAttributes(req.Queries())
	if err != nil {
		return coap.NewResponse(req, codes.BadRequest)
	}
	if err := e.watchers.SetAttributes(u, attrs, clear); err != nil {
		e.logger.Debug("Write-Attributes rejected",
			slog.String("uri", u.String()),
			slog.String("error", err.Error()))
		return coap.NewResponse(req, codes.BadRequest)
	}
	return coap.NewResponse(req, codes.Changed)
}

func (e *Engine) create(req *coap.Message, u uri.URI) *coap.Message {
	obj := e.object(u.ObjectID)
	if obj == nil {
		return coap.NewResponse(req, codes.NotFound)
	}
	records, code := e.decode(req, u)
	if code != codes.Empty {
		return coap.NewResponse(req, code)
	}

	inst, ok := lowestUnused(obj.Instances())
	if len(records) == 1 {
		if c, isInst := records[0].Value.(data.Children); isInst {
			inst, ok, records = records[0].ID, true, c
		}
	}
	if !ok {
		return coap.NewResponse(req, codes.InternalServerError)
	}
	if slices.Contains(obj.Instances(), inst) {
		return coap.NewResponse(req, codes.BadRequest)
	}

	code = obj.Create(inst, records)
	resp := coap.NewResponse(req, code)
	if code == codes.Created {
		for _, seg := range uri.Instance(u.ObjectID, inst).Segments() {
			resp.AddString(message.LocationPath, seg)
		}
		e.objectsChanged()
	}
	return resp
}

func (e *Engine) execute(req *coap.Message, srv *registration.Server, u uri.URI) *coap.Message {
	if u.ObjectID == ServerObjectID && u.ResourceID == serverUpdateTrigger {
		shortID, ok := e.serverShortID(u.InstanceID)
		if !ok {
			return coap.NewResponse(req, codes.NotFound)
		}
		if err := e.machine.Update(shortID, false); err != nil {
			return coap.NewResponse(req, responseError(err))
		}
		return coap.NewResponse(req, codes.Changed)
	}

	obj := e.object(u.ObjectID)
	if obj == nil || !slices.Contains(obj.Instances(), u.InstanceID) {
		return coap.NewResponse(req, codes.NotFound)
	}
	e.logger.Info("Execute",
		slog.String("uri", u.String()),
		slog.Int("short_id", int(srv.ShortID)))
	return coap.NewResponse(req, obj.Execute(u.InstanceID, u.ResourceID, req.Payload))
}

func (e *Engine) deleteInstance(req *coap.Message, u uri.URI) *coap.Message {
	if u.Depth() != uri.DepthInstance {
		return coap.NewResponse(req, codes.MethodNotAllowed)
	}
	obj := e.object(u.ObjectID)
	if obj == nil {
		return coap.NewResponse(req, codes.NotFound)
	}
	code := obj.Delete(u.InstanceID)
	if code == codes.Deleted {
		e.watchers.RemoveURI(u)
		e.objectsChanged()
	}
	return coap.NewResponse(req, code)
}

// serverShortID returns the short server ID held by a Server instance.
func (e *Engine) serverShortID(inst uint16) (uint16, bool) {
	obj := e.object(ServerObjectID)
	if obj == nil {
		return 0, false
	}
	recs, code := obj.Read(inst, []uint16{serverShortID})
	if code != codes.Content || len(recs) != 1 {
		return 0, false
	}
	id, err := data.AsInt(recs[0].Value)
	if err != nil || id < 1 || id > 65534 {
		return 0, false
	}
	return uint16(id), true
}

// syncServerInstance copies a written Server instance into the
// registration record of its server.
func (e *Engine) syncServerInstance(inst uint16) {
	shortID, ok := e.serverShortID(inst)
	if !ok || e.machine == nil {
		return
	}
	srv := e.machine.Server(shortID)
	if srv == nil {
		return
	}
	recs, code := e.object(ServerObjectID).Read(inst, nil)
	if code != codes.Content {
		return
	}
	if err := applyServerResources(srv, data.Children(recs)); err != nil {
		e.logger.Warn("Invalid server instance",
			slog.Int("instance", int(inst)),
			slog.String("error", err.Error()))
	}
}

// notify sends the notifications due at now and returns when the next one
// is due.
func (e *Engine) notify(now time.Time) time.Time {
	due := e.watchers.Due(now, func(w *observe.Watcher) (float64, bool) {
		recs, code := e.readURI(w.URI)
		if code != codes.Content {
			return 0, false
		}
		return numericValue(w.URI, recs)
	})
	for _, w := range due {
		e.sendNotification(w, now)
	}
	return e.watchers.Next(now)
}

func (e *Engine) sendNotification(w *observe.Watcher, now time.Time) {
	peer, token := w.Peer, w.Token
	records, code := e.readURI(w.URI)

	msg := &coap.Message{Type: message.Confirmable, Code: code, Token: token}
	var payload []byte
	if code == codes.Content {
		var err error
		payload, err = e.config.Codecs.Encode(w.Format, w.URI, records)
		if err != nil {
			msg.Code = codes.InternalServerError
		}
	}
	if msg.Code == codes.Content {
		msg.SetUint(message.Observe, w.NextCounter())
		msg.SetContentFormat(w.Format)
		if len(payload) > e.config.BlockSize {
			e.blocks.Store(peer, e.altPath+w.URI.String(), payload, w.Format, now)
			if err := msg.SetBlock2(coap.Block{Num: 0, More: true, Size: e.config.BlockSize}); err != nil {
				msg.Code = codes.InternalServerError
			}
			payload = payload[:e.config.BlockSize]
		}
	}
	if msg.Code != codes.Content {
		// An error response ends the observation.
		e.watchers.Remove(peer, token)
		payload = nil
	}
	msg.Payload = payload

	tr, err := e.transactions.Create(peer, msg, func(tr *transaction.Transaction, resp *coap.Message) {
		if resp == nil || resp.Type == message.Reset {
			e.watchers.Remove(peer, token)
			return
		}
		w.InFlight = false
	})
	if err != nil {
		e.logger.Warn("Failed to create notification",
			slog.String("uri", w.URI.String()),
			slog.String("error", err.Error()))
		return
	}
	if err := e.transactions.Send(tr, now); err != nil {
		e.logger.Warn("Failed to send notification",
			slog.String("uri", w.URI.String()),
			slog.String("error", err.Error()))
		return
	}

	value, hasValue := numericValue(w.URI, records)
	e.watchers.Notified(w, tr.MessageID, value, hasValue, now)
	w.InFlight = true
	e.logger.Debug("Notification sent",
		slog.String("uri", w.URI.String()),
		slog.String("peer", peer.String()),
		slog.Int("counter", int(w.Counter)))
}

func numericValue(u uri.URI, records []data.Data) (float64, bool) {
	if !u.HasResource() || len(records) != 1 {
		return 0, false
	}
	return data.Numeric(records[0].Value)
}

// handleBootstrapOp runs a Bootstrap-Write, Delete, Discover or Read
// received from the bootstrap server.
func (e *Engine) handleBootstrapOp(req *coap.Message, u uri.URI) *coap.Message {
	switch req.Code {
	case codes.PUT:
		return e.bootstrapWrite(req, u)
	case codes.DELETE:
		return coap.NewResponse(req, e.bootstrapDelete(u))
	case codes.GET:
		if accept, ok := req.Uint(message.Accept); ok && message.MediaType(accept) != coap.FormatLink {
			if u.HasObject() && u.ObjectID == ServerObjectID {
				return e.read(req, u)
			}
			return coap.NewResponse(req, codes.MethodNotAllowed)
		}
		return e.bootstrapDiscover(req, u)
	}
	return coap.NewResponse(req, codes.MethodNotAllowed)
}

func (e *Engine) bootstrapWrite(req *coap.Message, u uri.URI) *coap.Message {
	if !u.HasObject() {
		return coap.NewResponse(req, codes.BadRequest)
	}
	obj := e.object(u.ObjectID)
	if obj == nil {
		return coap.NewResponse(req, codes.NotFound)
	}
	records, code := e.decode(req, u)
	if code != codes.Empty {
		return coap.NewResponse(req, code)
	}

	put := func(inst uint16, recs []data.Data, replace bool) codes.Code {
		if !slices.Contains(obj.Instances(), inst) {
			if c := obj.Create(inst, recs); c != codes.Created {
				return c
			}
			return codes.Changed
		}
		return obj.Write(inst, recs, replace)
	}

	switch {
	case !u.HasInstance():
		for _, d := range records {
			c, ok := d.Value.(data.Children)
			if !ok {
				return coap.NewResponse(req, codes.BadRequest)
			}
			if code := put(d.ID, c, true); code != codes.Changed {
				return coap.NewResponse(req, code)
			}
		}
		code = codes.Changed
	case u.HasResourceInstance():
		return coap.NewResponse(req, codes.MethodNotAllowed)
	default:
		code = put(u.InstanceID, records, !u.HasResource())
	}
	return coap.NewResponse(req, code)
}

func (e *Engine) bootstrapDelete(u uri.URI) codes.Code {
	if u.HasResource() {
		return codes.BadRequest
	}
	for _, obj := range e.objects {
		if u.HasObject() && obj.ID() != u.ObjectID {
			continue
		}
		if !u.HasObject() && obj.ID() == DeviceObjectID {
			continue
		}
		for _, inst := range obj.Instances() {
			if u.HasInstance() && inst != u.InstanceID {
				continue
			}
			if obj.ID() == SecurityObjectID && e.isBootstrapSecurity(inst) {
				if u.HasInstance() {
					return codes.BadRequest
				}
				continue
			}
			if code := obj.Delete(inst); code != codes.Deleted {
				return code
			}
		}
	}
	if u.HasObject() && e.object(u.ObjectID) == nil {
		return codes.NotFound
	}
	return codes.Deleted
}

func (e *Engine) isBootstrapSecurity(inst uint16) bool {
	recs, code := e.object(SecurityObjectID).Read(inst, []uint16{securityBootstrap})
	if code != codes.Content || len(recs) != 1 {
		return false
	}
	bs, err := data.AsBool(recs[0].Value)
	return err == nil && bs
}

func (e *Engine) bootstrapDiscover(req *coap.Message, u uri.URI) *coap.Message {
	if u.HasInstance() {
		return coap.NewResponse(req, codes.BadRequest)
	}

	var links []data.Link
	if !u.HasObject() && e.config.Version == registration.Version11 {
		links = append(links, data.Link{Target: "/", Attrs: []data.Attr{{Key: "lwm2m", Value: "1.1"}}})
	}
	found := false
	for _, obj := range e.objects {
		if u.HasObject() && obj.ID() != u.ObjectID {
			continue
		}
		found = true
		insts := obj.Instances()
		if v, ok := obj.(Versioned); (ok && v.Version() != "") || len(insts) == 0 {
			l := data.Link{Target: uri.Object(obj.ID()).String()}
			if ok && v.Version() != "" {
				l.Attrs = []data.Attr{{Key: "ver", Value: v.Version()}}
			}
			links = append(links, l)
		}
		for _, inst := range insts {
			l := data.Link{Target: uri.Instance(obj.ID(), inst).String()}
			l.Attrs = e.bootstrapAttrs(obj, inst)
			links = append(links, l)
		}
	}
	if !found {
		return coap.NewResponse(req, codes.NotFound)
	}

	resp := coap.NewResponse(req, codes.Content)
	resp.SetContentFormat(coap.FormatLink)
	resp.Payload = data.FormatLinks(links)
	return resp
}

// bootstrapAttrs returns the ssid and uri attributes of Security and
// Server instances.
func (e *Engine) bootstrapAttrs(obj Object, inst uint16) []data.Attr {
	var attrs []data.Attr
	switch obj.ID() {
	case SecurityObjectID:
		recs, code := obj.Read(inst, nil)
		if code != codes.Content {
			return nil
		}
		res := data.Children(recs)
		if bs, _ := boolRes(res, securityBootstrap, false); !bs {
			if id, err := intRes(res, securityShortID, -1); err == nil && id >= 0 {
				attrs = append(attrs, data.Attr{Key: "ssid", Value: strconv.FormatInt(id, 10)})
			}
		}
		if e.config.Version == registration.Version11 {
			if s, err := stringRes(res, securityURI); err == nil {
				attrs = append(attrs, data.Attr{Key: "uri", Value: s})
			}
		}
	case ServerObjectID:
		if id, ok := e.serverShortID(inst); ok {
			attrs = append(attrs, data.Attr{Key: "ssid", Value: strconv.Itoa(int(id))})
		}
	}
	return attrs
}
