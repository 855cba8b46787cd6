// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/absmach/lwm2m/pkg/coap"
	"github.com/absmach/lwm2m/pkg/observe"
	"github.com/absmach/lwm2m/pkg/session"
	"github.com/absmach/lwm2m/pkg/uri"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

var devicePeer = session.Name("device")

func registerRequest(mid uint16, queries ...string) *coap.Message {
	req := request(codes.POST, mid, "rd")
	for _, q := range queries {
		req.AddQuery(q)
	}
	req.SetContentFormat(coap.FormatLink)
	req.Payload = []byte("</1/0>,</3/0>")
	return req
}

func registerClient(t *testing.T, e *Engine, ft *fakeTransport) *Client {
	t.Helper()
	e.HandlePacket(encode(t, registerRequest(1, "ep=node-1", "lt=60", "lwm2m=1.1", "b=U")), devicePeer, t0)
	resp := ft.last(t).msg
	if resp.Code != codes.Created {
		t.Fatalf("register code = %v", resp.Code)
	}
	c := e.ClientByEndpoint("node-1")
	if c == nil {
		t.Fatal("client not stored")
	}
	return c
}

type results struct {
	calls []Response
}

func (r *results) callback(clientID uint16, u uri.URI, resp Response) {
	r.calls = append(r.calls, resp)
}

func (r *results) last(t *testing.T) Response {
	t.Helper()
	if len(r.calls) == 0 {
		t.Fatal("callback not called")
	}
	return r.calls[len(r.calls)-1]
}

func TestServerRegister(t *testing.T) {
	ft := &fakeTransport{}
	h := &recordingHandler{}
	e := newEngine(ModeServer, ft, h)

	c := registerClient(t, e, ft)
	resp := ft.last(t).msg
	if loc := resp.LocationPath(); !slices.Equal(loc, []string{"rd", "0"}) {
		t.Errorf("location = %v", loc)
	}
	if c.Lifetime != 60*time.Second || c.Version != "1.1" || c.Binding != "U" {
		t.Errorf("client = %+v", c)
	}
	if !slices.Equal(h.registered, []string{"/1/0", "/3/0"}) {
		t.Errorf("OnRegister objects = %v", h.registered)
	}
	if c.SessionID == "" {
		t.Error("session ID not assigned")
	}

	// Registering the same endpoint again replaces the client.
	e.HandlePacket(encode(t, registerRequest(2, "ep=node-1")), devicePeer, t0)
	if n := len(e.Clients()); n != 1 {
		t.Errorf("clients = %d, want 1", n)
	}
	if c := e.ClientByEndpoint("node-1"); c.Version != "1.0" || c.Lifetime != 86400*time.Second {
		t.Errorf("re-registered client = %+v", c)
	}
}

func TestServerRegisterErrors(t *testing.T) {
	cases := []struct {
		desc    string
		req     *coap.Message
		authErr error
		code    codes.Code
	}{
		{desc: "missing endpoint", req: registerRequest(1, "lt=60"), code: codes.BadRequest},
		{desc: "unsupported version", req: registerRequest(1, "ep=a", "lwm2m=2.0"), code: codes.PreconditionFailed},
		{desc: "invalid lifetime", req: registerRequest(1, "ep=a", "lt=abc"), code: codes.BadRequest},
		{desc: "zero lifetime", req: registerRequest(1, "ep=a", "lt=0"), code: codes.BadRequest},
		{desc: "rejected", req: registerRequest(1, "ep=a"), authErr: errors.New("unknown"), code: codes.Forbidden},
		{
			desc: "wrong content format",
			req: func() *coap.Message {
				r := registerRequest(1, "ep=a")
				r.SetContentFormat(coap.FormatText)
				return r
			}(),
			code: codes.UnsupportedMediaType,
		},
		{desc: "wrong method", req: request(codes.GET, 1, "rd"), code: codes.MethodNotAllowed},
		{desc: "unknown path", req: request(codes.POST, 1, "bs"), code: codes.NotFound},
		{desc: "unknown location", req: request(codes.POST, 1, "rd", "9"), code: codes.NotFound},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			ft := &fakeTransport{}
			e := newEngine(ModeServer, ft, &recordingHandler{registerErr: c.authErr})
			e.HandlePacket(encode(t, c.req), devicePeer, t0)
			if got := ft.last(t).msg.Code; got != c.code {
				t.Errorf("code = %v, want %v", got, c.code)
			}
			if len(e.Clients()) != 0 {
				t.Errorf("client stored after failed registration")
			}
		})
	}
}

func TestServerUpdateAndDeregister(t *testing.T) {
	ft := &fakeTransport{}
	h := &recordingHandler{}
	e := newEngine(ModeServer, ft, h)
	registerClient(t, e, ft)

	upd := request(codes.POST, 10, "rd", "0")
	upd.AddQuery("lt=120")
	moved := session.Name("device-2")
	at := t0.Add(30 * time.Second)
	e.HandlePacket(encode(t, upd), moved, at)
	if got := ft.last(t).msg.Code; got != codes.Changed {
		t.Fatalf("update code = %v", got)
	}
	c := e.Client(0)
	if c.Lifetime != 120*time.Second || !c.UpdatedAt.Equal(at) || !session.Equal(c.Peer, moved) {
		t.Errorf("updated client = %+v", c)
	}
	if !c.Expires().Equal(at.Add(120 * time.Second)) {
		t.Errorf("expires = %v", c.Expires())
	}
	if h.updated != 1 {
		t.Errorf("OnUpdate calls = %d", h.updated)
	}

	e.HandlePacket(encode(t, request(codes.DELETE, 11, "rd", "0")), moved, at)
	if got := ft.last(t).msg.Code; got != codes.Deleted {
		t.Fatalf("deregister code = %v", got)
	}
	if len(e.Clients()) != 0 || h.deregisters != 1 {
		t.Errorf("clients = %d, deregisters = %d", len(e.Clients()), h.deregisters)
	}
}

func TestServerExpiry(t *testing.T) {
	ft := &fakeTransport{}
	h := &recordingHandler{}
	e := newEngine(ModeServer, ft, h)
	registerClient(t, e, ft)

	if _, err := e.Step(t0.Add(59 * time.Second)); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(e.Clients()) != 1 {
		t.Fatal("client expired early")
	}
	if _, err := e.Step(t0.Add(60 * time.Second)); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(e.Clients()) != 0 || h.deregisters != 1 {
		t.Errorf("clients = %d, deregisters = %d", len(e.Clients()), h.deregisters)
	}
}

func TestServerRead(t *testing.T) {
	ft := &fakeTransport{}
	e := newEngine(ModeServer, ft, nil)
	registerClient(t, e, ft)

	res := &results{}
	if err := e.Read(0, uri.Resource(3, 0, 0), res.callback); err != nil {
		t.Fatalf("Read: %v", err)
	}
	req := ft.last(t)
	if !session.Equal(req.peer, devicePeer) || req.msg.Code != codes.GET || req.msg.PathString() != "/3/0/0" {
		t.Fatalf("read request = %s", req.msg)
	}

	resp := coap.NewResponse(req.msg, codes.Content)
	resp.SetContentFormat(coap.FormatText)
	resp.Payload = []byte("Acme")
	e.HandlePacket(encode(t, resp), devicePeer, t0)

	got := res.last(t)
	if got.Err != nil || got.Code != codes.Content || string(got.Payload) != "Acme" || got.Format != coap.FormatText {
		t.Errorf("response = %+v", got)
	}

	if err := e.Read(7, uri.Object(3), nil); err == nil {
		t.Error("Read of an unknown client succeeded")
	}
}

func TestServerReadBlock2(t *testing.T) {
	ft := &fakeTransport{}
	e := newEngine(ModeServer, ft, nil)
	registerClient(t, e, ft)

	res := &results{}
	if err := e.Read(0, uri.Resource(5, 0, 0), res.callback); err != nil {
		t.Fatalf("Read: %v", err)
	}
	first := ft.last(t).msg
	resp := coap.NewResponse(first, codes.Content)
	resp.SetContentFormat(coap.FormatOpaque)
	if err := resp.SetBlock2(coap.Block{Num: 0, More: true, Size: 16}); err != nil {
		t.Fatalf("SetBlock2: %v", err)
	}
	resp.Payload = []byte("0123456789abcdef")
	e.HandlePacket(encode(t, resp), devicePeer, t0)
	if len(res.calls) != 0 {
		t.Fatal("callback called before the last block")
	}

	second := ft.last(t).msg
	b, ok, err := second.Block2()
	if err != nil || !ok || b.Num != 1 || b.Size != 16 {
		t.Fatalf("second request Block2 = %+v, %v, %v", b, ok, err)
	}
	if second.MessageID == first.MessageID || second.PathString() != "/5/0/0" {
		t.Errorf("second request = %s", second)
	}

	resp = coap.NewResponse(second, codes.Content)
	resp.SetContentFormat(coap.FormatOpaque)
	if err := resp.SetBlock2(coap.Block{Num: 1, More: false, Size: 16}); err != nil {
		t.Fatalf("SetBlock2: %v", err)
	}
	resp.Payload = []byte("xyz")
	e.HandlePacket(encode(t, resp), devicePeer, t0)

	got := res.last(t)
	if got.Err != nil || string(got.Payload) != "0123456789abcdefxyz" {
		t.Errorf("response = %+v", got)
	}
}

func TestServerRequestTimeout(t *testing.T) {
	ft := &fakeTransport{}
	e := newEngine(ModeServer, ft, nil)
	registerClient(t, e, ft)

	res := &results{}
	if err := e.Execute(0, uri.Resource(3, 0, 4), nil, res.callback); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	now := t0
	for i := 0; i < 20 && len(res.calls) == 0; i++ {
		next, err := e.Step(now)
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if next.IsZero() {
			break
		}
		now = next
	}
	if got := res.last(t); got.Err == nil {
		t.Errorf("response = %+v, want timeout", got)
	}
}

func TestServerDMRequests(t *testing.T) {
	cases := []struct {
		desc   string
		call   func(e *Engine, cb ResultFunc) error
		code   codes.Code
		path   string
		query  []string
		format message.MediaType
		result codes.Code
	}{
		{
			desc: "discover",
			call: func(e *Engine, cb ResultFunc) error {
				return e.Discover(0, uri.Instance(3, 0), cb)
			},
			code:   codes.GET,
			path:   "/3/0",
			result: codes.Content,
		},
		{
			desc: "replace",
			call: func(e *Engine, cb ResultFunc) error {
				return e.Write(0, uri.Resource(5, 0, 0), coap.FormatOpaque, []byte{1, 2}, true, cb)
			},
			code:   codes.PUT,
			path:   "/5/0/0",
			format: coap.FormatOpaque,
			result: codes.Changed,
		},
		{
			desc: "partial update",
			call: func(e *Engine, cb ResultFunc) error {
				return e.Write(0, uri.Instance(1, 0), coap.FormatTLV, []byte{0xC1, 1, 60}, false, cb)
			},
			code:   codes.POST,
			path:   "/1/0",
			format: coap.FormatTLV,
			result: codes.Changed,
		},
		{
			desc: "write attributes",
			call: func(e *Engine, cb ResultFunc) error {
				return e.WriteAttributes(0, uri.Resource(3, 0, 9), observe.Attributes{
					MinPeriod: 10 * time.Second,
					Set:       observe.FlagMinPeriod,
				}, []string{"gt"}, cb)
			},
			code:   codes.PUT,
			path:   "/3/0/9",
			query:  []string{"pmin=10", "gt"},
			result: codes.Changed,
		},
		{
			desc: "execute",
			call: func(e *Engine, cb ResultFunc) error {
				return e.Execute(0, uri.Resource(3, 0, 4), []byte("0"), cb)
			},
			code:   codes.POST,
			path:   "/3/0/4",
			result: codes.Changed,
		},
		{
			desc: "execute rejected",
			call: func(e *Engine, cb ResultFunc) error {
				return e.Execute(0, uri.Resource(3, 0, 0), nil, cb)
			},
			code:   codes.POST,
			path:   "/3/0/0",
			result: codes.MethodNotAllowed,
		},
		{
			desc: "create",
			call: func(e *Engine, cb ResultFunc) error {
				return e.Create(0, uri.Object(9), coap.FormatTLV, nil, cb)
			},
			code:   codes.POST,
			path:   "/9",
			result: codes.Created,
		},
		{
			desc: "delete",
			call: func(e *Engine, cb ResultFunc) error {
				return e.Delete(0, uri.Instance(9, 1), cb)
			},
			code:   codes.DELETE,
			path:   "/9/1",
			result: codes.Deleted,
		},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			ft := &fakeTransport{}
			e := newEngine(ModeServer, ft, nil)
			registerClient(t, e, ft)

			res := &results{}
			if err := c.call(e, res.callback); err != nil {
				t.Fatalf("request failed: %v", err)
			}
			req := ft.last(t).msg
			if req.Code != c.code || req.PathString() != c.path {
				t.Errorf("request = %s", req)
			}
			if c.query != nil && !slices.Equal(req.Queries(), c.query) {
				t.Errorf("queries = %v, want %v", req.Queries(), c.query)
			}
			if c.format != 0 {
				if f, _ := req.ContentFormat(); f != c.format {
					t.Errorf("content format = %d, want %d", f, c.format)
				}
			}

			// Piggybacked response without payload.
			e.HandlePacket(encode(t, coap.NewResponse(req, c.result)), devicePeer, t0)
			if len(res.calls) != 1 {
				t.Fatalf("callback called %d times, want 1", len(res.calls))
			}
			if got := res.calls[0]; got.Err != nil || got.Code != c.result || len(got.Payload) != 0 {
				t.Errorf("result = %+v, want code %s", got, c.result)
			}
		})
	}
}

func TestServerDMArguments(t *testing.T) {
	ft := &fakeTransport{}
	e := newEngine(ModeServer, ft, nil)
	registerClient(t, e, ft)

	if err := e.Execute(0, uri.Instance(3, 0), nil, nil); err == nil {
		t.Error("Execute on an instance succeeded")
	}
	if err := e.Create(0, uri.Instance(3, 0), coap.FormatTLV, nil, nil); err == nil {
		t.Error("Create on an instance succeeded")
	}
	if err := e.Delete(0, uri.Object(3), nil); err == nil {
		t.Error("Delete of an object succeeded")
	}
	if err := e.WriteAttributes(0, uri.Object(3), observe.Attributes{}, nil, nil); err == nil {
		t.Error("empty Write-Attributes succeeded")
	}

	client := newEngine(ModeClient, ft, nil)
	if err := client.Read(0, uri.Object(3), nil); err == nil {
		t.Error("Read in client mode succeeded")
	}
}

func TestServerAltPath(t *testing.T) {
	ft := &fakeTransport{}
	e := newEngine(ModeServer, ft, nil)

	req := request(codes.POST, 1, "rd")
	req.AddQuery("ep=node-1")
	req.SetContentFormat(coap.FormatLink)
	req.Payload = []byte(`</lwm2m>;rt="oma.lwm2m",</lwm2m/3/0>`)
	e.HandlePacket(encode(t, req), devicePeer, t0)
	c := e.ClientByEndpoint("node-1")
	if c == nil || c.AltPath != "/lwm2m" {
		t.Fatalf("client = %+v", c)
	}

	if err := e.Read(c.ID, uri.Resource(3, 0, 0), nil); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := ft.last(t).msg.PathString(); got != "/lwm2m/3/0/0" {
		t.Errorf("path = %s", got)
	}
}

func TestServerObserve(t *testing.T) {
	ft := &fakeTransport{}
	h := &recordingHandler{}
	e := newEngine(ModeServer, ft, h)
	registerClient(t, e, ft)

	res := &results{}
	u := uri.Resource(3, 0, 9)
	if err := e.Observe(0, u, res.callback); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if err := e.Observe(0, u, res.callback); err == nil {
		t.Error("second Observe of the same URI succeeded")
	}
	req := ft.last(t).msg
	if obs, ok := req.Observe(); !ok || obs != 0 {
		t.Fatalf("observe request = %s", req)
	}

	resp := coap.NewResponse(req, codes.Content)
	resp.SetUint(message.Observe, 1)
	resp.Payload = []byte("80")
	e.HandlePacket(encode(t, resp), devicePeer, t0)
	if got := res.last(t); string(got.Payload) != "80" {
		t.Fatalf("initial response = %+v", got)
	}

	n := &coap.Message{Type: message.Confirmable, Code: codes.Content, MessageID: 900, Token: req.Token}
	n.SetUint(message.Observe, 2)
	n.SetContentFormat(coap.FormatText)
	n.Payload = []byte("60")
	e.HandlePacket(encode(t, n), devicePeer, t0.Add(time.Second))

	ack := ft.last(t).msg
	if ack.Type != message.Acknowledgement || ack.MessageID != 900 || ack.Code != codes.Empty {
		t.Errorf("notification answered with %s", ack)
	}
	if got := res.last(t); string(got.Payload) != "60" || len(res.calls) != 2 {
		t.Errorf("notification = %+v after %d calls", got, len(res.calls))
	}
	if !slices.Equal(h.notified, []string{"/3/0/9=60"}) {
		t.Errorf("OnNotify = %v", h.notified)
	}

	// The retransmitted notification is acknowledged but not delivered twice.
	e.HandlePacket(encode(t, n), devicePeer, t0.Add(2*time.Second))
	if len(res.calls) != 2 {
		t.Errorf("duplicate notification delivered")
	}

	if err := e.CancelObserve(0, u, nil); err != nil {
		t.Fatalf("CancelObserve: %v", err)
	}
	cancel := ft.last(t).msg
	if obs, ok := cancel.Observe(); !ok || obs != 1 || string(cancel.Token) != string(req.Token) {
		t.Errorf("cancel request = %s", cancel)
	}
	e.HandlePacket(encode(t, coap.NewResponse(cancel, codes.Content)), devicePeer, t0.Add(3*time.Second))

	n.MessageID = 901
	e.HandlePacket(encode(t, n), devicePeer, t0.Add(3*time.Second))
	if rst := ft.last(t).msg; rst.Type != message.Reset || rst.MessageID != 901 {
		t.Errorf("notification after cancel answered with %s", rst)
	}
}

func TestServerObserveRejected(t *testing.T) {
	ft := &fakeTransport{}
	e := newEngine(ModeServer, ft, nil)
	registerClient(t, e, ft)

	res := &results{}
	u := uri.Resource(3, 0, 9)
	if err := e.Observe(0, u, res.callback); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	req := ft.last(t).msg
	e.HandlePacket(encode(t, coap.NewResponse(req, codes.NotFound)), devicePeer, t0)

	if got := res.last(t); got.Code != codes.NotFound || len(res.calls) != 1 {
		t.Errorf("response = %+v after %d calls", got, len(res.calls))
	}
	if len(e.observations) != 0 {
		t.Errorf("observations = %d after rejection, want 0", len(e.observations))
	}
	if err := e.Observe(0, u, nil); err != nil {
		t.Errorf("Observe after rejection: %v", err)
	}
}

func TestServerNotificationWithoutPayload(t *testing.T) {
	ft := &fakeTransport{}
	e := newEngine(ModeServer, ft, nil)
	registerClient(t, e, ft)

	res := &results{}
	u := uri.Resource(3, 0, 9)
	if err := e.Observe(0, u, res.callback); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	req := ft.last(t).msg
	resp := coap.NewResponse(req, codes.Content)
	resp.SetUint(message.Observe, 1)
	resp.Payload = []byte("80")
	e.HandlePacket(encode(t, resp), devicePeer, t0)

	n := &coap.Message{Type: message.NonConfirmable, Code: codes.Content, MessageID: 910, Token: req.Token}
	n.SetUint(message.Observe, 2)
	e.HandlePacket(encode(t, n), devicePeer, t0.Add(time.Second))
	if len(res.calls) != 2 {
		t.Fatalf("callback called %d times, want 2", len(res.calls))
	}
	if got := res.last(t); got.Err != nil || got.Code != codes.Content || len(got.Payload) != 0 {
		t.Errorf("empty notification = %+v", got)
	}
	if len(e.observations) != 1 {
		t.Errorf("observations = %d, want 1", len(e.observations))
	}

	// An error notification ends the observation.
	n = &coap.Message{Type: message.NonConfirmable, Code: codes.NotFound, MessageID: 911, Token: req.Token}
	e.HandlePacket(encode(t, n), devicePeer, t0.Add(2*time.Second))
	if got := res.last(t); got.Code != codes.NotFound || len(res.calls) != 3 {
		t.Errorf("error notification = %+v after %d calls", got, len(res.calls))
	}
	if len(e.observations) != 0 {
		t.Errorf("observations = %d after error notification, want 0", len(e.observations))
	}
}
