// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"slices"
	"testing"
	"time"

	"github.com/absmach/lwm2m/pkg/data"
	"github.com/absmach/lwm2m/pkg/registration"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

func TestMemoryObject(t *testing.T) {
	o := NewMemoryObject(3, "1.1")
	o.Set(0, 9, data.Int(80))
	o.Set(0, 0, data.String("Acme"))

	if got := o.Instances(); !slices.Equal(got, []uint16{0}) {
		t.Fatalf("Instances() = %v", got)
	}
	recs, code := o.Read(0, nil)
	if code != codes.Content || len(recs) != 2 || recs[0].ID != 0 || recs[1].ID != 9 {
		t.Fatalf("Read(0) = %v, %v", recs, code)
	}
	if _, code := o.Read(0, []uint16{5}); code != codes.NotFound {
		t.Errorf("Read of a missing resource = %v", code)
	}
	if _, code := o.Read(1, nil); code != codes.NotFound {
		t.Errorf("Read of a missing instance = %v", code)
	}

	if code := o.Write(0, []data.Data{{ID: 9, Value: data.Int(60)}}, false); code != codes.Changed {
		t.Fatalf("Write = %v", code)
	}
	if v, ok := o.Get(0, 9); !ok || v != data.Int(60) {
		t.Errorf("Get(0, 9) = %v, %v", v, ok)
	}
	if _, ok := o.Get(0, 0); !ok {
		t.Error("partial update dropped resource 0")
	}
	if code := o.Write(0, []data.Data{{ID: 9, Value: data.Int(50)}}, true); code != codes.Changed {
		t.Fatalf("replace = %v", code)
	}
	if _, ok := o.Get(0, 0); ok {
		t.Error("replace kept resource 0")
	}
	if code := o.Write(4, nil, false); code != codes.NotFound {
		t.Errorf("Write to a missing instance = %v", code)
	}

	if ids, code := o.Discover(0); code != codes.Content || !slices.Equal(ids, []uint16{9}) {
		t.Errorf("Discover(0) = %v, %v", ids, code)
	}

	if code := o.Create(0, nil); code != codes.BadRequest {
		t.Errorf("Create of an existing instance = %v", code)
	}
	if code := o.Create(2, []data.Data{{ID: 1, Value: data.Bool(true)}}); code != codes.Created {
		t.Errorf("Create(2) = %v", code)
	}
	if code := o.Delete(2); code != codes.Deleted {
		t.Errorf("Delete(2) = %v", code)
	}
	if code := o.Delete(2); code != codes.NotFound {
		t.Errorf("second Delete(2) = %v", code)
	}
}

func TestMemoryObjectExecute(t *testing.T) {
	o := NewMemoryObject(3, "")
	o.Set(0, 0, data.String("Acme"))

	var args []byte
	o.HandleExecute(4, func(instance uint16, a []byte) codes.Code {
		args = a
		return codes.Changed
	})

	if code := o.Execute(0, 4, []byte("0='x'")); code != codes.Changed || string(args) != "0='x'" {
		t.Errorf("Execute(0, 4) = %v, args %q", code, args)
	}
	if code := o.Execute(0, 5, nil); code != codes.MethodNotAllowed {
		t.Errorf("Execute without handler = %v", code)
	}
	if code := o.Execute(1, 4, nil); code != codes.NotFound {
		t.Errorf("Execute on a missing instance = %v", code)
	}
}

func TestServerObjects(t *testing.T) {
	policy := registration.DefaultPolicy()
	policy.RetryCount = 3
	policy.RetryTimer = 30 * time.Second
	policy.FailureBlock = true

	in := []*registration.Server{
		{URI: "coap://bs", Bootstrap: true, HoldOff: 5 * time.Second},
		{URI: "coap://dm", ShortID: 101, Lifetime: 300 * time.Second, Binding: "U", Policy: policy},
	}
	security, server := NewServerObjects(in)

	if got := security.Instances(); !slices.Equal(got, []uint16{0, 1}) {
		t.Fatalf("security instances = %v", got)
	}
	if got := server.Instances(); !slices.Equal(got, []uint16{0}) {
		t.Fatalf("server instances = %v", got)
	}

	out, err := ServersFromObjects(security, server, testLogger())
	if err != nil {
		t.Fatalf("ServersFromObjects: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("servers = %d, want 2", len(out))
	}

	bs := out[0]
	if !bs.Bootstrap || bs.URI != "coap://bs" || bs.HoldOff != 5*time.Second || bs.SecurityInstanceID != 0 {
		t.Errorf("bootstrap server = %+v", bs)
	}
	dm := out[1]
	if dm.Bootstrap || dm.ShortID != 101 || dm.Lifetime != 300*time.Second || dm.Binding != "U" || dm.SecurityInstanceID != 1 {
		t.Errorf("data server = %+v", dm)
	}
	if dm.Policy != policy {
		t.Errorf("policy = %+v, want %+v", dm.Policy, policy)
	}
}

func TestServersFromObjectsErrors(t *testing.T) {
	cases := []struct {
		desc    string
		shortID int64
		uri     data.Value
	}{
		{desc: "short ID zero", shortID: 0, uri: data.String("coap://dm")},
		{desc: "short ID reserved", shortID: 65535, uri: data.String("coap://dm")},
		{desc: "URI not a string", shortID: 101, uri: data.Opaque{0x01}},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			security := NewMemoryObject(SecurityObjectID, "")
			security.Set(0, securityURI, c.uri)
			security.Set(0, securityShortID, data.Int(c.shortID))
			server := NewMemoryObject(ServerObjectID, "")
			server.Set(0, serverShortID, data.Int(c.shortID))

			if _, err := ServersFromObjects(security, server, testLogger()); err == nil {
				t.Error("ServersFromObjects succeeded")
			}
		})
	}

	if _, err := ServersFromObjects(nil, nil, nil); err == nil {
		t.Error("missing security object accepted")
	}
}

func TestServersFromObjectsSkipsOrphan(t *testing.T) {
	security := NewMemoryObject(SecurityObjectID, "")
	security.Set(0, securityURI, data.String("coap://dm"))
	security.Set(0, securityShortID, data.Int(101))
	server := NewMemoryObject(ServerObjectID, "")
	server.Set(0, serverShortID, data.Int(102))

	out, err := ServersFromObjects(security, server, testLogger())
	if err != nil {
		t.Fatalf("ServersFromObjects: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("servers = %d, want 0", len(out))
	}

	// Defaults apply to resources the Server instance leaves out.
	server.Set(1, serverShortID, data.Int(101))
	out, err = ServersFromObjects(security, server, testLogger())
	if err != nil {
		t.Fatalf("ServersFromObjects: %v", err)
	}
	if len(out) != 1 || out[0].Lifetime != registration.DefaultLifetime || out[0].Policy != registration.DefaultPolicy() {
		t.Errorf("servers = %+v", out)
	}
}
