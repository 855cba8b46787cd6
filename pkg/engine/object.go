// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/absmach/lwm2m/pkg/data"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/registration"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Well-known object IDs.
const (
	SecurityObjectID uint16 = 0
	ServerObjectID   uint16 = 1
	DeviceObjectID   uint16 = 3
)

// Security object resources.
const (
	securityURI       uint16 = 0
	securityBootstrap uint16 = 1
	securityMode      uint16 = 2
	securityShortID   uint16 = 10
	securityHoldOff   uint16 = 11

	securityModeNoSec = 3
)

// Server object resources.
const (
	serverShortID            uint16 = 0
	serverLifetime           uint16 = 1
	serverBinding            uint16 = 7
	serverUpdateTrigger      uint16 = 8
	serverFailureBlock       uint16 = 15
	serverBootstrapOnFailure uint16 = 16
	serverRetryCount         uint16 = 17
	serverRetryTimer         uint16 = 18
	serverSequenceDelay      uint16 = 19
	serverSequenceRetryCount uint16 = 20
)

// Object is an LWM2M object implemented by the application. Callbacks
// return the CoAP response code of the operation.
type Object interface {
	ID() uint16
	Instances() []uint16
	// Read returns the requested resources of an instance, or all of them
	// when resources is empty.
	Read(instance uint16, resources []uint16) ([]data.Data, codes.Code)
	// Write updates resources. replace drops the resources absent from
	// records.
	Write(instance uint16, records []data.Data, replace bool) codes.Code
	Execute(instance, resource uint16, args []byte) codes.Code
	Create(instance uint16, records []data.Data) codes.Code
	Delete(instance uint16) codes.Code
	// Discover lists the resources present in an instance.
	Discover(instance uint16) ([]uint16, codes.Code)
}

// Versioned is implemented by objects announcing a version other than 1.0.
type Versioned interface {
	Version() string
}

// ExecuteFunc handles Execute on a MemoryObject resource.
type ExecuteFunc func(instance uint16, args []byte) codes.Code

// MemoryObject is an Object whose instances hold plain values in memory.
type MemoryObject struct {
	id        uint16
	version   string
	instances map[uint16]data.Children
	execute   map[uint16]ExecuteFunc
}

var _ Object = (*MemoryObject)(nil)

// NewMemoryObject creates an object without instances.
func NewMemoryObject(id uint16, version string) *MemoryObject {
	return &MemoryObject{
		id:        id,
		version:   version,
		instances: make(map[uint16]data.Children),
		execute:   make(map[uint16]ExecuteFunc),
	}
}

func (o *MemoryObject) ID() uint16 { return o.id }

func (o *MemoryObject) Version() string { return o.version }

func (o *MemoryObject) Instances() []uint16 {
	ids := make([]uint16, 0, len(o.instances))
	for id := range o.instances {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Set stores a resource value, creating the instance when needed.
func (o *MemoryObject) Set(instance, resource uint16, v data.Value) {
	o.instances[instance] = upsert(o.instances[instance], data.Data{ID: resource, Value: v})
}

// Get returns a resource value.
func (o *MemoryObject) Get(instance, resource uint16) (data.Value, bool) {
	d, ok := o.instances[instance].Find(resource)
	return d.Value, ok
}

// HandleExecute registers fn for Execute on resource.
func (o *MemoryObject) HandleExecute(resource uint16, fn ExecuteFunc) {
	o.execute[resource] = fn
}

func (o *MemoryObject) Read(instance uint16, resources []uint16) ([]data.Data, codes.Code) {
	inst, ok := o.instances[instance]
	if !ok {
		return nil, codes.NotFound
	}
	if len(resources) == 0 {
		return slices.Clone(inst), codes.Content
	}
	out := make([]data.Data, 0, len(resources))
	for _, id := range resources {
		d, ok := inst.Find(id)
		if !ok {
			return nil, codes.NotFound
		}
		out = append(out, d)
	}
	return out, codes.Content
}

func (o *MemoryObject) Write(instance uint16, records []data.Data, replace bool) codes.Code {
	inst, ok := o.instances[instance]
	if !ok {
		return codes.NotFound
	}
	if replace {
		inst = nil
	}
	for _, d := range records {
		inst = upsert(inst, d)
	}
	o.instances[instance] = inst
	return codes.Changed
}

func (o *MemoryObject) Execute(instance, resource uint16, args []byte) codes.Code {
	if _, ok := o.instances[instance]; !ok {
		return codes.NotFound
	}
	fn, ok := o.execute[resource]
	if !ok {
		return codes.MethodNotAllowed
	}
	return fn(instance, args)
}

func (o *MemoryObject) Create(instance uint16, records []data.Data) codes.Code {
	if _, ok := o.instances[instance]; ok {
		return codes.BadRequest
	}
	var inst data.Children
	for _, d := range records {
		inst = upsert(inst, d)
	}
	o.instances[instance] = inst
	return codes.Created
}

func (o *MemoryObject) Delete(instance uint16) codes.Code {
	if _, ok := o.instances[instance]; !ok {
		return codes.NotFound
	}
	delete(o.instances, instance)
	return codes.Deleted
}

func (o *MemoryObject) Discover(instance uint16) ([]uint16, codes.Code) {
	inst, ok := o.instances[instance]
	if !ok {
		return nil, codes.NotFound
	}
	ids := make([]uint16, 0, len(inst))
	for _, d := range inst {
		ids = append(ids, d.ID)
	}
	slices.Sort(ids)
	return ids, codes.Content
}

func upsert(c data.Children, d data.Data) data.Children {
	for i := range c {
		if c[i].ID == d.ID {
			c[i] = d
			return c
		}
	}
	c = append(c, d)
	slices.SortFunc(c, func(a, b data.Data) int { return int(a.ID) - int(b.ID) })
	return c
}

// NewServerObjects builds the Security and Server objects describing
// servers. Security instance i describes servers[i].
func NewServerObjects(servers []*registration.Server) (security, server *MemoryObject) {
	security = NewMemoryObject(SecurityObjectID, "")
	server = NewMemoryObject(ServerObjectID, "")

	var srvInst uint16
	for i, s := range servers {
		inst := uint16(i)
		security.Set(inst, securityURI, data.String(s.URI))
		security.Set(inst, securityBootstrap, data.Bool(s.Bootstrap))
		security.Set(inst, securityMode, data.Int(securityModeNoSec))
		security.Set(inst, securityHoldOff, data.Int(s.HoldOff/time.Second))
		if s.Bootstrap {
			continue
		}
		security.Set(inst, securityShortID, data.Int(s.ShortID))

		p := s.Policy
		server.Set(srvInst, serverShortID, data.Int(s.ShortID))
		server.Set(srvInst, serverLifetime, data.Int(s.Lifetime/time.Second))
		if s.Binding != "" {
			server.Set(srvInst, serverBinding, data.String(s.Binding))
		}
		server.Set(srvInst, serverFailureBlock, data.Bool(p.FailureBlock))
		server.Set(srvInst, serverBootstrapOnFailure, data.Bool(p.BootstrapOnFailure))
		if p.RetryCount > 0 {
			server.Set(srvInst, serverRetryCount, data.Int(p.RetryCount))
		}
		if p.RetryTimer > 0 {
			server.Set(srvInst, serverRetryTimer, data.Int(p.RetryTimer/time.Second))
		}
		if p.SequenceDelay > 0 {
			server.Set(srvInst, serverSequenceDelay, data.Int(p.SequenceDelay/time.Second))
		}
		if p.SequenceRetryCount > 0 {
			server.Set(srvInst, serverSequenceRetryCount, data.Int(p.SequenceRetryCount))
		}
		srvInst++
	}
	return security, server
}

// ServersFromObjects reads the server records described by the Security
// and Server objects. Data servers without a Server instance are skipped.
func ServersFromObjects(security, server Object, logger *slog.Logger) ([]*registration.Server, error) {
	if security == nil {
		return nil, fmt.Errorf("%w: security object", errors.ErrNotFound)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var servers []*registration.Server
	for _, inst := range security.Instances() {
		recs, code := security.Read(inst, nil)
		if code != codes.Content {
			return nil, fmt.Errorf("%w: reading security instance %d: %v", errors.ErrInvalidInput, inst, code)
		}
		res := data.Children(recs)

		s := &registration.Server{
			SecurityInstanceID: inst,
			Lifetime:           registration.DefaultLifetime,
			Policy:             registration.DefaultPolicy(),
		}
		var err error
		if s.URI, err = stringRes(res, securityURI); err != nil {
			return nil, err
		}
		if s.Bootstrap, err = boolRes(res, securityBootstrap, false); err != nil {
			return nil, err
		}
		holdOff, err := intRes(res, securityHoldOff, 0)
		if err != nil {
			return nil, err
		}
		s.HoldOff = time.Duration(holdOff) * time.Second
		if s.Bootstrap {
			servers = append(servers, s)
			continue
		}

		id, err := intRes(res, securityShortID, -1)
		if err != nil {
			return nil, err
		}
		if id < 1 || id > 65534 {
			return nil, fmt.Errorf("%w: short server ID %d in security instance %d", errors.ErrInvalidInput, id, inst)
		}
		s.ShortID = uint16(id)

		srvRes, ok := serverInstance(server, s.ShortID)
		if !ok {
			logger.Warn("Security instance without server instance",
				slog.Int("instance", int(inst)),
				slog.Int("short_id", int(s.ShortID)))
			continue
		}
		if err := applyServerResources(s, srvRes); err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, nil
}

func applyServerResources(s *registration.Server, res data.Children) error {
	lt, err := intRes(res, serverLifetime, int64(registration.DefaultLifetime/time.Second))
	if err != nil {
		return err
	}
	s.Lifetime = time.Duration(lt) * time.Second
	if d, ok := res.Find(serverBinding); ok {
		if s.Binding, err = data.AsString(d.Value); err != nil {
			return err
		}
	}

	p := &s.Policy
	if p.FailureBlock, err = boolRes(res, serverFailureBlock, p.FailureBlock); err != nil {
		return err
	}
	if p.BootstrapOnFailure, err = boolRes(res, serverBootstrapOnFailure, p.BootstrapOnFailure); err != nil {
		return err
	}
	n, err := intRes(res, serverRetryCount, int64(p.RetryCount))
	if err != nil {
		return err
	}
	p.RetryCount = int(n)
	if n, err = intRes(res, serverRetryTimer, int64(p.RetryTimer/time.Second)); err != nil {
		return err
	}
	p.RetryTimer = time.Duration(n) * time.Second
	if n, err = intRes(res, serverSequenceDelay, int64(p.SequenceDelay/time.Second)); err != nil {
		return err
	}
	p.SequenceDelay = time.Duration(n) * time.Second
	if n, err = intRes(res, serverSequenceRetryCount, int64(p.SequenceRetryCount)); err != nil {
		return err
	}
	p.SequenceRetryCount = int(n)
	return nil
}

func serverInstance(server Object, shortID uint16) (data.Children, bool) {
	if server == nil {
		return nil, false
	}
	for _, inst := range server.Instances() {
		recs, code := server.Read(inst, nil)
		if code != codes.Content {
			continue
		}
		res := data.Children(recs)
		if id, err := intRes(res, serverShortID, -1); err == nil && id == int64(shortID) {
			return res, true
		}
	}
	return nil, false
}

func stringRes(res data.Children, id uint16) (string, error) {
	d, ok := res.Find(id)
	if !ok {
		return "", fmt.Errorf("%w: missing resource %d", errors.ErrInvalidInput, id)
	}
	return data.AsString(d.Value)
}

func intRes(res data.Children, id uint16, def int64) (int64, error) {
	d, ok := res.Find(id)
	if !ok {
		return def, nil
	}
	return data.AsInt(d.Value)
}

func boolRes(res data.Children, id uint16, def bool) (bool, error) {
	d, ok := res.Find(id)
	if !ok {
		return def, nil
	}
	return data.AsBool(d.Value)
}
