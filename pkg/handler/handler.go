// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"time"
)

// Context contains registration metadata passed to every Handler method.
type Context struct {
	// SessionID is a unique identifier of the registration or bootstrap session
	SessionID string

	// Endpoint is the client endpoint name (ep= query)
	Endpoint string

	// Location is the registration location assigned by the server, e.g. "rd/3"
	Location string

	// RemoteAddr is the peer's network address
	RemoteAddr string

	// Version is the LWM2M version announced by the client
	Version string

	// Binding is the announced binding mode
	Binding string

	// Lifetime is the registration lifetime
	Lifetime time.Duration
}

// Handler defines authorization and monitoring callbacks for LWM2M events.
// The engine calls these methods at the matching points of registration,
// bootstrap and observation exchanges.
//
// Authorization methods (AuthRegister, AuthBootstrap) are called BEFORE the
// engine accepts the request. Returning an error rejects it with 4.03.
//
// Notification methods (On*) are called AFTER the engine changed its state
// for audit logging, metrics or forwarding. Errors from these methods are
// logged but don't undo the action.
type Handler interface {
	// AuthRegister authorizes a Register request received in server mode.
	AuthRegister(ctx context.Context, hctx *Context) error

	// AuthBootstrap authorizes a Bootstrap-Request received in
	// bootstrap-server mode.
	AuthBootstrap(ctx context.Context, hctx *Context) error

	// OnRegister is called after a client registered. objects lists the
	// announced object instances.
	OnRegister(ctx context.Context, hctx *Context, objects []string) error

	// OnUpdate is called after a registration update. objects is nil when
	// the update carried no object list.
	OnUpdate(ctx context.Context, hctx *Context, objects []string) error

	// OnDeregister is called after a client deregistered or its lifetime
	// expired.
	OnDeregister(ctx context.Context, hctx *Context) error

	// OnBootstrap is called after a Bootstrap-Request was accepted.
	OnBootstrap(ctx context.Context, hctx *Context) error

	// OnStatus is called in client mode when the registration status
	// towards a server changes.
	OnStatus(ctx context.Context, hctx *Context, from, to string) error

	// OnNotify is called in server mode for every observe notification.
	OnNotify(ctx context.Context, hctx *Context, path string, payload []byte) error
}

// NoopHandler is a Handler implementation that allows all operations.
// Useful for testing or when no authorization is needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthRegister(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) AuthBootstrap(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnRegister(ctx context.Context, hctx *Context, objects []string) error {
	return nil
}

func (h *NoopHandler) OnUpdate(ctx context.Context, hctx *Context, objects []string) error {
	return nil
}

func (h *NoopHandler) OnDeregister(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnBootstrap(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnStatus(ctx context.Context, hctx *Context, from, to string) error {
	return nil
}

func (h *NoopHandler) OnNotify(ctx context.Context, hctx *Context, path string, payload []byte) error {
	return nil
}
