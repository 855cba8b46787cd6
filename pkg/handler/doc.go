// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links the LWM2M engine to
// application logic.
//
// # Architecture Overview
//
// The Handler interface is the engine's monitoring surface. Whenever the
// engine accepts a registration, answers a bootstrap request, changes the
// registration status of a client or receives an observe notification, it
// calls the corresponding Handler method.
//
// # Data Flow
//
//	Device → Transport → Engine (dedup, transactions) → Handler (authorizes)
//	Engine (state changed) → Handler (notifies) → application, NATS, logs
//
// # Handler Methods
//
// Authorization methods (Auth*) are called before a request is accepted:
//   - AuthRegister: Verifies a client registering in server mode
//   - AuthBootstrap: Verifies a client asking for bootstrap
//
// Notification methods (On*) are called after the engine changed state:
//   - OnRegister, OnUpdate, OnDeregister: Client registry changes
//   - OnBootstrap: Accepted bootstrap request
//   - OnStatus: Client-mode registration status transitions
//   - OnNotify: Observe notifications received in server mode
//
// # Context
//
// The Context struct carries registration metadata across all handler calls:
//   - SessionID: Unique identifier of the registration
//   - Endpoint: Client endpoint name
//   - Location: Registration location, e.g. "rd/3"
//   - RemoteAddr: Peer network address
//   - Version, Binding, Lifetime: Registration parameters
//
// # Implementation
//
// Applications implement the Handler interface to plug the engine into
// their device registry. The NoopHandler accepts everything and is used
// when no handler is configured.
//
// # Example
//
//	type MyHandler struct {
//		registry Registry
//	}
//
//	func (h *MyHandler) AuthRegister(ctx context.Context, hctx *handler.Context) error {
//		return h.registry.Known(hctx.Endpoint)
//	}
package handler
