// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine ties the LWM2M building blocks into one endpoint.
//
// An Engine runs as a client, a server or a bootstrap server. The host
// feeds it inbound datagrams through HandlePacket and calls Step whenever
// the deadline returned by the previous Step passes. Both calls must come
// from a single goroutine; the engine performs no locking and never blocks.
//
// In client mode the application supplies its objects to Configure. The
// Security and Server objects describe the servers to register with. In
// server mode the engine keeps the registration directory and exposes the
// device management operations (Read, Write, Execute, Observe, ...) whose
// outcome is reported through a ResultFunc.
package engine
