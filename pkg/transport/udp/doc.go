// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp carries LWM2M traffic over plain UDP.
//
// # Overview
//
// The transport owns the socket and hosts the engine. The engine is not
// safe for concurrent use, so every call into it happens on one goroutine:
//
//	┌────────┐  datagrams   ┌─────────────┐   HandlePacket   ┌────────┐
//	│ socket │ ───────────→ │ read loop   │ ───────────────→ │        │
//	└────────┘              └─────────────┘    (queue)       │        │
//	     ↑                                                   │ engine │
//	     │           Send            ┌─────────────┐  Step   │        │
//	     └────────────────────────── │ actor loop  │ ──────→ │        │
//	                                 └─────────────┘         └────────┘
//	                                       ↑ Do
//	                                 admin / application
//
// The read loop only copies datagrams off the socket, applies the per-peer
// rate limit and queues them. The actor loop drains the queue, calls Step
// when the deadline returned by the previous Step is reached, and runs
// functions submitted with Do.
//
// # Sessions
//
// Since UDP is connectionless, peers are tracked by address. Each peer gets
// a session with a UUID used in logs. A peer silent for SessionTimeout is
// forgotten and the engine drops the exchanges it still held with it.
//
// # Example
//
//	tr, err := udp.Listen(udp.Config{Address: ":5683"})
//	if err != nil {
//		return err
//	}
//	eng := engine.New(engine.Config{Mode: engine.ModeServer}, tr)
//	return tr.Serve(ctx, eng)
package udp
