// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events forwards engine lifecycle events to NATS.
//
// A Forwarder wraps the application handler. Authorization calls go straight
// to the wrapped handler; every On* event is handed to it first and then
// published as JSON on "<prefix>.<endpoint>.<event>".
package events
