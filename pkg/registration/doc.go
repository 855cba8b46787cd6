// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registration drives the LWM2M client through bootstrap,
// registration, periodic update and deregistration.
//
// # Per-server status
//
// Every configured server is tracked by a Server record whose Status is
// changed only through Transition, a pure function from (status, event) to
// (status, effect). The Machine performs the effects: sending Register,
// Update, Deregister and Bootstrap-Request messages through a Requester,
// applying the retry policy and reloading the server list once bootstrap
// finishes.
//
// # Client state
//
// On top of the per-server statuses the Machine keeps the client state:
//
//	INITIAL -> BOOTSTRAP_REQUIRED -> BOOTSTRAPPING -> REGISTER_REQUIRED -> REGISTERING -> READY
//
// The client is READY once at least one server is registered and every
// server flagged with RegistrationFailureBlock is registered.
//
// # Retry policy
//
// A failed registration moves the server to REG_FAILED. The next Step
// holds the server off for CommunicationRetryTimer, doubled for every
// attempt of the current sequence. After CommunicationRetryCount attempts
// the sequence ends and the next one starts after
// CommunicationSequenceDelayTimer. Once CommunicationSequenceRetryCount
// sequences failed the server is exhausted and the client either falls
// back to bootstrap or reports errors.ErrNoServerAvailable.
package registration
