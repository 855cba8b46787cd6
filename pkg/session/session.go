// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session defines the opaque peer identity the engine works with.
//
// The engine never looks inside a Handle: it only compares handles for
// equality and prints them in logs. Transports supply their own Handle
// implementations (a UDP address, a DTLS session, an in-memory pipe).
package session

import "net/netip"

// Handle identifies a peer.
type Handle interface {
	// Equal reports whether h and other denote the same peer.
	Equal(other Handle) bool
	// String returns a printable form of the peer identity.
	String() string
}

// Equal compares two handles, treating nil as a distinct peer.
func Equal(a, b Handle) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

// Addr is a Handle backed by a UDP address.
type Addr netip.AddrPort

// Equal implements Handle.
func (a Addr) Equal(other Handle) bool {
	o, ok := other.(Addr)
	return ok && netip.AddrPort(a) == netip.AddrPort(o)
}

// String implements Handle.
func (a Addr) String() string {
	return netip.AddrPort(a).String()
}

// Name is a Handle identified by an arbitrary string, useful for
// in-process transports.
type Name string

// Equal implements Handle.
func (n Name) Equal(other Handle) bool {
	o, ok := other.(Name)
	return ok && n == o
}

// String implements Handle.
func (n Name) String() string {
	return string(n)
}
