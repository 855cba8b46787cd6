// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap provides the CoAP message value the engine operates on and
// its datagram wire codec.
//
// Messages are plain values: Decode copies everything out of the pooled
// go-coap message, so a Message may be retained after the datagram buffer
// it came from is reused. Encode produces the RFC 7252 UDP framing.
//
// Block1 and Block2 option values are encoded with the go-coap blockwise
// helpers; Block carries the decoded block number, more flag and size.
package coap
