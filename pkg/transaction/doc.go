// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transaction tracks outstanding CoAP exchanges.
//
// A Transaction is created for every outbound request. The Table assigns
// its message ID and token, sends it through a Sender and retransmits
// confirmable messages with exponential back-off until a matching ACK,
// RST or response arrives or the retransmission budget is spent. The
// callback of a transaction fires exactly once: with the response, or
// with a nil response when the exchange timed out. Cancelled transactions
// never fire.
//
// Payloads larger than the block size are sent with Block1. The
// transaction keeps the whole payload and advances the block number each
// time the peer answers 2.31 Continue.
package transaction
