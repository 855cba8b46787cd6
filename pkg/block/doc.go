// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package block reassembles and serves CoAP block-wise transfers.
//
// Uploads (Block1) are tracked per peer and resource path. Block 0 always
// starts a fresh record; any other block must follow the previous one
// directly and start exactly where the buffered data ends. Anything else
// aborts the transfer and discards the partial buffer.
//
// Block2 responses to our own requests are tracked per peer and message
// ID. After requesting the next block the caller moves the record to the
// new message ID with SetExpectedMID.
//
// Bodies we serve that exceed the block size are kept per peer and path
// so later Block2 requests can be answered from the same snapshot.
package block
