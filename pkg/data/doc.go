// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package data holds LWM2M resource values and their encodings.
//
// A resource value is one of the concrete Value types (String, Opaque, Int,
// Uint, Float, Bool, ObjectLink, Time or Children). A Data record pairs a
// value with the ID it is stored under, so an object instance is a Data
// whose value is Children holding its resources.
//
// Codecs turn records into payloads and back. The package ships a Codec
// for text/plain and application/octet-stream; richer formats plug in
// through the same interface. Link-format documents used by registration
// and Discover are written and parsed with FormatLinks and ParseLinks.
package data
