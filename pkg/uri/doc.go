// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package uri implements the LWM2M object addressing model.
//
// A URI addresses an object, an object instance, a resource or a resource
// instance. Each segment is a 16-bit value; 0xFFFF marks a segment as unset.
//
// # Grammar
//
//	/object[/instance[/resource]]
//
// Each segment is a decimal integer in the range 0-65534. The instance
// segment may be left empty to address a resource of a multi-instance
// object without naming the instance, as in "/3//2". ParseExtended
// additionally accepts a fourth resource-instance segment.
//
// Parse never returns a partially populated URI: on failure the zero
// value is returned together with an error wrapping errors.ErrInvalidURI.
package uri
