// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package uri

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/absmach/lwm2m/pkg/errors"
)

// Unset marks a URI segment as absent.
const Unset uint16 = 0xFFFF

// MaxID is the largest value a URI segment may carry.
const MaxID uint16 = 0xFFFE

// Depth classifies how specific a URI is.
type Depth int

// URI depths, from least to most specific.
const (
	DepthNone Depth = iota
	DepthObject
	DepthInstance
	DepthResource
	DepthResourceInstance
)

// String returns the depth name.
func (d Depth) String() string {
	switch d {
	case DepthNone:
		return "none"
	case DepthObject:
		return "object"
	case DepthInstance:
		return "instance"
	case DepthResource:
		return "resource"
	case DepthResourceInstance:
		return "resource-instance"
	default:
		return "unknown"
	}
}

// URI addresses an LWM2M object, instance, resource or resource instance.
type URI struct {
	ObjectID           uint16
	InstanceID         uint16
	ResourceID         uint16
	ResourceInstanceID uint16
}

// Root returns the URI with every segment unset, addressing "/".
func Root() URI {
	return URI{ObjectID: Unset, InstanceID: Unset, ResourceID: Unset, ResourceInstanceID: Unset}
}

// Object returns the URI of an object.
func Object(obj uint16) URI {
	u := Root()
	u.ObjectID = obj
	return u
}

// Instance returns the URI of an object instance.
func Instance(obj, inst uint16) URI {
	u := Object(obj)
	u.InstanceID = inst
	return u
}

// Resource returns the URI of a resource.
func Resource(obj, inst, res uint16) URI {
	u := Instance(obj, inst)
	u.ResourceID = res
	return u
}

// ResourceInstance returns the URI of a resource instance.
func ResourceInstance(obj, inst, res, resInst uint16) URI {
	u := Resource(obj, inst, res)
	u.ResourceInstanceID = resInst
	return u
}

// HasObject reports whether the object segment is set.
func (u URI) HasObject() bool { return u.ObjectID != Unset }

// HasInstance reports whether the instance segment is set.
func (u URI) HasInstance() bool { return u.InstanceID != Unset }

// HasResource reports whether the resource segment is set.
func (u URI) HasResource() bool { return u.ResourceID != Unset }

// HasResourceInstance reports whether the resource instance segment is set.
func (u URI) HasResourceInstance() bool { return u.ResourceInstanceID != Unset }

// Depth returns the most specific level the URI addresses.
func (u URI) Depth() Depth {
	switch {
	case u.HasResourceInstance():
		return DepthResourceInstance
	case u.HasResource():
		return DepthResource
	case u.HasInstance():
		return DepthInstance
	case u.HasObject():
		return DepthObject
	default:
		return DepthNone
	}
}

// Valid reports whether the segments respect the nesting rules. The
// instance may be unset below a set resource; every other segment
// requires its parent.
func (u URI) Valid() bool {
	if !u.HasObject() {
		return !u.HasInstance() && !u.HasResource() && !u.HasResourceInstance()
	}
	if u.HasResourceInstance() && !u.HasResource() {
		return false
	}
	return true
}

// Contains reports whether other is u itself or addressed below u.
func (u URI) Contains(other URI) bool {
	if u.HasObject() && u.ObjectID != other.ObjectID {
		return false
	}
	if u.HasInstance() && u.InstanceID != other.InstanceID {
		return false
	}
	if u.HasResource() && u.ResourceID != other.ResourceID {
		return false
	}
	if u.HasResourceInstance() && u.ResourceInstanceID != other.ResourceInstanceID {
		return false
	}
	return true
}

// Segments returns the path segments, suitable for CoAP Uri-Path options.
// A skipped instance is returned as an empty segment.
func (u URI) Segments() []string {
	if !u.HasObject() {
		return nil
	}
	segs := []string{strconv.Itoa(int(u.ObjectID))}
	if !u.HasInstance() && !u.HasResource() {
		return segs
	}
	if u.HasInstance() {
		segs = append(segs, strconv.Itoa(int(u.InstanceID)))
	} else {
		segs = append(segs, "")
	}
	if !u.HasResource() {
		return segs
	}
	segs = append(segs, strconv.Itoa(int(u.ResourceID)))
	if u.HasResourceInstance() {
		segs = append(segs, strconv.Itoa(int(u.ResourceInstanceID)))
	}
	return segs
}

// String formats the URI. The root URI formats as "/".
func (u URI) String() string {
	segs := u.Segments()
	if len(segs) == 0 {
		return "/"
	}
	return "/" + strings.Join(segs, "/")
}

// Parse parses a URI of at most three segments.
func Parse(s string) (URI, error) {
	return parse(s, 3)
}

// ParseExtended parses a URI that may carry a resource instance segment.
func ParseExtended(s string) (URI, error) {
	return parse(s, 4)
}

// FromSegments builds a URI from CoAP Uri-Path option values.
func FromSegments(segs []string) (URI, error) {
	if len(segs) == 0 {
		return Root(), nil
	}
	return fromSegments(segs, 4, strings.Join(segs, "/"))
}

func parse(s string, maxSegments int) (URI, error) {
	if s == "" || s[0] != '/' {
		return URI{}, invalid(s, "must start with '/'")
	}
	if s == "/" {
		return Root(), nil
	}
	segs := strings.Split(s[1:], "/")
	// A single trailing slash after the last segment is tolerated.
	if len(segs) > 1 && segs[len(segs)-1] == "" {
		segs = segs[:len(segs)-1]
	}
	return fromSegments(segs, maxSegments, s)
}

func fromSegments(segs []string, maxSegments int, raw string) (URI, error) {
	if len(segs) > maxSegments {
		return URI{}, invalid(raw, "too many segments")
	}
	u := Root()
	for i, seg := range segs {
		if seg == "" {
			// Only the instance may be skipped, and only when a resource follows.
			if i == 1 && len(segs) > 2 {
				continue
			}
			return URI{}, invalid(raw, "empty segment")
		}
		id, err := parseID(seg)
		if err != nil {
			return URI{}, invalid(raw, err.Error())
		}
		switch i {
		case 0:
			u.ObjectID = id
		case 1:
			u.InstanceID = id
		case 2:
			u.ResourceID = id
		case 3:
			u.ResourceInstanceID = id
		}
	}
	return u, nil
}

func parseID(seg string) (uint16, error) {
	for i := 0; i < len(seg); i++ {
		if seg[i] < '0' || seg[i] > '9' {
			return 0, fmt.Errorf("segment %q is not a decimal number", seg)
		}
	}
	v, err := strconv.ParseUint(seg, 10, 16)
	if err != nil || v > uint64(MaxID) {
		return 0, fmt.Errorf("segment %q out of range", seg)
	}
	return uint16(v), nil
}

func invalid(s, reason string) error {
	return fmt.Errorf("%w: %q: %s", errors.ErrInvalidURI, s, reason)
}
