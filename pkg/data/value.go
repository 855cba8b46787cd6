// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/lwm2m/pkg/errors"
)

// Value is a resource value. The set of implementations is closed.
type Value interface {
	isValue()
}

type (
	// String is a UTF-8 string resource.
	String string
	// Opaque is a binary resource.
	Opaque []byte
	// Int is a signed integer resource.
	Int int64
	// Uint is an unsigned integer resource.
	Uint uint64
	// Float is a floating point resource.
	Float float64
	// Bool is a boolean resource.
	Bool bool
	// Time is a time resource, carried as Unix seconds on the wire.
	Time time.Time
	// Children holds the resources of an instance or the instances of a
	// multiple resource.
	Children []Data
)

// ObjectLink references an object instance.
type ObjectLink struct {
	ObjectID   uint16
	InstanceID uint16
}

func (String) isValue()     {}
func (Opaque) isValue()     {}
func (Int) isValue()        {}
func (Uint) isValue()       {}
func (Float) isValue()      {}
func (Bool) isValue()       {}
func (Time) isValue()       {}
func (Children) isValue()   {}
func (ObjectLink) isValue() {}

// Data is a value stored under an ID.
type Data struct {
	ID    uint16
	Value Value
}

// Find returns the child with id.
func (c Children) Find(id uint16) (Data, bool) {
	for _, d := range c {
		if d.ID == id {
			return d, true
		}
	}
	return Data{}, false
}

// Numeric returns v as a float64 for observation thresholds.
func Numeric(v Value) (float64, bool) {
	switch v := v.(type) {
	case Int:
		return float64(v), true
	case Uint:
		return float64(v), true
	case Float:
		return float64(v), true
	case Bool:
		if v {
			return 1, true
		}
		return 0, true
	case String:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(v)), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AsInt converts v to an integer. Text values are parsed.
func AsInt(v Value) (int64, error) {
	switch v := v.(type) {
	case Int:
		return int64(v), nil
	case Uint:
		if uint64(v) > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows int64", errors.ErrInvalidInput, uint64(v))
		}
		return int64(v), nil
	case Float:
		if float64(v) != math.Trunc(float64(v)) {
			return 0, fmt.Errorf("%w: %v is not an integer", errors.ErrInvalidInput, float64(v))
		}
		return int64(v), nil
	case String:
		i, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", errors.ErrInvalidInput, string(v))
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%w: %T is not an integer", errors.ErrInvalidInput, v)
	}
}

// AsString converts v to a string. Opaque values are rejected.
func AsString(v Value) (string, error) {
	switch v := v.(type) {
	case String:
		return string(v), nil
	case Int:
		return strconv.FormatInt(int64(v), 10), nil
	case Uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case Float:
		return strconv.FormatFloat(float64(v), 'g', -1, 64), nil
	case Bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case Time:
		return strconv.FormatInt(time.Time(v).Unix(), 10), nil
	case ObjectLink:
		return fmt.Sprintf("%d:%d", v.ObjectID, v.InstanceID), nil
	default:
		return "", fmt.Errorf("%w: %T has no text form", errors.ErrInvalidInput, v)
	}
}

// AsBool converts v to a boolean. Text accepts "0" and "1".
func AsBool(v Value) (bool, error) {
	switch v := v.(type) {
	case Bool:
		return bool(v), nil
	case Int:
		if v == 0 || v == 1 {
			return v == 1, nil
		}
	case String:
		switch v {
		case "0":
			return false, nil
		case "1":
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: %v is not a boolean", errors.ErrInvalidInput, v)
}

// ParseObjectLink parses the "obj:inst" text form.
func ParseObjectLink(s string) (ObjectLink, error) {
	obj, inst, ok := strings.Cut(s, ":")
	if !ok {
		return ObjectLink{}, fmt.Errorf("%w: object link %q", errors.ErrInvalidInput, s)
	}
	o, err := strconv.ParseUint(obj, 10, 16)
	if err != nil {
		return ObjectLink{}, fmt.Errorf("%w: object link %q", errors.ErrInvalidInput, s)
	}
	i, err := strconv.ParseUint(inst, 10, 16)
	if err != nil {
		return ObjectLink{}, fmt.Errorf("%w: object link %q", errors.ErrInvalidInput, s)
	}
	return ObjectLink{ObjectID: uint16(o), InstanceID: uint16(i)}, nil
}
