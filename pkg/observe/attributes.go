// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/lwm2m/pkg/errors"
)

// Flags records which attributes are set.
type Flags uint8

// Attribute flags.
const (
	FlagMinPeriod Flags = 1 << iota
	FlagMaxPeriod
	FlagGreaterThan
	FlagLessThan
	FlagStep
)

const numericFlags = FlagGreaterThan | FlagLessThan | FlagStep

// Attributes are the notification attributes of a URI.
type Attributes struct {
	MinPeriod   time.Duration
	MaxPeriod   time.Duration
	GreaterThan float64
	LessThan    float64
	Step        float64
	Set         Flags
}

// Has reports whether every flag in f is set.
func (a Attributes) Has(f Flags) bool {
	return a.Set&f == f
}

// ParseAttributes parses Write-Attributes query options. A key without a
// value clears the attribute and is reported in the returned Flags.
func ParseAttributes(queries []string) (Attributes, Flags, error) {
	var a Attributes
	var clear Flags
	for _, q := range queries {
		key, val, hasVal := strings.Cut(q, "=")
		f, ok := attrFlag(key)
		if !ok {
			return Attributes{}, 0, fmt.Errorf("%w: unknown attribute %q", errors.ErrInvalidInput, key)
		}
		if !hasVal {
			clear |= f
			continue
		}
		switch f {
		case FlagMinPeriod, FlagMaxPeriod:
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return Attributes{}, 0, fmt.Errorf("%w: %s=%q", errors.ErrInvalidInput, key, val)
			}
			if f == FlagMinPeriod {
				a.MinPeriod = time.Duration(n) * time.Second
			} else {
				a.MaxPeriod = time.Duration(n) * time.Second
			}
		default:
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return Attributes{}, 0, fmt.Errorf("%w: %s=%q", errors.ErrInvalidInput, key, val)
			}
			switch f {
			case FlagGreaterThan:
				a.GreaterThan = v
			case FlagLessThan:
				a.LessThan = v
			case FlagStep:
				a.Step = v
			}
		}
		a.Set |= f
	}
	return a, clear, nil
}

// Merge overlays the attributes set in b on a, then removes clear.
func (a Attributes) Merge(b Attributes, clear Flags) Attributes {
	if b.Has(FlagMinPeriod) {
		a.MinPeriod = b.MinPeriod
	}
	if b.Has(FlagMaxPeriod) {
		a.MaxPeriod = b.MaxPeriod
	}
	if b.Has(FlagGreaterThan) {
		a.GreaterThan = b.GreaterThan
	}
	if b.Has(FlagLessThan) {
		a.LessThan = b.LessThan
	}
	if b.Has(FlagStep) {
		a.Step = b.Step
	}
	a.Set = (a.Set | b.Set) &^ clear
	return a
}

// Validate checks the constraints between attributes.
func (a Attributes) Validate() error {
	if a.Has(FlagMinPeriod|FlagMaxPeriod) && a.MaxPeriod < a.MinPeriod {
		return fmt.Errorf("%w: pmax lower than pmin", errors.ErrInvalidInput)
	}
	if a.Has(FlagStep) && a.Step <= 0 {
		return fmt.Errorf("%w: st must be positive", errors.ErrInvalidInput)
	}
	if a.Has(FlagGreaterThan | FlagLessThan) {
		if a.LessThan >= a.GreaterThan {
			return fmt.Errorf("%w: lt must be lower than gt", errors.ErrInvalidInput)
		}
		if a.Has(FlagStep) && a.LessThan+2*a.Step >= a.GreaterThan {
			return fmt.Errorf("%w: lt + 2*st must be lower than gt", errors.ErrInvalidInput)
		}
	}
	return nil
}

// Query returns the attributes as link-format parameters.
func (a Attributes) Query() []string {
	var out []string
	if a.Has(FlagMinPeriod) {
		out = append(out, "pmin="+strconv.Itoa(int(a.MinPeriod/time.Second)))
	}
	if a.Has(FlagMaxPeriod) {
		out = append(out, "pmax="+strconv.Itoa(int(a.MaxPeriod/time.Second)))
	}
	if a.Has(FlagGreaterThan) {
		out = append(out, "gt="+strconv.FormatFloat(a.GreaterThan, 'g', -1, 64))
	}
	if a.Has(FlagLessThan) {
		out = append(out, "lt="+strconv.FormatFloat(a.LessThan, 'g', -1, 64))
	}
	if a.Has(FlagStep) {
		out = append(out, "st="+strconv.FormatFloat(a.Step, 'g', -1, 64))
	}
	return out
}

// crossed reports whether moving from prev to cur meets the numeric
// conditions. Without numeric attributes any change qualifies.
func (a Attributes) crossed(prev, cur float64) bool {
	if a.Set&numericFlags == 0 {
		return true
	}
	if a.Has(FlagGreaterThan) && (prev <= a.GreaterThan) != (cur <= a.GreaterThan) {
		return true
	}
	if a.Has(FlagLessThan) && (prev < a.LessThan) != (cur < a.LessThan) {
		return true
	}
	if a.Has(FlagStep) {
		d := cur - prev
		if d < 0 {
			d = -d
		}
		if d >= a.Step {
			return true
		}
	}
	return false
}

func attrFlag(key string) (Flags, bool) {
	switch key {
	case "pmin":
		return FlagMinPeriod, true
	case "pmax":
		return FlagMaxPeriod, true
	case "gt":
		return FlagGreaterThan, true
	case "lt":
		return FlagLessThan, true
	case "st":
		return FlagStep, true
	default:
		return 0, false
	}
}
