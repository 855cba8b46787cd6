// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package data

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/uri"
)

// SecurityObjectID is never announced in the registration object list.
const SecurityObjectID uint16 = 0

// Attr is a link-format attribute. An empty Value is written as a flag.
type Attr struct {
	Key   string
	Value string
}

// Link is one entry of a CoRE link-format document.
type Link struct {
	Target string
	Attrs  []Attr
}

// Attr returns the value of the attribute key.
func (l Link) Attr(key string) (string, bool) {
	for _, a := range l.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// ObjectInfo describes an object for the registration payload.
type ObjectInfo struct {
	ID        uint16
	Version   string
	Instances []uint16
}

// FormatLinks writes links as an application/link-format document.
func FormatLinks(links []Link) []byte {
	var buf bytes.Buffer
	for i, l := range links {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('<')
		buf.WriteString(l.Target)
		buf.WriteByte('>')
		for _, a := range l.Attrs {
			buf.WriteByte(';')
			buf.WriteString(a.Key)
			if a.Value == "" {
				continue
			}
			buf.WriteByte('=')
			if bare(a.Value) {
				buf.WriteString(a.Value)
			} else {
				buf.WriteString(strconv.Quote(a.Value))
			}
		}
	}
	return buf.Bytes()
}

// ParseLinks parses an application/link-format document.
func ParseLinks(b []byte) ([]Link, error) {
	var links []Link
	s := strings.TrimSpace(string(b))
	for s != "" {
		if s[0] != '<' {
			return nil, fmt.Errorf("%w: link must start with '<'", errors.ErrInvalidInput)
		}
		end := strings.IndexByte(s, '>')
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated link target", errors.ErrInvalidInput)
		}
		l := Link{Target: s[1:end]}
		s = s[end+1:]

		for len(s) > 0 && s[0] == ';' {
			s = s[1:]
			n := strings.IndexAny(s, "=;,")
			if n < 0 {
				n = len(s)
			}
			a := Attr{Key: strings.TrimSpace(s[:n])}
			s = s[n:]
			if len(s) > 0 && s[0] == '=' {
				s = s[1:]
				v, rest, err := attrValue(s)
				if err != nil {
					return nil, err
				}
				a.Value, s = v, rest
			}
			if a.Key == "" {
				return nil, fmt.Errorf("%w: empty link attribute", errors.ErrInvalidInput)
			}
			l.Attrs = append(l.Attrs, a)
		}

		links = append(links, l)
		s = strings.TrimSpace(s)
		if s == "" {
			break
		}
		if s[0] != ',' {
			return nil, fmt.Errorf("%w: expected ',' between links", errors.ErrInvalidInput)
		}
		s = strings.TrimSpace(s[1:])
	}
	return links, nil
}

// ObjectLinks builds the registration object list, prefixed by the
// alternate path when one is set.
func ObjectLinks(altPath string, objects []ObjectInfo) []byte {
	var links []Link
	if altPath != "" && altPath != "/" {
		links = append(links, Link{Target: altPath, Attrs: []Attr{{Key: "rt", Value: "oma.lwm2m"}}})
	}
	prefix := strings.TrimSuffix(altPath, "/")

	objs := slices.Clone(objects)
	slices.SortFunc(objs, func(a, b ObjectInfo) int { return int(a.ID) - int(b.ID) })
	for _, o := range objs {
		if o.ID == SecurityObjectID {
			continue
		}
		objPath := prefix + uri.Object(o.ID).String()
		if len(o.Instances) == 0 || o.Version != "" {
			l := Link{Target: objPath}
			if o.Version != "" {
				l.Attrs = []Attr{{Key: "ver", Value: o.Version}}
			}
			links = append(links, l)
		}
		insts := slices.Clone(o.Instances)
		slices.Sort(insts)
		for _, i := range insts {
			links = append(links, Link{Target: prefix + uri.Instance(o.ID, i).String()})
		}
	}
	return FormatLinks(links)
}

// ParseObjectLinks extracts the object instances announced in a
// registration payload, returning them as URIs and the alternate path.
func ParseObjectLinks(b []byte) ([]uri.URI, string, error) {
	links, err := ParseLinks(b)
	if err != nil {
		return nil, "", err
	}
	altPath := ""
	var out []uri.URI
	for _, l := range links {
		if rt, ok := l.Attr("rt"); ok && rt == "oma.lwm2m" {
			altPath = strings.TrimSuffix(l.Target, "/")
			continue
		}
		target := strings.TrimPrefix(l.Target, altPath)
		u, err := uri.Parse(target)
		if err != nil {
			return nil, "", err
		}
		if u.Depth() != uri.DepthObject && u.Depth() != uri.DepthInstance {
			return nil, "", fmt.Errorf("%w: %s in object list", errors.ErrInvalidInput, l.Target)
		}
		out = append(out, u)
	}
	return out, altPath, nil
}

func attrValue(s string) (string, string, error) {
	if len(s) > 0 && s[0] == '"' {
		end := strings.IndexByte(s[1:], '"')
		if end < 0 {
			return "", "", fmt.Errorf("%w: unterminated quoted attribute", errors.ErrInvalidInput)
		}
		return s[1 : end+1], s[end+2:], nil
	}
	n := strings.IndexAny(s, ";,")
	if n < 0 {
		n = len(s)
	}
	return strings.TrimSpace(s[:n]), s[n:], nil
}

func bare(v string) bool {
	for _, c := range v {
		if (c < '0' || c > '9') && c != '.' && c != '-' {
			return false
		}
	}
	return true
}
