// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"

	"github.com/absmach/lwm2m/pkg/coap"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/uri"
	"github.com/plgd-dev/go-coap/v3/message"
)

// Codec converts records addressed by a URI to and from a payload.
type Codec interface {
	Format() message.MediaType
	Encode(u uri.URI, records []Data) ([]byte, error)
	Decode(u uri.URI, payload []byte) ([]Data, error)
}

// Codecs maps content formats to their codec.
type Codecs map[message.MediaType]Codec

// DefaultCodecs returns the built-in text and opaque codecs.
func DefaultCodecs() Codecs {
	return Codecs{
		coap.FormatText:   TextCodec{},
		coap.FormatOpaque: OpaqueCodec{},
	}
}

// Register adds c, replacing any codec for the same format.
func (cs Codecs) Register(c Codec) {
	cs[c.Format()] = c
}

// Encode encodes records with the codec for format.
func (cs Codecs) Encode(format message.MediaType, u uri.URI, records []Data) ([]byte, error) {
	c, ok := cs[format]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errors.ErrUnsupportedFormat, format)
	}
	return c.Encode(u, records)
}

// Decode decodes payload with the codec for format.
func (cs Codecs) Decode(format message.MediaType, u uri.URI, payload []byte) ([]Data, error) {
	c, ok := cs[format]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errors.ErrUnsupportedFormat, format)
	}
	return c.Decode(u, payload)
}

// Pick returns the format used to answer a read of u. An accepted format is
// honoured when a codec exists; otherwise single opaque resources are sent
// as octet-stream and other single resources as text.
func (cs Codecs) Pick(u uri.URI, records []Data, accept message.MediaType, hasAccept bool) (message.MediaType, error) {
	if hasAccept {
		if _, ok := cs[accept]; !ok {
			return 0, fmt.Errorf("%w: %d", errors.ErrUnsupportedFormat, accept)
		}
		return accept, nil
	}
	if len(records) == 1 {
		if _, ok := records[0].Value.(Opaque); ok {
			if _, ok := cs[coap.FormatOpaque]; ok {
				return coap.FormatOpaque, nil
			}
		}
	}
	if _, ok := cs[coap.FormatText]; ok && u.HasResource() {
		return coap.FormatText, nil
	}
	for _, f := range []message.MediaType{coap.FormatSenMLCBOR, coap.FormatSenMLJSON, coap.FormatTLV, coap.FormatJSON} {
		if _, ok := cs[f]; ok {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: no codec for %s", errors.ErrUnsupportedFormat, u)
}

// TextCodec implements text/plain for a single resource.
type TextCodec struct{}

var _ Codec = TextCodec{}

// Format returns text/plain.
func (TextCodec) Format() message.MediaType { return coap.FormatText }

// Encode writes the text form of the single value in records.
func (TextCodec) Encode(u uri.URI, records []Data) ([]byte, error) {
	v, err := single(u, records)
	if err != nil {
		return nil, err
	}
	s, err := AsString(v)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// Decode returns the payload as a String value for the addressed resource.
func (TextCodec) Decode(u uri.URI, payload []byte) ([]Data, error) {
	id, err := leafID(u)
	if err != nil {
		return nil, err
	}
	return []Data{{ID: id, Value: String(payload)}}, nil
}

// OpaqueCodec implements application/octet-stream for a single resource.
type OpaqueCodec struct{}

var _ Codec = OpaqueCodec{}

// Format returns application/octet-stream.
func (OpaqueCodec) Format() message.MediaType { return coap.FormatOpaque }

// Encode writes the single opaque value in records.
func (OpaqueCodec) Encode(u uri.URI, records []Data) ([]byte, error) {
	v, err := single(u, records)
	if err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case Opaque:
		return append([]byte(nil), v...), nil
	case String:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("%w: %T is not opaque", errors.ErrInvalidInput, v)
	}
}

// Decode returns the payload as an Opaque value for the addressed resource.
func (OpaqueCodec) Decode(u uri.URI, payload []byte) ([]Data, error) {
	id, err := leafID(u)
	if err != nil {
		return nil, err
	}
	return []Data{{ID: id, Value: Opaque(append([]byte(nil), payload...))}}, nil
}

func single(u uri.URI, records []Data) (Value, error) {
	if _, err := leafID(u); err != nil {
		return nil, err
	}
	if len(records) != 1 {
		return nil, fmt.Errorf("%w: %d values for a single resource", errors.ErrInvalidInput, len(records))
	}
	v := records[0].Value
	if c, ok := v.(Children); ok {
		if len(c) != 1 || !u.HasResourceInstance() {
			return nil, fmt.Errorf("%w: multiple resource needs a structured format", errors.ErrUnsupportedFormat)
		}
		v = c[0].Value
	}
	return v, nil
}

func leafID(u uri.URI) (uint16, error) {
	switch u.Depth() {
	case uri.DepthResource:
		return u.ResourceID, nil
	case uri.DepthResourceInstance:
		return u.ResourceInstanceID, nil
	default:
		return 0, fmt.Errorf("%w: %s is not a single resource", errors.ErrUnsupportedFormat, u)
	}
}
