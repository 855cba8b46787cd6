// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Content formats used by LWM2M.
const (
	FormatText      = message.MediaType(0)
	FormatLink      = message.MediaType(40)
	FormatOpaque    = message.MediaType(42)
	FormatCBOR      = message.MediaType(60)
	FormatSenMLJSON = message.MediaType(110)
	FormatSenMLCBOR = message.MediaType(112)
	FormatTLV       = message.MediaType(11542)
	FormatJSON      = message.MediaType(11543)
)

// Message is a decoded CoAP message.
type Message struct {
	Type      message.Type
	Code      codes.Code
	MessageID uint16
	Token     message.Token
	Options   []message.Option
	Payload   []byte
}

// NewRequest creates a request addressed to the given path segments.
func NewRequest(typ message.Type, code codes.Code, path ...string) *Message {
	m := &Message{Type: typ, Code: code}
	m.AddPath(path...)
	return m
}

// NewResponse creates the response to req. A confirmable request is
// answered with a piggybacked ACK carrying the same message ID; otherwise
// the caller assigns a fresh message ID.
func NewResponse(req *Message, code codes.Code) *Message {
	m := &Message{Type: message.NonConfirmable, Code: code, Token: req.Token}
	if req.Type == message.Confirmable {
		m.Type = message.Acknowledgement
		m.MessageID = req.MessageID
	}
	return m
}

// NewEmptyACK creates an empty acknowledgement for mid.
func NewEmptyACK(mid uint16) *Message {
	return &Message{Type: message.Acknowledgement, Code: codes.Empty, MessageID: mid}
}

// NewReset creates a reset message for mid.
func NewReset(mid uint16) *Message {
	return &Message{Type: message.Reset, Code: codes.Empty, MessageID: mid}
}

// IsRequest reports whether the code is a method code.
func (m *Message) IsRequest() bool {
	return m.Code != codes.Empty && m.Code < 32
}

// IsResponse reports whether the code is a response code.
func (m *Message) IsResponse() bool {
	return m.Code >= 64
}

// IsEmpty reports whether the message carries the empty code.
func (m *Message) IsEmpty() bool {
	return m.Code == codes.Empty
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	c.Token = bytes.Clone(m.Token)
	c.Payload = bytes.Clone(m.Payload)
	c.Options = make([]message.Option, len(m.Options))
	for i, o := range m.Options {
		c.Options[i] = message.Option{ID: o.ID, Value: bytes.Clone(o.Value)}
	}
	return &c
}

// Option returns the first value of the option.
func (m *Message) Option(id message.OptionID) ([]byte, bool) {
	for _, o := range m.Options {
		if o.ID == id {
			return o.Value, true
		}
	}
	return nil, false
}

// HasOption reports whether the option is present.
func (m *Message) HasOption(id message.OptionID) bool {
	_, ok := m.Option(id)
	return ok
}

// Uint returns the first value of the option decoded as an unsigned integer.
func (m *Message) Uint(id message.OptionID) (uint32, bool) {
	v, ok := m.Option(id)
	if !ok || len(v) > 4 {
		return 0, false
	}
	var n uint32
	for _, b := range v {
		n = n<<8 | uint32(b)
	}
	return n, true
}

// Strings returns every value of a repeatable string option.
func (m *Message) Strings(id message.OptionID) []string {
	var out []string
	for _, o := range m.Options {
		if o.ID == id {
			out = append(out, string(o.Value))
		}
	}
	return out
}

// AddOption appends an option value.
func (m *Message) AddOption(id message.OptionID, value []byte) {
	m.Options = append(m.Options, message.Option{ID: id, Value: value})
}

// AddString appends a string option value.
func (m *Message) AddString(id message.OptionID, value string) {
	m.AddOption(id, []byte(value))
}

// SetUint replaces the option with a minimal-length unsigned integer.
func (m *Message) SetUint(id message.OptionID, value uint32) {
	m.RemoveOption(id)
	m.AddOption(id, encodeUint(value))
}

// RemoveOption deletes every value of the option.
func (m *Message) RemoveOption(id message.OptionID) {
	opts := m.Options[:0]
	for _, o := range m.Options {
		if o.ID != id {
			opts = append(opts, o)
		}
	}
	m.Options = opts
}

// AddPath appends Uri-Path segments.
func (m *Message) AddPath(segs ...string) {
	for _, s := range segs {
		m.AddString(message.URIPath, s)
	}
}

// Path returns the Uri-Path segments.
func (m *Message) Path() []string {
	return m.Strings(message.URIPath)
}

// PathString returns the Uri-Path as a slash separated string.
func (m *Message) PathString() string {
	return "/" + strings.Join(m.Path(), "/")
}

// AddQuery appends a Uri-Query option.
func (m *Message) AddQuery(q string) {
	m.AddString(message.URIQuery, q)
}

// Queries returns the Uri-Query values.
func (m *Message) Queries() []string {
	return m.Strings(message.URIQuery)
}

// Query returns the value of the first "key=value" query with the key.
func (m *Message) Query(key string) (string, bool) {
	for _, q := range m.Queries() {
		k, v, found := strings.Cut(q, "=")
		if k == key {
			if !found {
				return "", true
			}
			return v, true
		}
	}
	return "", false
}

// LocationPath returns the Location-Path segments.
func (m *Message) LocationPath() []string {
	return m.Strings(message.LocationPath)
}

// ContentFormat returns the Content-Format option.
func (m *Message) ContentFormat() (message.MediaType, bool) {
	v, ok := m.Uint(message.ContentFormat)
	return message.MediaType(v), ok
}

// SetContentFormat sets the Content-Format option.
func (m *Message) SetContentFormat(f message.MediaType) {
	m.SetUint(message.ContentFormat, uint32(f))
}

// Observe returns the Observe option.
func (m *Message) Observe() (uint32, bool) {
	return m.Uint(message.Observe)
}

// String returns a compact description for logging.
func (m *Message) String() string {
	return fmt.Sprintf("%v %v mid=%d token=%x path=%s len=%d",
		m.Type, m.Code, m.MessageID, []byte(m.Token), m.PathString(), len(m.Payload))
}

// Class returns the response class of a code: 2 for success, 4 for client
// errors and 5 for server errors.
func Class(c codes.Code) int {
	return int(c) >> 5
}

// IsSuccess reports whether c is a 2.xx code.
func IsSuccess(c codes.Code) bool {
	return Class(c) == 2
}

func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		return []byte{byte(v >> 8), byte(v)}
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}
