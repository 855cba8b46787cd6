// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// MaxTokenLength is the largest token RFC 7252 allows.
const MaxTokenLength = 8

// Decode parses one CoAP datagram.
func Decode(data []byte) (*Message, error) {
	msg := pool.NewMessage(context.Background())
	defer msg.Reset()

	if _, err := msg.UnmarshalWithDecoder(coder.DefaultCoder, data); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal CoAP message: %v", errors.ErrProtocolViolation, err)
	}

	m := &Message{
		Type:      msg.Type(),
		Code:      msg.Code(),
		MessageID: uint16(msg.MessageID()),
		Token:     bytes.Clone(msg.Token()),
	}
	if len(m.Token) > MaxTokenLength {
		return nil, fmt.Errorf("%w: token length %d", errors.ErrProtocolViolation, len(m.Token))
	}
	for _, o := range msg.Options() {
		m.AddOption(o.ID, bytes.Clone(o.Value))
	}
	if body := msg.Body(); body != nil {
		payload, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read CoAP payload: %w", err)
		}
		m.Payload = payload
	}
	if m.IsEmpty() && (len(m.Token) > 0 || len(m.Options) > 0 || len(m.Payload) > 0) {
		return nil, fmt.Errorf("%w: empty message with content", errors.ErrProtocolViolation)
	}

	return m, nil
}

// Encode serializes m into a CoAP datagram.
func Encode(m *Message) ([]byte, error) {
	msg := pool.NewMessage(context.Background())
	defer msg.Reset()

	msg.SetType(m.Type)
	msg.SetCode(m.Code)
	msg.SetMessageID(int32(m.MessageID))
	if len(m.Token) > 0 {
		msg.SetToken(m.Token)
	}
	for _, o := range m.Options {
		msg.AddOptionBytes(o.ID, o.Value)
	}
	if len(m.Payload) > 0 {
		msg.SetBody(bytes.NewReader(m.Payload))
	}

	data, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CoAP message: %w", err)
	}
	return data, nil
}

// PeekHeader reads the type and message ID from the fixed header of a
// datagram that may otherwise be malformed.
func PeekHeader(data []byte) (message.Type, uint16, bool) {
	if len(data) < 4 || data[0]>>6 != 1 {
		return 0, 0, false
	}
	return message.Type((data[0] >> 4) & 0x03), uint16(data[2])<<8 | uint16(data[3]), true
}
