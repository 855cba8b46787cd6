// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"fmt"

	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/net/blockwise"
)

// DefaultBlockSize is the block size used when none is negotiated.
const DefaultBlockSize = 1024

// Block is a decoded Block1 or Block2 option.
type Block struct {
	Num  uint32
	More bool
	Size int
}

// Offset returns the byte offset of the block within the whole body.
func (b Block) Offset() int {
	return int(b.Num) * b.Size
}

// ValidBlockSize reports whether size is one of the CoAP block sizes.
func ValidBlockSize(size int) bool {
	_, err := szxFromSize(size)
	return err == nil
}

// EncodeBlock encodes b as a block option value.
func EncodeBlock(b Block) (uint32, error) {
	szx, err := szxFromSize(b.Size)
	if err != nil {
		return 0, err
	}
	v, err := blockwise.EncodeBlockOption(szx, int64(b.Num), b.More)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errors.ErrInvalidInput, err)
	}
	return v, nil
}

// DecodeBlock decodes a block option value.
func DecodeBlock(v uint32) (Block, error) {
	szx, num, more, err := blockwise.DecodeBlockOption(v)
	if err != nil {
		return Block{}, fmt.Errorf("%w: %v", errors.ErrProtocolViolation, err)
	}
	if szx > blockwise.SZX1024 {
		return Block{}, fmt.Errorf("%w: BERT blocks are not supported", errors.ErrProtocolViolation)
	}
	return Block{Num: uint32(num), More: more, Size: int(szx.Size())}, nil
}

// Block1 returns the decoded Block1 option.
func (m *Message) Block1() (Block, bool, error) {
	return m.block(message.Block1)
}

// Block2 returns the decoded Block2 option.
func (m *Message) Block2() (Block, bool, error) {
	return m.block(message.Block2)
}

// SetBlock1 sets the Block1 option.
func (m *Message) SetBlock1(b Block) error {
	return m.setBlock(message.Block1, b)
}

// SetBlock2 sets the Block2 option.
func (m *Message) SetBlock2(b Block) error {
	return m.setBlock(message.Block2, b)
}

func (m *Message) block(id message.OptionID) (Block, bool, error) {
	v, ok := m.Uint(id)
	if !ok {
		return Block{}, false, nil
	}
	b, err := DecodeBlock(v)
	if err != nil {
		return Block{}, true, err
	}
	return b, true, nil
}

func (m *Message) setBlock(id message.OptionID, b Block) error {
	v, err := EncodeBlock(b)
	if err != nil {
		return err
	}
	m.SetUint(id, v)
	return nil
}

func szxFromSize(size int) (blockwise.SZX, error) {
	for szx := blockwise.SZX16; szx <= blockwise.SZX1024; szx++ {
		if szx.Size() == int64(size) {
			return szx, nil
		}
	}
	return 0, fmt.Errorf("%w: invalid block size %d", errors.ErrInvalidInput, size)
}
