// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/absmach/lwm2m/pkg/coap"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/session"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Transmission parameters from RFC 7252 §4.8.
const (
	AckTimeout      = 2 * time.Second
	AckRandomFactor = 1.5
	MaxRetransmit   = 4
	MaxTransmitWait = 93 * time.Second
	// SeparateResponseTimeout bounds the wait for a response after an
	// empty ACK.
	SeparateResponseTimeout = 47 * time.Second
)

// DefaultMaxTransactions bounds the table when no limit is configured.
const DefaultMaxTransactions = 1024

// Sender delivers datagrams to a peer.
type Sender interface {
	Send(peer session.Handle, data []byte) error
}

// Callback receives the outcome of a transaction. resp is nil on timeout.
type Callback func(tr *Transaction, resp *coap.Message)

// Config holds the table configuration.
type Config struct {
	BlockSize       int
	MaxTransactions int
	// Rand returns a pseudo-random number in [0, 1) used to jitter the
	// initial retransmission timeout.
	Rand func() float64
	// Reserved reports message IDs that must not be assigned to peer.
	Reserved func(mid uint16, peer session.Handle) bool
	Logger   *slog.Logger
}

// Transaction is one outstanding exchange.
type Transaction struct {
	MessageID uint16
	Token     message.Token
	Peer      session.Handle
	Request   *coap.Message
	Callback  Callback
	UserData  any

	acked       bool
	removed     bool
	retransmits int
	timeout     time.Duration
	deadline    time.Time
	buffer      []byte

	payload   []byte
	blockSize int
	blockNum  uint32
}

// Acked reports whether an empty ACK was received for the request.
func (tr *Transaction) Acked() bool { return tr.acked }

// Retransmits returns how many times the request was resent.
func (tr *Transaction) Retransmits() int { return tr.retransmits }

// Deadline returns when the transaction next needs attention.
func (tr *Transaction) Deadline() time.Time { return tr.deadline }

// BlockNum returns the Block1 number currently in flight.
func (tr *Transaction) BlockNum() uint32 { return tr.blockNum }

// Table owns every outstanding transaction.
type Table struct {
	config       Config
	sender       Sender
	transactions []*Transaction
	nextMID      uint16
	nextToken    uint64
}

// New creates a transaction table sending through sender.
func New(sender Sender, cfg Config) *Table {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = coap.DefaultBlockSize
	}
	if cfg.MaxTransactions <= 0 {
		cfg.MaxTransactions = DefaultMaxTransactions
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Table{
		config:    cfg,
		sender:    sender,
		nextMID:   uint16(rand.Uint32()),
		nextToken: rand.Uint64(),
	}
}

// Create registers a new transaction for req towards peer, assigning the
// message ID and, for requests without one, a token.
func (t *Table) Create(peer session.Handle, req *coap.Message, cb Callback) (*Transaction, error) {
	if req == nil || peer == nil {
		return nil, errors.ErrInvalidInput
	}
	if len(t.transactions) >= t.config.MaxTransactions {
		return nil, errors.New("create transaction", peer.String(), errors.ErrResourceExhausted)
	}
	mid, err := t.allocMID(peer)
	if err != nil {
		return nil, err
	}
	req.MessageID = mid
	if req.IsRequest() && len(req.Token) == 0 {
		req.Token = t.NextToken()
	}

	tr := &Transaction{
		MessageID: mid,
		Token:     req.Token,
		Peer:      peer,
		Request:   req,
		Callback:  cb,
		blockSize: t.config.BlockSize,
	}
	t.transactions = append(t.transactions, tr)
	return tr, nil
}

// NextToken returns a fresh token from the monotonic token counter.
func (t *Table) NextToken() message.Token {
	tok := make(message.Token, 8)
	binary.BigEndian.PutUint64(tok, t.nextToken)
	t.nextToken++
	return tok
}

// SetPayload attaches the request body. Bodies larger than the block size
// are sent with Block1, starting at block 0.
func (t *Table) SetPayload(tr *Transaction, payload []byte) error {
	tr.buffer = nil
	tr.blockNum = 0
	if len(payload) <= tr.blockSize {
		tr.payload = nil
		tr.Request.Payload = payload
		tr.Request.RemoveOption(message.Block1)
		return nil
	}
	tr.payload = payload
	return t.setBlock(tr)
}

// Send transmits the request and arms retransmission.
func (t *Table) Send(tr *Transaction, now time.Time) error {
	if tr.buffer == nil {
		data, err := coap.Encode(tr.Request)
		if err != nil {
			t.remove(tr)
			return errors.New("send", tr.Peer.String(), err)
		}
		tr.buffer = data
	}

	if tr.Request.Type == message.Confirmable {
		base := float64(AckTimeout) * (1 + (AckRandomFactor-1)*t.config.Rand())
		tr.timeout = time.Duration(base)
	} else {
		tr.timeout = MaxTransmitWait
	}
	tr.retransmits = 0
	tr.deadline = now.Add(tr.timeout)

	t.transmit(tr)
	return nil
}

// HandleResponse matches msg against the outstanding transactions of peer.
// It returns false when no transaction claims the message.
func (t *Table) HandleResponse(msg *coap.Message, peer session.Handle, now time.Time) bool {
	for _, tr := range t.transactions {
		if !session.Equal(tr.Peer, peer) {
			continue
		}

		switch msg.Type {
		case message.Reset:
			if msg.MessageID != tr.MessageID {
				continue
			}
			t.complete(tr, msg)
			return true

		case message.Acknowledgement:
			if msg.MessageID != tr.MessageID || tr.acked {
				continue
			}
			if msg.IsEmpty() && tr.Request.IsResponse() {
				t.complete(tr, msg)
				return true
			}
			if msg.IsEmpty() {
				tr.acked = true
				tr.deadline = now.Add(SeparateResponseTimeout)
				t.config.Logger.Debug("Empty ACK received, waiting for separate response",
					slog.Int("mid", int(tr.MessageID)),
					slog.String("peer", peer.String()))
				return true
			}
			if !tokenMatches(tr, msg) {
				continue
			}
			t.handleResult(tr, msg, now)
			return true

		default:
			if !msg.IsResponse() || len(tr.Token) == 0 || !tokenMatches(tr, msg) {
				continue
			}
			t.handleResult(tr, msg, now)
			return true
		}
	}
	return false
}

// Step retransmits or fails every transaction whose deadline has passed and
// returns the earliest remaining deadline, or the zero time.
func (t *Table) Step(now time.Time) time.Time {
	pending := make([]*Transaction, len(t.transactions))
	copy(pending, t.transactions)

	for _, tr := range pending {
		// A callback run earlier in this loop may have cancelled tr.
		if tr.removed || now.Before(tr.deadline) {
			continue
		}
		if tr.acked || tr.Request.Type != message.Confirmable || tr.retransmits >= MaxRetransmit {
			t.config.Logger.Warn("Transaction timed out",
				slog.Int("mid", int(tr.MessageID)),
				slog.String("peer", tr.Peer.String()),
				slog.Int("retransmits", tr.retransmits),
				slog.Bool("acked", tr.acked))
			t.complete(tr, nil)
			continue
		}
		tr.retransmits++
		tr.timeout *= 2
		tr.deadline = now.Add(tr.timeout)
		t.transmit(tr)
	}

	return t.Next()
}

// Next returns the earliest transaction deadline, or the zero time.
func (t *Table) Next() time.Time {
	var next time.Time
	for _, tr := range t.transactions {
		if next.IsZero() || tr.deadline.Before(next) {
			next = tr.deadline
		}
	}
	return next
}

// Cancel removes tr without invoking its callback.
func (t *Table) Cancel(tr *Transaction) {
	t.remove(tr)
}

// CancelPeer removes every transaction towards peer without invoking callbacks.
func (t *Table) CancelPeer(peer session.Handle) {
	kept := t.transactions[:0]
	for _, tr := range t.transactions {
		if session.Equal(tr.Peer, peer) {
			tr.removed = true
			continue
		}
		kept = append(kept, tr)
	}
	clear(t.transactions[len(kept):])
	t.transactions = kept
}

// FindByToken returns the transaction towards peer carrying token.
func (t *Table) FindByToken(peer session.Handle, token message.Token) *Transaction {
	for _, tr := range t.transactions {
		if session.Equal(tr.Peer, peer) && bytes.Equal(tr.Token, token) {
			return tr
		}
	}
	return nil
}

// MessageID allocates a message ID for a message sent outside the table,
// such as a non-confirmable response.
func (t *Table) MessageID(peer session.Handle) (uint16, error) {
	return t.allocMID(peer)
}

// Len returns the number of outstanding transactions.
func (t *Table) Len() int {
	return len(t.transactions)
}

func (t *Table) handleResult(tr *Transaction, resp *coap.Message, now time.Time) {
	if tr.payload != nil && resp.Code == codes.Continue {
		if err := t.nextBlock(tr, resp, now); err != nil {
			t.config.Logger.Warn("Block1 transfer aborted",
				slog.String("peer", tr.Peer.String()),
				slog.Int("block", int(tr.blockNum)),
				slog.String("error", err.Error()))
			t.complete(tr, nil)
		}
		return
	}
	t.complete(tr, resp)
}

// nextBlock moves a Block1 transfer to the following block, honouring a
// smaller block size requested by the peer.
func (t *Table) nextBlock(tr *Transaction, resp *coap.Message, now time.Time) error {
	offset := int(tr.blockNum+1) * tr.blockSize
	if b, ok, err := resp.Block1(); err == nil && ok && b.Size < tr.blockSize {
		tr.blockSize = b.Size
	}
	if offset >= len(tr.payload) {
		return fmt.Errorf("%w: continue after last block", errors.ErrProtocolViolation)
	}
	tr.blockNum = uint32(offset / tr.blockSize)

	mid, err := t.allocMID(tr.Peer)
	if err != nil {
		return err
	}
	tr.MessageID = mid
	tr.Request.MessageID = mid
	tr.acked = false
	if err := t.setBlock(tr); err != nil {
		return err
	}
	return t.Send(tr, now)
}

func (t *Table) setBlock(tr *Transaction) error {
	start := int(tr.blockNum) * tr.blockSize
	end := min(start+tr.blockSize, len(tr.payload))
	err := tr.Request.SetBlock1(coap.Block{
		Num:  tr.blockNum,
		More: end < len(tr.payload),
		Size: tr.blockSize,
	})
	if err != nil {
		return err
	}
	if tr.blockNum == 0 {
		tr.Request.SetUint(message.Size1, uint32(len(tr.payload)))
	} else {
		tr.Request.RemoveOption(message.Size1)
	}
	tr.Request.Payload = tr.payload[start:end]
	tr.buffer = nil
	return nil
}

func (t *Table) transmit(tr *Transaction) {
	if err := t.sender.Send(tr.Peer, tr.buffer); err != nil {
		// Send failures are retried like packet loss.
		t.config.Logger.Warn("Failed to send message",
			slog.Int("mid", int(tr.MessageID)),
			slog.String("peer", tr.Peer.String()),
			slog.String("error", err.Error()))
		return
	}
	t.config.Logger.Debug("Message sent",
		slog.Int("mid", int(tr.MessageID)),
		slog.String("peer", tr.Peer.String()),
		slog.Int("attempt", tr.retransmits+1))
}

func (t *Table) complete(tr *Transaction, resp *coap.Message) {
	if tr.removed {
		return
	}
	t.remove(tr)
	if tr.Callback != nil {
		tr.Callback(tr, resp)
	}
}

func (t *Table) remove(tr *Transaction) {
	tr.removed = true
	for i, x := range t.transactions {
		if x == tr {
			t.transactions = append(t.transactions[:i], t.transactions[i+1:]...)
			return
		}
	}
}

func (t *Table) allocMID(peer session.Handle) (uint16, error) {
	for range 1 << 16 {
		mid := t.nextMID
		t.nextMID++
		if t.midLive(mid) {
			continue
		}
		if t.config.Reserved != nil && t.config.Reserved(mid, peer) {
			continue
		}
		return mid, nil
	}
	return 0, errors.ErrResourceExhausted
}

func (t *Table) midLive(mid uint16) bool {
	for _, tr := range t.transactions {
		if tr.MessageID == mid {
			return true
		}
	}
	return false
}

func tokenMatches(tr *Transaction, msg *coap.Message) bool {
	return bytes.Equal(tr.Token, msg.Token)
}
