// SPDX-FileCopyrightText: 2025 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package paftp

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// EngineState describes one direction of the Engine: Idle without a message,
// InProgress while fragments are outstanding, and Complete once the last
// fragment was handed over or reassembled.
type EngineState uint8

const (
	EngineIdle EngineState = iota
	EngineInProgress
	EngineComplete
)

func (es EngineState) String() string {
	switch es {
	case EngineIdle:
		return "idle"
	case EngineInProgress:
		return "in progress"
	case EngineComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Engine is PAFTP's fragmentation and reassembly engine. It slices whole
// outbound messages into sequenced fragments and reassembles inbound
// fragments, tracking the unacknowledged sequence number ranges of both
// directions. The Engine itself never talks to a Transport; the Endpoint
// drives it.
type Engine struct {
	txState EngineState
	rxState EngineState

	txFragmentSize uint16
	rxFragmentSize uint16

	txBuf      *Buffer // whole outbound message being fragmented
	txOffset   int     // bytes of txBuf already handed over
	txLength   uint16
	txFragment *Buffer // most recently prepared outbound datagram

	rxBuf    *Buffer // inbound message being reassembled
	rxLength uint16  // declared total length

	txNextSeq       SequenceNumber
	txNewestUnacked SequenceNumber
	txOldestUnacked SequenceNumber
	expectingAck    bool

	rxNextSeq       SequenceNumber
	rxNewestUnacked SequenceNumber
	rxOldestUnacked SequenceNumber // sequence number following the last sent ack
}

// Init resets this Engine for a fresh connection. Sequence number 0 of each
// direction is consumed by the capability handshake, so both data streams
// start at 1. A publisher's capabilities response requires an
// acknowledgement, indicated by expectInitialAck; a subscriber instead owes
// that acknowledgement.
func (e *Engine) Init(expectInitialAck bool) {
	*e = Engine{
		txFragmentSize: MaxFragmentSize,
		rxFragmentSize: MaxFragmentSize,

		txNextSeq: 1,
		rxNextSeq: 1,
	}

	if expectInitialAck {
		e.expectingAck = true
		e.txOldestUnacked = 0
		e.txNewestUnacked = 0
		e.rxOldestUnacked = 1
	} else {
		e.rxOldestUnacked = 0
	}
}

// TxState returns the fragmenter's state.
func (e *Engine) TxState() EngineState {
	return e.txState
}

// RxState returns the reassembler's state.
func (e *Engine) RxState() EngineState {
	return e.rxState
}

// SetTxFragmentSize applies the negotiated outbound fragment size.
func (e *Engine) SetTxFragmentSize(size uint16) {
	e.txFragmentSize = size
}

// SetRxFragmentSize applies the negotiated inbound fragment size.
func (e *Engine) SetRxFragmentSize(size uint16) {
	e.rxFragmentSize = size
}

// GetTxFragmentSize returns the outbound fragment size.
func (e *Engine) GetTxFragmentSize() uint16 {
	return e.txFragmentSize
}

// GetRxFragmentSize returns the inbound fragment size.
func (e *Engine) GetRxFragmentSize() uint16 {
	return e.rxFragmentSize
}

// ExpectingAck checks if sent fragments await an acknowledgement.
func (e *Engine) ExpectingAck() bool {
	return e.expectingAck
}

// HasUnackedData checks if accepted fragments await our acknowledgement.
func (e *Engine) HasUnackedData() bool {
	return OffsetSeq(e.rxNextSeq, e.rxOldestUnacked) > 0
}

// GetNewestUnackedSentSequenceNumber returns the newest sent but
// unacknowledged sequence number.
func (e *Engine) GetNewestUnackedSentSequenceNumber() SequenceNumber {
	return e.txNewestUnacked
}

// GetRxNextSeqNum returns the next expected inbound sequence number.
func (e *Engine) GetRxNextSeqNum() SequenceNumber {
	return e.rxNextSeq
}

// recordSent extends the unacknowledged sent range by the given sequence
// number.
func (e *Engine) recordSent(seq SequenceNumber) {
	if !e.expectingAck {
		e.txOldestUnacked = seq
		e.expectingAck = true
	}
	e.txNewestUnacked = seq
}

// takeAckToSend consumes the pending inbound acknowledgement value.
func (e *Engine) takeAckToSend() SequenceNumber {
	e.rxOldestUnacked = IncSeq(e.rxNewestUnacked)
	return e.rxNewestUnacked
}

// HandleCharacteristicSend prepares the next outbound datagram, afterwards
// available through BorrowTxPacket.
//
// A non-nil data Buffer starts the fragmentation of this new message, which
// requires an idle fragmenter. A nil data Buffer continues the current
// message. With sendAck set, the newest received sequence number is
// piggybacked onto the fragment.
//
// A false return value indicates a fragmenter state violation.
func (e *Engine) HandleCharacteristicSend(data *Buffer, sendAck bool) bool {
	if data != nil {
		if e.txState != EngineIdle {
			return false
		}

		e.txBuf = data
		e.txOffset = 0
		e.txLength = uint16(data.Len())
		e.txState = EngineInProgress

		return e.prepareFragment(true, sendAck)
	}

	if e.txState != EngineInProgress {
		return false
	}
	return e.prepareFragment(false, sendAck)
}

// prepareFragment builds the next fragment of the in-progress message.
func (e *Engine) prepareFragment(start, sendAck bool) bool {
	p := Packet{Sequence: e.txNextSeq}

	if sendAck {
		p.Flags |= FragmentAck
		p.Ack = e.takeAckToSend()
	}

	if start {
		p.Flags |= StartMessage
		p.TotalLength = e.txLength
	} else {
		p.Flags |= ContinueMessage
	}

	room := int(e.txFragmentSize) - p.headerSize()
	if room <= 0 {
		return false
	}

	remaining := e.txBuf.Len() - e.txOffset
	n := remaining
	if n > room {
		n = room
	} else {
		p.Flags |= EndMessage
	}

	p.Payload = e.txBuf.Bytes()[e.txOffset : e.txOffset+n]
	e.txOffset += n

	e.txFragment = WrapBuffer(p.Encode())
	e.recordSent(p.Sequence)
	e.txNextSeq = IncSeq(e.txNextSeq)

	if p.Flags.Has(EndMessage) {
		e.txState = EngineComplete
	}
	return true
}

// EncodeStandAloneAck writes a stand-alone ack datagram into the given
// Buffer, consuming both the pending acknowledgement and one outbound
// sequence number.
func (e *Engine) EncodeStandAloneAck(buf *Buffer) {
	p := Packet{
		Flags:    FragmentAck,
		Ack:      e.takeAckToSend(),
		Sequence: e.txNextSeq,
	}

	e.recordSent(p.Sequence)
	e.txNextSeq = IncSeq(e.txNextSeq)

	buf.Reset()
	_ = buf.Append(p.Encode())
}

// BorrowTxPacket returns the most recently prepared outbound datagram. The
// Engine stays its owner.
func (e *Engine) BorrowTxPacket() *Buffer {
	return e.txFragment
}

// TakeTxPacket hands the completely fragmented message's buffer back and
// resets the fragmenter to idle.
func (e *Engine) TakeTxPacket() *Buffer {
	buf := e.txBuf

	e.txBuf = nil
	e.txFragment = nil
	e.txOffset = 0
	e.txLength = 0
	e.txState = EngineIdle

	return buf
}

// ClearTxPacket drops the fragmenter's state, e.g., on close.
func (e *Engine) ClearTxPacket() {
	_ = e.TakeTxPacket()
}

// TakeRxPacket transfers ownership of the reassembled message to the caller
// and resets the reassembler to idle.
func (e *Engine) TakeRxPacket() *Buffer {
	buf := e.rxBuf

	e.rxBuf = nil
	e.rxLength = 0
	e.rxState = EngineIdle

	return buf
}

// ClearRxPacket drops the reassembler's state, e.g., on close.
func (e *Engine) ClearRxPacket() {
	_ = e.TakeRxPacket()
}

// HandleCharacteristicReceived processes one received in-order datagram:
// sequence number verification first, then acknowledgement bookkeeping, then
// payload reassembly. A contained acknowledgement is reported back through
// didReceiveAck once it was accepted.
func (e *Engine) HandleCharacteristicReceived(data *Buffer) (receivedAck SequenceNumber, didReceiveAck bool, err error) {
	p, err := DecodePacket(data.Bytes())
	if err != nil {
		return
	}

	if p.Flags.Has(Handshake) {
		err = fmt.Errorf("handshake datagram reached the engine: %w", ErrProtocolAbort)
		return
	}

	// The sequence number is verified before the acknowledgement is acted
	// upon: a retransmitted datagram carries a stale ack, which must not
	// tear down the connection.
	if p.Sequence != e.rxNextSeq {
		err = fmt.Errorf("expected sequence number %d, got %d: %w",
			e.rxNextSeq, p.Sequence, ErrInvalidSequenceNumber)
		return
	}

	if p.Flags.Has(FragmentAck) {
		didReceiveAck = true
		receivedAck = p.Ack

		if err = e.handleAckReceived(p.Ack); err != nil {
			return
		}
	}

	e.rxNewestUnacked = p.Sequence
	e.rxNextSeq = IncSeq(e.rxNextSeq)

	switch {
	case p.Flags.Has(StartMessage):
		if e.rxState != EngineIdle {
			err = fmt.Errorf("message start while reassembly is %v: %w", e.rxState, ErrProtocolAbort)
			return
		}
		if len(p.Payload) > int(p.TotalLength) {
			err = fmt.Errorf("initial fragment exceeds declared message length: %w", ErrProtocolAbort)
			return
		}

		if e.rxBuf, err = NewBuffer(int(p.TotalLength)); err != nil {
			return
		}
		_ = e.rxBuf.Append(p.Payload)

		e.rxLength = p.TotalLength
		e.rxState = EngineInProgress

	case p.Flags.Has(ContinueMessage), p.Flags.Has(EndMessage):
		if e.rxState != EngineInProgress {
			err = fmt.Errorf("message continuation while reassembly is %v: %w", e.rxState, ErrProtocolAbort)
			return
		}
		if e.rxBuf.Len()+len(p.Payload) > int(e.rxLength) {
			err = fmt.Errorf("fragments exceed declared message length: %w", ErrProtocolAbort)
			return
		}

		_ = e.rxBuf.Append(p.Payload)

	default:
		// Stand-alone ack; no payload follows its header.
		if len(p.Payload) != 0 {
			err = fmt.Errorf("stand-alone ack carries payload: %w", ErrProtocolAbort)
			return
		}
	}

	if p.Flags.Has(EndMessage) {
		e.rxState = EngineComplete
	}
	return
}

// handleAckReceived advances the unacknowledged sent range up to the given
// acknowledgement.
func (e *Engine) handleAckReceived(ack SequenceNumber) error {
	if !e.expectingAck || !InSeqRange(ack, e.txOldestUnacked, e.txNewestUnacked) {
		return fmt.Errorf("ack %d outside of [%d, %d]: %w",
			ack, e.txOldestUnacked, e.txNewestUnacked, ErrInvalidAckNumber)
	}

	if ack == e.txNewestUnacked {
		e.expectingAck = false
	}
	e.txOldestUnacked = IncSeq(ack)

	return nil
}

// LogStateDebug dumps the Engine's counters at debug level.
func (e *Engine) LogStateDebug() {
	log.WithFields(log.Fields{
		"tx state":         e.txState,
		"rx state":         e.rxState,
		"tx next seq":      e.txNextSeq,
		"tx oldest unack":  e.txOldestUnacked,
		"tx newest unack":  e.txNewestUnacked,
		"expecting ack":    e.expectingAck,
		"rx next seq":      e.rxNextSeq,
		"rx newest unack":  e.rxNewestUnacked,
		"rx oldest unack":  e.rxOldestUnacked,
		"tx fragment size": e.txFragmentSize,
		"rx fragment size": e.rxFragmentSize,
	}).Debug("PAFTP engine state")
}
