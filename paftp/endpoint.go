// SPDX-FileCopyrightText: 2025 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package paftp

import (
	"errors"

	log "github.com/sirupsen/logrus"
)

// State of an Endpoint's connection lifecycle. StateClosed is terminal; no
// callbacks fire afterwards.
type State uint8

const (
	StateReady State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
	StateAborting
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateAborting:
		return "aborting"
	default:
		return "unknown"
	}
}

// timerFlags guard against event-based timer race conditions: a timer
// callback only acts while its flag is still set.
type timerFlags uint8

const (
	timerConnect timerFlags = 1 << iota
	timerAckReceived
	timerSendAck
	timerWaitResource
	timerRetransmit
)

func (tf timerFlags) Has(flag timerFlags) bool {
	return (tf & flag) != 0
}

// connFlags track the connection's handshake and transmission gates.
type connFlags uint8

const (
	// connOperationInFlight: one datagram awaits its send confirmation.
	// All sends are gated on this flag; there is never more than one
	// datagram outstanding towards the Transport.
	connOperationInFlight connFlags = 1 << iota

	// connStandAloneAckInFlight: the outstanding datagram is a
	// stand-alone ack.
	connStandAloneAckInFlight

	// connCapabilitiesMsgReceived: the peer's handshake message arrived.
	connCapabilitiesMsgReceived

	// connCapabilitiesConfReceived: our handshake message was confirmed.
	connCapabilitiesConfReceived
)

func (cf connFlags) Has(flag connFlags) bool {
	return (cf & flag) != 0
}

// closeFlags parameterize doClose.
type closeFlags uint8

const (
	closeAbortTransmission closeFlags = 1 << iota
	closeSuppressCallback
)

func (cf closeFlags) Has(flag closeFlags) bool {
	return (cf & flag) != 0
}

// Callbacks inform the next-higher layer about an Endpoint's life. Each
// Endpoint fires at most one of OnConnectError and OnConnectionClosed: a
// subscriber failing its handshake reports OnConnectError, any other close
// OnConnectionClosed. A publisher answering with incompatible versions fires
// OnConnectionClosed without a preceding OnConnectComplete, and a publisher
// failing to handle a capabilities request closes without any callback.
// Ownership of a received message transfers to OnMessageReceived.
type Callbacks struct {
	OnConnectComplete  func(ep *Endpoint)
	OnConnectError     func(ep *Endpoint, err error)
	OnMessageReceived  func(session Session, message *Buffer)
	OnConnectionClosed func(session Session, err error)
}

// Endpoint is one side of a PAFTP connection. It owns the connection
// lifecycle: the capability handshake, sliding-window accounting, the ack
// policy, a small reorder buffer, retransmission and the close sequence.
//
// Every method must be called on the System's stack thread. The Endpoint
// performs no locking.
type Endpoint struct {
	system    System
	transport Transport
	session   Session
	role      Role
	state     State

	engine Engine

	localRxWindow  uint8
	remoteRxWindow uint8
	rxWindowMax    uint8

	sendQueue    *Buffer // chain of whole outbound messages
	ackToSend    *Buffer // prepared stand-alone ack, or nil
	lastTxPacket *Buffer // retained copy of the last transmitted datagram

	retransmitCount   int
	resourceWaitCount int

	reorderQueue        [ReorderQueueSize]*Buffer
	itemsInReorderQueue int

	timerFlags timerFlags
	connFlags  connFlags

	connectTimer     Timer
	ackReceivedTimer Timer
	sendAckTimer     Timer
	waitResTimer     Timer
	retransmitTimer  Timer

	protocolVersion uint8

	callbacks Callbacks
}

// NewEndpoint initializes an Endpoint in StateReady for the given Session.
// The Session's Role decides the handshake direction. A publisher's
// capabilities response consumes sequence number 0 and requires the peer's
// acknowledgement, reflected in the engine's initial ack expectation.
func NewEndpoint(system System, transport Transport, session Session, callbacks Callbacks) (*Endpoint, error) {
	if system == nil || transport == nil {
		return nil, ErrInvalidArgument
	}

	ep := &Endpoint{
		system:    system,
		transport: transport,
		session:   session,
		role:      session.Role,
		state:     StateReady,
		callbacks: callbacks,
	}
	ep.engine.Init(session.Role == RolePublisher)

	log.WithFields(log.Fields{
		"session": session,
		"role":    session.Role,
	}).Debug("Initialized PAFTP endpoint")

	return ep, nil
}

// State returns the Endpoint's lifecycle state.
func (ep *Endpoint) State() State {
	return ep.state
}

// Session returns the lower layer Session this Endpoint runs over.
func (ep *Endpoint) Session() Session {
	return ep.session
}

// ProtocolVersion returns the negotiated protocol version, or
// ProtocolVersionNone before the handshake finished.
func (ep *Endpoint) ProtocolVersion() uint8 {
	return ep.protocolVersion
}

// FragmentSize returns the negotiated outbound fragment size.
func (ep *Endpoint) FragmentSize() uint16 {
	return ep.engine.GetTxFragmentSize()
}

// WindowSize returns the negotiated receive window maximum.
func (ep *Endpoint) WindowSize() uint8 {
	return ep.rxWindowMax
}

// HandleRemoteDisconnect must be called by the Transport once the Session's
// peer is gone. The Endpoint aborts and frees itself.
func (ep *Endpoint) HandleRemoteDisconnect() {
	ep.doClose(closeAbortTransmission, ErrRemoteDisconnected)
}

// isConnected checks for an established, not yet finally closed connection.
func isConnected(state State) bool {
	return state == StateConnected || state == StateClosing
}

// StartConnect opens the handshake by sending a capabilities request. Only a
// subscriber in StateReady may call this.
func (ep *Endpoint) StartConnect() error {
	err := ep.startConnect()
	if err != nil {
		ep.stopConnectTimer()
		ep.doClose(closeAbortTransmission, err)
	}
	return err
}

func (ep *Endpoint) startConnect() error {
	if ep.role != RoleSubscriber || ep.state != StateReady {
		return ErrIncorrectState
	}
	ep.state = StateConnecting

	req := CapabilitiesRequest{
		Mtu:        DefaultMTU,
		WindowSize: MaxReceiveWindowSize,
	}

	// Announce the supported protocol versions, highest first.
	numVersions := int(ProtocolVersionMax-ProtocolVersionMin) + 1
	for i := 0; i < numVersions; i++ {
		req.SetSupportedProtocolVersion(i, ProtocolVersionMax-uint8(i))
	}

	buf := WrapBuffer(req.Encode())

	// Connect timer is cancelled when the handshake completes or fails.
	ep.startConnectTimer()

	if err := ep.sendWrite(buf); err != nil {
		return err
	}

	// Stash the request to keep its buffer alive until the send
	// confirmation arrives; the send queue is unused before the
	// connection is established anyway.
	ep.queueTx(buf)

	return nil
}

// queueTx appends a whole message to the send queue.
func (ep *Endpoint) queueTx(data *Buffer) {
	if ep.sendQueue == nil {
		ep.sendQueue = data
	} else {
		ep.sendQueue.AddToEnd(data)
	}
}

// Send enqueues a whole message for fragmentation and transmission. The
// message must fit one contiguous Buffer; a chain which cannot be compacted
// is rejected. Errors close the Endpoint before they are returned.
func (ep *Endpoint) Send(data *Buffer) error {
	err := ep.send(data)
	if err != nil {
		ep.doClose(closeAbortTransmission, err)
	}
	return err
}

func (ep *Endpoint) send(data *Buffer) error {
	if data == nil {
		return ErrInvalidArgument
	}
	if !isConnected(ep.state) {
		return ErrIncorrectState
	}

	// The fragmentation engine requires one contiguous packet buffer.
	if data.HasChainedBuffer() {
		data.CompactHead()

		if data.HasChainedBuffer() {
			return ErrOutboundMessageTooBig
		}
	}

	ep.queueTx(data)

	return ep.driveSending()
}

// sendWrite hands one datagram to the transport, latching the in-flight gate
// and retaining the datagram for a possible retransmission.
func (ep *Endpoint) sendWrite(buf *Buffer) error {
	ep.connFlags |= connOperationInFlight

	ep.retransmitCount = 0
	ep.lastTxPacket = buf

	ep.tracePacket("tx", buf)

	return ep.transport.SendMessage(ep.session, buf)
}

// sendCharacteristic transmits one datagram and shrinks the remote receive
// window by the consumed sequence number.
func (ep *Endpoint) sendCharacteristic(buf *Buffer) error {
	if err := ep.sendWrite(buf); err != nil {
		return err
	}

	ep.remoteRxWindow--
	log.WithField("size", ep.remoteRxWindow).Debug("Decremented remote rx window")

	return nil
}

// prepareNextFragment asks the engine for the next outbound datagram,
// piggybacking a pending acknowledgement if the send-ack timer runs.
func (ep *Endpoint) prepareNextFragment(data *Buffer) (ok, sentAck bool) {
	if ep.timerFlags.Has(timerSendAck) {
		ep.localRxWindow = ep.rxWindowMax
		log.WithField("size", ep.localRxWindow).Debug("Reset local rx window on piggyback ack")

		sentAck = true
	}

	ok = ep.engine.HandleCharacteristicSend(data, sentAck)
	return
}

// sendNextMessage pops the send queue's head and transmits its first
// fragment.
func (ep *Endpoint) sendNextMessage() error {
	data := ep.sendQueue
	ep.sendQueue = data.PopHead()

	ok, sentAck := ep.prepareNextFragment(data)
	if !ok {
		return ErrProtocolAbort
	}

	if err := ep.sendCharacteristic(ep.engine.BorrowTxPacket()); err != nil {
		return err
	}

	if sentAck {
		ep.stopSendAckTimer()
	}

	ep.startAckReceivedTimer()
	return nil
}

// continueMessageSend transmits the next fragment of the in-progress
// message.
func (ep *Endpoint) continueMessageSend() error {
	ok, sentAck := ep.prepareNextFragment(nil)
	if !ok {
		log.Error("PAFTP fragmenter errored on send")
		ep.engine.LogStateDebug()

		return ErrProtocolAbort
	}

	if err := ep.sendCharacteristic(ep.engine.BorrowTxPacket()); err != nil {
		return err
	}

	if sentAck {
		ep.stopSendAckTimer()
	}

	ep.startAckReceivedTimer()
	return nil
}

// HandleSendConfirmation must be called by the Transport once the result of
// the previous SendMessage is known. It releases the in-flight gate and
// continues transmission.
func (ep *Endpoint) HandleSendConfirmation(ok bool) {
	ep.connFlags &^= connOperationInFlight

	log.WithFields(log.Fields{
		"session": ep.session,
		"result":  ok,
	}).Debug("PAFTP send confirmation")

	// The first confirmation belongs to the outbound part of the
	// capability handshake.
	if !ep.connFlags.Has(connCapabilitiesConfReceived) {
		ep.connFlags |= connCapabilitiesConfReceived
		ep.handleHandshakeConfirmation()

		// A publisher which answered with the incompatible sentinel only
		// waited for this confirmation before tearing down.
		if ep.state == StateAborting {
			ep.doClose(closeAbortTransmission, ErrIncompatibleVersions)
		}
		return
	}

	ep.handleFragmentConfirmation(ok)
}

// handleHandshakeConfirmation frees the stashed capabilities request or
// response payload.
func (ep *Endpoint) handleHandshakeConfirmation() {
	if ep.sendQueue != nil {
		ep.sendQueue = ep.sendQueue.PopHead()
	}
}

// handleFragmentConfirmation processes a confirmed non-handshake send.
func (ep *Endpoint) handleFragmentConfirmation(ok bool) {
	err := ep.fragmentConfirmation(ok)
	if err != nil {
		ep.doClose(closeAbortTransmission, err)
	}
}

func (ep *Endpoint) fragmentConfirmation(ok bool) error {
	if !isConnected(ep.state) {
		return ErrIncorrectState
	}

	if ep.connFlags.Has(connStandAloneAckInFlight) {
		// Confirmation was received for a stand-alone ack, free its buffer.
		ep.ackToSend = nil
		ep.connFlags &^= connStandAloneAckInFlight
	}

	ep.stopRetransmitTimer()

	if !ok {
		log.WithField("session", ep.session).Error("Failed to send PAF datagram")
		ep.stopAckReceivedTimer()
		return ErrSendingBlocked
	}

	// If the local receive window shrunk to or below the immediate ack
	// threshold and no message fragment is pending on which an ack could
	// piggyback, send an immediate stand-alone ack. This covers the window
	// having shrunk between transmission and confirmation of a stand-alone
	// ack, and a deferred ack from the receive path.
	if ep.localRxWindow <= ImmediateAckWindowThreshold && ep.sendQueue == nil &&
		ep.engine.TxState() != EngineInProgress {
		return ep.driveStandAloneAck()
	}

	return ep.driveSending()
}

// driveStandAloneAck prepares a stand-alone ack datagram and attempts to
// send it.
func (ep *Endpoint) driveStandAloneAck() error {
	ep.stopSendAckTimer()

	if ep.ackToSend == nil {
		ack, err := NewBuffer(StandaloneAckSize)
		if err != nil {
			return err
		}
		ep.ackToSend = ack
	}

	return ep.driveSending()
}

// doSendStandAloneAck encodes and transmits the prepared stand-alone ack.
func (ep *Endpoint) doSendStandAloneAck() error {
	log.Debug("Sending stand-alone ack")

	ep.engine.EncodeStandAloneAck(ep.ackToSend)
	if err := ep.sendCharacteristic(ep.ackToSend); err != nil {
		return err
	}

	ep.localRxWindow = ep.rxWindowMax
	log.WithField("size", ep.localRxWindow).Debug("Reset local rx window on stand-alone ack")

	ep.connFlags |= connStandAloneAckInFlight

	ep.startAckReceivedTimer()
	return nil
}

// driveSending is the single serialization point for transmission. It
// returns without sending while the remote window is exhausted, an operation
// is in flight, or sending would burn the window's last slot without an ack
// to piggyback.
func (ep *Endpoint) driveSending() error {
	windowAlmostClosed := ep.remoteRxWindow <= WindowNoAckSendThreshold &&
		!ep.timerFlags.Has(timerSendAck) && ep.ackToSend == nil

	if windowAlmostClosed || ep.remoteRxWindow == 0 || ep.connFlags.Has(connOperationInFlight) {
		switch {
		case ep.remoteRxWindow == 0:
			log.Debug("No send: remote receive window closed")
		case ep.connFlags.Has(connOperationInFlight):
			log.Debug("No send: operation in flight")
		default:
			log.Debug("No send: receive window almost closed and no ack to send")
		}
		return nil
	}

	if !ep.transport.ResourceAvailable() {
		// Resources are currently unavailable, send later.
		ep.startWaitResourceTimer()
		return nil
	}
	ep.resourceWaitCount = 0

	switch {
	case ep.ackToSend != nil && !ep.connFlags.Has(connStandAloneAckInFlight):
		// An immediate, stand-alone ack is pending, send it.
		return ep.doSendStandAloneAck()

	case ep.engine.TxState() == EngineIdle:
		if ep.sendQueue != nil {
			// Transmit the first fragment of the next whole message.
			return ep.sendNextMessage()
		}
		log.Debug("No pending messages, nothing to send")

	case ep.engine.TxState() == EngineInProgress:
		// Send the next fragment of the message held by the fragmenter.
		return ep.continueMessageSend()

	case ep.engine.TxState() == EngineComplete:
		// Release the fragmenter's completely sent message.
		_ = ep.engine.TakeTxPacket()

		if ep.sendQueue != nil {
			return ep.sendNextMessage()
		}
		if ep.state == StateClosing && !ep.engine.ExpectingAck() {
			// Closing, last ack arrived and the final send was confirmed
			// out-of-order: finalize.
			ep.finalizeClose(ep.state, closeSuppressCallback, nil)
			return nil
		}
		log.Debug("No more messages to send")
	}

	return nil
}

// handleConnectComplete finishes the handshake and informs the application.
func (ep *Endpoint) handleConnectComplete() error {
	ep.state = StateConnected
	ep.stopConnectTimer()

	if ep.callbacks.OnConnectComplete == nil {
		return ErrNoConnectCompleteCallback
	}

	ep.callbacks.OnConnectComplete(ep)
	return nil
}

// handleCapabilitiesRequestReceived answers a subscriber's capabilities
// request: the publisher selects fragment size, window size and protocol
// version. On incompatible versions, the response carries the sentinel
// version and the Endpoint prepares to abort after the response went out.
func (ep *Endpoint) handleCapabilitiesRequestReceived(data *Buffer) error {
	ep.state = StateConnecting

	req, err := DecodeCapabilitiesRequest(data.Bytes())
	if err != nil {
		return err
	}

	mtu := req.Mtu
	if mtu == 0 {
		mtu = DefaultMTU
	}

	var resp CapabilitiesResponse

	// Select the connection's fragment size based on the observed MTU.
	resp.FragmentSize = mtu
	if resp.FragmentSize > MaxFragmentSize {
		resp.FragmentSize = MaxFragmentSize
	}

	// Select both receive window sizes based on the local resources.
	window := req.WindowSize
	if window > MaxReceiveWindowSize {
		window = MaxReceiveWindowSize
	}
	ep.remoteRxWindow, ep.localRxWindow, ep.rxWindowMax = window, window, window
	resp.WindowSize = window

	resp.SelectedProtocolVersion = HighestSupportedProtocolVersion(req)

	log.WithFields(log.Fields{
		"session":       ep.session,
		"version":       resp.SelectedProtocolVersion,
		"fragment size": resp.FragmentSize,
		"window size":   resp.WindowSize,
	}).Info("Selected PAFTP connection parameters")

	ep.protocolVersion = resp.SelectedProtocolVersion

	if resp.SelectedProtocolVersion == ProtocolVersionNone {
		// Prepare to close the connection after the capabilities response
		// has been sent.
		log.WithFields(log.Fields{
			"min": ProtocolVersionMin,
			"max": ProtocolVersionMax,
		}).Error("Incompatible PAFTP versions")
		ep.state = StateAborting
	} else {
		ep.engine.SetRxFragmentSize(resp.FragmentSize)
		ep.engine.SetTxFragmentSize(resp.FragmentSize)
	}

	buf := WrapBuffer(resp.Encode())
	if err := ep.sendWrite(buf); err != nil {
		return err
	}

	// Stash the capabilities response payload until its confirmation.
	ep.queueTx(buf)

	if ep.state == StateAborting {
		return nil
	}
	return ep.handleConnectComplete()
}

// handleCapabilitiesResponseReceived validates the publisher's capabilities
// response and completes the subscriber's side of the handshake.
func (ep *Endpoint) handleCapabilitiesResponseReceived(data *Buffer) error {
	resp, err := DecodeCapabilitiesResponse(data.Bytes())
	if err != nil {
		return err
	}

	if resp.FragmentSize == 0 {
		return ErrInvalidFragmentSize
	}

	log.WithFields(log.Fields{
		"selected": resp.SelectedProtocolVersion,
		"min":      ProtocolVersionMin,
		"max":      ProtocolVersionMax,
	}).Info("Publisher chose PAFTP version")

	if resp.SelectedProtocolVersion < ProtocolVersionMin ||
		resp.SelectedProtocolVersion > ProtocolVersionMax {
		return ErrIncompatibleVersions
	}

	ep.protocolVersion = resp.SelectedProtocolVersion

	fragmentSize := resp.FragmentSize
	if fragmentSize > MaxFragmentSize {
		fragmentSize = MaxFragmentSize
	}

	ep.engine.SetRxFragmentSize(fragmentSize)
	ep.engine.SetTxFragmentSize(fragmentSize)

	ep.remoteRxWindow, ep.localRxWindow, ep.rxWindowMax =
		resp.WindowSize, resp.WindowSize, resp.WindowSize

	// Shrink the local receive window by one, since the handshake response
	// itself requires an acknowledgement. Sequence numbers start at 0, so
	// the pending ack value needs no explicit marking.
	ep.localRxWindow--
	log.WithField("size", ep.localRxWindow).Debug("Decremented local rx window")

	ep.startSendAckTimer()

	return ep.handleConnectComplete()
}

// adjustRemoteReceiveWindow recomputes the number of open slots in the
// remote receive window after the given acknowledgement.
func adjustRemoteReceiveWindow(receivedAck SequenceNumber, maxWindow uint8, newestUnackedSent SequenceNumber) uint8 {
	return maxWindow - OffsetSeq(newestUnackedSent, receivedAck)
}

// Receive must be called by the Transport for every received datagram. Out
// of order datagrams within the reorder window are buffered; anything
// further out is handled as a duplicate.
func (ep *Endpoint) Receive(data *Buffer) error {
	if ep.state == StateClosed {
		return ErrIncorrectState
	}

	expected := ep.engine.GetRxNextSeqNum()

	seq, err := PeekSequenceNumber(data.Bytes())
	if err != nil {
		// No sequence number, e.g., a handshake datagram: process directly.
		return ep.rxPacketProcess(data)
	}

	ep.tracePacket("rx", data)

	if ep.itemsInReorderQueue == 0 && seq == expected {
		return ep.rxPacketProcess(data)
	}

	log.WithFields(log.Fields{
		"expected": expected,
		"received": seq,
	}).Debug("Reordering received datagram")

	offset := int(OffsetSeq(seq, expected))
	if offset >= ReorderQueueSize {
		// Too far out: likely a retransmission or duplicate, which the
		// reassembler will reject and the receive path swallow.
		return ep.rxPacketProcess(data)
	}

	if ep.reorderQueue[offset] != nil {
		// Slot already occupied: process directly instead of dropping.
		return ep.rxPacketProcess(data)
	}

	ep.reorderQueue[offset] = data
	ep.itemsInReorderQueue++

	if ep.reorderQueue[0] == nil {
		// The hole at the front still exists, nothing to drain yet.
		log.WithField("queued", ep.itemsInReorderQueue).Debug("Reorder queue keeps waiting")
		return nil
	}

	// Drain the consecutively filled prefix.
	var qidx int
	for qidx = 0; qidx < ReorderQueueSize; qidx++ {
		if ep.reorderQueue[qidx] == nil {
			break
		}

		err = ep.rxPacketProcess(ep.reorderQueue[qidx])
		ep.reorderQueue[qidx] = nil
		ep.itemsInReorderQueue--
	}

	// Move the remaining entries behind the first hole forward.
	for newIdx := 0; qidx < ReorderQueueSize; qidx, newIdx = qidx+1, newIdx+1 {
		if ep.reorderQueue[qidx] != nil {
			ep.reorderQueue[newIdx] = ep.reorderQueue[qidx]
			ep.reorderQueue[qidx] = nil
		}
	}

	return err
}

// rxPacketProcess feeds one in-order datagram through the handshake
// handling and the reassembly engine, driving acknowledgements and message
// delivery. Protocol errors close the Endpoint; duplicates are swallowed.
func (ep *Endpoint) rxPacketProcess(data *Buffer) error {
	err := ep.processReceived(data)
	if err != nil {
		closing := closeAbortTransmission

		var suppressed suppressedError
		if errors.As(err, &suppressed) {
			closing |= closeSuppressCallback
			err = suppressed.Unwrap()
		}

		ep.doClose(closing, err)
	}
	return err
}

// suppressedError marks errors whose close must not fire a callback, i.e.,
// any error of a publisher handling a capabilities request.
type suppressedError struct {
	err error
}

func (s suppressedError) Error() string {
	return s.err.Error()
}

func (s suppressedError) Unwrap() error {
	return s.err
}

func (ep *Endpoint) processReceived(data *Buffer) error {
	// Special handling for the first inbound datagram of a connection,
	// the capabilities message.
	if !ep.connFlags.Has(connCapabilitiesMsgReceived) {
		if ep.role == RoleSubscriber {
			if ep.state != StateConnecting {
				return ErrIncorrectState
			}
			ep.connFlags |= connCapabilitiesMsgReceived

			return ep.handleCapabilitiesResponseReceived(data)
		}

		if ep.state != StateReady {
			return ErrIncorrectState
		}
		ep.connFlags |= connCapabilitiesMsgReceived

		if err := ep.handleCapabilitiesRequestReceived(data); err != nil {
			// The subscriber's connect attempt will time out on its own;
			// the local application never saw this connection.
			return suppressedError{err: err}
		}
		return nil
	}

	if data.Len() == 0 {
		return ErrInvalidArgument
	}
	if HeaderFlags(data.Bytes()[0]).Has(Handshake) {
		log.Debug("Dropping unexpected handshake datagram")
		return nil
	}

	receivedAck, didReceiveAck, err := ep.engine.HandleCharacteristicReceived(data)
	if errors.Is(err, ErrInvalidSequenceNumber) {
		// Most likely a duplicate, which is safe to ignore.
		log.Debug("Ignoring datagram with invalid sequence number")
		return nil
	}
	if err != nil {
		return err
	}

	// The engine accepted the fragment, shrink the local receive window.
	ep.localRxWindow--
	log.WithField("size", ep.localRxWindow).Debug("Decremented local rx window")

	if didReceiveAck {
		ep.retransmitCount = 0

		if !ep.engine.ExpectingAck() {
			// The newest unacked sent fragment was acknowledged.
			ep.stopAckReceivedTimer()
			ep.stopRetransmitTimer()

			if ep.state == StateClosing && ep.sendQueue == nil &&
				ep.engine.TxState() == EngineIdle {
				ep.finalizeClose(ep.state, closeSuppressCallback, nil)
				return nil
			}
		} else {
			// Acks are still outstanding, restart both timers.
			ep.restartAckReceivedTimer()
			ep.stopRetransmitTimer()
			ep.startRetransmitTimer()
		}

		ep.remoteRxWindow = adjustRemoteReceiveWindow(
			receivedAck, ep.rxWindowMax, ep.engine.GetNewestUnackedSentSequenceNumber())
		log.WithFields(log.Fields{
			"ack":  receivedAck,
			"size": ep.remoteRxWindow,
		}).Debug("Adjusted remote rx window")

		// Transmission might have paused on window exhaustion.
		if err := ep.driveSending(); err != nil {
			return err
		}
	}

	if ep.engine.HasUnackedData() {
		if ep.localRxWindow <= ImmediateAckWindowThreshold &&
			!ep.connFlags.Has(connOperationInFlight) {
			// Reopen the window for the sender right away. An operation in
			// flight covers a pending outbound fragment by extension; the
			// window is checked again on its confirmation.
			if err := ep.driveStandAloneAck(); err != nil {
				return err
			}
		} else {
			ep.startSendAckTimer()
		}
	}

	if ep.engine.RxState() == EngineComplete {
		message := ep.engine.TakeRxPacket()

		log.WithFields(log.Fields{
			"session": ep.session,
			"length":  message.Len(),
		}).Debug("Reassembled whole message")

		if ep.state != StateClosing && ep.callbacks.OnMessageReceived != nil {
			ep.callbacks.OnMessageReceived(ep.session, message)
		}
	}

	return nil
}

// Close ends the connection. A graceful Close waits while the fragmenter
// holds a message, letting it and the messages queued behind it drain; with
// an idle fragmenter it closes at once, dropping any queued messages and
// without waiting for outstanding acknowledgements. Otherwise the
// transmission is aborted.
func (ep *Endpoint) Close(graceful bool) {
	if graceful {
		ep.doClose(0, nil)
	} else {
		ep.doClose(closeAbortTransmission, ErrAppClosedConnection)
	}
}

// doClose enters the close sequence, if not already closed or, without an
// abort, closing.
func (ep *Endpoint) doClose(flags closeFlags, err error) {
	oldState := ep.state

	if (ep.state == StateClosed || ep.state == StateClosing) &&
		!(ep.state == StateClosing && flags.Has(closeAbortTransmission)) {
		return
	}

	if ep.role == RoleSubscriber {
		ep.stopConnectTimer()
	}

	ep.clearReorderQueue()

	if ep.engine.TxState() == EngineIdle || flags.Has(closeAbortTransmission) {
		ep.finalizeClose(oldState, flags, err)
	} else {
		// Wait for the send queue and the fragmenter to drain, emulating a
		// lingering close. There is no hard guarantee that pending
		// messages leave, so applications should confirm receipt on their
		// own level.
		ep.state = StateClosing

		if !flags.Has(closeSuppressCallback) {
			ep.doCloseCallback(oldState, ep.session, err)
		}
	}
}

// finalizeClose is the terminal transition into StateClosed.
func (ep *Endpoint) finalizeClose(oldState State, flags closeFlags, err error) {
	session := ep.session

	ep.state = StateClosed
	ep.sendQueue = nil

	log.WithFields(log.Fields{
		"session": session,
		"error":   err,
	}).Info("Shutdown PAF session")

	ep.transport.CloseSession(session)
	ep.session = Session{}

	if oldState != StateClosing && !flags.Has(closeSuppressCallback) {
		ep.doCloseCallback(oldState, session, err)
	}

	if errors.Is(err, ErrRemoteDisconnected) || errors.Is(err, ErrAppClosedConnection) {
		// The underlying connection is gone, just free the endpoint.
		ep.free()
	} else if ep.role == RoleSubscriber {
		// Latch the in-flight gate so no further sends occur.
		ep.stopAckReceivedTimer()
		ep.stopSendAckTimer()
		ep.stopWaitResourceTimer()
		ep.connFlags |= connOperationInFlight
	} else {
		ep.free()
	}

	ep.lastTxPacket = nil
	ep.retransmitCount = 0
}

// doCloseCallback reports the close upward, once per Endpoint lifetime.
func (ep *Endpoint) doCloseCallback(oldState State, session Session, err error) {
	if oldState == StateConnecting && ep.role == RoleSubscriber {
		if ep.callbacks.OnConnectError != nil {
			ep.callbacks.OnConnectError(ep, err)
		}
	} else if ep.callbacks.OnConnectionClosed != nil {
		ep.callbacks.OnConnectionClosed(session, err)
	}

	ep.callbacks = Callbacks{}
}

// free drops the Endpoint's buffers, timers and callbacks.
func (ep *Endpoint) free() {
	ep.engine.ClearTxPacket()
	ep.engine.ClearRxPacket()

	ep.ackToSend = nil
	ep.lastTxPacket = nil

	ep.stopConnectTimer()
	ep.stopAckReceivedTimer()
	ep.stopSendAckTimer()
	ep.stopWaitResourceTimer()
	ep.stopRetransmitTimer()

	ep.callbacks = Callbacks{}
}

// clearReorderQueue frees queued out-of-order datagrams.
func (ep *Endpoint) clearReorderQueue() {
	for qidx := 0; qidx < ReorderQueueSize; qidx++ {
		if ep.reorderQueue[qidx] != nil {
			ep.reorderQueue[qidx] = nil
			ep.itemsInReorderQueue--
		}
	}
}

// tracePacket logs a datagram's sequence and ack numbers at debug level.
func (ep *Endpoint) tracePacket(direction string, buf *Buffer) {
	if log.IsLevelEnabled(log.DebugLevel) {
		p, err := DecodePacket(buf.Bytes())
		if err != nil || p.Flags.Has(Handshake) {
			return
		}

		fields := log.Fields{
			"direction": direction,
			"seq":       p.Sequence,
		}
		if p.Flags.Has(FragmentAck) {
			fields["ack"] = p.Ack
		}
		log.WithFields(fields).Debug("PAFTP datagram")
	}
}
