// SPDX-FileCopyrightText: 2025 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package paftp

import "errors"

// Errors of the PAFTP endpoint and its protocol engine. Errors returned from
// Send or StartConnect are also reported to the application through the
// close callback, carrying the first error which triggered the close.
var (
	// ErrNoMemory is returned if a packet buffer's capacity is exhausted.
	ErrNoMemory = errors.New("paftp: insufficient buffer space")

	// ErrInvalidArgument is returned for malformed arguments or messages.
	ErrInvalidArgument = errors.New("paftp: invalid argument")

	// ErrIncorrectState is returned for operations against a closed or
	// otherwise unfitting endpoint state.
	ErrIncorrectState = errors.New("paftp: incorrect state")

	// ErrOutboundMessageTooBig is returned from Send if a chained message
	// cannot be compacted into one contiguous packet buffer.
	ErrOutboundMessageTooBig = errors.New("paftp: outbound message too big")

	// ErrInvalidFragmentSize is returned if the peer negotiated a zero
	// fragment size.
	ErrInvalidFragmentSize = errors.New("paftp: invalid fragment size")

	// ErrIncompatibleVersions is returned if no common protocol version
	// exists between both peers.
	ErrIncompatibleVersions = errors.New("paftp: incompatible protocol versions")

	// ErrInvalidSequenceNumber indicates an unexpected sequence number.
	// Duplicates of already processed datagrams also carry this error and
	// are swallowed by the receive path.
	ErrInvalidSequenceNumber = errors.New("paftp: invalid sequence number")

	// ErrInvalidAckNumber indicates an acknowledgement outside the range of
	// unacknowledged sent sequence numbers.
	ErrInvalidAckNumber = errors.New("paftp: invalid ack number")

	// ErrProtocolAbort indicates a state violation within the
	// fragmentation or reassembly engine.
	ErrProtocolAbort = errors.New("paftp: protocol abort")

	// ErrConnectTimedOut indicates a missing capabilities response.
	ErrConnectTimedOut = errors.New("paftp: connect handshake timed out")

	// ErrFragmentAckTimedOut indicates a missing fragment acknowledgement,
	// even after retransmissions.
	ErrFragmentAckTimedOut = errors.New("paftp: fragment ack timed out")

	// ErrMaxRetransmitAttemptsReached indicates an exhausted retransmission
	// budget.
	ErrMaxRetransmitAttemptsReached = errors.New("paftp: max retransmit attempts reached")

	// ErrSendingBlocked indicates a failed transmission, reported by the
	// transport's send confirmation.
	ErrSendingBlocked = errors.New("paftp: sending blocked")

	// ErrRemoteDisconnected indicates a connection teardown by the peer.
	ErrRemoteDisconnected = errors.New("paftp: remote device disconnected")

	// ErrAppClosedConnection indicates a local, application-requested abort.
	ErrAppClosedConnection = errors.New("paftp: application closed connection")

	// ErrNoConnectCompleteCallback is raised if a connection was
	// established, but no callback for this event was registered.
	ErrNoConnectCompleteCallback = errors.New("paftp: no connect complete callback")

	// ErrNotConnected indicates missing transport resources for a
	// prolonged period of time.
	ErrNotConnected = errors.New("paftp: not connected")
)
