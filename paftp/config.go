// SPDX-FileCopyrightText: 2025 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package paftp

import "time"

// Protocol versions. A PAFTP capabilities request advertises all versions of
// [ProtocolVersionMin, ProtocolVersionMax]; the responder selects the
// numerically highest common one or ProtocolVersionNone as the incompatible
// sentinel.
const (
	ProtocolVersionNone uint8 = 0
	ProtocolVersionMin  uint8 = 4
	ProtocolVersionMax  uint8 = 4

	// NumSupportedProtocolVersions is the fixed size of the version vector
	// within a capabilities request, packed as two nibbles per byte.
	NumSupportedProtocolVersions = 8
)

const (
	// MaxFragmentSize is the absolute maximum fragment size, bounding
	// whatever MTU the peer reports.
	MaxFragmentSize uint16 = 244

	// DefaultMTU is announced in a capabilities request.
	DefaultMTU uint16 = 244

	// MaxReceiveWindowSize caps the sliding window in sequence numbers, as
	// constrained by local buffering resources.
	MaxReceiveWindowSize uint8 = 5

	// ReorderQueueSize is the number of slots for out-of-order datagrams.
	// Out-of-order distances beyond it are treated as retransmissions.
	ReorderQueueSize = 4

	// ImmediateAckWindowThreshold: if the local receive window drops to or
	// below this value, a stand-alone ack is sent immediately instead of
	// waiting for the send-ack timer.
	ImmediateAckWindowThreshold uint8 = 1

	// WindowNoAckSendThreshold: data fragments are only sent without a
	// piggybacked ack while the remote window is above this threshold.
	WindowNoAckSendThreshold uint8 = 1

	// MaxRetransmitAttempts bounds retransmissions of an unacked datagram.
	MaxRetransmitAttempts = 3
)

// Timer durations of the endpoint, fired on the run loop.
const (
	// ConnectTimeout bounds the wait for a capabilities response.
	ConnectTimeout = 20 * time.Second

	// AckTimeout is the wait for a fragment acknowledgement before a
	// retransmission attempt.
	AckTimeout = 2000 * time.Millisecond

	// RetransmitTimeout tracks the same event as AckTimeout.
	RetransmitTimeout = 2000 * time.Millisecond

	// SendAckTimeout delays a stand-alone ack, giving outbound data a
	// chance to piggyback it first.
	SendAckTimeout = 2500 * time.Millisecond

	// WaitResourceTimeout is the retry interval while the transport
	// reports unavailable resources.
	WaitResourceTimeout = 1000 * time.Millisecond

	// ackTimeoutBudget is the period after which a peer awaiting an ack
	// would give up. Resource unavailability must not outlast it.
	ackTimeoutBudget = 15 * time.Second

	// MaxResourceBlockCount drops the connection if transport resources
	// remain unavailable for this many wait-resource periods.
	MaxResourceBlockCount = int(ackTimeoutBudget / WaitResourceTimeout)
)
