// SPDX-FileCopyrightText: 2025 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport defines the interface between concrete datagram lower
// layers and the PAFTP stack.
//
// A Provider owns sockets and peers. It reports everything that happens,
// e.g., received datagrams or send confirmations, as Events through an
// exposed channel. The stack's layer consumes this channel and serializes
// all Events onto the run loop before touching an Endpoint.
package transport

import (
	"github.com/dtn7/paftp-go/paftp"
)

// EventType enumerates a Provider's possible Events.
type EventType uint8

const (
	// SessionEstablished: a new peer appeared; an Endpoint should be set
	// up before any of the Session's datagrams are processed.
	SessionEstablished EventType = iota

	// DatagramReceived: one datagram arrived within a known Session.
	DatagramReceived

	// SendConfirmation: the result of the previous SendMessage is known.
	SendConfirmation

	// PeerDisappeared: the Session's peer is gone.
	PeerDisappeared
)

func (et EventType) String() string {
	switch et {
	case SessionEstablished:
		return "session established"
	case DatagramReceived:
		return "datagram received"
	case SendConfirmation:
		return "send confirmation"
	case PeerDisappeared:
		return "peer disappeared"
	default:
		return "unknown"
	}
}

// Event is a Provider's report of lower layer activity.
type Event struct {
	Type    EventType
	Session paftp.Session

	// Datagram carries the received bytes for DatagramReceived.
	Datagram []byte

	// SendOK carries the result for SendConfirmation.
	SendOK bool
}

// Provider is a concrete datagram lower layer. Next to the sending methods
// of paftp.Transport, it must be startable and report its activity through
// Channel.
type Provider interface {
	paftp.Transport

	// Start this Provider, e.g., bind its sockets.
	Start() error

	// Channel of this Provider's Events. It is closed on Close.
	Channel() chan Event

	// Address returns a unique address string identifying this Provider.
	Address() string

	// Close signals this Provider to shut down.
	Close()
}

// Dialer is a Provider which can reach out to remote peers on its own,
// creating subscriber Sessions.
type Dialer interface {
	Provider

	// Dial establishes a Session towards the peer at the given address.
	Dial(peerAddress string) (paftp.Session, error)
}
