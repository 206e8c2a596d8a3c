// SPDX-FileCopyrightText: 2025 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package paftp

import "fmt"

// Role of an Endpoint within the publish-subscribe discovery session it runs
// over, which determines the handshake direction: the Subscriber initiates
// with a capabilities request, the Publisher answers.
type Role uint8

const (
	RolePublisher Role = iota
	RoleSubscriber
)

func (r Role) String() string {
	switch r {
	case RolePublisher:
		return "publisher"
	case RoleSubscriber:
		return "subscriber"
	default:
		return "unknown"
	}
}

// Session identifies one lower layer connection towards a peer. ID numbers
// the Session within its Transport, PeerID holds the peer's publish/subscribe
// instance and PeerAddr the peer's address; the local instance identifier is
// not part of a Session.
type Session struct {
	ID       uint32
	PeerID   uint32
	PeerAddr [6]byte
	Role     Role
}

func (s Session) String() string {
	return fmt.Sprintf("Session(%d, %d, %02x:%02x:%02x:%02x:%02x:%02x, %v)",
		s.ID, s.PeerID,
		s.PeerAddr[0], s.PeerAddr[1], s.PeerAddr[2],
		s.PeerAddr[3], s.PeerAddr[4], s.PeerAddr[5],
		s.Role)
}

// Transport is the datagram-style lower layer an Endpoint runs over.
//
// SendMessage is fire-and-forget: it returns promptly and its result is
// delivered later through the Endpoint's HandleSendConfirmation, called on
// the stack thread. Received datagrams reach the Endpoint through Receive,
// likewise on the stack thread.
type Transport interface {
	// SendMessage transmits one datagram within the given Session.
	SendMessage(session Session, datagram *Buffer) error

	// ResourceAvailable reports if a subsequent SendMessage is expected to
	// succeed.
	ResourceAvailable() bool

	// CloseSession releases any peer context held for the Session.
	CloseSession(session Session)
}
