// SPDX-FileCopyrightText: 2025 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package quicdg provides a datagram transport for PAFTP over QUIC's
// unreliable DATAGRAM frames. QUIC contributes addressing, encryption and
// path validation while PAFTP keeps its own sequencing, acknowledgement and
// retransmission logic on top, just like above any other lossy lower layer.
package quicdg

import (
	"context"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/paftp-go/paftp"
	"github.com/dtn7/paftp-go/transport"
)

// Transport implements transport.Provider over QUIC connections, one
// Session per connection.
type Transport struct {
	listenAddress string
	localInstance uint32

	listener *quic.Listener

	mutex         sync.Mutex
	conns         map[uint32]quic.Connection // session ID -> connection
	nextSessionID uint32

	reportChan chan transport.Event

	stopSyn  chan struct{}
	stopOnce sync.Once
}

// NewTransport creates a Transport listening on the given address, using
// localInstance as its publish/subscribe instance identifier.
func NewTransport(listenAddress string, localInstance uint32) *Transport {
	return &Transport{
		listenAddress: listenAddress,
		localInstance: localInstance,
		conns:         make(map[uint32]quic.Connection),
		reportChan:    make(chan transport.Event, 64),
		stopSyn:       make(chan struct{}),
	}
}

// Start opens the QUIC listener and starts accepting connections.
func (t *Transport) Start() error {
	listener, err := quic.ListenAddr(t.listenAddress, generateListenerTLSConfig(), generateQUICConfig())
	if err != nil {
		return err
	}
	t.listener = listener

	go t.accept()

	return nil
}

func (t *Transport) accept() {
	logger := log.WithField("quicdg", t.Address())

	for {
		conn, err := t.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-t.stopSyn:
				return

			default:
				logger.WithError(err).Warn("Accepting QUIC connection errored")
				continue
			}
		}

		t.registerConn(conn, paftp.RolePublisher)
	}
}

// registerConn sets up a Session for a fresh QUIC connection and starts its
// datagram receiver.
func (t *Transport) registerConn(conn quic.Connection, role paftp.Role) paftp.Session {
	t.mutex.Lock()
	t.nextSessionID++
	sessionID := t.nextSessionID
	t.conns[sessionID] = conn
	t.mutex.Unlock()

	session := paftp.Session{
		ID:   sessionID,
		Role: role,
	}

	log.WithFields(log.Fields{
		"quicdg":  t.Address(),
		"peer":    conn.RemoteAddr(),
		"session": session,
	}).Info("Established QUIC session")

	if role == paftp.RolePublisher {
		t.reportChan <- transport.Event{Type: transport.SessionEstablished, Session: session}
	}

	go t.receive(conn, session)

	return session
}

func (t *Transport) receive(conn quic.Connection, session paftp.Session) {
	logger := log.WithFields(log.Fields{
		"quicdg":  t.Address(),
		"session": session,
	})

	for {
		data, err := conn.ReceiveMessage(context.Background())
		if err != nil {
			select {
			case <-t.stopSyn:

			default:
				logger.WithError(err).Debug("QUIC connection is gone")
				t.reportChan <- transport.Event{Type: transport.PeerDisappeared, Session: session}
			}
			return
		}

		t.reportChan <- transport.Event{
			Type:     transport.DatagramReceived,
			Session:  session,
			Datagram: data,
		}
	}
}

// Dial connects to a remote peer, returning the fresh subscriber Session.
func (t *Transport) Dial(peerAddress string) (paftp.Session, error) {
	conn, err := quic.DialAddr(context.Background(), peerAddress, generateDialerTLSConfig(), generateQUICConfig())
	if err != nil {
		return paftp.Session{}, err
	}

	return t.registerConn(conn, paftp.RoleSubscriber), nil
}

// SendMessage transmits one datagram as a QUIC DATAGRAM frame. The delivery
// result is reported as a SendConfirmation Event.
func (t *Transport) SendMessage(session paftp.Session, datagram *paftp.Buffer) error {
	select {
	case <-t.stopSyn:
		return fmt.Errorf("transport is closed")
	default:
	}

	t.mutex.Lock()
	conn, known := t.conns[session.ID]
	t.mutex.Unlock()

	if !known {
		return fmt.Errorf("session %v is unknown", session)
	}

	err := conn.SendMessage(datagram.Bytes())

	t.reportChan <- transport.Event{
		Type:    transport.SendConfirmation,
		Session: session,
		SendOK:  err == nil,
	}

	if err != nil {
		log.WithFields(log.Fields{
			"quicdg":  t.Address(),
			"session": session,
			"error":   err,
		}).Warn("Transmitting QUIC datagram errored")
	}

	return nil
}

// ResourceAvailable is truthy while the transport is running.
func (t *Transport) ResourceAvailable() bool {
	select {
	case <-t.stopSyn:
		return false

	default:
		return true
	}
}

// CloseSession tears the Session's QUIC connection down.
func (t *Transport) CloseSession(session paftp.Session) {
	t.mutex.Lock()
	conn, known := t.conns[session.ID]
	delete(t.conns, session.ID)
	t.mutex.Unlock()

	if known {
		_ = conn.CloseWithError(0, "session closed")
	}
}

// Channel returns this Transport's Event channel.
func (t *Transport) Channel() chan transport.Event {
	return t.reportChan
}

// Address returns this Transport's unique address string.
func (t *Transport) Address() string {
	return fmt.Sprintf("quicdg://%s/%d", t.listenAddress, t.localInstance)
}

// Close shuts the Transport down, including all its connections.
func (t *Transport) Close() {
	t.stopOnce.Do(func() {
		close(t.stopSyn)

		t.mutex.Lock()
		for _, conn := range t.conns {
			_ = conn.CloseWithError(0, "transport shutting down")
		}
		t.conns = make(map[uint32]quic.Connection)
		t.mutex.Unlock()

		if t.listener != nil {
			if err := t.listener.Close(); err != nil {
				log.WithField("quicdg", t.Address()).WithError(err).Warn("Closing QUIC listener errored")
			}
		}

		close(t.reportChan)
	})
}

func (t *Transport) String() string {
	return t.Address()
}
