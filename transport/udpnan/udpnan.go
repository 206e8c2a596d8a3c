// SPDX-FileCopyrightText: 2025 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package udpnan provides a datagram transport for PAFTP over UDP, framing
// each datagram like a NAN follow-up service discovery frame with a CRC16
// check sequence. It is both a stand-in for a real Wi-Fi Aware lower layer
// and a way to run PAFTP between hosts on a plain IP network.
package udpnan

import (
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/paftp-go/paftp"
	"github.com/dtn7/paftp-go/transport"
)

// maxDatagramSize bounds a received UDP payload.
const maxDatagramSize = 4096

// Transport implements transport.Provider over a UDP socket. Each remote
// UDP address becomes one Session, whatever instance it sends from.
type Transport struct {
	listenAddress string
	localInstance uint32

	conn *net.UDPConn

	mutex         sync.Mutex
	peers         map[uint32]*peer  // session ID -> peer
	sessionByPeer map[string]uint32 // peer address -> session ID
	nextSessionID uint32

	reportChan chan transport.Event

	stopSyn chan struct{}
	stopAck chan struct{}
}

// peer is the per-session context of a remote address.
type peer struct {
	addr *net.UDPAddr
	role paftp.Role
}

// NewTransport creates a Transport bound to the given listen address, using
// localInstance as its publish/subscribe instance identifier.
func NewTransport(listenAddress string, localInstance uint32) *Transport {
	return &Transport{
		listenAddress: listenAddress,
		localInstance: localInstance,
		peers:         make(map[uint32]*peer),
		sessionByPeer: make(map[string]uint32),
		reportChan:    make(chan transport.Event, 64),
		stopSyn:       make(chan struct{}),
		stopAck:       make(chan struct{}),
	}
}

// Start binds the UDP socket and launches the receiver.
func (t *Transport) Start() error {
	udpAddr, err := net.ResolveUDPAddr("udp", t.listenAddress)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	t.conn = conn

	go t.handler()

	return nil
}

func (t *Transport) handler() {
	defer close(t.stopAck)

	logger := log.WithField("udpnan", t.Address())
	buf := make([]byte, maxDatagramSize)

	for {
		select {
		case <-t.stopSyn:
			logger.Info("Received close signal, stopping handler")
			return

		default:
			_ = t.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))

			n, addr, err := t.conn.ReadFromUDP(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}

				logger.WithError(err).Warn("Reading from UDP socket errored")
				continue
			}

			t.handleFrame(append([]byte{}, buf[:n]...), addr)
		}
	}
}

// handleFrame verifies one received frame and reports its datagram upwards,
// establishing a Session for unknown peers first.
func (t *Transport) handleFrame(data []byte, addr *net.UDPAddr) {
	logger := log.WithFields(log.Fields{
		"udpnan": t.Address(),
		"peer":   addr,
	})

	f, err := unmarshalFrame(data)
	if err != nil {
		logger.WithError(err).Warn("Dropping invalid frame")
		return
	}

	if f.PeerInstance != 0 && f.PeerInstance != t.localInstance {
		logger.WithField("instance", f.PeerInstance).Debug("Dropping frame for foreign instance")
		return
	}

	t.mutex.Lock()
	sessionID, known := t.sessionByPeer[addr.String()]
	if !known {
		// An unknown peer reaching out makes us the publisher.
		t.nextSessionID++
		sessionID = t.nextSessionID

		t.peers[sessionID] = &peer{addr: addr, role: paftp.RolePublisher}
		t.sessionByPeer[addr.String()] = sessionID
	}
	role := t.peers[sessionID].role
	t.mutex.Unlock()

	session := paftp.Session{
		ID:     sessionID,
		PeerID: f.SenderInstance,
		Role:   role,
	}

	if !known {
		logger.WithField("session", session).Info("Established session for new peer")
		t.reportChan <- transport.Event{Type: transport.SessionEstablished, Session: session}
	}

	t.reportChan <- transport.Event{
		Type:     transport.DatagramReceived,
		Session:  session,
		Datagram: f.Payload,
	}
}

// Dial registers a remote peer to subscribe to, returning the fresh Session.
func (t *Transport) Dial(peerAddress string) (paftp.Session, error) {
	addr, err := net.ResolveUDPAddr("udp", peerAddress)
	if err != nil {
		return paftp.Session{}, err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, known := t.sessionByPeer[addr.String()]; known {
		return paftp.Session{}, fmt.Errorf("peer %v is already connected", addr)
	}

	t.nextSessionID++
	sessionID := t.nextSessionID

	t.peers[sessionID] = &peer{addr: addr, role: paftp.RoleSubscriber}
	t.sessionByPeer[addr.String()] = sessionID

	return paftp.Session{
		ID:   sessionID,
		Role: paftp.RoleSubscriber,
	}, nil
}

// SendMessage transmits one datagram towards the Session's peer. The
// delivery result is reported as a SendConfirmation Event.
func (t *Transport) SendMessage(session paftp.Session, datagram *paftp.Buffer) error {
	select {
	case <-t.stopSyn:
		return fmt.Errorf("transport is closed")
	default:
	}

	t.mutex.Lock()
	p, known := t.peers[session.ID]
	t.mutex.Unlock()

	if !known {
		return fmt.Errorf("session %v is unknown", session)
	}

	data := marshalFrame(frame{
		SenderInstance: t.localInstance,
		PeerInstance:   session.PeerID,
		Payload:        datagram.Bytes(),
	})

	_, err := t.conn.WriteToUDP(data, p.addr)

	// The socket write is this lower layer's transmit status.
	t.reportChan <- transport.Event{
		Type:    transport.SendConfirmation,
		Session: session,
		SendOK:  err == nil,
	}

	if err != nil {
		log.WithFields(log.Fields{
			"udpnan": t.Address(),
			"peer":   p.addr,
			"error":  err,
		}).Warn("Transmitting frame errored")
	}

	return nil
}

// ResourceAvailable is always truthy for a UDP socket.
func (t *Transport) ResourceAvailable() bool {
	return true
}

// CloseSession drops the Session's peer context.
func (t *Transport) CloseSession(session paftp.Session) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if p, known := t.peers[session.ID]; known {
		delete(t.sessionByPeer, p.addr.String())
		delete(t.peers, session.ID)
	}
}

// Channel returns this Transport's Event channel.
func (t *Transport) Channel() chan transport.Event {
	return t.reportChan
}

// Address returns this Transport's unique address string.
func (t *Transport) Address() string {
	return fmt.Sprintf("udpnan://%s/%d", t.listenAddress, t.localInstance)
}

// Close shuts the Transport down.
func (t *Transport) Close() {
	close(t.stopSyn)

	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			log.WithField("udpnan", t.Address()).WithError(err).Warn("Closing UDP socket errored")
		}
		<-t.stopAck
	}

	close(t.reportChan)
}

func (t *Transport) String() string {
	return t.Address()
}
