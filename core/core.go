// SPDX-FileCopyrightText: 2025 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package core ties the PAFTP stack together: it owns the run loop, one
// Endpoint per lower layer Session, the registered transports and the fan
// out of delivered messages to application agents and the storage journal.
package core

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/paftp-go/paftp"
	"github.com/dtn7/paftp-go/storage"
	"github.com/dtn7/paftp-go/transport"
)

// MessageHandler receives every whole message delivered by any Endpoint.
type MessageHandler func(session paftp.Session, message []byte)

// Layer is the central PAFTP instance of a node. All Endpoint interaction
// is serialized onto its run loop; the exported methods may be called from
// any goroutine.
type Layer struct {
	runLoop *paftp.RunLoop
	store   *storage.Store

	endpoints map[uint32]*paftp.Endpoint
	providers []transport.Provider
	handlers  []MessageHandler
}

// NewLayer creates a started Layer. The store is optional and may be nil.
func NewLayer(store *storage.Store) *Layer {
	return &Layer{
		runLoop:   paftp.NewRunLoop(),
		store:     store,
		endpoints: make(map[uint32]*paftp.Endpoint),
	}
}

// RegisterTransport starts the given Provider and consumes its Events.
func (l *Layer) RegisterTransport(provider transport.Provider) error {
	if err := provider.Start(); err != nil {
		return err
	}

	l.runLoop.Post(func() {
		l.providers = append(l.providers, provider)
	})

	go l.consume(provider)

	log.WithField("transport", provider.Address()).Info("Registered transport")
	return nil
}

// consume serializes a Provider's Events onto the run loop.
func (l *Layer) consume(provider transport.Provider) {
	for event := range provider.Channel() {
		event := event
		l.runLoop.Post(func() {
			l.handleEvent(provider, event)
		})
	}
}

// handleEvent dispatches one transport Event, on the run loop.
func (l *Layer) handleEvent(provider transport.Provider, event transport.Event) {
	switch event.Type {
	case transport.SessionEstablished:
		l.createEndpoint(provider, event.Session)

	case transport.DatagramReceived:
		ep, known := l.endpoints[event.Session.ID]
		if !known {
			// A datagram may precede its session report on lossy providers.
			ep = l.createEndpoint(provider, event.Session)
		}

		// Receive handles its own errors by closing the Endpoint; only
		// trace them here.
		if err := ep.Receive(paftp.WrapBuffer(event.Datagram)); err != nil {
			log.WithFields(log.Fields{
				"session": event.Session,
				"error":   err,
			}).Debug("Receiving datagram errored")
		}

	case transport.SendConfirmation:
		if ep, known := l.endpoints[event.Session.ID]; known {
			ep.HandleSendConfirmation(event.SendOK)
		}

	case transport.PeerDisappeared:
		if ep, known := l.endpoints[event.Session.ID]; known {
			ep.HandleRemoteDisconnect()
		}

	default:
		log.WithField("type", event.Type).Warn("Unknown transport event")
	}
}

// createEndpoint sets up an Endpoint with the Layer's callbacks, on the run
// loop.
func (l *Layer) createEndpoint(provider transport.Provider, session paftp.Session) *paftp.Endpoint {
	callbacks := paftp.Callbacks{
		OnConnectComplete:  l.onConnectComplete,
		OnConnectError:     l.onConnectError,
		OnMessageReceived:  l.onMessageReceived,
		OnConnectionClosed: l.onConnectionClosed,
	}

	ep, err := paftp.NewEndpoint(l.runLoop, provider, session, callbacks)
	if err != nil {
		log.WithFields(log.Fields{
			"session": session,
			"error":   err,
		}).Error("Creating endpoint failed")
		return nil
	}

	l.endpoints[session.ID] = ep
	return ep
}

func (l *Layer) onConnectComplete(ep *paftp.Endpoint) {
	session := ep.Session()

	log.WithFields(log.Fields{
		"session":       session,
		"version":       ep.ProtocolVersion(),
		"fragment size": ep.FragmentSize(),
		"window size":   ep.WindowSize(),
	}).Info("PAFTP connection established")

	if l.store != nil {
		if err := l.store.UpdatePeer(session, ep.ProtocolVersion(), ep.FragmentSize(), ep.WindowSize()); err != nil {
			log.WithError(err).Warn("Updating peer record failed")
		}
	}
}

func (l *Layer) onConnectError(ep *paftp.Endpoint, err error) {
	log.WithFields(log.Fields{
		"session": ep.Session(),
		"error":   err,
	}).Warn("PAFTP connect failed")

	delete(l.endpoints, ep.Session().ID)
}

func (l *Layer) onMessageReceived(session paftp.Session, message *paftp.Buffer) {
	payload := message.Bytes()

	if l.store != nil {
		if err := l.store.CountMessage(session); err != nil {
			log.WithError(err).Warn("Counting message failed")
		}
		if err := l.store.JournalMessage(session, payload); err != nil {
			log.WithError(err).Warn("Journaling message failed")
		}
	}

	for _, handler := range l.handlers {
		handler(session, payload)
	}
}

func (l *Layer) onConnectionClosed(session paftp.Session, err error) {
	log.WithFields(log.Fields{
		"session": session,
		"error":   err,
	}).Info("PAFTP connection closed")

	delete(l.endpoints, session.ID)
}

// Connect dials a remote peer through the given Dialer and starts the PAFTP
// handshake as a subscriber.
func (l *Layer) Connect(dialer transport.Dialer, peerAddress string) error {
	session, err := dialer.Dial(peerAddress)
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	l.runLoop.Post(func() {
		ep := l.createEndpoint(dialer, session)
		if ep == nil {
			result <- paftp.ErrInvalidArgument
			return
		}
		result <- ep.StartConnect()
	})

	return <-result
}

// Send transmits one whole message over the Session with the given
// identifier.
func (l *Layer) Send(sessionID uint32, message []byte) error {
	result := make(chan error, 1)

	l.runLoop.Post(func() {
		ep, known := l.endpoints[sessionID]
		if !known {
			result <- fmt.Errorf("session %d is unknown: %w", sessionID, paftp.ErrInvalidArgument)
			return
		}

		result <- ep.Send(paftp.WrapBuffer(message))
	})

	return <-result
}

// Sessions lists all currently known Sessions.
func (l *Layer) Sessions() []paftp.Session {
	result := make(chan []paftp.Session, 1)

	l.runLoop.Post(func() {
		sessions := make([]paftp.Session, 0, len(l.endpoints))
		for _, ep := range l.endpoints {
			sessions = append(sessions, ep.Session())
		}
		result <- sessions
	})

	return <-result
}

// SessionState reports the lifecycle state of the given Session's Endpoint.
func (l *Layer) SessionState(sessionID uint32) (paftp.State, bool) {
	type answer struct {
		state paftp.State
		known bool
	}
	result := make(chan answer, 1)

	l.runLoop.Post(func() {
		if ep, known := l.endpoints[sessionID]; known {
			result <- answer{state: ep.State(), known: true}
		} else {
			result <- answer{}
		}
	})

	a := <-result
	return a.state, a.known
}

// RegisterMessageHandler subscribes to all delivered messages.
func (l *Layer) RegisterMessageHandler(handler MessageHandler) {
	l.runLoop.Post(func() {
		l.handlers = append(l.handlers, handler)
	})
}

// Store returns the Layer's Store, which may be nil.
func (l *Layer) Store() *storage.Store {
	return l.store
}

// Close shuts the Layer down: all transports, the run loop and the store.
func (l *Layer) Close() (err error) {
	providers := make(chan []transport.Provider, 1)
	l.runLoop.Post(func() {
		providers <- l.providers
	})

	for _, provider := range <-providers {
		provider.Close()
	}

	l.runLoop.Stop()

	if l.store != nil {
		if storeErr := l.store.Close(); storeErr != nil {
			err = multierror.Append(err, storeErr)
		}
	}

	return
}
