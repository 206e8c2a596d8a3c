// SPDX-FileCopyrightText: 2025 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/paftp-go/core"
	"github.com/dtn7/paftp-go/paftp"
)

// wsMessage is exchanged with WebSocket clients in both directions: the
// stack pushes delivered messages, clients push messages to send.
type wsMessage struct {
	SessionID uint32 `json:"session_id"`
	PeerID    uint32 `json:"peer_id,omitempty"`
	Payload   []byte `json:"payload"`
}

// WebSocketAgent streams every delivered message to all connected clients
// and sends client-submitted messages over the stack.
type WebSocketAgent struct {
	layer    *core.Layer
	server   *http.Server
	upgrader websocket.Upgrader

	mutex   sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewWebSocketAgent creates and starts a WebSocketAgent on the given listen
// address, serving the /ws endpoint.
func NewWebSocketAgent(layer *core.Layer, listenAddress string) *WebSocketAgent {
	agent := &WebSocketAgent{
		layer:   layer,
		clients: make(map[*websocket.Conn]struct{}),
	}

	layer.RegisterMessageHandler(agent.broadcast)

	serveMux := http.NewServeMux()
	serveMux.HandleFunc("/ws", agent.handleWs)

	agent.server = &http.Server{
		Addr:    listenAddress,
		Handler: serveMux,
	}

	go func() {
		if err := agent.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("WebSocket agent's server errored")
		}
	}()

	log.WithField("address", listenAddress).Info("Started WebSocket agent")
	return agent
}

func (agent *WebSocketAgent) handleWs(w http.ResponseWriter, r *http.Request) {
	conn, err := agent.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading WebSocket connection errored")
		return
	}

	agent.mutex.Lock()
	agent.clients[conn] = struct{}{}
	agent.mutex.Unlock()

	log.WithField("client", conn.RemoteAddr()).Info("WebSocket client connected")

	go agent.handleClient(conn)
}

func (agent *WebSocketAgent) handleClient(conn *websocket.Conn) {
	defer func() {
		agent.mutex.Lock()
		delete(agent.clients, conn)
		agent.mutex.Unlock()

		_ = conn.Close()
	}()

	for {
		var message wsMessage
		if err := conn.ReadJSON(&message); err != nil {
			log.WithFields(log.Fields{
				"client": conn.RemoteAddr(),
				"error":  err,
			}).Debug("WebSocket client is gone")
			return
		}

		if err := agent.layer.Send(message.SessionID, message.Payload); err != nil {
			log.WithFields(log.Fields{
				"client":  conn.RemoteAddr(),
				"session": message.SessionID,
				"error":   err,
			}).Warn("Sending WebSocket client's message errored")
		}
	}
}

// broadcast pushes one delivered message to all connected clients.
func (agent *WebSocketAgent) broadcast(session paftp.Session, payload []byte) {
	message := wsMessage{
		SessionID: session.ID,
		PeerID:    session.PeerID,
		Payload:   payload,
	}

	agent.mutex.Lock()
	defer agent.mutex.Unlock()

	for conn := range agent.clients {
		if err := conn.WriteJSON(message); err != nil {
			log.WithFields(log.Fields{
				"client": conn.RemoteAddr(),
				"error":  err,
			}).Warn("Pushing message to WebSocket client errored")
		}
	}
}

// Close disconnects all clients and shuts the server down.
func (agent *WebSocketAgent) Close() error {
	agent.mutex.Lock()
	for conn := range agent.clients {
		_ = conn.Close()
	}
	agent.clients = make(map[*websocket.Conn]struct{})
	agent.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	return agent.server.Shutdown(ctx)
}
