// SPDX-FileCopyrightText: 2025 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/paftp-go/core"
)

// RESTAgent exposes the Layer's sessions, peers and a send operation over
// plain HTTP.
//
//	GET  /sessions        list active sessions
//	POST /send/{session}  send the request body over this session
//	GET  /peers           list persisted peer records
type RESTAgent struct {
	layer  *core.Layer
	server *http.Server
}

// NewRESTAgent creates and starts a RESTAgent on the given listen address.
func NewRESTAgent(layer *core.Layer, listenAddress string) *RESTAgent {
	agent := &RESTAgent{
		layer: layer,
	}

	router := mux.NewRouter()
	router.HandleFunc("/sessions", agent.handleSessions).Methods("GET")
	router.HandleFunc("/send/{session}", agent.handleSend).Methods("POST")
	router.HandleFunc("/peers", agent.handlePeers).Methods("GET")

	agent.server = &http.Server{
		Addr:    listenAddress,
		Handler: router,
	}

	go func() {
		if err := agent.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("REST agent's server errored")
		}
	}()

	log.WithField("address", listenAddress).Info("Started REST agent")
	return agent
}

type restSession struct {
	ID     uint32 `json:"id"`
	PeerID uint32 `json:"peer_id"`
	Role   string `json:"role"`
}

func (agent *RESTAgent) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := agent.layer.Sessions()

	response := make([]restSession, 0, len(sessions))
	for _, session := range sessions {
		response = append(response, restSession{
			ID:     session.ID,
			PeerID: session.PeerID,
			Role:   session.Role.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (agent *RESTAgent) handleSend(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseUint(mux.Vars(r)["session"], 10, 32)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(payload) == 0 {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}

	if err := agent.layer.Send(uint32(sessionID), payload); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (agent *RESTAgent) handlePeers(w http.ResponseWriter, _ *http.Request) {
	store := agent.layer.Store()
	if store == nil {
		http.Error(w, "no store configured", http.StatusNotFound)
		return
	}

	records, err := store.QueryAll()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

// Close shuts the RESTAgent's HTTP server down.
func (agent *RESTAgent) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	return agent.server.Shutdown(ctx)
}
