// Package admin is the operator-facing HTTP surface (C11): a status
// endpoint and a websocket stream of state-transfer progress, grounded
// on the teacher's HTTPTransferAgent.Attach(router) pattern
// (transfer/transfer_agent.go) but filled in rather than left as
// empty method stubs.
package admin

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/latticedb/str"
)

// StatusSource is the subset of *str.Coordinator the admin surface
// reads; a narrow interface keeps this package testable without a
// live coordinator.
type StatusSource interface {
	State() str.State
	StateSeqno() int64
	LastDonorIndex() int64
}

// Status is the JSON body served at GET /status.
type Status struct {
	State          string `json:"state"`
	StateSeqno     int64  `json:"stateSeqno"`
	LastDonorIndex int64  `json:"lastDonorIndex"`
}

// Server attaches the admin routes to a router and fans out progress
// events to every connected /ws/progress client.
type Server struct {
	source   StatusSource
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewServer creates an admin server reading status from source.
func NewServer(source StatusSource) *Server {
	return &Server{
		source:  source,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Attach registers this server's routes on router.
func (s *Server) Attach(router *mux.Router) {
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/ws/progress", s.handleProgress).Methods(http.MethodGet)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{
		State:          s.source.State().String(),
		StateSeqno:     s.source.StateSeqno(),
		LastDonorIndex: s.source.LastDonorIndex(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// The client doesn't send anything meaningful; reading just lets
	// us notice it disconnected so Broadcast stops targeting it.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast pushes a progress snapshot to every connected client.
// Intended to be called periodically (e.g. from a ticker in the
// daemon) or on every state transition.
func (s *Server) Broadcast() {
	status := Status{
		State:          s.source.State().String(),
		StateSeqno:     s.source.StateSeqno(),
		LastDonorIndex: s.source.LastDonorIndex(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(status); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}
