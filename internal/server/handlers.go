package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// HandleWebSocket upgrades the HTTP request and starts the session pumps.
// The session stays provisional (unauthenticated) until an auth envelope is
// accepted.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("client_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sess := newSession(s, conn, r.RemoteAddr)
	s.registerSession(sess)

	s.pumps.Add(2)
	go func() {
		defer s.pumps.Done()
		sess.writePump()
	}()
	go func() {
		defer s.pumps.Done()
		sess.readPump()
	}()
}

// HandleHealth is a liveness probe.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

// HandleStats serves the introspection counters as JSON.
func (s *Server) HandleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

type createRoomRequest struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Private  bool   `json:"private"`
}

// HandleCreateRoom creates a room on demand.
func (s *Server) HandleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	room, err := s.CreateRoom(req.Name, req.Capacity, req.Private)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrRoomExists) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, room.Stats())
}

// HandleDeleteRoom deletes a room, migrating its members to the fallback
// default room first.
func (s *Server) HandleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.DeleteRoom(name); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrRoomNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
