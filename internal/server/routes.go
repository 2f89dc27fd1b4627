package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Handler returns the router with all application routes: the WebSocket
// endpoint, the liveness probe, introspection, and the room admin surface.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.HandleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.HandleStats).Methods(http.MethodGet)
	r.HandleFunc("/rooms", s.HandleCreateRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{name}", s.HandleDeleteRoom).Methods(http.MethodDelete)
	return r
}
