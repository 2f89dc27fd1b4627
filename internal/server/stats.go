package server

import (
	"time"

	"github.com/harborchat/harbor/internal/domain"
)

// Stats is a point-in-time snapshot of the server's introspection counters.
type Stats struct {
	ActiveConnections  int                `json:"active_connections"`
	AuthenticatedUsers int                `json:"authenticated_users"`
	TotalConnections   int64              `json:"total_connections"`
	MessagesRelayed    int64              `json:"messages_relayed"`
	UptimeSeconds      int64              `json:"uptime_seconds"`
	Rooms              []domain.RoomStats `json:"rooms"`
}

// Stats gathers the current counters and per-room snapshots.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	active := len(s.sessions)
	authed := len(s.users)
	rooms := make([]*domain.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	roomStats := make([]domain.RoomStats, 0, len(rooms))
	for _, r := range rooms {
		roomStats = append(roomStats, r.Stats())
	}

	return Stats{
		ActiveConnections:  active,
		AuthenticatedUsers: authed,
		TotalConnections:   s.totalConnections.Load(),
		MessagesRelayed:    s.messagesRelayed.Load(),
		UptimeSeconds:      int64(time.Since(s.startedAt).Seconds()),
		Rooms:              roomStats,
	}
}
