package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor/internal/config"
	"github.com/harborchat/harbor/internal/domain"
	"github.com/harborchat/harbor/internal/protocol"
	"github.com/harborchat/harbor/internal/ratelimit"
)

// Registry-level errors surfaced by server operations.
var (
	ErrNameTaken    = errors.New("display name already in use")
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomDefault  = errors.New("default rooms cannot be deleted")
)

// Server owns the global user and room registries, accepts connections, and
// routes envelopes between sessions. All cross-references between users and
// rooms are id- or name-keyed lookups through these registries.
type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	limiter ratelimit.Limiter
	origins *originPolicy

	// mu guards the four registry maps. Held only for map access, never
	// across a network send.
	mu             sync.RWMutex
	sessions       map[*Session]struct{}
	users          map[string]*domain.User // by user id
	names          map[string]string       // lowercase display name -> user id
	sessionsByUser map[string]*Session
	rooms          map[string]*domain.Room

	startedAt        time.Time
	totalConnections atomic.Int64
	messagesRelayed  atomic.Int64
	pumps            sync.WaitGroup

	httpServer   *http.Server
	shutdownOnce sync.Once
	closed       atomic.Bool
}

// New builds a Server with the default rooms from configuration already
// registered.
func New(cfg *config.Config, logger zerolog.Logger, limiter ratelimit.Limiter) *Server {
	s := &Server{
		cfg:            cfg,
		logger:         logger,
		limiter:        limiter,
		origins:        newOriginPolicy(cfg.AllowedOrigins),
		sessions:       make(map[*Session]struct{}),
		users:          make(map[string]*domain.User),
		names:          make(map[string]string),
		sessionsByUser: make(map[string]*Session),
		rooms:          make(map[string]*domain.Room),
		startedAt:      time.Now(),
	}
	for _, rc := range cfg.DefaultRooms {
		s.rooms[rc.Name] = domain.NewRoom(rc.Name, rc.Capacity, cfg.MaxHistoryPerRoom, rc.Private)
	}
	return s
}

// Run binds the listener and serves until ctx is canceled, then performs a
// graceful shutdown. A bind failure is the only startup error; it is returned
// to the process boundary.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr()).Msg("listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listener failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown broadcasts a server_shutdown envelope to every connected user,
// closes every connection with a going-away reason, then closes the
// listener. Idempotent and safe to invoke from a signal handler.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.closed.Store(true)
		s.logger.Info().Msg("shutting down")

		frame := protocol.MustEncode(protocol.TypeServerShutdown,
			protocol.ServerShutdown{Reason: "server shutting down"})

		s.mu.RLock()
		sessions := make([]*Session, 0, len(s.sessions))
		for sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.RUnlock()

		for _, sess := range sessions {
			sess.trySend(frame)
		}
		// Closing each send queue lets its write pump drain whatever is
		// buffered, shutdown notice included, and exit on its own.
		for _, sess := range sessions {
			s.removeSession(sess)
		}

		pumpsDone := make(chan struct{})
		go func() {
			s.pumps.Wait()
			close(pumpsDone)
		}()
		select {
		case <-pumpsDone:
		case <-ctx.Done():
			s.logger.Warn().Msg("shutdown deadline reached before all pumps finished")
		}

		for _, sess := range sessions {
			if sess.conn != nil {
				sess.closeWithReason(websocket.CloseGoingAway, "server shutting down")
			}
		}

		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
		s.logger.Info().Int("connections_closed", len(sessions)).Msg("shutdown complete")
	})
	return err
}

// registerSession adds a provisional (unauthenticated) session and sends the
// welcome envelope listing available rooms.
func (s *Server) registerSession(sess *Session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	count := len(s.sessions)
	s.mu.Unlock()

	s.totalConnections.Add(1)
	s.logger.Info().Str("client_addr", sess.addr).Int("active", count).Msg("client connected")

	sess.trySend(protocol.MustEncode(protocol.TypeWelcome, protocol.Welcome{
		Message: "welcome to harbor, authenticate to join the conversation",
		Rooms:   s.publicRoomInfos(),
	}))
}

// removeSession tears a session out of every registry it appears in and, if
// it was authenticated, announces the departure to the user's room. Runs
// exactly once per session regardless of how the transport died.
func (s *Server) removeSession(sess *Session) {
	if !sess.markDisconnected() {
		return
	}

	// Disconnected is terminal, so the identity read here cannot change again.
	user := sess.User()

	s.mu.Lock()
	delete(s.sessions, sess)
	active := len(s.sessions)
	if user != nil {
		delete(s.users, user.ID)
		delete(s.names, strings.ToLower(user.DisplayName()))
		delete(s.sessionsByUser, user.ID)
	}
	s.mu.Unlock()

	if user == nil {
		s.logger.Info().Str("client_addr", sess.addr).Int("active", active).Msg("client disconnected")
		return
	}

	if roomName := user.CurrentRoom(); roomName != "" {
		if room := s.Room(roomName); room != nil {
			if left := room.Leave(user); left != nil {
				s.broadcastToRoom(room, s.messageFrame(left), user.ID)
			}
		}
	}
	s.logger.Info().
		Str("client_addr", sess.addr).
		Str("username", user.DisplayName()).
		Int("active", active).
		Msg("user disconnected")
}

// registerUser claims a display name and promotes the session. The name
// index is case-insensitive; the claim and the session promotion happen under
// one lock so two racing auths cannot both win the same name.
func (s *Server) registerUser(sess *Session, displayName string) (*domain.User, error) {
	key := strings.ToLower(displayName)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.names[key]; taken {
		return nil, ErrNameTaken
	}
	user := domain.NewUser(displayName)
	s.users[user.ID] = user
	s.names[key] = user.ID
	s.sessionsByUser[user.ID] = sess
	return user, nil
}

// unregisterUser rolls back a registration that could not complete (e.g. the
// default room was full).
func (s *Server) unregisterUser(user *domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, user.ID)
	delete(s.names, strings.ToLower(user.DisplayName()))
	delete(s.sessionsByUser, user.ID)
}

// Room resolves a room by name; nil means not found.
func (s *Server) Room(name string) *domain.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[name]
}

// UserByID resolves an authenticated user by id; nil means not found.
func (s *Server) UserByID(id string) *domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[id]
}

func (s *Server) sessionForUser(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionsByUser[id]
}

// CreateRoom registers a new room. Fails if the name is already taken.
func (s *Server) CreateRoom(name string, capacity int, private bool) (*domain.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("room name must not be empty")
	}
	if capacity <= 0 {
		capacity = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rooms[name]; exists {
		return nil, ErrRoomExists
	}
	room := domain.NewRoom(name, capacity, s.cfg.MaxHistoryPerRoom, private)
	s.rooms[name] = room
	s.logger.Info().Str("room", name).Int("capacity", capacity).Msg("room created")
	return room, nil
}

// DeleteRoom removes a room, first migrating all members into the fallback
// default room. Default rooms cannot be deleted.
func (s *Server) DeleteRoom(name string) error {
	for _, rc := range s.cfg.DefaultRooms {
		if rc.Name == name {
			return ErrRoomDefault
		}
	}

	s.mu.Lock()
	room, ok := s.rooms[name]
	if !ok {
		s.mu.Unlock()
		return ErrRoomNotFound
	}
	delete(s.rooms, name)
	fallback := s.rooms[s.cfg.FallbackRoom()]
	s.mu.Unlock()

	for _, id := range room.Members() {
		user := s.UserByID(id)
		if user == nil {
			continue
		}
		room.Leave(user)
		if fallback == nil {
			continue
		}
		joined, err := fallback.Join(user)
		if err != nil {
			s.logger.Warn().Err(err).Str("username", user.DisplayName()).
				Str("room", fallback.Name).Msg("could not migrate user from deleted room")
			continue
		}
		s.broadcastToRoom(fallback, s.messageFrame(joined), user.ID)
		if sess := s.sessionForUser(id); sess != nil {
			sess.trySend(protocol.MustEncode(protocol.TypeRoomJoined, s.roomJoinedPayload(fallback)))
		}
	}

	if fallback != nil {
		note := domain.NewSystem(fallback.Name, "room "+name+" was deleted, its members moved here")
		fallback.Post(note)
		s.broadcastToRoom(fallback, s.messageFrame(note), "")
	}
	s.logger.Info().Str("room", name).Msg("room deleted")
	return nil
}

// broadcastToRoom delivers a prebuilt frame to every member of the room
// except excludeUserID. The member set is a snapshot taken under the room's
// lock; sends happen outside any lock. A member whose session vanished since
// the snapshot is skipped; a member whose send buffer is full is disconnected
// so it cannot stall the rest.
func (s *Server) broadcastToRoom(room *domain.Room, frame []byte, excludeUserID string) {
	for _, id := range room.Members() {
		if id == excludeUserID {
			continue
		}
		sess := s.sessionForUser(id)
		if sess == nil {
			continue
		}
		if !sess.trySend(frame) {
			s.dropSlowSession(sess)
		}
	}
}

// dropSlowSession disconnects a session whose outbound queue overflowed.
// Policy: disconnect-on-overflow; a consumer that cannot keep up loses the
// connection rather than degrading delivery for everyone else.
func (s *Server) dropSlowSession(sess *Session) {
	s.logger.Warn().Str("client_addr", sess.addr).Msg("send buffer full, disconnecting slow consumer")
	go func() {
		s.removeSession(sess)
		if sess.conn != nil {
			sess.closeWithReason(websocket.ClosePolicyViolation, "send buffer overflow")
		}
	}()
}

// messageFrame renders a domain message as its wire envelope.
func (s *Server) messageFrame(m *domain.Message) []byte {
	var t protocol.EnvelopeType
	switch m.Kind {
	case domain.KindChat:
		t = protocol.TypeChatBroadcast
	case domain.KindPrivate:
		t = protocol.TypePrivateDelivery
	case domain.KindStatusChange:
		t = protocol.TypeUserStatusUpdate
	default:
		t = protocol.TypeSystem
	}
	if t == protocol.TypeUserStatusUpdate {
		user := s.UserByID(m.SenderID)
		status := ""
		if user != nil {
			status = string(user.Status())
		}
		return protocol.MustEncode(t, protocol.UserStatusUpdate{
			UserID:   m.SenderID,
			Username: m.SenderName,
			Status:   status,
		})
	}
	if t == protocol.TypePrivateDelivery {
		return protocol.MustEncode(t, protocol.PrivateDelivery{Message: messageInfo(m)})
	}
	return protocol.MustEncode(t, messageInfo(m))
}

func messageInfo(m *domain.Message) protocol.MessageInfo {
	return protocol.MessageInfo{
		ID:         m.ID,
		Kind:       string(m.Kind),
		Content:    m.Payload,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Room:       m.Room,
		Timestamp:  m.Timestamp.UnixMilli(),
		Edited:     m.Edited,
	}
}

func messageInfos(msgs []*domain.Message) []protocol.MessageInfo {
	out := make([]protocol.MessageInfo, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageInfo(m))
	}
	return out
}

// publicRoomInfos lists every non-private room for welcome and room_list
// responses.
func (s *Server) publicRoomInfos() []protocol.RoomInfo {
	s.mu.RLock()
	rooms := make([]*domain.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	infos := make([]protocol.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		if r.Private {
			continue
		}
		st := r.Stats()
		infos = append(infos, protocol.RoomInfo{
			Name:        st.Name,
			MemberCount: st.MemberCount,
			Capacity:    st.Capacity,
			Private:     st.Private,
		})
	}
	return infos
}

// roomJoinedPayload builds the roster-and-history payload sent to a user who
// just entered a room.
func (s *Server) roomJoinedPayload(room *domain.Room) protocol.RoomJoined {
	users := make([]protocol.UserInfo, 0, room.MemberCount())
	for _, id := range room.Members() {
		if u := s.UserByID(id); u != nil {
			users = append(users, userInfo(u))
		}
	}
	return protocol.RoomJoined{
		Room:    room.Name,
		Users:   users,
		History: messageInfos(room.Recent(s.cfg.HistoryOnJoin)),
	}
}

func userInfo(u *domain.User) protocol.UserInfo {
	return protocol.UserInfo{
		ID:       u.ID,
		Username: u.DisplayName(),
		Status:   string(u.Status()),
		Room:     u.CurrentRoom(),
	}
}
