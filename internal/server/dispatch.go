package server

import (
	"context"
	"errors"
	"strings"

	"github.com/harborchat/harbor/internal/domain"
	"github.com/harborchat/harbor/internal/protocol"
)

// dispatch routes one inbound frame. Malformed input and recoverable
// failures produce a local error reply; the connection stays open and no
// other session is ever affected.
func (s *Server) dispatch(sess *Session, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		sess.trySend(protocol.NewError(protocol.CodeProtocolError, "malformed envelope"))
		return
	}

	user := sess.User()
	if user == nil {
		if env.Type != protocol.TypeAuth {
			sess.trySend(protocol.NewError(protocol.CodeAuthError, "authenticate first"))
			return
		}
		s.handleAuth(sess, env)
		return
	}

	// Abuse control gates every authenticated envelope before any further
	// processing; a denied envelope is dropped entirely.
	if !s.limiter.Allow(context.Background(), sess.rateKey()) {
		sess.trySend(protocol.NewError(protocol.CodeRateLimited, "rate limit exceeded, slow down"))
		return
	}
	user.Touch()

	switch env.Type {
	case protocol.TypeAuth:
		sess.trySend(protocol.NewError(protocol.CodeAuthError, "already authenticated"))
	case protocol.TypeChat:
		s.handleChat(sess, user, env)
	case protocol.TypeEditMessage:
		s.handleEditMessage(sess, user, env)
	case protocol.TypeJoinRoom:
		s.handleJoinRoom(sess, user, env)
	case protocol.TypeLeaveRoom:
		s.handleLeaveRoom(sess, user)
	case protocol.TypeGetUsers:
		s.handleGetUsers(sess, user)
	case protocol.TypeGetRooms:
		s.handleGetRooms(sess)
	case protocol.TypePrivateMessage:
		s.handlePrivateMessage(sess, user, env)
	case protocol.TypeStatusUpdate:
		s.handleStatusUpdate(sess, user, env)
	default:
		sess.trySend(protocol.NewError(protocol.CodeProtocolError,
			"unknown envelope type: "+string(env.Type)))
	}
}

func (s *Server) handleAuth(sess *Session, env *protocol.Envelope) {
	var req protocol.AuthRequest
	if err := env.DecodeData(&req); err != nil {
		sess.trySend(protocol.NewError(protocol.CodeProtocolError, "invalid auth payload"))
		return
	}

	name := strings.TrimSpace(req.Username)
	if len(name) < s.cfg.MinUsernameLength || len(name) > s.cfg.MaxUsernameLength {
		sess.trySend(protocol.NewError(protocol.CodeAuthError, "username must be 2-20 characters"))
		return
	}

	user, err := s.registerUser(sess, name)
	if err != nil {
		sess.trySend(protocol.NewError(protocol.CodeAuthError, "username already taken"))
		return
	}

	room := s.Room(s.cfg.FallbackRoom())
	if room == nil {
		s.unregisterUser(user)
		sess.trySend(protocol.NewError(protocol.CodeInternalError, "default room unavailable"))
		return
	}
	joined, err := room.Join(user)
	if err != nil {
		// The default room is full: roll the registration back so the auth
		// leaves no trace, exactly as if it had never happened.
		s.unregisterUser(user)
		sess.trySend(protocol.NewError(protocol.CodeCapacityError, "default room is full, try again later"))
		return
	}

	if !sess.setUser(user) {
		// The session was torn down while the handshake was in flight. Undo
		// the registration and membership so no registry points at it.
		room.Leave(user)
		s.unregisterUser(user)
		return
	}
	sess.trySend(protocol.MustEncode(protocol.TypeAuthSuccess, protocol.AuthSuccess{
		UserID:   user.ID,
		Username: user.DisplayName(),
		Room:     room.Name,
		History:  messageInfos(room.Recent(s.cfg.HistoryOnJoin)),
	}))
	s.broadcastToRoom(room, s.messageFrame(joined), user.ID)

	s.logger.Info().
		Str("username", user.DisplayName()).
		Str("user_id", user.ID).
		Str("room", room.Name).
		Msg("user authenticated")
}

func (s *Server) handleChat(sess *Session, user *domain.User, env *protocol.Envelope) {
	var req protocol.ChatRequest
	if err := env.DecodeData(&req); err != nil {
		sess.trySend(protocol.NewError(protocol.CodeProtocolError, "invalid chat payload"))
		return
	}

	content, ok := s.validateContent(sess, req.Content)
	if !ok {
		return
	}
	room := s.Room(req.Room)
	if room == nil {
		sess.trySend(protocol.NewError(protocol.CodeNotFound, "no such room: "+req.Room))
		return
	}
	if !room.HasMember(user.ID) {
		sess.trySend(protocol.NewError(protocol.CodeAuthError, "you are not a member of "+room.Name))
		return
	}

	msg := room.Post(domain.NewChat(room.Name, user.ID, user.DisplayName(), content))
	s.messagesRelayed.Add(1)
	s.broadcastToRoom(room, s.messageFrame(msg), user.ID)
}

func (s *Server) handleEditMessage(sess *Session, user *domain.User, env *protocol.Envelope) {
	var req protocol.EditMessageRequest
	if err := env.DecodeData(&req); err != nil {
		sess.trySend(protocol.NewError(protocol.CodeProtocolError, "invalid edit payload"))
		return
	}

	content, ok := s.validateContent(sess, req.Content)
	if !ok {
		return
	}
	room := s.Room(req.Room)
	if room == nil {
		sess.trySend(protocol.NewError(protocol.CodeNotFound, "no such room: "+req.Room))
		return
	}
	if !room.HasMember(user.ID) {
		sess.trySend(protocol.NewError(protocol.CodeAuthError, "you are not a member of "+room.Name))
		return
	}

	edited := room.EditMessage(req.MessageID, content, user.ID)
	if edited == nil {
		sess.trySend(protocol.NewError(protocol.CodeNotFound, "message not found or not yours to edit"))
		return
	}
	last := edited.EditHistory[len(edited.EditHistory)-1]
	s.broadcastToRoom(room, protocol.MustEncode(protocol.TypeMessageEdited, protocol.MessageEdited{
		Room:      room.Name,
		MessageID: edited.ID,
		Content:   edited.Payload,
		EditedBy:  user.DisplayName(),
		EditedAt:  last.EditedAt.UnixMilli(),
	}), "")
}

// handleJoinRoom moves the user atomically: the new room is joined first, and
// only then is the old room left, so a failed join leaves prior membership
// untouched.
func (s *Server) handleJoinRoom(sess *Session, user *domain.User, env *protocol.Envelope) {
	var req protocol.JoinRoomRequest
	if err := env.DecodeData(&req); err != nil {
		sess.trySend(protocol.NewError(protocol.CodeProtocolError, "invalid join_room payload"))
		return
	}

	newRoom := s.Room(req.RoomName)
	if newRoom == nil {
		sess.trySend(protocol.NewError(protocol.CodeNotFound, "no such room: "+req.RoomName))
		return
	}

	oldName := user.CurrentRoom()
	if oldName == newRoom.Name {
		sess.trySend(protocol.MustEncode(protocol.TypeRoomJoined, s.roomJoinedPayload(newRoom)))
		return
	}

	joined, err := newRoom.Join(user)
	if err != nil {
		if errors.Is(err, domain.ErrRoomFull) {
			sess.trySend(protocol.NewError(protocol.CodeCapacityError, "room "+newRoom.Name+" is full"))
		} else {
			sess.trySend(protocol.NewError(protocol.CodeInternalError, "could not join room"))
		}
		return
	}

	if oldName != "" {
		if oldRoom := s.Room(oldName); oldRoom != nil {
			if left := oldRoom.Leave(user); left != nil {
				s.broadcastToRoom(oldRoom, s.messageFrame(left), user.ID)
			}
		}
	}

	s.broadcastToRoom(newRoom, s.messageFrame(joined), user.ID)
	sess.trySend(protocol.MustEncode(protocol.TypeRoomJoined, s.roomJoinedPayload(newRoom)))

	s.logger.Debug().
		Str("username", user.DisplayName()).
		Str("from", oldName).
		Str("to", newRoom.Name).
		Msg("user moved rooms")
}

func (s *Server) handleLeaveRoom(sess *Session, user *domain.User) {
	roomName := user.CurrentRoom()
	if roomName == "" {
		sess.trySend(protocol.NewError(protocol.CodeNotFound, "you are not in a room"))
		return
	}
	room := s.Room(roomName)
	if room == nil {
		user.SetCurrentRoom("")
		sess.trySend(protocol.MustEncode(protocol.TypeRoomLeft, protocol.RoomLeft{Room: roomName}))
		return
	}

	if left := room.Leave(user); left != nil {
		s.broadcastToRoom(room, s.messageFrame(left), user.ID)
	}
	sess.trySend(protocol.MustEncode(protocol.TypeRoomLeft, protocol.RoomLeft{Room: roomName}))
}

// handleGetUsers answers with a roster snapshot. Users who set themselves
// invisible are omitted unless they are the requester.
func (s *Server) handleGetUsers(sess *Session, requester *domain.User) {
	s.mu.RLock()
	users := make([]*domain.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.mu.RUnlock()

	infos := make([]protocol.UserInfo, 0, len(users))
	for _, u := range users {
		if u.Status() == domain.StatusInvisible && u.ID != requester.ID {
			continue
		}
		infos = append(infos, userInfo(u))
	}
	sess.trySend(protocol.MustEncode(protocol.TypeUserList, protocol.UserList{Users: infos}))
}

func (s *Server) handleGetRooms(sess *Session) {
	sess.trySend(protocol.MustEncode(protocol.TypeRoomList, protocol.RoomList{
		Rooms: s.publicRoomInfos(),
	}))
}

// handlePrivateMessage delivers directly to the target's session, bypassing
// room history entirely.
func (s *Server) handlePrivateMessage(sess *Session, user *domain.User, env *protocol.Envelope) {
	var req protocol.PrivateMessageRequest
	if err := env.DecodeData(&req); err != nil {
		sess.trySend(protocol.NewError(protocol.CodeProtocolError, "invalid private_message payload"))
		return
	}

	content, ok := s.validateContent(sess, req.Content)
	if !ok {
		return
	}
	target := s.UserByID(req.TargetID)
	targetSess := s.sessionForUser(req.TargetID)
	if target == nil || targetSess == nil {
		sess.trySend(protocol.NewError(protocol.CodeNotFound, "no such user"))
		return
	}

	msg := domain.NewPrivate(user.ID, user.DisplayName(), content)
	s.messagesRelayed.Add(1)
	if !targetSess.trySend(s.messageFrame(msg)) {
		s.dropSlowSession(targetSess)
	}
	sess.trySend(protocol.MustEncode(protocol.TypePrivateMessageSent, protocol.PrivateMessageSent{
		TargetID:   target.ID,
		TargetName: target.DisplayName(),
		MessageID:  msg.ID,
	}))
}

func (s *Server) handleStatusUpdate(sess *Session, user *domain.User, env *protocol.Envelope) {
	var req protocol.StatusUpdateRequest
	if err := env.DecodeData(&req); err != nil {
		sess.trySend(protocol.NewError(protocol.CodeProtocolError, "invalid status_update payload"))
		return
	}

	status, ok := domain.ParseStatus(req.Status)
	if !ok {
		sess.trySend(protocol.NewError(protocol.CodeProtocolError,
			"status must be one of: online, away, busy, invisible"))
		return
	}
	user.SetStatus(status)

	if roomName := user.CurrentRoom(); roomName != "" {
		if room := s.Room(roomName); room != nil {
			change := domain.NewStatusChange(room.Name, user, status)
			s.broadcastToRoom(room, s.messageFrame(change), user.ID)
		}
	}
}

// validateContent trims and bounds a message payload. On failure it replies
// to the sender and reports false.
func (s *Server) validateContent(sess *Session, content string) (string, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		sess.trySend(protocol.NewError(protocol.CodeProtocolError, "message content must not be empty"))
		return "", false
	}
	if len(content) > s.cfg.MaxMessageLength {
		sess.trySend(protocol.NewError(protocol.CodeProtocolError, "message content too long"))
		return "", false
	}
	return content, true
}
