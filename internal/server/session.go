package server

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor/internal/domain"
)

// sendBufferSize bounds each session's outbound queue. A session whose queue
// fills up is disconnected rather than allowed to stall broadcasts.
const sendBufferSize = 256

// sessionState tracks the per-connection lifecycle.
type sessionState int

const (
	stateConnected sessionState = iota
	stateAuthenticated
	stateDisconnected
)

// Session is one client connection. It owns the WebSocket conn, the outbound
// send queue, and the authenticated user identity once the auth handshake
// completes.
type Session struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	addr   string
	logger zerolog.Logger

	mu    sync.RWMutex
	state sessionState
	user  *domain.User

	closeOnce sync.Once
}

func newSession(srv *Server, conn *websocket.Conn, addr string) *Session {
	return &Session{
		server: srv,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		addr:   addr,
		logger: srv.logger.With().Str("client_addr", addr).Logger(),
	}
}

// User returns the authenticated user, or nil while the session is still in
// the connected (pre-auth) state.
func (s *Session) User() *domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// setUser promotes the session to the authenticated state. It refuses once
// the session has been disconnected; that state is terminal, and a promotion
// after teardown would reopen a send queue that is already closed.
func (s *Session) setUser(u *domain.User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisconnected {
		return false
	}
	s.user = u
	s.state = stateAuthenticated
	return true
}

// markDisconnected transitions the session to its terminal state and closes
// the send queue. Closing under the write lock excludes concurrent trySend
// calls, which hold the read lock across their channel send.
func (s *Session) markDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisconnected {
		return false
	}
	s.state = stateDisconnected
	close(s.send)
	return true
}

// rateKey is the rate limiter source key: the remote host without the
// ephemeral port, so reconnecting does not reset the budget.
func (s *Session) rateKey() string {
	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return s.addr
	}
	return host
}

// trySend queues a frame without blocking. False means the buffer is full or
// the session is already gone; the caller decides what to do with the slow
// consumer. In-flight sends to a session snapshotted before its removal are
// tolerated as no-op failures.
func (s *Session) trySend(frame []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == stateDisconnected {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// readPump consumes inbound frames and hands them to the dispatcher. It runs
// on its own goroutine; returning triggers full session cleanup.
func (s *Session) readPump() {
	defer func() {
		s.server.removeSession(s)
		s.closeConn()
	}()

	cfg := s.server.cfg
	s.conn.SetReadLimit(cfg.WebSocket.MaxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(cfg.WebSocket.PongWait)); err != nil {
		s.logger.Error().Err(err).Msg("failed to set initial read deadline")
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.WebSocket.PongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}
		s.server.dispatch(s, raw)
	}
}

func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn().Int64("limit", s.server.cfg.WebSocket.MaxMessageSize).Msg("frame exceeded read limit")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.logger.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		s.logger.Debug().Err(err).Msg("connection closed")
	default:
		s.logger.Warn().Err(err).Msg("websocket read error")
	}
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with periodic pings. One writer goroutine per connection; nothing
// else writes to the conn except the final close frame.
func (s *Session) writePump() {
	cfg := s.server.cfg
	ticker := time.NewTicker(cfg.WebSocket.PingInterval)
	defer func() {
		ticker.Stop()
		s.closeConn()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(cfg.WebSocket.WriteWait)); err != nil {
				return
			}
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !isExpectedCloseError(err) {
					s.logger.Debug().Err(err).Msg("websocket write error")
				}
				return
			}
			// Flush whatever else is already queued.
			n := len(s.send)
			for i := 0; i < n; i++ {
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(cfg.WebSocket.WriteWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeWithReason sends a close frame with the given code and reason before
// tearing the connection down.
func (s *Session) closeWithReason(code int, reason string) {
	deadline := time.Now().Add(s.server.cfg.WebSocket.WriteWait)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	s.closeConn()
}

func (s *Session) closeConn() {
	if s.conn == nil {
		return
	}
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Debug().Err(err).Msg("error closing connection")
		}
	})
}

// isExpectedCloseError reports whether an error is routine connection
// teardown noise rather than something worth logging loudly.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
