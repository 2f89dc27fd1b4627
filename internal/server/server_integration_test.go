package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborchat/harbor/internal/config"
	"github.com/harborchat/harbor/internal/domain"
	"github.com/harborchat/harbor/internal/protocol"
	"github.com/harborchat/harbor/internal/ratelimit"
	"github.com/harborchat/harbor/internal/server"
)

func startTestServer(t *testing.T, cfg *config.Config) (*server.Server, *httptest.Server) {
	t.Helper()
	limiter := ratelimit.NewSlidingWindow(10000, time.Minute, zerolog.Nop())
	t.Cleanup(func() { _ = limiter.Close() })

	srv := server.New(cfg, zerolog.Nop(), limiter)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, typ protocol.EnvelopeType, payload interface{}) {
	t.Helper()
	raw, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

// awaitEnvelope reads frames until one of the wanted type arrives, skipping
// the presence and system chatter interleaved with it.
func awaitEnvelope(t *testing.T, conn *websocket.Conn, want protocol.EnvelopeType) *protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q envelope", want)
		env, err := protocol.Decode(raw)
		require.NoError(t, err)
		if env.Type == want {
			return env
		}
		if env.Type == protocol.TypeError {
			var reply protocol.ErrorReply
			_ = env.DecodeData(&reply)
			t.Fatalf("waiting for %q, got error %s: %s", want, reply.Code, reply.Message)
		}
	}
}

// authOverWire completes the welcome-then-auth handshake for a live
// connection and returns the assigned user id.
func authOverWire(t *testing.T, conn *websocket.Conn, username string) string {
	t.Helper()
	awaitEnvelope(t, conn, protocol.TypeWelcome)
	sendEnvelope(t, conn, protocol.TypeAuth, protocol.AuthRequest{Username: username})
	env := awaitEnvelope(t, conn, protocol.TypeAuthSuccess)
	var payload protocol.AuthSuccess
	require.NoError(t, env.DecodeData(&payload))
	return payload.UserID
}

func TestWebSocketChatBetweenTwoClients(t *testing.T) {
	_, ts := startTestServer(t, config.Default())

	alice := dial(t, ts)
	aliceID := authOverWire(t, alice, "alice")
	bob := dial(t, ts)
	authOverWire(t, bob, "bob")

	sendEnvelope(t, alice, protocol.TypeChat, protocol.ChatRequest{Room: "general", Content: "hello over the wire"})

	env := awaitEnvelope(t, bob, protocol.TypeChatBroadcast)
	var msg protocol.MessageInfo
	require.NoError(t, env.DecodeData(&msg))
	assert.Equal(t, "hello over the wire", msg.Content)
	assert.Equal(t, aliceID, msg.SenderID)
	assert.Equal(t, "general", msg.Room)
}

func TestWebSocketPrivateMessage(t *testing.T) {
	_, ts := startTestServer(t, config.Default())

	alice := dial(t, ts)
	authOverWire(t, alice, "alice")
	bob := dial(t, ts)
	bobID := authOverWire(t, bob, "bob")

	sendEnvelope(t, alice, protocol.TypePrivateMessage, protocol.PrivateMessageRequest{
		TargetID: bobID,
		Content:  "just for you",
	})

	env := awaitEnvelope(t, bob, protocol.TypePrivateDelivery)
	var delivery protocol.PrivateDelivery
	require.NoError(t, env.DecodeData(&delivery))
	assert.Equal(t, "just for you", delivery.Message.Content)

	env = awaitEnvelope(t, alice, protocol.TypePrivateMessageSent)
	var confirm protocol.PrivateMessageSent
	require.NoError(t, env.DecodeData(&confirm))
	assert.Equal(t, bobID, confirm.TargetID)
}

func TestWebSocketDisconnectAnnounced(t *testing.T) {
	_, ts := startTestServer(t, config.Default())

	alice := dial(t, ts)
	authOverWire(t, alice, "alice")
	bob := dial(t, ts)
	authOverWire(t, bob, "bob")

	require.NoError(t, bob.Close())

	// Alice's stream carries the "bob joined" presence notice ahead of the
	// departure; skip system frames until the presence-left one arrives.
	var info protocol.MessageInfo
	for {
		env := awaitEnvelope(t, alice, protocol.TypeSystem)
		require.NoError(t, env.DecodeData(&info))
		if info.Kind == string(domain.KindPresenceLeft) {
			break
		}
	}
	assert.Contains(t, info.Content, "bob left")
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	cfg := config.Default()
	cfg.AllowedOrigins = []string{"http://localhost:3000"}
	_, ts := startTestServer(t, cfg)

	header := http.Header{"Origin": []string{"http://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if conn != nil {
		_ = conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestShutdownNotifiesClients(t *testing.T) {
	srv, ts := startTestServer(t, config.Default())

	alice := dial(t, ts)
	authOverWire(t, alice, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Shutdown(ctx)
	}()

	env := awaitEnvelope(t, alice, protocol.TypeServerShutdown)
	var notice protocol.ServerShutdown
	require.NoError(t, env.DecodeData(&notice))
	assert.NotEmpty(t, notice.Reason)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	require.NoError(t, srv.Shutdown(ctx), "repeated shutdown is a no-op")

	// New upgrades are refused once shutdown has begun.
	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := startTestServer(t, config.Default())

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	_, ts := startTestServer(t, config.Default())

	alice := dial(t, ts)
	authOverWire(t, alice, "alice")

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats server.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Equal(t, 1, stats.AuthenticatedUsers)
	assert.NotEmpty(t, stats.Rooms)
}

func TestRoomAdminEndpoints(t *testing.T) {
	_, ts := startTestServer(t, config.Default())

	body, _ := json.Marshal(map[string]interface{}{"name": "lounge", "capacity": 10})
	resp, err := http.Post(ts.URL+"/rooms", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Duplicate name conflicts.
	resp, err = http.Post(ts.URL+"/rooms", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The new room is visible to clients.
	conn := dial(t, ts)
	authOverWire(t, conn, "alice")
	sendEnvelope(t, conn, protocol.TypeGetRooms, nil)
	env := awaitEnvelope(t, conn, protocol.TypeRoomList)
	var list protocol.RoomList
	require.NoError(t, env.DecodeData(&list))
	names := make([]string, 0, len(list.Rooms))
	for _, r := range list.Rooms {
		names = append(names, r.Name)
	}
	assert.Contains(t, names, "lounge")

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/rooms/lounge", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	req, err = http.NewRequest(http.MethodDelete, ts.URL+"/rooms/lounge", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
