package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageFactories(t *testing.T) {
	alice := NewUser("alice")

	chat := NewChat("general", alice.ID, "alice", "hello")
	assert.Equal(t, KindChat, chat.Kind)
	assert.Equal(t, "general", chat.Room)
	assert.Equal(t, alice.ID, chat.SenderID)
	assert.NotEmpty(t, chat.ID)
	assert.False(t, chat.Timestamp.IsZero())

	sys := NewSystem("general", "maintenance at noon")
	assert.Equal(t, KindSystem, sys.Kind)
	assert.Empty(t, sys.SenderID, "system messages have no sender")

	joined := NewPresenceJoined("general", alice)
	assert.Equal(t, KindPresenceJoined, joined.Kind)
	assert.Contains(t, joined.Payload, "alice")

	left := NewPresenceLeft("general", alice)
	assert.Equal(t, KindPresenceLeft, left.Kind)

	pm := NewPrivate(alice.ID, "alice", "psst")
	assert.Equal(t, KindPrivate, pm.Kind)
	assert.Empty(t, pm.Room, "private messages carry no room")

	status := NewStatusChange("general", alice, StatusAway)
	assert.Equal(t, KindStatusChange, status.Kind)
	assert.Contains(t, status.Payload, "away")

	errMsg := NewError("something went wrong")
	assert.Equal(t, KindError, errMsg.Kind)
	assert.Empty(t, errMsg.Room)
}

func TestMessageIDsAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		m := NewSystem("general", "x")
		_, dup := seen[m.ID]
		require.False(t, dup, "duplicate message id %s", m.ID)
		seen[m.ID] = struct{}{}
	}
}

func TestApplyEditAppendsHistory(t *testing.T) {
	m := NewChat("general", "u1", "alice", "v1")

	require.True(t, m.ApplyEdit("v2", "u1"))
	require.True(t, m.ApplyEdit("v3", "u1"))

	assert.Equal(t, "v3", m.Payload)
	assert.True(t, m.Edited)
	require.Len(t, m.EditHistory, 2)
	assert.Equal(t, "v1", m.EditHistory[0].PreviousPayload)
	assert.Equal(t, "v2", m.EditHistory[1].PreviousPayload)
	assert.Equal(t, "u1", m.EditHistory[0].EditedBy)
}

func TestApplyEditRejectsNonChat(t *testing.T) {
	m := NewSystem("general", "announcement")
	assert.False(t, m.ApplyEdit("edited", "u1"))
	assert.Empty(t, m.EditHistory)
	assert.Equal(t, "announcement", m.Payload)
}

func TestParseStatus(t *testing.T) {
	for _, valid := range []string{"online", "away", "busy", "invisible"} {
		got, ok := ParseStatus(valid)
		assert.True(t, ok, valid)
		assert.Equal(t, Status(valid), got)
	}
	_, ok := ParseStatus("offline")
	assert.False(t, ok)
	_, ok = ParseStatus("")
	assert.False(t, ok)
}

func TestUserStateTransitions(t *testing.T) {
	u := NewUser("alice")
	assert.Equal(t, StatusOnline, u.Status())
	assert.NotEmpty(t, u.ID)

	before := u.LastActivity()
	u.SetStatus(StatusBusy)
	assert.Equal(t, StatusBusy, u.Status())
	assert.False(t, u.LastActivity().Before(before))

	u.SetCurrentRoom("general")
	assert.Equal(t, "general", u.CurrentRoom())
	u.SetCurrentRoom("")
	assert.Equal(t, "", u.CurrentRoom())
}
