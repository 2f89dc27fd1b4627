// Package domain holds the core chat model: users, messages, and rooms.
// Everything here is in-memory; the server package owns the registries and
// the delivery machinery.
package domain

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind classifies a Message.
type Kind string

// Message kinds.
const (
	KindChat           Kind = "chat"
	KindSystem         Kind = "system"
	KindPresenceJoined Kind = "presence-joined"
	KindPresenceLeft   Kind = "presence-left"
	KindPrivate        Kind = "private"
	KindStatusChange   Kind = "status-change"
	KindError          Kind = "error"
)

// Edit records one rewrite of a chat message payload.
type Edit struct {
	PreviousPayload string
	EditedAt        time.Time
	EditedBy        string
}

// Message is the envelope relayed among room members. It is immutable after
// delivery except for explicit edits, which append to EditHistory.
type Message struct {
	ID          string
	Kind        Kind
	Payload     string
	SenderID    string
	SenderName  string
	Room        string
	Timestamp   time.Time
	Edited      bool
	EditHistory []Edit
}

func newMessage(kind Kind, payload string) *Message {
	return &Message{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// NewChat builds a chat message. The payload is assumed validated and trimmed
// by the caller; validation is the dispatcher's job.
func NewChat(room, senderID, senderName, payload string) *Message {
	m := newMessage(KindChat, payload)
	m.Room = room
	m.SenderID = senderID
	m.SenderName = senderName
	return m
}

// NewSystem builds a server-originated message with no sender.
func NewSystem(room, payload string) *Message {
	m := newMessage(KindSystem, payload)
	m.Room = room
	return m
}

// NewPresenceJoined announces a user's arrival in a room.
func NewPresenceJoined(room string, u *User) *Message {
	m := newMessage(KindPresenceJoined, u.DisplayName()+" joined "+room)
	m.Room = room
	m.SenderID = u.ID
	m.SenderName = u.DisplayName()
	return m
}

// NewPresenceLeft announces a user's departure from a room.
func NewPresenceLeft(room string, u *User) *Message {
	m := newMessage(KindPresenceLeft, u.DisplayName()+" left "+room)
	m.Room = room
	m.SenderID = u.ID
	m.SenderName = u.DisplayName()
	return m
}

// NewPrivate builds a direct message. It never touches room history.
func NewPrivate(senderID, senderName, payload string) *Message {
	m := newMessage(KindPrivate, payload)
	m.SenderID = senderID
	m.SenderName = senderName
	return m
}

// NewStatusChange announces a presence status transition.
func NewStatusChange(room string, u *User, status Status) *Message {
	m := newMessage(KindStatusChange, u.DisplayName()+" is now "+string(status))
	m.Room = room
	m.SenderID = u.ID
	m.SenderName = u.DisplayName()
	return m
}

// NewError builds an error notice addressed to a single user rather than a
// room.
func NewError(payload string) *Message {
	return newMessage(KindError, payload)
}

// ApplyEdit rewrites the payload, preserving the previous one in the edit
// history. Only chat messages are editable.
func (m *Message) ApplyEdit(newPayload, editorID string) bool {
	if m.Kind != KindChat {
		return false
	}
	m.EditHistory = append(m.EditHistory, Edit{
		PreviousPayload: m.Payload,
		EditedAt:        time.Now(),
		EditedBy:        editorID,
	})
	m.Payload = newPayload
	m.Edited = true
	return true
}
