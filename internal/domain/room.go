package domain

import (
	"errors"
	"sync"
	"time"
)

// ErrRoomFull is returned by Join when the room is at capacity. Membership is
// never silently truncated.
var ErrRoomFull = errors.New("room is full")

// Room is a named, capacity-bounded broadcast scope with bounded message
// history and an admin set. Rooms hold member user ids, never user pointers;
// the server's registries resolve ids for delivery.
type Room struct {
	Name      string
	Capacity  int
	CreatedAt time.Time
	Private   bool

	// mu protects members, history, and admins. It is never held across a
	// network send.
	mu      sync.Mutex
	members map[string]struct{}
	history *messageRing
	admins  map[string]struct{}
}

// RoomStats is a point-in-time introspection snapshot.
type RoomStats struct {
	Name         string    `json:"name"`
	MemberCount  int       `json:"member_count"`
	Capacity     int       `json:"capacity"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	Private      bool      `json:"private"`
	AdminCount   int       `json:"admin_count"`
}

// NewRoom creates an empty room. historyCap bounds retained messages; the
// oldest message is evicted first once the bound is reached.
func NewRoom(name string, capacity, historyCap int, private bool) *Room {
	return &Room{
		Name:      name,
		Capacity:  capacity,
		CreatedAt: time.Now(),
		Private:   private,
		members:   make(map[string]struct{}),
		history:   newMessageRing(historyCap),
		admins:    make(map[string]struct{}),
	}
}

// Join inserts the user as a member, sets the user's current room, and
// returns the presence-joined message to broadcast. Fails with ErrRoomFull at
// capacity. Joining a room you are already in is a no-op refresh.
func (r *Room) Join(u *User) (*Message, error) {
	r.mu.Lock()
	if _, ok := r.members[u.ID]; !ok && len(r.members) >= r.Capacity {
		r.mu.Unlock()
		return nil, ErrRoomFull
	}
	r.members[u.ID] = struct{}{}
	msg := NewPresenceJoined(r.Name, u)
	r.history.append(msg)
	r.mu.Unlock()

	u.SetCurrentRoom(r.Name)
	return msg, nil
}

// Leave removes the user if present and returns the presence-left message to
// broadcast, or nil if the user was not a member. Idempotent.
func (r *Room) Leave(u *User) *Message {
	r.mu.Lock()
	if _, ok := r.members[u.ID]; !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.members, u.ID)
	msg := NewPresenceLeft(r.Name, u)
	r.history.append(msg)
	r.mu.Unlock()

	if u.CurrentRoom() == r.Name {
		u.SetCurrentRoom("")
	}
	return msg
}

// Post appends a message to the room history. History posts are serialized
// under the room lock, which is what preserves per-sender ordering for all
// members.
func (r *Room) Post(m *Message) *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history.append(m)
	return m
}

// Recent returns the last n history messages, most-recent-last. The returned
// messages are copies taken under the room lock; a concurrent edit of a
// stored message never shows through a snapshot already handed out.
func (r *Room) Recent(n int) []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.history.last(n)
	if msgs == nil {
		return nil
	}
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		c := *m
		out[i] = &c
	}
	return out
}

// EditMessage rewrites a stored chat message. The editor must be the original
// sender or a room admin. Returns a copy of the edited message taken under
// the lock, or nil when the message is missing, not a chat message, or the
// editor lacks permission. The stored message is only ever mutated here,
// under the room lock.
func (r *Room) EditMessage(messageID, newPayload, editorID string) *Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.history.find(messageID)
	if m == nil {
		return nil
	}
	if m.SenderID != editorID {
		if _, admin := r.admins[editorID]; !admin {
			return nil
		}
	}
	if !m.ApplyEdit(newPayload, editorID) {
		return nil
	}
	c := *m
	c.EditHistory = append([]Edit(nil), m.EditHistory...)
	return &c
}

// HasMember reports membership by user id.
func (r *Room) HasMember(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[userID]
	return ok
}

// Members returns a snapshot of member user ids. Broadcasts iterate this
// snapshot and send outside the lock so one slow recipient cannot stall the
// room.
func (r *Room) Members() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

// MemberCount returns the current membership size.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// GrantAdmin marks a user id as a room admin. Returns false if already set.
func (r *Room) GrantAdmin(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.admins[userID]; ok {
		return false
	}
	r.admins[userID] = struct{}{}
	return true
}

// IsAdmin reports whether the user id holds admin rights in this room.
func (r *Room) IsAdmin(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.admins[userID]
	return ok
}

// Stats returns an introspection snapshot of the room.
func (r *Room) Stats() RoomStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomStats{
		Name:         r.Name,
		MemberCount:  len(r.members),
		Capacity:     r.Capacity,
		MessageCount: r.history.len(),
		CreatedAt:    r.CreatedAt,
		Private:      r.Private,
		AdminCount:   len(r.admins),
	}
}
