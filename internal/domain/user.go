package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a user's presence state.
type Status string

// Presence states.
const (
	StatusOnline    Status = "online"
	StatusAway      Status = "away"
	StatusBusy      Status = "busy"
	StatusInvisible Status = "invisible"
)

// ParseStatus validates a client-supplied status string.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusOnline, StatusAway, StatusBusy, StatusInvisible:
		return Status(s), true
	default:
		return "", false
	}
}

// User is an authenticated connection's identity. The current room is held as
// a name, resolved lazily through the server's room registry; a miss means
// "not in any room".
type User struct {
	ID       string
	JoinedAt time.Time

	mu           sync.RWMutex
	displayName  string
	status       Status
	currentRoom  string
	lastActivity time.Time
}

// NewUser creates a User with a fresh id and online status.
func NewUser(displayName string) *User {
	now := time.Now()
	return &User{
		ID:           uuid.New().String(),
		JoinedAt:     now,
		displayName:  displayName,
		status:       StatusOnline,
		lastActivity: now,
	}
}

// DisplayName returns the unique (case-insensitive) name chosen at auth.
func (u *User) DisplayName() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.displayName
}

// Status returns the current presence state.
func (u *User) Status() Status {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.status
}

// SetStatus updates the presence state and the activity clock.
func (u *User) SetStatus(s Status) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = s
	u.lastActivity = time.Now()
}

// CurrentRoom returns the name of the room the user is in, or "".
func (u *User) CurrentRoom() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.currentRoom
}

// SetCurrentRoom records the user's room by name.
func (u *User) SetCurrentRoom(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.currentRoom = name
}

// Touch refreshes the activity clock.
func (u *User) Touch() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastActivity = time.Now()
}

// LastActivity returns the time of the most recent inbound envelope.
func (u *User) LastActivity() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.lastActivity
}
