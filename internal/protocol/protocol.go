// Package protocol defines the wire envelopes exchanged between Harbor
// clients and the server. Every envelope is a JSON object {type, data}; the
// set of types is closed and each one carries a typed payload struct.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType tags a wire envelope. The dispatcher switches exhaustively
// over these values; an unlisted type is a protocol error, not a fallthrough.
type EnvelopeType string

// Client -> server envelope types.
const (
	TypeAuth           EnvelopeType = "auth"
	TypeChat           EnvelopeType = "chat"
	TypeEditMessage    EnvelopeType = "edit_message"
	TypeJoinRoom       EnvelopeType = "join_room"
	TypeLeaveRoom      EnvelopeType = "leave_room"
	TypeGetUsers       EnvelopeType = "get_users"
	TypeGetRooms       EnvelopeType = "get_rooms"
	TypePrivateMessage EnvelopeType = "private_message"
	TypeStatusUpdate   EnvelopeType = "status_update"
)

// Server -> client envelope types.
const (
	TypeWelcome            EnvelopeType = "welcome"
	TypeAuthSuccess        EnvelopeType = "auth_success"
	TypeError              EnvelopeType = "error"
	TypeRoomJoined         EnvelopeType = "room_joined"
	TypeRoomLeft           EnvelopeType = "room_left"
	TypeUserList           EnvelopeType = "user_list"
	TypeRoomList           EnvelopeType = "room_list"
	TypeChatBroadcast      EnvelopeType = "chat"
	TypeMessageEdited      EnvelopeType = "message_edited"
	TypeSystem             EnvelopeType = "system"
	TypePrivateDelivery    EnvelopeType = "private_message"
	TypePrivateMessageSent EnvelopeType = "private_message_sent"
	TypeUserStatusUpdate   EnvelopeType = "user_status_update"
	TypeServerShutdown     EnvelopeType = "server_shutdown"
)

// Error codes carried by error envelopes.
const (
	CodeProtocolError = "PROTOCOL_ERROR"
	CodeAuthError     = "AUTH_ERROR"
	CodeCapacityError = "CAPACITY_ERROR"
	CodeRateLimited   = "RATE_LIMITED"
	CodeNotFound      = "NOT_FOUND"
	CodeInternalError = "INTERNAL_ERROR"
)

// Envelope is the unit exchanged over a connection. Data is left raw so the
// dispatcher can decode it into the payload struct matching Type.
type Envelope struct {
	Type EnvelopeType    `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw inbound frame into an Envelope.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("malformed envelope: missing type")
	}
	return &env, nil
}

// DecodeData parses the envelope payload into dst.
func (e *Envelope) DecodeData(dst interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope %q has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("invalid %q payload: %w", e.Type, err)
	}
	return nil
}

// Encode builds a wire-ready envelope frame from a payload struct.
func Encode(t EnvelopeType, payload interface{}) ([]byte, error) {
	var (
		data json.RawMessage
		err  error
	)
	if payload != nil {
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %q payload: %w", t, err)
		}
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}

// MustEncode is Encode for payloads the server constructs itself, where a
// marshal failure is a programming error.
func MustEncode(t EnvelopeType, payload interface{}) []byte {
	raw, err := Encode(t, payload)
	if err != nil {
		panic(err)
	}
	return raw
}

// Client -> server payloads.

// AuthRequest claims a display name for the connection.
type AuthRequest struct {
	Username string `json:"username"`
}

// ChatRequest posts a message to a room the sender is a member of.
type ChatRequest struct {
	Room    string `json:"room"`
	Content string `json:"content"`
}

// EditMessageRequest rewrites the payload of a previously sent chat message.
type EditMessageRequest struct {
	Room      string `json:"room"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// JoinRoomRequest moves the sender into another room.
type JoinRoomRequest struct {
	RoomName string `json:"roomName"`
}

// PrivateMessageRequest sends a direct message to another user by id.
type PrivateMessageRequest struct {
	TargetID string `json:"target_id"`
	Content  string `json:"content"`
}

// StatusUpdateRequest changes the sender's presence status.
type StatusUpdateRequest struct {
	Status string `json:"status"`
}

// Server -> client payloads.

// Welcome greets a new connection with the rooms available to join.
type Welcome struct {
	Message string     `json:"message"`
	Rooms   []RoomInfo `json:"rooms"`
}

// AuthSuccess confirms authentication and seeds the client with its identity,
// its starting room, and that room's recent history.
type AuthSuccess struct {
	UserID   string        `json:"user_id"`
	Username string        `json:"username"`
	Room     string        `json:"room"`
	History  []MessageInfo `json:"history"`
}

// ErrorReply reports a recoverable failure; the connection stays open.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RoomJoined tells the mover about its new room, roster included.
type RoomJoined struct {
	Room    string        `json:"room"`
	Users   []UserInfo    `json:"users"`
	History []MessageInfo `json:"history"`
}

// RoomLeft confirms departure from a room.
type RoomLeft struct {
	Room string `json:"room"`
}

// UserInfo is a roster entry.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status"`
	Room     string `json:"room,omitempty"`
}

// UserList answers get_users.
type UserList struct {
	Users []UserInfo `json:"users"`
}

// RoomInfo is a room directory entry.
type RoomInfo struct {
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
	Capacity    int    `json:"capacity"`
	Private     bool   `json:"private"`
}

// RoomList answers get_rooms.
type RoomList struct {
	Rooms []RoomInfo `json:"rooms"`
}

// MessageInfo is the wire form of a relayed message.
type MessageInfo struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Content    string `json:"content"`
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Room       string `json:"room,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Edited     bool   `json:"edited,omitempty"`
}

// MessageEdited announces an in-place edit to room members.
type MessageEdited struct {
	Room      string `json:"room"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	EditedBy  string `json:"edited_by"`
	EditedAt  int64  `json:"edited_at"`
}

// PrivateDelivery carries a direct message to its target.
type PrivateDelivery struct {
	Message MessageInfo `json:"message"`
}

// PrivateMessageSent confirms delivery back to the sender.
type PrivateMessageSent struct {
	TargetID   string `json:"target_id"`
	TargetName string `json:"target_name"`
	MessageID  string `json:"message_id"`
}

// UserStatusUpdate announces a presence status change to room members.
type UserStatusUpdate struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

// ServerShutdown is the final envelope sent before connections close.
type ServerShutdown struct {
	Reason string `json:"reason"`
}

// NewError builds a wire-ready error envelope.
func NewError(code, message string) []byte {
	return MustEncode(TypeError, ErrorReply{Code: code, Message: message})
}
