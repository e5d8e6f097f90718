package protocol

import (
	"encoding/json"
	"time"
)

const (
	TypeJoinRoom        = "join-room"
	TypeSendMessage     = "send-message"
	TypeToggleLiveAgent = "toggle-live-agent"
	TypePing            = "ping"

	TypeRoomJoined      = "room-joined"
	TypeMessageHistory  = "message-history"
	TypeMessageReceived = "message-received"
	TypeUserJoined      = "user-joined"
	TypeUserLeft        = "user-left"
	TypeLiveModeChanged = "live-mode-changed"
	TypeError           = "error"
	TypePong            = "pong"
)

// TypeNewMessage is accepted by clients as an alias of message-received.
const TypeNewMessage = "new-message"

// Inbound is the union of every client frame. Type selects which fields matter.
type Inbound struct {
	Type            string `json:"type"`
	RoomID          string `json:"roomId,omitempty"`
	UserID          string `json:"userId,omitempty"`
	UserName        string `json:"userName,omitempty"`
	Role            string `json:"role,omitempty"`
	DomainID        string `json:"domainId,omitempty"`
	Message         string `json:"message,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	Enabled         *bool  `json:"enabled,omitempty"`
}

type RoomJoined struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"roomId"`
	SocketID  string    `json:"socketId"`
	Live      bool      `json:"live"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMessage is a durable message as it appears on the wire.
type ChatMessage struct {
	ID              string    `json:"id"`
	RoomID          string    `json:"roomId"`
	Message         string    `json:"message"`
	Role            string    `json:"role"`
	UserID          string    `json:"userId,omitempty"`
	UserName        string    `json:"userName,omitempty"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

type MessageReceived struct {
	Type string `json:"type"`
	ChatMessage
}

type MessageHistory struct {
	Type      string        `json:"type"`
	RoomID    string        `json:"roomId"`
	Messages  []ChatMessage `json:"messages"`
	Timestamp time.Time     `json:"timestamp"`
}

type Presence struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	SocketID  string    `json:"socketId"`
	Timestamp time.Time `json:"timestamp"`
}

type LiveModeChanged struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"roomId"`
	Enabled   bool      `json:"enabled"`
	Timestamp time.Time `json:"timestamp"`
}

type Error struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Pong struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func NewRoomJoined(roomID, socketID string, live bool, at time.Time) RoomJoined {
	return RoomJoined{Type: TypeRoomJoined, RoomID: roomID, SocketID: socketID, Live: live, Timestamp: at}
}

func NewMessageReceived(msg ChatMessage) MessageReceived {
	return MessageReceived{Type: TypeMessageReceived, ChatMessage: msg}
}

func NewMessageHistory(roomID string, messages []ChatMessage, at time.Time) MessageHistory {
	if messages == nil {
		messages = []ChatMessage{}
	}
	return MessageHistory{Type: TypeMessageHistory, RoomID: roomID, Messages: messages, Timestamp: at}
}

func NewPresence(kind, roomID, userID, userName, socketID string, at time.Time) Presence {
	return Presence{Type: kind, RoomID: roomID, UserID: userID, UserName: userName, SocketID: socketID, Timestamp: at}
}

func NewLiveModeChanged(roomID string, enabled bool, at time.Time) LiveModeChanged {
	return LiveModeChanged{Type: TypeLiveModeChanged, RoomID: roomID, Enabled: enabled, Timestamp: at}
}

func NewError(message string, at time.Time) Error {
	return Error{Type: TypeError, Message: message, Timestamp: at}
}

func NewPong(at time.Time) Pong {
	return Pong{Type: TypePong, Timestamp: at}
}

// Encode marshals an outbound event. Every outbound type is plain data, so
// an error here is a programming mistake.
func Encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(NewError("internal error", time.Now().UTC()))
	}
	return b
}
