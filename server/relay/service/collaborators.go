package service

import (
	"context"
	"time"

	"chat_relay/server/relay/domain"
	"chat_relay/server/relay/protocol"
)

type CustomerRequest struct {
	DomainID string `json:"domainId"`
	UserID   string `json:"userId,omitempty"`
	Name     string `json:"name,omitempty"`
	IP       string `json:"ip,omitempty"`
}

// RoomRequest resolves a customer's room. A RoomID owned by the customer is
// reused; otherwise the store returns the customer's active room or opens one.
type RoomRequest struct {
	CustomerID string `json:"customerId"`
	DomainID   string `json:"domainId"`
	RoomID     string `json:"roomId,omitempty"`
}

type SaveMessageRequest struct {
	RoomID  string             `json:"chatRoomId"`
	Message string             `json:"message"`
	Role    domain.MessageRole `json:"role"`
}

// MessageStore is the persistence API. It is the only durable source of truth.
type MessageStore interface {
	GetOrCreateCustomer(ctx context.Context, req CustomerRequest) (domain.Customer, error)
	GetOrCreateChatRoom(ctx context.Context, req RoomRequest) (domain.ChatRoom, error)
	GetChatRoom(ctx context.Context, roomID string) (domain.ChatRoom, error)
	SaveMessage(ctx context.Context, req SaveMessageRequest) (domain.Message, error)
	GetChatHistory(ctx context.Context, roomID string, limit int) ([]domain.Message, error)
	SetLiveMode(ctx context.Context, roomID string, live bool) error
	MarkMailed(ctx context.Context, roomID string) error
	GetDomainData(ctx context.Context, domainID string) (domain.Domain, error)
}

type CreditChecker interface {
	CheckCredits(ctx context.Context, ownerID string) (domain.CreditStatus, error)
}

type ChatTurn struct {
	Role    string
	Content string
}

const (
	TurnRoleUser      = "user"
	TurnRoleAssistant = "assistant"
)

type CompletionRequest struct {
	Tier    domain.Tier
	System  string
	History []ChatTurn
	User    string
}

// Completion is the only shape the relay sees from any provider.
type Completion struct {
	Text  string
	Model string
}

type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

type UsageLedger interface {
	Record(ctx context.Context, rec domain.AIUsageRecord) error
}

type DocumentSource interface {
	RecentDocuments(ctx context.Context, domainID string, limit int) ([]domain.ReferenceDocument, error)
}

type LiveRequestNotice struct {
	DomainID   string    `json:"domainId"`
	DomainName string    `json:"domainName,omitempty"`
	OwnerID    string    `json:"ownerId,omitempty"`
	OwnerEmail string    `json:"ownerEmail,omitempty"`
	RoomID     string    `json:"roomId"`
	CustomerID string    `json:"customerId,omitempty"`
	Trigger    string    `json:"trigger"`
	At         time.Time `json:"at"`
}

// Notifier hands events to external delivery. Calls are fire-and-forget from
// the room's perspective.
type Notifier interface {
	LiveRequested(ctx context.Context, notice LiveRequestNotice) error
	MessageCreated(ctx context.Context, domainID string, msg protocol.ChatMessage) error
}

// OnceGate grants a key to exactly one caller across all relay instances.
type OnceGate interface {
	Acquire(ctx context.Context, key string) (bool, error)
}

type DedupeState int

const (
	DedupeNew DedupeState = iota
	DedupePending
	DedupeCommitted
)

// SendDeduper suppresses replays of the same clientMessageId.
type SendDeduper interface {
	Reserve(ctx context.Context, key string) (DedupeState, protocol.ChatMessage, error)
	Commit(ctx context.Context, key string, msg protocol.ChatMessage) error
	Release(ctx context.Context, key string)
}

// Peer is one connected socket as seen by a room.
type Peer interface {
	ID() string
	Send(frame []byte) bool
}
