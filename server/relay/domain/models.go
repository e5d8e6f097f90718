package domain

import (
	"strings"
	"time"
)

// Role is the participant role a connection joins with.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleCustomer:
		return RoleCustomer, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return "", false
	}
}

// MessageRole is the durable author class of a message.
type MessageRole string

const (
	MessageRoleOwner    MessageRole = "OWNER"
	MessageRoleCustomer MessageRole = "CUSTOMER"
)

// MessageRole maps a participant role onto the stored role. Agents and the AI
// both write as OWNER.
func (r Role) MessageRole() MessageRole {
	if r == RoleCustomer {
		return MessageRoleCustomer
	}
	return MessageRoleOwner
}

type Customer struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Email        string    `json:"email,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	IP           string    `json:"ip,omitempty"`
	DomainID     string    `json:"domainId"`
	ActiveRoomID string    `json:"activeRoomId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

type ChatRoom struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customerId"`
	DomainID   string    `json:"domainId"`
	Live       bool      `json:"live"`
	Mailed     bool      `json:"mailed"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Message struct {
	ID         string      `json:"id"`
	ChatRoomID string      `json:"chatRoomId"`
	Message    string      `json:"message"`
	Role       MessageRole `json:"role"`
	Seen       bool        `json:"seen"`
	CreatedAt  time.Time   `json:"createdAt"`
}

type FAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Domain is a tenant's chatbot configuration as served by the store.
type Domain struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	OwnerID     string `json:"ownerId"`
	OwnerEmail  string `json:"ownerEmail,omitempty"`
	Description string `json:"description,omitempty"`
	FAQs        []FAQ  `json:"faqs,omitempty"`
}

type ReferenceDocument struct {
	Name      string
	Content   string
	UpdatedAt time.Time
}
