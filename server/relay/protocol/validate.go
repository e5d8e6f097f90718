package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"chat_relay/server/relay/domain"
)

const MaxMessageRunes = 4000

// Validation errors carry customer-safe text and are written to the wire as is.
var (
	ErrMalformedFrame   = errors.New("malformed message")
	ErrUnknownType      = errors.New("unknown message type")
	ErrJoinRequired     = errors.New("join-room required before other messages")
	ErrInvalidRole      = errors.New("role must be customer or admin")
	ErrMissingDomainID  = errors.New("domainId is required for customers")
	ErrMissingRoomID    = errors.New("roomId is required")
	ErrMissingUserID    = errors.New("userId is required")
	ErrEmptyMessage     = errors.New("message is required")
	ErrMessageTooLong   = errors.New("message is too long")
	ErrMissingEnabled   = errors.New("enabled is required")
	ErrNotJoinedToRoom  = errors.New("not joined to this room")
	ErrAdminOnly        = errors.New("only admins can change live mode")
	ErrAdminAuthMissing = errors.New("admin authentication required")
)

var validationErrors = []error{
	ErrMalformedFrame, ErrUnknownType, ErrJoinRequired, ErrInvalidRole,
	ErrMissingDomainID, ErrMissingRoomID, ErrMissingUserID, ErrEmptyMessage,
	ErrMessageTooLong, ErrMissingEnabled, ErrNotJoinedToRoom, ErrAdminOnly,
	ErrAdminAuthMissing,
}

// IsValidation reports whether err is one of the wire-safe validation errors.
func IsValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type JoinRequest struct {
	RoomID   string
	UserID   string
	UserName string
	Role     domain.Role
	DomainID string
}

type SendRequest struct {
	RoomID          string
	UserID          string
	UserName        string
	Role            domain.Role
	Message         string
	ClientMessageID string
}

type ToggleRequest struct {
	RoomID  string
	Enabled bool
}

func Decode(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, ErrMalformedFrame
	}
	in.Type = strings.TrimSpace(in.Type)
	switch in.Type {
	case TypeJoinRoom, TypeSendMessage, TypeToggleLiveAgent, TypePing:
		return in, nil
	case "":
		return Inbound{}, ErrMalformedFrame
	default:
		return in, ErrUnknownType
	}
}

func (in Inbound) Join() (JoinRequest, error) {
	role, ok := domain.ParseRole(in.Role)
	if !ok {
		return JoinRequest{}, ErrInvalidRole
	}
	req := JoinRequest{
		RoomID:   strings.TrimSpace(in.RoomID),
		UserID:   strings.TrimSpace(in.UserID),
		UserName: strings.TrimSpace(in.UserName),
		Role:     role,
		DomainID: strings.TrimSpace(in.DomainID),
	}
	switch role {
	case domain.RoleCustomer:
		if req.DomainID == "" {
			return JoinRequest{}, ErrMissingDomainID
		}
	case domain.RoleAdmin:
		if req.RoomID == "" {
			return JoinRequest{}, ErrMissingRoomID
		}
		if req.UserID == "" {
			return JoinRequest{}, ErrMissingUserID
		}
	}
	if req.UserName == "" {
		req.UserName = string(role)
	}
	return req, nil
}

func (in Inbound) Send() (SendRequest, error) {
	req := SendRequest{
		RoomID:          strings.TrimSpace(in.RoomID),
		UserID:          strings.TrimSpace(in.UserID),
		UserName:        strings.TrimSpace(in.UserName),
		Message:         strings.TrimSpace(in.Message),
		ClientMessageID: strings.TrimSpace(in.ClientMessageID),
	}
	if req.RoomID == "" {
		return SendRequest{}, ErrMissingRoomID
	}
	if req.Message == "" {
		return SendRequest{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(req.Message) > MaxMessageRunes {
		return SendRequest{}, ErrMessageTooLong
	}
	if strings.TrimSpace(in.Role) != "" {
		role, ok := domain.ParseRole(in.Role)
		if !ok {
			return SendRequest{}, ErrInvalidRole
		}
		req.Role = role
	}
	return req, nil
}

func (in Inbound) Toggle() (ToggleRequest, error) {
	roomID := strings.TrimSpace(in.RoomID)
	if roomID == "" {
		return ToggleRequest{}, ErrMissingRoomID
	}
	if in.Enabled == nil {
		return ToggleRequest{}, ErrMissingEnabled
	}
	return ToggleRequest{RoomID: roomID, Enabled: *in.Enabled}, nil
}
