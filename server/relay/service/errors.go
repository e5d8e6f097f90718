package service

import "errors"

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrDomainNotFound   = errors.New("domain not found")
	ErrRoomBusy         = errors.New("room busy")
	ErrRoomClosed       = errors.New("room closed")
	ErrTenantMismatch   = errors.New("room belongs to another tenant")
	ErrPersistFailed    = errors.New("failed to send message")
	ErrToggleFailed     = errors.New("failed to change live mode")
	ErrJoinFailed       = errors.New("failed to join room")
	ErrCompletionFailed = errors.New("completion failed")
)

// Wire strings for failures that are not validation errors. Details stay in logs.
const (
	wireInternalError = "internal error"
	wireRoomBusy      = "room busy, please retry"
)

// FallbackReply is shown to customers when no completion tier could answer.
const FallbackReply = "I'm having trouble responding right now. Please try again in a moment."
