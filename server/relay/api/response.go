package api

import (
	"chat_relay/server/common/transport/httpresp"
)

const (
	ErrInvalidToken    = httpresp.ErrInvalidToken
	ErrRoomNotFound    = httpresp.ErrRoomNotFound
	ErrInternal        = httpresp.ErrInternal
	ErrEnabledRequired = "enabled is required"
)

type ErrorResponse = httpresp.ErrorResponse
type HealthResponse = httpresp.HealthResponse

var (
	NewErrorResponse  = httpresp.NewErrorResponse
	NewHealthResponse = httpresp.NewHealthResponse
)

type SetLiveModeRequest struct {
	Enabled *bool `json:"enabled"`
}

type LiveModeResponse struct {
	RoomID  string `json:"roomId"`
	Enabled bool   `json:"enabled"`
}

func NewLiveModeResponse(roomID string, enabled bool) LiveModeResponse {
	return LiveModeResponse{RoomID: roomID, Enabled: enabled}
}
