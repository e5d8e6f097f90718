package domain

type RoomState string

const (
	RoomStateIdle RoomState = "idle"
	RoomStateAI   RoomState = "ai-mode"
	RoomStateLive RoomState = "live-mode"
)

// StateOf derives the room state from its connection count and live flag.
func StateOf(connections int, live bool) RoomState {
	switch {
	case connections == 0:
		return RoomStateIdle
	case live:
		return RoomStateLive
	default:
		return RoomStateAI
	}
}
