package agent

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid widget state transition")

// State is the widget's page state. The set of implementations is closed.
type State interface {
	Name() string
	isState()
}

// NeedsInfo: the customer has not submitted the info form yet.
type NeedsInfo struct{}

// Idle: the customer is known but no room is bound.
type Idle struct{}

type Active struct {
	RoomID string
}

// History shows an ended conversation read-only.
type History struct {
	RoomID string
}

// Offline is terminal until the user retries; RoomID is kept for the rejoin.
type Offline struct {
	RoomID string
}

func (NeedsInfo) Name() string { return "needs-info" }
func (Idle) Name() string      { return "idle" }
func (Active) Name() string    { return "active" }
func (History) Name() string   { return "history" }
func (Offline) Name() string   { return "offline" }

func (NeedsInfo) isState() {}
func (Idle) isState()      {}
func (Active) isState()    {}
func (History) isState()   {}
func (Offline) isState()   {}

// Event drives Transition.
type Event interface {
	isEvent()
}

type InfoSubmitted struct{}

type Joined struct {
	RoomID string
}

type Ended struct{}

type GaveUp struct{}

type Reset struct{}

func (InfoSubmitted) isEvent() {}
func (Joined) isEvent()        {}
func (Ended) isEvent()         {}
func (GaveUp) isEvent()        {}
func (Reset) isEvent()         {}

// Transition is the widget state machine. Reset is accepted from any state.
func Transition(s State, ev Event) (State, error) {
	if _, ok := ev.(Reset); ok {
		return NeedsInfo{}, nil
	}
	switch cur := s.(type) {
	case NeedsInfo:
		if _, ok := ev.(InfoSubmitted); ok {
			return Idle{}, nil
		}
	case Idle:
		switch e := ev.(type) {
		case Joined:
			return Active{RoomID: e.RoomID}, nil
		case GaveUp:
			return Offline{}, nil
		}
	case Active:
		switch e := ev.(type) {
		case Joined:
			return Active{RoomID: e.RoomID}, nil
		case Ended:
			return History{RoomID: cur.RoomID}, nil
		case GaveUp:
			return Offline{RoomID: cur.RoomID}, nil
		}
	case History:
		if e, ok := ev.(Joined); ok {
			return Active{RoomID: e.RoomID}, nil
		}
	case Offline:
		switch e := ev.(type) {
		case Joined:
			return Active{RoomID: e.RoomID}, nil
		case GaveUp:
			return cur, nil
		}
	}
	return s, fmt.Errorf("%w: %s on %T", ErrInvalidTransition, s.Name(), ev)
}
