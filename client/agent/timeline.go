package agent

import (
	"time"

	"chat_relay/server/relay/protocol"
)

// Entry is one line of the conversation as the widget shows it. ID is empty
// until the server echoes the message with its durable id.
type Entry struct {
	ID              string
	ClientMessageID string
	Role            string
	Message         string
	UserName        string
	Timestamp       time.Time
}

func (e Entry) Optimistic() bool {
	return e.ID == ""
}

// Timeline holds durable messages unique by id, plus optimistic entries
// waiting for their echo.
type Timeline struct {
	entries []Entry
	seen    map[string]struct{}
	// sent holds clientMessageIds that already have a durable entry.
	sent map[string]struct{}
}

func NewTimeline() *Timeline {
	return &Timeline{seen: map[string]struct{}{}, sent: map[string]struct{}{}}
}

func (t *Timeline) AddOptimistic(e Entry) {
	e.ID = ""
	t.entries = append(t.entries, e)
}

// Apply merges a server message. An echo of an optimistic entry replaces it
// in place: by clientMessageId when the echo carries one, otherwise the
// oldest optimistic entry with the same role and text. The returned
// clientMessageId identifies the acknowledged send, if any.
//
// A message whose clientMessageId already has a durable entry is a second
// copy of the same send, stored again by a relay that lost its dedupe state.
// It is acknowledged but not shown.
func (t *Timeline) Apply(msg protocol.ChatMessage) (acked string, changed bool) {
	if msg.ID != "" {
		if _, ok := t.seen[msg.ID]; ok {
			return "", false
		}
	}
	if msg.ClientMessageID != "" {
		if _, ok := t.sent[msg.ClientMessageID]; ok {
			t.markSeen(msg.ID)
			return msg.ClientMessageID, false
		}
	}
	if i := t.matchOptimistic(msg); i >= 0 {
		acked = t.entries[i].ClientMessageID
		t.entries[i] = entryFrom(msg, acked)
		t.markSeen(msg.ID)
		t.markSent(acked)
		return acked, true
	}
	t.entries = append(t.entries, entryFrom(msg, msg.ClientMessageID))
	t.markSeen(msg.ID)
	t.markSent(msg.ClientMessageID)
	return "", true
}

func (t *Timeline) matchOptimistic(msg protocol.ChatMessage) int {
	if msg.ClientMessageID != "" {
		for i, e := range t.entries {
			if e.Optimistic() && e.ClientMessageID == msg.ClientMessageID {
				return i
			}
		}
	}
	for i, e := range t.entries {
		if e.Optimistic() && e.Role == msg.Role && e.Message == msg.Message {
			return i
		}
	}
	return -1
}

func (t *Timeline) markSeen(id string) {
	if id != "" {
		t.seen[id] = struct{}{}
	}
}

func (t *Timeline) markSent(clientMessageID string) {
	if clientMessageID != "" {
		t.sent[clientMessageID] = struct{}{}
	}
}

func (t *Timeline) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

func (t *Timeline) Len() int {
	return len(t.entries)
}

func entryFrom(msg protocol.ChatMessage, clientMessageID string) Entry {
	return Entry{
		ID:              msg.ID,
		ClientMessageID: clientMessageID,
		Role:            msg.Role,
		Message:         msg.Message,
		UserName:        msg.UserName,
		Timestamp:       msg.Timestamp,
	}
}
