package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_relay/server/relay/domain"
	"chat_relay/server/relay/protocol"
)

var errFakeClosed = errors.New("connection closed")

// fakeRelay answers the agent the way the relay does: it acks joins with
// history and drops sends whose clientMessageId it already stored.
type fakeRelay struct {
	mu         sync.Mutex
	messages   []protocol.ChatMessage
	byClientID map[string]protocol.ChatMessage
	received   []string
	// dropBeforeStore and dropAfterStore close the connection on the next
	// sends, before or after the message is stored.
	dropBeforeStore int
	dropAfterStore  int
	// forgetOnDrop clears dedupe state when a connection is dropped, as a
	// relay restart would.
	forgetOnDrop bool
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{byClientID: map[string]protocol.ChatMessage{}}
}

func (r *fakeRelay) handle(c *fakeConn, raw []byte) {
	var in protocol.Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return
	}
	now := time.Now().UTC()
	switch in.Type {
	case protocol.TypeJoinRoom:
		r.mu.Lock()
		history := append([]protocol.ChatMessage(nil), r.messages...)
		r.mu.Unlock()
		c.push(protocol.NewRoomJoined("room-1", "sock", false, now))
		c.push(protocol.NewMessageHistory("room-1", history, now))
	case protocol.TypeSendMessage:
		r.mu.Lock()
		r.received = append(r.received, in.Message)
		if r.dropBeforeStore > 0 {
			r.dropBeforeStore--
			r.mu.Unlock()
			_ = c.Close()
			return
		}
		if prior, ok := r.byClientID[in.ClientMessageID]; ok {
			r.mu.Unlock()
			c.push(protocol.NewMessageReceived(prior))
			return
		}
		msg := protocol.ChatMessage{
			ID:              fmt.Sprintf("msg-%d", len(r.messages)+1),
			RoomID:          in.RoomID,
			Message:         in.Message,
			Role:            string(domain.MessageRoleCustomer),
			ClientMessageID: in.ClientMessageID,
			Timestamp:       now,
		}
		r.messages = append(r.messages, msg)
		r.byClientID[in.ClientMessageID] = msg
		drop := r.dropAfterStore > 0
		if drop {
			r.dropAfterStore--
			if r.forgetOnDrop {
				r.byClientID = map[string]protocol.ChatMessage{}
			}
		}
		r.mu.Unlock()
		if drop {
			_ = c.Close()
			return
		}
		c.push(protocol.NewMessageReceived(msg))
	case protocol.TypePing:
		c.push(protocol.NewPong(now))
	}
}

func (r *fakeRelay) receivedTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.received...)
}

func (r *fakeRelay) stored() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

type fakeConn struct {
	relay  *fakeRelay
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.inbox:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	c.relay.handle(c, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(v any) {
	select {
	case c.inbox <- protocol.Encode(v):
	case <-c.closed:
	}
}

type fakeDialer struct {
	relay     *fakeRelay
	mu        sync.Mutex
	failFirst int
	attempts  int
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.failFirst < 0 || d.attempts <= d.failFirst {
		return nil, errors.New("dial refused")
	}
	return &fakeConn{relay: d.relay, inbox: make(chan []byte, 64), closed: make(chan struct{})}, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func testConfig() Config {
	return Config{
		UserID:         "u1",
		UserName:       "Casey",
		DomainID:       "dom-1",
		Role:           domain.RoleCustomer,
		MaxAttempts:    4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		PingInterval:   time.Hour,
	}
}

func runAgent(t *testing.T, a *Agent) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func TestAgentFlushesQueuedSendsInOrder(t *testing.T) {
	relay := newFakeRelay()
	dialer := &fakeDialer{relay: relay, failFirst: 2}
	a := New(testConfig(), dialer)

	_, err := a.Send("first")
	require.NoError(t, err)
	_, err = a.Send("second")
	require.NoError(t, err)
	assert.Equal(t, 2, a.Pending())

	runAgent(t, a)
	require.Eventually(t, func() bool { return a.Pending() == 0 }, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, []string{"first", "second"}, relay.receivedTexts())
	assert.Equal(t, Active{RoomID: "room-1"}, a.State())
	entries := a.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "msg-1", entries[0].ID)
	assert.Equal(t, "first", entries[0].Message)
	assert.Equal(t, "msg-2", entries[1].ID)
	assert.Equal(t, 3, dialer.dials())
}

func TestAgentSendsImmediatelyWhenJoined(t *testing.T) {
	relay := newFakeRelay()
	a := New(testConfig(), &fakeDialer{relay: relay})
	runAgent(t, a)
	require.Eventually(t, func() bool { return a.State() == Active{RoomID: "room-1"} }, 2*time.Second, 2*time.Millisecond)

	id, err := a.Send("hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Pending() == 0 }, 2*time.Second, 2*time.Millisecond)
	entries := a.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ClientMessageID)
	assert.False(t, entries[0].Optimistic())

	_, err = a.Send("   ")
	assert.ErrorIs(t, err, protocol.ErrEmptyMessage)
}

func TestAgentAcksSendFoundInHistory(t *testing.T) {
	relay := newFakeRelay()
	relay.dropAfterStore = 1
	a := New(testConfig(), &fakeDialer{relay: relay})
	runAgent(t, a)
	require.Eventually(t, func() bool { return a.State() == Active{RoomID: "room-1"} }, 2*time.Second, 2*time.Millisecond)

	_, err := a.Send("hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Pending() == 0 }, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, 1, relay.stored())
	assert.Equal(t, []string{"hello"}, relay.receivedTexts(), "history acked the send, so it is not rewritten")
	entries := a.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "msg-1", entries[0].ID)
}

func TestAgentShowsSendOnceAfterRelayRestart(t *testing.T) {
	relay := newFakeRelay()
	relay.dropAfterStore = 1
	relay.forgetOnDrop = true
	a := New(testConfig(), &fakeDialer{relay: relay})
	runAgent(t, a)
	require.Eventually(t, func() bool { return a.State() == Active{RoomID: "room-1"} }, 2*time.Second, 2*time.Millisecond)

	_, err := a.Send("hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Pending() == 0 }, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, 1, relay.stored())
	entries := a.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "msg-1", entries[0].ID)
	assert.Equal(t, "hello", entries[0].Message)
}

func TestAgentRewritesSendLostBeforeStore(t *testing.T) {
	relay := newFakeRelay()
	relay.dropBeforeStore = 1
	a := New(testConfig(), &fakeDialer{relay: relay})
	runAgent(t, a)
	require.Eventually(t, func() bool { return a.State() == Active{RoomID: "room-1"} }, 2*time.Second, 2*time.Millisecond)

	_, err := a.Send("hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Pending() == 0 }, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, 1, relay.stored())
	assert.Equal(t, []string{"hello", "hello"}, relay.receivedTexts())
	require.Len(t, a.Entries(), 1)
}

func TestAgentGoesOfflineAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{relay: newFakeRelay(), failFirst: -1}
	cfg := testConfig()
	cfg.MaxAttempts = 3
	a := New(cfg, dialer)

	_, errc := runAgent(t, a)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrOffline)
	case <-time.After(2 * time.Second):
		t.Fatal("agent never gave up")
	}
	assert.Equal(t, 3, dialer.dials())
	assert.Equal(t, Offline{}, a.State())

	_, err := a.Send("queued while offline")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Pending())
}

func TestAgentStopsOnCancel(t *testing.T) {
	a := New(testConfig(), &fakeDialer{relay: newFakeRelay()})
	cancel, errc := runAgent(t, a)
	require.Eventually(t, func() bool { return a.State() == Active{RoomID: "room-1"} }, 2*time.Second, 2*time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAgentNeedsInfoBeforeJoining(t *testing.T) {
	cfg := testConfig()
	cfg.UserName = ""
	a := New(cfg, &fakeDialer{relay: newFakeRelay()})
	assert.Equal(t, NeedsInfo{}, a.State())
	require.NoError(t, a.SubmitInfo("Casey"))
	assert.Equal(t, Idle{}, a.State())
	assert.ErrorIs(t, a.SubmitInfo("again"), ErrInvalidTransition)
}
