// Package agent is the customer-side connection to the relay. It keeps one
// logical connection alive, queues sends while disconnected and reconciles
// the server's echoes with what the user already sees.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	commonlog "chat_relay/server/common/log"
	"chat_relay/server/relay/domain"
	"chat_relay/server/relay/protocol"
)

const (
	DefaultMaxAttempts    = 8
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultPingInterval   = 25 * time.Second
)

// ErrOffline is returned by Run once every reconnect attempt failed.
var ErrOffline = errors.New("relay unreachable")

// Conn is the subset of *websocket.Conn the agent uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type WebsocketDialer struct {
	URL    string
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type Config struct {
	RoomID         string
	UserID         string
	UserName       string
	DomainID       string
	Role           domain.Role
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PingInterval   time.Duration
}

type outgoing struct {
	clientMessageID string
	text            string
}

type Agent struct {
	cfg    Config
	dialer Dialer
	newID  func() string

	// writeMu serializes socket writes and keeps the outbox flush ordered
	// ahead of new sends. Lock order is writeMu then mu.
	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	roomID    string
	live      bool
	lastError string
	outbox    []outgoing
	timeline  *Timeline
	conn      Conn
	joined    bool
	// awaitingHistory is set between room-joined and the history that
	// follows it; the outbox is flushed only once that history is applied.
	awaitingHistory bool

	updates chan struct{}
}

func New(cfg Config, dialer Dialer) *Agent {
	if cfg.Role == "" {
		cfg.Role = domain.RoleCustomer
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	var state State = Idle{}
	if cfg.Role == domain.RoleCustomer && strings.TrimSpace(cfg.UserName) == "" {
		state = NeedsInfo{}
	}
	return &Agent{
		cfg:      cfg,
		dialer:   dialer,
		newID:    uuid.NewString,
		state:    state,
		roomID:   cfg.RoomID,
		timeline: NewTimeline(),
		updates:  make(chan struct{}, 1),
	}
}

// Updates signals that state, entries or the outbox changed.
func (a *Agent) Updates() <-chan struct{} {
	return a.updates
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timeline.Entries()
}

func (a *Agent) Live() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Pending counts sends not yet acknowledged by an echo.
func (a *Agent) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outbox)
}

func (a *Agent) LastError() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastError
}

// SubmitInfo records the customer's name from the info form.
func (a *Agent) SubmitInfo(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	next, err := Transition(a.state, InfoSubmitted{})
	if err != nil {
		return err
	}
	a.cfg.UserName = strings.TrimSpace(name)
	a.state = next
	return nil
}

// Send shows text optimistically and queues it. It is written right away when
// the room is bound, otherwise on the next successful join.
func (a *Agent) Send(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", protocol.ErrEmptyMessage
	}
	out := outgoing{clientMessageID: a.newID(), text: text}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.mu.Lock()
	a.timeline.AddOptimistic(Entry{
		ClientMessageID: out.clientMessageID,
		Role:            string(a.cfg.Role.MessageRole()),
		Message:         text,
		UserName:        a.cfg.UserName,
		Timestamp:       time.Now().UTC(),
	})
	a.outbox = append(a.outbox, out)
	conn, joined, roomID := a.conn, a.joined, a.roomID
	a.mu.Unlock()
	a.notify()

	if conn != nil && joined {
		if err := conn.WriteMessage(websocket.TextMessage, a.sendFrame(roomID, out)); err != nil {
			commonlog.Debugf("event=relay_agent action=send status=deferred client_message_id=%s error=%v", out.clientMessageID, err)
		}
	}
	return out.clientMessageID, nil
}

// Run keeps the connection alive until ctx ends. It returns ErrOffline when
// a reconnect cycle exhausts its attempts; calling Run again retries.
func (a *Agent) Run(ctx context.Context) error {
	for {
		conn, err := a.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.transition(GaveUp{})
			commonlog.Warnf("event=relay_agent action=connect status=offline attempts=%d error=%v", a.cfg.MaxAttempts, err)
			return ErrOffline
		}
		a.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		commonlog.Infof("event=relay_agent action=reconnect status=started room_id=%s", a.currentRoom())
	}
}

func (a *Agent) connect(ctx context.Context) (Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.InitialBackoff
	b.MaxInterval = a.cfg.MaxBackoff
	return backoff.Retry(ctx, func() (Conn, error) {
		conn, err := a.dialer.Dial(ctx)
		if err != nil {
			return nil, err
		}
		if err := a.bind(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(a.cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			commonlog.Debugf("event=relay_agent action=connect status=retry next_ms=%d error=%v", next.Milliseconds(), err)
		}),
	)
}

// bind makes conn current and asks to rejoin the last known room.
func (a *Agent) bind(conn Conn) error {
	frame := a.joinFrame()
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.mu.Lock()
	a.conn = conn
	a.joined = false
	a.awaitingHistory = false
	a.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (a *Agent) serve(ctx context.Context, conn Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go a.pinger(conn, done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		a.handle(conn, raw)
	}

	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
		a.joined = false
		a.awaitingHistory = false
	}
	a.mu.Unlock()
	_ = conn.Close()
}

func (a *Agent) pinger(conn Conn, done <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	ping := protocol.Encode(protocol.Inbound{Type: protocol.TypePing})
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			a.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, ping)
			a.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (a *Agent) handle(conn Conn, raw []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return
	}
	switch head.Type {
	case protocol.TypeRoomJoined:
		var ev protocol.RoomJoined
		if json.Unmarshal(raw, &ev) == nil {
			a.onJoined(conn, ev)
		}
	case protocol.TypeMessageHistory:
		var ev protocol.MessageHistory
		if json.Unmarshal(raw, &ev) == nil {
			a.onHistory(conn, ev)
		}
	case protocol.TypeMessageReceived, protocol.TypeNewMessage:
		var ev protocol.MessageReceived
		if json.Unmarshal(raw, &ev) == nil {
			a.apply(ev.ChatMessage)
		}
	case protocol.TypeLiveModeChanged:
		var ev protocol.LiveModeChanged
		if json.Unmarshal(raw, &ev) == nil {
			a.mu.Lock()
			a.live = ev.Enabled
			a.mu.Unlock()
			a.notify()
		}
	case protocol.TypeError:
		var ev protocol.Error
		if json.Unmarshal(raw, &ev) == nil {
			a.mu.Lock()
			a.lastError = ev.Message
			a.mu.Unlock()
			a.notify()
		}
	}
}

// onJoined binds the room. Sends stay queued until the history that follows
// has been reconciled, since it may already hold their durable copies.
func (a *Agent) onJoined(conn Conn, ev protocol.RoomJoined) {
	a.mu.Lock()
	if a.conn == conn {
		a.roomID = ev.RoomID
		a.live = ev.Live
		a.joined = false
		a.awaitingHistory = true
		if next, err := Transition(a.state, Joined{RoomID: ev.RoomID}); err == nil {
			a.state = next
		}
	}
	a.mu.Unlock()
	a.notify()
}

// onHistory acks every send the history already contains, then rewrites the
// rest of the outbox in order. The server drops replays it already stored.
func (a *Agent) onHistory(conn Conn, ev protocol.MessageHistory) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.mu.Lock()
	a.applyLocked(ev.Messages)
	flush := a.awaitingHistory && a.conn == conn
	var queued []outgoing
	roomID := a.roomID
	if flush {
		a.awaitingHistory = false
		a.joined = true
		queued = append(queued, a.outbox...)
	}
	a.mu.Unlock()
	a.notify()

	for _, out := range queued {
		if err := conn.WriteMessage(websocket.TextMessage, a.sendFrame(roomID, out)); err != nil {
			return
		}
	}
	if len(queued) > 0 {
		commonlog.Infof("event=relay_agent action=flush status=ok room_id=%s count=%d", roomID, len(queued))
	}
}

func (a *Agent) apply(msgs ...protocol.ChatMessage) {
	a.mu.Lock()
	changed := a.applyLocked(msgs)
	a.mu.Unlock()
	if changed {
		a.notify()
	}
}

// applyLocked requires a.mu.
func (a *Agent) applyLocked(msgs []protocol.ChatMessage) bool {
	changed := false
	for _, msg := range msgs {
		acked, ok := a.timeline.Apply(msg)
		changed = changed || ok
		if acked != "" {
			a.ack(acked)
		}
	}
	return changed
}

// ack requires a.mu.
func (a *Agent) ack(clientMessageID string) {
	for i, out := range a.outbox {
		if out.clientMessageID == clientMessageID {
			a.outbox = append(a.outbox[:i], a.outbox[i+1:]...)
			return
		}
	}
}

func (a *Agent) transition(ev Event) {
	a.mu.Lock()
	next, err := Transition(a.state, ev)
	if err == nil {
		a.state = next
	}
	a.mu.Unlock()
	a.notify()
}

func (a *Agent) currentRoom() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.roomID
}

func (a *Agent) joinFrame() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return protocol.Encode(protocol.Inbound{
		Type:     protocol.TypeJoinRoom,
		RoomID:   a.roomID,
		UserID:   a.cfg.UserID,
		UserName: a.cfg.UserName,
		Role:     string(a.cfg.Role),
		DomainID: a.cfg.DomainID,
	})
}

func (a *Agent) sendFrame(roomID string, out outgoing) []byte {
	return protocol.Encode(protocol.Inbound{
		Type:            protocol.TypeSendMessage,
		RoomID:          roomID,
		Role:            string(a.cfg.Role),
		Message:         out.text,
		ClientMessageID: out.clientMessageID,
	})
}

func (a *Agent) notify() {
	select {
	case a.updates <- struct{}{}:
	default:
	}
}
