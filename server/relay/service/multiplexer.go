package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat_relay/server/common/auth"
	commonlog "chat_relay/server/common/log"
	"chat_relay/server/relay/protocol"
)

const (
	DefaultHeartbeatTimeout = 60 * time.Second
	DefaultPingInterval     = 25 * time.Second
	DefaultSendBuffer       = 256
	defaultWriteTimeout     = 10 * time.Second
	defaultMaxFrameBytes    = 64 << 10
	toggleTimeout           = 15 * time.Second
)

type MultiplexerConfig struct {
	HeartbeatTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
	MaxFrameBytes    int64
}

// Multiplexer runs the read and write pumps of every websocket connection
// and forwards decoded frames to the coordinator.
type Multiplexer struct {
	coord   *Coordinator
	cfg     MultiplexerConfig
	metrics *Metrics

	mu      sync.Mutex
	sockets map[*socket]struct{}
	closed  bool
}

func NewMultiplexer(coord *Coordinator, cfg MultiplexerConfig, metrics *Metrics) *Multiplexer {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.HeartbeatTimeout {
		cfg.PingInterval = cfg.HeartbeatTimeout * 2 / 5
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaultMaxFrameBytes
	}
	return &Multiplexer{coord: coord, cfg: cfg, metrics: metrics, sockets: map[*socket]struct{}{}}
}

// socket is one websocket connection. Writes go through send so only the
// write pump touches the connection's writer.
type socket struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	principal *auth.Principal
	remoteIP  string

	// read pump only
	binding *Binding
}

func (s *socket) ID() string {
	return s.id
}

// Send queues a frame. A full buffer means the client cannot keep up, and
// the connection is closed rather than stalling the room.
func (s *socket) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	case <-s.done:
		return false
	default:
		commonlog.Warnf("event=ws_connection action=send status=overflow socket_id=%s", s.id)
		s.close()
		return false
	}
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Serve blocks until the connection ends. principal is nil for anonymous
// widget connections.
func (m *Multiplexer) Serve(conn *websocket.Conn, principal *auth.Principal, remoteIP string) {
	s := &socket{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, m.cfg.SendBuffer),
		done:      make(chan struct{}),
		principal: principal,
		remoteIP:  remoteIP,
	}
	if !m.track(s) {
		_ = conn.Close()
		return
	}
	defer m.untrack(s)
	m.metrics.connOpened()
	defer m.metrics.connClosed()
	commonlog.Debugf("event=ws_connection action=open socket_id=%s remote_ip=%s authenticated=%t", s.id, remoteIP, principal != nil)

	go m.writePump(s)
	reason := m.readPump(s)
	if s.binding != nil {
		m.coord.Leave(*s.binding, reason)
	}
	s.close()
	commonlog.Debugf("event=ws_connection action=close socket_id=%s reason=%s", s.id, reason)
}

func (m *Multiplexer) track(s *socket) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.sockets[s] = struct{}{}
	return true
}

func (m *Multiplexer) untrack(s *socket) {
	m.mu.Lock()
	delete(m.sockets, s)
	m.mu.Unlock()
}

// Close disconnects every socket and refuses new ones.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	open := make([]*socket, 0, len(m.sockets))
	for s := range m.sockets {
		open = append(open, s)
	}
	m.mu.Unlock()
	for _, s := range open {
		s.close()
	}
}

func (m *Multiplexer) readPump(s *socket) string {
	s.conn.SetReadLimit(m.cfg.MaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(m.cfg.HeartbeatTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(m.cfg.HeartbeatTimeout))
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return "heartbeat_timeout"
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "closed"
			}
			return "read_error"
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(m.cfg.HeartbeatTimeout))
		m.handleFrame(s, raw)
	}
}

// handleFrame is the per-message recover boundary. A panic is answered with
// a generic error and the connection stays open.
func (m *Multiplexer) handleFrame(s *socket, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			commonlog.Exceptionf("event=ws_connection action=handle status=panic socket_id=%s panic=%v", s.id, rec)
			m.sendError(s, wireInternalError)
		}
	}()

	in, err := protocol.Decode(raw)
	if err != nil {
		m.sendError(s, WireError(err))
		return
	}
	if in.Type == protocol.TypePing {
		s.Send(protocol.Encode(protocol.NewPong(time.Now().UTC())))
		return
	}
	if in.Type != protocol.TypeJoinRoom && s.binding == nil {
		m.sendError(s, protocol.ErrJoinRequired.Error())
		return
	}

	switch in.Type {
	case protocol.TypeJoinRoom:
		m.handleJoin(s, in)
	case protocol.TypeSendMessage:
		req, err := in.Send()
		if err == nil {
			err = m.coord.Send(*s.binding, s, req)
		}
		if err != nil {
			m.sendError(s, WireError(err))
		}
	case protocol.TypeToggleLiveAgent:
		req, err := in.Toggle()
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), toggleTimeout)
			err = m.coord.ToggleFromSocket(ctx, *s.binding, req)
			cancel()
		}
		if err != nil {
			m.sendError(s, WireError(err))
		}
	}
}

func (m *Multiplexer) handleJoin(s *socket, in protocol.Inbound) {
	req, err := in.Join()
	if err != nil {
		m.sendError(s, WireError(err))
		return
	}
	if s.binding != nil {
		if req.RoomID == s.binding.RoomID {
			m.coord.Leave(*s.binding, "rejoin")
		} else {
			m.coord.Leave(*s.binding, "switch_room")
		}
		s.binding = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), toggleTimeout)
	defer cancel()
	binding, err := m.coord.Join(ctx, s, req, s.principal, s.remoteIP)
	if err != nil {
		m.sendError(s, WireError(err))
		return
	}
	s.binding = &binding
}

func (m *Multiplexer) writePump(s *socket) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	defer s.close()
	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

func (m *Multiplexer) sendError(s *socket, message string) {
	s.Send(protocol.Encode(protocol.NewError(message, time.Now().UTC())))
}
