package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	commonlog "chat_relay/server/common/log"
	"chat_relay/server/relay/domain"
	"chat_relay/server/relay/protocol"
)

const (
	assistantUserID   = "assistant"
	assistantUserName = "Assistant"
)

// Participant is one connection's identity inside a room.
type Participant struct {
	SocketID   string
	UserID     string
	UserName   string
	Role       domain.Role
	CustomerID string
}

type member struct {
	Participant
	peer Peer
}

type roomEvent interface{}

type joinEvent struct {
	member *member
}

type leaveEvent struct {
	socketID string
	reason   string
}

type sendEvent struct {
	socketID string
	peer     Peer
	req      protocol.SendRequest
}

type toggleEvent struct {
	enabled bool
	actor   string
	reply   chan error
}

type aiResultEvent struct {
	turn   *aiTurn
	result TurnResult
	err    error
}

type remoteRoomEvent struct {
	ev RemoteEvent
}

type graceEvent struct {
	gen uint64
}

type snapshotEvent struct {
	reply chan RoomSnapshot
}

type aiTurn struct {
	id     string
	msg    protocol.ChatMessage
	cancel context.CancelFunc
}

// RoomSnapshot is a read-only view of a room for the admin API.
type RoomSnapshot struct {
	RoomID         string           `json:"roomId"`
	DomainID       string           `json:"domainId"`
	State          domain.RoomState `json:"state"`
	Live           bool             `json:"live"`
	Mailed         bool             `json:"mailed"`
	Connections    int              `json:"connections"`
	RecentMessages int              `json:"recentMessages"`
	AIInFlight     bool             `json:"aiInFlight"`
	PendingTurns   int              `json:"pendingTurns"`
	Loaded         bool             `json:"loaded"`
}

// room is the single owner of one conversation's runtime state. Events are
// queued by post and handled one at a time by run, so persistence, broadcast
// and the live-flag check for a message are atomic with respect to toggles.
type room struct {
	id         string
	domainID   string
	customerID string
	c          *Coordinator

	// guarded by mu
	mu     sync.Mutex
	queue  []roomEvent
	closed bool

	wake chan struct{}
	done chan struct{}

	// owned by the run goroutine
	members  map[string]*member
	live     bool
	mailed   bool
	recent   []protocol.ChatMessage
	inFlight *aiTurn
	pending  []*aiTurn
	graceGen uint64
	grace    *time.Timer
}

func newRoom(c *Coordinator, rec domain.ChatRoom) *room {
	return &room{
		id:         rec.ID,
		domainID:   rec.DomainID,
		customerID: rec.CustomerID,
		c:          c,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		members:    map[string]*member{},
		live:       rec.Live,
		mailed:     rec.Mailed,
	}
}

// post queues a client-originated event. A full mailbox rejects the event.
func (r *room) post(ev roomEvent) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	if len(r.queue) >= r.c.cfg.MailboxSize {
		r.mu.Unlock()
		r.c.metrics.busy()
		return ErrRoomBusy
	}
	r.queue = append(r.queue, ev)
	r.mu.Unlock()
	r.signal()
	return nil
}

// postInternal queues events that must not be lost to client load: AI
// results, grace ticks, remote events and leaves. They bypass the mailbox cap.
func (r *room) postInternal(ev roomEvent) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, ev)
	r.mu.Unlock()
	r.signal()
	return true
}

func (r *room) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *room) close() {
	r.mu.Lock()
	r.closed = true
	r.queue = nil
	r.mu.Unlock()
	r.signal()
}

func (r *room) run() {
	defer close(r.done)
	defer r.shutdown()

	r.seed()
	r.armGrace()
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.mu.Unlock()
			<-r.wake
			r.mu.Lock()
		}
		if r.closed {
			r.mu.Unlock()
			return
		}
		ev := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.mu.Unlock()

		if stop := r.handleSafely(ev); stop {
			return
		}
	}
}

func (r *room) handleSafely(ev roomEvent) (stop bool) {
	defer func() {
		if rec := recover(); rec != nil {
			commonlog.Exceptionf("event=room_actor action=handle status=panic room_id=%s event=%T panic=%v", r.id, ev, rec)
			switch e := ev.(type) {
			case sendEvent:
				r.sendError(e.peer, wireInternalError)
			case toggleEvent:
				select {
				case e.reply <- ErrToggleFailed:
				default:
				}
			}
			stop = false
		}
	}()
	switch e := ev.(type) {
	case joinEvent:
		r.handleJoin(e)
	case leaveEvent:
		r.handleLeave(e)
	case sendEvent:
		r.handleSend(e)
	case toggleEvent:
		e.reply <- r.handleToggle(e)
	case aiResultEvent:
		r.handleAIResult(e)
	case remoteRoomEvent:
		r.handleRemote(e.ev)
	case snapshotEvent:
		e.reply <- r.snapshot()
	case graceEvent:
		return r.handleGrace(e)
	default:
		commonlog.Warnf("event=room_actor action=handle status=unknown room_id=%s event=%T", r.id, ev)
	}
	return false
}

func (r *room) shutdown() {
	if r.grace != nil {
		r.grace.Stop()
	}
	r.cancelTurns()
	r.c.metrics.roomClosed()
	commonlog.Debugf("event=room_session action=stop room_id=%s", r.id)
}

func (r *room) seed() {
	ctx, cancel := context.WithTimeout(r.c.ctx, r.c.cfg.StoreTimeout)
	defer cancel()
	history, err := r.c.store.GetChatHistory(ctx, r.id, r.c.cfg.RecentCache)
	if err != nil {
		commonlog.Warnf("event=room_session action=seed status=failed room_id=%s error=%v", r.id, err)
		return
	}
	for _, msg := range history {
		r.appendRecent(fromStored(msg, "", "", ""))
	}
}

func (r *room) handleJoin(e joinEvent) {
	m := e.member
	r.members[m.SocketID] = m
	r.disarmGrace()
	now := r.c.now().UTC()

	m.peer.Send(protocol.Encode(protocol.NewRoomJoined(r.id, m.SocketID, r.live, now)))
	m.peer.Send(protocol.Encode(protocol.NewMessageHistory(r.id, r.lastRecent(r.c.cfg.HistoryReplay), now)))

	frame := protocol.Encode(protocol.NewPresence(protocol.TypeUserJoined, r.id, m.UserID, m.UserName, m.SocketID, now))
	r.broadcastExcept(frame, m.SocketID)
	r.publish(RemoteEvent{RoomID: r.id, Kind: remoteKindPresence, Frame: frame})
	commonlog.Infof("event=room_session action=join status=ok room_id=%s socket_id=%s role=%s connections=%d live=%t", r.id, m.SocketID, m.Role, len(r.members), r.live)
}

func (r *room) handleLeave(e leaveEvent) {
	m, ok := r.members[e.socketID]
	if !ok {
		return
	}
	delete(r.members, e.socketID)
	frame := protocol.Encode(protocol.NewPresence(protocol.TypeUserLeft, r.id, m.UserID, m.UserName, m.SocketID, r.c.now().UTC()))
	r.broadcast(frame)
	r.publish(RemoteEvent{RoomID: r.id, Kind: remoteKindPresence, Frame: frame})
	commonlog.Infof("event=room_session action=leave status=ok room_id=%s socket_id=%s reason=%s connections=%d", r.id, e.socketID, e.reason, len(r.members))
	if len(r.members) == 0 {
		r.armGrace()
	}
}

func (r *room) handleSend(e sendEvent) {
	m, ok := r.members[e.socketID]
	if !ok {
		r.sendError(e.peer, protocol.ErrNotJoinedToRoom.Error())
		return
	}

	dedupeKey := ""
	if e.req.ClientMessageID != "" {
		key := sendDedupeKey(r.id, m.UserID, e.req.ClientMessageID)
		ctx, cancel := context.WithTimeout(r.c.ctx, r.c.cfg.StoreTimeout)
		state, prior, err := r.c.deduper.Reserve(ctx, key)
		cancel()
		switch {
		case err != nil:
			commonlog.Warnf("event=chat_message_dedupe action=reserve status=failed room_id=%s error=%v", r.id, err)
		case state == DedupePending:
			r.c.metrics.duplicateSend()
			commonlog.Debugf("event=chat_message_dedupe action=reserve status=pending room_id=%s client_message_id=%s", r.id, e.req.ClientMessageID)
			return
		case state == DedupeCommitted:
			r.c.metrics.duplicateSend()
			m.peer.Send(protocol.Encode(protocol.NewMessageReceived(prior)))
			return
		default:
			dedupeKey = key
		}
	}

	msg, err := r.persistAndBroadcast(m.Role.MessageRole(), e.req.Message, m.UserID, m.UserName, e.req.ClientMessageID)
	if err != nil {
		if dedupeKey != "" {
			r.c.deduper.Release(r.c.ctx, dedupeKey)
		}
		r.sendError(m.peer, ErrPersistFailed.Error())
		return
	}
	if dedupeKey != "" {
		if err := r.c.deduper.Commit(r.c.ctx, dedupeKey, msg); err != nil {
			commonlog.Warnf("event=chat_message_dedupe action=commit status=failed room_id=%s message_id=%s error=%v", r.id, msg.ID, err)
		}
	}

	if m.Role != domain.RoleCustomer {
		return
	}
	if r.live {
		r.notifyOnce("customer_message")
		return
	}
	r.enqueueTurn(msg)
}

// persistAndBroadcast writes with one retry. Nothing is broadcast unless the
// store accepted the message.
func (r *room) persistAndBroadcast(role domain.MessageRole, text, userID, userName, clientMessageID string) (protocol.ChatMessage, error) {
	startedAt := r.c.now()
	ctx, cancel := context.WithTimeout(r.c.ctx, r.c.cfg.StoreTimeout)
	defer cancel()
	saved, err := retry(ctx, writeRetry, func() (domain.Message, error) {
		return r.c.store.SaveMessage(ctx, SaveMessageRequest{RoomID: r.id, Message: text, Role: role})
	})
	if err != nil {
		r.c.metrics.persistFailed()
		commonlog.Errorf("event=chat_message_persist action=create status=failed room_id=%s role=%s client_message_id_present=%t latency_ms=%d error=%v", r.id, role, clientMessageID != "", r.c.now().Sub(startedAt).Milliseconds(), err)
		return protocol.ChatMessage{}, ErrPersistFailed
	}
	msg := fromStored(saved, userID, userName, clientMessageID)
	msg.RoomID = r.id
	commonlog.Infof("event=chat_message_persist action=create status=ok room_id=%s role=%s message_id=%s client_message_id_present=%t latency_ms=%d", r.id, role, msg.ID, clientMessageID != "", r.c.now().Sub(startedAt).Milliseconds())

	r.c.metrics.messageStored(role)
	r.appendRecent(msg)
	frame := protocol.Encode(protocol.NewMessageReceived(msg))
	r.broadcast(frame)
	r.publish(RemoteEvent{RoomID: r.id, Kind: remoteKindMessage, Message: &msg, Frame: frame})
	r.c.emitMessageCreated(r.domainID, msg)
	return msg, nil
}

func (r *room) handleToggle(e toggleEvent) error {
	if e.enabled == r.live {
		return nil
	}
	ctx, cancel := context.WithTimeout(r.c.ctx, r.c.cfg.StoreTimeout)
	defer cancel()
	release, err := r.lock(ctx)
	if err != nil {
		commonlog.Errorf("event=live_mode action=toggle status=lock_failed room_id=%s enabled=%t actor=%s error=%v", r.id, e.enabled, e.actor, err)
		return ErrToggleFailed
	}
	defer release()
	if err := r.c.store.SetLiveMode(ctx, r.id, e.enabled); err != nil {
		commonlog.Errorf("event=live_mode action=toggle status=failed room_id=%s enabled=%t actor=%s error=%v", r.id, e.enabled, e.actor, err)
		return ErrToggleFailed
	}
	r.setLive(e.enabled)
	commonlog.Infof("event=live_mode action=toggle status=ok room_id=%s enabled=%t actor=%s", r.id, e.enabled, e.actor)
	if e.enabled {
		r.notifyOnce("toggle")
	}
	return nil
}

// setLive flips the flag, stops AI work when entering live mode, and tells
// every instance.
func (r *room) setLive(enabled bool) {
	r.live = enabled
	if enabled {
		r.cancelTurns()
	}
	frame := protocol.Encode(protocol.NewLiveModeChanged(r.id, enabled, r.c.now().UTC()))
	r.broadcast(frame)
	r.publish(RemoteEvent{RoomID: r.id, Kind: remoteKindLive, Live: enabled, Frame: frame})
}

func (r *room) cancelTurns() {
	if r.inFlight != nil {
		r.inFlight.cancel()
		commonlog.Infof("event=ai_turn action=cancel status=ok room_id=%s turn_id=%s", r.id, r.inFlight.id)
		r.inFlight = nil
	}
	r.pending = nil
}

func (r *room) enqueueTurn(msg protocol.ChatMessage) {
	r.pending = append(r.pending, &aiTurn{id: uuid.NewString(), msg: msg})
	r.startNextTurn()
}

func (r *room) startNextTurn() {
	if r.inFlight != nil || r.live || len(r.pending) == 0 {
		return
	}
	turn := r.pending[0]
	r.pending = r.pending[1:]
	ctx, cancel := context.WithCancel(r.c.ctx)
	turn.cancel = cancel
	r.inFlight = turn

	input := TurnInput{
		TurnID:   turn.id,
		RoomID:   r.id,
		DomainID: r.domainID,
		History:  r.historyBefore(turn.msg.ID, r.c.cfg.HistoryReplay),
		Message:  turn.msg.Message,
	}
	r.c.wg.Add(1)
	go func() {
		defer r.c.wg.Done()
		result, err := r.c.responder.Respond(ctx, input)
		r.postInternal(aiResultEvent{turn: turn, result: result, err: err})
	}()
}

func (r *room) handleAIResult(e aiResultEvent) {
	if r.inFlight != e.turn {
		commonlog.Debugf("event=ai_turn action=apply status=stale room_id=%s turn_id=%s", r.id, e.turn.id)
		return
	}
	r.inFlight = nil
	e.turn.cancel()
	defer r.startNextTurn()

	if e.err != nil {
		commonlog.Warnf("event=ai_turn action=apply status=cancelled room_id=%s turn_id=%s error=%v", r.id, e.turn.id, e.err)
		return
	}
	res := e.result
	release, ok := r.confirmAIMode()
	defer release()
	if !ok {
		r.c.metrics.aiTurn(res.Tier, aiOutcomeDropped)
		commonlog.Infof("event=ai_turn action=apply status=dropped_live room_id=%s turn_id=%s", r.id, e.turn.id)
		return
	}
	if res.Fallback {
		r.c.metrics.aiTurn(res.Tier, aiOutcomeFallback)
		r.broadcast(protocol.Encode(protocol.NewError(FallbackReply, r.c.now().UTC())))
		return
	}
	if res.Handoff {
		r.c.metrics.aiTurn(res.Tier, aiOutcomeHandoff)
		if res.Text != "" {
			if _, err := r.persistAndBroadcast(domain.MessageRoleOwner, res.Text, assistantUserID, assistantUserName, ""); err != nil {
				commonlog.Warnf("event=ai_turn action=handoff_notice status=failed room_id=%s turn_id=%s", r.id, e.turn.id)
			}
		}
		r.enterLiveFromAI(e.turn.id)
		return
	}
	if _, err := r.persistAndBroadcast(domain.MessageRoleOwner, res.Text, assistantUserID, assistantUserName, ""); err != nil {
		r.broadcast(protocol.Encode(protocol.NewError(FallbackReply, r.c.now().UTC())))
		return
	}
	r.c.metrics.aiTurn(res.Tier, aiOutcomeReplied)
}

// enterLiveFromAI keeps the in-memory flag even when the store write fails,
// so the AI stays silent for the rest of this session.
func (r *room) enterLiveFromAI(turnID string) {
	ctx, cancel := context.WithTimeout(r.c.ctx, r.c.cfg.StoreTimeout)
	defer cancel()
	if err := r.c.store.SetLiveMode(ctx, r.id, true); err != nil {
		commonlog.Errorf("event=live_mode action=handoff status=persist_failed room_id=%s turn_id=%s error=%v", r.id, turnID, err)
	}
	r.setLive(true)
	commonlog.Infof("event=live_mode action=handoff status=ok room_id=%s turn_id=%s", r.id, turnID)
	r.notifyOnce("ai_handoff")
}

func noRelease() {}

// lock takes the cluster room lock when rooms are shared between instances.
func (r *room) lock(ctx context.Context) (func(), error) {
	if r.c.locker == nil {
		return noRelease, nil
	}
	return r.c.locker.Lock(ctx, r.id)
}

// confirmAIMode reports whether an AI reply may still be applied. With a
// shared room it holds the room lock and rereads the stored live flag, so a
// toggle made on another instance wins even before its fan-out event
// arrives. The returned release must be called once the reply is applied.
func (r *room) confirmAIMode() (func(), bool) {
	if r.live {
		return noRelease, false
	}
	if r.c.locker == nil {
		return noRelease, true
	}
	ctx, cancel := context.WithTimeout(r.c.ctx, r.c.cfg.StoreTimeout)
	defer cancel()
	release, err := r.c.locker.Lock(ctx, r.id)
	if err != nil {
		commonlog.Warnf("event=ai_turn action=lock status=failed room_id=%s error=%v", r.id, err)
		return noRelease, true
	}
	rec, err := r.c.store.GetChatRoom(ctx, r.id)
	if err != nil {
		commonlog.Warnf("event=ai_turn action=confirm status=store_failed room_id=%s error=%v", r.id, err)
		return release, true
	}
	if rec.Live {
		// The fan-out event will broadcast the change to local peers.
		r.live = true
		r.mailed = r.mailed || rec.Mailed
		r.cancelTurns()
		return release, false
	}
	return release, true
}

func (r *room) handleRemote(ev RemoteEvent) {
	switch ev.Kind {
	case remoteKindMessage:
		if ev.Message != nil {
			r.appendRecent(*ev.Message)
		}
	case remoteKindLive:
		r.live = ev.Live
		if ev.Live {
			r.cancelTurns()
			r.mailed = true
		}
	}
	if len(ev.Frame) > 0 {
		r.broadcast(ev.Frame)
	}
}

// notifyOnce sends the live-mode notification at most once per room across
// all instances. Delivery happens off the actor.
func (r *room) notifyOnce(trigger string) {
	if r.mailed {
		return
	}
	ctx, cancel := context.WithTimeout(r.c.ctx, r.c.cfg.StoreTimeout)
	acquired, err := r.c.onceGate.Acquire(ctx, mailedGateKey(r.id))
	cancel()
	if err != nil {
		commonlog.Warnf("event=live_notification action=acquire status=failed room_id=%s error=%v", r.id, err)
		return
	}
	r.mailed = true
	if !acquired {
		return
	}
	r.c.metrics.notified()
	r.c.notifyLiveRequested(r.id, r.domainID, r.customerID, trigger)
}

func (r *room) handleGrace(e graceEvent) bool {
	if e.gen != r.graceGen || len(r.members) > 0 {
		return false
	}
	if r.inFlight != nil || len(r.pending) > 0 {
		r.armGrace()
		return false
	}
	if !r.c.tryEvict(r) {
		// Something arrived meanwhile; check again after it is handled.
		r.armGrace()
		return false
	}
	commonlog.Infof("event=room_session action=evict status=ok room_id=%s", r.id)
	return true
}

func (r *room) armGrace() {
	if len(r.members) > 0 {
		return
	}
	r.disarmGrace()
	gen := r.graceGen
	r.grace = time.AfterFunc(r.c.cfg.GracePeriod, func() {
		r.postInternal(graceEvent{gen: gen})
	})
}

func (r *room) disarmGrace() {
	r.graceGen++
	if r.grace != nil {
		r.grace.Stop()
		r.grace = nil
	}
}

func (r *room) snapshot() RoomSnapshot {
	return RoomSnapshot{
		RoomID:         r.id,
		DomainID:       r.domainID,
		State:          domain.StateOf(len(r.members), r.live),
		Live:           r.live,
		Mailed:         r.mailed,
		Connections:    len(r.members),
		RecentMessages: len(r.recent),
		AIInFlight:     r.inFlight != nil,
		PendingTurns:   len(r.pending),
		Loaded:         true,
	}
}

func (r *room) broadcast(frame []byte) {
	for _, m := range r.members {
		m.peer.Send(frame)
	}
}

func (r *room) broadcastExcept(frame []byte, socketID string) {
	for id, m := range r.members {
		if id != socketID {
			m.peer.Send(frame)
		}
	}
}

func (r *room) sendError(peer Peer, message string) {
	if peer == nil {
		return
	}
	peer.Send(protocol.Encode(protocol.NewError(message, r.c.now().UTC())))
}

func (r *room) publish(ev RemoteEvent) {
	ctx, cancel := context.WithTimeout(r.c.ctx, r.c.cfg.StoreTimeout)
	defer cancel()
	if err := r.c.fanout.Publish(ctx, ev); err != nil {
		commonlog.Warnf("event=room_fanout action=publish status=failed room_id=%s kind=%s error=%v", r.id, ev.Kind, err)
	}
}

// appendRecent keeps the cache bounded and unique by durable id.
func (r *room) appendRecent(msg protocol.ChatMessage) {
	for i := len(r.recent) - 1; i >= 0; i-- {
		if r.recent[i].ID == msg.ID {
			return
		}
	}
	r.recent = append(r.recent, msg)
	if over := len(r.recent) - r.c.cfg.RecentCache; over > 0 {
		r.recent = append([]protocol.ChatMessage(nil), r.recent[over:]...)
	}
}

func (r *room) lastRecent(n int) []protocol.ChatMessage {
	start := len(r.recent) - n
	if start < 0 {
		start = 0
	}
	return append([]protocol.ChatMessage(nil), r.recent[start:]...)
}

// historyBefore returns up to n messages that precede id, oldest first.
func (r *room) historyBefore(id string, n int) []protocol.ChatMessage {
	end := len(r.recent)
	for i := len(r.recent) - 1; i >= 0; i-- {
		if r.recent[i].ID == id {
			end = i
			break
		}
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	return append([]protocol.ChatMessage(nil), r.recent[start:end]...)
}

func fromStored(msg domain.Message, userID, userName, clientMessageID string) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:              msg.ID,
		RoomID:          msg.ChatRoomID,
		Message:         msg.Message,
		Role:            string(msg.Role),
		UserID:          userID,
		UserName:        userName,
		ClientMessageID: clientMessageID,
		Timestamp:       msg.CreatedAt,
	}
}
