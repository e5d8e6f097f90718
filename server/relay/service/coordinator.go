package service

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat_relay/server/common/auth"
	commonlog "chat_relay/server/common/log"
	"chat_relay/server/relay/domain"
	"chat_relay/server/relay/protocol"
)

const roomShardCount = 32

const (
	DefaultHistoryReplay = 10
	DefaultRecentCache   = 50
	DefaultGracePeriod   = 30 * time.Second
	DefaultMailboxSize   = 1024
	DefaultStoreTimeout  = 10 * time.Second
	notifyTimeout        = 10 * time.Second
)

type CoordinatorConfig struct {
	InstanceID       string
	HistoryReplay    int
	RecentCache      int
	GracePeriod      time.Duration
	MailboxSize      int
	StoreTimeout     time.Duration
	RequireAdminAuth bool
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.HistoryReplay <= 0 {
		c.HistoryReplay = DefaultHistoryReplay
	}
	if c.RecentCache <= 0 {
		c.RecentCache = DefaultRecentCache
	}
	if c.RecentCache < c.HistoryReplay {
		c.RecentCache = c.HistoryReplay
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
}

type turnResponder interface {
	Respond(ctx context.Context, in TurnInput) (TurnResult, error)
}

// CoordinatorDeps are the collaborators a coordinator owns for its lifetime.
// Nothing here is process-global, so several coordinators can share a process.
// Locker is set when several instances share rooms; without it this
// instance's actor is the only owner of its rooms.
type CoordinatorDeps struct {
	Store     MessageStore
	Responder turnResponder
	Domains   domainSource
	Notifier  Notifier
	Fanout    Fanout
	Deduper   SendDeduper
	OnceGate  OnceGate
	Locker    RoomLocker
	Metrics   *Metrics
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// Coordinator owns every room session held by this instance and routes
// connection events to them.
type Coordinator struct {
	cfg       CoordinatorConfig
	store     MessageStore
	responder turnResponder
	domains   domainSource
	notifier  Notifier
	fanout    Fanout
	deduper   SendDeduper
	onceGate  OnceGate
	locker    RoomLocker
	metrics   *Metrics
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	shards [roomShardCount]roomShard
}

// Binding is the result of a successful join and identifies the connection
// in later calls.
type Binding struct {
	RoomID   string
	DomainID string
	Participant
}

func NewCoordinator(cfg CoordinatorConfig, deps CoordinatorDeps) *Coordinator {
	cfg.applyDefaults()
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{}
	}
	if deps.Fanout == nil {
		deps.Fanout = LocalFanout{}
	}
	if deps.Deduper == nil {
		deps.Deduper = NewLocalDeduper(100000, DefaultDedupeTTL, DedupePendingTTL(cfg.StoreTimeout))
	}
	if deps.OnceGate == nil {
		deps.OnceGate = NewLocalOnceGate(100000)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		store:     deps.Store,
		responder: deps.Responder,
		domains:   deps.Domains,
		notifier:  deps.Notifier,
		fanout:    deps.Fanout,
		deduper:   deps.Deduper,
		onceGate:  deps.OnceGate,
		locker:    deps.Locker,
		metrics:   deps.Metrics,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := range c.shards {
		c.shards[i].rooms = map[string]*room{}
	}
	return c
}

func (c *Coordinator) InstanceID() string {
	return c.cfg.InstanceID
}

// Run consumes fan-out events from other instances until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	return c.fanout.Run(ctx, c.deliverRemote)
}

func (c *Coordinator) shard(roomID string) *roomShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return &c.shards[h.Sum32()%roomShardCount]
}

// Join resolves the room against the store and binds peer to it.
func (c *Coordinator) Join(ctx context.Context, peer Peer, req protocol.JoinRequest, principal *auth.Principal, remoteIP string) (Binding, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	var (
		rec        domain.ChatRoom
		userID     = req.UserID
		customerID string
		err        error
	)
	switch req.Role {
	case domain.RoleCustomer:
		var customer domain.Customer
		customer, err = c.store.GetOrCreateCustomer(ctx, CustomerRequest{DomainID: req.DomainID, UserID: req.UserID, Name: req.UserName, IP: remoteIP})
		if err != nil {
			break
		}
		customerID = customer.ID
		if userID == "" {
			userID = customer.ID
		}
		rec, err = c.store.GetOrCreateChatRoom(ctx, RoomRequest{CustomerID: customer.ID, DomainID: req.DomainID, RoomID: req.RoomID})
	case domain.RoleAdmin:
		if c.cfg.RequireAdminAuth && (principal == nil || !principal.IsAdmin()) {
			return Binding{}, protocol.ErrAdminAuthMissing
		}
		rec, err = c.store.GetChatRoom(ctx, req.RoomID)
		if err == nil && c.cfg.RequireAdminAuth && principal.TenantID != rec.DomainID {
			return Binding{}, ErrTenantMismatch
		}
		if principal != nil && principal.UserID != "" {
			userID = principal.UserID
		}
	default:
		return Binding{}, protocol.ErrInvalidRole
	}
	if err != nil {
		commonlog.Errorf("event=room_session action=resolve status=failed role=%s room_id=%s domain_id=%s error=%v", req.Role, req.RoomID, req.DomainID, err)
		if errors.Is(err, ErrRoomNotFound) {
			return Binding{}, ErrRoomNotFound
		}
		return Binding{}, ErrJoinFailed
	}
	if rec.CustomerID == "" {
		rec.CustomerID = customerID
	}

	binding := Binding{
		RoomID:   rec.ID,
		DomainID: rec.DomainID,
		Participant: Participant{
			SocketID:   peer.ID(),
			UserID:     userID,
			UserName:   req.UserName,
			Role:       req.Role,
			CustomerID: customerID,
		},
	}
	if err := c.postOrCreate(rec, joinEvent{member: &member{Participant: binding.Participant, peer: peer}}); err != nil {
		return Binding{}, err
	}
	return binding, nil
}

// postOrCreate delivers ev to the room, starting a session when none is held.
// The shard lock is held across lookup and post so eviction cannot interleave.
func (c *Coordinator) postOrCreate(rec domain.ChatRoom, ev roomEvent) error {
	s := c.shard(rec.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[rec.ID]
	if !ok {
		if c.ctx.Err() != nil {
			return ErrRoomClosed
		}
		r = newRoom(c, rec)
		s.rooms[rec.ID] = r
		c.metrics.roomOpened()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			r.run()
		}()
		commonlog.Debugf("event=room_session action=start room_id=%s domain_id=%s live=%t", rec.ID, rec.DomainID, rec.Live)
	}
	return r.post(ev)
}

// dispatch posts to a room this instance already holds.
func (c *Coordinator) dispatch(roomID string, ev roomEvent) error {
	s := c.shard(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomClosed
	}
	return r.post(ev)
}

// dispatchInternal posts past the mailbox cap. It reports false when this
// instance does not hold the room.
func (c *Coordinator) dispatchInternal(roomID string, ev roomEvent) bool {
	s := c.shard(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	return r.postInternal(ev)
}

func (c *Coordinator) lookup(roomID string) (*room, bool) {
	s := c.shard(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	return r, ok
}

// tryEvict removes r only if nothing is waiting in its mailbox. Lock order is
// shard then room.
func (c *Coordinator) tryEvict(r *room) bool {
	s := c.shard(r.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) > 0 || r.closed {
		return false
	}
	r.closed = true
	if s.rooms[r.id] == r {
		delete(s.rooms, r.id)
	}
	return true
}

// Leave is never refused for load: a lost leave would keep a dead member in
// the room and the session would never be evicted.
func (c *Coordinator) Leave(b Binding, reason string) {
	if !c.dispatchInternal(b.RoomID, leaveEvent{socketID: b.SocketID, reason: reason}) {
		commonlog.Debugf("event=room_session action=leave status=room_closed room_id=%s socket_id=%s reason=%s", b.RoomID, b.SocketID, reason)
	}
}

func (c *Coordinator) Send(b Binding, peer Peer, req protocol.SendRequest) error {
	if req.RoomID != b.RoomID {
		return protocol.ErrNotJoinedToRoom
	}
	if req.Role != "" && req.Role != b.Role {
		return protocol.ErrInvalidRole
	}
	err := c.dispatch(b.RoomID, sendEvent{socketID: b.SocketID, peer: peer, req: req})
	if errors.Is(err, ErrRoomClosed) {
		return protocol.ErrNotJoinedToRoom
	}
	return err
}

// ToggleFromSocket applies a toggle-live-agent frame from a bound connection.
func (c *Coordinator) ToggleFromSocket(ctx context.Context, b Binding, req protocol.ToggleRequest) error {
	if b.Role != domain.RoleAdmin {
		return protocol.ErrAdminOnly
	}
	if req.RoomID != b.RoomID {
		return protocol.ErrNotJoinedToRoom
	}
	return c.SetLiveMode(ctx, b.RoomID, req.Enabled, b.UserID)
}

// SetLiveMode routes a live-mode change through the room's actor, loading the
// room from the store when this instance does not hold it.
func (c *Coordinator) SetLiveMode(ctx context.Context, roomID string, enabled bool, actor string) error {
	reply := make(chan error, 1)
	ev := toggleEvent{enabled: enabled, actor: actor, reply: reply}
	if err := c.dispatch(roomID, ev); err != nil {
		if !errors.Is(err, ErrRoomClosed) {
			return err
		}
		rec, err := c.loadRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if err := c.postOrCreate(rec, ev); err != nil {
			return err
		}
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot reports a held room's runtime state, or the stored flags of a
// room that is idle on this instance.
func (c *Coordinator) Snapshot(ctx context.Context, roomID string) (RoomSnapshot, error) {
	reply := make(chan RoomSnapshot, 1)
	if err := c.dispatch(roomID, snapshotEvent{reply: reply}); err == nil {
		select {
		case snap := <-reply:
			return snap, nil
		case <-ctx.Done():
			return RoomSnapshot{}, ctx.Err()
		}
	}
	rec, err := c.loadRoom(ctx, roomID)
	if err != nil {
		return RoomSnapshot{}, err
	}
	return RoomSnapshot{
		RoomID:   rec.ID,
		DomainID: rec.DomainID,
		State:    domain.RoomStateIdle,
		Live:     rec.Live,
		Mailed:   rec.Mailed,
	}, nil
}

func (c *Coordinator) loadRoom(ctx context.Context, roomID string) (domain.ChatRoom, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	rec, err := c.store.GetChatRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return domain.ChatRoom{}, ErrRoomNotFound
		}
		return domain.ChatRoom{}, err
	}
	return rec, nil
}

func (c *Coordinator) deliverRemote(ev RemoteEvent) {
	r, ok := c.lookup(ev.RoomID)
	if !ok {
		return
	}
	r.postInternal(remoteRoomEvent{ev: ev})
}

func (c *Coordinator) emitMessageCreated(domainID string, msg protocol.ChatMessage) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := c.notifier.MessageCreated(ctx, domainID, msg); err != nil {
			commonlog.Warnf("event=message_created action=publish status=failed domain_id=%s room_id=%s message_id=%s error=%v", domainID, msg.RoomID, msg.ID, err)
		}
	}()
}

// notifyLiveRequested runs after the once-gate was won. The store's mailed
// flag is written after the notification is handed off.
func (c *Coordinator) notifyLiveRequested(roomID, domainID, customerID, trigger string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		notice := LiveRequestNotice{
			DomainID:   domainID,
			RoomID:     roomID,
			CustomerID: customerID,
			Trigger:    trigger,
			At:         c.now().UTC(),
		}
		if c.domains != nil {
			if dom, err := c.domains.Get(ctx, domainID); err == nil {
				notice.DomainName = dom.Name
				notice.OwnerID = dom.OwnerID
				notice.OwnerEmail = dom.OwnerEmail
			} else {
				commonlog.Warnf("event=live_notification action=load_domain status=failed domain_id=%s error=%v", domainID, err)
			}
		}
		if err := c.notifier.LiveRequested(ctx, notice); err != nil {
			commonlog.Errorf("event=live_notification action=publish status=failed room_id=%s domain_id=%s error=%v", roomID, domainID, err)
		} else {
			commonlog.Infof("event=live_notification action=publish status=ok room_id=%s domain_id=%s trigger=%s", roomID, domainID, trigger)
		}
		if err := c.store.MarkMailed(ctx, roomID); err != nil {
			commonlog.Errorf("event=live_notification action=mark_mailed status=failed room_id=%s error=%v", roomID, err)
		}
	}()
}

// Close stops every room and waits for in-flight work to finish.
func (c *Coordinator) Close() {
	c.cancel()
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for id, r := range s.rooms {
			r.close()
			delete(s.rooms, id)
		}
		s.mu.Unlock()
	}
	c.wg.Wait()
}

// WireError maps a join, send, or toggle failure onto customer-safe text.
func WireError(err error) string {
	switch {
	case err == nil:
		return ""
	case protocol.IsValidation(err):
		return err.Error()
	case errors.Is(err, ErrRoomBusy):
		return wireRoomBusy
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrTenantMismatch):
		return ErrRoomNotFound.Error()
	case errors.Is(err, ErrPersistFailed), errors.Is(err, ErrToggleFailed), errors.Is(err, ErrJoinFailed):
		return err.Error()
	default:
		return wireInternalError
	}
}
