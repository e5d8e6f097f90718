package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat_relay/server/relay/domain"
	"chat_relay/server/relay/protocol"
)

var errStoreDown = errors.New("store unavailable")

type fakeStore struct {
	mu        sync.Mutex
	rooms     map[string]domain.ChatRoom
	messages  []domain.Message
	domains   map[string]domain.Domain
	saveErr   error
	liveErr   error
	liveCalls []bool
	mailed    []string
	nextID    int
	// saveGate, when set, holds every SaveMessage until it is closed.
	saveGate chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms: map[string]domain.ChatRoom{},
		domains: map[string]domain.Domain{
			"dom-1": {ID: "dom-1", Name: "Acme", OwnerID: "owner-1", OwnerEmail: "owner@acme.test", Description: "Acme sells anvils."},
		},
	}
}

func (s *fakeStore) GetOrCreateCustomer(ctx context.Context, req CustomerRequest) (domain.Customer, error) {
	id := "cust-" + req.UserID
	if req.UserID == "" {
		id = "cust-anon"
	}
	return domain.Customer{ID: id, DomainID: req.DomainID, Name: req.Name, IP: req.IP}, nil
}

func (s *fakeStore) GetOrCreateChatRoom(ctx context.Context, req RoomRequest) (domain.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.rooms[req.RoomID]; ok && rec.CustomerID == req.CustomerID {
		return rec, nil
	}
	for _, rec := range s.rooms {
		if rec.CustomerID == req.CustomerID && rec.DomainID == req.DomainID {
			return rec, nil
		}
	}
	s.nextID++
	rec := domain.ChatRoom{ID: fmt.Sprintf("room-%d", s.nextID), CustomerID: req.CustomerID, DomainID: req.DomainID}
	s.rooms[rec.ID] = rec
	return rec, nil
}

func (s *fakeStore) GetChatRoom(ctx context.Context, roomID string) (domain.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return domain.ChatRoom{}, ErrRoomNotFound
	}
	return rec, nil
}

func (s *fakeStore) SaveMessage(ctx context.Context, req SaveMessageRequest) (domain.Message, error) {
	s.mu.Lock()
	gate := s.saveGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.Message{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return domain.Message{}, s.saveErr
	}
	msg := domain.Message{
		ID:         fmt.Sprintf("msg-%d", len(s.messages)+1),
		ChatRoomID: req.RoomID,
		Message:    req.Message,
		Role:       req.Role,
		CreatedAt:  time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *fakeStore) GetChatHistory(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, msg := range s.messages {
		if msg.ChatRoomID == roomID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeStore) SetLiveMode(ctx context.Context, roomID string, live bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveErr != nil {
		return s.liveErr
	}
	s.liveCalls = append(s.liveCalls, live)
	rec := s.rooms[roomID]
	rec.Live = live
	s.rooms[roomID] = rec
	return nil
}

func (s *fakeStore) MarkMailed(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailed = append(s.mailed, roomID)
	rec := s.rooms[roomID]
	rec.Mailed = true
	s.rooms[roomID] = rec
	return nil
}

func (s *fakeStore) GetDomainData(ctx context.Context, domainID string) (domain.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dom, ok := s.domains[domainID]
	if !ok {
		return domain.Domain{}, ErrDomainNotFound
	}
	return dom, nil
}

func (s *fakeStore) addRoom(rec domain.ChatRoom) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[rec.ID] = rec
}

func (s *fakeStore) setSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func (s *fakeStore) holdSaves() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveGate = make(chan struct{})
	return s.saveGate
}

func (s *fakeStore) savedMessages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages...)
}

func (s *fakeStore) liveWrites() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.liveCalls...)
}

func (s *fakeStore) mailedRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.mailed...)
}

type fakeCompleter struct {
	mu       sync.Mutex
	requests []CompletionRequest
	reply    func(ctx context.Context, req CompletionRequest) (Completion, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	reply := f.reply
	f.mu.Unlock()
	if reply == nil {
		return Completion{Text: "Happy to help.", Model: "cheap-model"}, nil
	}
	return reply(ctx, req)
}

func (f *fakeCompleter) calls() []CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CompletionRequest(nil), f.requests...)
}

type fakeCredits struct {
	status domain.CreditStatus
	err    error
}

func (f fakeCredits) CheckCredits(ctx context.Context, ownerID string) (domain.CreditStatus, error) {
	return f.status, f.err
}

type fakeLedger struct {
	mu      sync.Mutex
	records []domain.AIUsageRecord
}

func (f *fakeLedger) Record(ctx context.Context, rec domain.AIUsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeLedger) all() []domain.AIUsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.AIUsageRecord(nil), f.records...)
}

type fakeNotifier struct {
	mu      sync.Mutex
	live    []LiveRequestNotice
	created []protocol.ChatMessage
}

func (f *fakeNotifier) LiveRequested(ctx context.Context, notice LiveRequestNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = append(f.live, notice)
	return nil
}

func (f *fakeNotifier) MessageCreated(ctx context.Context, domainID string, msg protocol.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, msg)
	return nil
}

func (f *fakeNotifier) liveNotices() []LiveRequestNotice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LiveRequestNotice(nil), f.live...)
}

type fakeDomains map[string]domain.Domain

func (f fakeDomains) Get(ctx context.Context, domainID string) (domain.Domain, error) {
	dom, ok := f[domainID]
	if !ok {
		return domain.Domain{}, ErrDomainNotFound
	}
	return dom, nil
}

type recordedFrame struct {
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Role    string                 `json:"role"`
	ID      string                 `json:"id"`
	Enabled bool                   `json:"enabled"`
	Live    bool                   `json:"live"`
	History []protocol.ChatMessage `json:"messages"`
}

type fakePeer struct {
	id     string
	mu     sync.Mutex
	frames []recordedFrame
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string {
	return p.id
}

func (p *fakePeer) Send(frame []byte) bool {
	var f recordedFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return false
	}
	p.mu.Lock()
	p.frames = append(p.frames, f)
	p.mu.Unlock()
	return true
}

func (p *fakePeer) ofType(kind string) []recordedFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []recordedFrame
	for _, f := range p.frames {
		if f.Type == kind {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePeer) waitFor(t *testing.T, kind string, n int) []recordedFrame {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(p.ofType(kind)) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s frames", n, kind)
	return p.ofType(kind)
}

type relayHarness struct {
	store     *fakeStore
	completer *fakeCompleter
	ledger    *fakeLedger
	notifier  *fakeNotifier
	coord     *Coordinator
}

// fakeLocker is an in-process stand-in for the cluster room lock.
type fakeLocker struct {
	sem      chan struct{}
	mu       sync.Mutex
	locks    int
	releases int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{sem: make(chan struct{}, 1)}
}

func (l *fakeLocker) Lock(ctx context.Context, roomID string) (func(), error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	l.mu.Lock()
	l.locks++
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.releases++
			l.mu.Unlock()
			<-l.sem
		})
	}, nil
}

func (l *fakeLocker) counts() (locks, releases int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locks, l.releases
}

func newRelayHarness(t *testing.T, cfg CoordinatorConfig, opts ...func(*CoordinatorDeps)) *relayHarness {
	t.Helper()
	h := &relayHarness{
		store:     newFakeStore(),
		completer: &fakeCompleter{},
		ledger:    &fakeLedger{},
		notifier:  &fakeNotifier{},
	}
	domains := NewDomainCache(h.store, 16, time.Minute)
	responder := NewResponder(ResponderDeps{
		Completer: h.completer,
		Credits:   fakeCredits{},
		Ledger:    h.ledger,
		Domains:   domains,
		Timeout:   time.Second,
	})
	deps := CoordinatorDeps{
		Store:     h.store,
		Responder: responder,
		Domains:   domains,
		Notifier:  h.notifier,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.coord = NewCoordinator(cfg, deps)
	t.Cleanup(h.coord.Close)
	return h
}

func (h *relayHarness) joinCustomer(t *testing.T, peer *fakePeer, userID string) Binding {
	t.Helper()
	b, err := h.coord.Join(context.Background(), peer, protocol.JoinRequest{
		UserID:   userID,
		UserName: "Casey",
		Role:     domain.RoleCustomer,
		DomainID: "dom-1",
	}, nil, "127.0.0.1")
	require.NoError(t, err)
	peer.waitFor(t, protocol.TypeRoomJoined, 1)
	return b
}

func (h *relayHarness) joinAdmin(t *testing.T, peer *fakePeer, roomID string) Binding {
	t.Helper()
	b, err := h.coord.Join(context.Background(), peer, protocol.JoinRequest{
		RoomID:   roomID,
		UserID:   "agent-1",
		UserName: "Agent",
		Role:     domain.RoleAdmin,
	}, nil, "")
	require.NoError(t, err)
	peer.waitFor(t, protocol.TypeRoomJoined, 1)
	return b
}

func (h *relayHarness) send(t *testing.T, b Binding, peer *fakePeer, text, clientMessageID string) {
	t.Helper()
	require.NoError(t, h.coord.Send(b, peer, protocol.SendRequest{
		RoomID:          b.RoomID,
		Message:         text,
		ClientMessageID: clientMessageID,
	}))
}
