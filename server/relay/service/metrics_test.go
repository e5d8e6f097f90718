package service

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"chat_relay/server/relay/domain"
)

func TestMetricsRecordRelayActivity(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.roomOpened()
	m.roomOpened()
	m.roomClosed()
	m.messageStored(domain.MessageRoleCustomer)
	m.messageStored(domain.MessageRoleCustomer)
	m.messageStored(domain.MessageRoleOwner)
	m.aiTurn(domain.TierPremium, aiOutcomeReplied)
	m.aiDuration(domain.TierPremium, 1500*time.Millisecond)
	m.creditsUsed(3)
	m.creditsUsed(0)

	assert.InDelta(t, 1, testutil.ToFloat64(m.roomsActive), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.messages.WithLabelValues("CUSTOMER")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.messages.WithLabelValues("OWNER")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.aiTurns.WithLabelValues("premium", aiOutcomeReplied)), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.creditsCharged), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.aiLatency))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.roomOpened()
		m.connOpened()
		m.persistFailed()
		m.busy()
		m.notified()
		m.duplicateSend()
		m.aiTurn(domain.TierCheap, aiOutcomeFallback)
	})
}

func TestCoordinatorCountsPersistedMessages(t *testing.T) {
	store := newFakeStore()
	store.addRoom(domain.ChatRoom{ID: "room-5", CustomerID: "cust-u1", DomainID: "dom-1", Live: true, Mailed: true})
	m := NewMetrics(prometheus.NewRegistry())
	c := NewCoordinator(CoordinatorConfig{}, CoordinatorDeps{Store: store, Metrics: m})
	defer c.Close()
	h := &relayHarness{store: store, coord: c}

	peer := newFakePeer("sock-c")
	b := h.joinCustomer(t, peer, "u1")
	h.send(t, b, peer, "hello", "c-1")
	h.send(t, b, peer, "hello", "c-1")
	peer.waitFor(t, "message-received", 2)

	assert.InDelta(t, 1, testutil.ToFloat64(m.messages.WithLabelValues("CUSTOMER")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.duplicateSends), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.roomsActive), 0)
}
