package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chat_relay/server/relay/domain"
)

const (
	aiOutcomeReplied  = "replied"
	aiOutcomeHandoff  = "handoff"
	aiOutcomeFallback = "fallback"
	aiOutcomeDropped  = "dropped"
)

// Metrics holds the relay's prometheus collectors.
type Metrics struct {
	roomsActive     prometheus.Gauge
	connections     prometheus.Gauge
	messages        *prometheus.CounterVec
	persistFailures prometheus.Counter
	aiTurns         *prometheus.CounterVec
	aiLatency       *prometheus.HistogramVec
	creditsCharged  prometheus.Counter
	notifications   prometheus.Counter
	duplicateSends  prometheus.Counter
	roomBusy        prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_relay_rooms_active",
			Help: "Room sessions currently held in memory.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_relay_connections",
			Help: "Open websocket connections bound to a room.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_relay_messages_total",
			Help: "Messages persisted and broadcast, by stored role.",
		}, []string{"role"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_relay_persist_failures_total",
			Help: "Messages rejected because the store write failed after retry.",
		}),
		aiTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_relay_ai_turns_total",
			Help: "AI turns by tier actually used and outcome.",
		}, []string{"tier", "outcome"}),
		aiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_relay_ai_turn_duration_seconds",
			Help:    "Latency of AI turns including credit checks and fallback.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		}, []string{"tier"}),
		creditsCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_relay_credits_charged_total",
			Help: "Premium credits charged by recorded completions.",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_relay_live_notifications_total",
			Help: "Owner notifications triggered on first live-mode entry.",
		}),
		duplicateSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_relay_duplicate_sends_total",
			Help: "send-message frames suppressed by clientMessageId.",
		}),
		roomBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_relay_room_busy_total",
			Help: "Events rejected because a room mailbox was full.",
		}),
	}
	registerer.MustRegister(
		m.roomsActive, m.connections, m.messages, m.persistFailures, m.aiTurns,
		m.aiLatency, m.creditsCharged, m.notifications, m.duplicateSends, m.roomBusy,
	)
	return m
}

// A nil *Metrics records nothing, which keeps tests free of registries.

func (m *Metrics) roomOpened() {
	if m != nil {
		m.roomsActive.Inc()
	}
}

func (m *Metrics) roomClosed() {
	if m != nil {
		m.roomsActive.Dec()
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) messageStored(role domain.MessageRole) {
	if m != nil {
		m.messages.WithLabelValues(string(role)).Inc()
	}
}

func (m *Metrics) persistFailed() {
	if m != nil {
		m.persistFailures.Inc()
	}
}

func (m *Metrics) aiTurn(tier domain.Tier, outcome string) {
	if m != nil {
		m.aiTurns.WithLabelValues(string(tier), outcome).Inc()
	}
}

func (m *Metrics) aiDuration(tier domain.Tier, d time.Duration) {
	if m != nil {
		m.aiLatency.WithLabelValues(string(tier)).Observe(d.Seconds())
	}
}

func (m *Metrics) creditsUsed(n int) {
	if m != nil && n > 0 {
		m.creditsCharged.Add(float64(n))
	}
}

func (m *Metrics) notified() {
	if m != nil {
		m.notifications.Inc()
	}
}

func (m *Metrics) duplicateSend() {
	if m != nil {
		m.duplicateSends.Inc()
	}
}

func (m *Metrics) busy() {
	if m != nil {
		m.roomBusy.Inc()
	}
}
