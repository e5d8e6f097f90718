package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_relay/server/relay/domain"
)

const complexQuestion = "Can you explain the difference between your plans and compare the integration options step by step?"

func newTestResponder(completer Completer, credits CreditChecker, ledger UsageLedger) *Responder {
	return NewResponder(ResponderDeps{
		Completer: completer,
		Credits:   credits,
		Ledger:    ledger,
		Domains: fakeDomains{
			"dom-1": {ID: "dom-1", Name: "Acme", OwnerID: "owner-1"},
		},
		Timeout: time.Second,
	})
}

func turnInput(message string) TurnInput {
	return TurnInput{TurnID: "turn-1", RoomID: "room-1", DomainID: "dom-1", Message: message}
}

func TestResponderUsesPremiumWhenCreditsAllow(t *testing.T) {
	completer := &fakeCompleter{reply: func(ctx context.Context, req CompletionRequest) (Completion, error) {
		return Completion{Text: strings.Repeat("a", 4000), Model: "premium-model"}, nil
	}}
	ledger := &fakeLedger{}
	credits := fakeCredits{status: domain.CreditStatus{Plan: domain.PlanGrowth, PremiumAllowed: true, Remaining: 10}}

	res, err := newTestResponder(completer, credits, ledger).Respond(context.Background(), turnInput(complexQuestion))
	require.NoError(t, err)
	assert.Equal(t, domain.TierPremium, res.Tier)
	assert.False(t, res.Fallback)
	require.Len(t, completer.calls(), 1)
	assert.Equal(t, domain.TierPremium, completer.calls()[0].Tier)

	records := ledger.all()
	require.Len(t, records, 1)
	assert.Equal(t, "turn-1", records[0].TurnID)
	assert.Equal(t, "owner-1", records[0].OwnerID)
	assert.Equal(t, domain.TierPremium, records[0].Tier)
	assert.Equal(t, "premium-model", records[0].Model)
	assert.GreaterOrEqual(t, records[0].CreditsUsed, 1)
}

func TestResponderDowngradesWithoutCredits(t *testing.T) {
	cases := map[string]CreditChecker{
		"exhausted": fakeCredits{status: domain.CreditStatus{Plan: domain.PlanStarter, PremiumAllowed: true, Remaining: 0}},
		"no plan":   fakeCredits{status: domain.CreditStatus{PremiumAllowed: true, Remaining: 5}},
		"errored":   fakeCredits{err: errors.New("billing down")},
		"missing":   nil,
	}
	for name, credits := range cases {
		t.Run(name, func(t *testing.T) {
			completer := &fakeCompleter{}
			ledger := &fakeLedger{}
			res, err := newTestResponder(completer, credits, ledger).Respond(context.Background(), turnInput(complexQuestion))
			require.NoError(t, err)
			assert.Equal(t, domain.TierCheap, res.Tier)
			require.Len(t, ledger.all(), 1)
			assert.Zero(t, ledger.all()[0].CreditsUsed)
		})
	}
}

func TestResponderRetriesPremiumFailureOnCheap(t *testing.T) {
	completer := &fakeCompleter{reply: func(ctx context.Context, req CompletionRequest) (Completion, error) {
		if req.Tier == domain.TierPremium {
			return Completion{}, ErrCompletionFailed
		}
		return Completion{Text: "cheap answer", Model: "cheap-model"}, nil
	}}
	ledger := &fakeLedger{}
	credits := fakeCredits{status: domain.CreditStatus{Plan: domain.PlanPro, PremiumAllowed: true, Remaining: 10}}

	res, err := newTestResponder(completer, credits, ledger).Respond(context.Background(), turnInput(complexQuestion))
	require.NoError(t, err)
	assert.Equal(t, "cheap answer", res.Text)
	assert.Equal(t, domain.TierCheap, res.Tier)
	calls := completer.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, domain.TierPremium, calls[0].Tier)
	assert.Equal(t, domain.TierCheap, calls[1].Tier)
	require.Len(t, ledger.all(), 1)
	assert.Equal(t, domain.TierCheap, ledger.all()[0].Tier)
}

func TestResponderFallsBackWhenEveryTierFails(t *testing.T) {
	completer := &fakeCompleter{reply: func(ctx context.Context, req CompletionRequest) (Completion, error) {
		return Completion{Text: ""}, nil
	}}
	ledger := &fakeLedger{}

	res, err := newTestResponder(completer, nil, ledger).Respond(context.Background(), turnInput("hi"))
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, FallbackReply, res.Text)
	assert.Nil(t, res.Usage)
	assert.Empty(t, ledger.all())
}

func TestResponderDetectsRealtimeMarker(t *testing.T) {
	completer := &fakeCompleter{reply: func(ctx context.Context, req CompletionRequest) (Completion, error) {
		return Completion{Text: "One moment, a person will join. (REALTIME)", Model: "cheap-model"}, nil
	}}
	res, err := newTestResponder(completer, nil, &fakeLedger{}).Respond(context.Background(), turnInput("talk to a human"))
	require.NoError(t, err)
	assert.True(t, res.Handoff)
	assert.Equal(t, "One moment, a person will join.", res.Text)
}

func TestResponderReturnsErrorOnlyWhenCancelled(t *testing.T) {
	completer := &fakeCompleter{reply: func(ctx context.Context, req CompletionRequest) (Completion, error) {
		<-ctx.Done()
		return Completion{}, ctx.Err()
	}}
	ledger := &fakeLedger{}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := newTestResponder(completer, nil, ledger).Respond(ctx, turnInput("hi"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ledger.all())
}

func TestResponderSurvivesMissingDomain(t *testing.T) {
	completer := &fakeCompleter{}
	r := newTestResponder(completer, nil, &fakeLedger{})
	res, err := r.Respond(context.Background(), TurnInput{TurnID: "t", RoomID: "r", DomainID: "unknown", Message: "hi"})
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	require.Len(t, completer.calls(), 1)
	assert.NotEmpty(t, completer.calls()[0].System)
}

func TestCreditsFor(t *testing.T) {
	assert.Zero(t, CreditsFor(domain.TierCheap, 5000))
	assert.Zero(t, CreditsFor(domain.TierPremium, 0))
	assert.Equal(t, 1, CreditsFor(domain.TierPremium, 1))
	assert.Equal(t, 1, CreditsFor(domain.TierPremium, 1000))
	assert.Equal(t, 2, CreditsFor(domain.TierPremium, 1001))
}

func TestEstimateTokens(t *testing.T) {
	req := CompletionRequest{
		System:  strings.Repeat("s", 40),
		History: []ChatTurn{{Role: TurnRoleUser, Content: strings.Repeat("h", 20)}},
		User:    strings.Repeat("u", 20),
	}
	assert.Equal(t, 25, EstimateTokens(req, strings.Repeat("c", 20)))
}
