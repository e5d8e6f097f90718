package service

import (
	"context"
	"time"
	"unicode/utf8"

	commonlog "chat_relay/server/common/log"
	"chat_relay/server/relay/domain"
	"chat_relay/server/relay/protocol"
)

const (
	DefaultAITimeout   = 30 * time.Second
	ledgerWriteTimeout = 5 * time.Second
	charsPerToken      = 4
	tokensPerCredit    = 1000
)

type domainSource interface {
	Get(ctx context.Context, domainID string) (domain.Domain, error)
}

type ResponderDeps struct {
	Completer Completer
	Credits   CreditChecker
	Ledger    UsageLedger
	Domains   domainSource
	Documents DocumentSource
	Metrics   *Metrics
	Timeout   time.Duration
}

// Responder applies the routing policy to one customer message: classify,
// gate premium on credits, complete with fallback, and account usage.
type Responder struct {
	completer Completer
	credits   CreditChecker
	ledger    UsageLedger
	domains   domainSource
	docs      DocumentSource
	metrics   *Metrics
	timeout   time.Duration
	now       func() time.Time
}

func NewResponder(deps ResponderDeps) *Responder {
	if deps.Timeout <= 0 {
		deps.Timeout = DefaultAITimeout
	}
	if deps.Documents == nil {
		deps.Documents = NoDocuments{}
	}
	return &Responder{
		completer: deps.Completer,
		credits:   deps.Credits,
		ledger:    deps.Ledger,
		domains:   deps.Domains,
		docs:      deps.Documents,
		metrics:   deps.Metrics,
		timeout:   deps.Timeout,
		now:       time.Now,
	}
}

type TurnInput struct {
	TurnID   string
	RoomID   string
	DomainID string
	History  []protocol.ChatMessage
	Message  string
}

type TurnResult struct {
	Text     string
	Handoff  bool
	Fallback bool
	Tier     domain.Tier
	Model    string
	Usage    *domain.AIUsageRecord
}

// Respond only returns an error when ctx was cancelled. Every other failure
// turns into the fallback reply.
func (r *Responder) Respond(ctx context.Context, in TurnInput) (TurnResult, error) {
	startedAt := r.now()
	dom, err := r.domains.Get(ctx, in.DomainID)
	if err != nil {
		if ctx.Err() != nil {
			return TurnResult{}, ctx.Err()
		}
		commonlog.Warnf("event=ai_turn action=load_domain status=failed domain_id=%s room_id=%s error=%v", in.DomainID, in.RoomID, err)
		dom = domain.Domain{ID: in.DomainID}
	}
	docs, err := r.docs.RecentDocuments(ctx, in.DomainID, MaxPromptDocuments)
	if err != nil {
		commonlog.Warnf("event=ai_turn action=load_documents status=failed domain_id=%s error=%v", in.DomainID, err)
		docs = nil
	}
	req := BuildPrompt(dom, docs, in.History, in.Message)

	class := Classify(in.Message)
	tier := domain.TierCheap
	if class.Complex() && r.premiumAllowed(ctx, dom.OwnerID) {
		tier = domain.TierPremium
	}

	completion, used, err := r.completeWithFallback(ctx, req, tier)
	r.metrics.aiDuration(used, r.now().Sub(startedAt))
	if err != nil {
		if ctx.Err() != nil {
			return TurnResult{}, ctx.Err()
		}
		commonlog.Errorf("event=ai_turn action=complete status=fallback domain_id=%s room_id=%s turn_id=%s error=%v", in.DomainID, in.RoomID, in.TurnID, err)
		return TurnResult{Text: FallbackReply, Fallback: true, Tier: used}, nil
	}

	usage := r.recordUsage(in, dom, req, completion, used)
	text, handoff := StripRealtimeMarker(completion.Text)
	commonlog.Infof("event=ai_turn action=complete status=ok domain_id=%s room_id=%s turn_id=%s tier=%s complex_hits=%d simple_hits=%d handoff=%t latency_ms=%d", in.DomainID, in.RoomID, in.TurnID, used, class.ComplexHits, class.SimpleHits, handoff, r.now().Sub(startedAt).Milliseconds())
	return TurnResult{Text: text, Handoff: handoff, Tier: used, Model: completion.Model, Usage: &usage}, nil
}

// premiumAllowed never fails the turn: any credit-check failure means cheap.
func (r *Responder) premiumAllowed(ctx context.Context, ownerID string) bool {
	if r.credits == nil || ownerID == "" {
		return false
	}
	status, err := r.credits.CheckCredits(ctx, ownerID)
	if err != nil {
		commonlog.Warnf("event=ai_turn action=check_credits status=failed owner_id=%s error=%v", ownerID, err)
		return false
	}
	return status.AllowsPremium()
}

func (r *Responder) completeWithFallback(ctx context.Context, req CompletionRequest, tier domain.Tier) (Completion, domain.Tier, error) {
	completion, err := r.completeOnce(ctx, req, tier)
	if err == nil || tier == domain.TierCheap {
		return completion, tier, err
	}
	if ctx.Err() != nil {
		return Completion{}, tier, ctx.Err()
	}
	commonlog.Warnf("event=ai_turn action=complete status=retry_cheap tier=%s error=%v", tier, err)
	completion, err = r.completeOnce(ctx, req, domain.TierCheap)
	return completion, domain.TierCheap, err
}

func (r *Responder) completeOnce(ctx context.Context, req CompletionRequest, tier domain.Tier) (Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	req.Tier = tier
	completion, err := r.completer.Complete(callCtx, req)
	if err != nil {
		return Completion{}, err
	}
	if completion.Text == "" {
		return Completion{}, errEmptyCompletion
	}
	return completion, nil
}

func (r *Responder) recordUsage(in TurnInput, dom domain.Domain, req CompletionRequest, completion Completion, tier domain.Tier) domain.AIUsageRecord {
	tokens := EstimateTokens(req, completion.Text)
	rec := domain.AIUsageRecord{
		TurnID:        in.TurnID,
		DomainID:      in.DomainID,
		OwnerID:       dom.OwnerID,
		RoomID:        in.RoomID,
		Tier:          tier,
		Model:         completion.Model,
		TokenEstimate: tokens,
		CreditsUsed:   CreditsFor(tier, tokens),
		CreatedAt:     r.now().UTC(),
	}
	if r.ledger == nil {
		return rec
	}
	// The completion already happened, so the record outlives a cancelled turn.
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()
	_, err := retry(ctx, writeRetry, func() (struct{}, error) {
		return struct{}{}, r.ledger.Record(ctx, rec)
	})
	if err != nil {
		commonlog.Errorf("event=ai_usage action=record status=failed turn_id=%s domain_id=%s tier=%s error=%v", rec.TurnID, rec.DomainID, rec.Tier, err)
		return rec
	}
	r.metrics.creditsUsed(rec.CreditsUsed)
	return rec
}

// EstimateTokens approximates tokens as total prompt and completion characters over four.
func EstimateTokens(req CompletionRequest, completion string) int {
	chars := utf8.RuneCountInString(req.System) + utf8.RuneCountInString(req.User) + utf8.RuneCountInString(completion)
	for _, turn := range req.History {
		chars += utf8.RuneCountInString(turn.Content)
	}
	return chars / charsPerToken
}

// CreditsFor charges premium completions one credit per started thousand tokens.
func CreditsFor(tier domain.Tier, tokens int) int {
	if tier != domain.TierPremium || tokens <= 0 {
		return 0
	}
	return (tokens + tokensPerCredit - 1) / tokensPerCredit
}
