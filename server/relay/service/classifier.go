package service

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"chat_relay/server/relay/domain"
)

// ComplexLengthThreshold is the rune count above which a message is always complex.
const ComplexLengthThreshold = 200

var complexKeywords = []string{
	"explain", "explanation", "detailed", "detail", "compare", "comparison",
	"analyze", "analysis", "pros and cons", "vs", "versus", "difference between",
	"why", "how does", "step by step", "troubleshoot", "integrate", "integration",
	"configure", "strategy", "recommend", "evaluate", "technical", "complex",
	"in depth",
}

var simpleKeywords = []string{
	"hi", "hello", "hey", "thanks", "thank you", "price", "pricing", "cost",
	"hours", "open", "location", "address", "contact", "phone", "email", "yes",
	"no", "ok", "what is", "where", "when", "bye",
}

// Classification is the outcome of Classify. Counts are kept for logging.
type Classification struct {
	Tier         domain.Tier
	ComplexHits  int
	SimpleHits   int
	LengthForced bool
}

func (c Classification) Complex() bool {
	return c.Tier == domain.TierPremium
}

// Classify picks a tier from message text alone. Ties and no matches stay cheap.
func Classify(text string) Classification {
	if utf8.RuneCountInString(text) > ComplexLengthThreshold {
		return Classification{Tier: domain.TierPremium, LengthForced: true}
	}
	normalized := normalizeForMatch(text)
	out := Classification{
		ComplexHits: countKeywords(normalized, complexKeywords),
		SimpleHits:  countKeywords(normalized, simpleKeywords),
		Tier:        domain.TierCheap,
	}
	if out.ComplexHits > out.SimpleHits {
		out.Tier = domain.TierPremium
	}
	return out
}

// normalizeForMatch lowercases, folds punctuation to spaces, and pads the text
// so every keyword can be matched as " keyword ".
func normalizeForMatch(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

func countKeywords(normalized string, keywords []string) int {
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(normalized, " "+kw+" ") {
			hits++
		}
	}
	return hits
}
