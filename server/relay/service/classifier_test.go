package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"chat_relay/server/relay/domain"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		text string
		want domain.Tier
	}{
		{"greeting", "hi", domain.TierCheap},
		{"long without keywords", strings.Repeat("a", 250), domain.TierPremium},
		{"many complex keywords", "Can you give a detailed explanation and compare the pros and cons of X vs Y", domain.TierPremium},
		{"pricing question", "What is your price", domain.TierCheap},
		{"no keywords", "blue widgets", domain.TierCheap},
		{"tie stays cheap", "hello, why?", domain.TierCheap},
		{"punctuation is a boundary", "Explain... please!", domain.TierPremium},
		{"substring is not a keyword", "this is high quality", domain.TierCheap},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.text).Tier)
		})
	}
}

func TestClassifyCountsKeywordsOnce(t *testing.T) {
	out := Classify("why why why hello")
	assert.Equal(t, 1, out.ComplexHits)
	assert.Equal(t, 1, out.SimpleHits)
	assert.False(t, out.Complex())
}

func TestClassifyLengthUsesRunes(t *testing.T) {
	out := Classify(strings.Repeat("é", ComplexLengthThreshold))
	assert.False(t, out.LengthForced)

	out = Classify(strings.Repeat("é", ComplexLengthThreshold+1))
	assert.True(t, out.LengthForced)
	assert.True(t, out.Complex())
}
