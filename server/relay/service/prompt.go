package service

import (
	"sort"
	"strings"
	"unicode/utf8"

	"chat_relay/server/relay/domain"
	"chat_relay/server/relay/protocol"
)

// RealtimeMarker in a completion asks the relay to hand the room to a human.
const RealtimeMarker = "(realtime)"

const (
	MaxPromptDocuments   = 5
	MaxDocumentSnippet   = 1500
	defaultAssistantName = "this business"
)

var promptRules = []string{
	"Only answer questions about %s and its products or services. Politely decline anything else.",
	"If the customer asks for a human, or the question needs a person to resolve, reply with " + RealtimeMarker + " followed by a short note that an agent will join shortly.",
	"Never reveal which AI model, vendor, or provider you are.",
	"Keep answers short, friendly, and accurate. Do not invent facts that are not in this prompt.",
}

// BuildPrompt assembles a completion request without a tier. The output
// depends only on its arguments.
func BuildPrompt(dom domain.Domain, docs []domain.ReferenceDocument, history []protocol.ChatMessage, userText string) CompletionRequest {
	return CompletionRequest{
		System:  buildSystemPrompt(dom, docs),
		History: historyTurns(history),
		User:    userText,
	}
}

func buildSystemPrompt(dom domain.Domain, docs []domain.ReferenceDocument) string {
	name := strings.TrimSpace(dom.Name)
	if name == "" {
		name = defaultAssistantName
	}
	var b strings.Builder
	b.WriteString("You are the customer support assistant for ")
	b.WriteString(name)
	b.WriteString(".\n")
	if desc := strings.TrimSpace(dom.Description); desc != "" {
		b.WriteString("\n")
		b.WriteString(desc)
		b.WriteString("\n")
	}

	faqs := make([]domain.FAQ, 0, len(dom.FAQs))
	for _, faq := range dom.FAQs {
		if strings.TrimSpace(faq.Question) == "" || strings.TrimSpace(faq.Answer) == "" {
			continue
		}
		faqs = append(faqs, faq)
	}
	if len(faqs) > 0 {
		b.WriteString("\nFrequently asked questions:\n")
		for _, faq := range faqs {
			b.WriteString("Q: ")
			b.WriteString(strings.TrimSpace(faq.Question))
			b.WriteString("\nA: ")
			b.WriteString(strings.TrimSpace(faq.Answer))
			b.WriteString("\n")
		}
	}

	if snippets := documentSnippets(docs); len(snippets) > 0 {
		b.WriteString("\nReference documents:\n")
		for _, doc := range snippets {
			b.WriteString("[")
			b.WriteString(doc.Name)
			b.WriteString("]\n")
			b.WriteString(doc.Content)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nRules:\n")
	for _, rule := range promptRules {
		b.WriteString("- ")
		b.WriteString(strings.ReplaceAll(rule, "%s", name))
		b.WriteString("\n")
	}
	return b.String()
}

// documentSnippets keeps the newest documents and trims each to the snippet size.
func documentSnippets(docs []domain.ReferenceDocument) []domain.ReferenceDocument {
	sorted := make([]domain.ReferenceDocument, 0, len(docs))
	for _, doc := range docs {
		if strings.TrimSpace(doc.Content) == "" {
			continue
		}
		sorted = append(sorted, doc)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})
	if len(sorted) > MaxPromptDocuments {
		sorted = sorted[:MaxPromptDocuments]
	}
	for i := range sorted {
		sorted[i].Content = truncateRunes(strings.TrimSpace(sorted[i].Content), MaxDocumentSnippet)
	}
	return sorted
}

func historyTurns(history []protocol.ChatMessage) []ChatTurn {
	turns := make([]ChatTurn, 0, len(history))
	for _, msg := range history {
		role := TurnRoleAssistant
		if msg.Role == string(domain.MessageRoleCustomer) {
			role = TurnRoleUser
		}
		turns = append(turns, ChatTurn{Role: role, Content: msg.Message})
	}
	return turns
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// StripRealtimeMarker removes every marker occurrence, case-insensitively,
// and reports whether one was found.
func StripRealtimeMarker(text string) (string, bool) {
	var b strings.Builder
	found := false
	n := len(RealtimeMarker)
	for i := 0; i < len(text); {
		if i+n <= len(text) && strings.EqualFold(text[i:i+n], RealtimeMarker) {
			found = true
			i += n
			continue
		}
		b.WriteByte(text[i])
		i++
	}
	if !found {
		return text, false
	}
	return strings.TrimSpace(b.String()), true
}
