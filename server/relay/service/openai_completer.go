package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"chat_relay/server/relay/domain"
)

type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	CheapModel   string
	PremiumModel string
	MaxTokens    int
	Temperature  float32
}

// OpenAICompleter adapts any OpenAI-compatible chat completion endpoint.
type OpenAICompleter struct {
	client *openai.Client
	models map[domain.Tier]string
	cfg    OpenAIConfig
}

func NewOpenAICompleter(cfg OpenAIConfig) *OpenAICompleter {
	if cfg.CheapModel == "" {
		cfg.CheapModel = openai.GPT4oMini
	}
	if cfg.PremiumModel == "" {
		cfg.PremiumModel = openai.GPT4o
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAICompleter{
		client: openai.NewClientWithConfig(config),
		models: map[domain.Tier]string{
			domain.TierCheap:   cfg.CheapModel,
			domain.TierPremium: cfg.PremiumModel,
		},
		cfg: cfg,
	}
}

func (c *OpenAICompleter) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	model, ok := c.models[req.Tier]
	if !ok {
		return Completion{}, fmt.Errorf("unknown tier %q", req.Tier)
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == TurnRoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.User})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %w", ErrCompletionFailed, err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("%w: no response choices", ErrCompletionFailed)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Completion{}, fmt.Errorf("%w: %w", ErrCompletionFailed, errEmptyCompletion)
	}
	usedModel := resp.Model
	if usedModel == "" {
		usedModel = model
	}
	return Completion{Text: text, Model: usedModel}, nil
}

var errEmptyCompletion = errors.New("empty completion")
