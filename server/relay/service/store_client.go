package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chat_relay/server/common/infra/httpclient"
	"chat_relay/server/relay/domain"
)

const storeBasePath = "/api/internal/v1/store"

// StoreClient talks to the persistence API over HTTP.
type StoreClient struct {
	http  *httpclient.Client
	reads RetryPolicy
}

func NewStoreClient(endpoints []string, internalKey string, timeout time.Duration) *StoreClient {
	header := http.Header{}
	if strings.TrimSpace(internalKey) != "" {
		header.Set("X-Internal-Key", internalKey)
	}
	return &StoreClient{
		http:  httpclient.New(endpoints, httpclient.Options{Timeout: timeout, Header: header}),
		reads: readRetry,
	}
}

func (c *StoreClient) post(ctx context.Context, path string, payload, out any) error {
	return c.http.Post(ctx, storeBasePath+path, payload, out)
}

func (c *StoreClient) GetOrCreateCustomer(ctx context.Context, req CustomerRequest) (domain.Customer, error) {
	return retry(ctx, c.reads, func() (domain.Customer, error) {
		var out domain.Customer
		if err := c.post(ctx, "/customers/get-or-create", req, &out); err != nil {
			return domain.Customer{}, fmt.Errorf("get or create customer: %w", err)
		}
		return out, nil
	})
}

func (c *StoreClient) GetOrCreateChatRoom(ctx context.Context, req RoomRequest) (domain.ChatRoom, error) {
	return retry(ctx, c.reads, func() (domain.ChatRoom, error) {
		var out domain.ChatRoom
		if err := c.post(ctx, "/rooms/get-or-create", req, &out); err != nil {
			return domain.ChatRoom{}, fmt.Errorf("get or create chat room: %w", err)
		}
		return out, nil
	})
}

func (c *StoreClient) GetChatRoom(ctx context.Context, roomID string) (domain.ChatRoom, error) {
	return retry(ctx, c.reads, func() (domain.ChatRoom, error) {
		var out domain.ChatRoom
		err := c.post(ctx, "/rooms/get", map[string]string{"roomId": roomID}, &out)
		if httpclient.IsNotFound(err) {
			return domain.ChatRoom{}, fmt.Errorf("%w: %w", ErrRoomNotFound, err)
		}
		if err != nil {
			return domain.ChatRoom{}, fmt.Errorf("get chat room: %w", err)
		}
		return out, nil
	})
}

// SaveMessage is not retried here; the room decides how often a write may be
// attempted.
func (c *StoreClient) SaveMessage(ctx context.Context, req SaveMessageRequest) (domain.Message, error) {
	var out domain.Message
	if err := c.post(ctx, "/messages", req, &out); err != nil {
		return domain.Message{}, fmt.Errorf("save message: %w", err)
	}
	return out, nil
}

func (c *StoreClient) GetChatHistory(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	return retry(ctx, c.reads, func() ([]domain.Message, error) {
		var out struct {
			Messages []domain.Message `json:"messages"`
		}
		if err := c.post(ctx, "/messages/history", map[string]any{"roomId": roomID, "limit": limit}, &out); err != nil {
			return nil, fmt.Errorf("get chat history: %w", err)
		}
		return out.Messages, nil
	})
}

func (c *StoreClient) SetLiveMode(ctx context.Context, roomID string, live bool) error {
	_, err := retry(ctx, c.reads, func() (struct{}, error) {
		if err := c.post(ctx, "/rooms/live", map[string]any{"roomId": roomID, "live": live}, nil); err != nil {
			return struct{}{}, fmt.Errorf("set live mode: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (c *StoreClient) MarkMailed(ctx context.Context, roomID string) error {
	_, err := retry(ctx, c.reads, func() (struct{}, error) {
		if err := c.post(ctx, "/rooms/mailed", map[string]string{"roomId": roomID}, nil); err != nil {
			return struct{}{}, fmt.Errorf("mark mailed: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (c *StoreClient) GetDomainData(ctx context.Context, domainID string) (domain.Domain, error) {
	return retry(ctx, c.reads, func() (domain.Domain, error) {
		var out domain.Domain
		err := c.post(ctx, "/domains/get", map[string]string{"domainId": domainID}, &out)
		if httpclient.IsNotFound(err) {
			return domain.Domain{}, fmt.Errorf("%w: %w", ErrDomainNotFound, err)
		}
		if err != nil {
			return domain.Domain{}, fmt.Errorf("get domain data: %w", err)
		}
		return out, nil
	})
}

// Record writes a usage record through the store when no ledger
// database is configured. The store dedupes on turnId.
func (c *StoreClient) Record(ctx context.Context, rec domain.AIUsageRecord) error {
	_, err := retry(ctx, c.reads, func() (struct{}, error) {
		if err := c.post(ctx, "/usage", rec, nil); err != nil {
			return struct{}{}, fmt.Errorf("record usage: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}
