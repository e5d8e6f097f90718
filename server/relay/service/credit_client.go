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

const creditCheckPath = "/api/internal/v1/credits/check"

type CreditClient struct {
	http  *httpclient.Client
	reads RetryPolicy
}

func NewCreditClient(endpoints []string, internalKey string, timeout time.Duration) *CreditClient {
	header := http.Header{}
	if strings.TrimSpace(internalKey) != "" {
		header.Set("X-Internal-Key", internalKey)
	}
	return &CreditClient{
		http:  httpclient.New(endpoints, httpclient.Options{Timeout: timeout, Header: header}),
		reads: readRetry,
	}
}

func (c *CreditClient) CheckCredits(ctx context.Context, ownerID string) (domain.CreditStatus, error) {
	return retry(ctx, c.reads, func() (domain.CreditStatus, error) {
		var out domain.CreditStatus
		if err := c.http.Post(ctx, creditCheckPath, map[string]string{"ownerId": ownerID}, &out); err != nil {
			return domain.CreditStatus{}, fmt.Errorf("check credits: %w", err)
		}
		return out, nil
	})
}
