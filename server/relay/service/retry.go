package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"chat_relay/server/common/infra/httpclient"
)

// RetryPolicy bounds retries of idempotent external calls.
type RetryPolicy struct {
	Attempts uint
	Initial  time.Duration
	Max      time.Duration
}

var (
	readRetry  = RetryPolicy{Attempts: 3, Initial: 100 * time.Millisecond, Max: time.Second}
	writeRetry = RetryPolicy{Attempts: 2, Initial: 200 * time.Millisecond, Max: time.Second}
)

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	return b
}

// retry runs op until it succeeds, returns a non-retryable error, or the
// attempts are used up.
func retry[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	return backoff.Retry(ctx, func() (T, error) {
		out, err := op()
		if err != nil && !httpclient.IsRetryable(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, backoff.WithBackOff(p.backOff()), backoff.WithMaxTries(attempts))
}
