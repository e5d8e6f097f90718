package service

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"chat_relay/server/relay/domain"
)

type domainLoader interface {
	GetDomainData(ctx context.Context, domainID string) (domain.Domain, error)
}

// DomainCache fronts GetDomainData with a TTL cache. Concurrent misses for
// the same domain share one store call.
type DomainCache struct {
	loader domainLoader
	items  *expirable.LRU[string, domain.Domain]
	group  singleflight.Group
}

func NewDomainCache(loader domainLoader, capacity int, ttl time.Duration) *DomainCache {
	return &DomainCache{loader: loader, items: expirable.NewLRU[string, domain.Domain](capacity, nil, ttl)}
}

func (c *DomainCache) Get(ctx context.Context, domainID string) (domain.Domain, error) {
	if dom, ok := c.items.Get(domainID); ok {
		return dom, nil
	}
	v, err, _ := c.group.Do(domainID, func() (any, error) {
		if dom, ok := c.items.Get(domainID); ok {
			return dom, nil
		}
		dom, err := c.loader.GetDomainData(ctx, domainID)
		if err != nil {
			return domain.Domain{}, err
		}
		c.items.Add(domainID, dom)
		return dom, nil
	})
	if err != nil {
		return domain.Domain{}, err
	}
	return v.(domain.Domain), nil
}

func (c *DomainCache) Invalidate(domainID string) {
	c.items.Remove(domainID)
}
