package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_relay/server/relay/domain"
)

func TestNewestTextObjects(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	infos := []minio.ObjectInfo{
		{Key: "d1/old.txt", Size: 10, LastModified: base},
		{Key: "d1/logo.png", Size: 10, LastModified: base.Add(5 * time.Hour)},
		{Key: "d1/new.md", Size: 10, LastModified: base.Add(3 * time.Hour)},
		{Key: "d1/empty.txt", Size: 0, LastModified: base.Add(4 * time.Hour)},
		{Key: "d1/faq.CSV", Size: 10, LastModified: base.Add(time.Hour)},
		{Key: "d1/sub/", Size: 0, LastModified: base.Add(6 * time.Hour)},
	}
	got := newestTextObjects(infos, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "d1/new.md", got[0].Key)
	assert.Equal(t, "d1/faq.CSV", got[1].Key)
}

type countingDomainLoader struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (l *countingDomainLoader) GetDomainData(ctx context.Context, domainID string) (domain.Domain, error) {
	l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return domain.Domain{}, l.err
	}
	return domain.Domain{ID: domainID, Name: "Acme"}, nil
}

func TestDomainCacheSharesConcurrentLoads(t *testing.T) {
	loader := &countingDomainLoader{gate: make(chan struct{})}
	c := NewDomainCache(loader, 16, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dom, err := c.Get(context.Background(), "d1")
			assert.NoError(t, err)
			assert.Equal(t, "Acme", dom.Name)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(loader.gate)
	wg.Wait()

	_, err := c.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.calls.Load())
}

func TestDomainCacheDoesNotCacheErrors(t *testing.T) {
	loader := &countingDomainLoader{err: errors.New("store down")}
	c := NewDomainCache(loader, 16, time.Minute)

	_, err := c.Get(context.Background(), "d1")
	assert.Error(t, err)
	_, err = c.Get(context.Background(), "d1")
	assert.Error(t, err)
	assert.Equal(t, int32(2), loader.calls.Load())
}
