package service

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/minio/minio-go/v7"

	commonlog "chat_relay/server/common/log"
	"chat_relay/server/relay/domain"
)

// maxDocumentBytes bounds each object read. Snippets are trimmed to
// MaxDocumentSnippet runes later, so four bytes per rune is enough.
const maxDocumentBytes = MaxDocumentSnippet * 4

var textDocumentExt = map[string]struct{}{
	".txt": {}, ".md": {}, ".markdown": {}, ".csv": {}, ".json": {}, ".html": {}, ".htm": {},
}

// MinioDocuments reads tenant reference documents stored as <domainId>/<name>.
type MinioDocuments struct {
	client *minio.Client
	bucket string
	cached *expirable.LRU[string, []domain.ReferenceDocument]
}

func NewMinioDocuments(client *minio.Client, bucket string, ttl time.Duration) *MinioDocuments {
	return &MinioDocuments{
		client: client,
		bucket: bucket,
		cached: expirable.NewLRU[string, []domain.ReferenceDocument](512, nil, ttl),
	}
}

func (m *MinioDocuments) RecentDocuments(ctx context.Context, domainID string, limit int) ([]domain.ReferenceDocument, error) {
	if docs, ok := m.cached.Get(domainID); ok {
		return docs, nil
	}
	var infos []minio.ObjectInfo
	for info := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: domainID + "/", Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list documents: %w", info.Err)
		}
		infos = append(infos, info)
	}

	selected := newestTextObjects(infos, limit)
	docs := make([]domain.ReferenceDocument, 0, len(selected))
	for _, info := range selected {
		content, err := m.read(ctx, info.Key)
		if err != nil {
			commonlog.Warnf("event=reference_document action=read status=failed domain_id=%s key=%s error=%v", domainID, info.Key, err)
			continue
		}
		docs = append(docs, domain.ReferenceDocument{Name: path.Base(info.Key), Content: content, UpdatedAt: info.LastModified})
	}
	m.cached.Add(domainID, docs)
	return docs, nil
}

func (m *MinioDocuments) read(ctx context.Context, key string) (string, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return "", err
	}
	defer obj.Close()
	raw, err := io.ReadAll(io.LimitReader(obj, maxDocumentBytes))
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(raw), ""), nil
}

func newestTextObjects(infos []minio.ObjectInfo, limit int) []minio.ObjectInfo {
	out := make([]minio.ObjectInfo, 0, len(infos))
	for _, info := range infos {
		if strings.HasSuffix(info.Key, "/") || info.Size == 0 {
			continue
		}
		if _, ok := textDocumentExt[strings.ToLower(path.Ext(info.Key))]; !ok {
			continue
		}
		out = append(out, info)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastModified.After(out[j].LastModified)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// NoDocuments is used when no object storage is configured.
type NoDocuments struct{}

func (NoDocuments) RecentDocuments(context.Context, string, int) ([]domain.ReferenceDocument, error) {
	return nil, nil
}
