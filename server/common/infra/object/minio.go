package object

import (
	"context"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func NewClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
}

// BucketReady reports whether the reference document bucket exists. The relay
// only reads documents, so it never creates the bucket.
func BucketReady(ctx context.Context, client *minio.Client, bucket string) (bool, error) {
	return client.BucketExists(ctx, bucket)
}
