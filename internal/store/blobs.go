package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// SnapshotBlobs offloads large snapshot bodies to S3-compatible object
// storage. Rows keep only the blob key; content above the inline
// threshold lives here.
type SnapshotBlobs struct {
	client *minio.Client
	bucket string
}

type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewSnapshotBlobs(ctx context.Context, cfg BlobConfig) (*SnapshotBlobs, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object storage: %w", err)
	}
	b := &SnapshotBlobs{client: client, bucket: cfg.Bucket}
	if err := b.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SnapshotBlobs) ensureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", b.bucket, err)
	}
	if exists {
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %q: %w", b.bucket, err)
	}
	return nil
}

func (b *SnapshotBlobs) Put(ctx context.Context, key, content string) error {
	reader := bytes.NewReader([]byte(content))
	_, err := b.client.PutObject(ctx, b.bucket, key, reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return fmt.Errorf("store blob %q: %w", key, err)
	}
	return nil
}

func (b *SnapshotBlobs) Get(ctx context.Context, key string) (string, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("open blob %q: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return "", fmt.Errorf("read blob %q: %w", key, err)
	}
	return string(data), nil
}

func (b *SnapshotBlobs) Remove(ctx context.Context, key string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove blob %q: %w", key, err)
	}
	return nil
}
