// Package storage uploads failure artifacts to an S3-compatible store.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/surveybot/surveybot/internal/config"
)

// MinIOClient wraps the MinIO client for screenshot uploads.
type MinIOClient struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIOClient creates a client from the storage configuration.
func NewMinIOClient(cfg config.StorageConfig) (*MinIOClient, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}
	return &MinIOClient{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.ScreenshotPath, "/"),
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (m *MinIOClient) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket existence: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
	}
	return nil
}

// UploadScreenshot stores a failure screenshot and returns its S3 URI.
func (m *MinIOClient) UploadScreenshot(ctx context.Context, key string, data []byte) (string, error) {
	objectKey := path.Join(m.prefix, key)
	_, err := m.client.PutObject(ctx, m.bucket, objectKey,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "image/png"})
	if err != nil {
		return "", fmt.Errorf("uploading screenshot: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, objectKey), nil
}
