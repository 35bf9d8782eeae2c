package media

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Longest expiry S3 accepts for a presigned URL.
const presignedURLTTL = 7 * 24 * time.Hour

// S3 stores objects in an S3-compatible bucket.
type S3 struct {
	client  *minio.Client
	bucket  string
	baseURL string
	dl      *downloader
	logger  *slog.Logger
}

func newS3(ctx context.Context, cfg Config, dl *downloader) (*S3, error) {
	if cfg.S3.Endpoint == "" || cfg.S3.Bucket == "" {
		return nil, fmt.Errorf("media.s3.endpoint and media.s3.bucket are required for the s3 driver")
	}
	client, err := minio.New(cfg.S3.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3.AccessKey, cfg.S3.SecretKey, ""),
		Secure: cfg.S3.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	s := &S3{client: client, bucket: cfg.S3.Bucket, baseURL: cfg.PublicBaseURL, dl: dl, logger: cfg.Logger}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *S3) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *S3) Archive(ctx context.Context, key, sourceURL string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	resp, err := s.dl.open(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, resp.Body, resp.ContentLength, minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"Source-Url":  sourceURL,
			"Archived-At": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	s.logger.Info("media archived", "driver", DriverS3, "bucket", s.bucket, "key", key, "bytes", info.Size)

	if s.baseURL != "" {
		return joinURL(s.baseURL, key), nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, presignedURLTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}
