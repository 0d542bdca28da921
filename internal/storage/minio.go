package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore is an identity.ImageStore on MinIO or any S3-compatible server.
type MinioStore struct {
	client        *minio.Client
	defaultBucket string
}

// NewMinioClient connects with static credentials.
func NewMinioClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return client, nil
}

func NewMinioStore(client *minio.Client, defaultBucket string) *MinioStore {
	return &MinioStore{client: client, defaultBucket: defaultBucket}
}

func (s *MinioStore) bucket(b string) (string, error) {
	if b != "" {
		return b, nil
	}
	if s.defaultBucket == "" {
		return "", errors.New("no bucket given and no default bucket configured")
	}
	return s.defaultBucket, nil
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (s *MinioStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	b, err := s.bucket(bucket)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, b, key, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s/%s: %w", b, key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s/%s: %w", b, key, err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on the first read.
	data, err := io.ReadAll(io.LimitReader(obj, MaxObjectSize+1))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s/%s: %w", b, key, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s/%s: %w", b, key, err)
	}
	if len(data) > MaxObjectSize {
		return nil, fmt.Errorf("%s/%s is larger than %d bytes", b, key, MaxObjectSize)
	}
	return data, nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	b, err := s.bucket(bucket)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, b, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", b, key, err)
	}
	return nil
}

// EnsureBucket creates the default bucket if it is missing.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	if s.defaultBucket == "" {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.defaultBucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.defaultBucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.defaultBucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.defaultBucket, err)
	}
	return nil
}
