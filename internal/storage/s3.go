// Package storage reads source images and stores face crops in object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotFound is returned when the object does not exist.
var ErrNotFound = errors.New("object not found")

// MaxObjectSize caps how much of an object Get reads into memory.
const MaxObjectSize = 64 << 20

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store is an identity.ImageStore on Amazon S3.
type S3Store struct {
	client        S3API
	uploader      *manager.Uploader
	defaultBucket string
}

// NewS3Store creates a store. defaultBucket is used when a call passes an
// empty bucket.
func NewS3Store(client S3API, defaultBucket string) *S3Store {
	return &S3Store{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.Concurrency = 2
			u.LeavePartsOnError = false
		}),
		defaultBucket: defaultBucket,
	}
}

func (s *S3Store) bucket(b string) (string, error) {
	if b != "" {
		return b, nil
	}
	if s.defaultBucket == "" {
		return "", errors.New("no bucket given and no default bucket configured")
	}
	return s.defaultBucket, nil
}

// Get downloads the whole object.
func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	b, err := s.bucket(bucket)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("s3://%s/%s: %w", b, key, ErrNotFound)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", b, key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", b, key, err)
	}
	if len(data) > MaxObjectSize {
		return nil, fmt.Errorf("s3://%s/%s is larger than %d bytes", b, key, MaxObjectSize)
	}
	return data, nil
}

// Put uploads data, replacing any existing object.
func (s *S3Store) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	b, err := s.bucket(bucket)
	if err != nil {
		return err
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", b, key, err)
	}
	return nil
}
