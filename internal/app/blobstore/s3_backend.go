package blobstore

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

	"github.com/okapi-sec/okapi/internal/app/resilience"
)

// S3API is the subset of the AWS SDK's S3 client S3Backend depends on, kept
// narrow so callers can substitute a MinIO or Ceph RGW endpoint without
// needing the full client surface.
type S3API interface {
	manager.DownloadAPIClient
	manager.UploadAPIClient
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Backend stores blobs as objects in an S3-compatible bucket, one object
// per content hash (spec.md §4.2 notes the blob store "must support a
// pluggable backend beyond local disk"). Object keys are prefixed so a
// bucket can be shared with other Okapi data without collision.
type S3Backend struct {
	client  S3API
	bucket  string
	prefix  string
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// NewS3Backend builds an S3Backend over an already-configured client. Put,
// Get and Exists are retried with backoff and guarded by a circuit breaker
// so a flaky bucket endpoint does not stall every Front End poll waiting on
// a blob upload shortcut handler; GetReader calls the client directly.
func NewS3Backend(client S3API, bucket, prefix string) *S3Backend {
	if prefix == "" {
		prefix = "blobs/"
	}
	return &S3Backend{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.New(resilience.DefaultConfig()),
	}
}

// call runs fn through the circuit breaker, retrying transient failures.
func (s *S3Backend) call(ctx context.Context, fn func() error) error {
	return s.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, s.retry, fn)
	})
}

func (s *S3Backend) key(hash Hash) string {
	return s.prefix + string(hash)
}

func (s *S3Backend) Put(ctx context.Context, hash Hash, data []byte) error {
	exists, err := s.Exists(ctx, hash)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	err = s.call(ctx, func() error {
		uploader := manager.NewUploader(s.client)
		_, uploadErr := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.key(hash)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/octet-stream"),
		})
		return uploadErr
	})
	if err != nil {
		return fmt.Errorf("blobstore: s3 put %s: %w", hash, err)
	}
	return nil
}

func (s *S3Backend) Get(ctx context.Context, hash Hash) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	err := s.call(ctx, func() error {
		downloader := manager.NewDownloader(s.client)
		_, downloadErr := downloader.Download(ctx, buf, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(hash)),
		})
		return downloadErr
	})
	if err != nil {
		var nf *types.NoSuchKey
		if errors.As(err, &nf) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: s3 get %s: %w", hash, err)
	}
	return buf.Bytes(), nil
}

func (s *S3Backend) GetReader(ctx context.Context, hash Hash) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		var nf *types.NoSuchKey
		if errors.As(err, &nf) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: s3 get reader %s: %w", hash, err)
	}
	return out.Body, nil
}

func (s *S3Backend) Exists(ctx context.Context, hash Hash) (bool, error) {
	err := s.call(ctx, func() error {
		_, headErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(hash)),
		})
		return headErr
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		var nf *types.NoSuchKey
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore: s3 head %s: %w", hash, err)
	}
	return true, nil
}

var (
	_ Backend          = (*S3Backend)(nil)
	_ StreamingBackend = (*S3Backend)(nil)
)
