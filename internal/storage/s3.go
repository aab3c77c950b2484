package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config describes where snapshots live in S3 or an S3-compatible store.
type S3Config struct {
	Bucket string
	Region string

	// Endpoint overrides the AWS endpoint. Setting it switches to
	// path-style addressing, which MinIO and LocalStack expect.
	Endpoint string

	// Prefix namespaces every key, so several deployments can share a
	// bucket. A trailing slash is added when missing.
	Prefix string
}

// S3Storage is an ObjectStorage backed by one bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
	prefix string
	retry  retryPolicy
}

// NewS3Storage builds a client from the default AWS credential chain.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3StorageWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3StorageWithClient wraps an existing client.
func NewS3StorageWithClient(client *s3.Client, bucket, prefix string) *S3Storage {
	return &S3Storage{
		client: client,
		bucket: bucket,
		prefix: normalizePrefix(prefix),
		retry:  defaultRetryPolicy,
	}
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func (s *S3Storage) key(objectPath string) *string {
	return aws.String(s.prefix + objectPath)
}

func (s *S3Storage) Put(ctx context.Context, objectPath string, data []byte) error {
	if err := checkPath(objectPath); err != nil {
		return err
	}
	return s.retry.do(ctx, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           s.key(objectPath),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			return fmt.Errorf("s3: put %s: %w", objectPath, err)
		}
		return nil
	})
}

func (s *S3Storage) Get(ctx context.Context, objectPath string) ([]byte, error) {
	if err := checkPath(objectPath); err != nil {
		return nil, err
	}
	var data []byte
	err := s.retry.do(ctx, func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    s.key(objectPath),
		})
		if err != nil {
			if isS3NotFound(err) {
				return notFound(objectPath)
			}
			return fmt.Errorf("s3: get %s: %w", objectPath, err)
		}
		defer out.Body.Close()

		data, err = io.ReadAll(out.Body)
		if err != nil {
			return fmt.Errorf("s3: read %s: %w", objectPath, err)
		}
		return nil
	})
	return data, err
}

// Delete succeeds for missing keys; S3 reports no error for them.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	if err := checkPath(objectPath); err != nil {
		return err
	}
	return s.retry.do(ctx, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    s.key(objectPath),
		})
		if err != nil {
			return fmt.Errorf("s3: delete %s: %w", objectPath, err)
		}
		return nil
	})
}

func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := checkPath(objectPath); err != nil {
		return false, err
	}
	err := s.retry.do(ctx, func(ctx context.Context) error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    s.key(objectPath),
		})
		if err != nil && isS3NotFound(err) {
			return notFound(objectPath)
		}
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrObjectNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("s3: head %s: %w", objectPath, err)
	}
}

// ListObjects pages through the bucket and strips the store prefix from
// the returned keys.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: s.key(prefix),
	})

	var objects []string
	for pages.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := s.retry.do(ctx, func(ctx context.Context) error {
			var err error
			page, err = pages.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("s3: list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, strings.TrimPrefix(aws.ToString(obj.Key), s.prefix))
		}
	}
	sort.Strings(objects)
	return objects, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
