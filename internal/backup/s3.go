package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"restorable.io/cluster-restore/internal/config"
)

// ObjectAPI is the part of the S3 client a source needs.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Source implements BackupSource for S3-compatible storage.
type S3Source struct {
	client   ObjectAPI
	bucket   string
	prefix   string
	endpoint string
}

// NewS3Source creates a new S3Source from configuration.
func NewS3Source(cfg *config.S3) (*S3Source, error) {
	accessKey := os.Getenv(cfg.AccessKeyEnv)
	if accessKey == "" {
		return nil, fmt.Errorf("S3 access key environment variable %s is not set", cfg.AccessKeyEnv)
	}

	secretKey := os.Getenv(cfg.SecretKeyEnv)
	if secretKey == "" {
		return nil, fmt.Errorf("S3 secret key environment variable %s is not set", cfg.SecretKeyEnv)
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.Region = cfg.Region
			o.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
		},
	}

	// Custom endpoint for S3-compatible services (MinIO, etc.)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return NewS3SourceWithClient(s3.New(s3.Options{}, opts...), cfg.Bucket, cfg.Prefix, cfg.Endpoint), nil
}

// NewS3SourceWithClient builds a source over an existing client.
func NewS3SourceWithClient(client ObjectAPI, bucket, prefix, endpoint string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: prefix, endpoint: endpoint}
}

// Parts returns the object named by the prefix, or every part object under
// it when the prefix ends with '/'.
func (s *S3Source) Parts(ctx context.Context) ([]Part, error) {
	if !strings.HasSuffix(s.prefix, "/") {
		return []Part{s.part(s.prefix)}, nil
	}

	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	}
	for {
		result, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects in s3://%s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range result.Contents {
			if key := aws.ToString(obj.Key); strings.HasSuffix(key, PartExt) {
				keys = append(keys, key)
			}
		}
		if !aws.ToBool(result.IsTruncated) {
			break
		}
		input.ContinuationToken = result.NextContinuationToken
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("no %s objects found in s3://%s/%s", PartExt, s.bucket, s.prefix)
	}
	sort.Strings(keys)

	parts := make([]Part, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, s.part(key))
	}
	return parts, nil
}

func (s *S3Source) part(key string) Part {
	return Part{
		Name: path.Base(key),
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to get object s3://%s/%s: %w", s.bucket, key, err)
			}
			return result.Body, nil
		},
	}
}

// Identifier returns the S3 URI for traceability.
func (s *S3Source) Identifier() string {
	if s.endpoint != "" {
		return fmt.Sprintf("s3://%s/%s (endpoint: %s)", s.bucket, s.prefix, s.endpoint)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.prefix)
}
