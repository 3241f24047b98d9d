package artifacts

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"workitem-pipeline/internal/config"
)

// ObjectGetter is the subset of the S3 client used to fetch artifacts.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads artifacts from a bucket. References may be plain keys or s3://bucket/key URLs.
type S3Source struct {
	client ObjectGetter
	bucket string
}

// NewS3Source wraps a client for the default bucket.
func NewS3Source(client ObjectGetter, bucket string) *S3Source {
	return &S3Source{client: client, bucket: bucket}
}

func (s *S3Source) Rows(ctx context.Context, ref string) ([]Row, error) {
	bucket, key := s.locate(ref)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	return ReadTable(out.Body, formatOf(key))
}

func (s *S3Source) locate(ref string) (string, string) {
	if rest, ok := strings.CutPrefix(ref, "s3://"); ok {
		if bucket, key, found := strings.Cut(rest, "/"); found {
			return bucket, key
		}
	}
	return s.bucket, strings.TrimPrefix(ref, "/")
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtifactS3PathStyle
		if cfg.ArtifactS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactS3Endpoint)
		}
	}), nil
}

// New picks the S3 source when a bucket is configured, the filesystem otherwise.
func New(ctx context.Context, cfg config.Config) (Source, error) {
	if cfg.ArtifactS3Bucket == "" {
		return FileSource{Dir: cfg.ArtifactDir}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewS3Source(client, cfg.ArtifactS3Bucket), nil
}
