// Package publish uploads finished clips to durable storage.
package publish

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Publisher uploads a local file and returns a locator clients can fetch.
type Publisher interface {
	Publish(ctx context.Context, localPath, key string) (string, error)
}

// S3API is the subset of the S3 client used by S3Publisher.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Config configures an S3Publisher.
type S3Config struct {
	Bucket   string `yaml:"bucket" env:"S3_BUCKET"`
	Region   string `yaml:"region" env:"AWS_REGION"`
	Prefix   string `yaml:"prefix" env:"S3_PREFIX"`
	Endpoint string `yaml:"endpoint" env:"S3_ENDPOINT"`
	// PublicBaseURL overrides the virtual-hosted bucket URL in locators.
	PublicBaseURL string `yaml:"public_base_url" env:"S3_PUBLIC_BASE_URL"`
	PublicRead    bool   `yaml:"public_read" env:"S3_PUBLIC_READ"`
}

// S3Publisher uploads clips to an S3 bucket.
type S3Publisher struct {
	client S3API
	cfg    S3Config
}

// NewS3Publisher builds a publisher from the default AWS credential chain.
func NewS3Publisher(ctx context.Context, cfg S3Config) (*S3Publisher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("publish: bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("publish: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3PublisherWithClient(client, cfg), nil
}

// NewS3PublisherWithClient wraps an existing client.
func NewS3PublisherWithClient(client S3API, cfg S3Config) *S3Publisher {
	return &S3Publisher{client: client, cfg: cfg}
}

// ObjectKey returns the full object key for key.
func (p *S3Publisher) ObjectKey(key string) string {
	if p.cfg.Prefix == "" {
		return key
	}
	return path.Join(p.cfg.Prefix, key)
}

// Publish uploads localPath under key.
func (p *S3Publisher) Publish(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("publish: open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("publish: stat %s: %w", localPath, err)
	}

	objectKey := p.ObjectKey(key)
	in := &s3.PutObjectInput{
		Bucket:        aws.String(p.cfg.Bucket),
		Key:           aws.String(objectKey),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("video/mp4"),
	}
	if p.cfg.PublicRead {
		in.ACL = types.ObjectCannedACLPublicRead
	}
	if _, err := p.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("publish: put s3://%s/%s: %w", p.cfg.Bucket, objectKey, err)
	}
	return p.URL(objectKey), nil
}

// URL returns the public locator of an object key.
func (p *S3Publisher) URL(objectKey string) string {
	if p.cfg.PublicBaseURL != "" {
		return strings.TrimRight(p.cfg.PublicBaseURL, "/") + "/" + objectKey
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", p.cfg.Bucket, objectKey)
}

// Ping checks that the bucket is reachable.
func (p *S3Publisher) Ping(ctx context.Context) error {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.cfg.Bucket)})
	return err
}
