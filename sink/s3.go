package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"
)

// S3Config locates the bucket that receives images. Credentials come
// from the AWS default chain (environment, shared config, instance role).
type S3Config struct {
	Bucket string
	// Prefix is prepended to every image key, without leading or
	// trailing slashes.
	Prefix string
	// Region overrides the region from the default chain.
	Region string
	// Endpoint points at an S3-compatible service such as MinIO or R2.
	Endpoint string
	// UsePathStyle is usually needed together with Endpoint.
	UsePathStyle bool
}

// Validate reports a missing or malformed bucket.
func (c *S3Config) Validate() error {
	switch {
	case c.Bucket == "":
		return errors.New("S3 bucket is required")
	case strings.ContainsAny(c.Bucket, "/ "):
		return fmt.Errorf("invalid S3 bucket %q", c.Bucket)
	}
	return nil
}

// ParseS3Path splits "bucket/prefix" (optionally with an s3:// scheme)
// into its bucket and key prefix.
func ParseS3Path(path string) (bucket, prefix string) {
	path = strings.TrimPrefix(path, "s3://")
	bucket, prefix, _ = strings.Cut(path, "/")
	return bucket, strings.Trim(prefix, "/")
}

// NewS3Factory returns a lode store factory writing under
// s3://Bucket/Prefix. One S3 client is shared by every store it makes.
func NewS3Factory(ctx context.Context, s3cfg S3Config) (lode.StoreFactory, error) {
	if err := s3cfg.Validate(); err != nil {
		return nil, err
	}

	var loadOpts []func(*config.LoadOptions) error
	if s3cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(s3cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = &s3cfg.Endpoint
		}
		o.UsePathStyle = s3cfg.UsePathStyle
	})

	storeCfg := lodes3.Config{Bucket: s3cfg.Bucket, Prefix: s3cfg.Prefix}
	return func() (lode.Store, error) {
		return lodes3.New(client, storeCfg)
	}, nil
}

// NewS3Sink stores images in S3.
func NewS3Sink(ctx context.Context, s3cfg S3Config) (*LodeSink, error) {
	factory, err := NewS3Factory(ctx, s3cfg)
	if err != nil {
		return nil, err
	}
	return NewSinkWithFactory(factory)
}
