// Package archive stores verified webhook bodies in S3-compatible object
// storage for audit and replay.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// ErrNoBucket is returned by NewS3Archiver without a bucket.
var ErrNoBucket = errors.New("archive: bucket is required")

// PutObjectAPI is the subset of *s3.Client the archiver uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures an S3 archiver.
type S3Config struct {
	Bucket string
	Prefix string // default "webhooks"
	Region string

	// EndpointURL targets S3-compatible stores (MinIO, Backblaze B2). Path-style
	// addressing is used when set.
	EndpointURL string

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Archiver implements billing.Archiver.
type S3Archiver struct {
	api    PutObjectAPI
	bucket string
	prefix string
	now    func() time.Time
	newID  func() string
}

var _ billing.Archiver = (*S3Archiver)(nil)

// NewS3Client builds an S3 client from config.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3Archiver creates an archiver writing through api.
func NewS3Archiver(api PutObjectAPI, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "webhooks"
	}
	return &S3Archiver{
		api:    api,
		bucket: cfg.Bucket,
		prefix: prefix,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// Archive writes body to <prefix>/<provider>/<yyyy>/<mm>/<dd>/<unixnano>-<uuid>.json.
func (a *S3Archiver) Archive(ctx context.Context, provider billing.ProviderName, body []byte) error {
	key := a.key(provider)
	_, err := a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{"provider": string(provider)},
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}

func (a *S3Archiver) key(provider billing.ProviderName) string {
	now := a.now().UTC()
	name := fmt.Sprintf("%d-%s.json", now.UnixNano(), a.newID())
	return path.Join(a.prefix, string(provider), now.Format("2006/01/02"), name)
}
