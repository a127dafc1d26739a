// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gosimple/slug"
)

var ErrArchiveDisabled = errors.New("object storage not configured")

// R2Config holds the Cloudflare R2 (S3 compatible) credentials.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	CDNBaseURL      string
}

func (c R2Config) Enabled() bool {
	return c.AccountID != "" && c.Bucket != ""
}

func (c R2Config) endpoint() string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.AccountID)
}

// ObjectPutter is the slice of the S3 client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewR2Client builds an S3 client pointed at the account's R2 endpoint.
func NewR2Client(ctx context.Context, cfg R2Config) (*s3.Client, error) {
	if !cfg.Enabled() {
		return nil, ErrArchiveDisabled
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.endpoint())
	}), nil
}

// Archiver uploads blobs to one bucket and returns their public URL.
type Archiver struct {
	client  ObjectPutter
	bucket  string
	baseURL string
}

func NewArchiver(client ObjectPutter, cfg R2Config) *Archiver {
	base := strings.TrimRight(cfg.CDNBaseURL, "/")
	if base == "" {
		base = cfg.endpoint() + "/" + cfg.Bucket
	}
	return &Archiver{client: client, bucket: cfg.Bucket, baseURL: base}
}

// Upload stores body under key and returns the public URL.
func (a *Archiver) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if a == nil || a.client == nil {
		return "", ErrArchiveDisabled
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to R2: %w", err)
	}
	return fmt.Sprintf("%s/%s", a.baseURL, key), nil
}

// ArchiveKey is the object key of a session snapshot, e.g.
// "sessions/abc234/2026-10-17t120000z.json".
func ArchiveKey(joinCode string, at time.Time) string {
	stamp := at.UTC().Format("2006-01-02T150405Z")
	return fmt.Sprintf("sessions/%s/%s.json", slug.Make(joinCode), slug.Make(stamp))
}
