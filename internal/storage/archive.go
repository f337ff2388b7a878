package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"traffic-control/internal/decisionlog"
)

var ErrNotConfigured = errors.New("archive storage is not configured")

// Archiver uploads decision log batches to S3-compatible object storage
// for long-term audit retention.
type Archiver struct {
	client        *s3.Client
	bucket        string
	endpoint      string
	publicBaseURL string
}

type archiveConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	PublicBaseURL string
}

func NewArchiverFromEnv() (*Archiver, error) {
	cfg := archiveConfig{
		Endpoint:      strings.TrimSpace(os.Getenv("ARCHIVE_ENDPOINT")),
		AccessKey:     strings.TrimSpace(os.Getenv("ARCHIVE_ACCESS_KEY_ID")),
		SecretKey:     strings.TrimSpace(os.Getenv("ARCHIVE_SECRET_ACCESS_KEY")),
		Bucket:        strings.TrimSpace(os.Getenv("ARCHIVE_BUCKET")),
		Region:        strings.TrimSpace(os.Getenv("ARCHIVE_REGION")),
		PublicBaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("ARCHIVE_PUBLIC_BASE_URL")), "/"),
	}

	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if service == s3.ServiceID {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		}
		return aws.Endpoint{}, &aws.EndpointNotFoundError{}
	})

	awsCfg := aws.Config{
		Region:                      cfg.Region,
		Credentials:                 credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		EndpointResolverWithOptions: resolver,
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &Archiver{
		client:        client,
		bucket:        cfg.Bucket,
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		publicBaseURL: cfg.PublicBaseURL,
	}, nil
}

// ArchiveBatch uploads the given entries as a single newline-delimited
// JSON object keyed by upload time. Returns the object URL.
func (a *Archiver) ArchiveBatch(ctx context.Context, entries []decisionlog.Entry) (string, error) {
	if a == nil || a.client == nil {
		return "", ErrNotConfigured
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("empty batch")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return "", fmt.Errorf("failed to encode decision entry: %w", err)
		}
	}

	key := fmt.Sprintf("decisions/%s.ndjson", time.Now().UTC().Format("2006/01/02/150405.000000000"))
	input := &s3.PutObjectInput{
		Bucket:        &a.bucket,
		Key:           &key,
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String("application/x-ndjson"),
		ContentLength: aws.Int64(int64(buf.Len())),
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("archive upload failed: %w", err)
	}
	return a.objectURL(key), nil
}

func (a *Archiver) objectURL(key string) string {
	trimmedKey := strings.TrimLeft(key, "/")
	if a.publicBaseURL != "" {
		return fmt.Sprintf("%s/%s/%s", a.publicBaseURL, a.bucket, trimmedKey)
	}
	return fmt.Sprintf("%s/%s/%s", a.endpoint, a.bucket, trimmedKey)
}
