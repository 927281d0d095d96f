// Package blobstore is the object-store gateway. All artifact bytes (raw
// fetches, parsed documents, diffs) live here; the database only holds URIs.
package blobstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-hclog"
)

// Store reads and writes artifact blobs. Implemented by the S3 client for
// production and by an in-memory map in tests.
type Store interface {
	// Put stores content under key and returns the canonical URI.
	Put(ctx context.Context, key string, content []byte, contentType string) (string, error)

	// Get fetches the content at key.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetURI fetches the content behind a URI previously returned by Put.
	GetURI(ctx context.Context, uri string) ([]byte, error)
}

// Config holds object store connection settings.
type Config struct {
	// Endpoint overrides the S3 endpoint for MinIO and other compatible
	// stores. Empty means real AWS.
	Endpoint string `hcl:"endpoint,optional"`

	Region    string `hcl:"region,optional"`
	AccessKey string `hcl:"access_key,optional"`
	SecretKey string `hcl:"secret_key,optional"`
	Bucket    string `hcl:"bucket,optional"`

	RequestTimeoutSeconds int  `hcl:"request_timeout_seconds,optional"`
	InsecureSkipVerify    bool `hcl:"insecure_skip_verify,optional"`
}

// SetDefaults fills zero-valued fields.
func (c *Config) SetDefaults() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.Bucket == "" {
		c.Bucket = "artifacts"
	}
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = 60
	}
}

// Client is the S3-backed Store.
type Client struct {
	s3     *s3.Client
	bucket string
	logger hclog.Logger
}

// NewClient creates the S3 gateway and verifies the bucket is reachable.
func NewClient(cfg *Config, logger hclog.Logger) (*Client, error) {
	cfg.SetDefaults()
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	httpClient := &http.Client{
		Timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify,
			},
		},
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// MinIO requires path-style addressing.
			o.UsePathStyle = true
		}
	})

	c := &Client{
		s3:     client,
		bucket: cfg.Bucket,
		logger: logger.Named("blobstore"),
	}

	if _, err := client.HeadBucket(context.Background(), &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("bucket %s is not accessible: %w", cfg.Bucket, err)
	}

	c.logger.Info("object store initialized", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)
	return c, nil
}

// Put implements Store.
func (c *Client) Put(ctx context.Context, key string, content []byte, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := c.s3.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}

	c.logger.Debug("stored object", "key", key, "bytes", len(content))
	return URI(c.bucket, key), nil
}

// Get implements Store.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer result.Body.Close()

	content, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return content, nil
}

// GetURI implements Store.
func (c *Client) GetURI(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if bucket != c.bucket {
		return nil, fmt.Errorf("uri %s references bucket %s, client is bound to %s", uri, bucket, c.bucket)
	}
	return c.Get(ctx, key)
}

// URI formats the canonical s3:// URI for a stored object.
func URI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// ParseURI splits an s3://bucket/key URI.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %s", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 uri: %s", uri)
	}
	return bucket, key, nil
}
