// Package storage downloads source files for the pipeline from http(s)
// URLs, Google Cloud Storage (gs://bucket/key) or, for local development,
// file:// paths.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/go-resty/resty/v2"
	"google.golang.org/api/option"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/clients/gcp"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

// DefaultMaxBytes caps a download at 100 MB.
const DefaultMaxBytes = 100 << 20

// Fetcher is what the pipeline needs to obtain a material's source bytes.
type Fetcher interface {
	Fetch(ctx context.Context, fileURL string) ([]byte, error)
}

type Config struct {
	MaxBytes  int64
	Timeout   time.Duration
	AllowFile bool
}

// Client implements Fetcher. The Cloud Storage client is optional; without
// it gs:// URLs are rejected.
type Client struct {
	http      *resty.Client
	gcs       *gcs.Client
	maxBytes  int64
	allowFile bool
}

var _ Fetcher = (*Client)(nil)

func New(cfg Config, bucket *gcs.Client) *Client {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Client{
		http: resty.New().
			SetTimeout(cfg.Timeout).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second).
			SetRetryMaxWaitTime(5 * time.Second),
		gcs:       bucket,
		maxBytes:  cfg.MaxBytes,
		allowFile: cfg.AllowFile,
	}
}

// NewGCSClient builds a read-only Cloud Storage client from the
// environment's credentials.
func NewGCSClient(ctx context.Context) (*gcs.Client, error) {
	opts := append(gcp.ClientOptionsFromEnv(), option.WithScopes(gcs.ScopeReadOnly))
	c, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return c, nil
}

// Fetch downloads fileURL. Every failure wraps models.ErrDownloadFailed.
func (c *Client) Fetch(ctx context.Context, fileURL string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(fileURL))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url: %v", models.ErrDownloadFailed, err)
	}

	var data []byte
	switch u.Scheme {
	case "http", "https":
		data, err = c.fetchHTTP(ctx, u.String())
	case "gs":
		data, err = c.fetchGCS(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "file":
		if !c.allowFile {
			return nil, fmt.Errorf("%w: file urls are disabled", models.ErrDownloadFailed)
		}
		data, err = c.readFile(u.Path)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", models.ErrDownloadFailed, u.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrDownloadFailed, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", models.ErrDownloadFailed)
	}
	return data, nil
}

func (c *Client) fetchHTTP(ctx context.Context, u string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(u)
	if err != nil {
		return nil, err
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		return nil, fmt.Errorf("status %d", resp.StatusCode())
	}
	return c.readLimited(body)
}

func (c *Client) fetchGCS(ctx context.Context, bucket, key string) ([]byte, error) {
	if c.gcs == nil {
		return nil, fmt.Errorf("cloud storage is not configured")
	}
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("gs url needs a bucket and an object key")
	}
	r, err := c.gcs.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return c.readLimited(r)
}

func (c *Client) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.readLimited(f)
}

func (c *Client) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, c.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", c.maxBytes)
	}
	return data, nil
}
