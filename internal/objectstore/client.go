// Package objectstore wraps the R2/S3-compatible object store behind signed
// URL minting, manifest retrieval, and a Range-proxy passthrough. The store
// itself is treated as an external signed-URL + range-GET collaborator; this
// package only builds requests against it.
package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Lexiie/KangKlip/internal/domain"
)

// DefaultContentType is used for range-proxy responses when the store omits one.
const DefaultContentType = "video/mp4"

// Config configures the object-store client.
type Config struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// Client wraps an S3-compatible client plus a presign client for a single bucket.
type Client struct {
	s3      *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// New constructs a Client against an R2/S3-compatible endpoint.
func New(cfg Config) *Client {
	client := s3.New(s3.Options{
		Region:       "auto",
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	})
	return &Client{
		s3:      client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}
}

// Ping verifies the bucket is reachable by issuing a HeadBucket call.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	return err
}

// PresignGetURL mints a signed GET URL for key, valid for ttl.
func (c *Client) PresignGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign get url for %s: %w", key, err)
	}
	return req.URL, nil
}

// GetManifest fetches and decodes <r2Prefix>/manifest.json. Unknown manifest
// fields are ignored.
func (c *Client) GetManifest(ctx context.Context, r2Prefix string) (*domain.Manifest, error) {
	key := r2Prefix + "manifest.json"
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get manifest %s: %w", key, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", key, err)
	}

	var manifest domain.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", key, err)
	}
	return &manifest, nil
}

// RangeResult is a partial or full object body returned by a range proxy.
type RangeResult struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	ContentRange  string
	Partial       bool
}

// GetRange forwards an optional Range header to the store and returns the
// resulting body, used by the clip stream (range-proxy) endpoint.
func (c *Client) GetRange(ctx context.Context, key, rangeHeader string) (*RangeResult, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if rangeHeader != "" {
		input.Range = aws.String(rangeHeader)
	}

	out, err := c.s3.GetObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}

	contentType := DefaultContentType
	if out.ContentType != nil && *out.ContentType != "" {
		contentType = *out.ContentType
	}

	result := &RangeResult{
		Body:        out.Body,
		ContentType: contentType,
		Partial:     out.ContentRange != nil,
	}
	if out.ContentLength != nil {
		result.ContentLength = *out.ContentLength
	}
	if out.ContentRange != nil {
		result.ContentRange = *out.ContentRange
	}
	return result, nil
}
