package store

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig captures configuration for the S3-compatible export mirror.
type ObjectStoreConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
	UseSSL    bool
	PathStyle bool
}

// ObjectMirror uploads finished exports to an S3-compatible bucket.
type ObjectMirror struct {
	client *minio.Client
	cfg    ObjectStoreConfig
}

// NewObjectMirror creates a mirror. An empty endpoint yields ErrNotConfigured.
func NewObjectMirror(cfg ObjectStoreConfig) (*ObjectMirror, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store: %w", ErrNotConfigured)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store: bucket is required")
	}

	options := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}
	return &ObjectMirror{client: client, cfg: cfg}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *ObjectMirror) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("object store: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err = m.client.MakeBucket(ctx, m.cfg.Bucket, minio.MakeBucketOptions{Region: m.cfg.Region}); err != nil {
		return fmt.Errorf("object store: create bucket: %w", err)
	}
	return nil
}

// PutExport uploads data under key and returns the full object key.
func (m *ObjectMirror) PutExport(ctx context.Context, key string, data []byte) (string, error) {
	fullKey := m.prefixedKey(key)
	_, err := m.client.PutObject(ctx, m.cfg.Bucket, fullKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("object store: put object %s: %w", fullKey, err)
	}
	return fullKey, nil
}

// HasExport reports whether key was already uploaded.
func (m *ObjectMirror) HasExport(ctx context.Context, key string) (bool, error) {
	fullKey := m.prefixedKey(key)
	if _, err := m.client.StatObject(ctx, m.cfg.Bucket, fullKey, minio.StatObjectOptions{}); err != nil {
		if isObjectNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("object store: stat object %s: %w", fullKey, err)
	}
	return true, nil
}

func (m *ObjectMirror) prefixedKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if m.cfg.Prefix == "" {
		return key
	}
	return strings.TrimLeft(m.cfg.Prefix+"/"+key, "/")
}

// ExportKey is the object key of one run's export, before the configured prefix.
func ExportKey(platformID, runID string) string {
	return path.Join("exports", safeSegment(platformID), safeSegment(runID)+".json")
}

func isObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	switch resp.Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}
