package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"lnpos/internal/logging"
)

// Sink receives settlement archive objects.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
}

// FSSink writes archive objects to a local directory.
type FSSink struct {
	dir string
}

// NewFSSink creates a filesystem-backed sink rooted at dir.
func NewFSSink(dir string) (*FSSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	return &FSSink{dir: dir}, nil
}

func (s *FSSink) Put(ctx context.Context, name string, data []byte) error {
	dest := filepath.Join(s.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

// S3Sink writes archive objects to an S3-compatible bucket.
type S3Sink struct {
	client *minio.Client
	bucket string
	prefix string
}

// S3Config holds configuration for the S3 sink.
type S3Config struct {
	Endpoint string // S3_ENDPOINT
	KeyID    string // S3_KEY_ID
	AppKey   string // S3_APP_KEY
	Bucket   string // S3_BUCKET
	Prefix   string // S3_PREFIX - optional folder prefix for all objects
}

// NewS3Sink creates a new S3-compatible archive sink.
func NewS3Sink(cfg S3Config) (*S3Sink, error) {
	logging.Export.Printf("initializing sink (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, cfg.Endpoint)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.AppKey, ""),
		Secure: true,
	})
	if err != nil {
		logging.Export.Printf("failed to create client: %v", err)
		return nil, err
	}

	return &S3Sink{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Sink) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3Sink) Put(ctx context.Context, name string, data []byte) error {
	key := s.key(name)

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		logging.Export.Printf("upload failed for %s: %v", key, err)
		return err
	}

	logging.Export.Printf("uploaded %s (%d bytes)", key, len(data))
	return nil
}
