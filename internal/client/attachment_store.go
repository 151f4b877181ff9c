package client

import (
	"context"
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pesio-ai/be-proc-requests/internal/service"
)

// MinIOConfig locates the attachment bucket.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOAttachmentStore stores FILE field uploads in an S3-compatible bucket.
type MinIOAttachmentStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOAttachmentStore connects to MinIO and makes sure the bucket exists.
func NewMinIOAttachmentStore(ctx context.Context, cfg MinIOConfig) (*MinIOAttachmentStore, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinIOAttachmentStore{client: mc, bucket: cfg.Bucket}, nil
}

// Store uploads file and returns its "bucket/key" reference.
func (s *MinIOAttachmentStore) Store(ctx context.Context, file service.Upload) (string, error) {
	if file.Body == nil {
		return "", fmt.Errorf("attachment %q has no content", file.Name)
	}
	key := ObjectKey(uuid.NewString(), file.Name)

	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	size := file.Size
	if size <= 0 {
		size = -1
	}

	if _, err := s.client.PutObject(ctx, s.bucket, key, file.Body, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return s.bucket + "/" + key, nil
}

// ObjectKey builds a collision-free object key that keeps a readable,
// sanitized copy of the original file name.
func ObjectKey(id, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	clean := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			return r
		case unicode.IsSpace(r):
			return '_'
		}
		return -1
	}, base)
	clean = strings.Trim(clean, ".")
	if clean == "" {
		clean = "file"
	}
	return "attachments/" + id + "/" + clean
}
