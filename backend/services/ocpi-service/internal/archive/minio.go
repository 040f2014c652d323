package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

// Options configures the S3 compatible bucket.
type Options struct {
	Endpoint        string `yaml:"endpoint" env:"ARCHIVE_ENDPOINT"`
	AccessKeyID     string `yaml:"accessKeyId" env:"ARCHIVE_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secretAccessKey" env:"ARCHIVE_SECRET_ACCESS_KEY"`
	UseSSL          bool   `yaml:"useSsl" env:"ARCHIVE_USE_SSL"`
	Bucket          string `yaml:"bucket" env:"ARCHIVE_BUCKET"`
	Prefix          string `yaml:"prefix" env:"ARCHIVE_PREFIX"`
}

// Enabled reports whether an endpoint is configured.
func (o Options) Enabled() bool {
	return o.Endpoint != "" && o.Bucket != ""
}

type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioArchiver writes payloads as JSON objects named <prefix>/<kind>/<cc>/<pid>/<id>.json.
type MinioArchiver struct {
	client objectStore
	bucket string
	prefix string
}

// NewMinioArchiver creates the S3 client.
func NewMinioArchiver(opts Options) (*MinioArchiver, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioArchiver{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

// EnsureBucket creates the bucket when missing.
func (a *MinioArchiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// ObjectName is where res is stored.
func (a *MinioArchiver) ObjectName(res models.VersionedResource) string {
	k := res.Key
	return path.Join(a.prefix, string(k.Kind), k.CountryCode, k.PartyID, k.ID+".json")
}

func (a *MinioArchiver) Archive(ctx context.Context, res models.VersionedResource) error {
	_, err := a.client.PutObject(ctx, a.bucket, a.ObjectName(res), bytes.NewReader(res.Payload), int64(len(res.Payload)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"etag-sha256":  res.ETag,
			"last-updated": models.FormatTime(res.LastUpdated),
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", a.ObjectName(res), err)
	}
	return nil
}
