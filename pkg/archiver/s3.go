package archiver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config locates the bucket that receives audit bundles.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
}

// S3Uploader stores bundles in any S3-compatible object store.
type S3Uploader struct {
	client *minio.Client
	bucket string
	region string
}

func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("archiver.NewS3Uploader: %w", err)
	}
	return &S3Uploader{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (u *S3Uploader) EnsureBucket(ctx context.Context) error {
	ok, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("archiver.EnsureBucket %s: %w", u.bucket, err)
	}
	if ok {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
		return fmt.Errorf("archiver.EnsureBucket create %s: %w", u.bucket, err)
	}
	return nil
}

// Upload writes body under key, tagging the object with the body's SHA-256
// so a later reader can check the bundle without trusting the store.
func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte) error {
	sum := sha256.Sum256(body)
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: map[string]string{"Bundle-Sha256": hex.EncodeToString(sum[:])},
	})
	if err != nil {
		return fmt.Errorf("archiver.Upload %s: %w", key, err)
	}
	return nil
}
