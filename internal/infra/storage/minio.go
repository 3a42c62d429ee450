package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Options koneksi MinIO / S3
type Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Store keeps raw scan responses for manual replay.
type Store struct {
	client     *minio.Client
	bucketName string
	region     string
}

// New buat koneksi MinIO dan pastikan bucket ada
func New(ctx context.Context, opt Options) (*Store, error) {
	if opt.Bucket == "" {
		return nil, fmt.Errorf("minio: bucket name is required")
	}
	cli, err := minio.New(opt.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opt.AccessKey, opt.SecretKey, ""),
		Secure: opt.UseSSL,
		Region: opt.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, opt.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio bucket %s: %w", opt.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, opt.Bucket, minio.MakeBucketOptions{Region: opt.Region}); err != nil {
			return nil, fmt.Errorf("minio make bucket %s: %w", opt.Bucket, err)
		}
	}

	return &Store{client: cli, bucketName: opt.Bucket, region: opt.Region}, nil
}

// Put uploads payload under key and returns the object URL.
func (s *Store) Put(ctx context.Context, key string, payload []byte) (string, error) {
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: contentType(key),
	})
	if err != nil {
		return "", fmt.Errorf("minio put %s: %w", key, err)
	}
	// URL publik (jika bucket public), kalau private harus generate presigned URL
	return ObjectURL(s.client.EndpointURL().Scheme, s.client.EndpointURL().Host, s.bucketName, key), nil
}

func ObjectURL(scheme, host, bucket, key string) string {
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, host, bucket, key)
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".json":
		return "application/json"
	case ".txt", ".log":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
