package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bryanwahyu/custodia/internal/domain/evidence"
)

// MinioStore keeps evidence ciphertext in an S3-compatible bucket.
type MinioStore struct {
	client     *minio.Client
	bucketName string
	region     string
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"accessKey"`
	SecretKey  string `yaml:"secretKey"`
	BucketName string `yaml:"bucketName"`
	Region     string `yaml:"region"`
	UseSSL     bool   `yaml:"useSSL"`
}

// NewMinio buat koneksi MinIO
func NewMinio(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	// pastikan bucket ada
	exists, err := cli.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, err
		}
	}

	return &MinioStore{client: cli, bucketName: cfg.BucketName, region: cfg.Region}, nil
}

// Put streams r under key. An existing object is never overwritten.
func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	_, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return 0, fmt.Errorf("%w: %s", evidence.ErrBlobExists, key)
	}
	if !isNotFound(err) {
		return 0, fmt.Errorf("%w: stat %s: %w", evidence.ErrStorageFailure, key, err)
	}

	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	// If-None-Match: *, the server refuses to replace a key created after the stat
	opts.SetMatchETagExcept("*")
	// size -1: minio-go upload multipart sambil streaming
	info, err := s.client.PutObject(ctx, s.bucketName, key, r, -1, opts)
	if err != nil {
		if minio.ToErrorResponse(err).Code == minio.PreconditionFailed {
			return 0, fmt.Errorf("%w: %s", evidence.ErrBlobExists, key)
		}
		return 0, fmt.Errorf("%w: put %s: %w", evidence.ErrStorageFailure, key, err)
	}
	return info.Size, nil
}

func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", evidence.ErrStorageFailure, key, err)
	}
	// GetObject itu lazy, Stat untuk tahu objeknya ada atau tidak
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", evidence.ErrBlobNotFound, key)
		}
		return nil, fmt.Errorf("%w: get %s: %w", evidence.ErrStorageFailure, key, err)
	}
	return obj, nil
}

func (s *MinioStore) Discard(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// Ping checks the bucket is reachable.
func (s *MinioStore) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s missing", s.bucketName)
	}
	return nil
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
