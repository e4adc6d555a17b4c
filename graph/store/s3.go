package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store keeps checkpoints as objects in an S3-compatible bucket (AWS S3,
// MinIO, GCS interop). Object PUTs are atomic on the server, so a checkpoint
// object is either the old payload or the new one, never a mix.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// S3Config configures an S3Store connection.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// NewS3Store connects to the endpoint and creates the bucket if it does not
// exist.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, existsErr := client.BucketExists(ctx, cfg.Bucket)
		if existsErr != nil || !exists {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) objectName(id string) string {
	if s.prefix == "" {
		return id
	}
	return s.prefix + "/" + id
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, id string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectName(id),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, id string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return data, nil
}

// Delete implements Store.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectName(id), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// List implements Store.
func (s *S3Store) List(ctx context.Context) ([]string, error) {
	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}
	var ids []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    listPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", obj.Err)
		}
		ids = append(ids, strings.TrimPrefix(obj.Key, listPrefix))
	}
	return ids, nil
}
