package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOStore keeps blobs as objects named by blob id. File name, hash and
// uploader travel as user metadata on the object.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

const (
	metaFileName  = "File-Name"
	metaHash      = "Sha256"
	metaCreatedBy = "Created-By"
	metaCreatedAt = "Created-At"
)

// NewMinIOStore connects to the endpoint and creates the bucket when missing.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinIOStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}
	_, err = s.client.PutObject(ctx, s.bucket, meta.ID, bytes.NewReader(data), meta.Size, minio.PutObjectOptions{
		ContentType: meta.ContentType,
		UserMetadata: map[string]string{
			metaFileName:  meta.FileName,
			metaHash:      meta.Hash,
			metaCreatedBy: meta.CreatedBy,
			metaCreatedAt: meta.CreatedAt.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", meta.ID, err)
	}
	return &meta, nil
}

func (s *MinIOStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	meta, err := s.GetMetadata(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, mapMinIOError(err, id)
	}
	return obj, meta, nil
}

func (s *MinIOStore) Delete(ctx context.Context, id string) error {
	if _, err := s.GetMetadata(ctx, id); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, id, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", id, err)
	}
	return nil
}

func (s *MinIOStore) GetMetadata(ctx context.Context, id string) (*BlobMetadata, error) {
	info, err := s.client.StatObject(ctx, s.bucket, id, minio.StatObjectOptions{})
	if err != nil {
		return nil, mapMinIOError(err, id)
	}
	return metadataFromObject(info), nil
}

func metadataFromObject(info minio.ObjectInfo) *BlobMetadata {
	meta := &BlobMetadata{
		ID:          info.Key,
		ContentType: info.ContentType,
		Size:        info.Size,
		FileName:    userMeta(info.UserMetadata, metaFileName),
		Hash:        userMeta(info.UserMetadata, metaHash),
		CreatedBy:   userMeta(info.UserMetadata, metaCreatedBy),
		CreatedAt:   info.LastModified.UTC(),
	}
	if at, err := time.Parse(time.RFC3339Nano, userMeta(info.UserMetadata, metaCreatedAt)); err == nil {
		meta.CreatedAt = at
	}
	return meta
}

// userMeta finds key regardless of the case or x-amz-meta- prefix the server
// echoes back.
func userMeta(m map[string]string, key string) string {
	for k, v := range m {
		k = strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func mapMinIOError(err error, id string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return ErrBlobNotFound
	}
	return fmt.Errorf("minio object %s: %w", id, err)
}
