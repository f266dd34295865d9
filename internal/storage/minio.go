package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var _ Provider = (*MinioProvider)(nil)

type MinioProvider struct {
	client *minio.Client
}

// NewMinioProvider initializes the MinIO client.
// In production, pass 'useSSL: true' for S3/Cloud.
func NewMinioProvider(endpoint, accessKeyID, secretAccessKey string, useSSL bool) (Provider, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioProvider{client: client}, nil
}

func (m *MinioProvider) Put(ctx context.Context, bucket Bucket, key string, r io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := m.client.PutObject(ctx, string(bucket), key, r, size, opts)
	if err != nil {
		return mapMinioError(err)
	}
	return nil
}

// Get returns the file stream.
func (m *MinioProvider) Get(ctx context.Context, bucket Bucket, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, string(bucket), key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioError(err)
	}

	// GetObject does not verify existence immediately. We must call Stat()
	// to ensure the file exists before returning the stream.
	_, err = obj.Stat()
	if err != nil {
		return nil, mapMinioError(err)
	}

	return obj, nil
}

func (m *MinioProvider) Exists(ctx context.Context, bucket Bucket, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, string(bucket), key, minio.StatObjectOptions{})
	if err != nil {
		if mapMinioError(err) == ErrNotFound {
			return false, nil
		}
		return false, mapMinioError(err)
	}
	return true, nil
}

// Delete removes a file. Absent objects are treated as already deleted.
func (m *MinioProvider) Delete(ctx context.Context, bucket Bucket, key string) error {
	opts := minio.RemoveObjectOptions{
		GovernanceBypass: true, // Useful if you have object locking enabled
	}

	err := m.client.RemoveObject(ctx, string(bucket), key, opts)
	if err != nil {
		mapped := mapMinioError(err)
		if mapped == ErrNotFound {
			return nil
		}
		return mapped
	}
	return nil
}

// DeleteDirectory lists and removes every object under prefix.
func (m *MinioProvider) DeleteDirectory(ctx context.Context, bucket Bucket, prefix string) (int, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	listing := m.client.ListObjects(ctx, string(bucket), minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	objects := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)
	go func() {
		defer close(objects)
		for obj := range listing {
			if obj.Err != nil {
				listErr <- obj.Err
				return
			}
			select {
			case objects <- obj:
			case <-ctx.Done():
				listErr <- ctx.Err()
				return
			}
		}
		listErr <- nil
	}()

	removed := 0
	for result := range m.client.RemoveObjects(ctx, string(bucket), objects, minio.RemoveObjectsOptions{GovernanceBypass: true}) {
		if result.Err != nil {
			return removed, mapMinioError(result.Err)
		}
		removed++
	}
	if err := <-listErr; err != nil {
		return removed, mapMinioError(err)
	}
	return removed, nil
}

// Copy performs a Server-Side Copy.
func (m *MinioProvider) Copy(ctx context.Context, srcBucket Bucket, srcKey string, destBucket Bucket, destKey string) error {
	srcOpts := minio.CopySrcOptions{
		Bucket: string(srcBucket),
		Object: srcKey,
	}

	destOpts := minio.CopyDestOptions{
		Bucket: string(destBucket),
		Object: destKey,
	}

	_, err := m.client.CopyObject(ctx, destOpts, srcOpts)
	if err != nil {
		return mapMinioError(err)
	}

	return nil
}

// --- Helper: Error Mapping ---

// mapMinioError translates MinIO SDK errors into our domain errors
func mapMinioError(err error) error {
	if err == nil {
		return nil
	}

	// Check for MinIO specific error response
	errResp := minio.ToErrorResponse(err)

	switch errResp.Code {
	case "NoSuchKey":
		return ErrNotFound
	case "AccessDenied":
		return ErrAccessDenied
	}

	// Also check HTTP status codes if Code is empty
	if errResp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if errResp.StatusCode == http.StatusForbidden {
		return ErrAccessDenied
	}

	// Return the original error if we can't map it
	return fmt.Errorf("storage provider error: %w", err)
}
