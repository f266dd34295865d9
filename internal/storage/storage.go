package storage

import (
	"context"
	"errors"
	"io"
)

// Bucket represents a logical storage zone.
// We use a type alias to prevent passing random strings.
type Bucket string

const (
	// BucketQuarantine: Private staging area. Uploads land here under a
	// generated token path and stay until promoted, deleted or expired.
	BucketQuarantine Bucket = "quarantine-files"

	// BucketMedia: Normalized artifacts and their derived conversions.
	BucketMedia Bucket = "media-files"
)

// Wrapper for standard errors so checking them is consistent
var (
	ErrNotFound     = errors.New("storage: file not found")
	ErrAccessDenied = errors.New("storage: access denied")
)

// Provider abstracts S3/MinIO or a private local disk.
// Streams everywhere: the pipeline must handle a 1GB file without 1GB RAM.
type Provider interface {
	// Put streams r into bucket/key. size may be -1 when unknown.
	Put(ctx context.Context, bucket Bucket, key string, r io.Reader, size int64, contentType string) error

	// Get returns a stream. IMPORTANT: io.ReadCloser, NOT []byte.
	Get(ctx context.Context, bucket Bucket, key string) (io.ReadCloser, error)

	Exists(ctx context.Context, bucket Bucket, key string) (bool, error)

	// Delete removes a single object. Deleting an absent object is not an error.
	Delete(ctx context.Context, bucket Bucket, key string) error

	// DeleteDirectory removes every object under the given prefix.
	// Returns the number of objects removed; an empty prefix match is 0, nil.
	DeleteDirectory(ctx context.Context, bucket Bucket, prefix string) (int, error)

	// Copy moves an object internally (e.g. quarantine -> media) on the
	// server side without pulling the data through this process.
	Copy(ctx context.Context, srcBucket Bucket, srcKey string, destBucket Bucket, destKey string) error
}
