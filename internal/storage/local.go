package storage

import (
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

var _ Provider = (*LocalProvider)(nil)

// LocalProvider keeps objects on a private local disk, one directory per
// bucket. It backs the "local/private" deployment mode and every test that
// would otherwise need a MinIO container (afero.MemMapFs).
type LocalProvider struct {
	fs afero.Fs
}

func NewLocalProvider(root string) *LocalProvider {
	return &LocalProvider{fs: afero.NewBasePathFs(afero.NewOsFs(), root)}
}

// NewMemProvider returns a provider on an in-memory filesystem.
func NewMemProvider() *LocalProvider {
	return &LocalProvider{fs: afero.NewMemMapFs()}
}

func (l *LocalProvider) objectPath(bucket Bucket, key string) string {
	return path.Join(string(bucket), key)
}

func (l *LocalProvider) Put(_ context.Context, bucket Bucket, key string, r io.Reader, _ int64, _ string) error {
	p := l.objectPath(bucket, key)
	if err := l.fs.MkdirAll(path.Dir(p), 0o750); err != nil {
		return err
	}

	f, err := l.fs.Create(p)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = l.fs.Remove(p)
		return err
	}
	return f.Close()
}

func (l *LocalProvider) Get(_ context.Context, bucket Bucket, key string) (io.ReadCloser, error) {
	f, err := l.fs.Open(l.objectPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (l *LocalProvider) Exists(_ context.Context, bucket Bucket, key string) (bool, error) {
	return afero.Exists(l.fs, l.objectPath(bucket, key))
}

func (l *LocalProvider) Delete(_ context.Context, bucket Bucket, key string) error {
	err := l.fs.Remove(l.objectPath(bucket, key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *LocalProvider) DeleteDirectory(_ context.Context, bucket Bucket, prefix string) (int, error) {
	dir := l.objectPath(bucket, strings.TrimSuffix(prefix, "/"))

	exists, err := afero.DirExists(l.fs, dir)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	count := 0
	err = afero.Walk(l.fs, dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info != nil && !info.IsDir() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := l.fs.RemoveAll(dir); err != nil {
		return 0, err
	}
	return count, nil
}

func (l *LocalProvider) Copy(ctx context.Context, srcBucket Bucket, srcKey string, destBucket Bucket, destKey string) error {
	src, err := l.Get(ctx, srcBucket, srcKey)
	if err != nil {
		return err
	}
	defer src.Close()
	return l.Put(ctx, destBucket, destKey, src, -1, "")
}
