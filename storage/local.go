package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/127Wzc/imgtag/errs"
	"github.com/127Wzc/imgtag/model"
)

// LocalBackend implements Backend over a filesystem root. Every
// endpoint's bucket_name resolves to a subdirectory of root.
type LocalBackend struct {
	Root string
}

// NewLocalBackend returns a LocalBackend rooted at root.
func NewLocalBackend(root string) *LocalBackend { return &LocalBackend{Root: root} }

func (b *LocalBackend) resolve(endpoint *model.StorageEndpoint, objectKey string) string {
	return filepath.Join(b.Root, endpoint.BucketName, filepath.FromSlash(objectKey))
}

// Upload writes r to the local path for objectKey, creating parent
// directories as needed.
func (b *LocalBackend) Upload(ctx context.Context, endpoint *model.StorageEndpoint, objectKey string, r io.Reader, size int64) error {
	path := b.resolve(endpoint, objectKey)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.E("LocalBackend.Upload", errs.Fatal, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return errs.E("LocalBackend.Upload", errs.Fatal, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return errs.E("LocalBackend.Upload", errs.Fatal, err)
	}
	return nil
}

// Download opens the local path for objectKey.
func (b *LocalBackend) Download(ctx context.Context, endpoint *model.StorageEndpoint, objectKey string) (io.ReadCloser, error) {
	path := b.resolve(endpoint, objectKey)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errs.Msg("LocalBackend.Download", errs.NotFound, "object not found")
	}
	if err != nil {
		return nil, errs.E("LocalBackend.Download", errs.Fatal, err)
	}
	return f, nil
}

// Exists reports whether the local path for objectKey is present.
func (b *LocalBackend) Exists(ctx context.Context, endpoint *model.StorageEndpoint, objectKey string) (bool, error) {
	_, err := os.Stat(b.resolve(endpoint, objectKey))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errs.E("LocalBackend.Exists", errs.Fatal, err)
	}
	return true, nil
}

// Delete removes the local path for objectKey. Absence is not an error.
func (b *LocalBackend) Delete(ctx context.Context, endpoint *model.StorageEndpoint, objectKey string) error {
	err := os.Remove(b.resolve(endpoint, objectKey))
	if err != nil && !os.IsNotExist(err) {
		return errs.E("LocalBackend.Delete", errs.Fatal, err)
	}
	return nil
}
