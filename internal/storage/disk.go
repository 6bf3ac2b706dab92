package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/maneesh/filevault/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DiskStore keeps blobs as plain files under a single root directory.
type DiskStore struct {
	root string
}

// NewDiskStore creates the root directory if needed.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create upload directory %s: %w", root, err)
	}
	return &DiskStore{root: root}, nil
}

// Root returns the storage directory.
func (ds *DiskStore) Root() string {
	return ds.root
}

// Store writes r to a temp file, fsyncs it and renames it into place.
// Failures are wrapped with models.ErrWrite.
func (ds *DiskStore) Store(ctx context.Context, key string, r io.Reader, size int64) (int64, error) {
	_, span := tracer.Start(ctx, "disk.store",
		trace.WithAttributes(
			attribute.String("storage_key", key),
			attribute.Int64("size_hint", size),
		),
	)
	defer span.End()

	fullPath, err := ds.path(key)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	tmp, err := os.CreateTemp(ds.root, "."+key+"-*.tmp")
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to create temp file: %w: %w", models.ErrWrite, err)
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpPath, fullPath)
	}
	if err != nil {
		os.Remove(tmpPath)
		span.RecordError(err)
		return 0, fmt.Errorf("failed to write blob %s: %w: %w", key, models.ErrWrite, err)
	}

	span.SetAttributes(
		attribute.Int64("size_bytes", written),
		attribute.Bool("store_success", true),
	)
	return written, nil
}

// Remove deletes the blob. A missing blob is not an error.
func (ds *DiskStore) Remove(ctx context.Context, key string) error {
	_, span := tracer.Start(ctx, "disk.remove",
		trace.WithAttributes(
			attribute.String("storage_key", key),
		),
	)
	defer span.End()

	fullPath, err := ds.path(key)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		span.RecordError(err)
		return fmt.Errorf("failed to remove blob %s: %w", key, err)
	}
	return nil
}

// Open returns a reader for the blob and its size, or models.ErrBlobNotFound.
// The caller must close the reader.
func (ds *DiskStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	_, span := tracer.Start(ctx, "disk.open",
		trace.WithAttributes(
			attribute.String("storage_key", key),
		),
	)
	defer span.End()

	fullPath, err := ds.path(key)
	if err != nil {
		span.RecordError(err)
		return nil, 0, err
	}

	f, err := os.Open(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, 0, fmt.Errorf("blob %s: %w", key, models.ErrBlobNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to open blob %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to stat blob %s: %w", key, err)
	}

	span.SetAttributes(
		attribute.Bool("found", true),
		attribute.Int64("size_bytes", info.Size()),
	)
	return f, info.Size(), nil
}

// path resolves key inside root. Keys must be a single local path element.
func (ds *DiskStore) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || filepath.Base(key) != key || !filepath.IsLocal(key) {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(ds.root, key), nil
}
