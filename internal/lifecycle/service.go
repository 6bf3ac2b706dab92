// Package lifecycle owns the active -> deleted -> recovered state machine for
// uploaded files and keeps it consistent with blob storage.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/maneesh/filevault/internal/metrics"
	"github.com/maneesh/filevault/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("filevault-lifecycle")

// MaxFilenameLength matches the width of the filename columns.
const MaxFilenameLength = 255

// MetadataStore persists active and deleted file records. Transition methods
// are atomic; their beforeCommit hooks run inside the transaction.
type MetadataStore interface {
	FindActiveByFilename(ctx context.Context, filename string) (*models.ActiveFile, error)
	CreateActive(ctx context.Context, file *models.ActiveFile) error
	ListActive(ctx context.Context, byDate bool) ([]*models.ActiveFile, error)
	SearchActive(ctx context.Context, from, to time.Time) ([]*models.ActiveFile, error)
	ListDeleted(ctx context.Context) ([]*models.DeletedFile, error)
	SearchDeleted(ctx context.Context, from, to time.Time) ([]*models.DeletedFile, error)
	FindLatestDeletedByFilename(ctx context.Context, filename string) (*models.DeletedFile, error)
	SoftDelete(ctx context.Context, id int64, deletedAt time.Time, beforeCommit func(*models.ActiveFile) error) (*models.DeletedFile, error)
	Recover(ctx context.Context, id int64, recoveredAt time.Time) (*models.ActiveFile, error)
	Purge(ctx context.Context, id int64, beforeCommit func(*models.DeletedFile) error) (*models.DeletedFile, error)
}

// BlobStore holds file bytes addressed by an opaque storage key.
type BlobStore interface {
	Store(ctx context.Context, key string, r io.Reader, size int64) (int64, error)
	Remove(ctx context.Context, key string) error
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

// Cache speeds up active file lookups by filename. A nil record with a nil
// error is a miss.
type Cache interface {
	GetActive(ctx context.Context, filename string) (*models.ActiveFile, error)
	SetActive(ctx context.Context, file *models.ActiveFile) error
	InvalidateActive(ctx context.Context, filename string) error
}

// Blob is an open file body ready to be served. Content must be closed.
type Blob struct {
	Filename string
	Size     int64
	Content  io.ReadCloser
}

// Options tune a Service.
type Options struct {
	// RetainDeletedBlobs keeps bytes on soft delete until Purge, so that
	// Recover restores content and DownloadDeleted can serve it.
	RetainDeletedBlobs bool

	// Now and NewKey default to UTC wall clock and random UUIDs.
	Now    func() time.Time
	NewKey func() string
}

// Service implements the file lifecycle operations.
type Service struct {
	meta   MetadataStore
	blobs  BlobStore
	cache  Cache
	logger *slog.Logger

	retainDeleted bool
	now           func() time.Time
	newKey        func() string
}

// NewService wires a Service. cache may be nil.
func NewService(meta MetadataStore, blobs BlobStore, cache Cache, logger *slog.Logger, opts Options) *Service {
	s := &Service{
		meta:          meta,
		blobs:         blobs,
		cache:         cache,
		logger:        logger,
		retainDeleted: opts.RetainDeletedBlobs,
		now:           opts.Now,
		newKey:        opts.NewKey,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		// DATETIME(6) keeps microseconds
		s.now = func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
	}
	if s.newKey == nil {
		s.newKey = func() string { return uuid.New().String() }
	}
	return s
}

// ValidateFilename rejects names that cannot be stored or addressed in a URL
// path segment.
func ValidateFilename(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", models.ErrInvalidName)
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("%w: leading or trailing whitespace", models.ErrInvalidName)
	case len(name) > MaxFilenameLength:
		return fmt.Errorf("%w: longer than %d bytes", models.ErrInvalidName, MaxFilenameLength)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: not valid UTF-8", models.ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", models.ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: contains a path separator", models.ErrInvalidName)
	}
	return nil
}

// Upload stores r under a fresh storage key and records filename as active.
// Bytes are written first; if the record cannot be created they are removed.
func (s *Service) Upload(ctx context.Context, filename string, r io.Reader, size int64) (file *models.ActiveFile, err error) {
	ctx, span := tracer.Start(ctx, "lifecycle.upload",
		trace.WithAttributes(attribute.String("file_name", filename)),
	)
	defer func() { s.finish(span, "upload", err) }()

	if err := ValidateFilename(filename); err != nil {
		return nil, err
	}

	if _, err := s.meta.FindActiveByFilename(ctx, filename); err == nil {
		return nil, fmt.Errorf("upload %q: %w", filename, models.ErrDuplicateName)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	key := s.newKey()
	written, err := s.blobs.Store(ctx, key, r, size)
	if err != nil {
		return nil, err
	}

	file = &models.ActiveFile{
		Filename:   filename,
		StorageKey: key,
		Size:       written,
		UploadDate: s.now(),
	}
	if err := s.meta.CreateActive(ctx, file); err != nil {
		if rmErr := s.blobs.Remove(ctx, key); rmErr != nil {
			s.logger.ErrorContext(ctx, "failed to roll back stored blob",
				"storage_key", key, "file_name", filename, "error", rmErr)
		}
		return nil, err
	}

	s.cacheSet(ctx, file)
	s.logger.InfoContext(ctx, "file uploaded",
		"file_id", file.ID, "file_name", filename, "storage_key", key, "size", written)
	return file, nil
}

// ListActive returns every active file, newest upload first when byDate is set.
func (s *Service) ListActive(ctx context.Context, byDate bool) ([]*models.ActiveFile, error) {
	return s.meta.ListActive(ctx, byDate)
}

// ListDeleted returns every deleted file.
func (s *Service) ListDeleted(ctx context.Context) ([]*models.DeletedFile, error) {
	return s.meta.ListDeleted(ctx)
}

// SearchActiveByDate returns active files uploaded on the UTC calendar day of day.
func (s *Service) SearchActiveByDate(ctx context.Context, day time.Time) ([]*models.ActiveFile, error) {
	from, to := models.DayRange(day)
	return s.meta.SearchActive(ctx, from, to)
}

// SearchDeletedByDate returns deleted files whose deletion_date falls in
// [day, day+1) on the UTC calendar.
func (s *Service) SearchDeletedByDate(ctx context.Context, day time.Time) ([]*models.DeletedFile, error) {
	from, to := models.DayRange(day)
	return s.meta.SearchDeleted(ctx, from, to)
}

// SoftDelete moves active file id to the deleted set. Unless blobs are
// retained, its bytes are removed inside the transaction; a removal failure
// aborts the delete.
func (s *Service) SoftDelete(ctx context.Context, id int64) (deleted *models.DeletedFile, err error) {
	ctx, span := tracer.Start(ctx, "lifecycle.soft_delete",
		trace.WithAttributes(attribute.Int64("file_id", id)),
	)
	defer func() { s.finish(span, "soft_delete", err) }()

	deleted, err = s.meta.SoftDelete(ctx, id, s.now(), func(active *models.ActiveFile) error {
		if s.retainDeleted {
			return nil
		}
		return s.blobs.Remove(ctx, active.StorageKey)
	})
	if err != nil {
		return nil, err
	}

	s.cacheInvalidate(ctx, deleted.Filename)
	s.logger.InfoContext(ctx, "file soft-deleted",
		"file_id", id, "deleted_id", deleted.ID, "file_name", deleted.Filename, "retained", s.retainDeleted)
	return deleted, nil
}

// Recover reinstates deleted file id as a new active record dated now. It is
// rejected with ErrDuplicateName when the filename is already active.
func (s *Service) Recover(ctx context.Context, id int64) (active *models.ActiveFile, err error) {
	ctx, span := tracer.Start(ctx, "lifecycle.recover",
		trace.WithAttributes(attribute.Int64("deleted_id", id)),
	)
	defer func() { s.finish(span, "recover", err) }()

	active, err = s.meta.Recover(ctx, id, s.now())
	if err != nil {
		return nil, err
	}

	s.cacheSet(ctx, active)
	s.logger.InfoContext(ctx, "file recovered",
		"deleted_id", id, "file_id", active.ID, "file_name", active.Filename)
	return active, nil
}

// Purge permanently removes deleted file id together with any bytes left.
func (s *Service) Purge(ctx context.Context, id int64) (deleted *models.DeletedFile, err error) {
	ctx, span := tracer.Start(ctx, "lifecycle.purge",
		trace.WithAttributes(attribute.Int64("deleted_id", id)),
	)
	defer func() { s.finish(span, "purge", err) }()

	deleted, err = s.meta.Purge(ctx, id, func(d *models.DeletedFile) error {
		return s.blobs.Remove(ctx, d.StorageKey)
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "file purged", "deleted_id", id, "file_name", deleted.Filename)
	return deleted, nil
}

// Download opens the bytes of the active file named filename.
func (s *Service) Download(ctx context.Context, filename string) (blob *Blob, err error) {
	ctx, span := tracer.Start(ctx, "lifecycle.download",
		trace.WithAttributes(attribute.String("file_name", filename)),
	)
	defer func() { s.finish(span, "download", err) }()

	file, cached, err := s.lookupActive(ctx, filename)
	if err != nil {
		return nil, err
	}

	blob, err = s.open(ctx, filename, file.StorageKey)
	if errors.Is(err, models.ErrBlobMissing) && cached {
		// A stale cache entry may point at an old key; retry from the database.
		s.cacheInvalidate(ctx, filename)
		if file, err = s.meta.FindActiveByFilename(ctx, filename); err != nil {
			return nil, err
		}
		s.cacheSet(ctx, file)
		blob, err = s.open(ctx, filename, file.StorageKey)
	}
	return blob, err
}

// DownloadDeleted opens the bytes of the most recently deleted file named
// filename. ErrNotFound means no record, ErrBlobMissing means no bytes.
func (s *Service) DownloadDeleted(ctx context.Context, filename string) (blob *Blob, err error) {
	ctx, span := tracer.Start(ctx, "lifecycle.download_deleted",
		trace.WithAttributes(attribute.String("file_name", filename)),
	)
	defer func() { s.finish(span, "download_deleted", err) }()

	deleted, err := s.meta.FindLatestDeletedByFilename(ctx, filename)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, filename, deleted.StorageKey)
}

func (s *Service) open(ctx context.Context, filename, key string) (*Blob, error) {
	rc, size, err := s.blobs.Open(ctx, key)
	if errors.Is(err, models.ErrBlobNotFound) {
		return nil, fmt.Errorf("%q: %w", filename, models.ErrBlobMissing)
	} else if err != nil {
		return nil, err
	}
	return &Blob{Filename: filename, Size: size, Content: rc}, nil
}

// lookupActive consults the cache before the database and reports whether
// the record came from the cache.
func (s *Service) lookupActive(ctx context.Context, filename string) (*models.ActiveFile, bool, error) {
	if s.cache != nil {
		file, err := s.cache.GetActive(ctx, filename)
		if err != nil {
			s.logger.WarnContext(ctx, "cache lookup failed", "file_name", filename, "error", err)
		} else if file != nil {
			return file, true, nil
		}
	}

	file, err := s.meta.FindActiveByFilename(ctx, filename)
	if err != nil {
		return nil, false, err
	}
	s.cacheSet(ctx, file)
	return file, false, nil
}

func (s *Service) cacheSet(ctx context.Context, file *models.ActiveFile) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetActive(ctx, file); err != nil {
		s.logger.WarnContext(ctx, "failed to update cache", "file_name", file.Filename, "error", err)
	}
}

func (s *Service) cacheInvalidate(ctx context.Context, filename string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateActive(ctx, filename); err != nil {
		s.logger.WarnContext(ctx, "failed to invalidate cache", "file_name", filename, "error", err)
	}
}

func (s *Service) finish(span trace.Span, operation string, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.String("result", metrics.Result(err)))
	span.End()
	metrics.ObserveOperation(operation, err)
}
