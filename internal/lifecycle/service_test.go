package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/maneesh/filevault/internal/models"
	"github.com/maneesh/filevault/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *Service
	meta  *memStore
	disk  *storage.DiskStore
	cache *memCache
	clock *clock
}

func newFixture(t *testing.T, retain bool) *fixture {
	t.Helper()
	disk, err := storage.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		meta:  newMemStore(),
		disk:  disk,
		cache: newMemCache(),
		clock: &clock{t: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)},
	}
	keys := 0
	f.svc = NewService(f.meta, disk, f.cache, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		RetainDeletedBlobs: retain,
		Now:                f.clock.Now,
		NewKey: func() string {
			keys++
			return fmt.Sprintf("key-%d", keys)
		},
	})
	return f
}

func (f *fixture) upload(t *testing.T, name, content string) *models.ActiveFile {
	t.Helper()
	file, err := f.svc.Upload(context.Background(), name, strings.NewReader(content), int64(len(content)))
	require.NoError(t, err)
	return file
}

func (f *fixture) blobCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.disk.Root())
	require.NoError(t, err)
	return len(entries)
}

func readBlob(t *testing.T, blob *Blob) string {
	t.Helper()
	defer blob.Content.Close()
	data, err := io.ReadAll(blob.Content)
	require.NoError(t, err)
	return string(data)
}

func TestUpload_ThenDownloadReturnsSameBytes(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	file := f.upload(t, "report.pdf", "B")
	assert.Equal(t, "report.pdf", file.Filename)
	assert.Equal(t, "key-1", file.StorageKey)
	assert.Equal(t, int64(1), file.Size)
	assert.Equal(t, f.clock.Now(), file.UploadDate)

	blob, err := f.svc.Download(ctx, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", blob.Filename)
	assert.Equal(t, int64(1), blob.Size)
	assert.Equal(t, "B", readBlob(t, blob))
}

func TestUpload_DuplicateNameLeavesExistingUntouched(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	original := f.upload(t, "report.pdf", "B")

	_, err := f.svc.Upload(ctx, "report.pdf", strings.NewReader("C"), 1)
	assert.ErrorIs(t, err, models.ErrDuplicateName)

	active, err := f.svc.ListActive(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, *original, *active[0])
	assert.Equal(t, 1, f.blobCount(t))

	blob, err := f.svc.Download(ctx, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "B", readBlob(t, blob))
}

func TestUpload_RaceOnInsertRemovesBlob(t *testing.T) {
	f := newFixture(t, false)
	f.meta.createErr = fmt.Errorf("active file %q: %w", "a.txt", models.ErrDuplicateName)

	_, err := f.svc.Upload(context.Background(), "a.txt", strings.NewReader("data"), 4)
	assert.ErrorIs(t, err, models.ErrDuplicateName)
	assert.Equal(t, 0, f.blobCount(t))
}

func TestUpload_RecordFailureRemovesBlob(t *testing.T) {
	f := newFixture(t, false)
	f.meta.createErr = errors.New("db down")

	_, err := f.svc.Upload(context.Background(), "a.txt", strings.NewReader("data"), 4)
	assert.ErrorContains(t, err, "db down")
	assert.Equal(t, 0, f.blobCount(t))
}

func TestUpload_InvalidNames(t *testing.T) {
	f := newFixture(t, false)

	for _, name := range []string{"", "   ", ".", "..", "../etc/passwd", "a/b.txt", `a\b.txt`, strings.Repeat("x", 256)} {
		_, err := f.svc.Upload(context.Background(), name, strings.NewReader("x"), 1)
		assert.ErrorIs(t, err, models.ErrInvalidName, "name %q", name)
	}
	assert.Equal(t, 0, f.blobCount(t))
}

func TestSoftDelete_MovesRecordAndRemovesBytes(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	file := f.upload(t, "report.pdf", "B")
	require.True(t, f.cache.has("report.pdf"))

	f.clock.Set(time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC))
	deleted, err := f.svc.SoftDelete(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", deleted.Filename)
	assert.Equal(t, f.clock.Now(), deleted.DeletionDate)

	active, err := f.svc.ListActive(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)

	deletedList, err := f.svc.ListDeleted(ctx)
	require.NoError(t, err)
	require.Len(t, deletedList, 1)
	assert.Equal(t, "report.pdf", deletedList[0].Filename)

	assert.Equal(t, 0, f.blobCount(t))
	assert.False(t, f.cache.has("report.pdf"))

	_, err = f.svc.Download(ctx, "report.pdf")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSoftDelete_NotFound(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.SoftDelete(context.Background(), 404)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSoftDelete_ToleratesMissingBytes(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	file := f.upload(t, "a.txt", "x")
	require.NoError(t, f.disk.Remove(ctx, file.StorageKey))

	_, err := f.svc.SoftDelete(ctx, file.ID)
	require.NoError(t, err)
}

type failingRemoveStore struct {
	BlobStore
}

func (failingRemoveStore) Remove(context.Context, string) error {
	return errors.New("permission denied")
}

func TestSoftDelete_BlobRemovalFailureKeepsRecord(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	file := f.upload(t, "a.txt", "x")

	svc := NewService(f.meta, failingRemoveStore{f.disk}, f.cache, nil, Options{Now: f.clock.Now})
	_, err := svc.SoftDelete(ctx, file.ID)
	assert.ErrorContains(t, err, "permission denied")

	active, err := f.svc.ListActive(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, file.ID, active[0].ID)

	blob, err := f.svc.Download(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", readBlob(t, blob))
}

func TestRecover_CreatesFreshActiveRecord(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	file := f.upload(t, "report.pdf", "B")
	deleted, err := f.svc.SoftDelete(ctx, file.ID)
	require.NoError(t, err)

	recoveredAt := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	f.clock.Set(recoveredAt)
	recovered, err := f.svc.Recover(ctx, deleted.ID)
	require.NoError(t, err)

	assert.NotEqual(t, file.ID, recovered.ID)
	assert.Equal(t, "report.pdf", recovered.Filename)
	assert.Equal(t, recoveredAt, recovered.UploadDate)

	deletedList, err := f.svc.ListDeleted(ctx)
	require.NoError(t, err)
	assert.Empty(t, deletedList)

	// bytes were removed on soft delete and are not restored
	_, err = f.svc.Download(ctx, "report.pdf")
	assert.ErrorIs(t, err, models.ErrBlobMissing)
}

func TestRecover_NameCollisionLeavesBothRecords(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	first := f.upload(t, "report.pdf", "old")
	deleted, err := f.svc.SoftDelete(ctx, first.ID)
	require.NoError(t, err)
	second := f.upload(t, "report.pdf", "new")

	_, err = f.svc.Recover(ctx, deleted.ID)
	assert.ErrorIs(t, err, models.ErrDuplicateName)

	active, err := f.svc.ListActive(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, *second, *active[0])

	deletedList, err := f.svc.ListDeleted(ctx)
	require.NoError(t, err)
	require.Len(t, deletedList, 1)
	assert.Equal(t, *deleted, *deletedList[0])
}

func TestRecover_NotFound(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.Recover(context.Background(), 9)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSearchDeletedByDate_HalfOpenDay(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	deleteAt := func(name string, at time.Time) {
		file := f.upload(t, name, "x")
		f.clock.Set(at)
		_, err := f.svc.SoftDelete(ctx, file.ID)
		require.NoError(t, err)
	}
	deleteAt("before.txt", time.Date(2024, 3, 9, 23, 59, 59, 999999000, time.UTC))
	deleteAt("start.txt", time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))
	deleteAt("end.txt", time.Date(2024, 3, 10, 23, 59, 59, 999999000, time.UTC))
	deleteAt("after.txt", time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC))

	day, err := models.ParseDay("2024-03-10")
	require.NoError(t, err)

	found, err := f.svc.SearchDeletedByDate(ctx, day)
	require.NoError(t, err)
	var names []string
	for _, d := range found {
		names = append(names, d.Filename)
	}
	assert.Equal(t, []string{"start.txt", "end.txt"}, names)
}

func TestSearchActiveByDate(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.clock.Set(time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC))
	f.upload(t, "a.txt", "x")
	f.clock.Set(time.Date(2024, 3, 11, 1, 0, 0, 0, time.UTC))
	f.upload(t, "b.txt", "x")

	found, err := f.svc.SearchActiveByDate(ctx, time.Date(2024, 3, 10, 18, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "a.txt", found[0].Filename)
}

func TestListActive_ByDate(t *testing.T) {
	f := newFixture(t, false)

	f.clock.Set(time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC))
	f.upload(t, "newer.txt", "x")
	f.clock.Set(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	f.upload(t, "older.txt", "x")

	byID, err := f.svc.ListActive(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "newer.txt", byID[0].Filename)

	byDate, err := f.svc.ListActive(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "newer.txt", byDate[0].Filename)
	assert.Equal(t, "older.txt", byDate[1].Filename)
}

func TestDownloadDeleted_NotFoundVersusBlobMissing(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	file := f.upload(t, "a.txt", "x")
	_, err := f.svc.SoftDelete(ctx, file.ID)
	require.NoError(t, err)

	_, err = f.svc.DownloadDeleted(ctx, "never-uploaded.txt")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.svc.DownloadDeleted(ctx, "a.txt")
	assert.ErrorIs(t, err, models.ErrBlobMissing)
}

func TestRetainDeletedBlobs_FullRoundTrip(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	file := f.upload(t, "report.pdf", "B")

	deleted, err := f.svc.SoftDelete(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.blobCount(t))

	_, err = f.svc.Download(ctx, "report.pdf")
	assert.ErrorIs(t, err, models.ErrNotFound)

	blob, err := f.svc.DownloadDeleted(ctx, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "B", readBlob(t, blob))

	recovered, err := f.svc.Recover(ctx, deleted.ID)
	require.NoError(t, err)
	assert.Equal(t, file.StorageKey, recovered.StorageKey)

	blob, err = f.svc.Download(ctx, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "B", readBlob(t, blob))
}

func TestPurge_RemovesRecordAndBytes(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	file := f.upload(t, "a.txt", "x")
	deleted, err := f.svc.SoftDelete(ctx, file.ID)
	require.NoError(t, err)

	purged, err := f.svc.Purge(ctx, deleted.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", purged.Filename)
	assert.Equal(t, 0, f.blobCount(t))

	deletedList, err := f.svc.ListDeleted(ctx)
	require.NoError(t, err)
	assert.Empty(t, deletedList)

	_, err = f.svc.Purge(ctx, deleted.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPurge_WithoutRetainedBytes(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	file := f.upload(t, "a.txt", "x")
	deleted, err := f.svc.SoftDelete(ctx, file.ID)
	require.NoError(t, err)

	_, err = f.svc.Purge(ctx, deleted.ID)
	require.NoError(t, err)
}

func TestDownload_StaleCacheFallsBackToDatabase(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	file := f.upload(t, "a.txt", "fresh")

	stale := *file
	stale.StorageKey = "gone"
	require.NoError(t, f.cache.SetActive(ctx, &stale))

	blob, err := f.svc.Download(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "fresh", readBlob(t, blob))

	cached, err := f.cache.GetActive(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, file.StorageKey, cached.StorageKey)
}

func TestService_WorksWithoutCache(t *testing.T) {
	disk, err := storage.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	svc := NewService(newMemStore(), disk, nil, nil, Options{})
	ctx := context.Background()

	file, err := svc.Upload(ctx, "a.txt", strings.NewReader("abc"), 3)
	require.NoError(t, err)
	assert.Len(t, file.StorageKey, 36)
	assert.Equal(t, time.UTC, file.UploadDate.Location())

	blob, err := svc.Download(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "abc", readBlob(t, blob))
}

func TestValidateFilename(t *testing.T) {
	assert.NoError(t, ValidateFilename("report.pdf"))
	assert.NoError(t, ValidateFilename("laporan akhir (final).docx"))
	assert.NoError(t, ValidateFilename("..hidden"))
	assert.ErrorIs(t, ValidateFilename("bad\x00name"), models.ErrInvalidName)
	assert.ErrorIs(t, ValidateFilename(string([]byte{0xff, 0xfe})), models.ErrInvalidName)
	assert.ErrorIs(t, ValidateFilename("a.txt "), models.ErrInvalidName)
	assert.ErrorIs(t, ValidateFilename(" a.txt"), models.ErrInvalidName)
	assert.ErrorIs(t, ValidateFilename("a.txt\t"), models.ErrInvalidName)
}

func TestUpload_NamesDifferingOnlyInCaseAreDistinct(t *testing.T) {
	f := newFixture(t, false)

	lower := f.upload(t, "report.pdf", "lower")
	upper := f.upload(t, "Report.pdf", "upper")
	assert.NotEqual(t, lower.ID, upper.ID)

	blob, err := f.svc.Download(context.Background(), "Report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "upper", readBlob(t, blob))
}
