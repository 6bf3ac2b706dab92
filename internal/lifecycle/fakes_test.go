package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maneesh/filevault/internal/models"
)

// memStore is an in-memory MetadataStore. Transitions mutate state only after
// their beforeCommit hook succeeds, mirroring a rolled back transaction.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	active    map[int64]models.ActiveFile
	deleted   map[int64]models.DeletedFile
	createErr error
}

func newMemStore() *memStore {
	return &memStore{
		active:  make(map[int64]models.ActiveFile),
		deleted: make(map[int64]models.DeletedFile),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) activeByName(filename string) (models.ActiveFile, bool) {
	for _, f := range m.active {
		if f.Filename == filename {
			return f, true
		}
	}
	return models.ActiveFile{}, false
}

func (m *memStore) FindActiveByFilename(_ context.Context, filename string) (*models.ActiveFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.activeByName(filename)
	if !ok {
		return nil, fmt.Errorf("active file %q: %w", filename, models.ErrNotFound)
	}
	return &f, nil
}

func (m *memStore) CreateActive(_ context.Context, file *models.ActiveFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.activeByName(file.Filename); ok {
		return fmt.Errorf("active file %q: %w", file.Filename, models.ErrDuplicateName)
	}
	file.ID = m.id()
	m.active[file.ID] = *file
	return nil
}

func (m *memStore) ListActive(_ context.Context, byDate bool) ([]*models.ActiveFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ActiveFile
	for _, f := range m.active {
		f := f
		out = append(out, &f)
	}
	sort.Slice(out, func(i, j int) bool {
		if byDate {
			return out[i].UploadDate.After(out[j].UploadDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) SearchActive(_ context.Context, from, to time.Time) ([]*models.ActiveFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ActiveFile
	for _, f := range m.active {
		if !f.UploadDate.Before(from) && f.UploadDate.Before(to) {
			f := f
			out = append(out, &f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadDate.Before(out[j].UploadDate) })
	return out, nil
}

func (m *memStore) ListDeleted(_ context.Context) ([]*models.DeletedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DeletedFile
	for _, f := range m.deleted {
		f := f
		out = append(out, &f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memStore) SearchDeleted(_ context.Context, from, to time.Time) ([]*models.DeletedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DeletedFile
	for _, f := range m.deleted {
		if !f.DeletionDate.Before(from) && f.DeletionDate.Before(to) {
			f := f
			out = append(out, &f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletionDate.Before(out[j].DeletionDate) })
	return out, nil
}

func (m *memStore) FindLatestDeletedByFilename(_ context.Context, filename string) (*models.DeletedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.DeletedFile
	for _, f := range m.deleted {
		if f.Filename != filename {
			continue
		}
		if latest == nil || f.ID > latest.ID {
			f := f
			latest = &f
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("deleted file %q: %w", filename, models.ErrNotFound)
	}
	return latest, nil
}

func (m *memStore) SoftDelete(_ context.Context, id int64, deletedAt time.Time, beforeCommit func(*models.ActiveFile) error) (*models.DeletedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("active file %d: %w", id, models.ErrNotFound)
	}
	if beforeCommit != nil {
		if err := beforeCommit(&active); err != nil {
			return nil, err
		}
	}
	deleted := models.DeletedFile{
		ID:           m.id(),
		Filename:     active.Filename,
		StorageKey:   active.StorageKey,
		Size:         active.Size,
		DeletionDate: deletedAt,
	}
	delete(m.active, id)
	m.deleted[deleted.ID] = deleted
	return &deleted, nil
}

func (m *memStore) Recover(_ context.Context, id int64, recoveredAt time.Time) (*models.ActiveFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted, ok := m.deleted[id]
	if !ok {
		return nil, fmt.Errorf("deleted file %d: %w", id, models.ErrNotFound)
	}
	if _, dup := m.activeByName(deleted.Filename); dup {
		return nil, fmt.Errorf("active file %q: %w", deleted.Filename, models.ErrDuplicateName)
	}
	active := models.ActiveFile{
		ID:         m.id(),
		Filename:   deleted.Filename,
		StorageKey: deleted.StorageKey,
		Size:       deleted.Size,
		UploadDate: recoveredAt,
	}
	delete(m.deleted, id)
	m.active[active.ID] = active
	return &active, nil
}

func (m *memStore) Purge(_ context.Context, id int64, beforeCommit func(*models.DeletedFile) error) (*models.DeletedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted, ok := m.deleted[id]
	if !ok {
		return nil, fmt.Errorf("deleted file %d: %w", id, models.ErrNotFound)
	}
	if beforeCommit != nil {
		if err := beforeCommit(&deleted); err != nil {
			return nil, err
		}
	}
	delete(m.deleted, id)
	return &deleted, nil
}

// memCache is a map-backed Cache.
type memCache struct {
	mu      sync.Mutex
	entries map[string]models.ActiveFile
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]models.ActiveFile)}
}

func (c *memCache) GetActive(_ context.Context, filename string) (*models.ActiveFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.entries[filename]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (c *memCache) SetActive(_ context.Context, file *models.ActiveFile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[file.Filename] = *file
	return nil
}

func (c *memCache) InvalidateActive(_ context.Context, filename string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, filename)
	return nil
}

func (c *memCache) has(filename string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[filename]
	return ok
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}
