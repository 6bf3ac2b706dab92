package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/maneesh/filevault/internal/models"
	"github.com/maneesh/filevault/internal/storage/migrations"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// mysqlErrDuplicateEntry is ER_DUP_ENTRY, raised by the unique filename index.
const mysqlErrDuplicateEntry = 1062

const (
	activeColumns  = `id, filename, storage_key, size, upload_date`
	deletedColumns = `id, filename, storage_key, size, deletion_date`
)

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// TiDBClient stores active and deleted file records in TiDB (or any MySQL
// compatible server) with tracing.
type TiDBClient struct {
	db *sql.DB
}

// NewTiDBClient initializes a new TiDB client
func NewTiDBClient(dsn string) (*TiDBClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &TiDBClient{db: db}, nil
}

// NewTiDBClientFromDB wraps an already opened database handle.
func NewTiDBClientFromDB(db *sql.DB) *TiDBClient {
	return &TiDBClient{db: db}
}

// Close closes the database connection
func (tc *TiDBClient) Close() error {
	return tc.db.Close()
}

// Migrate applies the embedded schema migrations.
func (tc *TiDBClient) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("mysql"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := gooseUpContext(ctx, tc.db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// FindActiveByFilename returns the active record for filename or ErrNotFound.
func (tc *TiDBClient) FindActiveByFilename(ctx context.Context, filename string) (*models.ActiveFile, error) {
	ctx, span := tracer.Start(ctx, "tidb.find_active_by_filename",
		trace.WithAttributes(
			attribute.String("file_name", filename),
		),
	)
	defer span.End()

	query := `SELECT ` + activeColumns + ` FROM active_files WHERE filename = ?`

	file, err := scanActive(tc.db.QueryRowContext(ctx, query, filename))
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("active file %q: %w", filename, models.ErrNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query active file: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return file, nil
}

// CreateActive inserts an active record and sets its generated ID. A filename
// collision on the unique index is reported as ErrDuplicateName.
func (tc *TiDBClient) CreateActive(ctx context.Context, file *models.ActiveFile) error {
	ctx, span := tracer.Start(ctx, "tidb.create_active",
		trace.WithAttributes(
			attribute.String("file_name", file.Filename),
			attribute.String("storage_key", file.StorageKey),
			attribute.Int64("file_size", file.Size),
		),
	)
	defer span.End()

	if err := insertActive(ctx, tc.db, file); err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int64("file_id", file.ID),
		attribute.Bool("insert_success", true),
	)
	return nil
}

// ListActive returns every active record, by id or newest upload first.
func (tc *TiDBClient) ListActive(ctx context.Context, byDate bool) ([]*models.ActiveFile, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_active",
		trace.WithAttributes(
			attribute.Bool("by_date", byDate),
		),
	)
	defer span.End()

	query := `SELECT ` + activeColumns + ` FROM active_files ORDER BY id ASC`
	if byDate {
		query = `SELECT ` + activeColumns + ` FROM active_files ORDER BY upload_date DESC, id DESC`
	}

	files, err := tc.queryActive(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// SearchActive returns active records uploaded within [from, to).
func (tc *TiDBClient) SearchActive(ctx context.Context, from, to time.Time) ([]*models.ActiveFile, error) {
	ctx, span := tracer.Start(ctx, "tidb.search_active",
		trace.WithAttributes(
			attribute.String("from", from.Format(time.RFC3339)),
			attribute.String("to", to.Format(time.RFC3339)),
		),
	)
	defer span.End()

	query := `SELECT ` + activeColumns + ` FROM active_files
			  WHERE upload_date >= ? AND upload_date < ?
			  ORDER BY upload_date ASC, id ASC`

	files, err := tc.queryActive(ctx, query, from, to)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// ListDeleted returns every deleted record, most recent deletion first.
func (tc *TiDBClient) ListDeleted(ctx context.Context) ([]*models.DeletedFile, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_deleted")
	defer span.End()

	query := `SELECT ` + deletedColumns + ` FROM deleted_files ORDER BY deletion_date DESC, id DESC`

	files, err := tc.queryDeleted(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// SearchDeleted returns deleted records whose deletion_date is within [from, to).
func (tc *TiDBClient) SearchDeleted(ctx context.Context, from, to time.Time) ([]*models.DeletedFile, error) {
	ctx, span := tracer.Start(ctx, "tidb.search_deleted",
		trace.WithAttributes(
			attribute.String("from", from.Format(time.RFC3339)),
			attribute.String("to", to.Format(time.RFC3339)),
		),
	)
	defer span.End()

	query := `SELECT ` + deletedColumns + ` FROM deleted_files
			  WHERE deletion_date >= ? AND deletion_date < ?
			  ORDER BY deletion_date ASC, id ASC`

	files, err := tc.queryDeleted(ctx, query, from, to)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// FindLatestDeletedByFilename returns the most recently deleted record with
// the given filename or ErrNotFound.
func (tc *TiDBClient) FindLatestDeletedByFilename(ctx context.Context, filename string) (*models.DeletedFile, error) {
	ctx, span := tracer.Start(ctx, "tidb.find_latest_deleted_by_filename",
		trace.WithAttributes(
			attribute.String("file_name", filename),
		),
	)
	defer span.End()

	query := `SELECT ` + deletedColumns + ` FROM deleted_files
			  WHERE filename = ?
			  ORDER BY deletion_date DESC, id DESC
			  LIMIT 1`

	file, err := scanDeleted(tc.db.QueryRowContext(ctx, query, filename))
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("deleted file %q: %w", filename, models.ErrNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query deleted file: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return file, nil
}

// SoftDelete moves the active record id into deleted_files with the given
// deletion time. beforeCommit runs inside the transaction after the move; an
// error from it rolls everything back.
func (tc *TiDBClient) SoftDelete(ctx context.Context, id int64, deletedAt time.Time, beforeCommit func(*models.ActiveFile) error) (*models.DeletedFile, error) {
	ctx, span := tracer.Start(ctx, "tidb.soft_delete",
		trace.WithAttributes(
			attribute.Int64("file_id", id),
		),
	)
	defer span.End()

	var deleted *models.DeletedFile
	err := tc.withTx(ctx, func(tx *sql.Tx) error {
		active, err := scanActive(tx.QueryRowContext(ctx,
			`SELECT `+activeColumns+` FROM active_files WHERE id = ? FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("active file %d: %w", id, models.ErrNotFound)
		} else if err != nil {
			return fmt.Errorf("failed to lock active file: %w", err)
		}

		deleted = &models.DeletedFile{
			Filename:     active.Filename,
			StorageKey:   active.StorageKey,
			Size:         active.Size,
			DeletionDate: deletedAt,
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO deleted_files (filename, storage_key, size, deletion_date) VALUES (?, ?, ?, ?)`,
			deleted.Filename, deleted.StorageKey, deleted.Size, deleted.DeletionDate)
		if err != nil {
			return fmt.Errorf("failed to insert deleted file: %w", err)
		}
		if deleted.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read deleted file id: %w", err)
		}

		if err := execOne(ctx, tx, `DELETE FROM active_files WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete active file: %w", err)
		}

		if beforeCommit != nil {
			return beforeCommit(active)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("file_name", deleted.Filename),
		attribute.Int64("deleted_id", deleted.ID),
	)
	return deleted, nil
}

// Recover turns the deleted record id back into an active record uploaded at
// recoveredAt. If the filename is already active the transaction is rolled
// back and ErrDuplicateName is returned.
func (tc *TiDBClient) Recover(ctx context.Context, id int64, recoveredAt time.Time) (*models.ActiveFile, error) {
	ctx, span := tracer.Start(ctx, "tidb.recover",
		trace.WithAttributes(
			attribute.Int64("deleted_id", id),
		),
	)
	defer span.End()

	var active *models.ActiveFile
	err := tc.withTx(ctx, func(tx *sql.Tx) error {
		deleted, err := scanDeleted(tx.QueryRowContext(ctx,
			`SELECT `+deletedColumns+` FROM deleted_files WHERE id = ? FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("deleted file %d: %w", id, models.ErrNotFound)
		} else if err != nil {
			return fmt.Errorf("failed to lock deleted file: %w", err)
		}

		active = &models.ActiveFile{
			Filename:   deleted.Filename,
			StorageKey: deleted.StorageKey,
			Size:       deleted.Size,
			UploadDate: recoveredAt,
		}
		if err := insertActive(ctx, tx, active); err != nil {
			return err
		}

		if err := execOne(ctx, tx, `DELETE FROM deleted_files WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete deleted file: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("file_name", active.Filename),
		attribute.Int64("file_id", active.ID),
	)
	return active, nil
}

// Purge permanently removes the deleted record id. beforeCommit runs inside
// the transaction after the delete.
func (tc *TiDBClient) Purge(ctx context.Context, id int64, beforeCommit func(*models.DeletedFile) error) (*models.DeletedFile, error) {
	ctx, span := tracer.Start(ctx, "tidb.purge",
		trace.WithAttributes(
			attribute.Int64("deleted_id", id),
		),
	)
	defer span.End()

	var deleted *models.DeletedFile
	err := tc.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		deleted, err = scanDeleted(tx.QueryRowContext(ctx,
			`SELECT `+deletedColumns+` FROM deleted_files WHERE id = ? FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("deleted file %d: %w", id, models.ErrNotFound)
		} else if err != nil {
			return fmt.Errorf("failed to lock deleted file: %w", err)
		}

		if err := execOne(ctx, tx, `DELETE FROM deleted_files WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete deleted file: %w", err)
		}

		if beforeCommit != nil {
			return beforeCommit(deleted)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("file_name", deleted.Filename))
	return deleted, nil
}

// withTx runs fn in a transaction, committing on success and rolling back on
// error or panic.
func (tc *TiDBClient) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if err = tx.Commit(); err != nil {
			err = fmt.Errorf("failed to commit transaction: %w", err)
		}
	}()

	return fn(tx)
}

func (tc *TiDBClient) queryActive(ctx context.Context, query string, args ...any) ([]*models.ActiveFile, error) {
	rows, err := tc.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active files: %w", err)
	}
	defer rows.Close()

	var files []*models.ActiveFile
	for rows.Next() {
		file, err := scanActive(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan active file: %w", err)
		}
		files = append(files, file)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active files: %w", err)
	}
	return files, nil
}

func (tc *TiDBClient) queryDeleted(ctx context.Context, query string, args ...any) ([]*models.DeletedFile, error) {
	rows, err := tc.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deleted files: %w", err)
	}
	defer rows.Close()

	var files []*models.DeletedFile
	for rows.Next() {
		file, err := scanDeleted(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deleted file: %w", err)
		}
		files = append(files, file)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deleted files: %w", err)
	}
	return files, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func insertActive(ctx context.Context, db execer, file *models.ActiveFile) error {
	res, err := db.ExecContext(ctx,
		`INSERT INTO active_files (filename, storage_key, size, upload_date) VALUES (?, ?, ?, ?)`,
		file.Filename, file.StorageKey, file.Size, file.UploadDate)
	if err != nil {
		if isDuplicateEntry(err) {
			return fmt.Errorf("active file %q: %w", file.Filename, models.ErrDuplicateName)
		}
		return fmt.Errorf("failed to insert active file: %w", err)
	}

	if file.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read active file id: %w", err)
	}
	return nil
}

func execOne(ctx context.Context, db execer, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
	return nil
}

func scanActive(row scanner) (*models.ActiveFile, error) {
	var file models.ActiveFile
	if err := row.Scan(&file.ID, &file.Filename, &file.StorageKey, &file.Size, &file.UploadDate); err != nil {
		return nil, err
	}
	return &file, nil
}

func scanDeleted(row scanner) (*models.DeletedFile, error) {
	var file models.DeletedFile
	if err := row.Scan(&file.ID, &file.Filename, &file.StorageKey, &file.Size, &file.DeletionDate); err != nil {
		return nil, err
	}
	return &file, nil
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry
}
