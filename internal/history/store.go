// Package history is the local ledger of completed uploads, kept in SQLite.
// The transfer manager consults it to skip files whose content already
// reached the bucket, and the `history` command lists it.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Lookup when no upload is recorded.
var ErrNotFound = errors.New("history: no recorded upload")

const dirPerms = 0o700

// SQL statements for ledger operations.
const (
	sqlInsertUpload = `INSERT INTO uploads
		(batch_id, bucket_id, file_name, file_id, size, sha1, local_path, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlLookupUpload = `SELECT id, batch_id, bucket_id, file_name, file_id, size, sha1,
		local_path, uploaded_at
		FROM uploads WHERE bucket_id = ? AND file_name = ?
		ORDER BY id DESC LIMIT 1`

	sqlListUploads = `SELECT id, batch_id, bucket_id, file_name, file_id, size, sha1,
		local_path, uploaded_at
		FROM uploads`
)

// Entry is one completed upload.
type Entry struct {
	ID         int64
	BatchID    string
	BucketID   string
	FileName   string
	FileID     string
	Size       int64
	SHA1       string
	LocalPath  string
	UploadedAt time.Time
}

// Filter narrows List. Zero fields match everything; Limit <= 0 means no
// limit.
type Filter struct {
	BucketID string
	BatchID  string
	Limit    int
}

// Store is the upload ledger. Safe for concurrent use: the pool is capped
// at a single connection so writes serialize.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens (creating if needed) the SQLite database at dbPath and runs
// migrations.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), dirPerms); err != nil {
			return nil, fmt.Errorf("history: creating directory for %s: %w", dbPath, err)
		}
	}

	// DSN parameters make the pragmas apply to every pooled connection.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("history store opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("history: closing database: %w", err)
	}

	return nil
}

// Record stores a completed upload and returns its row ID. A zero
// UploadedAt is stamped with the current time.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	if e.UploadedAt.IsZero() {
		e.UploadedAt = s.nowFunc()
	}

	res, err := s.db.ExecContext(ctx, sqlInsertUpload,
		e.BatchID, e.BucketID, e.FileName, e.FileID, e.Size, e.SHA1,
		nullString(e.LocalPath), e.UploadedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("history: recording %s: %w", e.FileName, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history: reading row id: %w", err)
	}

	s.logger.Debug("upload recorded",
		slog.Int64("id", id),
		slog.String("bucket_id", e.BucketID),
		slog.String("file_name", e.FileName),
	)

	return id, nil
}

// Lookup returns the most recent upload of fileName to bucketID, or
// ErrNotFound.
func (s *Store) Lookup(ctx context.Context, bucketID, fileName string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, sqlLookupUpload, bucketID, fileName)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("history: looking up %s: %w", fileName, err)
	}

	return e, nil
}

// List returns recorded uploads matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	query, args := buildListQuery(f)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: listing uploads: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		e, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("history: scanning upload row: %w", scanErr)
		}

		entries = append(entries, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterating upload rows: %w", err)
	}

	return entries, nil
}

func buildListQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)

	if f.BucketID != "" {
		where = append(where, "bucket_id = ?")
		args = append(args, f.BucketID)
	}

	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}

	query := sqlListUploads
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY id DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return query, args
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*Entry, error) {
	var (
		e          Entry
		localPath  sql.NullString
		uploadedAt int64
	)

	if err := r.Scan(&e.ID, &e.BatchID, &e.BucketID, &e.FileName, &e.FileID,
		&e.Size, &e.SHA1, &localPath, &uploadedAt); err != nil {
		return nil, err
	}

	e.LocalPath = localPath.String
	e.UploadedAt = time.Unix(0, uploadedAt)

	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
