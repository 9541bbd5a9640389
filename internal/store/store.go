// Package store keeps a SQLite history of uniquafy requests.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Request statuses.
const (
	StatusStarted         = "started"
	StatusCompleted       = "completed"
	StatusUserNotFound    = "user_not_found"
	StatusTransformFailed = "transform_failed"
	StatusFailed          = "failed"
)

// Record is one uniquafy request.
type Record struct {
	ID          string     `json:"id"`
	Channel     string     `json:"channel"`
	ChatID      string     `json:"chat_id"`
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	SourceURL   string     `json:"source_url,omitempty"`
	MediaRef    string     `json:"media_ref,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Outcome is the final state of a request.
type Outcome struct {
	Status    string
	SourceURL string
	MediaRef  string
	Error     string
}

// SQLiteStore persists request history.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id           TEXT PRIMARY KEY,
		channel      TEXT NOT NULL,
		chat_id      TEXT,
		user_id      TEXT,
		status       TEXT NOT NULL,
		source_url   TEXT,
		media_ref    TEXT,
		error        TEXT,
		created_at   DATETIME NOT NULL,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
	CREATE INDEX IF NOT EXISTS idx_requests_user ON requests(channel, user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Start inserts a request in the started state.
func (s *SQLiteStore) Start(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusStarted
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (id, channel, chat_id, user_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Channel, rec.ChatID, rec.UserID, rec.Status, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request %s: %w", rec.ID, err)
	}
	return nil
}

// Finish records the outcome of a request.
func (s *SQLiteStore) Finish(ctx context.Context, id string, out Outcome) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status=?, source_url=?, media_ref=?, error=?, completed_at=? WHERE id=?`,
		out.Status, out.SourceURL, out.MediaRef, out.Error, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update request %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update request %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// Get returns a single request, or nil when it does not exist.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// Recent returns the newest requests first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectRecord+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of requests per status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Prune deletes requests older than the given age and returns how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Snapshot writes a consistent copy of the database to path, rows still in
// the write-ahead log included. path must not exist.
func (s *SQLiteStore) Snapshot(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("snapshot to %s: %w", path, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectRecord = `SELECT id, channel, chat_id, user_id, status, source_url, media_ref, error, created_at, completed_at FROM requests`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var rec Record
	var chatID, userID, sourceURL, mediaRef, errMsg sql.NullString
	var completed sql.NullTime
	if err := sc.Scan(&rec.ID, &rec.Channel, &chatID, &userID, &rec.Status,
		&sourceURL, &mediaRef, &errMsg, &rec.CreatedAt, &completed); err != nil {
		return nil, err
	}
	rec.ChatID = chatID.String
	rec.UserID = userID.String
	rec.SourceURL = sourceURL.String
	rec.MediaRef = mediaRef.String
	rec.Error = errMsg.String
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}
