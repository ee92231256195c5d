// Package store persists captured error records for the bridge daemon.
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

	"errbridge/internal/domain"
)

// SQLite implements domain.RecordStore on a single-file database.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLite(dbPath string, logger *slog.Logger) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id          TEXT PRIMARY KEY,
		app         TEXT NOT NULL,
		tag         TEXT,
		message     TEXT NOT NULL,
		stack       TEXT,
		count       INTEGER NOT NULL DEFAULT 1,
		captured_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_time ON records(captured_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save inserts rec, folding repeats of the same ID into an occurrence count
// and refreshing the capture timestamp.
func (s *SQLite) Save(ctx context.Context, rec domain.ErrorRecord) error {
	if rec.ID == "" {
		rec.ID = rec.Fingerprint()
	}
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = time.Now()
	}
	count := rec.Count
	if count < 1 {
		count = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (id, app, tag, message, stack, count, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			count = count + excluded.count,
			stack = excluded.stack,
			captured_at = excluded.captured_at`,
		rec.ID, rec.App, rec.Tag, rec.Message, rec.Stack, count, rec.CapturedAt,
	)
	return err
}

// List returns all records, newest first.
func (s *SQLite) List(ctx context.Context) ([]domain.ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app, tag, message, stack, count, captured_at
		 FROM records ORDER BY captured_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ErrorRecord
	for rows.Next() {
		var rec domain.ErrorRecord
		var tag, stack sql.NullString
		if err := rows.Scan(&rec.ID, &rec.App, &tag, &rec.Message, &stack, &rec.Count, &rec.CapturedAt); err != nil {
			return nil, err
		}
		rec.Tag = tag.String
		rec.Stack = stack.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	return err
}

func (s *SQLite) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records`)
	return err
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

// Prune drops records older than the retention window.
func (s *SQLite) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE captured_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("pruned old records", "removed", n, "retentionDays", retentionDays)
	}
	return n, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
