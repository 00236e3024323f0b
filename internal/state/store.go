package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store records completed files in a SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Entry is one completed file.
type Entry struct {
	Filename    string
	SHA1        string
	Size        int64
	CompletedAt time.Time
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS completed_files (
	app          TEXT NOT NULL,
	build        TEXT NOT NULL,
	filename     TEXT NOT NULL,
	sha1         TEXT NOT NULL,
	size         INTEGER NOT NULL,
	completed_at TEXT NOT NULL,
	PRIMARY KEY (app, build, filename)
)`

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// Open creates or opens the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("state: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("state: apply pragma %q: %w", pragma, err)
		}
	}
	if err := retryOnBusy(ctx, func() error {
		_, err := db.ExecContext(ctx, schema)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state: init schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MarkComplete records filename as written for app/build.
func (s *Store) MarkComplete(ctx context.Context, app, build string, e Entry) error {
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now()
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO completed_files (app, build, filename, sha1, size, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (app, build, filename) DO UPDATE SET
			   sha1 = excluded.sha1, size = excluded.size, completed_at = excluded.completed_at`,
			app, build, e.Filename, e.SHA1, e.Size, e.CompletedAt.UTC().Format(time.RFC3339Nano))
		return err
	})
}

// Completed returns the recorded files of app/build keyed by filename.
func (s *Store) Completed(ctx context.Context, app, build string) (map[string]Entry, error) {
	out := make(map[string]Entry)
	err := retryOnBusy(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT filename, sha1, size, completed_at FROM completed_files WHERE app = ? AND build = ?`,
			app, build)
		if err != nil {
			return err
		}
		defer rows.Close()
		clear(out)
		for rows.Next() {
			var (
				e   Entry
				raw string
			)
			if err := rows.Scan(&e.Filename, &e.SHA1, &e.Size, &raw); err != nil {
				return err
			}
			if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				e.CompletedAt = ts
			}
			out[e.Filename] = e
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("state: list completed: %w", err)
	}
	return out, nil
}

// Reset forgets every file recorded for app. An empty build clears all builds.
func (s *Store) Reset(ctx context.Context, app, build string) error {
	return retryOnBusy(ctx, func() error {
		var err error
		if build == "" {
			_, err = s.db.ExecContext(ctx, `DELETE FROM completed_files WHERE app = ?`, app)
		} else {
			_, err = s.db.ExecContext(ctx, `DELETE FROM completed_files WHERE app = ? AND build = ?`, app, build)
		}
		return err
	})
}
