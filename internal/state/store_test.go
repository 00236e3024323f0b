package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "sub", "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMarkAndList(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	if err := s.MarkComplete(ctx, "app", "b1", Entry{Filename: "a.bin", SHA1: "aa", Size: 10}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := s.MarkComplete(ctx, "app", "b1", Entry{Filename: "b.bin", SHA1: "bb", Size: 20}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := s.MarkComplete(ctx, "app", "b2", Entry{Filename: "a.bin", SHA1: "cc", Size: 30}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	// Overwrite keeps one row.
	if err := s.MarkComplete(ctx, "app", "b1", Entry{Filename: "a.bin", SHA1: "dd", Size: 11}); err != nil {
		t.Fatalf("mark: %v", err)
	}

	got, err := s.Completed(ctx, "app", "b1")
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if e := got["a.bin"]; e.SHA1 != "dd" || e.Size != 11 {
		t.Errorf("expected updated entry, got %+v", e)
	}
	if got["b.bin"].CompletedAt.IsZero() {
		t.Error("expected completion time to be recorded")
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	s.MarkComplete(ctx, "app", "b1", Entry{Filename: "a", SHA1: "1"})
	s.MarkComplete(ctx, "app", "b2", Entry{Filename: "a", SHA1: "2"})
	s.MarkComplete(ctx, "other", "b1", Entry{Filename: "a", SHA1: "3"})

	if err := s.Reset(ctx, "app", "b1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got, _ := s.Completed(ctx, "app", "b1"); len(got) != 0 {
		t.Errorf("expected b1 cleared, got %v", got)
	}
	if got, _ := s.Completed(ctx, "app", "b2"); len(got) != 1 {
		t.Errorf("expected b2 kept, got %v", got)
	}

	if err := s.Reset(ctx, "app", ""); err != nil {
		t.Fatalf("reset all: %v", err)
	}
	if got, _ := s.Completed(ctx, "app", "b2"); len(got) != 0 {
		t.Errorf("expected all builds cleared, got %v", got)
	}
	if got, _ := s.Completed(ctx, "other", "b1"); len(got) != 1 {
		t.Errorf("expected other app untouched, got %v", got)
	}
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.MarkComplete(ctx, "app", "b", Entry{Filename: "x", SHA1: "ff", Size: 1, CompletedAt: time.Unix(100, 0)})
	s.Close()

	s, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Completed(ctx, "app", "b")
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if !got["x"].CompletedAt.Equal(time.Unix(100, 0)) {
		t.Errorf("expected stored timestamp, got %v", got["x"].CompletedAt)
	}
}

type busyErr struct{}

func (busyErr) Error() string { return "database is locked" }
func (busyErr) Code() int     { return sqliteBusyCode }

func TestRetryOnBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), func() error {
		calls++
		if calls < 3 {
			return busyErr{}
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("expected success after 3 calls, got %v after %d", err, calls)
	}

	calls = 0
	plain := errors.New("boom")
	err = retryOnBusy(context.Background(), func() error {
		calls++
		return plain
	})
	if !errors.Is(err, plain) || calls != 1 {
		t.Errorf("expected non-busy error without retry, got %v after %d", err, calls)
	}
}
