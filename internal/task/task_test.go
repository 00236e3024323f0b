package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFlagsString(t *testing.T) {
	tests := []struct {
		flags Flags
		want  string
	}{
		{None, "NONE"},
		{OpenFile, "OPEN_FILE"},
		{RenameFile | DeleteFile, "DELETE_FILE|RENAME_FILE"},
		{DeleteFile | Silent, "DELETE_FILE|SILENT"},
		{Flags(1 << 9), "0x200"},
	}
	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
	if !(RenameFile | DeleteFile).Has(RenameFile) {
		t.Error("expected RENAME_FILE to be set")
	}
	if (OpenFile).Has(OpenFile | Silent) {
		t.Error("Has must require every bit")
	}
}

func TestQueueGetTimeout(t *testing.T) {
	q := NewQueue(1)
	start := time.Now()
	_, err := q.Get(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Get returned before the timeout")
	}
}

func TestQueueCancel(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Get(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	q.TryPut(TerminateWorkerTask{})
	if err := q.Put(ctx, TerminateWorkerTask{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected Put on a full queue to fail with context.Canceled, got %v", err)
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(8)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := q.Put(ctx, WriterTask{ChunkSize: int64(i)}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if q.Len() != 5 {
		t.Errorf("expected 5 queued, got %d", q.Len())
	}
	for i := 0; i < 5; i++ {
		m, err := q.Get(ctx, time.Second)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got := m.(WriterTask).ChunkSize; got != int64(i) {
			t.Errorf("expected task %d, got %d", i, got)
		}
	}
}

func TestQueueConcurrent(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()
	const producers, perProducer = 4, 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Put(ctx, DownloaderTask{})
			}
		}()
	}

	var mu sync.Mutex
	received := 0
	var cwg sync.WaitGroup
	for c := 0; c < 3; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				m, err := q.Get(ctx, 100*time.Millisecond)
				if errors.Is(err, ErrEmpty) {
					return
				}
				if _, ok := m.(DownloaderTask); !ok {
					t.Errorf("unexpected message %T", m)
				}
				mu.Lock()
				received++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	cwg.Wait()

	if received != producers*perProducer {
		t.Errorf("expected %d messages, got %d", producers*perProducer, received)
	}
}
