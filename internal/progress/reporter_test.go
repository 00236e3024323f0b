package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{9, "9 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		// One decimal below 10, none from 10 up, rounded half up.
		{10178, "9.9 KiB"},
		{10199, "10 KiB"},
		{10 * 1024, "10 KiB"},
		{1024*1024 - 1, "1024 KiB"},
		{1024 * 1024, "1.0 MiB"},
		{1 << 30, "1.0 GiB"},
		{5 << 40, "5.0 TiB"},
		{-1536, "-1.5 KiB"},
	}

	for _, tt := range tests {
		result := FormatBytes(tt.input)
		if result != tt.expected {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"0", 0},
		{"512MiB", 512 << 20},
		{"1.5 GiB", 1536 << 20},
		{"1gib", 1 << 30},
		{"2mi", 2 << 20},
		{"2m", 2 * 1000 * 1000},
		{"1,024 KiB", 1 << 20},
		{"1.5MB", 1500 * 1000},
		{"1 TB", 1000 * 1000 * 1000 * 1000},
	}

	for _, tt := range tests {
		result, err := ParseBytes(tt.input)
		if err != nil {
			t.Errorf("ParseBytes(%q): %v", tt.input, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("ParseBytes(%q) = %d, want %d", tt.input, result, tt.expected)
		}
	}
}

func TestParseBytesInvalid(t *testing.T) {
	for _, input := range []string{"", "invalid", "-1", "5 XB", "20 EiB", "18 EB"} {
		if _, err := ParseBytes(input); err == nil {
			t.Errorf("ParseBytes(%q): expected error", input)
		}
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, n := range []int64{1536, 1 << 20, 3 << 30} {
		got, err := ParseBytes(FormatBytes(n))
		if err != nil {
			t.Fatalf("ParseBytes(FormatBytes(%d)): %v", n, err)
		}
		if got != n {
			t.Errorf("expected %d after round trip through %q, got %d", n, FormatBytes(n), got)
		}
	}
}

func TestReporterTracking(t *testing.T) {
	reporter := NewReporter(Options{
		TotalBytes:     1024,
		TotalChunks:    4,
		Workers:        2,
		UpdateInterval: 100 * time.Millisecond,
	})

	reporter.ChunkStarted()
	if reporter.inProgress.Load() != 1 {
		t.Errorf("expected 1 in-progress, got %d", reporter.inProgress.Load())
	}

	reporter.ChunkCompleted(100, 256)
	reporter.BytesWritten(256)
	reporter.FileCompleted()
	if reporter.inProgress.Load() != 0 {
		t.Errorf("expected 0 in-progress after complete, got %d", reporter.inProgress.Load())
	}

	reporter.ChunkStarted()
	reporter.ChunkFailed()

	s := reporter.Stats()
	if s.ChunksDone != 1 || s.ChunksFailed != 1 {
		t.Errorf("expected 1 done and 1 failed, got %d and %d", s.ChunksDone, s.ChunksFailed)
	}
	if s.DownloadedBytes != 100 || s.DecompressedBytes != 256 || s.WrittenBytes != 256 {
		t.Errorf("unexpected byte counters: %+v", s)
	}
	if s.FilesDone != 1 {
		t.Errorf("expected 1 file, got %d", s.FilesDone)
	}
}

func TestReporterStartStop(t *testing.T) {
	var out bytes.Buffer
	reporter := NewReporter(Options{
		Label:          "Test 1.0",
		TotalBytes:     1024 * 1024,
		TotalChunks:    2,
		TotalFiles:     1,
		Workers:        2,
		UpdateInterval: 10 * time.Millisecond,
		Output:         &out,
	})

	reporter.Start()
	reporter.ChunkStarted()
	reporter.ChunkCompleted(1000, 512*1024)
	reporter.BytesWritten(512 * 1024)
	time.Sleep(50 * time.Millisecond)
	reporter.Stop()
	reporter.Stop()

	text := out.String()
	if !strings.Contains(text, "Installing: Test 1.0") {
		t.Errorf("expected header in output, got %q", text)
	}
	if !strings.Contains(text, "Written: 512 KiB / 1.0 MiB") {
		t.Errorf("expected final status in output, got %q", text)
	}
}
