package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Options configures the progress reporter.
type Options struct {
	// Label names what is being installed (for display).
	Label string

	// TotalBytes is the number of bytes the writer will produce.
	TotalBytes int64

	// DownloadBytes is the compressed size of the chunks to download.
	DownloadBytes int64

	// TotalChunks is the number of chunks to download.
	TotalChunks int

	// TotalFiles is the number of files to write.
	TotalFiles int

	// Workers is the number of download workers.
	Workers int

	// Output is where to write progress output.
	// Default: os.Stdout
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration
}

// Stats is a point-in-time copy of the counters.
type Stats struct {
	WrittenBytes      int64
	DownloadedBytes   int64
	DecompressedBytes int64
	ChunksDone        int
	ChunksFailed      int
	FilesDone         int
	Elapsed           time.Duration
}

// Reporter outputs human-readable progress information.
type Reporter struct {
	opts Options

	mu                sync.Mutex
	writtenBytes      atomic.Int64
	downloadedBytes   atomic.Int64
	decompressedBytes atomic.Int64
	chunksDone        atomic.Int32
	chunksFailed      atomic.Int32
	inProgress        atomic.Int32
	filesDone         atomic.Int32
	startTime         time.Time
	lastUpdate        time.Time
	lastBytes         int64
	stopCh            chan struct{}
	doneCh            chan struct{}
	started           bool
	stopped           bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{
		opts:      opts,
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.startTime = time.Now()
	r.lastUpdate = r.startTime
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[vaultfetch] Installing: %s\n", r.opts.Label)
	fmt.Fprintf(r.opts.Output, "[vaultfetch] Install size: %s | Download: %s | Chunks: %d | Workers: %d\n",
		FormatBytes(r.opts.TotalBytes),
		FormatBytes(r.opts.DownloadBytes),
		r.opts.TotalChunks,
		r.opts.Workers,
	)

	go r.updateLoop()
}

// Stop stops the reporter and prints the final status once.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	close(r.stopCh)
	if started {
		<-r.doneCh
	}
}

// ChunkStarted marks a chunk download as in progress.
func (r *Reporter) ChunkStarted() {
	r.inProgress.Add(1)
}

// ChunkCompleted marks a chunk download as done.
func (r *Reporter) ChunkCompleted(downloaded, decompressed int64) {
	r.downloadedBytes.Add(downloaded)
	r.decompressedBytes.Add(decompressed)
	r.chunksDone.Add(1)
	r.inProgress.Add(-1)
}

// ChunkFailed marks a chunk download attempt round as failed.
func (r *Reporter) ChunkFailed() {
	r.chunksFailed.Add(1)
	r.inProgress.Add(-1)
}

// BytesWritten adds n bytes appended to destination files.
func (r *Reporter) BytesWritten(n int64) {
	r.writtenBytes.Add(n)
}

// FileCompleted marks one file as finished.
func (r *Reporter) FileCompleted() {
	r.filesDone.Add(1)
}

// Stats returns the current counters.
func (r *Reporter) Stats() Stats {
	r.mu.Lock()
	start := r.startTime
	r.mu.Unlock()
	return Stats{
		WrittenBytes:      r.writtenBytes.Load(),
		DownloadedBytes:   r.downloadedBytes.Load(),
		DecompressedBytes: r.decompressedBytes.Load(),
		ChunksDone:        int(r.chunksDone.Load()),
		ChunksFailed:      int(r.chunksFailed.Load()),
		FilesDone:         int(r.filesDone.Load()),
		Elapsed:           time.Since(start),
	}
}

func (r *Reporter) updateLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

func (r *Reporter) printProgress() {
	now := time.Now()
	written := r.writtenBytes.Load()

	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(written-r.lastBytes) / elapsed
	r.lastUpdate = now
	r.lastBytes = written

	var percent float64
	eta := "calculating..."
	if r.opts.TotalBytes > 0 {
		percent = float64(written) / float64(r.opts.TotalBytes) * 100
		if speed > 0 {
			remaining := float64(r.opts.TotalBytes - written)
			eta = formatDuration(time.Duration(remaining / speed * float64(time.Second)))
		}
	}

	fmt.Fprintf(r.opts.Output, "\r[vaultfetch] Progress: %.1f%% | %s / %s | Speed: %s/s | ETA: %s    ",
		percent,
		FormatBytes(written),
		FormatBytes(r.opts.TotalBytes),
		FormatBytes(int64(speed)),
		eta,
	)
	fmt.Fprintf(r.opts.Output, "\n[vaultfetch] Chunks: %d done | %d in-progress | %d failed | Files: %d / %d    \033[A",
		r.chunksDone.Load(),
		r.inProgress.Load(),
		r.chunksFailed.Load(),
		r.filesDone.Load(),
		r.opts.TotalFiles,
	)
}

func (r *Reporter) printFinalStatus() {
	s := r.Stats()
	avgSpeed := float64(s.WrittenBytes) / max(s.Elapsed.Seconds(), 0.001)

	fmt.Fprintf(r.opts.Output, "\r[vaultfetch] Written: %s / %s | Downloaded: %s    \n",
		FormatBytes(s.WrittenBytes),
		FormatBytes(r.opts.TotalBytes),
		FormatBytes(s.DownloadedBytes),
	)
	fmt.Fprintf(r.opts.Output, "[vaultfetch] Chunks: %d done | %d failed | Files: %d / %d    \n",
		s.ChunksDone,
		s.ChunksFailed,
		s.FilesDone,
		r.opts.TotalFiles,
	)
	fmt.Fprintf(r.opts.Output, "[vaultfetch] Total time: %s | Average speed: %s/s\n",
		formatDuration(s.Elapsed),
		FormatBytes(int64(avgSpeed)),
	)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes formats b with IEC units, e.g. "1.5 KiB".
func FormatBytes(b int64) string {
	if b < 0 {
		return "-" + humanize.IBytes(uint64(-b))
	}
	return humanize.IBytes(uint64(b))
}

// ParseBytes parses a human-readable size. IEC suffixes ("MiB") are powers
// of 1024, SI suffixes ("MB") powers of 1000.
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte string %q: %w", s, err)
	}
	if n > 1<<63-1 {
		return 0, fmt.Errorf("byte string %q overflows int64", s)
	}
	return int64(n), nil
}
