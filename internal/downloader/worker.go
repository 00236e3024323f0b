package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ligustah/vaultfetch/internal/logging"
	"github.com/ligustah/vaultfetch/internal/metrics"
	"github.com/ligustah/vaultfetch/internal/shm"
	"github.com/ligustah/vaultfetch/internal/task"
	"github.com/ligustah/vaultfetch/pkg/chunk"
)

// Fetcher retrieves the raw bytes of a chunk file.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// Options configures a download worker.
type Options struct {
	// MaxRetries is the number of attempts per task.
	// Default: 7
	MaxRetries int

	// PollInterval bounds each wait on the job queue.
	// Default: 7s
	PollInterval time.Duration

	// BackoffUnit is multiplied by 2^(attempt-1) between later retries.
	// Default: 1s
	BackoffUnit time.Duration

	// MaxBackoff caps a single backoff sleep. Zero means no cap.
	MaxBackoff time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:   7,
		PollInterval: 7 * time.Second,
		BackoffUnit:  time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.BackoffUnit <= 0 {
		o.BackoffUnit = def.BackoffUnit
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	return o
}

// BoundsError reports a chunk payload that does not fit its region. Size is
// the declared payload size, or the bytes decompressed before the limit hit.
type BoundsError struct {
	GUID   chunk.GUID
	Size   int64
	Region shm.Region
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("chunk %s: %d bytes do not fit region %s", e.GUID, e.Size, e.Region)
}

// ErrRetriesExhausted is wrapped by the error of a task whose attempts all failed.
var ErrRetriesExhausted = errors.New("downloader: retries exhausted")

// Worker downloads chunks into one attachment of the shared segment.
type Worker struct {
	id      int
	fetcher Fetcher
	jobs    *task.Queue
	results *task.Queue
	seg     *shm.Segment
	opts    Options
	log     *slog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorker creates a worker. The worker owns seg and closes it when Run returns.
func NewWorker(id int, fetcher Fetcher, jobs, results *task.Queue, seg *shm.Segment, opts Options) *Worker {
	opts = opts.withDefaults()
	return &Worker{
		id:      id,
		fetcher: fetcher,
		jobs:    jobs,
		results: results,
		seg:     seg,
		opts:    opts,
		log:     opts.Logger.With("worker", id),
		sleep:   sleepCtx,
	}
}

// Run processes tasks until a TerminateWorkerTask arrives or ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		if err := w.seg.Close(); err != nil {
			w.log.Warn("closing shared memory", "error", err)
		}
	}()

	empty := false
	for {
		msg, err := w.jobs.Get(ctx, w.opts.PollInterval)
		if errors.Is(err, task.ErrEmpty) {
			if !empty {
				w.log.Debug("queue empty")
				empty = true
			}
			continue
		}
		if err != nil {
			return err
		}
		empty = false

		switch t := msg.(type) {
		case task.TerminateWorkerTask:
			w.log.Debug("worker terminating")
			return nil
		case task.DownloaderTask:
			res := w.process(ctx, t)
			if err := w.results.Put(context.WithoutCancel(ctx), res); err != nil {
				return err
			}
		default:
			w.log.Warn("ignoring unexpected message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (w *Worker) process(ctx context.Context, t task.DownloaderTask) task.DownloaderTaskResult {
	res := task.DownloaderTaskResult{DownloaderTask: t}

	var (
		raw  []byte
		data []byte
		err  error
	)
	tries := 0
	for tries < w.opts.MaxRetries {
		tries++
		if tries > 1 {
			if err := w.sleep(ctx, w.backoff(tries-1)); err != nil {
				res.Err = fmt.Errorf("chunk %s: %w", t.GUID, err)
				return res
			}
		}

		start := time.Now()
		raw, data, err = w.attempt(ctx, t)
		if err == nil {
			w.opts.Metrics.DownloadAttempt(metrics.ResultOK, time.Since(start), int64(len(raw)), int64(len(data)))
			break
		}
		var be *BoundsError
		if errors.As(err, &be) {
			w.opts.Metrics.DownloadAttempt(metrics.ResultBounds, time.Since(start), 0, 0)
			w.log.Log(ctx, logging.LevelCritical, "chunk larger than shared memory region",
				"chunk", t.GUID, "size", be.Size, "region", t.Shm.String())
			res.Err = be
			return res
		}
		w.opts.Metrics.DownloadAttempt(metrics.ResultRetry, time.Since(start), 0, 0)
		w.log.Warn("chunk download failed", "chunk", t.GUID, "try", tries, "error", err)
	}
	if err != nil {
		w.opts.Metrics.DownloadAttempt(metrics.ResultExhausted, 0, 0, 0)
		w.log.Error("chunk download exhausted retries", "chunk", t.GUID, "tries", tries, "url", t.URL)
		res.Err = fmt.Errorf("chunk %s: %w: %w", t.GUID, ErrRetriesExhausted, err)
		return res
	}

	size := int64(len(data))
	dst, err := w.seg.Slice(t.Shm)
	if err != nil {
		w.log.Error("resolving shared memory region", "chunk", t.GUID, "error", err)
		res.Err = err
		return res
	}
	copy(dst, data)

	res.Success = true
	res.SizeDownloaded = int64(len(raw))
	res.SizeDecompressed = size
	return res
}

// attempt makes one fetch. The request is detached from ctx so a stop
// request does not cut it off mid-transfer.
func (w *Worker) attempt(ctx context.Context, t task.DownloaderTask) (raw, data []byte, err error) {
	w.opts.Metrics.Inflight(1)
	raw, err = w.fetcher.Fetch(context.WithoutCancel(ctx), t.URL)
	w.opts.Metrics.Inflight(-1)
	if err != nil {
		return nil, nil, err
	}

	c, err := chunk.Read(raw)
	if err != nil {
		return nil, nil, err
	}
	if !t.GUID.IsZero() && c.GUID != t.GUID {
		return nil, nil, fmt.Errorf("chunk: response carries guid %s", c.GUID)
	}
	// Decompression stops one byte past the region, so a payload that does
	// not fit is never held in full.
	data, err = c.DataLimit(t.Shm.Size)
	var se *chunk.DataSizeError
	if errors.As(err, &se) {
		return nil, nil, &BoundsError{GUID: t.GUID, Size: se.Size, Region: t.Shm}
	}
	if err != nil {
		return nil, nil, err
	}
	if err := c.Verify(); err != nil {
		return nil, nil, err
	}
	return raw, data, nil
}

// backoff returns the wait before the given retry. The first retry is immediate.
func (w *Worker) backoff(retry int) time.Duration {
	if retry <= 1 {
		return 0
	}
	d := w.opts.BackoffUnit * time.Duration(1<<(retry-1))
	if w.opts.MaxBackoff > 0 && d > w.opts.MaxBackoff {
		d = w.opts.MaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
