package install

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ligustah/vaultfetch/internal/downloader"
	vfhttp "github.com/ligustah/vaultfetch/internal/http"
	"github.com/ligustah/vaultfetch/internal/logging"
	"github.com/ligustah/vaultfetch/internal/metrics"
	"github.com/ligustah/vaultfetch/internal/progress"
	"github.com/ligustah/vaultfetch/internal/shm"
	"github.com/ligustah/vaultfetch/internal/state"
	"github.com/ligustah/vaultfetch/internal/task"
	"github.com/ligustah/vaultfetch/internal/writer"
	"github.com/ligustah/vaultfetch/pkg/chunk"
	"github.com/ligustah/vaultfetch/pkg/chunkstore"
	"github.com/ligustah/vaultfetch/pkg/manifest"
)

// ErrChunkFailed is wrapped by Run errors for chunks that failed every attempt.
var ErrChunkFailed = errors.New("install: chunk download failed")

// writerQueueSize bounds the writer tasks in flight.
const writerQueueSize = 64

// Options configures an Installer.
type Options struct {
	InstallDir string
	CacheDir   string
	BaseURL    string

	// Workers is the number of download workers.
	// Default: 4
	Workers int

	// MaxSharedMemory caps the segment size.
	// Default: 1 GiB
	MaxSharedMemory int64

	// ShmDir is where the segment is created.
	// Default: shm.DefaultDir()
	ShmDir string

	InstallTags []string

	// ChunkAttempts is the number of times a failed download is queued,
	// each time with the worker's full retry budget.
	// Default: 3
	ChunkAttempts int

	Download downloader.Options
	HTTP     vfhttp.Options

	// Fetcher overrides the fetcher derived from BaseURL.
	Fetcher downloader.Fetcher

	// State records completed files for resuming. Optional.
	State *state.Store
	// Force ignores and clears the resume state.
	Force bool

	// Progress, when set, receives a progress display.
	Progress io.Writer

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// FileError reports the files that could not be written.
type FileError struct {
	Files map[string]error
}

func (e *FileError) Error() string {
	names := make([]string, 0, len(e.Files))
	for name := range e.Files {
		names = append(names, name)
	}
	return fmt.Sprintf("install: %d files failed: %s", len(names), strings.Join(names, ", "))
}

func (e *FileError) Unwrap() []error {
	errs := make([]error, 0, len(e.Files))
	for _, err := range e.Files {
		errs = append(errs, err)
	}
	return errs
}

// Installer installs one build.
type Installer struct {
	m    *manifest.Manifest
	old  *manifest.Manifest
	opts Options
	log  *slog.Logger
}

// New creates an installer for m. old is the manifest of the version
// currently in InstallDir and may be nil.
func New(m, old *manifest.Manifest, opts Options) (*Installer, error) {
	if m == nil {
		return nil, errors.New("install: manifest is required")
	}
	if opts.InstallDir == "" {
		return nil, errors.New("install: install dir is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxSharedMemory <= 0 {
		opts.MaxSharedMemory = 1 << 30
	}
	if opts.ShmDir == "" {
		opts.ShmDir = shm.DefaultDir()
	}
	if opts.ChunkAttempts <= 0 {
		opts.ChunkAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Installer{m: m, old: old, opts: opts, log: opts.Logger}, nil
}

// Plan computes the plan Run would execute.
func (i *Installer) Plan(ctx context.Context) (*Plan, error) {
	var completed map[string]state.Entry
	if i.opts.State != nil && !i.opts.Force {
		var err error
		completed, err = i.opts.State.Completed(ctx, i.m.Meta.AppName, i.m.Meta.BuildID)
		if err != nil {
			return nil, err
		}
	}
	return NewPlan(i.m, i.old, PlanOptions{
		InstallDir:      i.opts.InstallDir,
		CacheDir:        i.opts.CacheDir,
		BaseURL:         i.opts.BaseURL,
		InstallTags:     i.opts.InstallTags,
		Completed:       completed,
		MaxSharedMemory: i.opts.MaxSharedMemory,
		Logger:          i.log,
	})
}

// Run plans and executes the install. It returns the plan it ran.
func (i *Installer) Run(ctx context.Context) (*Plan, error) {
	if i.opts.State != nil && i.opts.Force {
		if err := i.opts.State.Reset(ctx, i.m.Meta.AppName, ""); err != nil {
			return nil, err
		}
	}
	plan, err := i.Plan(ctx)
	if err != nil {
		return nil, err
	}
	i.log.Info("install planned",
		"app", i.m.Meta.AppName,
		"build", i.m.Meta.BuildVersion,
		"files", len(plan.Files),
		"skipped", len(plan.Skipped),
		"removed", len(plan.Removed),
		"chunks", len(plan.Downloads),
		"download", progress.FormatBytes(plan.DownloadSize),
		"write", progress.FormatBytes(plan.WriteSize))
	if len(plan.Steps) == 0 {
		return plan, nil
	}
	return plan, i.Execute(ctx, plan)
}

// Execute runs a plan computed by Plan.
func (i *Installer) Execute(ctx context.Context, plan *Plan) error {
	r := &run{
		inst:     i,
		plan:     plan,
		log:      i.log,
		attempts: make([]int, len(plan.Downloads)),
		done:     make([]bool, len(plan.Downloads)),
		slotOf:   make([]int, len(plan.Downloads)),
		index:    make(map[chunk.GUID]int, len(plan.Downloads)),
		failed:   make(map[string]error),
	}
	for n, d := range plan.Downloads {
		r.index[d.Chunk.GUID] = n
		r.slotOf[n] = -1
	}
	return r.execute(ctx)
}

// run is the state of one Execute call. Only the dispatcher goroutine
// touches it.
type run struct {
	inst *Installer
	plan *Plan
	log  *slog.Logger

	seg      *shm.Segment
	slots    []shm.Region
	free     []int
	pool     *downloader.Pool
	jobs     *task.Queue
	dlRes    *task.Queue
	wTasks   *task.Queue
	wRes     *task.Queue
	wDone    chan error
	reporter *progress.Reporter

	nextDownload int
	dlInflight   int
	attempts     []int
	done         []bool
	slotOf       []int
	index        map[chunk.GUID]int

	nextStep  int
	stepsDone int
	failed    map[string]error
}

func (r *run) execute(ctx context.Context) error {
	opts := r.inst.opts
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	segName := ""
	if len(r.plan.Downloads) > 0 {
		segName = "vaultfetch-" + uuid.NewString()
		seg, err := shm.Create(opts.ShmDir, segName, r.plan.SegmentSize())
		if err != nil {
			return fmt.Errorf("install: create shared memory: %w", err)
		}
		r.seg = seg
		defer func() {
			seg.Close()
			if err := seg.Unlink(); err != nil {
				r.log.Warn("failed to unlink shared memory", "name", segName, "error", err)
			}
		}()
		r.slots = seg.Slots(r.plan.SlotSize)
		for n := len(r.slots) - 1; n >= 0; n-- {
			r.free = append(r.free, n)
		}
	}

	// The writer attaches its own handle and closes it on exit.
	var wseg *shm.Segment
	if r.seg != nil {
		var err error
		if wseg, err = shm.Attach(opts.ShmDir, segName); err != nil {
			return fmt.Errorf("install: attach shared memory: %w", err)
		}
	}
	r.wTasks = task.NewQueue(writerQueueSize)
	r.wRes = task.NewQueue(writerQueueSize + 1)
	w := writer.New(r.wTasks, r.wRes, wseg, writer.Options{
		BaseDir:      opts.InstallDir,
		CacheDir:     opts.CacheDir,
		PollInterval: opts.Download.PollInterval,
		Logger:       r.log.With("component", "writer"),
		Metrics:      opts.Metrics,
	})
	r.wDone = make(chan error, 1)
	go func() { r.wDone <- w.Run(runCtx) }()

	if len(r.plan.Downloads) > 0 {
		fetcher, closeFetcher, err := r.fetcher(ctx)
		if err != nil {
			cancel()
			<-r.wDone
			return err
		}
		defer closeFetcher()

		// Downloads in flight never exceed the slot count, so neither queue
		// blocks a worker.
		r.jobs = task.NewQueue(len(r.slots) + opts.Workers)
		r.dlRes = task.NewQueue(len(r.slots) + opts.Workers)
		dopts := opts.Download
		dopts.Logger = r.log
		dopts.Metrics = opts.Metrics
		workers := min(opts.Workers, len(r.plan.Downloads))
		pool, err := downloader.NewPool(workers, fetcher, r.jobs, r.dlRes, opts.ShmDir, segName, dopts)
		if err != nil {
			cancel()
			<-r.wDone
			return fmt.Errorf("install: start workers: %w", err)
		}
		r.pool = pool
		pool.Start(runCtx)
	}

	if opts.Progress != nil {
		r.reporter = progress.NewReporter(progress.Options{
			Label:         r.inst.m.Meta.AppName + " " + r.inst.m.Meta.BuildVersion,
			TotalBytes:    r.plan.WriteSize,
			DownloadBytes: r.plan.DownloadSize,
			TotalChunks:   len(r.plan.Downloads),
			TotalFiles:    len(r.plan.Files),
			Workers:       opts.Workers,
			Output:        opts.Progress,
		})
		r.reporter.Start()
		defer r.reporter.Stop()
	}

	err := r.loop(ctx)
	if err != nil {
		cancel()
		if r.pool != nil {
			if perr := r.pool.Wait(); perr != nil {
				r.log.Warn("download workers stopped with errors", "error", perr)
			}
		}
		<-r.wDone
		return err
	}
	return r.shutdown(ctx)
}

func (r *run) fetcher(ctx context.Context) (downloader.Fetcher, func(), error) {
	opts := r.inst.opts
	if opts.Fetcher != nil {
		return opts.Fetcher, func() {}, nil
	}
	if chunkstore.IsBucketURL(opts.BaseURL) {
		store, err := chunkstore.Open(ctx, opts.BaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	if opts.BaseURL == "" {
		return nil, nil, errors.New("install: base url is required to download chunks")
	}
	return vfhttp.NewClient(opts.HTTP), func() {}, nil
}

// loop dispatches work until every step has been answered.
func (r *run) loop(ctx context.Context) error {
	for {
		if err := r.feedDownloads(ctx); err != nil {
			return err
		}
		if err := r.feedWriter(ctx); err != nil {
			return err
		}
		if r.stepsDone == len(r.plan.Steps) {
			break
		}

		var dlC <-chan task.Message
		if r.dlRes != nil {
			dlC = r.dlRes.C()
		}
		select {
		case msg := <-dlC:
			if res, ok := msg.(task.DownloaderTaskResult); ok {
				if err := r.onDownload(ctx, res); err != nil {
					return err
				}
			}
		case msg := <-r.wRes.C():
			if res, ok := msg.(task.WriterTaskResult); ok {
				r.onWrite(ctx, res)
			}
		case err := <-r.wDone:
			if err == nil {
				err = errors.New("install: writer exited early")
			}
			r.wDone <- err
			return fmt.Errorf("install: writer: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if len(r.failed) > 0 {
		return &FileError{Files: r.failed}
	}
	return nil
}

func (r *run) feedDownloads(ctx context.Context) error {
	for r.nextDownload < len(r.plan.Downloads) && len(r.free) > 0 {
		n := r.nextDownload
		slot := r.free[len(r.free)-1]
		r.free = r.free[:len(r.free)-1]
		r.slotOf[n] = slot
		r.nextDownload++
		if err := r.enqueueDownload(ctx, n); err != nil {
			return err
		}
	}
	r.inst.opts.Metrics.SlotsInUse(len(r.slots) - len(r.free))
	return nil
}

func (r *run) enqueueDownload(ctx context.Context, n int) error {
	d := r.plan.Downloads[n]
	r.attempts[n]++
	r.dlInflight++
	if r.reporter != nil {
		r.reporter.ChunkStarted()
	}
	return r.jobs.Put(ctx, task.DownloaderTask{
		URL:  d.URL,
		GUID: d.Chunk.GUID,
		Shm:  r.slots[r.slotOf[n]],
	})
}

// feedWriter sends steps in order until one waits for a download.
func (r *run) feedWriter(ctx context.Context) error {
	for r.nextStep < len(r.plan.Steps) && r.nextStep-r.stepsDone < writerQueueSize {
		s := r.plan.Steps[r.nextStep]
		if s.Barrier {
			if r.stepsDone < r.nextStep {
				return nil
			}
			if _, bad := r.failed[s.File]; bad {
				r.log.Debug("skipping step of failed file", "file", s.File, "task", s.Task.Flags.String())
				r.nextStep++
				r.stepsDone++
				continue
			}
		}
		t := s.Task
		if s.Download >= 0 {
			if !r.done[s.Download] {
				return nil
			}
			region := r.slots[r.slotOf[s.Download]]
			t.SharedMemory = &region
		}
		if err := r.wTasks.Put(ctx, t); err != nil {
			return err
		}
		r.nextStep++
	}
	return nil
}

func (r *run) onDownload(ctx context.Context, res task.DownloaderTaskResult) error {
	r.dlInflight--
	n, ok := r.index[res.GUID]
	if !ok {
		r.log.Warn("result for unknown chunk", "guid", res.GUID)
		return nil
	}
	if res.Success {
		r.done[n] = true
		if r.reporter != nil {
			r.reporter.ChunkCompleted(res.SizeDownloaded, res.SizeDecompressed)
		}
		return nil
	}

	if r.reporter != nil {
		r.reporter.ChunkFailed()
	}
	var bounds *downloader.BoundsError
	if errors.As(res.Err, &bounds) || r.attempts[n] >= r.inst.opts.ChunkAttempts {
		return fmt.Errorf("%w: %s after %d attempts: %w", ErrChunkFailed, res.GUID, r.attempts[n], res.Err)
	}
	r.log.Warn("requeueing chunk", "guid", res.GUID, "attempt", r.attempts[n], "error", res.Err)
	return r.enqueueDownload(ctx, n)
}

func (r *run) onWrite(ctx context.Context, res task.WriterTaskResult) {
	s := r.plan.Steps[r.stepsDone]
	r.stepsDone++

	if s.Download >= 0 && res.Flags.Has(task.ReleaseMemory) {
		r.free = append(r.free, r.slotOf[s.Download])
		r.slotOf[s.Download] = -1
	}
	if !res.Success {
		if _, seen := r.failed[s.File]; !seen {
			r.log.Error("file failed", "file", s.File, "task", res.Flags.String(), "error", res.Err)
			r.failed[s.File] = res.Err
		}
		return
	}
	if r.reporter != nil && res.Size > 0 && s.Task.ChunkSize > 0 {
		r.reporter.BytesWritten(res.Size)
	}
	if !s.Completes {
		return
	}
	if _, bad := r.failed[s.File]; bad {
		return
	}
	if r.reporter != nil {
		r.reporter.FileCompleted()
	}

	store := r.inst.opts.State
	if store == nil || s.Task.Flags.Has(task.DeleteFile) && !s.Task.Flags.Has(task.RenameFile) {
		return
	}
	f := r.plan.Manifest.File(s.File)
	if f == nil {
		return
	}
	err := store.MarkComplete(ctx, r.plan.Manifest.Meta.AppName, r.plan.Manifest.Meta.BuildID, state.Entry{
		Filename: f.Filename,
		SHA1:     hex.EncodeToString(f.Hash[:]),
		Size:     f.FileSize,
	})
	if err != nil {
		r.log.Warn("failed to record completed file", "file", f.Filename, "error", err)
	}
}

// shutdown stops the workers, then the writer, and waits for its echo.
func (r *run) shutdown(ctx context.Context) error {
	stopCtx := context.WithoutCancel(ctx)
	var errs []error
	if r.pool != nil {
		if err := r.pool.Stop(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("install: download workers: %w", err))
		}
	}
	if err := r.wTasks.Put(stopCtx, task.TerminateWorkerTask{}); err != nil {
		errs = append(errs, err)
	}

	timeout := r.inst.opts.Download.PollInterval
	if timeout <= 0 {
		timeout = 7 * time.Second
	}
	for {
		msg, err := r.wRes.Get(stopCtx, timeout)
		if errors.Is(err, task.ErrEmpty) {
			select {
			case werr := <-r.wDone:
				r.wDone <- werr
				errs = append(errs, fmt.Errorf("install: writer exited without terminating: %v", werr))
				return errors.Join(errs...)
			default:
				continue
			}
		}
		if err != nil {
			errs = append(errs, err)
			break
		}
		if _, ok := msg.(task.TerminateWorkerTask); ok {
			break
		}
	}
	if err := <-r.wDone; err != nil {
		errs = append(errs, fmt.Errorf("install: writer: %w", err))
	}
	return errors.Join(errs...)
}
