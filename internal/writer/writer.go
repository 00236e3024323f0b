package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/ligustah/vaultfetch/internal/logging"
	"github.com/ligustah/vaultfetch/internal/metrics"
	"github.com/ligustah/vaultfetch/internal/shm"
	"github.com/ligustah/vaultfetch/internal/task"
)

// LockName is the lock file created in the install directory while a writer runs.
const LockName = ".vaultfetch.lock"

var (
	// ErrLocked is returned by Run when another writer holds the install directory.
	ErrLocked = errors.New("writer: install directory is locked by another process")
	// ErrNoOpenFile is reported for data-copy tasks with no open destination.
	ErrNoOpenFile = errors.New("writer: no open file")
	// ErrSource is reported for data-copy tasks without exactly one source.
	ErrSource = errors.New("writer: data-copy task needs exactly one source")
	// ErrRange is reported for data-copy tasks with a negative offset or size.
	ErrRange = errors.New("writer: negative chunk range")
	// ErrPath is reported for names that escape their base directory.
	ErrPath = errors.New("writer: path escapes base directory")
)

// Options configures the writer.
type Options struct {
	// BaseDir is the destination tree. Filename and OldFile are relative to it.
	BaseDir string
	// CacheDir holds local chunk files. CacheFile is relative to it.
	CacheDir string

	// PollInterval bounds each wait on the task queue.
	// Default: 7s
	PollInterval time.Duration

	// NoLock skips the install directory lock.
	NoLock bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Writer applies WriterTasks to the destination tree.
type Writer struct {
	tasks   *task.Queue
	results *task.Queue
	seg     *shm.Segment
	opts    Options
	log     *slog.Logger

	current     *os.File
	currentName string

	// copyFn is replaced in tests.
	copyFn func(t task.WriterTask) (int64, error)
}

// New creates a writer. seg may be nil when no task reads shared memory;
// the writer owns it and closes it when Run returns.
func New(tasks, results *task.Queue, seg *shm.Segment, opts Options) *Writer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 7 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	w := &Writer{
		tasks:   tasks,
		results: results,
		seg:     seg,
		opts:    opts,
		log:     opts.Logger,
	}
	w.copyFn = w.copyData
	return w
}

// Run processes tasks until a TerminateWorkerTask arrives or ctx is done.
func (w *Writer) Run(ctx context.Context) error {
	if w.seg != nil {
		defer w.seg.Close()
	}
	if err := os.MkdirAll(w.opts.BaseDir, 0o755); err != nil {
		return fmt.Errorf("writer: create base dir: %w", err)
	}
	if !w.opts.NoLock {
		lock := flock.New(filepath.Join(w.opts.BaseDir, LockName))
		ok, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("writer: acquire lock: %w", err)
		}
		if !ok {
			return ErrLocked
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				w.log.Warn("failed to release install lock", "error", err)
			}
			os.Remove(lock.Path())
		}()
	}
	defer w.closeCurrent()

	for {
		msg, err := w.tasks.Get(ctx, w.opts.PollInterval)
		if errors.Is(err, task.ErrEmpty) {
			continue
		}
		if err != nil {
			return err
		}

		switch t := msg.(type) {
		case task.TerminateWorkerTask:
			w.closeCurrent()
			w.log.Debug("writer terminating")
			return w.results.Put(context.WithoutCancel(ctx), task.TerminateWorkerTask{})
		case task.WriterTask:
			res := w.handle(t)
			if err := w.results.Put(context.WithoutCancel(ctx), res); err != nil {
				return err
			}
		default:
			w.log.Warn("ignoring unexpected message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

// handle runs one task. A panic, or the failure of any task other than a data
// copy, becomes a failed result and force-closes the open file.
func (w *Writer) handle(t task.WriterTask) (res task.WriterTaskResult) {
	op := operation(t.Flags)
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("writer task panicked", "file", t.Filename, "flags", t.Flags.String(), "panic", r)
			w.closeCurrent()
			res = task.WriterTaskResult{WriterTask: t, Size: t.ChunkSize, Err: fmt.Errorf("writer: panic: %v", r)}
		}
		w.opts.Metrics.WriterTask(op, res.Success, res.Size)
	}()

	res = task.WriterTaskResult{WriterTask: t}
	err := w.apply(op, t, &res)
	if err != nil {
		if op != "copy" && w.current != nil {
			w.log.Warn("force-closing file after failed task", "file", w.currentName, "task", op)
			w.closeCurrent()
		}
		res.Success = false
		res.Err = err
		return res
	}
	res.Success = true
	return res
}

func operation(f task.Flags) string {
	switch {
	case f.Has(task.CreateEmptyFile):
		return "create_empty"
	case f.Has(task.OpenFile):
		return "open"
	case f.Has(task.CloseFile):
		return "close"
	case f.Has(task.RenameFile):
		return "rename"
	case f.Has(task.DeleteFile):
		return "delete"
	case f.Has(task.MakeExecutable):
		return "chmod"
	default:
		return "copy"
	}
}

func (w *Writer) apply(op string, t task.WriterTask, res *task.WriterTaskResult) error {
	switch op {
	case "create_empty":
		return w.createEmpty(t)
	case "open":
		return w.open(t)
	case "close":
		if w.current == nil {
			w.log.Warn("close requested with no open file", "file", t.Filename)
			return nil
		}
		return w.closeFile()
	case "rename":
		return w.rename(t)
	case "delete":
		w.closeBefore(op)
		path, err := w.destPath(t.Filename)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) && !t.Flags.Has(task.Silent) {
			w.log.Error("deleting file", "file", t.Filename, "error", err)
		}
		return nil
	case "chmod":
		w.closeBefore(op)
		if err := w.makeExecutable(t); err != nil && !t.Flags.Has(task.Silent) {
			w.log.Error("making file executable", "file", t.Filename, "error", err)
		}
		return nil
	default:
		n, err := w.copyFn(t)
		res.Size = n
		if err != nil {
			res.Size = t.ChunkSize
			w.log.Error("writing chunk data", "file", w.currentName, "chunk", t.ChunkGUID, "error", err)
		}
		return err
	}
}

func (w *Writer) createEmpty(t task.WriterTask) error {
	path, err := w.destPath(t.Filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (w *Writer) open(t task.WriterTask) error {
	if w.current != nil {
		w.log.Warn("opening a file while another is open", "open", w.currentName, "file", t.Filename)
		w.closeCurrent()
	}
	path, err := w.destPath(t.Filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.current = f
	w.currentName = t.Filename
	return nil
}

func (w *Writer) rename(t task.WriterTask) error {
	w.closeBefore("rename")
	dst, err := w.destPath(t.Filename)
	if err != nil {
		return err
	}
	src, err := w.destPath(t.OldFile)
	if err != nil {
		return err
	}
	if t.Flags.Has(task.DeleteFile) {
		if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
			w.log.Error("removing rename target", "file", t.Filename, "error", err)
			return err
		}
	}
	if err := os.Rename(src, dst); err != nil {
		w.log.Error("renaming file", "from", t.OldFile, "to", t.Filename, "error", err)
		return err
	}
	return nil
}

func (w *Writer) makeExecutable(t task.WriterTask) error {
	path, err := w.destPath(t.Filename)
	if err != nil {
		return err
	}
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, st.Mode().Perm()|0o111)
}

func (w *Writer) copyData(t task.WriterTask) (int64, error) {
	if w.current == nil {
		return 0, ErrNoOpenFile
	}
	sources := 0
	if t.SharedMemory != nil {
		sources++
	}
	if t.CacheFile != "" {
		sources++
	}
	if t.OldFile != "" {
		sources++
	}
	if sources != 1 {
		return 0, ErrSource
	}

	switch {
	case t.SharedMemory != nil:
		return w.copyShared(t)
	case t.CacheFile != "":
		path, err := localPath(w.opts.CacheDir, t.CacheFile)
		if err != nil {
			return 0, err
		}
		return w.copyFile(path, t.ChunkOffset, t.ChunkSize)
	default:
		path, err := w.destPath(t.OldFile)
		if err != nil {
			return 0, err
		}
		return w.copyFile(path, t.ChunkOffset, t.ChunkSize)
	}
}

// copyShared copies [ChunkOffset, ChunkOffset+ChunkSize) of the task's region.
func (w *Writer) copyShared(t task.WriterTask) (int64, error) {
	if w.seg == nil {
		return 0, fmt.Errorf("writer: task references shared memory but none is attached")
	}
	region := *t.SharedMemory
	if t.ChunkOffset < 0 || t.ChunkSize < 0 || t.ChunkOffset+t.ChunkSize > region.Size {
		return 0, fmt.Errorf("%w: %d+%d outside %s", shm.ErrOutOfBounds, t.ChunkOffset, t.ChunkSize, region)
	}
	view, err := w.seg.Slice(shm.Region{Offset: region.Offset + t.ChunkOffset, Size: t.ChunkSize})
	if err != nil {
		return 0, err
	}
	n, err := w.current.Write(view)
	return int64(n), err
}

func (w *Writer) copyFile(path string, offset, size int64) (int64, error) {
	if offset < 0 || size < 0 {
		return 0, fmt.Errorf("%w: offset %d size %d", ErrRange, offset, size)
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if offset != 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return 0, err
		}
	}
	n, err := io.CopyN(w.current, f, size)
	if errors.Is(err, io.EOF) {
		err = fmt.Errorf("writer: %s: short read, %d of %d bytes: %w", filepath.Base(path), n, size, io.ErrUnexpectedEOF)
	}
	return n, err
}

func (w *Writer) destPath(name string) (string, error) {
	return localPath(w.opts.BaseDir, name)
}

func localPath(base, name string) (string, error) {
	rel := filepath.FromSlash(name)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrPath, name)
	}
	return filepath.Join(base, rel), nil
}

// closeBefore closes a file left open before a non-copy operation.
func (w *Writer) closeBefore(op string) {
	if w.current == nil {
		return
	}
	w.log.Warn("closing open file before "+op, "file", w.currentName)
	w.closeCurrent()
}

func (w *Writer) closeFile() error {
	err := w.current.Close()
	w.current = nil
	w.currentName = ""
	return err
}

func (w *Writer) closeCurrent() {
	if w.current == nil {
		return
	}
	if err := w.closeFile(); err != nil {
		w.log.Warn("closing file", "error", err)
	}
}
