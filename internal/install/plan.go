package install

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ligustah/vaultfetch/internal/logging"
	"github.com/ligustah/vaultfetch/internal/state"
	"github.com/ligustah/vaultfetch/internal/task"
	"github.com/ligustah/vaultfetch/pkg/chunk"
	"github.com/ligustah/vaultfetch/pkg/chunkstore"
	"github.com/ligustah/vaultfetch/pkg/manifest"
)

// TempSuffix is appended to files rebuilt next to an existing version.
const TempSuffix = ".tmp"

// ErrInsufficientMemory is returned when the chunks a plan keeps live at once
// do not fit in the shared memory budget.
var ErrInsufficientMemory = errors.New("install: insufficient shared memory")

// PlanOptions configures Plan.
type PlanOptions struct {
	// InstallDir is the destination tree. It is inspected for existing files.
	InstallDir string
	// CacheDir holds decompressed chunk payloads named by
	// chunkstore.CacheFileName. Chunks found there are not downloaded.
	CacheDir string
	// BaseURL is joined with chunk paths. A bucket URL yields bare chunk
	// paths for a chunkstore fetcher.
	BaseURL string

	// InstallTags selects files. Nil selects every file.
	InstallTags []string

	// Completed lists files already written by an earlier run of this build.
	Completed map[string]state.Entry

	// MaxSharedMemory caps the segment size.
	// Default: 1 GiB
	MaxSharedMemory int64

	Logger *slog.Logger
}

// Step is one writer task of a plan.
type Step struct {
	Task task.WriterTask
	// File is the manifest filename the step belongs to.
	File string
	// Download indexes Plan.Downloads for steps copying from shared memory
	// and is -1 otherwise.
	Download int
	// Completes marks the last step of File.
	Completes bool
	// Barrier holds the step until every earlier step is answered. It is
	// dropped when File already failed.
	Barrier bool
}

// Download is one chunk fetched into shared memory.
type Download struct {
	Chunk *manifest.ChunkInfo
	URL   string
	// FirstUse and LastUse index the steps reading the chunk.
	FirstUse int
	LastUse  int
}

// Plan is the ordered work of one install.
type Plan struct {
	Manifest *manifest.Manifest
	Old      *manifest.Manifest

	Steps     []Step
	Downloads []Download

	// Files are the files written, in step order.
	Files []*manifest.FileManifest
	// Removed are files of the old version deleted by the plan.
	Removed []string
	// Skipped are files left in place (unchanged or already completed).
	Skipped []string

	// WriteSize is the number of bytes the writer copies.
	WriteSize int64
	// DownloadSize is the compressed size of all downloads.
	DownloadSize int64

	// SlotSize is the shared memory reserved per chunk.
	SlotSize int64
	// PeakLive is the largest number of chunks held at once.
	PeakLive int
	// Slots is the number of slots the segment provides.
	Slots int
}

// SegmentSize returns the size of the shared memory segment the plan needs.
func (p *Plan) SegmentSize() int64 {
	return int64(p.Slots) * p.SlotSize
}

type partKey struct {
	guid   chunk.GUID
	offset uint32
	size   uint32
}

type planner struct {
	opts PlanOptions
	log  *slog.Logger
	plan *Plan

	downloads map[chunk.GUID]int
}

// NewPlan builds the install plan of m. old is the manifest of the version
// currently in InstallDir and may be nil.
func NewPlan(m, old *manifest.Manifest, opts PlanOptions) (*Plan, error) {
	if opts.MaxSharedMemory <= 0 {
		opts.MaxSharedMemory = 1 << 30
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	p := &planner{
		opts:      opts,
		log:       opts.Logger,
		plan:      &Plan{Manifest: m, Old: old},
		downloads: make(map[chunk.GUID]int),
	}

	cmp := manifest.Compare(m, old)
	unchanged := make(map[string]bool, len(cmp.Unchanged))
	for _, name := range cmp.Unchanged {
		unchanged[name] = true
	}

	chunks := m.Chunks()
	for _, f := range m.FilterByTags(opts.InstallTags) {
		if f.SymlinkTarget != "" {
			p.log.Warn("skipping symlink", "file", f.Filename, "target", f.SymlinkTarget)
			continue
		}
		if p.inPlace(f, unchanged[f.Filename]) {
			p.plan.Skipped = append(p.plan.Skipped, f.Filename)
			continue
		}
		var of *manifest.FileManifest
		if old != nil {
			of = old.File(f.Filename)
		}
		if err := p.addFile(f, of, chunks); err != nil {
			return nil, err
		}
	}

	for _, name := range cmp.Removed {
		p.add(Step{
			Task:      task.WriterTask{Filename: name, Flags: task.DeleteFile | task.Silent},
			File:      name,
			Download:  -1,
			Completes: true,
		})
		p.plan.Removed = append(p.plan.Removed, name)
	}

	p.markReleases()
	if err := p.analyze(); err != nil {
		return nil, err
	}
	return p.plan, nil
}

// inPlace reports whether f can be left as it is on disk.
func (p *planner) inPlace(f *manifest.FileManifest, unchanged bool) bool {
	if size, ok := p.diskSize(f.Filename); !ok || size != f.FileSize {
		return false
	}
	if unchanged {
		return true
	}
	e, ok := p.opts.Completed[f.Filename]
	return ok && e.Size == f.FileSize && e.SHA1 == hex.EncodeToString(f.Hash[:])
}

func (p *planner) diskSize(name string) (int64, bool) {
	fi, err := os.Stat(filepath.Join(p.opts.InstallDir, filepath.FromSlash(name)))
	if err != nil || !fi.Mode().IsRegular() {
		return 0, false
	}
	return fi.Size(), true
}

func (p *planner) addFile(f, old *manifest.FileManifest, chunks map[chunk.GUID]*manifest.ChunkInfo) error {
	p.plan.Files = append(p.plan.Files, f)

	if f.FileSize == 0 {
		p.add(Step{
			Task:      task.WriterTask{Filename: f.Filename, Flags: task.CreateEmptyFile},
			File:      f.Filename,
			Download:  -1,
			Completes: !f.Executable(),
		})
		p.addExecutable(f)
		return nil
	}

	// Rebuild next to the installed version when its parts can be reused.
	oldParts := make(map[partKey]int64)
	if old != nil {
		if size, ok := p.diskSize(old.Filename); ok && size == old.FileSize {
			for _, op := range old.ChunkParts {
				oldParts[partKey{op.GUID, op.Offset, op.Size}] = op.FileOffset
			}
		}
	}
	target := f.Filename
	if len(oldParts) > 0 {
		target = f.Filename + TempSuffix
	}

	p.add(Step{Task: task.WriterTask{Filename: target, Flags: task.OpenFile}, File: f.Filename, Download: -1})
	for _, part := range f.ChunkParts {
		t := task.WriterTask{
			Filename:    target,
			ChunkOffset: int64(part.Offset),
			ChunkSize:   int64(part.Size),
			ChunkGUID:   part.GUID,
		}
		step := Step{Task: t, File: f.Filename, Download: -1}
		if off, ok := oldParts[partKey{part.GUID, part.Offset, part.Size}]; ok {
			step.Task.OldFile = f.Filename
			step.Task.ChunkOffset = off
		} else if name, ok := p.cached(part.GUID); ok {
			step.Task.CacheFile = name
		} else {
			c, ok := chunks[part.GUID]
			if !ok {
				return fmt.Errorf("install: %s: %w %s", f.Filename, manifest.ErrUnknownChunk, part.GUID)
			}
			step.Download = p.use(c)
		}
		p.plan.WriteSize += int64(part.Size)
		p.add(step)
	}
	p.add(Step{Task: task.WriterTask{Filename: target, Flags: task.CloseFile}, File: f.Filename, Download: -1})

	if target != f.Filename {
		p.add(Step{
			Task:     task.WriterTask{Filename: f.Filename, OldFile: target, Flags: task.RenameFile | task.DeleteFile},
			File:     f.Filename,
			Download: -1,
			Barrier:  true,
		})
	}
	if !p.addExecutable(f) {
		p.plan.Steps[len(p.plan.Steps)-1].Completes = true
	}
	return nil
}

func (p *planner) addExecutable(f *manifest.FileManifest) bool {
	if !f.Executable() {
		return false
	}
	p.add(Step{
		Task:      task.WriterTask{Filename: f.Filename, Flags: task.MakeExecutable},
		File:      f.Filename,
		Download:  -1,
		Completes: true,
	})
	return true
}

func (p *planner) cached(g chunk.GUID) (string, bool) {
	if p.opts.CacheDir == "" {
		return "", false
	}
	name := chunkstore.CacheFileName(g)
	if _, err := os.Stat(filepath.Join(p.opts.CacheDir, name)); err != nil {
		return "", false
	}
	return name, true
}

// use registers a read of c by the next step and returns its download index.
func (p *planner) use(c *manifest.ChunkInfo) int {
	next := len(p.plan.Steps)
	if i, ok := p.downloads[c.GUID]; ok {
		p.plan.Downloads[i].LastUse = next
		return i
	}
	url := p.plan.Manifest.ChunkPath(c)
	if p.opts.BaseURL != "" && !chunkstore.IsBucketURL(p.opts.BaseURL) {
		url = p.plan.Manifest.ChunkURL(p.opts.BaseURL, c)
	}
	i := len(p.plan.Downloads)
	p.plan.Downloads = append(p.plan.Downloads, Download{Chunk: c, URL: url, FirstUse: next, LastUse: next})
	p.plan.DownloadSize += c.FileSize
	p.downloads[c.GUID] = i
	return i
}

func (p *planner) add(s Step) {
	p.plan.Steps = append(p.plan.Steps, s)
}

func (p *planner) markReleases() {
	for _, d := range p.plan.Downloads {
		p.plan.Steps[d.LastUse].Task.Flags |= task.ReleaseMemory
	}
}
