package chunkstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ligustah/vaultfetch/pkg/chunk"
	"github.com/ligustah/vaultfetch/pkg/manifest"
)

// Source retrieves chunk files by URL or key.
type Source interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// MirrorOptions configures Mirror.
type MirrorOptions struct {
	// Workers is the number of parallel copies.
	// Default: 8
	Workers int

	// Verify parses every fetched chunk and checks its SHA-1 before storing it.
	Verify bool

	// OnChunk is called after each chunk is stored or skipped.
	OnChunk func(c *manifest.ChunkInfo, copied bool, size int64)
}

// MirrorResult summarizes a Mirror call.
type MirrorResult struct {
	Copied  int
	Skipped int
	Bytes   int64
}

// Mirror copies every chunk of m from src into the store. srcBase is joined
// with each chunk path to form the source location; an empty srcBase passes
// the bare path, which suits another Store as src. Chunks already stored
// with the size the manifest declares are skipped, so an interrupted mirror
// resumes and a truncated chunk is replaced.
func (s *Store) Mirror(ctx context.Context, m *manifest.Manifest, src Source, srcBase string, opts MirrorOptions) (*MirrorResult, error) {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		copied, skipped atomic.Int32
		bytes           atomic.Int64
		wg              sync.WaitGroup
	)
	jobs := make(chan *manifest.ChunkInfo, opts.Workers)

	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				n, didCopy, err := s.mirrorChunk(ctx, m, c, src, srcBase, opts.Verify)
				if err != nil {
					cancel(err)
					return
				}
				if didCopy {
					copied.Add(1)
					bytes.Add(n)
				} else {
					skipped.Add(1)
				}
				if opts.OnChunk != nil {
					opts.OnChunk(c, didCopy, n)
				}
			}
		}()
	}

feed:
	for i := range m.ChunkDataList.Elements {
		select {
		case jobs <- &m.ChunkDataList.Elements[i]:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	res := &MirrorResult{Copied: int(copied.Load()), Skipped: int(skipped.Load()), Bytes: bytes.Load()}
	if err := context.Cause(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Store) mirrorChunk(ctx context.Context, m *manifest.Manifest, c *manifest.ChunkInfo, src Source, srcBase string, verify bool) (int64, bool, error) {
	key := s.Key(m, c)
	if size, err := s.Size(ctx, key); err == nil && size == c.FileSize {
		return size, false, nil
	}

	loc := m.ChunkPath(c)
	if srcBase != "" {
		loc = m.ChunkURL(srcBase, c)
	}
	data, err := src.Fetch(ctx, loc)
	if err != nil {
		return 0, false, fmt.Errorf("chunkstore: fetch chunk %s: %w", c.GUID, err)
	}
	if verify {
		parsed, err := chunk.Read(data)
		if err != nil {
			return 0, false, fmt.Errorf("chunkstore: chunk %s: %w", c.GUID, err)
		}
		if err := parsed.Verify(); err != nil {
			return 0, false, fmt.Errorf("chunkstore: chunk %s: %w", c.GUID, err)
		}
	}
	if err := s.Put(ctx, key, data); err != nil {
		return 0, false, err
	}
	return int64(len(data)), true, nil
}
