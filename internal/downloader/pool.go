package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ligustah/vaultfetch/internal/shm"
	"github.com/ligustah/vaultfetch/internal/task"
)

// Pool runs a fixed set of workers against one segment.
type Pool struct {
	workers []*Worker
	jobs    *task.Queue

	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// NewPool attaches segment name in dir once per worker. On failure every
// attachment made so far is closed.
func NewPool(n int, fetcher Fetcher, jobs, results *task.Queue, dir, name string, opts Options) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("downloader: invalid worker count %d", n)
	}
	opts = opts.withDefaults()
	p := &Pool{jobs: jobs}
	for i := 0; i < n; i++ {
		seg, err := shm.Attach(dir, name)
		if err != nil {
			for _, w := range p.workers {
				w.seg.Close()
			}
			return nil, fmt.Errorf("downloader: worker %d: %w", i, err)
		}
		wopts := opts
		wopts.Logger = opts.Logger.With("component", fmt.Sprintf("dlworker-%d", i))
		p.workers = append(p.workers, NewWorker(i, fetcher, jobs, results, seg, wopts))
	}
	return p, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Start launches every worker.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := w.Run(ctx); err != nil {
				p.mu.Lock()
				p.errs = append(p.errs, fmt.Errorf("worker %d: %w", w.id, err))
				p.mu.Unlock()
			}
		}()
	}
}

// Stop sends one TerminateWorkerTask per worker and waits for them to exit.
// The sentinels queue behind any jobs already enqueued.
func (p *Pool) Stop(ctx context.Context) error {
	for range p.workers {
		if err := p.jobs.Put(ctx, task.TerminateWorkerTask{}); err != nil {
			break
		}
	}
	return p.Wait()
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, err := range p.errs {
		if !errors.Is(err, context.Canceled) {
			return errors.Join(p.errs...)
		}
	}
	return nil
}
