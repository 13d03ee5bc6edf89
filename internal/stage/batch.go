package stage

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sells-group/enrich-cli/internal/model"
)

// DefaultBatchSize is used when Config.BatchSize is unset.
const DefaultBatchSize = 25

// Each calls fn for every index in [0, n) in bounded batches.
//
// With Concurrency > 1 the items of a batch run concurrently (at most
// Concurrency at a time) and the batch is awaited before the next starts.
// Otherwise items run one at a time with ItemDelay between them. BatchDelay
// separates batches in both modes. ctx is checked before every item; a
// cancelled context returns ctx.Err(). Any error from fn is fatal and
// stops the loop. Progress advances over the completed prefix in original
// order, so it never decreases and reaches 100 only when every item is done.
func Each(ctx context.Context, n int, cfg Config, onProgress ProgressFunc, fn func(ctx context.Context, i int) error) error {
	if n == 0 {
		report(onProgress, 100)
		return nil
	}
	size := cfg.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	tracker := newProgress(n, onProgress)

	for start := 0; start < n; start += size {
		if start > 0 {
			if err := sleep(ctx, cfg.BatchDelay); err != nil {
				return err
			}
		}
		end := min(start+size, n)

		var err error
		if cfg.Concurrency > 1 {
			err = runConcurrent(ctx, start, end, cfg.Concurrency, tracker, fn)
		} else {
			err = runSequential(ctx, start, end, cfg.ItemDelay, tracker, fn)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func runSequential(ctx context.Context, start, end int, delay time.Duration, tracker *progress, fn func(context.Context, int) error) error {
	for i := start; i < end; i++ {
		if i > start {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, i); err != nil {
			return err
		}
		tracker.done(i)
	}
	return nil
}

func runConcurrent(ctx context.Context, start, end, limit int, tracker *progress, fn func(context.Context, int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i := start; i < end; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fn(gctx, i); err != nil {
				return err
			}
			tracker.done(i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// errgroup cancels gctx on the first error only; surface a parent
	// cancellation that happened between scheduling and completion.
	return ctx.Err()
}

type progress struct {
	mu       sync.Mutex
	total    int
	finished []bool
	cursor   int
	fn       ProgressFunc
}

func newProgress(total int, fn ProgressFunc) *progress {
	return &progress{total: total, finished: make([]bool, total), fn: fn}
}

func (p *progress) done(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished[i] = true
	advanced := false
	for p.cursor < p.total && p.finished[p.cursor] {
		p.cursor++
		advanced = true
	}
	if advanced {
		report(p.fn, float64(p.cursor)*100/float64(p.total))
	}
}

func report(fn ProgressFunc, pct float64) {
	if fn != nil {
		fn(pct)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Records clones records and calls fn on each clone through Each. The
// returned slice has one entry per input record in input order. When Each
// fails (typically on cancellation) the slice is still returned: rows whose
// fn finished keep their changes and every other row is reset to a fresh
// clone of its input, so callers can merge the settled work.
func Records(ctx context.Context, records []model.Record, cfg Config, onProgress ProgressFunc, fn func(ctx context.Context, r *model.Record) error) ([]model.Record, error) {
	out := make([]model.Record, len(records))
	for i := range records {
		out[i] = records[i].Clone()
	}
	settled := make([]bool, len(out))
	err := Each(ctx, len(out), cfg, onProgress, func(ctx context.Context, i int) error {
		if err := fn(ctx, &out[i]); err != nil {
			return err
		}
		settled[i] = true
		return nil
	})
	if err != nil {
		for i := range out {
			if !settled[i] {
				out[i] = records[i].Clone()
			}
		}
	}
	return out, err
}
