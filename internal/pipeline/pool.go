package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/pkg/distlock"
	"github.com/ignite/cohort-estimator/internal/pkg/logger"
	"github.com/schollz/progressbar/v3"
)

// forEach runs fn for every key on the runner's worker pool. The first
// error cancels the remaining work and is returned.
func (r *Runner) forEach(ctx context.Context, stage domain.Stage, keys []string, fn func(ctx context.Context, key string) error) error {
	if len(keys) == 0 {
		return nil
	}
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	bar := r.progress(stage, len(keys))
	defer bar.Finish()

	jobs := make(chan string)
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	workers := r.opts.Workers
	if workers > len(keys) {
		workers = len(keys)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range jobs {
				if err := fn(workCtx, key); err != nil {
					once.Do(func() {
						firstErr = fmt.Errorf("partition %s: %w", key, err)
						cancel()
					})
					continue
				}
				_ = bar.Add(1)
			}
		}()
	}

feed:
	for _, k := range keys {
		select {
		case jobs <- k:
		case <-workCtx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func (r *Runner) progress(stage domain.Stage, n int) *progressbar.ProgressBar {
	var w io.Writer = io.Discard
	if r.opts.ShowProgress {
		w = os.Stderr
	}
	return progressbar.NewOptions(n,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(string(stage)),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// partitionCounter tallies partitions a stage skipped because an earlier
// attempt checkpointed them.
type partitionCounter struct{ n atomic.Int64 }

// guard runs fn for one partition unless it is already checkpointed. With
// locks configured the checkpoint is re-read after acquiring the lock, so
// two processes resuming the same run never both compute a partition.
func (r *Runner) guard(ctx context.Context, runID string, stage domain.Stage, partition string, skipped *partitionCounter, fn func(ctx context.Context) error) error {
	done, err := r.checkpoints.Done(ctx, runID, stage, partition)
	if err != nil {
		return err
	}
	if done {
		skipped.n.Add(1)
		return nil
	}

	if r.locks != nil {
		key := distlock.PartitionKey(runID, string(stage), partition)
		lock := r.locks(key)
		if err := distlock.AcquireWithRetry(ctx, lock, r.opts.LockAttempts, r.opts.LockBackoff); err != nil {
			return fmt.Errorf("lock %s: %w", key, err)
		}
		defer func() {
			// release even if ctx was cancelled mid-partition
			_ = lock.Release(context.WithoutCancel(ctx))
		}()
		if ext, ok := lock.(distlock.Extender); ok && r.opts.LockTTL > 0 {
			stop := r.heartbeat(ctx, ext, key)
			defer stop()
		}

		done, err := r.checkpoints.Done(ctx, runID, stage, partition)
		if err != nil {
			return err
		}
		if done {
			skipped.n.Add(1)
			return nil
		}
	}

	if err := fn(ctx); err != nil {
		return err
	}
	return r.checkpoints.MarkDone(ctx, runID, stage, partition)
}

// heartbeat extends a held lock every third of its TTL until stopped.
func (r *Runner) heartbeat(ctx context.Context, ext distlock.Extender, key string) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.opts.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ext.Extend(ctx, r.opts.LockTTL); err != nil {
					logger.Warn("partition lock heartbeat failed", "lock", key, "error", err.Error())
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
