// Package cleaner provides a worker that periodically prunes the commit
// journal. Entries older than the retention window are removed; all-accounts
// waitsets whose cursor falls below the pruned range fail to resync and the
// client recreates them. When the journal backend is shared between
// instances it also implements Locker, and only the instance holding the
// prune lock runs a pass.
package cleaner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/notifyd/logger"
	"github.com/migadu/notifyd/pkg/metrics"
)

// Pruner is the journal operation required by the worker.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Locker is implemented by journals shared between instances.
type Locker interface {
	TryPruneLock(ctx context.Context) (release func(), ok bool, err error)
}

const minAllowedInterval = time.Minute

type JournalWorker struct {
	journal   Pruner
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a JournalWorker. Intervals below one minute are raised to one
// minute.
func New(journal Pruner, interval, retention time.Duration) *JournalWorker {
	return &JournalWorker{
		journal:   journal,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

func (w *JournalWorker) Start(ctx context.Context) {
	interval := w.interval
	if interval < minAllowedInterval {
		logger.Warn("Cleanup: configured interval below minimum, using minimum", "interval", interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	logger.Info("Cleanup: journal worker starting", "interval", interval, "retention", w.retention)

	ticker := time.NewTicker(interval)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("Cleanup: worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("Cleanup: worker stopped due to stop signal")
				return
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil {
					logger.Error("Cleanup: journal prune failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the worker to stop and waits for a running pass to finish.
func (w *JournalWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// RunOnce prunes the journal once and returns the number of removed entries.
// It returns zero without pruning when another instance holds the lock.
func (w *JournalWorker) RunOnce(ctx context.Context) (int64, error) {
	if w.retention <= 0 {
		return 0, nil
	}
	if locker, ok := w.journal.(Locker); ok {
		release, locked, err := locker.TryPruneLock(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to acquire prune lock: %w", err)
		}
		if !locked {
			logger.Debug("Cleanup: skipped, another instance holds the prune lock")
			return 0, nil
		}
		defer release()
	}

	cutoff := w.now().Add(-w.retention)
	removed, err := w.journal.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if removed > 0 {
		metrics.JournalPruned.Add(float64(removed))
		logger.Info("Cleanup: pruned journal entries", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}
