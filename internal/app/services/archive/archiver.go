// Package archive moves old completed transfers into the archive table on a
// schedule.
package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/finovia/payment_layer/internal/app/metrics"
	"github.com/finovia/payment_layer/internal/app/storage"
	"github.com/finovia/payment_layer/pkg/logger"
)

// Options configures the archiver.
type Options struct {
	// RetentionDays is the age in days beyond which completed transfers are
	// archived. Defaults to 90.
	RetentionDays int
	// BatchSize bounds one archival statement. Defaults to 1000.
	BatchSize int
	// Schedule is a cron expression. Empty disables the scheduler; Run can
	// still be invoked directly.
	Schedule string
}

func (o Options) withDefaults() Options {
	if o.RetentionDays <= 0 {
		o.RetentionDays = 90
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	return o
}

// ErrAlreadyRunning is returned when Run is invoked while a previous run has
// not finished.
var ErrAlreadyRunning = errors.New("archive: run already in progress")

// Archiver drains old transfers in batches. It implements system.Service.
type Archiver struct {
	store storage.ArchiveStore
	opts  Options
	log   *logger.Logger

	cron    *cron.Cron
	running sync.Mutex
	busy    bool
}

// New creates an archiver.
func New(store storage.ArchiveStore, opts Options, log *logger.Logger) *Archiver {
	if log == nil {
		log = logger.NewDefault("archive")
	}
	return &Archiver{store: store, opts: opts.withDefaults(), log: log}
}

// Name implements system.Service.
func (a *Archiver) Name() string { return "archive" }

// Start registers the cron schedule and starts the scheduler. With no
// schedule configured it is a no-op.
func (a *Archiver) Start(ctx context.Context) error {
	if a.opts.Schedule == "" {
		a.log.Info("archive scheduler disabled")
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(a.opts.Schedule, func() {
		runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := a.Run(runCtx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			a.log.WithError(err).Error("scheduled archive run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("archive schedule %q: %w", a.opts.Schedule, err)
	}
	c.Start()
	a.cron = c
	a.log.WithField("schedule", a.opts.Schedule).Info("archive scheduler started")
	return nil
}

// Stop halts the scheduler and waits for an in-flight run to finish.
func (a *Archiver) Stop(ctx context.Context) error {
	if a.cron == nil {
		return nil
	}
	stopped := a.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run archives all transfers older than the retention window, batch by batch,
// until no rows remain or ctx is cancelled. Returns the total rows moved.
// Only one run may be in flight at a time.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	a.running.Lock()
	if a.busy {
		a.running.Unlock()
		return 0, ErrAlreadyRunning
	}
	a.busy = true
	a.running.Unlock()
	defer func() {
		a.running.Lock()
		a.busy = false
		a.running.Unlock()
	}()

	cutoff := time.Now().UTC().AddDate(0, 0, -a.opts.RetentionDays)
	start := time.Now()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			metrics.RecordArchiveRun(total, false)
			return total, err
		}
		moved, err := a.store.ArchiveBatch(ctx, cutoff, a.opts.BatchSize)
		if err != nil {
			metrics.RecordArchiveRun(total, false)
			return total, fmt.Errorf("archive batch: %w", err)
		}
		total += moved
		if moved < a.opts.BatchSize {
			break
		}
	}

	metrics.RecordArchiveRun(total, true)
	a.log.WithFields(map[string]interface{}{
		"archived": total,
		"cutoff":   cutoff.Format(time.RFC3339),
		"took":     time.Since(start).String(),
	}).Info("archive run complete")
	return total, nil
}
