package admission

import (
	"context"
	"errors"
	"log"
	"time"

	"video-enhance-orchestrator/internal/config"
	"video-enhance-orchestrator/internal/models"
	"video-enhance-orchestrator/internal/scheduler"
	"video-enhance-orchestrator/internal/telemetry"
)

// Store is the persistence surface the admission loop needs.
type Store interface {
	OldestQueued(ctx context.Context, limit int) ([]models.Job, error)
	CountActive(ctx context.Context) (int, error)
	CountQueued(ctx context.Context) (int, error)
}

// Admitter claims a slot for a queued job and schedules it.
type Admitter interface {
	Admit(ctx context.Context, job models.Job) (bool, error)
}

// Waiter blocks until a slot-release wakeup arrives or a timeout elapses.
type Waiter interface {
	AwaitRelease(ctx context.Context, timeout time.Duration) (bool, error)
}

// Loop reacts to slot releases by pulling queued jobs into the scheduler.
// Selection is global FIFO over the backlog: a released slot admits whichever
// job has waited longest, regardless of which owner freed it.
type Loop struct {
	cfg      config.Config
	store    Store
	admitter Admitter
	waiter   Waiter
}

// New constructs the admission loop.
func New(cfg config.Config, st Store, admitter Admitter, waiter Waiter) *Loop {
	return &Loop{cfg: cfg, store: st, admitter: admitter, waiter: waiter}
}

// Run waits for release wakeups until the context is cancelled. A fallback
// timeout drains the backlog periodically even when no wakeup arrives, so a
// lost signal cannot strand queued jobs.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := l.waiter.AwaitRelease(ctx, l.cfg.AdmissionFallback); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("admission: await release: %v", err)
			time.Sleep(time.Second)
			continue
		}

		if err := l.Drain(ctx); err != nil {
			log.Printf("admission: drain: %v", err)
		}
		l.updateGauges(ctx)
	}
}

// Drain admits queued jobs oldest-first until the global ceiling is reached
// or the backlog is exhausted. A job whose owner is at entitlement is skipped
// and keeps its place in the backlog.
func (l *Loop) Drain(ctx context.Context) error {
	jobs, err := l.store.OldestQueued(ctx, l.cfg.AdmissionBatchSize)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		active, err := l.store.CountActive(ctx)
		if err != nil {
			return err
		}
		if active >= l.cfg.MaxConcurrentGlobal {
			return nil
		}

		admitted, err := l.admitter.Admit(ctx, job)
		if err != nil {
			if errors.Is(err, scheduler.ErrSchedulingFailed) {
				// The scheduler already failed the job and freed its slot;
				// keep draining.
				continue
			}
			return err
		}
		if admitted {
			log.Printf("admission: job %s admitted from backlog", job.ID)
		}
	}
	return nil
}

func (l *Loop) updateGauges(ctx context.Context) {
	if active, err := l.store.CountActive(ctx); err == nil {
		telemetry.ActiveSlotsGauge.Set(float64(active))
	}
	if queued, err := l.store.CountQueued(ctx); err == nil {
		telemetry.BacklogDepthGauge.Set(float64(queued))
	}
}
