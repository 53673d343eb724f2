package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"video-enhance-orchestrator/internal/config"
	"video-enhance-orchestrator/internal/models"
	"video-enhance-orchestrator/internal/platform"
	"video-enhance-orchestrator/internal/telemetry"
)

// ErrSchedulingFailed is returned once the relay exhausted its retries.
var ErrSchedulingFailed = errors.New("scheduler: scheduling failed")

// Store is the persistence surface the scheduler needs.
type Store interface {
	AdmitJob(ctx context.Context, id string, ownerID int64, ownerLimit, globalLimit int) (bool, error)
	SetScheduledRef(ctx context.Context, id string, transferMsgID, scheduledMsgID int64, scheduledAt, deadlineAt time.Time) error
	FailJob(ctx context.Context, id string, from models.JobState, reason string) error
	IncrementRetry(ctx context.Context, id string, lastErr string) error
	MaxSlots(ctx context.Context, ownerID int64) (int, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Backlog removes admitted jobs from the queued FIFO mirror.
type Backlog interface {
	Remove(ctx context.Context, jobID string) error
}

// Scheduler relays an admitted video through the transfer channel into the
// destination channel as a scheduled post, which is what triggers the
// platform's multi-quality processing.
type Scheduler struct {
	cfg     config.Config
	store   Store
	backlog Backlog
	userbot platform.Userbot
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New constructs the scheduler.
func New(cfg config.Config, st Store, backlog Backlog, userbot platform.Userbot) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		backlog: backlog,
		userbot: userbot,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Admit claims a concurrency slot for a queued job and, when granted, runs the
// relay synchronously. Returns false when the owner's entitlement or the
// global ceiling leaves no room; the job then stays queued.
func (s *Scheduler) Admit(ctx context.Context, job models.Job) (bool, error) {
	ownerLimit, err := s.store.MaxSlots(ctx, job.OwnerID)
	if err != nil {
		return false, fmt.Errorf("resolve entitlement: %w", err)
	}
	granted, err := s.store.AdmitJob(ctx, job.ID, job.OwnerID, ownerLimit, s.cfg.MaxConcurrentGlobal)
	if err != nil {
		return false, fmt.Errorf("claim slot: %w", err)
	}
	if !granted {
		return false, nil
	}
	if err := s.backlog.Remove(ctx, job.ID); err != nil {
		log.Printf("scheduler: backlog remove for job %s: %v", job.ID, err)
	}
	_ = s.store.AppendAudit(ctx, job.ID, "admitted", fmt.Sprintf("owner_limit=%d", ownerLimit))
	return true, s.Schedule(ctx, job)
}

// Schedule relays the job's source video into the destination channel as a
// scheduled post and records the resulting handle. Exactly-once: a job whose
// scheduled message was already recorded is left alone, so a crash-retried
// call never re-issues the relay.
func (s *Scheduler) Schedule(ctx context.Context, job models.Job) error {
	if job.ScheduledMessageID != 0 {
		return nil
	}

	source := platform.MessageRef{ChatID: job.SourceChatID, MessageID: job.SourceMessageID}
	var lastErr error
	for attempt := 0; attempt <= s.cfg.SchedulerMaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffWithJitter(s.cfg.BackoffInitial, s.cfg.BackoffMax, attempt)
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
		}

		transferRef, err := s.userbot.Relay(ctx, source, s.cfg.TransferChannel)
		if err != nil {
			lastErr = fmt.Errorf("relay to transfer channel: %w", err)
			_ = s.store.IncrementRetry(ctx, job.ID, lastErr.Error())
			continue
		}

		scheduledRef, err := s.userbot.ScheduleCopy(ctx, transferRef, s.cfg.DestinationChannel, s.now().Add(s.cfg.ScheduleDelay))
		if err != nil {
			lastErr = fmt.Errorf("schedule into destination channel: %w", err)
			_ = s.store.IncrementRetry(ctx, job.ID, lastErr.Error())
			continue
		}

		scheduledAt := s.now().UTC()
		deadline := scheduledAt.Add(s.cfg.VideoTimeout)
		if err := s.store.SetScheduledRef(ctx, job.ID, transferRef.MessageID, scheduledRef.MessageID, scheduledAt, deadline); err != nil {
			return fmt.Errorf("record scheduled ref: %w", err)
		}
		_ = s.store.AppendAudit(ctx, job.ID, "scheduled",
			fmt.Sprintf("scheduled_msg=%d deadline=%s", scheduledRef.MessageID, deadline.Format(time.RFC3339)))
		log.Printf("scheduler: job %s scheduled as message %d", job.ID, scheduledRef.MessageID)
		return nil
	}

	telemetry.SchedulingFailures.Inc()
	reason := "scheduling failed"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	if err := s.store.FailJob(ctx, job.ID, models.StateScheduled, reason); err != nil {
		return fmt.Errorf("mark scheduling failure: %w", err)
	}
	_ = s.store.AppendAudit(ctx, job.ID, "scheduling_failed", reason)
	return fmt.Errorf("%w: %s", ErrSchedulingFailed, reason)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
