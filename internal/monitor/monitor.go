package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"video-enhance-orchestrator/internal/config"
	"video-enhance-orchestrator/internal/models"
	"video-enhance-orchestrator/internal/platform"
	"video-enhance-orchestrator/internal/telemetry"
)

// Store is the persistence surface the status monitor needs.
type Store interface {
	ListPollable(ctx context.Context, limit int) ([]models.Job, error)
	MarkMonitoring(ctx context.Context, id string) error
	CompleteJob(ctx context.Context, id string, variants []models.QualityVariant) error
	FailJob(ctx context.Context, id string, from models.JobState, reason string) error
	TimeoutJob(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Limiter budgets platform queries per cycle.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
}

// Monitor is the recurring polling loop over in-flight jobs. Each cycle it
// inspects a bounded batch of scheduled messages and classifies every job as
// completed, pending, errored, or timed out.
type Monitor struct {
	cfg     config.Config
	store   Store
	userbot platform.Userbot
	limiter Limiter
	now     func() time.Time

	// lastPolled rotates the batch window across cycles; without it the
	// oldest in-flight jobs would monopolize every batch.
	lastPolled map[string]time.Time
}

// New constructs the monitor.
func New(cfg config.Config, st Store, userbot platform.Userbot, limiter Limiter) *Monitor {
	return &Monitor{
		cfg:        cfg,
		store:      st,
		userbot:    userbot,
		limiter:    limiter,
		now:        time.Now,
		lastPolled: make(map[string]time.Time),
	}
}

// Run polls on a fixed interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Cycle(ctx); err != nil {
				log.Printf("monitor: cycle: %v", err)
			}
		}
	}
}

// Cycle inspects one bounded batch of in-flight jobs and returns how many
// were polled. The batch takes the least-recently-polled jobs first, so with
// more in-flight jobs than the batch size every job is still visited within a
// few cycles. One job's failure never blocks the rest of the batch.
func (m *Monitor) Cycle(ctx context.Context) (int, error) {
	all, err := m.store.ListPollable(ctx, m.cfg.MaxConcurrentGlobal)
	if err != nil {
		return 0, fmt.Errorf("list pollable jobs: %w", err)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return m.lastPolled[all[i].ID].Before(m.lastPolled[all[j].ID])
	})
	batch := all
	if len(batch) > m.cfg.MonitorBatchSize {
		batch = batch[:m.cfg.MonitorBatchSize]
	}

	polled := 0
	for _, job := range batch {
		select {
		case <-ctx.Done():
			return polled, ctx.Err()
		default:
		}
		m.lastPolled[job.ID] = m.now()
		if m.pollJob(ctx, job) {
			polled++
		}
	}

	m.pruneRotation(all)
	return polled, nil
}

// pruneRotation drops rotation entries for jobs that left the pollable set.
func (m *Monitor) pruneRotation(all []models.Job) {
	keep := make(map[string]bool, len(all))
	for _, job := range all {
		keep[job.ID] = true
	}
	for id := range m.lastPolled {
		if !keep[id] {
			delete(m.lastPolled, id)
		}
	}
}

// pollJob inspects one job's scheduled message. Returns false when the poll
// was skipped (budget exhausted or transient error); the job is retried next
// cycle with no state change.
func (m *Monitor) pollJob(ctx context.Context, job models.Job) bool {
	if job.State == models.StateScheduled {
		if err := m.store.MarkMonitoring(ctx, job.ID); err != nil {
			// A concurrent worker already advanced the job.
			log.Printf("monitor: arm job %s: %v", job.ID, err)
			return false
		}
		job.State = models.StateMonitoring
	}

	if m.limiter != nil {
		allowed, err := m.limiter.Allow(ctx)
		if err != nil {
			log.Printf("monitor: poll budget: %v", err)
			return false
		}
		if !allowed {
			return false
		}
	}

	ref := platform.MessageRef{ChatID: m.cfg.DestinationChannel, MessageID: job.ScheduledMessageID}
	msg, err := m.userbot.GetMessage(ctx, ref)
	switch {
	case errors.Is(err, platform.ErrMessageDeleted):
		m.fail(ctx, job, "scheduled message vanished from the destination channel")
		return true
	case err != nil:
		// Transient transport error: no transition, retried next cycle.
		telemetry.PollTransientErrors.Inc()
		log.Printf("monitor: poll job %s: %v", job.ID, err)
		return false
	}

	if variants := distinctVariants(msg); len(variants) > 1 {
		m.complete(ctx, job, variants)
		return true
	}

	if job.DeadlineAt != nil && !m.now().Before(*job.DeadlineAt) {
		m.timeout(ctx, job)
		return true
	}

	// Still a single video and inside the deadline: pending, re-poll next cycle.
	return true
}

func (m *Monitor) complete(ctx context.Context, job models.Job, variants []models.QualityVariant) {
	if err := m.store.CompleteJob(ctx, job.ID, variants); err != nil {
		log.Printf("monitor: complete job %s: %v", job.ID, err)
		return
	}
	telemetry.JobsCompleted.Inc()
	_ = m.store.AppendAudit(ctx, job.ID, "completed", fmt.Sprintf("variants=%d", len(variants)))
	log.Printf("monitor: job %s completed with %d quality variants", job.ID, len(variants))
}

func (m *Monitor) fail(ctx context.Context, job models.Job, reason string) {
	if err := m.store.FailJob(ctx, job.ID, models.StateMonitoring, reason); err != nil {
		log.Printf("monitor: fail job %s: %v", job.ID, err)
		return
	}
	telemetry.JobsFailed.Inc()
	_ = m.store.AppendAudit(ctx, job.ID, "failed", reason)
	log.Printf("monitor: job %s failed: %s", job.ID, reason)
}

func (m *Monitor) timeout(ctx context.Context, job models.Job) {
	if err := m.store.TimeoutJob(ctx, job.ID); err != nil {
		log.Printf("monitor: timeout job %s: %v", job.ID, err)
		return
	}
	telemetry.JobsTimedOut.Inc()
	_ = m.store.AppendAudit(ctx, job.ID, "timed_out", "deadline exceeded with no quality variants")
	log.Printf("monitor: job %s timed out", job.ID)
}

// distinctVariants extracts the distinct video payloads attached to the
// message. Processing is complete once the platform replaced the single
// source video with multiple variants.
func distinctVariants(msg platform.Message) []models.QualityVariant {
	seen := make(map[string]bool, len(msg.Videos))
	var out []models.QualityVariant
	for _, v := range msg.Videos {
		if v.FileID == "" || seen[v.FileID] {
			continue
		}
		seen[v.FileID] = true
		out = append(out, models.QualityVariant{
			FileID:   v.FileID,
			Height:   v.Height,
			FileSize: v.FileSize,
		})
	}
	return out
}
