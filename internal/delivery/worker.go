package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"video-enhance-orchestrator/internal/config"
	"video-enhance-orchestrator/internal/models"
	"video-enhance-orchestrator/internal/platform"
	"video-enhance-orchestrator/internal/telemetry"
)

// Store is the persistence surface the delivery worker needs.
type Store interface {
	ListByState(ctx context.Context, state models.JobState, limit int) ([]models.Job, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkCleanedUp(ctx context.Context, id string, from models.JobState) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Releaser signals that a concurrency slot was freed.
type Releaser interface {
	SignalRelease(ctx context.Context) error
}

// Archiver persists a cleaned-up job record for audit. May be nil.
type Archiver interface {
	Archive(ctx context.Context, job models.Job) error
}

// Worker finishes terminal jobs: it forwards quality variants or failure
// notices to the owner, deletes the scheduled message, archives the job, and
// releases the slot. Triggering is a state scan rather than an in-process
// event, so terminal jobs found after a crash are finished the same way.
type Worker struct {
	cfg      config.Config
	store    Store
	bot      platform.Bot
	userbot  platform.Userbot
	releaser Releaser
	archiver Archiver
}

// New constructs the worker.
func New(cfg config.Config, st Store, bot platform.Bot, userbot platform.Userbot, releaser Releaser, archiver Archiver) *Worker {
	return &Worker{cfg: cfg, store: st, bot: bot, userbot: userbot, releaser: releaser, archiver: archiver}
}

// Run scans for terminal jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.DeliveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Cycle(ctx); err != nil {
				log.Printf("delivery: cycle: %v", err)
			}
		}
	}
}

// Cycle processes one batch of each finishable state. Delivered jobs are
// re-entrants whose cleanup failed on an earlier cycle; scanning them first
// reclaims their scheduled messages before new completions are handled.
func (w *Worker) Cycle(ctx context.Context) error {
	for _, state := range []models.JobState{models.StateDelivered, models.StateCompleted, models.StateFailed, models.StateTimedOut} {
		jobs, err := w.store.ListByState(ctx, state, 50)
		if err != nil {
			return fmt.Errorf("list %s jobs: %w", state, err)
		}
		for _, job := range jobs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := w.finish(ctx, job); err != nil {
				log.Printf("delivery: job %s: %v", job.ID, err)
			}
		}
	}
	return nil
}

func (w *Worker) finish(ctx context.Context, job models.Job) error {
	from := job.State

	if job.State == models.StateCompleted {
		w.deliverVariants(ctx, job)
		if err := w.store.MarkDelivered(ctx, job.ID); err != nil {
			// Another worker delivered concurrently; it owns the cleanup.
			return fmt.Errorf("mark delivered: %w", err)
		}
		telemetry.JobsDelivered.Inc()
		_ = w.store.AppendAudit(ctx, job.ID, "delivered", fmt.Sprintf("variants=%d", len(job.QualityVariants)))
		from = models.StateDelivered
	}

	// Cleanup gates everything downstream. A job whose scheduled message
	// cannot be deleted yet stays in its current state and is retried next
	// cycle, so owner notices, the release signal, and the admin report
	// happen at most once.
	if err := w.cleanup(ctx, job, from); err != nil {
		return err
	}

	switch job.State {
	case models.StateFailed:
		w.notify(ctx, job.OwnerID,
			"Your video could not be processed. Please try submitting it again.")
	case models.StateTimedOut:
		elapsed := time.Duration(0)
		if job.ScheduledAt != nil {
			elapsed = time.Since(*job.ScheduledAt).Round(time.Minute)
		}
		w.notify(ctx, job.OwnerID, fmt.Sprintf(
			"Processing timed out after %s. This can happen with unusual files or high load.", elapsed))
	}

	if err := w.releaser.SignalRelease(ctx); err != nil {
		log.Printf("delivery: release signal for job %s: %v", job.ID, err)
	}
	w.reportAdmin(ctx, job)
	return nil
}

// deliverVariants forwards every stored quality variant to the owner. A
// single variant failing to send does not abort the rest.
func (w *Worker) deliverVariants(ctx context.Context, job models.Job) {
	for _, v := range job.QualityVariants {
		caption := "Enhanced quality"
		if v.Height > 0 {
			caption = fmt.Sprintf("%dp", v.Height)
		}
		if err := w.bot.SendVideo(ctx, job.OwnerID, v.FileID, caption); err != nil {
			log.Printf("delivery: send variant %s to %d: %v", v.FileID, job.OwnerID, err)
		}
	}
}

// cleanup deletes the scheduled message and archives the job. Deletion of an
// already-gone message counts as success; any other deletion error leaves the
// job in its current state for the next cycle to retry.
func (w *Worker) cleanup(ctx context.Context, job models.Job, from models.JobState) error {
	if job.ScheduledMessageID != 0 {
		ref := platform.MessageRef{ChatID: w.cfg.DestinationChannel, MessageID: job.ScheduledMessageID}
		if err := w.userbot.DeleteScheduled(ctx, ref); err != nil && !errors.Is(err, platform.ErrMessageDeleted) {
			return fmt.Errorf("delete scheduled message %d: %w", job.ScheduledMessageID, err)
		}
	}

	if err := w.store.MarkCleanedUp(ctx, job.ID, from); err != nil {
		return fmt.Errorf("mark cleaned up: %w", err)
	}
	_ = w.store.AppendAudit(ctx, job.ID, "cleaned_up", "scheduled message reclaimed")

	if w.archiver != nil {
		archived := job
		archived.State = models.StateCleanedUp
		if err := w.archiver.Archive(ctx, archived); err != nil {
			log.Printf("delivery: archive job %s: %v", job.ID, err)
		}
	}
	return nil
}

func (w *Worker) notify(ctx context.Context, chatID int64, text string) {
	if err := w.bot.SendMessage(ctx, chatID, text); err != nil {
		log.Printf("delivery: notify %d: %v", chatID, err)
	}
}

// reportAdmin sends a short processing summary to the operator, when configured.
func (w *Worker) reportAdmin(ctx context.Context, job models.Job) {
	if w.cfg.AdminID == 0 {
		return
	}
	var summary string
	switch job.State {
	case models.StateCompleted, models.StateDelivered:
		minutes := 0.0
		if job.ScheduledAt != nil {
			minutes = time.Since(*job.ScheduledAt).Minutes()
		}
		estimate := models.EstimateProcessingMinutes(job.DurationSeconds, job.Height)
		summary = fmt.Sprintf("Job %s for %d: %d variants in %.1f min (estimated %d min)",
			job.ID, job.OwnerID, len(job.QualityVariants), minutes, estimate)
	case models.StateTimedOut:
		summary = fmt.Sprintf("Job %s for %d timed out", job.ID, job.OwnerID)
	case models.StateFailed:
		reason := ""
		if job.LastError != nil {
			reason = ": " + *job.LastError
		}
		summary = fmt.Sprintf("Job %s for %d failed%s", job.ID, job.OwnerID, reason)
	default:
		return
	}
	if err := w.bot.SendMessage(ctx, w.cfg.AdminID, summary); err != nil {
		log.Printf("delivery: admin report for job %s: %v", job.ID, err)
	}
}
