package ingress

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"video-enhance-orchestrator/internal/config"
	"video-enhance-orchestrator/internal/models"
	"video-enhance-orchestrator/internal/platform"
	"video-enhance-orchestrator/internal/scheduler"
	"video-enhance-orchestrator/internal/store"
	"video-enhance-orchestrator/internal/telemetry"
)

var (
	// ErrTooLarge rejects a submission over the size ceiling. No job is created.
	ErrTooLarge = errors.New("ingress: video too large")
	// ErrUnsupportedFormat rejects a codec/container outside the supported set.
	ErrUnsupportedFormat = errors.New("ingress: unsupported video format")
	// ErrQueueFull rejects a submission once the queued backlog hits its ceiling.
	ErrQueueFull = errors.New("ingress: queue full")
)

// allowedFormats is the supported codec/container matrix.
var allowedFormats = map[string]bool{
	"h264/mp4": true, "h264/mkv": true,
	"h265/mp4": true, "h265/mkv": true,
	"hevc/mp4": true, "hevc/mkv": true,
}

// Store is the persistence surface ingress needs.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	CountQueued(ctx context.Context) (int, error)
}

// Admitter attempts to claim a slot for a queued job and schedule it
// synchronously. It reports whether the job was admitted.
type Admitter interface {
	Admit(ctx context.Context, job models.Job) (bool, error)
}

// Backlog mirrors the queued FIFO.
type Backlog interface {
	Push(ctx context.Context, jobID string) error
}

// Handler accepts incoming video submissions, validates them, and either
// admits them or leaves them queued for the admission loop.
type Handler struct {
	cfg      config.Config
	store    Store
	backlog  Backlog
	admitter Admitter
	bot      platform.Bot
}

// NewHandler constructs the ingress handler.
func NewHandler(cfg config.Config, st Store, backlog Backlog, admitter Admitter, bot platform.Bot) *Handler {
	return &Handler{cfg: cfg, store: st, backlog: backlog, admitter: admitter, bot: bot}
}

// Submit validates a submission and creates a queued job. It returns the job
// and whether a slot was granted immediately. Validation and capacity
// failures create no job row. A scheduler.ErrSchedulingFailed return means
// the job was created and admitted but the relay exhausted its retries; the
// job is already failed and the delivery worker owns the owner notice.
func (h *Handler) Submit(ctx context.Context, sub platform.Submission) (models.Job, bool, error) {
	key := strings.ToLower(sub.Codec) + "/" + strings.ToLower(sub.Container)
	if !allowedFormats[key] {
		telemetry.ValidationRejects.Inc()
		return models.Job{}, false, fmt.Errorf("%w: %s", ErrUnsupportedFormat, key)
	}
	if sub.FileSize > h.cfg.MaxVideoSizeBytes() {
		telemetry.ValidationRejects.Inc()
		return models.Job{}, false, fmt.Errorf("%w: %d bytes", ErrTooLarge, sub.FileSize)
	}

	queued, err := h.store.CountQueued(ctx)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("count queued: %w", err)
	}
	if queued >= h.cfg.MaxQueuedVideos {
		telemetry.QueueFullRejects.Inc()
		return models.Job{}, false, ErrQueueFull
	}

	job, err := h.store.CreateJob(ctx, store.CreateJobParams{
		OwnerID:         sub.OwnerID,
		SourceChatID:    sub.Message.ChatID,
		SourceMessageID: sub.Message.MessageID,
		FileName:        sub.FileName,
		FileSize:        sub.FileSize,
		Codec:           strings.ToLower(sub.Codec),
		Container:       strings.ToLower(sub.Container),
		DurationSeconds: sub.DurationSeconds,
		Height:          sub.Height,
	})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("create job: %w", err)
	}
	telemetry.SubmissionsAccepted.Inc()

	if err := h.backlog.Push(ctx, job.ID); err != nil {
		log.Printf("ingress: backlog push for job %s: %v", job.ID, err)
	}

	admitted, err := h.admitter.Admit(ctx, job)
	if err != nil {
		if errors.Is(err, scheduler.ErrSchedulingFailed) {
			return job, false, err
		}
		// The job row exists and stays queued; the admission loop will
		// retry it, so the submission itself succeeded.
		log.Printf("ingress: synchronous admission for job %s: %v", job.ID, err)
		return job, false, nil
	}
	return job, admitted, nil
}

// Run polls the bot for submissions until the context is cancelled, answering
// each with an acknowledgment or a rejection notice.
func (h *Handler) Run(ctx context.Context) error {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		subs, next, err := h.bot.Updates(ctx, offset, 50)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("ingress: poll updates: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}
		offset = next

		for _, sub := range subs {
			h.handle(ctx, sub)
		}
		if len(subs) == 0 {
			time.Sleep(time.Second)
		}
	}
}

func (h *Handler) handle(ctx context.Context, sub platform.Submission) {
	job, admitted, err := h.Submit(ctx, sub)
	if errors.Is(err, scheduler.ErrSchedulingFailed) {
		// The failure notice comes from the delivery worker; a queued
		// acknowledgment here would contradict it.
		log.Printf("ingress: job %s failed scheduling at submission: %v", job.ID, err)
		return
	}
	if err != nil {
		h.notifyRejection(ctx, sub, err)
		return
	}

	estimate := models.EstimateProcessingMinutes(sub.DurationSeconds, sub.Height)
	if admitted {
		h.send(ctx, sub.OwnerID, fmt.Sprintf(
			"Your video is being processed. Estimated time: ~%d min.", estimate))
	} else {
		h.send(ctx, sub.OwnerID,
			"Your video is queued and will start as soon as a slot frees up.")
	}
	log.Printf("ingress: job %s accepted for owner %d (admitted=%v)", job.ID, sub.OwnerID, admitted)
}

func (h *Handler) notifyRejection(ctx context.Context, sub platform.Submission, err error) {
	switch {
	case errors.Is(err, ErrTooLarge):
		h.send(ctx, sub.OwnerID, fmt.Sprintf(
			"Your video is too large. The maximum supported size is %.1f GB.", h.cfg.MaxVideoSizeGB))
	case errors.Is(err, ErrUnsupportedFormat):
		h.send(ctx, sub.OwnerID,
			"Unsupported video format. Supported: h264/h265/hevc in mp4 or mkv.")
	case errors.Is(err, ErrQueueFull):
		h.send(ctx, sub.OwnerID,
			"The system is busy right now. Please try again in a few minutes.")
	default:
		log.Printf("ingress: submission from %d failed: %v", sub.OwnerID, err)
		h.send(ctx, sub.OwnerID, "Something went wrong accepting your video. Please try again.")
	}
}

func (h *Handler) send(ctx context.Context, chatID int64, text string) {
	if err := h.bot.SendMessage(ctx, chatID, text); err != nil {
		log.Printf("ingress: notify %d: %v", chatID, err)
	}
}
