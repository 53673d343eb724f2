package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"video-enhance-orchestrator/internal/models"
)

var (
	// ErrNotFound is returned when a job id has no row.
	ErrNotFound = errors.New("store: job not found")
	// ErrConflict is returned when a conditional transition finds the job in
	// a different state than expected. Callers must re-read and retry or abandon.
	ErrConflict = errors.New("store: state conflict")
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, owner_id, state, source_chat_id, source_message_id,
	transfer_message_id, scheduled_message_id, file_name, file_size, codec,
	container, duration_seconds, height, submitted_at, scheduled_at,
	deadline_at, quality_variants, retry_count, last_error, created_at, updated_at`

// CreateJobParams collects inputs required to insert a queued job.
type CreateJobParams struct {
	OwnerID         int64
	SourceChatID    int64
	SourceMessageID int64
	FileName        string
	FileSize        int64
	Codec           string
	Container       string
	DurationSeconds int
	Height          int
}

// CreateJob inserts a job row in the queued state.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner_id, state, source_chat_id, source_message_id,
			file_name, file_size, codec, container, duration_seconds, height,
			submitted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12, $12)
	`, id, p.OwnerID, models.StateQueued, p.SourceChatID, p.SourceMessageID,
		p.FileName, p.FileSize, p.Codec, p.Container, p.DurationSeconds, p.Height, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:              id,
		OwnerID:         p.OwnerID,
		State:           models.StateQueued,
		SourceChatID:    p.SourceChatID,
		SourceMessageID: p.SourceMessageID,
		FileName:        p.FileName,
		FileSize:        p.FileSize,
		Codec:           p.Codec,
		Container:       p.Container,
		DurationSeconds: p.DurationSeconds,
		Height:          p.Height,
		SubmittedAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// AdmitJob moves a queued job into the scheduled state, claiming a concurrency
// slot. The per-owner and global ceilings are enforced inside the same UPDATE
// over the derived active-job counts, so concurrent admissions cannot
// over-subscribe. Returns false when the job is no longer queued or a ceiling
// is reached.
func (s *Store) AdmitJob(ctx context.Context, id string, ownerID int64, ownerLimit, globalLimit int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state = $3
		  AND (SELECT COUNT(*) FROM jobs j WHERE j.owner_id = $4 AND j.state IN ($2, $5)) < $6
		  AND (SELECT COUNT(*) FROM jobs j WHERE j.state IN ($2, $5)) < $7
	`, id, models.StateScheduled, models.StateQueued, ownerID, models.StateMonitoring, ownerLimit, globalLimit)
	if err != nil {
		return false, fmt.Errorf("admit job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetScheduledRef records the relay result exactly once: it only applies while
// the job is scheduled and no scheduled message has been recorded yet.
func (s *Store) SetScheduledRef(ctx context.Context, id string, transferMsgID, scheduledMsgID int64, scheduledAt, deadlineAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET transfer_message_id = $2, scheduled_message_id = $3,
		    scheduled_at = $4, deadline_at = $5, updated_at = NOW()
		WHERE id = $1 AND state = $6 AND scheduled_message_id = 0
	`, id, transferMsgID, scheduledMsgID, scheduledAt, deadlineAt, models.StateScheduled)
	if err != nil {
		return fmt.Errorf("set scheduled ref: %w", err)
	}
	return s.checkAffected(ctx, id, tag.RowsAffected())
}

// MarkMonitoring arms a scheduled job for polling.
func (s *Store) MarkMonitoring(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.StateScheduled, models.StateMonitoring)
}

// CompleteJob records the quality variants the platform produced and moves the
// job out of monitoring.
func (s *Store) CompleteJob(ctx context.Context, id string, variants []models.QualityVariant) error {
	payload, err := json.Marshal(variants)
	if err != nil {
		return fmt.Errorf("marshal variants: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, quality_variants = $3, updated_at = NOW()
		WHERE id = $1 AND state = $4
	`, id, models.StateCompleted, payload, models.StateMonitoring)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return s.checkAffected(ctx, id, tag.RowsAffected())
}

// FailJob moves a job into the failed state from the given expected state.
func (s *Store) FailJob(ctx context.Context, id string, from models.JobState, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND state = $4
	`, id, models.StateFailed, reason, from)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return s.checkAffected(ctx, id, tag.RowsAffected())
}

// TimeoutJob moves a monitoring job whose deadline has passed into timed_out.
func (s *Store) TimeoutJob(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.StateMonitoring, models.StateTimedOut)
}

// MarkDelivered records that the quality variants were forwarded to the owner.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.StateCompleted, models.StateDelivered)
}

// MarkCleanedUp archives the job after the scheduled message was reclaimed.
func (s *Store) MarkCleanedUp(ctx context.Context, id string, from models.JobState) error {
	return s.transition(ctx, id, from, models.StateCleanedUp)
}

// IncrementRetry bumps the scheduler retry counter and records the error.
func (s *Store) IncrementRetry(ctx context.Context, id string, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, lastErr)
	return err
}

// DeleteQueued removes a queued job entirely (owner cancellation). It is a
// no-op returning false once the job has left the queued state.
func (s *Store) DeleteQueued(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE id = $1 AND state = $2
	`, id, models.StateQueued)
	if err != nil {
		return false, fmt.Errorf("delete queued job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByState returns jobs in the given state, oldest first.
func (s *Store) ListByState(ctx context.Context, state models.JobState, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE state = $1
		ORDER BY submitted_at ASC LIMIT $2
	`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by state: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListPollable returns jobs the status monitor should inspect: scheduled or
// monitoring jobs whose relay already produced a scheduled message.
func (s *Store) ListPollable(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN ($1, $2) AND scheduled_message_id <> 0
		ORDER BY scheduled_at ASC LIMIT $3
	`, models.StateScheduled, models.StateMonitoring, limit)
	if err != nil {
		return nil, fmt.Errorf("list pollable jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListUnscheduled returns jobs that claimed a slot but crashed before the
// relay recorded a scheduled message. Restart recovery re-offers these to the
// scheduler.
func (s *Store) ListUnscheduled(ctx context.Context) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = $1 AND scheduled_message_id = 0
		ORDER BY submitted_at ASC
	`, models.StateScheduled)
	if err != nil {
		return nil, fmt.Errorf("list unscheduled jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListActiveByOwner returns the owner's jobs currently holding a slot.
func (s *Store) ListActiveByOwner(ctx context.Context, ownerID int64) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE owner_id = $1 AND state IN ($2, $3)
		ORDER BY submitted_at ASC
	`, ownerID, models.StateScheduled, models.StateMonitoring)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// OldestQueued returns the queued backlog in global submission order.
func (s *Store) OldestQueued(ctx context.Context, limit int) ([]models.Job, error) {
	return s.ListByState(ctx, models.StateQueued, limit)
}

// CountQueued returns the queued backlog depth.
func (s *Store) CountQueued(ctx context.Context) (int, error) {
	return s.countWhere(ctx, `state = $1`, models.StateQueued)
}

// CountActive returns the number of jobs holding a slot system-wide. The slot
// ledger is always derived from persisted job state, never a counter.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	return s.countWhere(ctx, `state IN ($1, $2)`, models.StateScheduled, models.StateMonitoring)
}

// CountActiveByOwner returns the number of slots the owner currently holds.
func (s *Store) CountActiveByOwner(ctx context.Context, ownerID int64) (int, error) {
	return s.countWhere(ctx, `owner_id = $3 AND state IN ($1, $2)`,
		models.StateScheduled, models.StateMonitoring, ownerID)
}

// CountByState returns a state -> count snapshot for the stats endpoint.
func (s *Store) CountByState(ctx context.Context) (map[models.JobState]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	defer rows.Close()
	out := make(map[models.JobState]int)
	for rows.Next() {
		var state models.JobState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

func (s *Store) transition(ctx context.Context, id string, from, to models.JobState) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state = $3
	`, id, to, from)
	if err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	return s.checkAffected(ctx, id, tag.RowsAffected())
}

// checkAffected distinguishes a missing row from a state race.
func (s *Store) checkAffected(ctx context.Context, id string, affected int64) error {
	if affected == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *Store) countWhere(ctx context.Context, where string, args ...any) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var variantsJSON []byte
	var scheduledAt, deadlineAt pgtype.Timestamptz
	var lastErr pgtype.Text

	err := row.Scan(&job.ID, &job.OwnerID, &job.State, &job.SourceChatID, &job.SourceMessageID,
		&job.TransferMessageID, &job.ScheduledMessageID, &job.FileName, &job.FileSize, &job.Codec,
		&job.Container, &job.DurationSeconds, &job.Height, &job.SubmittedAt, &scheduledAt,
		&deadlineAt, &variantsJSON, &job.RetryCount, &lastErr, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}

	if len(variantsJSON) > 0 {
		if err := json.Unmarshal(variantsJSON, &job.QualityVariants); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal variants: %w", err)
		}
	}
	job.ScheduledAt = timePtr(scheduledAt)
	job.DeadlineAt = timePtr(deadlineAt)
	job.LastError = textPtr(lastErr)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
