package models

import (
	"time"
)

// JobState enumerates lifecycle states persisted in Postgres.
type JobState string

const (
	StateQueued     JobState = "queued"
	StateScheduled  JobState = "scheduled"
	StateMonitoring JobState = "monitoring"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
	StateTimedOut   JobState = "timed_out"
	StateDelivered  JobState = "delivered"
	StateCleanedUp  JobState = "cleaned_up"
)

// QualityVariant is one enhanced output the platform produced for a video.
type QualityVariant struct {
	FileID   string `json:"file_id"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size"`
}

// Job represents one submitted video's journey through scheduling,
// processing, and delivery.
type Job struct {
	ID                 string           `json:"id"`
	OwnerID            int64            `json:"owner_id"`
	State              JobState         `json:"state"`
	SourceChatID       int64            `json:"source_chat_id"`
	SourceMessageID    int64            `json:"source_message_id"`
	TransferMessageID  int64            `json:"transfer_message_id,omitempty"`
	ScheduledMessageID int64            `json:"scheduled_message_id,omitempty"`
	FileName           string           `json:"file_name"`
	FileSize           int64            `json:"file_size"`
	Codec              string           `json:"codec"`
	Container          string           `json:"container"`
	DurationSeconds    int              `json:"duration_seconds"`
	Height             int              `json:"height"`
	SubmittedAt        time.Time        `json:"submitted_at"`
	ScheduledAt        *time.Time       `json:"scheduled_at,omitempty"`
	DeadlineAt         *time.Time       `json:"deadline_at,omitempty"`
	QualityVariants    []QualityVariant `json:"quality_variants,omitempty"`
	RetryCount         int              `json:"retry_count"`
	LastError          *string          `json:"last_error,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Active reports whether the job currently holds a concurrency slot.
func (j Job) Active() bool {
	return j.State == StateScheduled || j.State == StateMonitoring
}

// Terminal reports whether monitoring has reached an outcome for the job.
func (j Job) Terminal() bool {
	switch j.State {
	case StateCompleted, StateFailed, StateTimedOut, StateDelivered, StateCleanedUp:
		return true
	}
	return false
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// processingTimeFactor is the empirically tuned cost per quality-minute of video.
const processingTimeFactor = 0.033

// EstimateProcessingMinutes returns a rough processing-time estimate based on
// the video duration and source height. The platform produces more quality
// variants for taller sources, which takes proportionally longer.
func EstimateProcessingMinutes(durationSeconds, height int) int {
	qualities := 2
	switch {
	case height >= 1080:
		qualities = 4
	case height >= 720:
		qualities = 3
	}
	minutes := processingTimeFactor * (float64(durationSeconds) / 60.0) * float64(qualities)
	return int(minutes + 0.99)
}
