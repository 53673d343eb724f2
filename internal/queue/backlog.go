package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	backlogKey = "videos:backlog"
	releaseKey = "videos:slots:released"
)

// Backlog mirrors the queued-job FIFO in Redis and carries slot-release
// wakeups for the admission loop. The job store remains the source of truth
// for states; the mirror exists for cheap depth reads, ops inspection, and
// blocking wakeups.
type Backlog struct {
	client *redis.Client
}

// New builds the backlog over an existing Redis client.
func New(client *redis.Client) *Backlog {
	return &Backlog{client: client}
}

// Push appends a freshly queued job id to the tail of the FIFO.
func (b *Backlog) Push(ctx context.Context, jobID string) error {
	return b.client.RPush(ctx, backlogKey, jobID).Err()
}

// Remove drops a job id from the FIFO after admission or cancellation.
func (b *Backlog) Remove(ctx context.Context, jobID string) error {
	return b.client.LRem(ctx, backlogKey, 0, jobID).Err()
}

// Depth returns the mirrored backlog length.
func (b *Backlog) Depth(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, backlogKey).Result()
}

// Peek reads up to count job ids from the head of the FIFO.
func (b *Backlog) Peek(ctx context.Context, count int64) ([]string, error) {
	return b.client.LRange(ctx, backlogKey, 0, count-1).Result()
}

// Reconcile rebuilds the mirror from the store's queued backlog, oldest first.
// Called on startup so jobs queued before a crash are re-offered to admission.
func (b *Backlog) Reconcile(ctx context.Context, jobIDs []string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, backlogKey)
	if len(jobIDs) > 0 {
		args := make([]interface{}, len(jobIDs))
		for i, id := range jobIDs {
			args[i] = id
		}
		pipe.RPush(ctx, backlogKey, args...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SignalRelease wakes the admission loop after a slot was freed. Releasing is
// idempotent by construction: slot accounting is derived from job states, so a
// duplicate wakeup simply finds no extra capacity.
func (b *Backlog) SignalRelease(ctx context.Context) error {
	return b.client.RPush(ctx, releaseKey, "1").Err()
}

// AwaitRelease blocks until a release wakeup arrives or the timeout elapses.
// Returns true when it was woken by a release.
func (b *Backlog) AwaitRelease(ctx context.Context, timeout time.Duration) (bool, error) {
	_, err := b.client.BLPop(ctx, timeout, releaseKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
