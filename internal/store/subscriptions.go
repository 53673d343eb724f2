package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"video-enhance-orchestrator/internal/models"
)

// GetEntitlement returns the user's active subscription. Expired rows are
// treated as absent.
func (s *Store) GetEntitlement(ctx context.Context, userID int64) (models.Subscription, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, tier, max_channels, max_slots, expires_at, created_at, updated_at
		FROM subscriptions WHERE user_id = $1 AND expires_at > NOW()
	`, userID)

	var sub models.Subscription
	err := row.Scan(&sub.UserID, &sub.Tier, &sub.MaxChannels, &sub.MaxSlots,
		&sub.ExpiresAt, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, false, nil
	}
	if err != nil {
		return models.Subscription{}, false, fmt.Errorf("query subscription: %w", err)
	}
	return sub, true, nil
}

// MaxSlots resolves the user's concurrency entitlement: the subscription's
// slot count while active, the free-tier default otherwise.
func (s *Store) MaxSlots(ctx context.Context, userID int64) (int, error) {
	sub, found, err := s.GetEntitlement(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !found || sub.MaxSlots < models.DefaultSlots {
		return models.DefaultSlots, nil
	}
	return sub.MaxSlots, nil
}

// UpsertSubscription creates or extends a premium entitlement. The purchase
// flow itself lives outside the orchestrator; this is the write path it calls.
func (s *Store) UpsertSubscription(ctx context.Context, userID int64, tier models.Tier, maxChannels, maxSlots int, expiresAt time.Time) (models.Subscription, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (user_id, tier, max_channels, max_slots, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (user_id) DO UPDATE
		SET tier = EXCLUDED.tier, max_channels = EXCLUDED.max_channels,
		    max_slots = EXCLUDED.max_slots, expires_at = EXCLUDED.expires_at,
		    updated_at = EXCLUDED.updated_at
	`, userID, tier, maxChannels, maxSlots, expiresAt, now)
	if err != nil {
		return models.Subscription{}, fmt.Errorf("upsert subscription: %w", err)
	}
	return models.Subscription{
		UserID:      userID,
		Tier:        tier,
		MaxChannels: maxChannels,
		MaxSlots:    maxSlots,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// PurgeExpiredSubscriptions removes subscriptions expired beyond the retention
// window. Returns how many rows were removed.
func (s *Store) PurgeExpiredSubscriptions(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM subscriptions WHERE expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}
