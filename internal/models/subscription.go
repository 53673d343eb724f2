package models

import "time"

// Tier names the premium plans a user can hold.
type Tier string

const (
	TierBasic Tier = "basic"
	TierPlus  Tier = "plus"
	TierPro   Tier = "pro"
)

// DefaultSlots is the concurrency entitlement for users without an active
// subscription.
const DefaultSlots = 1

// Subscription is a premium entitlement record. Expired subscriptions are
// treated as absent; entitlement then reverts to DefaultSlots.
type Subscription struct {
	UserID      int64     `json:"user_id"`
	Tier        Tier      `json:"tier"`
	MaxChannels int       `json:"max_channels"`
	MaxSlots    int       `json:"max_slots"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Expired reports whether the subscription has lapsed as of now.
func (s Subscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
