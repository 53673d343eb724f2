package models

import (
	"testing"
	"time"
)

func TestJobActive(t *testing.T) {
	active := map[JobState]bool{
		StateQueued:     false,
		StateScheduled:  true,
		StateMonitoring: true,
		StateCompleted:  false,
		StateFailed:     false,
		StateTimedOut:   false,
		StateDelivered:  false,
		StateCleanedUp:  false,
	}
	for state, want := range active {
		j := Job{State: state}
		if j.Active() != want {
			t.Errorf("Active() for %s = %v, want %v", state, j.Active(), want)
		}
	}
}

func TestJobTerminal(t *testing.T) {
	terminal := map[JobState]bool{
		StateQueued:     false,
		StateScheduled:  false,
		StateMonitoring: false,
		StateCompleted:  true,
		StateFailed:     true,
		StateTimedOut:   true,
		StateDelivered:  true,
		StateCleanedUp:  true,
	}
	for state, want := range terminal {
		j := Job{State: state}
		if j.Terminal() != want {
			t.Errorf("Terminal() for %s = %v, want %v", state, j.Terminal(), want)
		}
	}
}

func TestEstimateProcessingMinutes(t *testing.T) {
	cases := []struct {
		name            string
		durationSeconds int
		height          int
		want            int
	}{
		{"ten minute 1080p", 600, 1080, 2},
		{"ten minute 720p", 600, 720, 1},
		{"ten minute 480p", 600, 480, 1},
		{"feature length 1080p", 7200, 1080, 16},
		{"short clip rounds up", 30, 480, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EstimateProcessingMinutes(tc.durationSeconds, tc.height)
			if got != tc.want {
				t.Fatalf("EstimateProcessingMinutes(%d, %d) = %d, want %d",
					tc.durationSeconds, tc.height, got, tc.want)
			}
		})
	}
}

func TestSubscriptionExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := Subscription{ExpiresAt: now.Add(time.Hour)}
	if s.Expired(now) {
		t.Fatal("future expiry reported expired")
	}
	s.ExpiresAt = now.Add(-time.Hour)
	if !s.Expired(now) {
		t.Fatal("past expiry reported active")
	}
	s.ExpiresAt = now
	if !s.Expired(now) {
		t.Fatal("expiry at the boundary must count as expired")
	}
}
