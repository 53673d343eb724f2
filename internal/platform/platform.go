// Package platform defines the capability-scoped contracts the orchestrator
// consumes from the messaging platform. The bot capability talks to users;
// the userbot capability holds the privileged session that can relay into
// channels, create scheduled posts, and inspect or delete them. The two are
// deliberately separate interfaces so no component can reach for a privilege
// it does not need.
package platform

import (
	"context"
	"errors"
	"time"
)

// ErrMessageDeleted is returned by GetMessage and DeleteScheduled when the
// referenced message no longer exists on the platform.
var ErrMessageDeleted = errors.New("platform: message deleted")

// MessageRef is an opaque handle to a message in a chat or channel.
type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

// Video is one video payload attached to a message.
type Video struct {
	FileID   string `json:"file_id"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size"`
}

// Message is the current representation of a scheduled message. Once the
// platform finishes multi-quality processing, Videos carries more than one
// distinct payload.
type Message struct {
	Ref    MessageRef `json:"ref"`
	Videos []Video    `json:"videos"`
}

// Submission is an incoming video from a user, as surfaced by the bot.
type Submission struct {
	OwnerID         int64      `json:"owner_id"`
	Message         MessageRef `json:"message"`
	FileName        string     `json:"file_name"`
	FileSize        int64      `json:"file_size"`
	Codec           string     `json:"codec"`
	Container       string     `json:"container"`
	DurationSeconds int        `json:"duration_seconds"`
	Height          int        `json:"height"`
}

// Bot is the user-facing transport capability.
type Bot interface {
	// Updates long-polls for new video submissions past the given offset,
	// returning the submissions and the next offset to resume from.
	Updates(ctx context.Context, offset int64, limit int) ([]Submission, int64, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendVideo(ctx context.Context, chatID int64, fileID, caption string) error
}

// Userbot is the privileged transport capability.
type Userbot interface {
	// Relay copies a message into the given channel and returns the new handle.
	Relay(ctx context.Context, msg MessageRef, toChannel int64) (MessageRef, error)
	// ScheduleCopy copies a message into the given channel as a scheduled
	// post held until at. The schedule date only satisfies the platform's
	// precondition for server-side processing; the post is never meant to fire.
	ScheduleCopy(ctx context.Context, msg MessageRef, toChannel int64, at time.Time) (MessageRef, error)
	// GetMessage returns the scheduled message's current representation.
	GetMessage(ctx context.Context, ref MessageRef) (Message, error)
	// DeleteScheduled removes a scheduled post, reclaiming platform capacity.
	DeleteScheduled(ctx context.Context, ref MessageRef) error
}
