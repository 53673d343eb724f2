package platform

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory platform used in tests. It implements both Bot and
// Userbot, records outgoing traffic, and lets tests stage processing results
// or inject failures.
type Fake struct {
	mu sync.Mutex

	nextMessageID int64
	messages      map[MessageRef]Message
	deleted       map[MessageRef]bool

	SentMessages []SentMessage
	SentVideos   []SentVideo
	Deletions    []MessageRef
	Gets         []MessageRef

	RelayErr    error
	ScheduleErr error
	GetErr      error
	DeleteErr   error
}

// SentMessage records a SendMessage call.
type SentMessage struct {
	ChatID int64
	Text   string
}

// SentVideo records a SendVideo call.
type SentVideo struct {
	ChatID  int64
	FileID  string
	Caption string
}

// NewFake builds an empty fake platform.
func NewFake() *Fake {
	return &Fake{
		nextMessageID: 1000,
		messages:      make(map[MessageRef]Message),
		deleted:       make(map[MessageRef]bool),
	}
}

var (
	_ Bot     = (*Fake)(nil)
	_ Userbot = (*Fake)(nil)
)

func (f *Fake) Updates(ctx context.Context, offset int64, limit int) ([]Submission, int64, error) {
	return nil, offset, nil
}

func (f *Fake) SendMessage(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SentMessages = append(f.SentMessages, SentMessage{ChatID: chatID, Text: text})
	return nil
}

func (f *Fake) SendVideo(ctx context.Context, chatID int64, fileID, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SentVideos = append(f.SentVideos, SentVideo{ChatID: chatID, FileID: fileID, Caption: caption})
	return nil
}

func (f *Fake) Relay(ctx context.Context, msg MessageRef, toChannel int64) (MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RelayErr != nil {
		return MessageRef{}, f.RelayErr
	}
	return f.newMessageLocked(toChannel), nil
}

func (f *Fake) ScheduleCopy(ctx context.Context, msg MessageRef, toChannel int64, at time.Time) (MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ScheduleErr != nil {
		return MessageRef{}, f.ScheduleErr
	}
	return f.newMessageLocked(toChannel), nil
}

func (f *Fake) GetMessage(ctx context.Context, ref MessageRef) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Gets = append(f.Gets, ref)
	if f.GetErr != nil {
		return Message{}, f.GetErr
	}
	if f.deleted[ref] {
		return Message{}, ErrMessageDeleted
	}
	msg, ok := f.messages[ref]
	if !ok {
		return Message{}, ErrMessageDeleted
	}
	return msg, nil
}

func (f *Fake) DeleteScheduled(ctx context.Context, ref MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deletions = append(f.Deletions, ref)
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	if f.deleted[ref] || f.messages[ref].Ref == (MessageRef{}) {
		return ErrMessageDeleted
	}
	f.deleted[ref] = true
	return nil
}

// StageMessage seeds a scheduled message with a single source video, as the
// platform holds it before processing completes.
func (f *Fake) StageMessage(ref MessageRef, height int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[ref] = Message{
		Ref:    ref,
		Videos: []Video{{FileID: fmt.Sprintf("src-%d", ref.MessageID), Height: height}},
	}
}

// FinishProcessing replaces the staged message with multiple quality
// variants, simulating the platform completing its transcode.
func (f *Fake) FinishProcessing(ref MessageRef, heights ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := Message{Ref: ref}
	for i, h := range heights {
		msg.Videos = append(msg.Videos, Video{
			FileID: fmt.Sprintf("variant-%d-%d", ref.MessageID, i),
			Height: h,
		})
	}
	f.messages[ref] = msg
}

// Drop marks a staged message as deleted on the platform side.
func (f *Fake) Drop(ref MessageRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[ref] = true
}

func (f *Fake) newMessageLocked(chatID int64) MessageRef {
	f.nextMessageID++
	ref := MessageRef{ChatID: chatID, MessageID: f.nextMessageID}
	f.messages[ref] = Message{Ref: ref}
	return ref
}
