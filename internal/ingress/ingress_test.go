package ingress

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"video-enhance-orchestrator/internal/config"
	"video-enhance-orchestrator/internal/models"
	"video-enhance-orchestrator/internal/platform"
	"video-enhance-orchestrator/internal/scheduler"
	"video-enhance-orchestrator/internal/store"
)

type fakeStore struct {
	jobs      []models.Job
	queued    int
	createErr error
}

func (f *fakeStore) CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error) {
	if f.createErr != nil {
		return models.Job{}, f.createErr
	}
	job := models.Job{
		ID:              fmt.Sprintf("job-%d", len(f.jobs)+1),
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
		SubmittedAt:     time.Now().UTC(),
	}
	f.jobs = append(f.jobs, job)
	f.queued++
	return job, nil
}

func (f *fakeStore) CountQueued(ctx context.Context) (int, error) {
	return f.queued, nil
}

type fakeAdmitter struct {
	grant bool
	err   error
	calls []string
}

func (f *fakeAdmitter) Admit(ctx context.Context, job models.Job) (bool, error) {
	f.calls = append(f.calls, job.ID)
	return f.grant, f.err
}

type fakeBacklog struct {
	pushed []string
}

func (f *fakeBacklog) Push(ctx context.Context, jobID string) error {
	f.pushed = append(f.pushed, jobID)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		MaxVideoSizeGB:      1.5,
		MaxQueuedVideos:     100,
		MaxConcurrentGlobal: 100,
	}
}

func submission(codec, container string, size int64) platform.Submission {
	return platform.Submission{
		OwnerID:         42,
		Message:         platform.MessageRef{ChatID: 42, MessageID: 7},
		FileName:        "clip." + container,
		FileSize:        size,
		Codec:           codec,
		Container:       container,
		DurationSeconds: 600,
		Height:          1080,
	}
}

func TestSubmitAccepted(t *testing.T) {
	st := &fakeStore{}
	adm := &fakeAdmitter{grant: true}
	bl := &fakeBacklog{}
	h := NewHandler(testConfig(), st, bl, adm, platform.NewFake())

	job, admitted, err := h.Submit(context.Background(), submission("h264", "mp4", 500<<20))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !admitted {
		t.Fatal("expected immediate admission")
	}
	if job.State != models.StateQueued {
		t.Fatalf("job state = %s, want queued", job.State)
	}
	if len(bl.pushed) != 1 || bl.pushed[0] != job.ID {
		t.Fatalf("backlog pushed = %v, want [%s]", bl.pushed, job.ID)
	}
	if len(adm.calls) != 1 || adm.calls[0] != job.ID {
		t.Fatalf("admitter calls = %v, want [%s]", adm.calls, job.ID)
	}
}

func TestSubmitUnsupportedFormat(t *testing.T) {
	cases := []struct {
		codec, container string
	}{
		{"mpeg4", "avi"},
		{"vp9", "webm"},
		{"h264", "avi"},
		{"av1", "mp4"},
	}
	for _, tc := range cases {
		st := &fakeStore{}
		h := NewHandler(testConfig(), st, &fakeBacklog{}, &fakeAdmitter{}, platform.NewFake())

		_, _, err := h.Submit(context.Background(), submission(tc.codec, tc.container, 100<<20))
		if !errors.Is(err, ErrUnsupportedFormat) {
			t.Fatalf("%s/%s: err = %v, want ErrUnsupportedFormat", tc.codec, tc.container, err)
		}
		if len(st.jobs) != 0 {
			t.Fatalf("%s/%s: job created for rejected submission", tc.codec, tc.container)
		}
	}
}

func TestSubmitUppercaseFormatAccepted(t *testing.T) {
	st := &fakeStore{}
	h := NewHandler(testConfig(), st, &fakeBacklog{}, &fakeAdmitter{}, platform.NewFake())

	job, _, err := h.Submit(context.Background(), submission("HEVC", "MKV", 100<<20))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Codec != "hevc" || job.Container != "mkv" {
		t.Fatalf("stored format = %s/%s, want hevc/mkv", job.Codec, job.Container)
	}
}

func TestSubmitTooLarge(t *testing.T) {
	st := &fakeStore{}
	h := NewHandler(testConfig(), st, &fakeBacklog{}, &fakeAdmitter{}, platform.NewFake())

	gib := float64(1 << 30)
	over := int64(1.6 * gib)
	_, _, err := h.Submit(context.Background(), submission("h264", "mp4", over))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	if len(st.jobs) != 0 {
		t.Fatal("job created for oversized submission")
	}
}

func TestSubmitQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueuedVideos = 3
	st := &fakeStore{queued: 3}
	h := NewHandler(cfg, st, &fakeBacklog{}, &fakeAdmitter{}, platform.NewFake())

	_, _, err := h.Submit(context.Background(), submission("h265", "mkv", 100<<20))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if len(st.jobs) != 0 {
		t.Fatal("job created while queue full")
	}
}

func TestSubmitQueuedWhenSlotsBusy(t *testing.T) {
	st := &fakeStore{}
	bl := &fakeBacklog{}
	h := NewHandler(testConfig(), st, bl, &fakeAdmitter{grant: false}, platform.NewFake())

	job, admitted, err := h.Submit(context.Background(), submission("h264", "mkv", 100<<20))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if admitted {
		t.Fatal("expected job to stay queued")
	}
	if len(bl.pushed) != 1 || bl.pushed[0] != job.ID {
		t.Fatalf("backlog pushed = %v, want [%s]", bl.pushed, job.ID)
	}
}

func TestSubmitSurvivesAdmissionError(t *testing.T) {
	st := &fakeStore{}
	adm := &fakeAdmitter{err: errors.New("relay down")}
	h := NewHandler(testConfig(), st, &fakeBacklog{}, adm, platform.NewFake())

	job, admitted, err := h.Submit(context.Background(), submission("h264", "mp4", 100<<20))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if admitted {
		t.Fatal("admission error must not report an admitted job")
	}
	if job.ID == "" {
		t.Fatal("expected created job despite admission error")
	}
}

func TestSubmitReportsSchedulingFailure(t *testing.T) {
	st := &fakeStore{}
	adm := &fakeAdmitter{err: fmt.Errorf("%w: relay rejected", scheduler.ErrSchedulingFailed)}
	h := NewHandler(testConfig(), st, &fakeBacklog{}, adm, platform.NewFake())

	job, admitted, err := h.Submit(context.Background(), submission("h264", "mp4", 100<<20))
	if !errors.Is(err, scheduler.ErrSchedulingFailed) {
		t.Fatalf("err = %v, want ErrSchedulingFailed", err)
	}
	if admitted {
		t.Fatal("a scheduling failure must not report an admitted job")
	}
	if job.ID == "" {
		t.Fatal("the job row exists even though scheduling failed")
	}
}

func TestSchedulingFailureSuppressesQueuedNotice(t *testing.T) {
	st := &fakeStore{}
	adm := &fakeAdmitter{err: fmt.Errorf("%w: relay rejected", scheduler.ErrSchedulingFailed)}
	fp := platform.NewFake()
	h := NewHandler(testConfig(), st, &fakeBacklog{}, adm, fp)

	h.handle(context.Background(), submission("h264", "mp4", 100<<20))
	if len(fp.SentMessages) != 0 {
		t.Fatalf("sent %v, want none; the delivery worker owns the failure notice", fp.SentMessages)
	}
	if len(st.jobs) != 1 {
		t.Fatalf("created %d jobs, want 1", len(st.jobs))
	}
}

func TestRejectionNotices(t *testing.T) {
	fp := platform.NewFake()
	h := NewHandler(testConfig(), &fakeStore{}, &fakeBacklog{}, &fakeAdmitter{}, fp)

	h.handle(context.Background(), submission("mpeg4", "avi", 100<<20))
	if len(fp.SentMessages) != 1 {
		t.Fatalf("sent %d messages, want 1", len(fp.SentMessages))
	}
	if fp.SentMessages[0].ChatID != 42 {
		t.Fatalf("notice went to %d, want 42", fp.SentMessages[0].ChatID)
	}
}
