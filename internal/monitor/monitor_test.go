package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"video-enhance-orchestrator/internal/config"
	"video-enhance-orchestrator/internal/models"
	"video-enhance-orchestrator/internal/platform"
)

type fakeStore struct {
	pollable []models.Job

	monitoring []string
	completed  map[string][]models.QualityVariant
	failed     map[string]string
	timedOut   []string
}

func newFakeStore(jobs ...models.Job) *fakeStore {
	return &fakeStore{
		pollable:  jobs,
		completed: make(map[string][]models.QualityVariant),
		failed:    make(map[string]string),
	}
}

func (f *fakeStore) ListPollable(ctx context.Context, limit int) ([]models.Job, error) {
	if len(f.pollable) > limit {
		return f.pollable[:limit], nil
	}
	return f.pollable, nil
}

func (f *fakeStore) MarkMonitoring(ctx context.Context, id string) error {
	f.monitoring = append(f.monitoring, id)
	return nil
}

func (f *fakeStore) CompleteJob(ctx context.Context, id string, variants []models.QualityVariant) error {
	f.completed[id] = variants
	return nil
}

func (f *fakeStore) FailJob(ctx context.Context, id string, from models.JobState, reason string) error {
	f.failed[id] = reason
	return nil
}

func (f *fakeStore) TimeoutJob(ctx context.Context, id string) error {
	f.timedOut = append(f.timedOut, id)
	return nil
}

func (f *fakeStore) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	return nil
}

type fakeLimiter struct {
	allow bool
}

func (f *fakeLimiter) Allow(ctx context.Context) (bool, error) {
	return f.allow, nil
}

func testConfig() config.Config {
	return config.Config{
		DestinationChannel:  -200,
		VideoTimeout:        time.Hour,
		CheckInterval:       30 * time.Second,
		MonitorBatchSize:    50,
		MaxConcurrentGlobal: 100,
	}
}

var frozenNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestMonitor(st *fakeStore, fp *platform.Fake) *Monitor {
	m := New(testConfig(), st, fp, nil)
	m.now = func() time.Time { return frozenNow }
	return m
}

func monitoringJob(id string, msgID int64) models.Job {
	scheduledAt := frozenNow.Add(-10 * time.Minute)
	deadline := scheduledAt.Add(time.Hour)
	return models.Job{
		ID:                 id,
		OwnerID:            42,
		State:              models.StateMonitoring,
		ScheduledMessageID: msgID,
		ScheduledAt:        &scheduledAt,
		DeadlineAt:         &deadline,
	}
}

func TestCycleCompletesProcessedJob(t *testing.T) {
	job := monitoringJob("j1", 9001)
	st := newFakeStore(job)
	fp := platform.NewFake()
	fp.FinishProcessing(platform.MessageRef{ChatID: -200, MessageID: 9001}, 480, 720, 1080)
	m := newTestMonitor(st, fp)

	polled, err := m.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if polled != 1 {
		t.Fatalf("polled = %d, want 1", polled)
	}
	variants := st.completed["j1"]
	if len(variants) != 3 {
		t.Fatalf("recorded %d variants, want 3", len(variants))
	}
	if variants[2].Height != 1080 {
		t.Fatalf("variant heights = %v, want last 1080", variants)
	}
}

func TestCycleSingleVideoStaysPending(t *testing.T) {
	job := monitoringJob("j1", 9001)
	st := newFakeStore(job)
	fp := platform.NewFake()
	fp.StageMessage(platform.MessageRef{ChatID: -200, MessageID: 9001}, 1080)
	m := newTestMonitor(st, fp)

	if _, err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(st.completed) != 0 || len(st.failed) != 0 || len(st.timedOut) != 0 {
		t.Fatal("pending job must not transition")
	}
}

func TestCycleTimesOutPastDeadline(t *testing.T) {
	job := monitoringJob("j1", 9001)
	past := frozenNow.Add(-time.Minute)
	job.DeadlineAt = &past
	st := newFakeStore(job)
	fp := platform.NewFake()
	fp.StageMessage(platform.MessageRef{ChatID: -200, MessageID: 9001}, 1080)
	m := newTestMonitor(st, fp)

	if _, err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(st.timedOut) != 1 || st.timedOut[0] != "j1" {
		t.Fatalf("timed out = %v, want [j1]", st.timedOut)
	}
	if len(st.completed) != 0 {
		t.Fatal("timed-out job must not complete")
	}
}

func TestCompletionWinsOverDeadline(t *testing.T) {
	job := monitoringJob("j1", 9001)
	past := frozenNow.Add(-time.Minute)
	job.DeadlineAt = &past
	st := newFakeStore(job)
	fp := platform.NewFake()
	fp.FinishProcessing(platform.MessageRef{ChatID: -200, MessageID: 9001}, 480, 1080)
	m := newTestMonitor(st, fp)

	if _, err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(st.completed) != 1 {
		t.Fatal("variants present at the deadline must still complete the job")
	}
	if len(st.timedOut) != 0 {
		t.Fatal("completed job must not time out")
	}
}

func TestCycleFailsDeletedMessage(t *testing.T) {
	job := monitoringJob("j1", 9001)
	st := newFakeStore(job)
	fp := platform.NewFake()
	fp.StageMessage(platform.MessageRef{ChatID: -200, MessageID: 9001}, 1080)
	fp.Drop(platform.MessageRef{ChatID: -200, MessageID: 9001})
	m := newTestMonitor(st, fp)

	if _, err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if _, ok := st.failed["j1"]; !ok {
		t.Fatal("deleted scheduled message must fail the job")
	}
}

func TestCycleTransientErrorSkips(t *testing.T) {
	job := monitoringJob("j1", 9001)
	st := newFakeStore(job)
	fp := platform.NewFake()
	fp.GetErr = errors.New("timeout talking to platform")
	m := newTestMonitor(st, fp)

	polled, err := m.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if polled != 0 {
		t.Fatalf("polled = %d, want 0 on transient error", polled)
	}
	if len(st.failed) != 0 || len(st.timedOut) != 0 {
		t.Fatal("transient error must not transition the job")
	}
}

func TestCycleArmsScheduledJob(t *testing.T) {
	job := monitoringJob("j1", 9001)
	job.State = models.StateScheduled
	st := newFakeStore(job)
	fp := platform.NewFake()
	fp.StageMessage(platform.MessageRef{ChatID: -200, MessageID: 9001}, 1080)
	m := newTestMonitor(st, fp)

	if _, err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(st.monitoring) != 1 || st.monitoring[0] != "j1" {
		t.Fatalf("monitoring transitions = %v, want [j1]", st.monitoring)
	}
}

func TestBudgetDenialSkipsPoll(t *testing.T) {
	job := monitoringJob("j1", 9001)
	st := newFakeStore(job)
	fp := platform.NewFake()
	fp.FinishProcessing(platform.MessageRef{ChatID: -200, MessageID: 9001}, 480, 1080)
	m := New(testConfig(), st, fp, &fakeLimiter{allow: false})
	m.now = func() time.Time { return frozenNow }

	polled, err := m.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if polled != 0 {
		t.Fatalf("polled = %d, want 0 when budget denied", polled)
	}
	if len(st.completed) != 0 {
		t.Fatal("denied poll must not transition the job")
	}
}

func TestCycleRotatesAcrossBatches(t *testing.T) {
	cfg := testConfig()
	cfg.MonitorBatchSize = 2
	jobs := []models.Job{
		monitoringJob("j1", 9001),
		monitoringJob("j2", 9002),
		monitoringJob("j3", 9003),
	}
	st := newFakeStore(jobs...)
	fp := platform.NewFake()
	for _, j := range jobs {
		fp.StageMessage(platform.MessageRef{ChatID: -200, MessageID: j.ScheduledMessageID}, 1080)
	}
	m := New(cfg, st, fp, nil)
	m.now = func() time.Time { return frozenNow }

	if _, err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(fp.Gets) != 2 {
		t.Fatalf("first cycle polled %d jobs, want 2", len(fp.Gets))
	}

	// The job left out of the first batch goes first in the second.
	if _, err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(fp.Gets) != 4 {
		t.Fatalf("second cycle polled %d more jobs, want 2", len(fp.Gets)-2)
	}
	if fp.Gets[2].MessageID != 9003 {
		t.Fatalf("second cycle started with message %d, want 9003", fp.Gets[2].MessageID)
	}
}

func TestDistinctVariantsDedupsByFileID(t *testing.T) {
	msg := platform.Message{Videos: []platform.Video{
		{FileID: "a", Height: 480},
		{FileID: "a", Height: 480},
		{FileID: "b", Height: 1080},
		{FileID: ""},
	}}
	variants := distinctVariants(msg)
	if len(variants) != 2 {
		t.Fatalf("distinct variants = %d, want 2", len(variants))
	}
}
