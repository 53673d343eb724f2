package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"video-enhance-orchestrator/internal/admission"
	"video-enhance-orchestrator/internal/archive"
	"video-enhance-orchestrator/internal/config"
	"video-enhance-orchestrator/internal/delivery"
	"video-enhance-orchestrator/internal/ingress"
	"video-enhance-orchestrator/internal/monitor"
	"video-enhance-orchestrator/internal/platform"
	"video-enhance-orchestrator/internal/queue"
	"video-enhance-orchestrator/internal/ratelimit"
	"video-enhance-orchestrator/internal/scheduler"
	"video-enhance-orchestrator/internal/store"
	"video-enhance-orchestrator/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	backlog := queue.New(redisClient)
	budget := ratelimit.NewPollBudget(redisClient, cfg.PollRateCapacity, cfg.PollRateRefill, time.Hour)

	bridge := platform.NewBridge(cfg.BridgeURL, cfg.BridgeTimeout)

	var archiver delivery.Archiver
	if cfg.ArchiveS3Bucket != "" {
		s3Archiver, err := archive.NewS3Archiver(ctx, cfg.ArchiveS3Region, cfg.ArchiveS3Bucket)
		if err != nil {
			log.Fatalf("init archive: %v", err)
		}
		archiver = s3Archiver
	}

	sched := scheduler.New(cfg, st, backlog, bridge)
	mon := monitor.New(cfg, st, bridge, budget)
	worker := delivery.New(cfg, st, bridge, bridge, backlog, archiver)
	admit := admission.New(cfg, st, sched, backlog)
	handler := ingress.NewHandler(cfg, st, backlog, sched, bridge)

	if err := recoverInFlight(ctx, cfg, st, backlog, sched); err != nil {
		log.Fatalf("restart recovery: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	go runLoop(ctx, "ingress", handler.Run)
	go runLoop(ctx, "monitor", mon.Run)
	go runLoop(ctx, "delivery", worker.Run)
	go runLoop(ctx, "admission", admit.Run)
	go runSubscriptionSweep(ctx, cfg, st)

	log.Printf("orchestrator started: check_interval=%s timeout=%s global_limit=%d",
		cfg.CheckInterval, cfg.VideoTimeout, cfg.MaxConcurrentGlobal)
	<-ctx.Done()
	log.Printf("orchestrator shutting down")
}

// recoverInFlight resumes work left over from a previous process. Jobs that
// claimed a slot but never recorded a scheduled message are re-offered to the
// scheduler; jobs already scheduled resume polling untouched; the queued
// backlog mirror is rebuilt so admission sees it again.
func recoverInFlight(ctx context.Context, cfg config.Config, st *store.Store, backlog *queue.Backlog, sched *scheduler.Scheduler) error {
	unscheduled, err := st.ListUnscheduled(ctx)
	if err != nil {
		return err
	}
	for _, job := range unscheduled {
		log.Printf("recovery: resuming relay for job %s", job.ID)
		if err := sched.Schedule(ctx, job); err != nil {
			log.Printf("recovery: schedule job %s: %v", job.ID, err)
		}
	}

	queued, err := st.OldestQueued(ctx, cfg.MaxQueuedVideos)
	if err != nil {
		return err
	}
	ids := make([]string, len(queued))
	for i, job := range queued {
		ids[i] = job.ID
	}
	if err := backlog.Reconcile(ctx, ids); err != nil {
		return err
	}
	if len(ids) > 0 {
		// Wake the admission loop so waiting jobs get a shot at free slots.
		if err := backlog.SignalRelease(ctx); err != nil {
			return err
		}
	}

	pollable, err := st.ListPollable(ctx, cfg.MaxConcurrentGlobal)
	if err != nil {
		return err
	}
	if len(pollable) > 0 {
		log.Printf("recovery: %d in-flight jobs resume polling", len(pollable))
	}
	return nil
}

func runSubscriptionSweep(ctx context.Context, cfg config.Config, st *store.Store) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PurgeExpiredSubscriptions(ctx, cfg.SubscriptionRetention)
			if err != nil {
				log.Printf("sweep: purge subscriptions: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("sweep: purged %d expired subscriptions", n)
			}
		}
	}
}

func runLoop(ctx context.Context, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		log.Printf("%s loop stopped: %v", name, err)
	}
}
