package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/runforge/runforge/internal/alerts"
	"github.com/runforge/runforge/internal/api"
	"github.com/runforge/runforge/internal/attempts"
	"github.com/runforge/runforge/internal/concurrency"
	"github.com/runforge/runforge/internal/dequeue"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/locking"
	"github.com/runforge/runforge/internal/middleware"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/runqueue"
	"github.com/runforge/runforge/internal/scheduler"
	"github.com/runforge/runforge/internal/snapshots"
	"github.com/runforge/runforge/internal/store"
	"github.com/runforge/runforge/internal/trigger"
	"github.com/runforge/runforge/internal/waitpoints"
)

func main() {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	postgresDSN := os.Getenv("POSTGRES_DSN")
	if postgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	st, err := store.NewPostgres(postgresDSN)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("failed to close store: %v", err)
		}
	}()

	if err := st.Migrate(context.Background()); err != nil {
		log.Fatal(err)
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewInMemoryBus()
	sched := scheduler.NewWorker(client)
	runLock := locking.NewRunLock(client)
	queue := runqueue.NewQueue(client)
	snaps := snapshots.NewSystem(st, sched, bus, nil)

	tracker := concurrency.NewTracker(client)
	release, err := concurrency.NewEnvReleaseQueue(client, tracker, releaseTokens())
	if err != nil {
		log.Fatal(err)
	}

	wps := waitpoints.NewSystem(st, sched, snaps, runLock, queue, bus, release)
	att := attempts.NewSystem(st, snaps, runLock, queue, wps, release, sched)
	deq := dequeue.NewSystem(st, snaps, runLock, queue, att, bus, tracker)
	trig := trigger.NewSystem(st, snaps, wps, queue)

	wps.RegisterJobs()
	att.RegisterJobs()

	go sched.Start(ctx)
	defer sched.Stop()

	release.Start(ctx)
	defer release.Stop()

	go startMetricsCollector(ctx, queue)

	alerter := alerts.NewFromEnv()
	bus.Subscribe(events.SnapshotCreated, func(e events.Event) {
		status, _ := e.Payload["run_status"].(string)
		if status != string(run.StatusCrashed) && status != string(run.StatusSystemFailure) {
			return
		}
		failed, err := st.GetRun(context.Background(), e.RunID)
		if err != nil {
			log.Printf("Failed to load run %s for alerting: %v", e.RunID, err)
			return
		}
		go alerter.RunFailed(failed)
	})

	apiHandler := api.NewAPI(st, trig, deq, att, snaps, wps)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/", middleware.MetricsMiddleware(apiHandler))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		log.Printf("Engine starting on :%s", port)
		log.Printf("Connected to Redis at %s", redisAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down engine...")
	if err := server.Shutdown(context.Background()); err != nil {
		log.Printf("failed to shut down HTTP server: %v", err)
	}
}

func releaseTokens() int64 {
	raw := os.Getenv("RELEASE_TOKENS_PER_ENV")
	if raw == "" {
		return 10
	}
	tokens, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || tokens <= 0 {
		log.Printf("Invalid RELEASE_TOKENS_PER_ENV %q, using 10", raw)
		return 10
	}
	return tokens
}
