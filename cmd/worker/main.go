// Command worker drains execution backlog outside the main engine. It runs
// the sweeper and a dispatch worker pool against the shared database: the
// sweeper re-emits orphaned pending executions onto the local task bus and
// the workers drive them to a terminal status. No intake, no HTTP surface.
//
// Intended for recovering after an outage without waiting for the engine's
// own sweep cycles.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/area-engine/internal/analytics"
	"github.com/djlord-it/area-engine/internal/capability"
	"github.com/djlord-it/area-engine/internal/circuitbreaker"
	"github.com/djlord-it/area-engine/internal/config"
	"github.com/djlord-it/area-engine/internal/dispatch"
	"github.com/djlord-it/area-engine/internal/ledger"
	"github.com/djlord-it/area-engine/internal/notify"
	"github.com/djlord-it/area-engine/internal/store/postgres"
	"github.com/djlord-it/area-engine/internal/sweeper"
	"github.com/djlord-it/area-engine/internal/token"
	"github.com/djlord-it/area-engine/internal/transport/channel"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}

	store := postgres.New(db)

	registry := capability.NewRegistry()
	registry.RegisterReaction("webhook.post", capability.NewWebhookReaction())

	led := ledger.New(store)
	bus := channel.NewTaskBus(cfg.TaskBusBufferSize)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	var notifier notify.Notifier = notify.LogNotifier{}
	if redisClient != nil {
		notifier = notify.NewRedisDeduper(redisClient, cfg.ReauthNotifyTTL, notifier)
	}

	tokens := token.NewManager(store, nil, cfg.TokenRefreshMargin).
		WithNotifier(notifier)

	var breaker dispatch.Breaker = circuitbreaker.Disabled{}
	if cfg.CircuitBreakerThreshold > 0 {
		breaker = circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}

	policy := dispatch.DefaultPolicy
	disp := dispatch.New(led, store, registry, tokens, breaker, policy, cfg.DispatchInvokeTimeout).
		WithDrainTimeout(cfg.DispatchDrainTimeout).
		WithNotifier(notifier)
	if redisClient != nil {
		window := time.Hour
		switch cfg.AnalyticsWindow {
		case "minute":
			window = time.Minute
		case "5min":
			window = 5 * time.Minute
		}
		sink := analytics.NewRedisSink(redisClient, window, cfg.AnalyticsRetention)
		disp = disp.WithAnalytics(sink)
	}

	sweep := sweeper.New(
		sweeper.Config{
			Interval:         cfg.SweepInterval,
			RunningThreshold: cfg.SweepRunningThreshold,
			PendingThreshold: cfg.SweepPendingThreshold,
			BatchSize:        cfg.SweepBatchSize,
			MaxAttempts:      policy.MaxAttempts,
			SuccessRetention: cfg.SuccessRetention,
			FailureRetention: cfg.FailureRetention,
		},
		store,
		led,
		bus,
	)

	// Sweeper stops first so workers can drain what it re-emitted.
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())

	var sweepWg sync.WaitGroup
	var dispatchWg sync.WaitGroup

	sweepWg.Add(1)
	go func() {
		defer sweepWg.Done()
		sweep.Run(sweepCtx)
	}()

	for i := 0; i < cfg.DispatchWorkers; i++ {
		dispatchWg.Add(1)
		go func() {
			defer dispatchWg.Done()
			disp.Run(dispatchCtx, bus.Channel())
		}()
	}

	log.Printf("worker: started (workers=%d, sweep_interval=%s)", cfg.DispatchWorkers, cfg.SweepInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("worker: received signal %v, shutting down", received)

	log.Println("worker: stopping sweeper...")
	cancelSweep()
	sweepWg.Wait()
	log.Println("worker: sweeper stopped")

	log.Println("worker: stopping dispatch workers (draining tasks)...")
	cancelDispatch()
	dispatchWg.Wait()
	log.Println("worker: dispatch workers stopped")

	log.Println("worker: stopped")
}
