package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/djlord-it/area-engine/internal/analytics"
	"github.com/djlord-it/area-engine/internal/api"
	"github.com/djlord-it/area-engine/internal/capability"
	"github.com/djlord-it/area-engine/internal/circuitbreaker"
	"github.com/djlord-it/area-engine/internal/config"
	"github.com/djlord-it/area-engine/internal/cron"
	"github.com/djlord-it/area-engine/internal/dispatch"
	"github.com/djlord-it/area-engine/internal/leaderelection"
	"github.com/djlord-it/area-engine/internal/ledger"
	"github.com/djlord-it/area-engine/internal/metrics"
	"github.com/djlord-it/area-engine/internal/notify"
	"github.com/djlord-it/area-engine/internal/poller"
	"github.com/djlord-it/area-engine/internal/pushrecv"
	"github.com/djlord-it/area-engine/internal/store/postgres"
	"github.com/djlord-it/area-engine/internal/sweeper"
	"github.com/djlord-it/area-engine/internal/token"
	"github.com/djlord-it/area-engine/internal/transport/channel"
	"github.com/djlord-it/area-engine/internal/watch"

	_ "github.com/lib/pq"
)

// cronParserAdapter adapts internal/cron.Parser to poller.CronParser.
type cronParserAdapter struct {
	parser *cron.Parser
}

func (a *cronParserAdapter) Parse(expression string, timezone string) (poller.CronSchedule, error) {
	sched, err := a.parser.Parse(expression, timezone)
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`areaengine - automation reliability engine

Usage:
  areaengine <command>

Commands:
  serve      Start the engine (intake, dispatch workers, API)
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL               PostgreSQL connection string (required)
  REDIS_ADDR                 Redis address for analytics and notification dedup (optional)
  HTTP_ADDR                  HTTP server address (default: ":8080")

  DB_OP_TIMEOUT              Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS          Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS          Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME       Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME      Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT      Graceful HTTP shutdown timeout (default: "10s")
  DISPATCH_WORKERS           Dispatch worker goroutines (default: "4")
  DISPATCH_INVOKE_TIMEOUT    Per-reaction invocation timeout (default: "30s")
  DISPATCH_DRAIN_TIMEOUT     Task drain timeout on shutdown (default: "30s")
  TASKBUS_BUFFER_SIZE        In-process task buffer size (default: "100")

  METRICS_ENABLED            Enable Prometheus metrics (default: "false")
  METRICS_PATH               Metrics endpoint path (default: "/metrics")

  SWEEP_ENABLED              Enable the background sweeper (default: "false")
  SWEEP_INTERVAL             How often the sweep cycle runs (default: "5m")
  SWEEP_RUNNING_THRESHOLD    Age before a running execution is stalled (default: "10m")
  SWEEP_PENDING_THRESHOLD    Age before a pending execution is orphaned (default: "10m")
  SWEEP_BATCH_SIZE           Max rows per sweep duty per cycle (default: "100")
  SUCCESS_RETENTION          Retention for successful executions (default: "168h")
  FAILURE_RETENTION          Retention for failed executions (default: "720h")

  CIRCUIT_BREAKER_THRESHOLD  Consecutive failures before opening; 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN   Open-circuit cooldown (default: "2m")

  TIMER_TICK_INTERVAL        Timer intake tick interval (default: "30s")
  POLL_INTERVAL              Poll intake interval per service (default: "1m")
  TOKEN_REFRESH_MARGIN       Refresh-ahead window for OAuth tokens (default: "5m")
  WATCH_RENEW_INTERVAL       Push watch renewal sweep interval (default: "10m")
  WATCH_RENEW_MARGIN         Renew-ahead window for push watches (default: "1h")

  ANALYTICS_WINDOW           Outcome bucket size: minute, 5min or hour (default: "hour")
  ANALYTICS_RETENTION        Outcome counter retention (default: "720h")
  REAUTH_NOTIFY_TTL          Re-auth notification dedup window (default: "6h")

  LEADER_LOCK_KEY            Advisory lock key shared by all instances (default: "728379")
  LEADER_RETRY_INTERVAL      Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL  Leader connection heartbeat interval (default: "2s")

  OAUTH_SERVICES             Comma-separated services with OAuth credentials configured
  OAUTH_<SVC>_CLIENT_ID      OAuth client id for service <SVC>
  OAUTH_<SVC>_CLIENT_SECRET  OAuth client secret for service <SVC>
  OAUTH_<SVC>_TOKEN_URL      OAuth token endpoint for service <SVC>`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(&cfg)

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("areaengine: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	err = db.PingContext(pingCtx)
	cancelPing()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	if err := probeDedupConstraint(db); err != nil {
		fmt.Fprintf(os.Stderr, "schema probe failed: %v\n", err)
		fmt.Fprintln(os.Stderr, "the executions table needs a unique constraint on (area_id, external_event_id); without it duplicate trigger events are executed twice")
		return exitRuntimeError
	}

	store := postgres.New(db)
	cronParser := &cronParserAdapter{parser: cron.NewParser()}

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("areaengine: metrics enabled (path=%s)", cfg.MetricsPath)
	} else {
		log.Println("areaengine: METRICS_ENABLED not set; metrics disabled")
	}

	// Capability registry. webhook.post is the only built-in; provider
	// integrations register their reactions, poll sources, verifiers and
	// subscribers here.
	registry := capability.NewRegistry()
	registry.RegisterReaction("webhook.post", capability.NewWebhookReaction())

	led := ledger.New(store)
	if metricsSink != nil {
		led = led.WithMetrics(metricsSink)
	}

	var busOpts []channel.Option
	if metricsSink != nil {
		busOpts = append(busOpts, channel.WithMetrics(metricsSink))
	}
	bus := channel.NewTaskBus(cfg.TaskBusBufferSize, busOpts...)

	// Redis backs analytics and notification dedup; both degrade
	// gracefully without it.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
	}

	var notifier notify.Notifier = notify.LogNotifier{}
	if redisClient != nil {
		notifier = notify.NewRedisDeduper(redisClient, cfg.ReauthNotifyTTL, notifier)
	}

	providers := loadOAuthProviders()
	if len(providers) > 0 {
		log.Printf("areaengine: oauth providers configured: %s", strings.Join(providerNames(providers), ", "))
	}
	tokens := token.NewManager(store, providers, cfg.TokenRefreshMargin).
		WithNotifier(notifier)
	if metricsSink != nil {
		tokens = tokens.WithMetrics(metricsSink)
	}

	watches := watch.NewManager(store, registry, tokens)
	if metricsSink != nil {
		watches = watches.WithMetrics(metricsSink)
	}

	var breaker dispatch.Breaker = circuitbreaker.Disabled{}
	if cfg.CircuitBreakerThreshold > 0 {
		breaker = circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
		log.Printf("areaengine: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}

	policy := dispatch.DefaultPolicy
	disp := dispatch.New(led, store, registry, tokens, breaker, policy, cfg.DispatchInvokeTimeout).
		WithDrainTimeout(cfg.DispatchDrainTimeout).
		WithNotifier(notifier)
	if metricsSink != nil {
		disp = disp.WithMetrics(metricsSink)
	}
	if redisClient != nil {
		sink := analytics.NewRedisSink(redisClient, analyticsWindow(cfg.AnalyticsWindow), cfg.AnalyticsRetention)
		disp = disp.WithAnalytics(sink)
		log.Printf("areaengine: analytics enabled (redis=%s, window=%s)", cfg.RedisAddr, cfg.AnalyticsWindow)
	} else {
		log.Println("areaengine: REDIS_ADDR not set; analytics and notification dedup disabled")
	}

	// Intake: timer, one poller per service with a poll source, push receiver.
	timer := poller.NewTimer(
		poller.TimerConfig{TickInterval: cfg.TimerTickInterval},
		store,
		cronParser,
		led,
		bus,
	)

	var pollers []*poller.Poller
	for _, service := range registry.PollServices() {
		p := poller.New(
			poller.Config{Service: service, Interval: cfg.PollInterval},
			store,
			registry,
			tokens,
			led,
			bus,
		)
		if metricsSink != nil {
			p = p.WithMetrics(metricsSink)
		}
		pollers = append(pollers, p)
	}

	receiver := pushrecv.New(registry, store, led, bus)
	if metricsSink != nil {
		receiver = receiver.WithMetrics(metricsSink)
	}

	var sweep *sweeper.Sweeper
	if cfg.SweepEnabled {
		sweep = sweeper.New(
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
		if metricsSink != nil {
			sweep = sweep.WithMetrics(metricsSink)
		}
	} else {
		log.Println("areaengine: SWEEP_ENABLED not set; sweeper disabled")
	}

	// HTTP surface: API, push hooks and metrics share one listener.
	apiHandler := api.NewHandler(store, registry).
		WithHookReceiver(receiver).
		WithHealthChecker(db)

	mux := http.NewServeMux()
	if cfg.MetricsEnabled {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", apiHandler)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("areaengine: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("areaengine: http server error: %v", err)
		}
	}()

	// Dispatch workers run on every instance; intake and sweeping are
	// leader duties so concurrent instances never double-emit.
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	var dispatchWg sync.WaitGroup

	for i := 0; i < cfg.DispatchWorkers; i++ {
		dispatchWg.Add(1)
		go func() {
			defer dispatchWg.Done()
			disp.Run(dispatchCtx, bus.Channel())
		}()
	}
	log.Printf("areaengine: %d dispatch workers started", cfg.DispatchWorkers)

	duties := &leaderDuties{
		timer:   timer,
		pollers: pollers,
		sweep:   sweep,
		watches: watches,
		watchSweep: watch.SweepConfig{
			Interval:  cfg.WatchRenewInterval,
			Margin:    cfg.WatchRenewMargin,
			BatchSize: watch.DefaultSweepConfig().BatchSize,
		},
	}

	elector := leaderelection.New(
		db,
		cfg.LeaderLockKey,
		cfg.LeaderRetryInterval,
		cfg.LeaderHeartbeatInterval,
		duties.start,
		duties.stop,
	)
	if metricsSink != nil {
		elector = elector.WithMetrics(metricsSink)
	}

	electorCtx, cancelElector := context.WithCancel(context.Background())
	var electorWg sync.WaitGroup
	electorWg.Add(1)
	go func() {
		defer electorWg.Done()
		elector.Run(electorCtx)
	}()

	log.Printf("areaengine: started (tick=%s, http=%s, workers=%d)",
		cfg.TimerTickInterval, cfg.HTTPAddr, cfg.DispatchWorkers)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("areaengine: received signal %v, shutting down", received)

	// Phase 1: Stop leader duties (no new tasks emitted)
	log.Println("areaengine: stopping leader duties...")
	cancelElector()
	electorWg.Wait()
	log.Println("areaengine: leader duties stopped")

	// Phase 2: Stop dispatch workers (each drains buffered tasks before returning)
	log.Println("areaengine: stopping dispatch workers (draining tasks)...")
	cancelDispatch()
	dispatchWg.Wait()
	log.Println("areaengine: dispatch workers stopped")

	// Phase 3: Stop HTTP server with graceful shutdown
	log.Println("areaengine: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("areaengine: http server shutdown error: %v", err)
	}
	log.Println("areaengine: http server stopped")

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Printf("areaengine: redis close error: %v", err)
		}
	}

	log.Println("areaengine: stopped")
	return exitSuccess
}

// leaderDuties bundles the singleton loops that must only run on the
// elected leader. Running them on more than one instance would double-emit
// timer slots and poll events; the ledger would dedup, but every duplicate
// still costs a provider call.
type leaderDuties struct {
	timer      *poller.Timer
	pollers    []*poller.Poller
	sweep      *sweeper.Sweeper // nil when disabled
	watches    *watch.Manager
	watchSweep watch.SweepConfig

	wg sync.WaitGroup
}

// start launches the duty goroutines. Called by the elector on election;
// the context is cancelled when leadership is lost.
func (d *leaderDuties) start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.timer.Run(ctx)
	}()

	for _, p := range d.pollers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			p.Run(ctx)
		}()
	}

	if d.sweep != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.sweep.Run(ctx)
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.watches.RunRenewalSweep(ctx, d.watchSweep)
	}()
}

// stop blocks until all duty goroutines have returned. Idempotent.
func (d *leaderDuties) stop() {
	d.wg.Wait()
}

// probeDedupConstraint verifies the unique constraint that backs trigger
// event deduplication is present before serving. Timer rows never hit
// the constraint: their event id is stored as NULL and NULLs are
// distinct under a unique constraint. Returns sql.ErrNoRows when the
// constraint is missing.
func probeDedupConstraint(db *sql.DB) error {
	const query = `
		SELECT 1
		FROM pg_constraint
		WHERE conrelid = 'executions'::regclass
		  AND contype = 'u'
		LIMIT 1`
	var one int
	return db.QueryRow(query).Scan(&one)
}

// logConfigWarnings flags configuration combinations that are valid but
// unsafe in production.
func logConfigWarnings(cfg *config.Config) {
	if !cfg.SweepEnabled {
		log.Println("WARNING [P0]: SWEEP_ENABLED=false. Stalled executions, orphaned pending rows and tasks dropped on buffer overflow are never recovered. Enable the sweeper in production.")
	}

	if cfg.SweepEnabled && cfg.SweepRunningThreshold <= dispatch.DefaultPolicy.MaxRetryDuration() {
		log.Printf("WARNING [P0]: SWEEP_RUNNING_THRESHOLD=%s is within the dispatch retry window (%s). The watchdog may requeue executions that are still retrying, producing duplicate reaction calls.",
			cfg.SweepRunningThreshold, dispatch.DefaultPolicy.MaxRetryDuration())
	}

	if !cfg.MetricsEnabled {
		log.Println("WARNING [P1]: METRICS_ENABLED=false. Engine health (buffer saturation, dead letters, token refresh failures) will not be observable.")
	}

	if cfg.CircuitBreakerThreshold == 0 {
		log.Println("WARNING [P1]: CIRCUIT_BREAKER_THRESHOLD=0. Provider outages will be hammered with retries instead of backing off.")
	}

	if cfg.DispatchWorkers == 1 {
		log.Println("INFO: DISPATCH_WORKERS=1. A single slow reaction blocks all dispatch; consider more workers.")
	}
}

// loadOAuthProviders reads OAuth client settings from the environment.
// OAUTH_SERVICES names the services; each service reads its settings from
// OAUTH_<SVC>_CLIENT_ID, OAUTH_<SVC>_CLIENT_SECRET and OAUTH_<SVC>_TOKEN_URL.
func loadOAuthProviders() map[string]token.ProviderConfig {
	providers := make(map[string]token.ProviderConfig)

	services := os.Getenv("OAUTH_SERVICES")
	if services == "" {
		return providers
	}

	for _, service := range strings.Split(services, ",") {
		service = strings.TrimSpace(service)
		if service == "" {
			continue
		}
		prefix := "OAUTH_" + strings.ToUpper(service) + "_"
		providers[service] = token.ProviderConfig{
			ClientID:     os.Getenv(prefix + "CLIENT_ID"),
			ClientSecret: os.Getenv(prefix + "CLIENT_SECRET"),
			Endpoint: oauth2.Endpoint{
				AuthURL:  os.Getenv(prefix + "AUTH_URL"),
				TokenURL: os.Getenv(prefix + "TOKEN_URL"),
			},
		}
	}
	return providers
}

func providerNames(providers map[string]token.ProviderConfig) []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// analyticsWindow maps the configured window name to a bucket duration.
// Validation has already rejected anything else.
func analyticsWindow(window string) time.Duration {
	switch window {
	case "minute":
		return time.Minute
	case "5min":
		return 5 * time.Minute
	default:
		return time.Hour
	}
}
