// Package poller is the pull half of trigger intake: one periodic task per
// service family that enumerates active areas, queries the provider's
// read-only poll source and submits candidate events to the ledger.
//
// Providers may return the same event across polls; deduplication is the
// ledger's job, not the poller's.
package poller

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/djlord-it/area-engine/internal/capability"
	"github.com/djlord-it/area-engine/internal/domain"
)

// Store lists the areas a poll run must cover. Implementations must only
// return areas in active status; non-active areas never trigger.
type Store interface {
	ListActiveAreasByActionService(ctx context.Context, service string) ([]domain.Area, error)
}

// Ledger is the submit boundary.
type Ledger interface {
	Submit(ctx context.Context, areaID uuid.UUID, externalEventID string, payload map[string]any) (domain.Execution, bool, error)
}

// TokenSource resolves credentials for poll queries.
type TokenSource interface {
	GetValidToken(ctx context.Context, userID uuid.UUID, service string) (domain.ServiceToken, bool, error)
}

// TaskEmitter enqueues dispatch tasks for newly created executions.
type TaskEmitter interface {
	Emit(ctx context.Context, task domain.DispatchTask) error
}

// MetricsSink records poll run metrics. Fire-and-forget.
type MetricsSink interface {
	PollRunCompleted(service string, duration time.Duration, events int, err error)
}

// Config configures one service poller. Interval varies by service
// volatility: sub-minute for time-sensitive triggers, tens of minutes for
// low-churn ones. RateLimit bounds provider calls per second across all
// areas of the service; zero disables limiting.
type Config struct {
	Service   string
	Interval  time.Duration
	RateLimit float64
	Burst     int
}

type Poller struct {
	config   Config
	store    Store
	registry *capability.Registry
	tokens   TokenSource
	ledger   Ledger
	emitter  TaskEmitter
	limiter  *rate.Limiter
	metrics  MetricsSink // optional, nil = disabled
	clock    func() time.Time
}

func New(config Config, store Store, registry *capability.Registry, tokens TokenSource, ledger Ledger, emitter TaskEmitter) *Poller {
	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return &Poller{
		config:   config,
		store:    store,
		registry: registry,
		tokens:   tokens,
		ledger:   ledger,
		emitter:  emitter,
		limiter:  limiter,
		clock:    time.Now,
	}
}

// WithMetrics attaches a metrics sink to the poller.
func (p *Poller) WithMetrics(sink MetricsSink) *Poller {
	p.metrics = sink
	return p
}

// Run executes poll runs at the configured interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	log.Printf("poller: %s started, interval=%s", p.config.Service, p.config.Interval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("poller: %s stopped", p.config.Service)
			return
		case <-ticker.C:
			start := p.clock()
			events, err := p.runOnce(ctx)
			if err != nil {
				log.Printf("poller: %s run error: %v", p.config.Service, err)
			}
			if p.metrics != nil {
				p.metrics.PollRunCompleted(p.config.Service, p.clock().Sub(start), events, err)
			}
		}
	}
}

// runOnce performs one poll run over all active areas of the service.
// Per-area errors are logged and do not abort the run.
func (p *Poller) runOnce(ctx context.Context) (int, error) {
	areas, err := p.store.ListActiveAreasByActionService(ctx, p.config.Service)
	if err != nil {
		return 0, fmt.Errorf("list areas: %w", err)
	}

	total := 0
	for _, area := range areas {
		n, err := p.pollArea(ctx, area)
		total += n
		if err != nil {
			log.Printf("poller: %s area=%s error: %v", p.config.Service, area.ID, err)
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
	return total, nil
}

func (p *Poller) pollArea(ctx context.Context, area domain.Area) (int, error) {
	source, ok := p.registry.PollSource(area.Action.Key())
	if !ok {
		return 0, fmt.Errorf("no poll source registered for %s", area.Action.Key())
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	var tokenPtr *domain.ServiceToken
	token, found, err := p.tokens.GetValidToken(ctx, area.UserID, area.Action.Service)
	if err != nil {
		return 0, fmt.Errorf("get token: %w", err)
	}
	if found {
		tokenPtr = &token
	}

	events, err := source.ListEvents(ctx, area, tokenPtr)
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}

	submitted := 0
	for _, ev := range events {
		exec, isNew, err := p.ledger.Submit(ctx, area.ID, ev.ExternalEventID, ev.Payload)
		if err != nil {
			log.Printf("poller: %s area=%s event=%s submit error: %v",
				p.config.Service, area.ID, ev.ExternalEventID, err)
			continue
		}
		if !isNew {
			continue // provider replay, already ledgered
		}
		submitted++

		task := domain.DispatchTask{
			ExecutionID: exec.ID,
			AreaID:      area.ID,
			EnqueuedAt:  p.clock().UTC(),
		}
		if err := p.emitter.Emit(ctx, task); err != nil {
			// The execution row exists; the sweeper re-emits orphaned
			// pending rows, so a full buffer here is not fatal.
			log.Printf("poller: %s execution=%s emit error: %v", p.config.Service, exec.ID, err)
		}
	}
	return submitted, nil
}
