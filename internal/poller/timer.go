package poller

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/djlord-it/area-engine/internal/domain"
)

// TimerService is the pseudo-service of purely time-based actions.
// Timer executions carry an empty external event id: there is no provider
// event to dedup against, so every firing creates a row.
const TimerService = "timer"

// CronParser abstracts the cron expression parser.
type CronParser interface {
	Parse(expression string, timezone string) (CronSchedule, error)
}

// CronSchedule yields successive fire times.
type CronSchedule interface {
	Next(after time.Time) time.Time
}

// TimerConfig configures the timer intake loop.
type TimerConfig struct {
	TickInterval time.Duration
}

// Timer fires time-based areas. Each tick enumerates active timer areas
// and submits one execution per due cron slot since the last tick.
type Timer struct {
	config   TimerConfig
	store    Store
	parser   CronParser
	ledger   Ledger
	emitter  TaskEmitter
	clock    func() time.Time
	lastTick time.Time
}

func NewTimer(config TimerConfig, store Store, parser CronParser, ledger Ledger, emitter TaskEmitter) *Timer {
	return &Timer{
		config:  config,
		store:   store,
		parser:  parser,
		ledger:  ledger,
		emitter: emitter,
		clock:   time.Now,
	}
}

// Run executes timer ticks until ctx is cancelled.
func (t *Timer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.config.TickInterval)
	defer ticker.Stop()

	log.Printf("timer: started, tick=%s", t.config.TickInterval)
	t.lastTick = t.clock().UTC()

	for {
		select {
		case <-ctx.Done():
			log.Println("timer: stopped")
			return
		case <-ticker.C:
			if err := t.processTick(ctx); err != nil {
				log.Printf("timer: tick error: %v", err)
			}
		}
	}
}

func (t *Timer) processTick(ctx context.Context) error {
	now := t.clock().UTC()

	areas, err := t.store.ListActiveAreasByActionService(ctx, TimerService)
	if err != nil {
		return fmt.Errorf("list areas: %w", err)
	}

	for _, area := range areas {
		if err := t.processArea(ctx, area, t.lastTick, now); err != nil {
			log.Printf("timer: area %s error: %v", area.ID, err)
		}
	}

	t.lastTick = now
	return nil
}

func (t *Timer) processArea(ctx context.Context, area domain.Area, lastTick, now time.Time) error {
	expr, _ := area.Action.Config["cron"].(string)
	if expr == "" {
		return fmt.Errorf("area %s: missing cron expression", area.ID)
	}

	tz, _ := area.Action.Config["timezone"].(string)
	if tz == "" {
		tz = "UTC"
	}

	sched, err := t.parser.Parse(expr, tz)
	if err != nil {
		return fmt.Errorf("parse cron: %w", err)
	}

	// Cap the catch-up window so a long pause cannot flood the ledger.
	const maxIterations = 1000
	fire := sched.Next(lastTick)

	for i := 0; i < maxIterations && !fire.After(now); i++ {
		scheduledAt := fire.UTC().Truncate(time.Minute)

		payload := map[string]any{
			"scheduled_at": scheduledAt.Format(time.RFC3339),
			"fired_at":     now.Format(time.RFC3339),
		}

		exec, _, err := t.ledger.Submit(ctx, area.ID, "", payload)
		if err != nil {
			log.Printf("timer: area %s at %s submit error: %v", area.ID, scheduledAt.Format(time.RFC3339), err)
			fire = sched.Next(fire)
			continue
		}

		task := domain.DispatchTask{
			ExecutionID: exec.ID,
			AreaID:      area.ID,
			EnqueuedAt:  now,
		}
		if err := t.emitter.Emit(ctx, task); err != nil {
			log.Printf("timer: execution=%s emit error: %v", exec.ID, err)
		}

		fire = sched.Next(fire)
	}

	return nil
}
