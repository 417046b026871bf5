package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/area-engine/internal/capability"
	"github.com/djlord-it/area-engine/internal/domain"
)

// mockAreaStore returns a fixed area list per service.
type mockAreaStore struct {
	mu    sync.Mutex
	areas map[string][]domain.Area
}

func newMockAreaStore() *mockAreaStore {
	return &mockAreaStore{areas: make(map[string][]domain.Area)}
}

func (s *mockAreaStore) ListActiveAreasByActionService(ctx context.Context, service string) ([]domain.Area, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.areas[service], nil
}

func (s *mockAreaStore) addArea(area domain.Area) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.areas[area.Action.Service] = append(s.areas[area.Action.Service], area)
}

// mockLedger deduplicates on (area, event id) like the real ledger.
type mockLedger struct {
	mu      sync.Mutex
	rows    map[string]domain.Execution
	submits int
}

func newMockLedger() *mockLedger {
	return &mockLedger{rows: make(map[string]domain.Execution)}
}

func (l *mockLedger) Submit(ctx context.Context, areaID uuid.UUID, eventID string, payload map[string]any) (domain.Execution, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++

	exec := domain.Execution{
		ID:              uuid.New(),
		AreaID:          areaID,
		ExternalEventID: eventID,
		TriggerPayload:  payload,
		Status:          domain.ExecutionStatusPending,
	}

	if eventID == "" {
		l.rows[exec.ID.String()] = exec
		return exec, true, nil
	}

	key := areaID.String() + "|" + eventID
	if existing, ok := l.rows[key]; ok {
		return existing, false, nil
	}
	l.rows[key] = exec
	return exec, true, nil
}

func (l *mockLedger) rowCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

// mockEmitter tracks emitted dispatch tasks.
type mockEmitter struct {
	mu    sync.Mutex
	tasks []domain.DispatchTask
}

func (e *mockEmitter) Emit(ctx context.Context, task domain.DispatchTask) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
	return nil
}

func (e *mockEmitter) taskCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// fakeSource replays a fixed event list on every poll.
type fakeSource struct {
	events []capability.Event
}

func (s *fakeSource) ListEvents(ctx context.Context, area domain.Area, token *domain.ServiceToken) ([]capability.Event, error) {
	return s.events, nil
}

// noTokens reports no stored credentials.
type noTokens struct{}

func (noTokens) GetValidToken(ctx context.Context, userID uuid.UUID, service string) (domain.ServiceToken, bool, error) {
	return domain.ServiceToken{}, false, nil
}

func testArea(service, name string) domain.Area {
	return domain.Area{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Action: domain.ComponentRef{Service: service, Name: name, Config: map[string]any{}},
		Reaction: domain.ComponentRef{
			Service: "webhook", Name: "post",
			Config: map[string]any{"url": "http://example.invalid"},
		},
		Status: domain.AreaStatusActive,
	}
}

func TestPoller_ReplayedEventDedupedAcrossRuns(t *testing.T) {
	store := newMockAreaStore()
	store.addArea(testArea("feed", "new_item"))

	registry := capability.NewRegistry()
	registry.RegisterPollSource("feed.new_item", &fakeSource{
		events: []capability.Event{{ExternalEventID: "evt-1", Payload: map[string]any{"title": "a"}}},
	})

	ledger := newMockLedger()
	emitter := &mockEmitter{}

	p := New(Config{Service: "feed", Interval: time.Minute}, store, registry, noTokens{}, ledger, emitter)

	// Run 1 observes evt-1 for the first time.
	if _, err := p.runOnce(context.Background()); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	// Run 2 re-observes evt-1 (provider replay).
	if _, err := p.runOnce(context.Background()); err != nil {
		t.Fatalf("run 2: %v", err)
	}

	if ledger.rowCount() != 1 {
		t.Errorf("execution rows = %d, want 1", ledger.rowCount())
	}
	if emitter.taskCount() != 1 {
		t.Errorf("dispatch tasks = %d, want 1 (no re-dispatch on replay)", emitter.taskCount())
	}
}

func TestPoller_MultipleAreasSameEvent(t *testing.T) {
	store := newMockAreaStore()
	store.addArea(testArea("feed", "new_item"))
	store.addArea(testArea("feed", "new_item"))

	registry := capability.NewRegistry()
	registry.RegisterPollSource("feed.new_item", &fakeSource{
		events: []capability.Event{{ExternalEventID: "evt-1"}},
	})

	ledger := newMockLedger()
	emitter := &mockEmitter{}

	p := New(Config{Service: "feed", Interval: time.Minute}, store, registry, noTokens{}, ledger, emitter)
	if _, err := p.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	if ledger.rowCount() != 2 {
		t.Errorf("execution rows = %d, want 2 (one per area)", ledger.rowCount())
	}
}

func TestPoller_UnregisteredSourceDoesNotAbortRun(t *testing.T) {
	store := newMockAreaStore()
	store.addArea(testArea("feed", "unregistered"))
	good := testArea("feed", "new_item")
	store.addArea(good)

	registry := capability.NewRegistry()
	registry.RegisterPollSource("feed.new_item", &fakeSource{
		events: []capability.Event{{ExternalEventID: "evt-1"}},
	})

	ledger := newMockLedger()
	emitter := &mockEmitter{}

	p := New(Config{Service: "feed", Interval: time.Minute}, store, registry, noTokens{}, ledger, emitter)
	if _, err := p.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	if ledger.rowCount() != 1 {
		t.Errorf("execution rows = %d, want 1 from the registered area", ledger.rowCount())
	}
}

// fixedSchedule fires at predetermined times.
type fixedSchedule struct {
	times []time.Time
}

func (s *fixedSchedule) Next(after time.Time) time.Time {
	for _, ft := range s.times {
		if ft.After(after) {
			return ft
		}
	}
	return time.Time{}
}

type fixedParser struct {
	sched CronSchedule
}

func (p *fixedParser) Parse(expression, timezone string) (CronSchedule, error) {
	return p.sched, nil
}

func TestTimer_DueSlotsSubmitWithEmptyEventID(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	store := newMockAreaStore()
	area := testArea(TimerService, "cron")
	area.Action.Config["cron"] = "*/5 * * * *"
	store.addArea(area)

	parser := &fixedParser{sched: &fixedSchedule{
		times: []time.Time{base.Add(5 * time.Minute), base.Add(10 * time.Minute), base.Add(45 * time.Minute)},
	}}

	ledger := newMockLedger()
	emitter := &mockEmitter{}

	timer := NewTimer(TimerConfig{TickInterval: time.Minute}, store, parser, ledger, emitter)
	timer.clock = func() time.Time { return base.Add(12 * time.Minute) }
	timer.lastTick = base

	if err := timer.processTick(context.Background()); err != nil {
		t.Fatalf("processTick: %v", err)
	}

	// Two slots were due within (base, base+12m]; the 45m slot was not.
	if ledger.rowCount() != 2 {
		t.Errorf("execution rows = %d, want 2", ledger.rowCount())
	}
	if emitter.taskCount() != 2 {
		t.Errorf("dispatch tasks = %d, want 2", emitter.taskCount())
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	for _, exec := range ledger.rows {
		if exec.ExternalEventID != "" {
			t.Errorf("timer execution has external event id %q, want empty", exec.ExternalEventID)
		}
	}
}

func TestTimer_MissingCronExpression(t *testing.T) {
	store := newMockAreaStore()
	area := testArea(TimerService, "cron")
	store.addArea(area) // no "cron" key

	ledger := newMockLedger()
	emitter := &mockEmitter{}

	timer := NewTimer(TimerConfig{TickInterval: time.Minute}, store, &fixedParser{sched: &fixedSchedule{}}, ledger, emitter)
	timer.lastTick = time.Now().UTC().Add(-time.Minute)

	// Misconfigured area is logged, not fatal; nothing is submitted.
	if err := timer.processTick(context.Background()); err != nil {
		t.Fatalf("processTick: %v", err)
	}
	if ledger.rowCount() != 0 {
		t.Errorf("execution rows = %d, want 0", ledger.rowCount())
	}
}
