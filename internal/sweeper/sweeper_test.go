package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/area-engine/internal/dispatch"
	"github.com/djlord-it/area-engine/internal/domain"
	"github.com/djlord-it/area-engine/internal/ledger"
)

// mockStore backs both the sweeper queries and the ledger transitions so
// the watchdog's requeue and dead-letter paths go through real guards.
type mockStore struct {
	mu      sync.Mutex
	execs   map[uuid.UUID]domain.Execution
	listErr error
	deleted []time.Time
}

func newMockStore() *mockStore {
	return &mockStore{execs: make(map[uuid.UUID]domain.Execution)}
}

func (m *mockStore) put(exec domain.Execution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[exec.ID] = exec
}

func (m *mockStore) get(id uuid.UUID) domain.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execs[id]
}

func (m *mockStore) ListStaleRunning(ctx context.Context, olderThan time.Time, limit int) ([]domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var result []domain.Execution
	for _, exec := range m.execs {
		if exec.Status == domain.ExecutionStatusRunning && exec.StartedAt != nil && exec.StartedAt.Before(olderThan) {
			result = append(result, exec)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *mockStore) ListOrphanedPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var result []domain.Execution
	for _, exec := range m.execs {
		if exec.Status == domain.ExecutionStatusPending && exec.CreatedAt.Before(olderThan) {
			result = append(result, exec)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *mockStore) DeleteTerminalExecutionsBefore(ctx context.Context, statuses []domain.ExecutionStatus, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, before)
	var count int64
	for id, exec := range m.execs {
		if exec.CompletedAt == nil || !exec.CompletedAt.Before(before) {
			continue
		}
		for _, st := range statuses {
			if exec.Status == st {
				delete(m.execs, id)
				count++
				break
			}
		}
	}
	return count, nil
}

// ledger.Store implementation.

func (m *mockStore) InsertExecution(ctx context.Context, exec domain.Execution) error {
	m.put(exec)
	return nil
}

func (m *mockStore) GetExecution(ctx context.Context, id uuid.UUID) (domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return domain.Execution{}, ledger.ErrExecutionNotFound
	}
	return exec, nil
}

func (m *mockStore) FindExecutionByEvent(ctx context.Context, areaID uuid.UUID, externalEventID string) (domain.Execution, error) {
	return domain.Execution{}, ledger.ErrExecutionNotFound
}

func (m *mockStore) StartExecution(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok || exec.Status != domain.ExecutionStatusPending {
		return false, nil
	}
	exec.Status = domain.ExecutionStatusRunning
	if exec.StartedAt == nil {
		exec.StartedAt = &at
	}
	m.execs[id] = exec
	return true, nil
}

func (m *mockStore) CompleteExecution(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, result map[string]any, errMsg string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok || exec.Status.Terminal() {
		return false, nil
	}
	exec.Status = status
	exec.ResultPayload = result
	exec.ErrorMessage = errMsg
	if exec.CompletedAt == nil {
		exec.CompletedAt = &at
	}
	m.execs[id] = exec
	return true, nil
}

func (m *mockStore) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec := m.execs[id]
	exec.RetryCount++
	m.execs[id] = exec
	return exec.RetryCount, nil
}

func (m *mockStore) RequeueExecution(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok || exec.Status != domain.ExecutionStatusRunning {
		return false, nil
	}
	exec.Status = domain.ExecutionStatusPending
	exec.RetryCount++
	m.execs[id] = exec
	return true, nil
}

type mockEmitter struct {
	mu    sync.Mutex
	tasks []domain.DispatchTask
	err   error
}

func (e *mockEmitter) Emit(ctx context.Context, task domain.DispatchTask) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.tasks = append(e.tasks, task)
	return nil
}

func (e *mockEmitter) getTasks() []domain.DispatchTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]domain.DispatchTask, len(e.tasks))
	copy(result, e.tasks)
	return result
}

func testConfig() Config {
	return Config{
		Interval:         time.Hour,
		RunningThreshold: 30 * time.Minute,
		PendingThreshold: 10 * time.Minute,
		BatchSize:        100,
		MaxAttempts:      4,
		SuccessRetention: 7 * 24 * time.Hour,
		FailureRetention: 30 * 24 * time.Hour,
	}
}

func newTestSweeper(store *mockStore, emitter *mockEmitter, now time.Time) *Sweeper {
	s := New(testConfig(), store, ledger.New(store), emitter)
	s.clock = func() time.Time { return now }
	return s
}

func runningSince(areaID uuid.UUID, startedAt time.Time, retries int) domain.Execution {
	return domain.Execution{
		ID:         uuid.New(),
		AreaID:     areaID,
		Status:     domain.ExecutionStatusRunning,
		RetryCount: retries,
		CreatedAt:  startedAt,
		StartedAt:  &startedAt,
	}
}

func TestWatchdog_RequeuesStaleRunning(t *testing.T) {
	now := time.Now().UTC()
	store := newMockStore()
	emitter := &mockEmitter{}

	exec := runningSince(uuid.New(), now.Add(-time.Hour), 1)
	store.put(exec)

	s := newTestSweeper(store, emitter, now)
	s.runCycle(context.Background())

	got := store.get(exec.ID)
	if got.Status != domain.ExecutionStatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", got.RetryCount)
	}

	tasks := emitter.getTasks()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 re-emitted task, got %d", len(tasks))
	}
	if tasks[0].ExecutionID != exec.ID {
		t.Error("re-emitted task must carry the original execution ID")
	}
}

func TestWatchdog_DeadLettersExhaustedBudget(t *testing.T) {
	now := time.Now().UTC()
	store := newMockStore()
	emitter := &mockEmitter{}

	exec := runningSince(uuid.New(), now.Add(-time.Hour), 4)
	store.put(exec)

	s := newTestSweeper(store, emitter, now)
	s.runCycle(context.Background())

	got := store.get(exec.ID)
	if !got.DeadLettered() {
		t.Fatalf("expected dead letter, got status=%s msg=%q", got.Status, got.ErrorMessage)
	}
	if len(emitter.getTasks()) != 0 {
		t.Error("dead-lettered execution must not be re-emitted")
	}
}

func TestWatchdog_IgnoresFreshRunning(t *testing.T) {
	now := time.Now().UTC()
	store := newMockStore()
	emitter := &mockEmitter{}

	exec := runningSince(uuid.New(), now.Add(-5*time.Minute), 0)
	store.put(exec)

	s := newTestSweeper(store, emitter, now)
	s.runCycle(context.Background())

	if got := store.get(exec.ID); got.Status != domain.ExecutionStatusRunning {
		t.Fatalf("fresh running execution must not be touched, got %s", got.Status)
	}
}

func TestReemit_OrphanedPending(t *testing.T) {
	now := time.Now().UTC()
	store := newMockStore()
	emitter := &mockEmitter{}

	orphan := domain.Execution{
		ID:        uuid.New(),
		AreaID:    uuid.New(),
		Status:    domain.ExecutionStatusPending,
		CreatedAt: now.Add(-20 * time.Minute),
	}
	store.put(orphan)

	s := newTestSweeper(store, emitter, now)
	s.runCycle(context.Background())

	tasks := emitter.getTasks()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].ExecutionID != orphan.ID || tasks[0].AreaID != orphan.AreaID {
		t.Error("re-emitted task must carry the original execution and area IDs")
	}
	// The row itself is untouched; only the task is replayed.
	if got := store.get(orphan.ID); got.Status != domain.ExecutionStatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
}

func TestReemit_SkipsRecentPending(t *testing.T) {
	now := time.Now().UTC()
	store := newMockStore()
	emitter := &mockEmitter{}

	recent := domain.Execution{
		ID:        uuid.New(),
		AreaID:    uuid.New(),
		Status:    domain.ExecutionStatusPending,
		CreatedAt: now.Add(-2 * time.Minute),
	}
	store.put(recent)

	s := newTestSweeper(store, emitter, now)
	s.runCycle(context.Background())

	if len(emitter.getTasks()) != 0 {
		t.Error("recent pending executions must not be re-emitted")
	}
}

func TestReemit_EmitErrorContinues(t *testing.T) {
	now := time.Now().UTC()
	store := newMockStore()
	emitter := &mockEmitter{err: errors.New("buffer full")}

	for i := 0; i < 3; i++ {
		store.put(domain.Execution{
			ID:        uuid.New(),
			AreaID:    uuid.New(),
			Status:    domain.ExecutionStatusPending,
			CreatedAt: now.Add(-20 * time.Minute),
		})
	}

	s := newTestSweeper(store, emitter, now)
	// Must not panic and must leave the rows pending for the next cycle.
	s.runCycle(context.Background())

	if len(emitter.getTasks()) != 0 {
		t.Error("expected 0 tasks when emitter fails")
	}
}

func TestPurge_DeletesOldTerminalOnly(t *testing.T) {
	now := time.Now().UTC()
	store := newMockStore()
	emitter := &mockEmitter{}

	completedOld := now.Add(-8 * 24 * time.Hour)
	completedRecent := now.Add(-time.Hour)

	oldSuccess := domain.Execution{ID: uuid.New(), Status: domain.ExecutionStatusSuccess, CompletedAt: &completedOld}
	recentSuccess := domain.Execution{ID: uuid.New(), Status: domain.ExecutionStatusSuccess, CompletedAt: &completedRecent}
	oldFailed := domain.Execution{ID: uuid.New(), Status: domain.ExecutionStatusFailed, CompletedAt: &completedOld}
	pending := domain.Execution{ID: uuid.New(), Status: domain.ExecutionStatusPending, CreatedAt: completedOld.Add(23 * time.Hour)}
	store.put(oldSuccess)
	store.put(recentSuccess)
	store.put(oldFailed)
	store.put(pending)

	s := newTestSweeper(store, emitter, now)
	s.purgeExpired(context.Background())

	if got := store.get(oldSuccess.ID); got.ID != uuid.Nil {
		t.Error("old succeeded execution should be purged")
	}
	if got := store.get(recentSuccess.ID); got.ID == uuid.Nil {
		t.Error("recent succeeded execution must be kept")
	}
	// Failed rows use the longer retention window.
	if got := store.get(oldFailed.ID); got.ID == uuid.Nil {
		t.Error("failed execution inside failure retention must be kept")
	}
	if got := store.get(pending.ID); got.ID == uuid.Nil {
		t.Error("pending executions must never be purged")
	}
}

func TestSweeper_DBErrorAbortsGracefully(t *testing.T) {
	now := time.Now().UTC()
	store := newMockStore()
	store.listErr = errors.New("database connection failed")
	emitter := &mockEmitter{}

	s := newTestSweeper(store, emitter, now)
	// Should not panic.
	s.runCycle(context.Background())

	if len(emitter.getTasks()) != 0 {
		t.Error("should not emit tasks when DB fails")
	}
}

func TestSweeper_ContextCancellation(t *testing.T) {
	now := time.Now().UTC()
	store := newMockStore()
	emitter := &mockEmitter{}

	for i := 0; i < 50; i++ {
		store.put(domain.Execution{
			ID:        uuid.New(),
			AreaID:    uuid.New(),
			Status:    domain.ExecutionStatusPending,
			CreatedAt: now.Add(-20 * time.Minute),
		})
	}

	s := newTestSweeper(store, emitter, now)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.reemitOrphanedPending(ctx)

	if len(emitter.getTasks()) != 0 {
		t.Errorf("should stop on context cancellation, got %d tasks", len(emitter.getTasks()))
	}
}

// TestDefaultThresholdExceedsRetryWindow guards the watchdog invariant: if
// the dispatcher's backoff schedule grows, the default running threshold
// must grow with it, or in-flight retries would be double-dispatched.
func TestDefaultThresholdExceedsRetryWindow(t *testing.T) {
	cfg := DefaultConfig()
	maxRetry := dispatch.DefaultPolicy.MaxRetryDuration()

	if cfg.RunningThreshold <= maxRetry {
		t.Errorf("running threshold (%s) must exceed the dispatcher retry window (%s)",
			cfg.RunningThreshold, maxRetry)
	}
}
