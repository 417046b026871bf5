package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/djlord-it/area-engine/internal/api"
	"github.com/djlord-it/area-engine/internal/dispatch"
	"github.com/djlord-it/area-engine/internal/domain"
	"github.com/djlord-it/area-engine/internal/ledger"
	"github.com/djlord-it/area-engine/internal/poller"
	"github.com/djlord-it/area-engine/internal/pushrecv"
	"github.com/djlord-it/area-engine/internal/sweeper"
	"github.com/djlord-it/area-engine/internal/token"
	"github.com/djlord-it/area-engine/internal/watch"
)

// Store implements the persistence interfaces of the engine using PostgreSQL.
// Every conditional status transition is a single guarded UPDATE; the guard
// in the WHERE clause is what closes the concurrent-worker races.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- areas ---

// CreateArea inserts a new area.
func (s *Store) CreateArea(ctx context.Context, area domain.Area) error {
	actionConfig, err := marshalMap(area.Action.Config)
	if err != nil {
		return err
	}
	reactionConfig, err := marshalMap(area.Reaction.Config)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, queryInsertArea,
		area.ID,
		area.UserID,
		area.Action.Service,
		area.Action.Name,
		actionConfig,
		area.Reaction.Service,
		area.Reaction.Name,
		reactionConfig,
		string(area.Status),
		area.CreatedAt,
		area.UpdatedAt,
	)
	return err
}

// GetArea returns an area by id.
// Returns domain.ErrAreaNotFound if no such area exists.
func (s *Store) GetArea(ctx context.Context, id uuid.UUID) (domain.Area, error) {
	row := s.db.QueryRowContext(ctx, queryGetArea, id)
	area, err := scanArea(row)
	if err == sql.ErrNoRows {
		return domain.Area{}, domain.ErrAreaNotFound
	}
	return area, err
}

// ListAreas returns areas for a user, paginated by limit and offset.
func (s *Store) ListAreas(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Area, error) {
	rows, err := s.db.QueryContext(ctx, queryListAreas, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAreas(rows)
}

// ListActiveAreasByActionService returns active areas whose action belongs
// to the given service.
func (s *Store) ListActiveAreasByActionService(ctx context.Context, service string) ([]domain.Area, error) {
	rows, err := s.db.QueryContext(ctx, queryListActiveAreasByActionService, service)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAreas(rows)
}

// ListActiveAreasBySubject returns active areas whose action watches the
// given provider-side subject.
func (s *Store) ListActiveAreasBySubject(ctx context.Context, service, subject string) ([]domain.Area, error) {
	rows, err := s.db.QueryContext(ctx, queryListActiveAreasBySubject, service, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAreas(rows)
}

// SetAreaStatus changes the status of an area.
// Returns domain.ErrAreaNotFound if no such area exists.
func (s *Store) SetAreaStatus(ctx context.Context, id uuid.UUID, status domain.AreaStatus) error {
	result, err := s.db.ExecContext(ctx, querySetAreaStatus, id, string(status))
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return domain.ErrAreaNotFound
	}
	return nil
}

// DeleteArea removes an area and its executions.
// Returns domain.ErrAreaNotFound if no such area exists.
func (s *Store) DeleteArea(ctx context.Context, id uuid.UUID) error {
	var deletedID uuid.UUID
	err := s.db.QueryRowContext(ctx, queryDeleteArea, id).Scan(&deletedID)
	if err == sql.ErrNoRows {
		return domain.ErrAreaNotFound
	}
	return err
}

// --- executions ---

// InsertExecution inserts a new execution record.
// An empty external event id is stored as SQL NULL: NULLs are distinct
// under the (area_id, external_event_id) unique constraint, so timer
// firings never collide with each other.
// Returns ledger.ErrDuplicateExecution if (area_id, external_event_id)
// already exists.
func (s *Store) InsertExecution(ctx context.Context, exec domain.Execution) error {
	payload, err := marshalMap(exec.TriggerPayload)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, queryInsertExecution,
		exec.ID,
		exec.AreaID,
		eventIDParam(exec.ExternalEventID),
		payload,
		string(exec.Status),
		exec.RetryCount,
		exec.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ledger.ErrDuplicateExecution
		}
		return err
	}
	return nil
}

// GetExecution returns an execution by id.
// Returns ledger.ErrExecutionNotFound if no such execution exists.
func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, queryGetExecution, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return domain.Execution{}, ledger.ErrExecutionNotFound
	}
	return exec, err
}

// FindExecutionByEvent returns the execution for one (area, external event)
// pair. Returns ledger.ErrExecutionNotFound if no such execution exists.
func (s *Store) FindExecutionByEvent(ctx context.Context, areaID uuid.UUID, externalEventID string) (domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, queryFindExecutionByEvent, areaID, externalEventID)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return domain.Execution{}, ledger.ErrExecutionNotFound
	}
	return exec, err
}

// StartExecution atomically moves pending->running and sets started_at if
// unset. Returns false when the row was not pending.
func (s *Store) StartExecution(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, queryStartExecution, id, at)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

// CompleteExecution atomically moves a non-terminal row to the given
// terminal status and sets completed_at once. Returns false when the row
// was already terminal.
func (s *Store) CompleteExecution(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, result map[string]any, errMsg string, at time.Time) (bool, error) {
	resultPayload, err := marshalMap(result)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, queryCompleteExecution,
		id, string(status), resultPayload, errMsg, at)
	if err != nil {
		return false, err
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

// IncrementRetry bumps retry_count on a non-terminal row and returns the
// new count.
func (s *Store) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, queryIncrementRetry, id).Scan(&count)
	if err == sql.ErrNoRows {
		// Either the execution does not exist or it is already terminal.
		// Distinguish by checking if the row exists.
		var status string
		checkErr := s.db.QueryRowContext(ctx, queryGetExecutionStatus, id).Scan(&status)
		if checkErr == sql.ErrNoRows {
			return 0, ledger.ErrExecutionNotFound
		}
		if checkErr != nil {
			return 0, checkErr
		}
		return 0, ledger.ErrTerminalTransition
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RequeueExecution atomically moves running->pending for a fresh attempt,
// bumping retry_count. Returns false when the row was not running.
func (s *Store) RequeueExecution(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, queryRequeueExecution, id)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

// ListExecutionsByArea returns executions for an area, paginated by limit
// and offset.
func (s *Store) ListExecutionsByArea(ctx context.Context, areaID uuid.UUID, limit, offset int) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, queryListExecutionsByArea, areaID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// ListStaleRunning returns running executions whose started_at is before
// olderThan, oldest first.
func (s *Store) ListStaleRunning(ctx context.Context, olderThan time.Time, limit int) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, queryListStaleRunning, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// ListOrphanedPending returns pending executions whose created_at is before
// olderThan, oldest first.
func (s *Store) ListOrphanedPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, queryListOrphanedPending, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// DeleteTerminalExecutionsBefore deletes executions in the given terminal
// statuses completed before the cutoff and returns the count.
func (s *Store) DeleteTerminalExecutionsBefore(ctx context.Context, statuses []domain.ExecutionStatus, before time.Time) (int64, error) {
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}

	result, err := s.db.ExecContext(ctx, queryDeleteTerminalExecutions, pq.Array(strs), before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- service tokens ---

// GetToken returns the stored credential for one (user, service) pair.
// Returns token.ErrTokenNotFound if no credential exists.
func (s *Store) GetToken(ctx context.Context, userID uuid.UUID, service string) (domain.ServiceToken, error) {
	var tok domain.ServiceToken
	err := s.db.QueryRowContext(ctx, queryGetToken, userID, service).Scan(
		&tok.UserID,
		&tok.Service,
		&tok.AccessToken,
		&tok.RefreshToken,
		&tok.ExpiresAt,
		&tok.Revoked,
		&tok.NeedsReauth,
		&tok.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.ServiceToken{}, token.ErrTokenNotFound
	}
	if err != nil {
		return domain.ServiceToken{}, err
	}
	return tok, nil
}

// SaveToken upserts the credential for one (user, service) pair.
func (s *Store) SaveToken(ctx context.Context, tok domain.ServiceToken) error {
	_, err := s.db.ExecContext(ctx, querySaveToken,
		tok.UserID,
		tok.Service,
		tok.AccessToken,
		tok.RefreshToken,
		tok.ExpiresAt,
		tok.Revoked,
		tok.NeedsReauth,
		tok.UpdatedAt,
	)
	return err
}

// DeleteToken removes the credential for one (user, service) pair.
func (s *Store) DeleteToken(ctx context.Context, userID uuid.UUID, service string) error {
	_, err := s.db.ExecContext(ctx, queryDeleteToken, userID, service)
	return err
}

// --- webhook watches ---

// FindWatch returns the watch for one (user, service, subject) tuple.
// Returns watch.ErrWatchNotFound if no watch exists.
func (s *Store) FindWatch(ctx context.Context, userID uuid.UUID, service, subject string) (domain.WebhookWatch, error) {
	row := s.db.QueryRowContext(ctx, queryFindWatch, userID, service, subject)
	w, err := scanWatch(row)
	if err == sql.ErrNoRows {
		return domain.WebhookWatch{}, watch.ErrWatchNotFound
	}
	return w, err
}

// InsertWatch inserts a new watch.
func (s *Store) InsertWatch(ctx context.Context, w domain.WebhookWatch) error {
	_, err := s.db.ExecContext(ctx, queryInsertWatch,
		w.ID,
		w.UserID,
		w.Service,
		w.Subject,
		w.ChannelID,
		w.ResourceID,
		w.ResourceURI,
		w.ExpiresAt,
		w.Stale,
		w.CreatedAt,
		w.UpdatedAt,
	)
	return err
}

// UpdateWatch persists the mutable fields of a watch.
func (s *Store) UpdateWatch(ctx context.Context, w domain.WebhookWatch) error {
	_, err := s.db.ExecContext(ctx, queryUpdateWatch,
		w.ID,
		w.ChannelID,
		w.ResourceID,
		w.ResourceURI,
		w.ExpiresAt,
		w.Stale,
		w.UpdatedAt,
	)
	return err
}

// DeleteWatch removes a watch.
func (s *Store) DeleteWatch(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, queryDeleteWatch, id)
	return err
}

// ListWatchesExpiringBefore returns watches expiring before the cutoff,
// soonest first.
func (s *Store) ListWatchesExpiringBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.WebhookWatch, error) {
	rows, err := s.db.QueryContext(ctx, queryListWatchesExpiringBefore, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.WebhookWatch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// --- scanning helpers ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanArea(sc scanner) (domain.Area, error) {
	var area domain.Area
	var actionConfig, reactionConfig []byte
	var status string

	err := sc.Scan(
		&area.ID,
		&area.UserID,
		&area.Action.Service,
		&area.Action.Name,
		&actionConfig,
		&area.Reaction.Service,
		&area.Reaction.Name,
		&reactionConfig,
		&status,
		&area.CreatedAt,
		&area.UpdatedAt,
	)
	if err != nil {
		return domain.Area{}, err
	}

	area.Status = domain.AreaStatus(status)
	if area.Action.Config, err = unmarshalMap(actionConfig); err != nil {
		return domain.Area{}, err
	}
	if area.Reaction.Config, err = unmarshalMap(reactionConfig); err != nil {
		return domain.Area{}, err
	}
	return area, nil
}

func collectAreas(rows *sql.Rows) ([]domain.Area, error) {
	var result []domain.Area
	for rows.Next() {
		area, err := scanArea(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, area)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func scanExecution(sc scanner) (domain.Execution, error) {
	var exec domain.Execution
	var eventID sql.NullString
	var triggerPayload, resultPayload []byte
	var status string

	err := sc.Scan(
		&exec.ID,
		&exec.AreaID,
		&eventID,
		&triggerPayload,
		&status,
		&exec.RetryCount,
		&exec.CreatedAt,
		&exec.StartedAt,
		&exec.CompletedAt,
		&resultPayload,
		&exec.ErrorMessage,
	)
	if err != nil {
		return domain.Execution{}, err
	}

	exec.ExternalEventID = eventID.String
	exec.Status = domain.ExecutionStatus(status)
	if exec.TriggerPayload, err = unmarshalMap(triggerPayload); err != nil {
		return domain.Execution{}, err
	}
	if exec.ResultPayload, err = unmarshalMap(resultPayload); err != nil {
		return domain.Execution{}, err
	}
	return exec, nil
}

func collectExecutions(rows *sql.Rows) ([]domain.Execution, error) {
	var result []domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func scanWatch(sc scanner) (domain.WebhookWatch, error) {
	var w domain.WebhookWatch
	err := sc.Scan(
		&w.ID,
		&w.UserID,
		&w.Service,
		&w.Subject,
		&w.ChannelID,
		&w.ResourceID,
		&w.ResourceURI,
		&w.ExpiresAt,
		&w.Stale,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	return w, err
}

// eventIDParam maps an empty external event id to SQL NULL. Only
// provider-derived ids participate in the dedup constraint; timer rows
// carry none.
func eventIDParam(id string) sql.NullString {
	return sql.NullString{String: id, Valid: id != ""}
}

// marshalMap serializes a config or payload map for a jsonb column.
// A nil map is stored as SQL NULL.
func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// unmarshalMap deserializes a jsonb column. SQL NULL yields a nil map.
func unmarshalMap(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// PostgreSQL unique violation error code is 23505
		return pqErr.Code == "23505"
	}
	return false
}

// Compile-time interface assertions
var (
	_ ledger.Store          = (*Store)(nil)
	_ dispatch.AreaStore    = (*Store)(nil)
	_ poller.Store          = (*Store)(nil)
	_ pushrecv.AreaResolver = (*Store)(nil)
	_ sweeper.Store         = (*Store)(nil)
	_ token.Store           = (*Store)(nil)
	_ watch.Store           = (*Store)(nil)
	_ api.Store             = (*Store)(nil)
)
