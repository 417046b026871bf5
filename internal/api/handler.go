package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/area-engine/internal/capability"
	"github.com/djlord-it/area-engine/internal/domain"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// ErrAreaNotFound is returned by Store methods for an unknown area id.
var ErrAreaNotFound = domain.ErrAreaNotFound

type Store interface {
	CreateArea(ctx context.Context, area domain.Area) error
	GetArea(ctx context.Context, id uuid.UUID) (domain.Area, error)
	ListAreas(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Area, error)
	ListExecutionsByArea(ctx context.Context, areaID uuid.UUID, limit, offset int) ([]domain.Execution, error)
	SetAreaStatus(ctx context.Context, id uuid.UUID, status domain.AreaStatus) error
	DeleteArea(ctx context.Context, id uuid.UUID) error
}

// HookReceiver handles inbound provider push notifications.
type HookReceiver interface {
	Handle(service string, w http.ResponseWriter, r *http.Request)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	store    Store
	registry *capability.Registry
	hooks    HookReceiver  // optional, nil = push intake disabled
	db       HealthChecker // optional, nil = simple health only
}

func NewHandler(store Store, registry *capability.Registry) *Handler {
	return &Handler{store: store, registry: registry}
}

// WithHookReceiver mounts the push intake endpoint under /hooks/{service}.
func (h *Handler) WithHookReceiver(hooks HookReceiver) *Handler {
	h.hooks = hooks
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/areas" && r.Method == http.MethodPost:
		h.createArea(w, r)

	case path == "/areas" && r.Method == http.MethodGet:
		h.listAreas(w, r)

	case strings.HasPrefix(path, "/hooks/") && r.Method == http.MethodPost:
		h.handleHook(w, r)

	case strings.HasSuffix(path, "/executions") && r.Method == http.MethodGet:
		h.listExecutions(w, r)

	case strings.HasSuffix(path, "/pause") && r.Method == http.MethodPost:
		h.setStatus(w, r, "pause", domain.AreaStatusPaused)

	case strings.HasSuffix(path, "/resume") && r.Method == http.MethodPost:
		h.setStatus(w, r, "resume", domain.AreaStatusActive)

	case strings.HasPrefix(path, "/areas/") && r.Method == http.MethodGet:
		h.getArea(w, r)

	case strings.HasPrefix(path, "/areas/") && r.Method == http.MethodDelete:
		h.deleteArea(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		// Simple health check - just return ok
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	// Verbose health check - check all components
	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	// Check database connectivity with timeout
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	// Return appropriate status code based on health
	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createArea(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent DoS via large payloads
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateAreaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Check if error is due to body size limit
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := validateCreateArea(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reaction := domain.ComponentRef{
		Service: req.Reaction.Service,
		Name:    req.Reaction.Name,
		Config:  req.Reaction.Config,
	}
	if _, ok := h.registry.Reaction(reaction.Key()); !ok {
		writeError(w, http.StatusBadRequest, "unknown reaction: "+reaction.Key())
		return
	}

	userID, _ := uuid.Parse(req.UserID) // validated above

	now := time.Now().UTC()
	area := domain.Area{
		ID:     uuid.New(),
		UserID: userID,
		Action: domain.ComponentRef{
			Service: req.Action.Service,
			Name:    req.Action.Name,
			Config:  req.Action.Config,
		},
		Reaction:  reaction,
		Status:    domain.AreaStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.CreateArea(r.Context(), area); err != nil {
		log.Printf("api: create area error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create area")
		return
	}

	writeJSON(w, http.StatusCreated, toAreaResponse(area))
}

func (h *Handler) listAreas(w http.ResponseWriter, r *http.Request) {
	userIDStr := r.URL.Query().Get("user_id")
	if userIDStr == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	areas, err := h.store.ListAreas(r.Context(), userID, limit, offset)
	if err != nil {
		log.Printf("api: list areas error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list areas")
		return
	}

	resp := ListAreasResponse{Areas: make([]AreaResponse, len(areas))}
	for i, area := range areas {
		resp.Areas[i] = toAreaResponse(area)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getArea(w http.ResponseWriter, r *http.Request) {
	areaID, ok := parseAreaID(w, r.URL.Path, 2)
	if !ok {
		return
	}

	area, err := h.store.GetArea(r.Context(), areaID)
	if err != nil {
		if errors.Is(err, ErrAreaNotFound) {
			writeError(w, http.StatusNotFound, "area not found")
			return
		}
		log.Printf("api: get area error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get area")
		return
	}

	writeJSON(w, http.StatusOK, toAreaResponse(area))
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	// Path: /areas/{id}/executions
	areaID, ok := parseAreaID(w, r.URL.Path, 3)
	if !ok {
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	executions, err := h.store.ListExecutionsByArea(r.Context(), areaID, limit, offset)
	if err != nil {
		log.Printf("api: list executions error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	resp := ListExecutionsResponse{Executions: make([]ExecutionResponse, len(executions))}
	for i, exec := range executions {
		resp.Executions[i] = ExecutionResponse{
			ID:              exec.ID.String(),
			AreaID:          exec.AreaID.String(),
			ExternalEventID: exec.ExternalEventID,
			Status:          string(exec.Status),
			RetryCount:      exec.RetryCount,
			Error:           exec.ErrorMessage,
			CreatedAt:       formatTime(exec.CreatedAt),
			StartedAt:       formatTimePtr(exec.StartedAt),
			CompletedAt:     formatTimePtr(exec.CompletedAt),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// setStatus handles /areas/{id}/pause and /areas/{id}/resume.
func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request, verb string, status domain.AreaStatus) {
	areaID, ok := parseAreaID(w, r.URL.Path, 3)
	if !ok {
		return
	}

	if err := h.store.SetAreaStatus(r.Context(), areaID, status); err != nil {
		if errors.Is(err, ErrAreaNotFound) {
			writeError(w, http.StatusNotFound, "area not found")
			return
		}
		log.Printf("api: %s area error: %v", verb, err)
		writeError(w, http.StatusInternalServerError, "failed to "+verb+" area")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteArea(w http.ResponseWriter, r *http.Request) {
	areaID, ok := parseAreaID(w, r.URL.Path, 2)
	if !ok {
		return
	}

	if err := h.store.DeleteArea(r.Context(), areaID); err != nil {
		if errors.Is(err, ErrAreaNotFound) {
			writeError(w, http.StatusNotFound, "area not found")
			return
		}
		log.Printf("api: delete area error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete area")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleHook routes /hooks/{service} to the push receiver.
func (h *Handler) handleHook(w http.ResponseWriter, r *http.Request) {
	if h.hooks == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != "hooks" || parts[1] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	h.hooks.Handle(parts[1], w, r)
}

// parseAreaID extracts the area id from a path of the form
// /areas/{id}[/suffix]. wantParts is the expected segment count.
func parseAreaID(w http.ResponseWriter, path string, wantParts int) (uuid.UUID, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != wantParts || parts[0] != "areas" {
		writeError(w, http.StatusNotFound, "not found")
		return uuid.Nil, false
	}

	areaID, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid area id")
		return uuid.Nil, false
	}
	return areaID, true
}

func toAreaResponse(area domain.Area) AreaResponse {
	return AreaResponse{
		ID:     area.ID.String(),
		UserID: area.UserID.String(),
		Action: ComponentResponse{
			Service: area.Action.Service,
			Name:    area.Action.Name,
			Config:  area.Action.Config,
		},
		Reaction: ComponentResponse{
			Service: area.Reaction.Service,
			Name:    area.Reaction.Name,
			Config:  area.Reaction.Config,
		},
		Status:    string(area.Status),
		CreatedAt: formatTime(area.CreatedAt),
		UpdatedAt: formatTime(area.UpdatedAt),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
