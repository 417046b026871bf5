package api

import "time"

type ComponentRequest struct {
	Service string         `json:"service"`
	Name    string         `json:"name"`
	Config  map[string]any `json:"config,omitempty"`
}

type CreateAreaRequest struct {
	UserID   string           `json:"user_id"`
	Action   ComponentRequest `json:"action"`
	Reaction ComponentRequest `json:"reaction"`
}

type ComponentResponse struct {
	Service string         `json:"service"`
	Name    string         `json:"name"`
	Config  map[string]any `json:"config,omitempty"`
}

type AreaResponse struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Action    ComponentResponse `json:"action"`
	Reaction  ComponentResponse `json:"reaction"`
	Status    string            `json:"status"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
}

type ExecutionResponse struct {
	ID              string `json:"id"`
	AreaID          string `json:"area_id"`
	ExternalEventID string `json:"external_event_id,omitempty"`
	Status          string `json:"status"`
	RetryCount      int    `json:"retry_count"`
	Error           string `json:"error,omitempty"`
	CreatedAt       string `json:"created_at"`
	StartedAt       string `json:"started_at,omitempty"`
	CompletedAt     string `json:"completed_at,omitempty"`
}

type ListAreasResponse struct {
	Areas []AreaResponse `json:"areas"`
}

type ListExecutionsResponse struct {
	Executions []ExecutionResponse `json:"executions"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
