package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrAreaNotFound is returned by area lookups for an unknown area id.
var ErrAreaNotFound = errors.New("area not found")

type AreaStatus string

const (
	AreaStatusActive AreaStatus = "active"
	AreaStatusPaused AreaStatus = "paused"
	AreaStatusError  AreaStatus = "error"
)

// ComponentRef identifies a configured action or reaction instance.
// Config is an opaque key/value map owned by the user; the engine never
// interprets it beyond handing it to the capability.
type ComponentRef struct {
	Service string
	Name    string
	Config  map[string]any
}

// Key returns the registry lookup key for this component ("service.name").
func (c ComponentRef) Key() string {
	return c.Service + "." + c.Name
}

// Area binds one action instance to one reaction instance for one user.
// The engine only reads areas, except for the transition to error status
// after persistent configuration failures.
type Area struct {
	ID     uuid.UUID
	UserID uuid.UUID

	Action   ComponentRef
	Reaction ComponentRef

	Status AreaStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}
