package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookWatch is a push-subscription lease with an external provider,
// one per (user, service, subject). It must be renewed before expiring or
// the provider silently stops delivering events.
type WebhookWatch struct {
	ID      uuid.UUID
	UserID  uuid.UUID
	Service string

	// Subject is the provider-side resource being watched (channel id,
	// folder id, broadcaster id, ...).
	Subject string

	// ChannelID is the caller-generated opaque identifier sent to the
	// provider at subscription time.
	ChannelID string

	// ResourceID and ResourceURI are assigned by the provider.
	ResourceID  string
	ResourceURI string

	ExpiresAt time.Time

	// Stale is set when a renewal attempt failed. The watch is kept
	// (deleting it would silently stop event delivery) and flagged for
	// operator attention.
	Stale bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExpiresWithin reports whether the lease expires within the given margin.
func (w WebhookWatch) ExpiresWithin(now time.Time, within time.Duration) bool {
	return w.ExpiresAt.Sub(now) < within
}
