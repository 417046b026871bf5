package domain

import (
	"time"

	"github.com/google/uuid"
)

// ServiceToken is the stored OAuth credential for one (user, service) pair.
// Mutation is owned exclusively by the token lifecycle manager; everything
// else reads the credential through the manager's accessor.
type ServiceToken struct {
	UserID  uuid.UUID
	Service string

	AccessToken  string
	RefreshToken string     // empty when the service never issued one
	ExpiresAt    *time.Time // nil when the token never expires

	Revoked bool

	// NeedsReauth is set when a refresh exchange fails; the credential is
	// unusable until the user reauthorizes.
	NeedsReauth bool

	UpdatedAt time.Time
}

// Expired reports whether the token is expired or within margin of
// expiring at the given instant. Tokens without an expiration never expire.
func (t ServiceToken) Expired(now time.Time, margin time.Duration) bool {
	if t.ExpiresAt == nil {
		return false
	}
	return !now.Add(margin).Before(*t.ExpiresAt)
}
