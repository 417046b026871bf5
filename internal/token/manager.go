// Package token owns the OAuth credential lifecycle: it produces a
// currently-valid access token per (user, service), refreshing lazily and
// serializing refresh exchanges per credential so concurrent callers never
// race each other's refresh.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/djlord-it/area-engine/internal/domain"
)

// ErrTokenNotFound is returned by Store.GetToken when no credential is
// stored for the (user, service) pair.
var ErrTokenNotFound = errors.New("token not found")

// DefaultRefreshMargin is the safety window before expiry within which a
// token is refreshed rather than returned.
const DefaultRefreshMargin = 2 * time.Minute

// Store is the credential persistence boundary. Mutation goes exclusively
// through the manager.
type Store interface {
	GetToken(ctx context.Context, userID uuid.UUID, service string) (domain.ServiceToken, error)
	SaveToken(ctx context.Context, tok domain.ServiceToken) error
	DeleteToken(ctx context.Context, userID uuid.UUID, service string) error
}

// ProviderConfig holds the OAuth client settings needed for the refresh
// exchange with one service.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
}

// Notifier receives reauthorization events when a credential becomes
// unusable. Deduplication (one notification per credential per issue) is
// the notifier's responsibility.
type Notifier interface {
	ReauthRequired(ctx context.Context, userID uuid.UUID, service string)
}

// MetricsSink records token lifecycle metrics. Fire-and-forget.
type MetricsSink interface {
	TokenRefreshCompleted(outcome string)
}

// Refresh outcome labels.
const (
	RefreshOutcomeSuccess = "success"
	RefreshOutcomeFailure = "failure"
	RefreshOutcomeReused  = "reused"
)

// refreshFunc performs the provider refresh exchange. Swapped in tests.
type refreshFunc func(ctx context.Context, provider ProviderConfig, refreshToken string) (*oauth2.Token, error)

type Manager struct {
	store     Store
	providers map[string]ProviderConfig
	margin    time.Duration
	notifier  Notifier    // optional, nil = disabled
	metrics   MetricsSink // optional, nil = disabled
	refresh   refreshFunc
	clock     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per (user, service) refresh serialization
}

func NewManager(store Store, providers map[string]ProviderConfig, margin time.Duration) *Manager {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	return &Manager{
		store:     store,
		providers: providers,
		margin:    margin,
		refresh:   oauthRefresh,
		clock:     time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

// WithNotifier attaches a reauthorization notifier.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifier = n
	return m
}

// WithMetrics attaches a metrics sink.
func (m *Manager) WithMetrics(sink MetricsSink) *Manager {
	m.metrics = sink
	return m
}

// GetValidToken returns a currently-valid token for (userID, service), or
// found=false when no usable credential exists. A token expiring within
// the safety margin is refreshed when a refresh token is present; an
// expired token without one is reported absent without any network I/O.
func (m *Manager) GetValidToken(ctx context.Context, userID uuid.UUID, service string) (domain.ServiceToken, bool, error) {
	tok, err := m.store.GetToken(ctx, userID, service)
	if errors.Is(err, ErrTokenNotFound) {
		return domain.ServiceToken{}, false, nil
	}
	if err != nil {
		return domain.ServiceToken{}, false, fmt.Errorf("get token: %w", err)
	}

	if tok.Revoked || tok.NeedsReauth {
		return domain.ServiceToken{}, false, nil
	}

	now := m.clock().UTC()
	if !tok.Expired(now, m.margin) {
		return tok, true, nil
	}

	if tok.RefreshToken == "" {
		return domain.ServiceToken{}, false, nil
	}

	return m.refreshLocked(ctx, userID, service)
}

// refreshLocked performs the refresh exchange under the per-credential
// lock. A caller that arrives while another holds the lock waits and
// reuses the first caller's persisted result instead of racing it.
func (m *Manager) refreshLocked(ctx context.Context, userID uuid.UUID, service string) (domain.ServiceToken, bool, error) {
	lock := m.lockFor(userID, service)
	lock.Lock()
	defer lock.Unlock()

	// Re-read: the first holder may already have refreshed.
	tok, err := m.store.GetToken(ctx, userID, service)
	if errors.Is(err, ErrTokenNotFound) {
		return domain.ServiceToken{}, false, nil
	}
	if err != nil {
		return domain.ServiceToken{}, false, fmt.Errorf("get token: %w", err)
	}
	if tok.Revoked || tok.NeedsReauth {
		return domain.ServiceToken{}, false, nil
	}

	now := m.clock().UTC()
	if !tok.Expired(now, m.margin) {
		if m.metrics != nil {
			m.metrics.TokenRefreshCompleted(RefreshOutcomeReused)
		}
		return tok, true, nil
	}

	provider, ok := m.providers[service]
	if !ok {
		log.Printf("tokens: no provider config for %s, cannot refresh", service)
		return domain.ServiceToken{}, false, nil
	}

	fresh, err := m.refresh(ctx, provider, tok.RefreshToken)
	if err != nil {
		log.Printf("tokens: refresh failed for user=%s service=%s: %v", userID, service, err)
		tok.NeedsReauth = true
		tok.UpdatedAt = now
		if saveErr := m.store.SaveToken(ctx, tok); saveErr != nil {
			log.Printf("tokens: failed to flag reauth for user=%s service=%s: %v", userID, service, saveErr)
		}
		if m.notifier != nil {
			m.notifier.ReauthRequired(ctx, userID, service)
		}
		if m.metrics != nil {
			m.metrics.TokenRefreshCompleted(RefreshOutcomeFailure)
		}
		return domain.ServiceToken{}, false, nil
	}

	tok.AccessToken = fresh.AccessToken
	if fresh.Expiry.IsZero() {
		tok.ExpiresAt = nil
	} else {
		expiry := fresh.Expiry.UTC()
		tok.ExpiresAt = &expiry
	}
	if fresh.RefreshToken != "" {
		// Some providers rotate the refresh token on every exchange.
		tok.RefreshToken = fresh.RefreshToken
	}
	tok.UpdatedAt = now

	if err := m.store.SaveToken(ctx, tok); err != nil {
		return domain.ServiceToken{}, false, fmt.Errorf("save refreshed token: %w", err)
	}

	if m.metrics != nil {
		m.metrics.TokenRefreshCompleted(RefreshOutcomeSuccess)
	}
	log.Printf("tokens: refreshed user=%s service=%s", userID, service)
	return tok, true, nil
}

// Save stores a credential obtained out-of-band (initial OAuth connect).
func (m *Manager) Save(ctx context.Context, tok domain.ServiceToken) error {
	tok.UpdatedAt = m.clock().UTC()
	return m.store.SaveToken(ctx, tok)
}

// Revoke deletes the stored credential unconditionally. Used on
// user-initiated disconnect or provider-signaled revocation.
func (m *Manager) Revoke(ctx context.Context, userID uuid.UUID, service string) error {
	return m.store.DeleteToken(ctx, userID, service)
}

func (m *Manager) lockFor(userID uuid.UUID, service string) *sync.Mutex {
	key := userID.String() + "|" + service
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// oauthRefresh exchanges the refresh token for a fresh access token via
// the provider's token endpoint.
func oauthRefresh(ctx context.Context, provider ProviderConfig, refreshToken string) (*oauth2.Token, error) {
	conf := &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		Endpoint:     provider.Endpoint,
	}
	return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}
