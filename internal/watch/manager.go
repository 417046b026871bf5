// Package watch manages push-subscription leases. Providers drop a
// subscription silently once it expires, so leases are renewed ahead of
// expiry by a periodic sweep; a failed renewal leaves the watch in place
// (stale-but-present) rather than deleting it, since deletion would
// silently stop event delivery.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/area-engine/internal/capability"
	"github.com/djlord-it/area-engine/internal/domain"
)

// ErrWatchNotFound is returned by Store.FindWatch when no watch exists
// for the (user, service, subject) triple.
var ErrWatchNotFound = errors.New("watch not found")

// Store is the watch persistence boundary.
type Store interface {
	FindWatch(ctx context.Context, userID uuid.UUID, service, subject string) (domain.WebhookWatch, error)
	InsertWatch(ctx context.Context, w domain.WebhookWatch) error
	UpdateWatch(ctx context.Context, w domain.WebhookWatch) error
	DeleteWatch(ctx context.Context, id uuid.UUID) error
	ListWatchesExpiringBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.WebhookWatch, error)
}

// TokenSource resolves credentials for provider subscription calls.
type TokenSource interface {
	GetValidToken(ctx context.Context, userID uuid.UUID, service string) (domain.ServiceToken, bool, error)
}

// MetricsSink records watch lifecycle metrics. Fire-and-forget.
type MetricsSink interface {
	WatchRenewalCompleted(outcome string)
	WatchesExpiringUpdate(count int)
}

// Renewal outcome labels.
const (
	RenewalOutcomeSuccess = "success"
	RenewalOutcomeFailure = "failure"
	RenewalOutcomeSkipped = "skipped"
)

// SweepConfig configures the renewal sweep.
type SweepConfig struct {
	// Interval is how often the sweep runs. It must not exceed the
	// shortest supported subscription lifetime or volatile leases lapse
	// between sweeps.
	Interval time.Duration

	// Margin is the renew-ahead window passed to RenewIfExpiring.
	Margin time.Duration

	// BatchSize caps watches processed per cycle.
	BatchSize int
}

// DefaultSweepConfig returns the default renewal sweep configuration.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:  15 * time.Minute,
		Margin:    24 * time.Hour,
		BatchSize: 100,
	}
}

type Manager struct {
	store    Store
	registry *capability.Registry
	tokens   TokenSource
	metrics  MetricsSink // optional, nil = disabled
	clock    func() time.Time
}

func NewManager(store Store, registry *capability.Registry, tokens TokenSource) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		tokens:   tokens,
		clock:    time.Now,
	}
}

// WithMetrics attaches a metrics sink.
func (m *Manager) WithMetrics(sink MetricsSink) *Manager {
	m.metrics = sink
	return m
}

// EnsureWatch returns the existing watch for (userID, service, subject) or
// creates one through the provider subscriber. The channel id is generated
// here; the provider assigns resource id and expiry.
func (m *Manager) EnsureWatch(ctx context.Context, userID uuid.UUID, service, subject string) (domain.WebhookWatch, error) {
	existing, err := m.store.FindWatch(ctx, userID, service, subject)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrWatchNotFound) {
		return domain.WebhookWatch{}, fmt.Errorf("find watch: %w", err)
	}

	sub, ok := m.registry.Subscriber(service)
	if !ok {
		return domain.WebhookWatch{}, fmt.Errorf("no subscriber registered for %s", service)
	}

	tokenPtr, err := m.token(ctx, userID, service)
	if err != nil {
		return domain.WebhookWatch{}, err
	}

	channelID := uuid.NewString()
	lease, err := sub.Subscribe(ctx, userID.String(), subject, channelID, tokenPtr)
	if err != nil {
		return domain.WebhookWatch{}, fmt.Errorf("subscribe %s/%s: %w", service, subject, err)
	}
	if lease.State == domain.SubscriptionStateRevoked {
		return domain.WebhookWatch{}, fmt.Errorf("subscribe %s/%s: provider reports subscription revoked", service, subject)
	}

	now := m.clock().UTC()
	w := domain.WebhookWatch{
		ID:          uuid.New(),
		UserID:      userID,
		Service:     service,
		Subject:     subject,
		ChannelID:   channelID,
		ResourceID:  lease.ResourceID,
		ResourceURI: lease.ResourceURI,
		ExpiresAt:   time.Unix(lease.ExpiresAt, 0).UTC(),
		// An unrecognized provider state needs a sync pass before the
		// watch can be trusted.
		Stale:     lease.State == domain.SubscriptionStateUnknown,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.InsertWatch(ctx, w); err != nil {
		return domain.WebhookWatch{}, fmt.Errorf("insert watch: %w", err)
	}

	log.Printf("watches: created service=%s subject=%s channel=%s expires=%s",
		service, subject, channelID, w.ExpiresAt.Format(time.RFC3339))
	return w, nil
}

// RenewIfExpiring re-issues the provider subscription when the lease
// expires within the given margin. On success resource id and expiry are
// replaced; on failure the existing watch is left untouched and flagged
// stale for operator attention. A lease the provider reports revoked or
// in an unrecognized state counts as a failure, never as a renewal.
func (m *Manager) RenewIfExpiring(ctx context.Context, w domain.WebhookWatch, within time.Duration) error {
	now := m.clock().UTC()
	if !w.ExpiresWithin(now, within) {
		if m.metrics != nil {
			m.metrics.WatchRenewalCompleted(RenewalOutcomeSkipped)
		}
		return nil
	}

	sub, ok := m.registry.Subscriber(w.Service)
	if !ok {
		return fmt.Errorf("no subscriber registered for %s", w.Service)
	}

	tokenPtr, err := m.token(ctx, w.UserID, w.Service)
	if err != nil {
		return err
	}

	lease, err := sub.Renew(ctx, w, tokenPtr)
	if err != nil {
		m.flagStale(ctx, w, now)
		return fmt.Errorf("renew watch %s: %w", w.ID, err)
	}
	if lease.State == domain.SubscriptionStateRevoked || lease.State == domain.SubscriptionStateUnknown {
		// The provider answered but the subscription is not usable.
		// Keep the row untouched apart from the stale flag.
		m.flagStale(ctx, w, now)
		return fmt.Errorf("renew watch %s: provider reports subscription %s", w.ID, lease.State)
	}

	w.ResourceID = lease.ResourceID
	if lease.ResourceURI != "" {
		w.ResourceURI = lease.ResourceURI
	}
	w.ExpiresAt = time.Unix(lease.ExpiresAt, 0).UTC()
	w.Stale = false
	w.UpdatedAt = now

	if err := m.store.UpdateWatch(ctx, w); err != nil {
		return fmt.Errorf("update watch %s: %w", w.ID, err)
	}

	if m.metrics != nil {
		m.metrics.WatchRenewalCompleted(RenewalOutcomeSuccess)
	}
	log.Printf("watches: renewed watch=%s service=%s expires=%s",
		w.ID, w.Service, w.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Retire unsubscribes at the provider and deletes the local row.
// Idempotent: subscribers treat an already-gone subscription as success,
// so retiring a dead watch succeeds.
func (m *Manager) Retire(ctx context.Context, w domain.WebhookWatch) error {
	sub, ok := m.registry.Subscriber(w.Service)
	if ok {
		tokenPtr, err := m.token(ctx, w.UserID, w.Service)
		if err != nil {
			return err
		}
		if err := sub.Unsubscribe(ctx, w, tokenPtr); err != nil {
			return fmt.Errorf("unsubscribe watch %s: %w", w.ID, err)
		}
	}

	if err := m.store.DeleteWatch(ctx, w.ID); err != nil {
		return fmt.Errorf("delete watch %s: %w", w.ID, err)
	}
	log.Printf("watches: retired watch=%s service=%s subject=%s", w.ID, w.Service, w.Subject)
	return nil
}

// RunRenewalSweep renews expiring watches on a ticker until ctx is
// cancelled. Per-watch failures are logged and do not abort the cycle.
func (m *Manager) RunRenewalSweep(ctx context.Context, config SweepConfig) {
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	log.Printf("watches: renewal sweep started (interval=%s, margin=%s)", config.Interval, config.Margin)

	m.sweepOnce(ctx, config)

	for {
		select {
		case <-ctx.Done():
			log.Println("watches: renewal sweep stopped")
			return
		case <-ticker.C:
			m.sweepOnce(ctx, config)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context, config SweepConfig) {
	now := m.clock().UTC()
	cutoff := now.Add(config.Margin)

	watches, err := m.store.ListWatchesExpiringBefore(ctx, cutoff, config.BatchSize)
	if err != nil {
		log.Printf("watches: sweep list error: %v", err)
		return
	}
	if m.metrics != nil {
		m.metrics.WatchesExpiringUpdate(len(watches))
	}

	for _, w := range watches {
		if ctx.Err() != nil {
			return
		}
		if err := m.RenewIfExpiring(ctx, w, config.Margin); err != nil {
			log.Printf("watches: sweep renew error: %v", err)
		}
	}
}

// flagStale marks a watch stale after a failed renewal and counts the
// failure. The row itself is never deleted here.
func (m *Manager) flagStale(ctx context.Context, w domain.WebhookWatch, now time.Time) {
	w.Stale = true
	w.UpdatedAt = now
	if err := m.store.UpdateWatch(ctx, w); err != nil {
		log.Printf("watches: failed to flag stale watch=%s: %v", w.ID, err)
	}
	if m.metrics != nil {
		m.metrics.WatchRenewalCompleted(RenewalOutcomeFailure)
	}
}

func (m *Manager) token(ctx context.Context, userID uuid.UUID, service string) (*domain.ServiceToken, error) {
	tok, found, err := m.tokens.GetValidToken(ctx, userID, service)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &tok, nil
}
