// Package capability defines the boundary between the engine core and
// provider integrations. Integrations implement Reaction, PollSource and
// Verifier without exposing provider SDK details to the core; the core
// never sees provider-specific error types, only the taxonomy in errors.go.
package capability

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/djlord-it/area-engine/internal/domain"
)

// Event is one item returned by a poll query.
type Event struct {
	// ExternalEventID is derived from the provider's native event or item
	// identifier, never from wall-clock time, so dedup stays meaningful
	// across re-polls.
	ExternalEventID string
	Payload         map[string]any
}

// PushEvent is one normalized event extracted from an inbound push
// notification.
type PushEvent struct {
	// Subject identifies which watch/area mapping the event belongs to
	// (channel id, resource id, broadcaster id, ...).
	Subject         string
	ExternalEventID string
	Payload         map[string]any
}

// Reaction executes one effect against an external service.
// config is the user-authored reaction config merged with the trigger
// payload by the dispatcher; token is nil when no credential is stored.
// Failures must be raised as one of the typed errors in this package.
type Reaction interface {
	Invoke(ctx context.Context, config map[string]any, token *domain.ServiceToken) (map[string]any, error)
}

// PayloadOverrider is optionally implemented by reactions that document
// trigger-payload precedence for specific config keys. For the returned
// keys the trigger payload wins over static config during the merge;
// everywhere else config wins.
type PayloadOverrider interface {
	PayloadOverrides() []string
}

// PollSource is a finite, restartable read-only query of a provider.
// Implementations may return the same event repeatedly across polls;
// dedup is the ledger's job, not the source's.
type PollSource interface {
	ListEvents(ctx context.Context, area domain.Area, token *domain.ServiceToken) ([]Event, error)
}

// Verifier authenticates and normalizes one inbound push notification.
// ok=false means the request failed signature/HMAC verification and must
// not produce any submit.
type Verifier interface {
	Verify(r *http.Request, body []byte) (ok bool, events []PushEvent, err error)
}

// Subscriber manages push-subscription leases with one provider.
type Subscriber interface {
	// Subscribe creates a provider subscription for subject using the
	// caller-generated channelID.
	Subscribe(ctx context.Context, userID string, subject, channelID string, token *domain.ServiceToken) (SubscriptionLease, error)

	// Renew re-issues the subscription request for an existing watch.
	Renew(ctx context.Context, watch domain.WebhookWatch, token *domain.ServiceToken) (SubscriptionLease, error)

	// Unsubscribe tears the subscription down. Implementations must treat
	// an already-gone subscription as success.
	Unsubscribe(ctx context.Context, watch domain.WebhookWatch, token *domain.ServiceToken) error
}

// SubscriptionLease is the provider-assigned state of a push subscription.
type SubscriptionLease struct {
	ResourceID  string
	ResourceURI string
	ExpiresAt   int64 // unix seconds
	State       domain.SubscriptionState
}

// Registry maps "service.name" keys to reaction handlers and poll sources,
// and service names to push verifiers and subscribers.
type Registry struct {
	mu          sync.RWMutex
	reactions   map[string]Reaction
	sources     map[string]PollSource
	verifiers   map[string]Verifier
	subscribers map[string]Subscriber
}

func NewRegistry() *Registry {
	return &Registry{
		reactions:   make(map[string]Reaction),
		sources:     make(map[string]PollSource),
		verifiers:   make(map[string]Verifier),
		subscribers: make(map[string]Subscriber),
	}
}

func (r *Registry) RegisterReaction(key string, h Reaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reactions[key] = h
}

func (r *Registry) RegisterPollSource(key string, s PollSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[key] = s
}

func (r *Registry) RegisterVerifier(service string, v Verifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[service] = v
}

func (r *Registry) RegisterSubscriber(service string, s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[service] = s
}

func (r *Registry) Reaction(key string) (Reaction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.reactions[key]
	return h, ok
}

func (r *Registry) PollSource(key string) (PollSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[key]
	return s, ok
}

// PollServices returns the distinct services that have at least one poll
// source registered, sorted. One poll loop is started per service.
func (r *Registry) PollServices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for key := range r.sources {
		service, _, _ := strings.Cut(key, ".")
		seen[service] = struct{}{}
	}
	services := make([]string, 0, len(seen))
	for service := range seen {
		services = append(services, service)
	}
	sort.Strings(services)
	return services
}

func (r *Registry) Verifier(service string) (Verifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.verifiers[service]
	return v, ok
}

func (r *Registry) Subscriber(service string) (Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subscribers[service]
	return s, ok
}
