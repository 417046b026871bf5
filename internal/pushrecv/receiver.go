// Package pushrecv is the push half of trigger intake. It normalizes
// inbound provider notifications (webhook, EventSub, watch ping) into
// candidate trigger tuples and submits them to the ledger.
//
// Signature verification, challenge handshakes and payload parsing are
// delegated to per-service capability.Verifier implementations; the
// receiver only requires the boolean authenticated result before any
// submit happens.
package pushrecv

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/area-engine/internal/capability"
	"github.com/djlord-it/area-engine/internal/domain"
)

// maxBodyBytes bounds inbound notification bodies.
const maxBodyBytes = 1 << 20

// AreaResolver maps a notification subject to the areas it triggers.
// Implementations must only return areas in active status.
type AreaResolver interface {
	ListActiveAreasBySubject(ctx context.Context, service, subject string) ([]domain.Area, error)
}

// Ledger is the submit boundary.
type Ledger interface {
	Submit(ctx context.Context, areaID uuid.UUID, externalEventID string, payload map[string]any) (domain.Execution, bool, error)
}

// TaskEmitter enqueues dispatch tasks for newly created executions.
type TaskEmitter interface {
	Emit(ctx context.Context, task domain.DispatchTask) error
}

// MetricsSink records push intake metrics. Fire-and-forget.
type MetricsSink interface {
	PushNotificationReceived(service string, authenticated bool, events int)
}

type Receiver struct {
	registry *capability.Registry
	resolver AreaResolver
	ledger   Ledger
	emitter  TaskEmitter
	metrics  MetricsSink // optional, nil = disabled
	clock    func() time.Time
}

func New(registry *capability.Registry, resolver AreaResolver, ledger Ledger, emitter TaskEmitter) *Receiver {
	return &Receiver{
		registry: registry,
		resolver: resolver,
		ledger:   ledger,
		emitter:  emitter,
		clock:    time.Now,
	}
}

// WithMetrics attaches a metrics sink to the receiver.
func (r *Receiver) WithMetrics(sink MetricsSink) *Receiver {
	r.metrics = sink
	return r
}

// Handle processes one inbound notification for the given service.
// A single notification may fan out to multiple areas; each produces its
// own execution under the same external event id.
func (r *Receiver) Handle(service string, w http.ResponseWriter, req *http.Request) {
	verifier, ok := r.registry.Verifier(service)
	if !ok {
		http.Error(w, "unknown service", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	authenticated, events, err := verifier.Verify(req, body)
	if err != nil {
		log.Printf("pushrecv: %s verify error: %v", service, err)
		http.Error(w, "verification failed", http.StatusBadRequest)
		return
	}
	if !authenticated {
		if r.metrics != nil {
			r.metrics.PushNotificationReceived(service, false, 0)
		}
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	accepted := 0
	for _, ev := range events {
		accepted += r.fanOut(req.Context(), service, ev)
	}

	if r.metrics != nil {
		r.metrics.PushNotificationReceived(service, true, accepted)
	}

	w.WriteHeader(http.StatusAccepted)
}

// fanOut submits one normalized event to every area mapped to its subject.
func (r *Receiver) fanOut(ctx context.Context, service string, ev capability.PushEvent) int {
	areas, err := r.resolver.ListActiveAreasBySubject(ctx, service, ev.Subject)
	if err != nil {
		log.Printf("pushrecv: %s subject=%s resolve error: %v", service, ev.Subject, err)
		return 0
	}
	if len(areas) == 0 {
		log.Printf("pushrecv: %s subject=%s matches no active areas", service, ev.Subject)
		return 0
	}

	accepted := 0
	for _, area := range areas {
		exec, isNew, err := r.ledger.Submit(ctx, area.ID, ev.ExternalEventID, ev.Payload)
		if err != nil {
			log.Printf("pushrecv: %s area=%s event=%s submit error: %v",
				service, area.ID, ev.ExternalEventID, err)
			continue
		}
		if !isNew {
			continue // duplicate notification, already ledgered
		}
		accepted++

		task := domain.DispatchTask{
			ExecutionID: exec.ID,
			AreaID:      area.ID,
			EnqueuedAt:  r.clock().UTC(),
		}
		if err := r.emitter.Emit(ctx, task); err != nil {
			log.Printf("pushrecv: %s execution=%s emit error: %v", service, exec.ID, err)
		}
	}
	return accepted
}
