// Package channel carries dispatch tasks from intake to the worker pool
// over a bounded in-process buffer.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/djlord-it/area-engine/internal/domain"
)

// ErrBufferFull is returned when the buffer stayed full for the emit
// timeout. Intake treats it as non-fatal; a dropped task is recovered by
// the sweeper's orphan re-emit.
var ErrBufferFull = errors.New("task bus buffer full")

// DefaultEmitTimeout bounds how long Emit waits for a free slot. Short on
// purpose: intake loops must not stall behind a saturated worker pool.
const DefaultEmitTimeout = 100 * time.Millisecond

// MetricsSink records bus metrics. Fire-and-forget.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

type Option func(*TaskBus)

// WithMetrics attaches a metrics sink to the bus.
func WithMetrics(sink MetricsSink) Option {
	return func(b *TaskBus) {
		b.metrics = sink
	}
}

// WithEmitTimeout overrides the emit timeout.
func WithEmitTimeout(timeout time.Duration) Option {
	return func(b *TaskBus) {
		b.emitTimeout = timeout
	}
}

type TaskBus struct {
	ch          chan domain.DispatchTask
	capacity    int
	emitTimeout time.Duration
	metrics     MetricsSink // optional, nil = disabled
}

func NewTaskBus(buffer int, opts ...Option) *TaskBus {
	b := &TaskBus{
		ch:          make(chan domain.DispatchTask, buffer),
		capacity:    buffer,
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

// Emit enqueues a task, waiting at most the emit timeout for a free slot.
func (b *TaskBus) Emit(ctx context.Context, task domain.DispatchTask) error {
	select {
	case b.ch <- task:
		b.observe()
		return nil
	default:
	}

	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- task:
		b.observe()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if b.metrics != nil {
			b.metrics.EmitError()
		}
		return ErrBufferFull
	}
}

func (b *TaskBus) Channel() <-chan domain.DispatchTask {
	return b.ch
}

func (b *TaskBus) observe() {
	if b.metrics == nil {
		return
	}
	size := len(b.ch)
	b.metrics.BufferSizeUpdate(size)
	if b.capacity > 0 {
		b.metrics.BufferSaturationUpdate(float64(size) / float64(b.capacity))
	}
}
