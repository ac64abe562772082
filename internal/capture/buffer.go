// Package capture implements a bounded, order-preserving buffer of
// notifications received from a single channel of an observable source.
//
// A Buffer owns exactly one subscription for its lifetime. Incoming
// notifications pass a running gate and an optional transform before being
// appended; once the buffer holds its configured capacity the oldest entry is
// evicted on every further append.
package capture

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/eventtap/errs"
	"github.com/coachpo/eventtap/internal/bus/eventbus"
	"github.com/coachpo/eventtap/internal/observability"
	"github.com/coachpo/eventtap/internal/schema"
	"github.com/coachpo/eventtap/internal/telemetry"
)

// DefaultCapacity bounds the retained store when Options.Capacity is unset.
const DefaultCapacity = 1_000_000

// Source abstracts the observable notifier a Buffer attaches to. The buffer
// never inspects the source beyond this subscription contract.
type Source interface {
	Subscribe(channel schema.Channel, handler eventbus.Handler) (eventbus.SubscriptionID, error)
	Unsubscribe(id eventbus.SubscriptionID)
}

// Options configures a Buffer at construction.
type Options struct {
	// Capacity is the maximum retained notification count. Zero selects
	// DefaultCapacity; negative values are rejected.
	Capacity int
	// Transform, when set, maps each accepted notification to the value
	// actually retained. A transform error drops that notification only.
	Transform Transform
	// OnError receives transform failures. When nil, failures are logged
	// through the observability logger.
	OnError func(error)
}

// Status is a point-in-time snapshot of a buffer for display or logging.
type Status struct {
	Channel      schema.Channel
	Running      bool
	Transforming bool
	Count        int
	Capacity     int
}

// Buffer captures notifications from one channel of a source into a bounded
// FIFO store. All methods are safe for concurrent use.
type Buffer struct {
	source    Source
	channel   schema.Channel
	capacity  int
	transform Transform
	onError   func(error)

	mu      sync.Mutex
	store   []*schema.Event
	running bool
	closed  bool
	subID   eventbus.SubscriptionID

	storedCounter    metric.Int64Counter
	discardedCounter metric.Int64Counter
	transformErrors  metric.Int64Counter
	evictionCounter  metric.Int64Counter
}

// NewBuffer registers a subscription on the source's channel and returns a
// running buffer. Construction fails when the source is nil, the capacity is
// negative, or the source rejects the channel.
func NewBuffer(source Source, channel schema.Channel, opts Options) (*Buffer, error) {
	if source == nil {
		return nil, errs.New("capture/new", errs.CodeInvalid, errs.WithMessage("source required"))
	}
	channel = channel.Normalize()
	if err := channel.Validate(); err != nil {
		return nil, err
	}
	capacity := opts.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity < 0 {
		return nil, errs.New("capture/new", errs.CodeInvalid,
			errs.WithMessage("capacity must be positive"), errs.WithChannel(string(channel)))
	}

	buf := &Buffer{
		source:    source,
		channel:   channel,
		capacity:  capacity,
		transform: opts.Transform,
		onError:   opts.OnError,
		running:   true,
	}

	meter := otel.Meter("capture")
	buf.storedCounter, _ = meter.Int64Counter("capture.events.stored",
		metric.WithDescription("Number of notifications appended to the store"),
		metric.WithUnit("{event}"))
	buf.discardedCounter, _ = meter.Int64Counter("capture.events.discarded",
		metric.WithDescription("Number of notifications dropped by the running gate"),
		metric.WithUnit("{event}"))
	buf.transformErrors, _ = meter.Int64Counter("capture.transform.errors",
		metric.WithDescription("Number of notifications dropped by transform failures"),
		metric.WithUnit("{error}"))
	buf.evictionCounter, _ = meter.Int64Counter("capture.evictions",
		metric.WithDescription("Number of oldest notifications evicted at capacity"),
		metric.WithUnit("{event}"))

	id, err := source.Subscribe(channel, buf.receive)
	if err != nil {
		return nil, errs.New("capture/new", errs.CodeNotFound,
			errs.WithMessage("subscribe failed"), errs.WithChannel(string(channel)), errs.WithCause(err))
	}
	buf.mu.Lock()
	buf.subID = id
	buf.mu.Unlock()
	return buf, nil
}

// receive is the subscription callback. It is never called by consumers.
func (b *Buffer) receive(evt *schema.Event) {
	if evt == nil {
		return
	}

	b.mu.Lock()
	if b.closed || !b.running {
		b.mu.Unlock()
		if b.discardedCounter != nil {
			b.discardedCounter.Add(context.Background(), 1, metric.WithAttributes(
				telemetry.ChannelAttributes(telemetry.Environment(), string(b.channel))...))
		}
		return
	}

	stored := evt
	if b.transform != nil {
		out, err := b.transform(evt)
		if err != nil {
			b.mu.Unlock()
			b.reportTransformError(err)
			return
		}
		if out == nil {
			out = evt
		}
		stored = out
	}

	b.store = append(b.store, stored)
	evicted := false
	if len(b.store) > b.capacity {
		// At most one element over: capacity never shrinks and each receive
		// appends exactly one event.
		b.store[0] = nil
		b.store = b.store[1:]
		evicted = true
	}
	b.mu.Unlock()

	if b.storedCounter != nil {
		b.storedCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.ChannelAttributes(telemetry.Environment(), string(b.channel))...))
	}
	if evicted && b.evictionCounter != nil {
		b.evictionCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.ChannelAttributes(telemetry.Environment(), string(b.channel))...))
	}
}

func (b *Buffer) reportTransformError(cause error) {
	err := errs.New("capture/transform", errs.CodeTransform,
		errs.WithMessage("transform rejected notification"),
		errs.WithChannel(string(b.channel)), errs.WithCause(cause))
	if b.transformErrors != nil {
		b.transformErrors.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.ErrorAttributes(telemetry.Environment(), string(errs.CodeTransform), string(b.channel))...))
	}
	if b.onError != nil {
		b.onError(err)
		return
	}
	observability.Log().Error("transform failed, notification dropped",
		observability.F("channel", b.channel), observability.F("error", err))
}

// Start enables capture. Idempotent; a no-op after Close.
func (b *Buffer) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.running = true
}

// Stop disables capture without touching stored contents or the
// subscription. Idempotent.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
}

// IsRunning reports whether incoming notifications are currently accepted.
func (b *Buffer) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Count returns the number of retained notifications.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.store)
}

// Last returns the most recently appended notification without removing it.
// The second return value is false when the store is empty.
func (b *Buffer) Last() (*schema.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.store) == 0 {
		return nil, false
	}
	return b.store[len(b.store)-1], true
}

// Pop removes and returns the most recently appended notification. An empty
// store yields (nil, false) and is not an error.
func (b *Buffer) Pop() (*schema.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.store)
	if n == 0 {
		return nil, false
	}
	evt := b.store[n-1]
	b.store[n-1] = nil
	b.store = b.store[:n-1]
	return evt, true
}

// All returns the retained notifications oldest first. The returned slice is
// a copy; mutating it does not affect the buffer.
func (b *Buffer) All() []*schema.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*schema.Event, len(b.store))
	copy(out, b.store)
	return out
}

// Clear empties the store. The running gate and subscription are unaffected.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.store {
		b.store[i] = nil
	}
	b.store = b.store[:0]
}

// Channel reports the observed notification channel.
func (b *Buffer) Channel() schema.Channel {
	return b.channel
}

// Capacity reports the maximum retained count.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// HasTransform reports whether a transform is applied to accepted
// notifications.
func (b *Buffer) HasTransform() bool {
	return b.transform != nil
}

// Status returns a snapshot of the buffer for display or logging.
func (b *Buffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Channel:      b.channel,
		Running:      b.running,
		Transforming: b.transform != nil,
		Count:        len(b.store),
		Capacity:     b.capacity,
	}
}

// Close releases the subscription and stops capture. Close is idempotent and
// safe to call concurrently with an in-flight delivery: the delivery either
// completes before the state flips or is discarded by the closed gate.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.running = false
	id := b.subID
	b.mu.Unlock()

	if id != "" {
		b.source.Unsubscribe(id)
	}
}
