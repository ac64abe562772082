package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/eventtap/errs"
	"github.com/coachpo/eventtap/internal/schema"
	"github.com/coachpo/eventtap/internal/telemetry"
)

// MemoryBus is an in-memory implementation of the Bus contract. Handlers are
// invoked with a detached clone of every published event, so a slow or
// mutating subscriber can never corrupt another subscriber's view.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	channels     map[schema.Channel]struct{}
	subscribers  map[schema.Channel]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	workers      int

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
}

type subscriber struct {
	channel schema.Channel
	handler Handler
}

// NewMemoryBus constructs a memory-backed bus exposing the configured channels.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.channels = make(map[schema.Channel]struct{}, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		bus.channels[ch] = struct{}{}
	}
	bus.subscribers = make(map[schema.Channel]map[SubscriptionID]*subscriber)
	bus.workers = cfg.FanoutWorkers

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))

	return bus
}

// Channels reports the channels declared at construction.
func (b *MemoryBus) Channels() []schema.Channel {
	out := make([]schema.Channel, 0, len(b.cfg.Channels))
	out = append(out, b.cfg.Channels...)
	return out
}

// Publish fan-outs the event to every handler subscribed to its channel.
// Publish returns only after all handlers have run, so successive publishes
// from one goroutine reach each subscriber in publish order.
func (b *MemoryBus) Publish(ctx context.Context, evt *schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return nil
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	channel := evt.Channel.Normalize()
	if channel == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event channel required"))
	}

	start := time.Now()
	result := "success"
	defer func() {
		if b.publishDuration != nil {
			attrs := telemetry.OperationResultAttributes(telemetry.Environment(), string(channel), "eventbus.publish", result)
			b.publishDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
		}
	}()

	b.mu.RLock()
	_, declared := b.channels[channel]
	subMap := b.subscribers[channel]
	n := len(subMap)
	subscribers := make([]*subscriber, 0, n)
	for _, sub := range subMap {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	if !declared {
		result = "unknown_channel"
		return errs.New("eventbus/publish", errs.CodeNotFound,
			errs.WithMessage("channel not declared"), errs.WithChannel(string(channel)))
	}

	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(n), metric.WithAttributes(
			telemetry.ChannelAttributes(telemetry.Environment(), string(channel))...))
	}

	if n == 0 {
		result = "no_subscribers"
		return nil
	}

	workerLimit := b.workers
	if workerLimit <= 0 {
		workerLimit = 1
	}

	p := concpool.New().WithMaxGoroutines(workerLimit)
	for _, sub := range subscribers {
		if sub == nil || sub.handler == nil {
			continue
		}
		handler := sub.handler
		clone := schema.CloneEvent(evt)
		p.Go(func() {
			handler(clone)
		})
	}
	p.Wait()

	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.ChannelAttributes(telemetry.Environment(), string(channel))...))
	}
	return nil
}

// Subscribe registers a handler for events on the given channel and returns
// the subscription identifier. Multiple subscriptions on one channel are
// independent; each receives its own clone of every event.
func (b *MemoryBus) Subscribe(channel schema.Channel, handler Handler) (SubscriptionID, error) {
	normalized := channel.Normalize()
	if normalized == "" {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("channel required"))
	}
	if handler == nil {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	if b.ctx.Err() != nil {
		return "", errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	b.mu.Lock()
	if _, declared := b.channels[normalized]; !declared {
		b.mu.Unlock()
		return "", errs.New("eventbus/subscribe", errs.CodeNotFound,
			errs.WithMessage("channel not declared"), errs.WithChannel(string(normalized)))
	}
	id := SubscriptionID(uuid.NewString())
	if _, ok := b.subscribers[normalized]; !ok {
		b.subscribers[normalized] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[normalized][id] = &subscriber{channel: normalized, handler: handler}
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.ChannelAttributes(telemetry.Environment(), string(normalized))...))
	}
	return id, nil
}

// Unsubscribe removes the subscription. Unknown identifiers are a no-op.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for channel, subs := range b.subscribers {
		if _, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, channel)
			}
			b.mu.Unlock()
			if b.subscriberGauge != nil {
				b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
					telemetry.ChannelAttributes(telemetry.Environment(), string(channel))...))
			}
			return
		}
	}
	b.mu.Unlock()
}

// Close shuts down the bus and drops all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for channel, subs := range b.subscribers {
			for id := range subs {
				delete(subs, id)
			}
			delete(b.subscribers, channel)
		}
		b.mu.Unlock()
	})
}
