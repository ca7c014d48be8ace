// Package bus implements a topic-scoped publish/subscribe MessageBus.
//
// Topics are opaque strings scoped by convention: "session:<id>",
// "video:<id>", "user:<id>", "note:<id>". Each subscriber owns a bounded
// delivery queue; a slow subscriber never blocks a publisher or other
// subscribers — its oldest events are dropped and a Lagged marker is
// delivered in their place.
//
// Grounded on the teacher's sync.RWMutex-guarded subscription map idiom
// (internal/agent/orchestrator/orchestrator.go) combined with a per-reader
// bounded channel per subscription.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/reelnotes/sessioncore/internal/observe"
)

// Event is the envelope delivered to subscribers. Kind identifies the
// payload's shape to callers (e.g. "state_changed", "note_created"); Payload
// is left as any so gateway/sessionactor code can carry typed structs
// without the bus importing their packages.
type Event struct {
	Topic   string
	Kind    string
	Payload any
}

// laggedKind is the synthetic event kind delivered in place of dropped
// events when a subscriber's queue overflows.
const laggedKind = "lagged"

// Lagged is the payload of a synthetic event a subscriber receives when its
// queue overflowed and the oldest entries were dropped.
type Lagged struct {
	Dropped int
}

const defaultQueueCapacity = 256

// Bus is a topic-scoped publish/subscribe message bus. The zero value is not
// usable; construct with [New].
type Bus struct {
	queueCapacity int
	metrics       *observe.Metrics

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueCapacity overrides the default per-subscriber queue capacity (256).
func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueCapacity = n
		}
	}
}

// WithMetrics attaches an [observe.Metrics] instance for lag-marker counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New constructs an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		queueCapacity: defaultQueueCapacity,
		subs:          make(map[string]map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscription is a bounded delivery queue for one subscriber on one topic.
// Events arrive in order; Close is idempotent.
type Subscription struct {
	topic string
	ch    chan Event

	closeOnce sync.Once
	closed    atomic.Bool

	mu      sync.Mutex
	dropped int
}

// Events returns the channel to range over for delivered events.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Topic returns the topic this subscription was created for.
func (s *Subscription) Topic() string { return s.topic }

// Subscribe returns a new bounded [Subscription] to topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan Event, b.queueCapacity),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[topic] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub from topic and drains/closes its queue. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[sub.topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.topic)
		}
	}
	b.mu.Unlock()

	sub.closeOnce.Do(func() {
		sub.closed.Store(true)
		close(sub.ch)
	})
}

// Publish delivers event to all subscribers of topic. It never blocks: a
// subscriber whose queue is full has its oldest buffered event dropped to
// make room, and a Lagged marker replaces the last dropped slot so the
// subscriber knows to reconcile via a full reload.
func (b *Bus) Publish(ctx context.Context, topic string, kind string, payload any) {
	evt := Event{Topic: topic, Kind: kind, Payload: payload}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs[topic]))
	for s := range b.subs[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(ctx, s, evt)
	}
}

// deliver attempts a non-blocking send; on overflow it drops the oldest
// queued event and, in its place, delivers a Lagged marker so the subscriber
// knows it must reconcile via a full reload instead of trusting the
// incremental stream. The event that triggered the overflow is itself
// superseded by the marker — once a subscriber is lagging, individual
// events are moot until it resyncs.
func (b *Bus) deliver(ctx context.Context, s *Subscription, evt Event) {
	if s.closed.Load() {
		return
	}

	select {
	case s.ch <- evt:
		return
	default:
	}

	select {
	case <-s.ch:
		s.mu.Lock()
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		if b.metrics != nil {
			b.metrics.RecordBusLagMarker(ctx, s.topic)
		}
		select {
		case s.ch <- Event{Topic: s.topic, Kind: laggedKind, Payload: Lagged{Dropped: dropped}}:
		default:
		}
	default:
		// Another goroutine drained concurrently; the queue now has room.
		select {
		case s.ch <- evt:
		default:
		}
	}
}
