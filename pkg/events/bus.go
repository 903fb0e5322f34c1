package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/permissions"
)

// DefaultBufferSize is the per-subscriber queue length
const DefaultBufferSize = 256

// Authorizer decides whether a subscriber may see an event's resource
type Authorizer interface {
	Allowed(ctx context.Context, claims *auth.Claims, resourceID, action string) (bool, error)
}

type subscriber struct {
	ctx    context.Context
	claims *auth.Claims
	filter Filter
	ch     chan *Event
	// overflow is closed when the subscriber falls a full buffer behind
	overflow chan struct{}
	once     sync.Once
}

// Bus fans published events out to live subscribers. Publishing never
// blocks on a subscriber; one that falls behind is disconnected.
type Bus struct {
	store      Store
	relay      Relay
	authorizer Authorizer
	bufferSize int
	origin     string
	metrics    *observability.Metrics
	logger     *observability.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscriber
}

// BusOption configures a Bus
type BusOption func(*Bus)

// WithStore persists every published event
func WithStore(store Store) BusOption {
	return func(b *Bus) { b.store = store }
}

// WithRelay forwards events to and from other instances
func WithRelay(relay Relay) BusOption {
	return func(b *Bus) { b.relay = relay }
}

// WithBufferSize sets the per-subscriber queue length
func WithBufferSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithMetrics records publish and subscriber metrics
func WithMetrics(m *observability.Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates an event bus. Without a store events get ids from an
// in-memory store.
func NewBus(authorizer Authorizer, logger *observability.Logger, opts ...BusOption) *Bus {
	b := &Bus{
		authorizer: authorizer,
		bufferSize: DefaultBufferSize,
		origin:     uuid.NewString(),
		logger:     logger.WithComponent("events"),
		subs:       make(map[uint64]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.store == nil {
		b.store = NewMemoryStore(0)
	}
	if b.metrics == nil {
		b.metrics = observability.NewNopMetrics()
	}
	return b
}

// Publish stores ev, delivers it to local subscribers and forwards it to
// the relay. Relay failures are logged; local delivery has happened.
func (b *Bus) Publish(ctx context.Context, ev *Event) (*Event, error) {
	if ev.ResourceID == "" {
		return nil, apperr.Validation("resourceId is required")
	}
	published := *ev
	if published.CreatedAt.IsZero() {
		published.CreatedAt = time.Now().UTC()
	}
	if err := b.store.Append(ctx, &published); err != nil {
		return nil, err
	}

	b.metrics.EventsPublishedTotal.WithLabelValues(published.EventType.String()).Inc()
	b.deliver(&published)

	if b.relay != nil {
		msg := &RelayMessage{Origin: b.origin, Event: &published, Readers: published.Readers}
		if err := b.relay.Publish(ctx, msg); err != nil {
			b.logger.ForContext(ctx).WithError(err).WithField("event_id", published.ID).Warn("Failed to relay event")
		}
	}
	return &published, nil
}

// Run consumes the relay until ctx is done. It returns immediately when
// the bus has no relay.
func (b *Bus) Run(ctx context.Context) error {
	if b.relay == nil {
		<-ctx.Done()
		return nil
	}
	return b.relay.Run(ctx, b.receive)
}

func (b *Bus) receive(msg *RelayMessage) {
	if msg.Origin == b.origin || msg.Event == nil {
		return
	}
	ev := *msg.Event
	ev.Readers = msg.Readers
	b.deliver(&ev)
}

func (b *Bus) deliver(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.filter.Matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.once.Do(func() {
				close(sub.overflow)
				b.metrics.EventDropsTotal.Inc()
			})
		}
	}
}

// Subscribe calls fn for every matching event the caller may read until
// ctx is done (nil) or the subscriber falls behind (Unavailable). Only
// events published after the call are seen.
func (b *Bus) Subscribe(ctx context.Context, claims *auth.Claims, filter Filter, fn func(*Event) error) error {
	sub := &subscriber{
		ctx:      ctx,
		claims:   claims,
		filter:   filter,
		ch:       make(chan *Event, b.bufferSize),
		overflow: make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()
	b.metrics.EventSubscribers.Inc()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		b.metrics.EventSubscribers.Dec()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.ch:
			if err := b.send(sub, ev, fn); err != nil {
				return err
			}
		case <-sub.overflow:
			// drain what was queued before the overflow, then disconnect
			for {
				select {
				case ev := <-sub.ch:
					if err := b.send(sub, ev, fn); err != nil {
						return err
					}
				default:
					return apperr.Unavailable("subscriber too slow, %d events buffered", b.bufferSize)
				}
			}
		}
	}
}

func (b *Bus) send(sub *subscriber, ev *Event, fn func(*Event) error) error {
	ok, err := b.visible(sub, ev)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return fn(ev)
}

func (b *Bus) visible(sub *subscriber, ev *Event) (bool, error) {
	if sub.claims.IsAdmin {
		return true, nil
	}
	if ev.EventType == EventDelete && ev.Readers != nil {
		for _, p := range sub.claims.Principals() {
			for _, r := range ev.Readers {
				if p == r {
					return true, nil
				}
			}
		}
		return false, nil
	}

	ok, err := b.authorizer.Allowed(sub.ctx, sub.claims, ev.ResourceID, permissions.ActionRead)
	if apperr.IsNotFound(err) {
		// deleted since publication
		return false, nil
	}
	return ok, err
}

// Subscribers returns the number of live subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
