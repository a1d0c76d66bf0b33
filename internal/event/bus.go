package event

import (
	"runtime/debug"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Iron-Ham/controlroom/internal/logging"
)

// Handler is a function that handles an event.
type Handler func(Event)

// subscription represents a registered event handler.
type subscription struct {
	id        string
	eventType string
	handler   Handler
}

// Bus is a pub-sub event bus. Handlers registered with Subscribe run
// synchronously inside Publish; channel subscriptions created with Watch
// receive events asynchronously, in publish order, without ever blocking
// the publisher.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription // eventType -> subscriptions
	watches       map[string]*Subscription
	logger        *logging.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Bus{
		subscriptions: make(map[string][]subscription),
		watches:       make(map[string]*Subscription),
		logger:        logger.WithComponent("event"),
	}
}

// Subscribe registers a handler for an event type. A type ending in ".*"
// matches every event in that category; "*" matches everything.
// Returns a subscription ID that can be used to unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.subscriptions[eventType] = append(b.subscriptions[eventType], subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
	})
	return id
}

// SubscribeAll registers a handler for all event types.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe("*", handler)
}

// Unsubscribe removes a handler or channel subscription by ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	w, ok := b.watches[id]
	if ok {
		delete(b.watches, id)
	}
	removed := ok
	for eventType, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				b.subscriptions[eventType] = append(subs[:i:i], subs[i+1:]...)
				removed = true
				break
			}
		}
	}
	b.mu.Unlock()

	if w != nil {
		w.stop()
	}
	return removed
}

// Watch creates a channel subscription for the given event types, or for
// every event when none are given.
func (b *Bus) Watch(eventTypes ...string) *Subscription {
	w := newSubscription(uuid.NewString(), eventTypes, b)

	b.mu.Lock()
	b.watches[w.id] = w
	b.mu.Unlock()

	go w.pump()
	return w
}

// Publish dispatches an event. Exact-type handlers run first, then category
// handlers, then wildcard handlers, each group in registration order. A
// panicking handler is logged and does not stop delivery to the others.
func (b *Bus) Publish(event Event) {
	eventType := event.EventType()

	b.mu.RLock()
	var handlers []subscription
	handlers = append(handlers, b.subscriptions[eventType]...)
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		handlers = append(handlers, b.subscriptions[eventType[:i]+".*"]...)
	}
	handlers = append(handlers, b.subscriptions["*"]...)
	var watches []*Subscription
	for _, w := range b.watches {
		if w.matches(eventType) {
			watches = append(watches, w)
		}
	}
	b.mu.RUnlock()

	for _, sub := range handlers {
		b.safeCall(sub.handler, event)
	}
	for _, w := range watches {
		w.enqueue(event)
	}
}

// safeCall invokes a handler and recovers from any panics.
func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", event.EventType(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	handler(event)
}

// Clear removes all subscriptions and closes every watch channel.
func (b *Bus) Clear() {
	b.mu.Lock()
	watches := b.watches
	b.subscriptions = make(map[string][]subscription)
	b.watches = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, w := range watches {
		w.stop()
	}
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.watches)
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}

// Subscription is a channel of events. Events queue without bound until
// the reader takes them, so a slow reader never blocks publishers.
type Subscription struct {
	id    string
	types []string
	bus   *Bus
	ch    chan Event

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newSubscription(id string, types []string, bus *Bus) *Subscription {
	return &Subscription{
		id:    id,
		types: types,
		bus:   bus,
		ch:    make(chan Event),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// ID returns the subscription ID.
func (s *Subscription) ID() string { return s.id }

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close ends the subscription. Undelivered events are dropped.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s.id)
}

func (s *Subscription) matches(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	for _, t := range s.types {
		if t == "*" || t == eventType {
			return true
		}
		if prefix, ok := strings.CutSuffix(t, "*"); ok && strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			e := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.ch <- e:
			case <-s.done:
				return
			}
		}
	}
}
