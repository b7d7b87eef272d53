package event

import (
	"runtime/debug"
	"sync"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/stagehand-dev/stagehand/internal/errors"
	"github.com/stagehand-dev/stagehand/internal/logging"
)

// DefaultHistoryLimit is the number of recent events retained for replay
// when no explicit limit is configured.
const DefaultHistoryLimit = 256

// Handler is a function that handles an event.
type Handler func(Event)

// subscription represents a registered event handler.
type subscription struct {
	id      string
	pattern string
	matcher glob.Glob
	handler Handler
}

// Bus is an asynchronous pub-sub event bus. Publishers enqueue events and
// return immediately; a single dispatch goroutine delivers events to handlers
// in publish order. Topic patterns support a single-segment wildcard, so a
// handler subscribed to "agent.*" receives "agent.completed" but not
// "agent.review.completed".
//
// The bus keeps a bounded history of recent events that late subscribers can
// replay to catch up on activity they missed.
type Bus struct {
	mu            sync.Mutex
	subscriptions []subscription
	pending       []Event
	history       []Event
	historyLimit  int
	wake          *sync.Cond
	closed        bool
	done          chan struct{}
	logger        *logging.Logger
}

// NewBus creates a new event bus and starts its dispatch goroutine.
// historyLimit bounds the replay buffer; values <= 0 use DefaultHistoryLimit.
// The bus must be released with Close when no longer needed.
func NewBus(logger *logging.Logger, historyLimit int) *Bus {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	b := &Bus{
		historyLimit: historyLimit,
		done:         make(chan struct{}),
		logger:       logger,
	}
	b.wake = sync.NewCond(&b.mu)

	go b.dispatchLoop()
	return b
}

// Subscribe registers a handler for topics matching the given pattern.
// The pattern is matched against topic strings with '.' as the segment
// separator; "*" matches exactly one segment. An exact topic string is
// also a valid pattern. Returns a subscription ID for Unsubscribe, or an
// error if the pattern does not compile.
func (b *Bus) Subscribe(pattern string, handler Handler) (string, error) {
	matcher, err := glob.Compile(pattern, '.')
	if err != nil {
		return "", errors.NewValidationError("invalid topic pattern: " + pattern)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.subscriptions = append(b.subscriptions, subscription{
		id:      id,
		pattern: pattern,
		matcher: matcher,
		handler: handler,
	})
	return id, nil
}

// SubscribeAll registers a handler that receives every published event.
func (b *Bus) SubscribeAll(handler Handler) (string, error) {
	return b.Subscribe("**", handler)
}

// Unsubscribe removes a subscription by ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscriptions {
		if sub.id == id {
			b.subscriptions = append(b.subscriptions[:i], b.subscriptions[i+1:]...)
			return true
		}
	}
	return false
}

// Publish enqueues an event for delivery and returns immediately. Events
// published from a single goroutine are delivered to each handler in publish
// order. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.history = append(b.history, event)
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}

	b.pending = append(b.pending, event)
	b.wake.Signal()
}

// Replay invokes the handler synchronously with each retained event whose
// topic matches the pattern, oldest first. Returns the number of events
// delivered, or an error if the pattern does not compile.
func (b *Bus) Replay(pattern string, handler Handler) (int, error) {
	matcher, err := glob.Compile(pattern, '.')
	if err != nil {
		return 0, errors.NewValidationError("invalid topic pattern: " + pattern)
	}

	b.mu.Lock()
	snapshot := make([]Event, len(b.history))
	copy(snapshot, b.history)
	b.mu.Unlock()

	delivered := 0
	for _, event := range snapshot {
		if matcher.Match(event.EventType()) {
			b.safeCall(handler, event)
			delivered++
		}
	}
	return delivered, nil
}

// Close stops the dispatch goroutine after delivering all pending events.
// Publish calls after Close are dropped. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.wake.Signal()
	b.mu.Unlock()

	<-b.done
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscriptions)
}

// dispatchLoop drains the pending queue, delivering each event to matching
// handlers in registration order. A single goroutine runs this loop so that
// delivery order matches publish order.
func (b *Bus) dispatchLoop() {
	defer close(b.done)

	for {
		b.mu.Lock()
		for len(b.pending) == 0 && !b.closed {
			b.wake.Wait()
		}
		if len(b.pending) == 0 && b.closed {
			b.mu.Unlock()
			return
		}

		event := b.pending[0]
		b.pending = b.pending[1:]

		subs := make([]subscription, len(b.subscriptions))
		copy(subs, b.subscriptions)
		b.mu.Unlock()

		for _, sub := range subs {
			if sub.matcher.Match(event.EventType()) {
				b.safeCall(sub.handler, event)
			}
		}
	}
}

// safeCall invokes a handler and recovers from any panics.
// Panics are logged with stack traces so one misbehaving handler cannot
// block event delivery to other handlers.
func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"topic", event.EventType(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	handler(event)
}
