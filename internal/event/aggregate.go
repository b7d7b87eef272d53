package event

import (
	"sync"
	"time"
)

// Aggregator batches high-frequency events into periodic summaries instead of
// delivering each one individually. Events added under the same aggregation
// key within a window are collected; when the window elapses a single
// SummaryEvent carrying the batch is published to the underlying bus.
//
// Typical use is agent progress reporting, where dozens of updates per second
// would otherwise flood subscribers.
type Aggregator struct {
	mu      sync.Mutex
	bus     *Bus
	window  time.Duration
	batches map[string]*batch
	closed  bool
}

// batch accumulates events for one aggregation key until its window fires.
type batch struct {
	events []Event
	timer  *time.Timer
}

// NewAggregator creates an aggregator that publishes summaries to bus.
// Windows of zero or below disable batching: Add publishes a summary of one
// event immediately.
func NewAggregator(bus *Bus, window time.Duration) *Aggregator {
	return &Aggregator{
		bus:     bus,
		window:  window,
		batches: make(map[string]*batch),
	}
}

// Add records an event under the given aggregation key. The first event for
// a key opens a window; when it elapses the accumulated batch is flushed as
// one SummaryEvent. Events added after Close are dropped.
func (a *Aggregator) Add(key string, event Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	if a.window <= 0 {
		a.bus.Publish(NewSummaryEvent(key, []Event{event}))
		return
	}

	b, ok := a.batches[key]
	if !ok {
		b = &batch{}
		b.timer = time.AfterFunc(a.window, func() { a.flush(key) })
		a.batches[key] = b
	}
	b.events = append(b.events, event)
}

// Flush immediately publishes the pending batch for the given key, if any,
// without waiting for its window to elapse.
func (a *Aggregator) Flush(key string) {
	a.mu.Lock()
	b, ok := a.batches[key]
	if ok {
		b.timer.Stop()
		delete(a.batches, key)
	}
	a.mu.Unlock()

	if ok && len(b.events) > 0 {
		a.bus.Publish(NewSummaryEvent(key, b.events))
	}
}

// Close flushes every pending batch and stops the aggregator.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true

	remaining := a.batches
	a.batches = make(map[string]*batch)
	a.mu.Unlock()

	for key, b := range remaining {
		b.timer.Stop()
		if len(b.events) > 0 {
			a.bus.Publish(NewSummaryEvent(key, b.events))
		}
	}
}

// flush is the timer callback for a key's window.
func (a *Aggregator) flush(key string) {
	a.mu.Lock()
	b, ok := a.batches[key]
	if ok {
		delete(a.batches, key)
	}
	a.mu.Unlock()

	if ok && len(b.events) > 0 {
		a.bus.Publish(NewSummaryEvent(key, b.events))
	}
}
