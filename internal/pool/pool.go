// Package pool manages the bounded set of agent execution slots and the
// circuit breaker that guards dispatch against a persistently failing agent
// backend.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-dev/stagehand/internal/errors"
	"github.com/stagehand-dev/stagehand/internal/logging"
)

// Slot is a leased execution slot. Callers must Release it when the work it
// covered finishes.
type Slot struct {
	ID string

	pool     *Pool
	released bool
	mu       sync.Mutex
}

// idleSlot tracks when a slot was returned, for idle reaping.
type idleSlot struct {
	id    string
	since time.Time
}

// Pool bounds concurrent agent executions between a warm minimum and a hard
// maximum. Acquirers beyond the maximum wait in FIFO order. Slots idle above
// the minimum are reaped after the idle timeout, so a burst does not pin
// capacity forever.
type Pool struct {
	mu      sync.Mutex
	min     int
	max     int
	idleFor time.Duration

	inUse   int
	idle    []idleSlot
	waiters []chan *Slot

	drained   bool
	releaseCh chan struct{}
	stopReap  chan struct{}

	logger *logging.Logger
}

// NewPool creates a pool with min warm slots and a ceiling of max. idleFor
// of zero disables idle reaping. Release the pool with Close.
func NewPool(min, max int, idleFor time.Duration, logger *logging.Logger) (*Pool, error) {
	if max < 1 {
		return nil, errors.NewValidationError("pool max size must be at least 1")
	}
	if min < 0 || min > max {
		return nil, errors.NewValidationError("pool min size must be between 0 and max size")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	p := &Pool{
		min:       min,
		max:       max,
		idleFor:   idleFor,
		releaseCh: make(chan struct{}, 1),
		stopReap:  make(chan struct{}),
		logger:    logger,
	}

	now := time.Now()
	for i := 0; i < min; i++ {
		p.idle = append(p.idle, idleSlot{id: uuid.NewString(), since: now})
	}

	if idleFor > 0 {
		go p.reapLoop()
	}
	return p, nil
}

// Acquire leases a slot, waiting up to timeout behind earlier waiters when
// the pool is at capacity. Exhaustion returns a retryable error wrapping
// ErrPoolExhausted; a drained pool returns ErrPoolDrained.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Slot, error) {
	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		return nil, errors.Wrap(errors.ErrPoolDrained, "acquire")
	}

	if len(p.idle) > 0 {
		slot := p.takeIdleLocked()
		p.mu.Unlock()
		return slot, nil
	}

	if p.inUse < p.max {
		p.inUse++
		p.mu.Unlock()
		return &Slot{ID: uuid.NewString(), pool: p}, nil
	}

	// At capacity; join the FIFO wait queue.
	grant := make(chan *Slot, 1)
	p.waiters = append(p.waiters, grant)
	p.mu.Unlock()

	select {
	case slot, ok := <-grant:
		if !ok {
			return nil, errors.Wrap(errors.ErrPoolDrained, "acquire")
		}
		return slot, nil
	case <-ctx.Done():
		p.abandonWaiter(grant)
		return nil, errors.Wrap(ctx.Err(), "acquire")
	case <-time.After(timeout):
		p.abandonWaiter(grant)
		return nil, errors.Wrapf(errors.ErrPoolExhausted, "no slot available within %s", timeout)
	}
}

// abandonWaiter removes a waiter that stopped waiting. If a grant raced the
// abandonment, the slot is returned to the pool.
func (p *Pool) abandonWaiter(grant chan *Slot) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == grant {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Not in the queue: a grant is already in flight. Take it and give the
	// slot back.
	if slot, ok := <-grant; ok {
		slot.Release()
	}
}

// Release returns the slot to the pool. The first waiter in line, if any,
// receives it directly. Safe to call multiple times.
func (s *Slot) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	s.pool.release(s.ID)
}

func (p *Pool) release(id string) {
	p.mu.Lock()

	if len(p.waiters) > 0 {
		grant := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		grant <- &Slot{ID: id, pool: p}
		return
	}

	p.inUse--
	if !p.drained {
		p.idle = append(p.idle, idleSlot{id: id, since: time.Now()})
	}
	p.mu.Unlock()

	select {
	case p.releaseCh <- struct{}{}:
	default:
	}
}

// takeIdleLocked pops the most recently used idle slot. Caller holds p.mu.
func (p *Pool) takeIdleLocked() *Slot {
	last := len(p.idle) - 1
	id := p.idle[last].id
	p.idle = p.idle[:last]
	p.inUse++
	return &Slot{ID: id, pool: p}
}

// Stats reports the pool's current occupancy.
func (p *Pool) Stats() (inUse, idle, waiting int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse, len(p.idle), len(p.waiters)
}

// Drain stops granting slots and waits for outstanding leases to be
// released, or for ctx to expire. Pending waiters fail with ErrPoolDrained.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.drained = true
	waiters := p.waiters
	p.waiters = nil
	p.idle = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	for {
		p.mu.Lock()
		remaining := p.inUse
		p.mu.Unlock()
		if remaining == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "drain abandoned with %d slots leased", remaining)
		case <-p.releaseCh:
		}
	}
}

// Close stops the idle reaper. It does not wait for leases; use Drain first
// for an orderly shutdown.
func (p *Pool) Close() {
	select {
	case <-p.stopReap:
	default:
		close(p.stopReap)
	}
}

// reapLoop periodically drops idle slots that have outlived the idle
// timeout, keeping at least min slots of total capacity.
func (p *Pool) reapLoop() {
	interval := p.idleFor / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReap:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.idleFor)
	total := p.inUse + len(p.idle)
	kept := p.idle[:0]
	reaped := 0
	for _, s := range p.idle {
		if s.since.Before(cutoff) && total > p.min {
			reaped++
			total--
			continue
		}
		kept = append(kept, s)
	}
	p.idle = kept

	if reaped > 0 {
		p.logger.Debug("idle slots reaped", "count", reaped)
	}
}
