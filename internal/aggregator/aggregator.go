// Package aggregator batches bursts of events so each burst is applied as
// one update.
//
// Events are held until no new event arrived for the wait interval, but
// never longer than the force interval after the first event of a batch.
package aggregator

import (
	"sync"
	"time"

	"github.com/roach88/quill/internal/clock"
	"github.com/roach88/quill/internal/metrics"
)

const (
	// DefaultWait is the quiet period that ends a batch.
	DefaultWait = 15 * time.Millisecond

	// DefaultForce bounds how long the first event of a batch may wait.
	DefaultForce = 30 * time.Millisecond
)

type config struct {
	wait  time.Duration
	force time.Duration
	clock clock.Clock
}

// Option configures an Aggregator.
type Option func(*config)

// WithWait sets the quiet period.
func WithWait(d time.Duration) Option {
	return func(c *config) { c.wait = d }
}

// WithForce sets the maximum batch age.
func WithForce(d time.Duration) Option {
	return func(c *config) { c.force = d }
}

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option {
	return func(c *config) { c.clock = clk }
}

// Aggregator collects events and hands them to a flush callback in
// batches.
//
// Batches preserve enqueue order and are delivered one at a time; no event
// is dropped unless the aggregator is closed first.
//
// Thread-safety: Enqueue and Close are safe for concurrent use.
type Aggregator[T any] struct {
	cfg   config
	flush func(batch []T)

	mu     sync.Mutex
	queue  []T
	oldest time.Time
	timer  clock.Timer
	gen    uint64
	closed bool

	// flushMu keeps batches from overlapping when a timer fires while the
	// previous batch is still being handled.
	flushMu sync.Mutex
}

// New returns an aggregator delivering batches to flush.
func New[T any](flush func(batch []T), opts ...Option) *Aggregator[T] {
	cfg := config{
		wait:  DefaultWait,
		force: DefaultForce,
		clock: clock.Real{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Aggregator[T]{cfg: cfg, flush: flush}
}

// Enqueue adds ev to the current batch and re-arms the flush timer for
// min(wait, force - age of the batch), never less than zero.
func (a *Aggregator[T]) Enqueue(ev T) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	now := a.cfg.clock.Now()
	if len(a.queue) == 0 {
		a.oldest = now
	}
	a.queue = append(a.queue, ev)

	delay := min(a.cfg.wait, a.cfg.force-now.Sub(a.oldest))
	if delay < 0 {
		delay = 0
	}

	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = a.cfg.clock.AfterFunc(delay, func() { a.fire(gen) })
}

// Len returns the number of events waiting for the next flush.
func (a *Aggregator[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Close stops the aggregator. Queued events are discarded and timers that
// fire later do nothing.
func (a *Aggregator[T]) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	a.queue = nil
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Aggregator[T]) fire(gen uint64) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	// A newer Enqueue re-armed the timer; that timer owns the batch.
	if a.closed || gen != a.gen || len(a.queue) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.queue
	a.queue = nil
	a.timer = nil
	a.mu.Unlock()

	metrics.AggregatorBatchSize.Observe(float64(len(batch)))
	a.flush(batch)
}
