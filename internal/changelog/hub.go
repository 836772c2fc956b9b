package changelog

import (
	"context"
	"sync"

	"github.com/roach88/quill/internal/queue"
)

// Hub fans published values out to subscribers. Backends use it to push
// committed records and discussion changes to live subscriptions.
//
// Publish never blocks: each subscriber owns an unbounded queue drained by
// its own goroutine, so a slow reader cannot stall a writer.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*queue.Queue[T]
	next   uint64
	closed bool
}

// NewHub returns an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[uint64]*queue.Queue[T])}
}

// Subscribe returns a channel receiving every value published after the
// call, in publish order. The channel closes when ctx is done or the hub
// is closed.
func (h *Hub[T]) Subscribe(ctx context.Context) <-chan T {
	out := make(chan T)
	q := queue.New[T]()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(out)
		return out
	}
	id := h.next
	h.next++
	h.subs[id] = q
	h.mu.Unlock()

	go func() {
		defer close(out)
		defer h.remove(id)
		for {
			// Read closed before draining so a final push is not lost.
			closed := q.Closed()
			for {
				v, ok := q.TryPop()
				if !ok {
					break
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
			if closed {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-q.Wait():
			}
		}
	}()
	return out
}

// Publish delivers v to every current subscriber.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range h.subs {
		q.Push(v)
	}
}

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription after its queued values are delivered.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, q := range h.subs {
		q.Close()
	}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if q, ok := h.subs[id]; ok {
		q.Close()
		delete(h.subs, id)
	}
}
