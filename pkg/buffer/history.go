// Package buffer provides a generic, thread-safe bounded history.
//
// A History keeps the last Capacity items in insertion order. When full, the
// oldest item is evicted to make room, so the capacity is never exceeded.
// Statistics are always collected; Prometheus metrics are optional.
package buffer

import (
	"sync"
)

// DropCallback is called with each evicted item, outside the lock.
type DropCallback[T any] func(item T)

// History is a fixed-capacity FIFO ring. It is safe for concurrent use.
type History[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	stats    *Statistics
	opts     *historyOptions[T]
}

// NewHistory creates a history holding at most capacity items.
// Capacities below 1 are raised to 1, which gives a last-value cache.
func NewHistory[T any](capacity int, options ...Option[T]) *History[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &History[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		opts:     applyOptions(options...),
	}
}

// Append adds item as the newest entry. If the history was full, the oldest
// entry is evicted and returned with true.
func (h *History[T]) Append(item T) (T, bool) {
	var evicted T
	dropped := false

	h.mu.Lock()
	if h.size == h.capacity {
		evicted = h.items[h.head]
		dropped = true
	} else {
		h.size++
	}
	h.items[h.head] = item
	h.head = (h.head + 1) % h.capacity
	size := h.size
	h.mu.Unlock()

	h.stats.append()
	if dropped {
		h.stats.evict()
	}
	if m := h.opts.metrics; m != nil {
		m.recordAppend(h.opts.name, size, dropped)
	}
	if dropped && h.opts.dropCallback != nil {
		h.opts.dropCallback(evicted)
	}
	return evicted, dropped
}

// Items returns a copy of the entries, oldest first.
func (h *History[T]) Items() []T {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]T, 0, h.size)
	start := (h.head - h.size + h.capacity) % h.capacity
	for i := 0; i < h.size; i++ {
		out = append(out, h.items[(start+i)%h.capacity])
	}
	return out
}

// Last returns the newest entry.
func (h *History[T]) Last() (T, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var zero T
	if h.size == 0 {
		return zero, false
	}
	return h.items[(h.head-1+h.capacity)%h.capacity], true
}

// Len returns the number of entries held.
func (h *History[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Capacity returns the maximum number of entries.
func (h *History[T]) Capacity() int {
	return h.capacity
}

// IsFull reports whether the next Append evicts.
func (h *History[T]) IsFull() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size == h.capacity
}

// Stats returns the history statistics.
func (h *History[T]) Stats() *Statistics {
	return h.stats
}
