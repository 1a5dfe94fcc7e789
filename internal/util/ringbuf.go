package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer. When full, Push overwrites
// the oldest element and reports it as evicted. All methods are safe for
// concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a ring buffer with the given capacity (minimum 1).
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends an item. When the buffer was full the overwritten element is
// returned with evicted=true.
func (r *RingBuffer[T]) Push(item T) (old T, evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.head + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		old, evicted = r.buf[idx], true
		r.buf[idx] = item
		r.head = (r.head + 1) % len(r.buf)
		return old, evicted
	}
	r.buf[idx] = item
	r.count++
	return old, false
}

// Snapshot returns a copy of all elements in order (oldest first).
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// RemoveFirst deletes the oldest element matching match and returns it.
// Remaining elements keep their relative order.
func (r *RingBuffer[T]) RemoveFirst(match func(T) bool) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := 0; i < r.count; i++ {
		item := r.buf[(r.head+i)%len(r.buf)]
		if !match(item) {
			continue
		}
		for j := i; j < r.count-1; j++ {
			r.buf[(r.head+j)%len(r.buf)] = r.buf[(r.head+j+1)%len(r.buf)]
		}
		r.buf[(r.head+r.count-1)%len(r.buf)] = zero
		r.count--
		return item, true
	}
	return zero, false
}
