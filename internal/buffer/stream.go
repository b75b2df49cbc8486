package buffer

import (
	"fmt"
	"sync"
)

// State is the occupancy class of a StreamBuffer.
type State int

const (
	StateEmpty State = iota
	StateLow
	StateReady
	StateFull
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateLow:
		return "LOW"
	case StateReady:
		return "READY"
	case StateFull:
		return "FULL"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Default watermarks.
const (
	DefaultCapacity   = 120
	DefaultLowLimit   = 30
	DefaultReadyLimit = 60
)

// Callbacks are invoked after a buffer mutation, outside the buffer lock and
// on the goroutine that performed the mutation. Nil fields are skipped.
type Callbacks struct {
	OnEmpty func()
	OnLow   func()
	OnReady func()
}

// Option configures a StreamBuffer.
type Option func(*config)

type config struct {
	capacity int
	low      int
	ready    int
}

// WithCapacity sets the maximum number of queued items.
func WithCapacity(capacity int) Option {
	return func(c *config) {
		c.capacity = capacity
	}
}

// WithWatermarks sets the low and ready watermarks.
func WithWatermarks(low, ready int) Option {
	return func(c *config) {
		c.low = low
		c.ready = ready
	}
}

// StreamBuffer is a bounded FIFO with a four state occupancy model.
//
// Queue recomputes the state from the new size:
//
//	size <= low           LOW, disarm
//	low < size <= ready   READY when armed, LOW otherwise
//	ready < size < cap    READY, arm
//	size == cap           FULL
//
// Queueing into a full buffer rejects the item. OnReady fires only on a
// LOW to READY edge. Dequeue reports EMPTY and LOW through OnEmpty and OnLow;
// a dequeue from FULL above the low watermark moves to READY without a
// callback, so FULL always means the buffer is at capacity.
type StreamBuffer[T any] struct {
	mu        sync.Mutex
	items     []T
	capacity  int
	low       int
	ready     int
	state     State
	armed     bool
	callbacks Callbacks
}

// New creates a StreamBuffer. It panics unless 0 < low < ready < capacity.
func New[T any](opts ...Option) *StreamBuffer[T] {
	cfg := config{
		capacity: DefaultCapacity,
		low:      DefaultLowLimit,
		ready:    DefaultReadyLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.low <= 0 || cfg.low >= cfg.ready || cfg.ready >= cfg.capacity {
		panic(fmt.Sprintf("buffer: invalid watermarks low=%d ready=%d capacity=%d", cfg.low, cfg.ready, cfg.capacity))
	}

	return &StreamBuffer[T]{
		items:    make([]T, 0, cfg.capacity),
		capacity: cfg.capacity,
		low:      cfg.low,
		ready:    cfg.ready,
		state:    StateEmpty,
	}
}

// SetCallbacks replaces the state callbacks.
func (b *StreamBuffer[T]) SetCallbacks(cb Callbacks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = cb
}

// Queue appends item and returns the resulting state. A FULL result for a
// buffer that was already at capacity means item was rejected.
func (b *StreamBuffer[T]) Queue(item T) State {
	b.mu.Lock()

	if len(b.items) == b.capacity {
		b.state = StateFull
		b.mu.Unlock()
		return StateFull
	}

	b.items = append(b.items, item)

	size := len(b.items)
	var next State
	switch {
	case size <= b.low:
		b.armed = false
		next = StateLow
	case size <= b.ready:
		if b.armed {
			next = StateReady
		} else {
			next = StateLow
		}
	case size < b.capacity:
		b.armed = true
		next = StateReady
	default:
		next = StateFull
	}

	prev := b.state
	b.state = next
	onReady := b.callbacks.OnReady
	b.mu.Unlock()

	if prev == StateLow && next == StateReady && onReady != nil {
		onReady()
	}
	return next
}

// Dequeue removes and returns the head item. It reports false when the
// buffer is empty.
func (b *StreamBuffer[T]) Dequeue() (T, bool) {
	var zero T

	b.mu.Lock()
	if len(b.items) == 0 {
		b.mu.Unlock()
		return zero, false
	}

	item := b.items[0]
	b.items[0] = zero
	b.items = b.items[1:]

	var fire func()
	switch size := len(b.items); {
	case size == 0:
		b.items = b.items[:0:0]
		b.state = StateEmpty
		fire = b.callbacks.OnEmpty
	case size <= b.low:
		b.state = StateLow
		fire = b.callbacks.OnLow
	case b.state == StateFull:
		b.state = StateReady
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
	return item, true
}

// Peek returns the head item without removing it.
func (b *StreamBuffer[T]) Peek() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		var zero T
		return zero, false
	}
	return b.items[0], true
}

// Clear drops every item, disarms the ready flag and reports EMPTY.
func (b *StreamBuffer[T]) Clear() {
	b.mu.Lock()
	b.items = make([]T, 0, b.capacity)
	b.armed = false
	b.state = StateEmpty
	onEmpty := b.callbacks.OnEmpty
	b.mu.Unlock()

	if onEmpty != nil {
		onEmpty()
	}
}

// State returns the current occupancy state.
func (b *StreamBuffer[T]) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Len returns the number of queued items.
func (b *StreamBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Remaining returns how many more items fit before the buffer is full.
func (b *StreamBuffer[T]) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity - len(b.items)
}

func (b *StreamBuffer[T]) Capacity() int   { return b.capacity }
func (b *StreamBuffer[T]) LowLimit() int   { return b.low }
func (b *StreamBuffer[T]) ReadyLimit() int { return b.ready }
