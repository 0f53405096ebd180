// Package ring implements the fixed-capacity FIFO used for the transmit and
// receive message queues.
//
// A Ring of size n keeps one slot free to tell full from empty, so it holds at
// most n-1 values:
//
//	empty: head == tail
//	full:  (tail+1) % n == head
//
// Values are copied in and out; the caller may reuse its value as soon as
// Enqueue returns.
package ring

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// MaxCapacity bounds the slot count accepted by New.
const MaxCapacity = 1 << 20

var (
	ErrInit  = errors.New("ring: init")
	ErrFull  = errors.New("ring: full")
	ErrEmpty = errors.New("ring: empty")
	ErrBusy  = errors.New("ring: busy")
)

// Policy selects how a Ring is shared.
type Policy uint8

const (
	// Unsynchronized allows exactly one producer goroutine and one consumer
	// goroutine. No lock is taken.
	Unsynchronized Policy = iota
	// Guarded serializes every mutation with a mutex, for several producers
	// or consumers.
	Guarded
)

func (p Policy) String() string {
	switch p {
	case Unsynchronized:
		return "unsynchronized"
	case Guarded:
		return "guarded"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unsynchronized", "spsc", "none":
		return Unsynchronized, nil
	case "guarded", "mutex", "locked":
		return Guarded, nil
	default:
		return 0, fmt.Errorf("unknown queue policy %q (use unsynchronized|guarded)", s)
	}
}

// UnmarshalText lets a Policy be decoded from flags or config files.
func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Ring is a bounded FIFO of T.
//
// head is written only by the consumer side and tail only by the producer
// side; both are atomics so the Unsynchronized mode publishes slot contents
// through the index store, and IsFull/IsEmpty never need the lock.
type Ring[T any] struct {
	policy Policy
	mu     sync.Mutex
	buf    []T
	size   uint32
	head   atomic.Uint32
	tail   atomic.Uint32
	count  atomic.Int32
}

// New allocates a Ring with capacity slots (capacity-1 usable).
func New[T any](capacity int, policy Policy) (*Ring[T], error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: capacity %d out of range 1..%d", ErrInit, capacity, MaxCapacity)
	}
	if policy != Unsynchronized && policy != Guarded {
		return nil, fmt.Errorf("%w: %s", ErrInit, policy)
	}
	return &Ring[T]{
		policy: policy,
		buf:    make([]T, capacity),
		size:   uint32(capacity),
	}, nil
}

// Enqueue copies v to the tail. It returns ErrFull without touching the ring
// when no slot is free. Under Guarded it waits for the lock.
func (r *Ring[T]) Enqueue(v T) error {
	if r.policy == Guarded {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return r.put(v)
}

// TryEnqueue is Enqueue for callers that must not wait: under Guarded it
// returns ErrBusy if another goroutine holds the lock.
func (r *Ring[T]) TryEnqueue(v T) error {
	if r.policy == Guarded {
		if !r.mu.TryLock() {
			return ErrBusy
		}
		defer r.mu.Unlock()
	}
	return r.put(v)
}

// Dequeue removes and returns the oldest value, or ErrEmpty.
func (r *Ring[T]) Dequeue() (T, error) {
	if r.policy == Guarded {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return r.get()
}

func (r *Ring[T]) put(v T) error {
	tail := r.tail.Load()
	next := (tail + 1) % r.size
	if next == r.head.Load() {
		return ErrFull
	}
	r.buf[tail] = v
	// count goes up before the slot is published so a consumer never drives it negative.
	r.count.Add(1)
	r.tail.Store(next)
	return nil
}

func (r *Ring[T]) get() (T, error) {
	var zero T
	head := r.head.Load()
	if head == r.tail.Load() {
		return zero, ErrEmpty
	}
	v := r.buf[head]
	r.buf[head] = zero
	r.head.Store((head + 1) % r.size)
	r.count.Add(-1)
	return v, nil
}

// IsFull reports whether Enqueue would currently fail with ErrFull.
func (r *Ring[T]) IsFull() bool {
	return (r.tail.Load()+1)%r.size == r.head.Load()
}

// IsEmpty reports whether Dequeue would currently fail with ErrEmpty.
func (r *Ring[T]) IsEmpty() bool {
	return r.head.Load() == r.tail.Load()
}

// Len returns the occupancy counter. Under Unsynchronized it may lag a
// concurrent Enqueue/Dequeue by one.
func (r *Ring[T]) Len() int { return int(r.count.Load()) }

// Cap returns the number of usable slots (size-1).
func (r *Ring[T]) Cap() int { return int(r.size) - 1 }

// Size returns the number of allocated slots.
func (r *Ring[T]) Size() int { return int(r.size) }

// Policy returns the sharing policy fixed at construction.
func (r *Ring[T]) Policy() Policy { return r.policy }
