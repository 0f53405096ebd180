// Package notify provides the wake primitive between event goroutines and tasks.
package notify

import "context"

// Signal is a coalescing one-slot wake-up. Any number of Notify calls before
// the waiter runs produce a single wake; it carries no count, so a woken task
// must re-check whatever state it guards.
type Signal struct {
	ch chan struct{}
}

// NewSignal returns a Signal with no notification pending.
func NewSignal() *Signal { return &Signal{ch: make(chan struct{}, 1)} }

// Notify marks the signal pending. It never blocks.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the signal is pending (consuming it) or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C exposes the underlying channel for use in a select. Receiving from it consumes the signal.
func (s *Signal) C() <-chan struct{} { return s.ch }

// Pending reports whether a notification is waiting, without consuming it.
func (s *Signal) Pending() bool { return len(s.ch) > 0 }
