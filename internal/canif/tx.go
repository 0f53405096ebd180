package canif

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/metrics"
	"github.com/kstaniek/go-canif/internal/ring"
)

const (
	txBackoffMin = 20 * time.Millisecond
	txBackoffMax = 500 * time.Millisecond
)

// AddTxMessage validates the header and payload, copies them into a message
// and queues it for transmission. It returns ErrFull when the transmit queue
// has no free slot; it never waits for the bus.
func (i *Interface) AddTxMessage(h *can.Header, data []byte) error {
	if h == nil || data == nil {
		return ErrNullParam
	}
	msg, err := can.NewMessage(*h, data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return i.enqueueTx(msg)
}

// AddMessage queues an already built message.
func (i *Interface) AddMessage(m can.Message) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return i.enqueueTx(m)
}

func (i *Interface) enqueueTx(m can.Message) error {
	if err := i.tx.Enqueue(m); err != nil {
		metrics.IncTxOverflow()
		return fmt.Errorf("%w: %w", ErrFull, err)
	}
	metrics.IncTxQueued()
	metrics.SetQueueDepth(metrics.QueueTx, i.tx.Len())
	// Nothing in a mailbox means no completion event is coming to start the task.
	if i.inFlight.Load() == 0 {
		i.txWake.Notify()
	}
	return nil
}

// Transmit takes the oldest queued message and hands it to the adapter.
// It returns ErrNotOK when the queue is empty or the adapter refuses the
// frame; a refused frame is not queued again.
func (i *Interface) Transmit() error {
	msg, err := i.tx.Dequeue()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotOK, err)
	}
	metrics.SetQueueDepth(metrics.QueueTx, i.tx.Len())
	// Counted before Send: the completion event may fire before Send returns.
	if i.completes {
		i.inFlight.Add(1)
	}
	if _, err := i.adapter.Send(msg.Header, msg.Payload()); err != nil {
		if i.completes {
			i.releaseInFlight()
		}
		metrics.IncError(metrics.ErrTxSend)
		return fmt.Errorf("%w: %w", ErrNotOK, err)
	}
	metrics.IncTxFrames()
	return nil
}

// OnTxComplete is the mailbox-complete event handler. It must not block.
func (i *Interface) OnTxComplete(mailbox uint32) {
	i.releaseInFlight()
	metrics.IncTxComplete()
	i.txWake.Notify()
}

// releaseInFlight decrements the in-flight count without going below zero.
// A completion nobody started must not cancel a later Transmit's increment.
func (i *Interface) releaseInFlight() {
	for {
		n := i.inFlight.Load()
		if n <= 0 || i.inFlight.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// RunTx is the transmit task: each wake-up sends at most one message, so a
// single frame occupies the peripheral per completion cycle. It returns when
// ctx is done.
func (i *Interface) RunTx(ctx context.Context) error {
	backoff := txBackoffMin
	for {
		if err := i.txWake.Wait(ctx); err != nil {
			return err
		}
		if i.inFlight.Load() > 0 {
			continue // the pending completion wakes us again
		}
		err := i.Transmit()
		switch {
		case err == nil:
			backoff = txBackoffMin
			if !i.completes && !i.tx.IsEmpty() {
				i.txWake.Notify()
			}
		case errors.Is(err, ring.ErrEmpty):
		default:
			i.logger.Warn("canif_tx_error", "error", err, "pending", i.tx.Len(), "backoff", backoff)
			if i.tx.IsEmpty() {
				continue
			}
			// A refused frame produces no completion event, so re-arm ourselves.
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			backoff *= 2
			if backoff > txBackoffMax {
				backoff = txBackoffMax
			}
			i.txWake.Notify()
		}
	}
}
