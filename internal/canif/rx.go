package canif

import (
	"context"
	"errors"
	"fmt"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/metrics"
	"github.com/kstaniek/go-canif/internal/ring"
)

// OnRxPending is the frame-pending event handler. It reads one frame from
// fifo, applies the acceptance filter and queues the frame without waiting.
// A frame that finds the receive queue full (or its lock taken) is dropped.
// The receive task is woken whenever a frame was read and accepted, whether
// or not it fit.
func (i *Interface) OnRxPending(fifo can.FIFO) {
	var data [can.MaxDataLen]byte
	h, err := i.adapter.Receive(fifo, data[:])
	if err != nil {
		metrics.IncError(metrics.ErrRxRead)
		return
	}
	if !i.accept(h) {
		metrics.IncRxFiltered()
		return
	}
	if h.Validate() != nil {
		metrics.IncMalformed()
		return
	}
	switch err := i.rx.TryEnqueue(can.Message{Header: h, Data: data}); {
	case err == nil:
		metrics.IncRxFrames()
		metrics.SetQueueDepth(metrics.QueueRx, i.rx.Len())
	case errors.Is(err, ring.ErrBusy):
		metrics.IncRxDropped(metrics.DropBusy)
	default:
		metrics.IncRxDropped(metrics.DropFull)
	}
	i.rxWake.Notify()
}

// Receive takes the oldest received message. It returns ErrNotOK when the
// receive queue is empty.
func (i *Interface) Receive() (can.Message, error) {
	msg, err := i.rx.Dequeue()
	if err != nil {
		return msg, fmt.Errorf("%w: %w", ErrNotOK, err)
	}
	metrics.IncRxDelivered()
	metrics.SetQueueDepth(metrics.QueueRx, i.rx.Len())
	return msg, nil
}

// RunRx is the receive task. Each wake-up drains the receive queue into
// handle; a wake-up that finds the queue empty is harmless. It returns when
// ctx is done.
func (i *Interface) RunRx(ctx context.Context, handle func(can.Message)) error {
	for {
		if err := i.rxWake.Wait(ctx); err != nil {
			return err
		}
		for {
			msg, err := i.Receive()
			if err != nil {
				break
			}
			handle(msg)
		}
	}
}
