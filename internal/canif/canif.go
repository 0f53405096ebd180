// Package canif binds the transmit and receive message queues to a CAN
// peripheral.
//
// The peripheral's event goroutine (the equivalent of an interrupt handler)
// calls OnRxPending and OnTxComplete; those never block. Task goroutines run
// RunTx and RunRx, which sleep on a coalescing wake signal and do the queue
// work. Applications use AddTxMessage, Transmit and Receive.
package canif

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/logging"
	"github.com/kstaniek/go-canif/internal/notify"
	"github.com/kstaniek/go-canif/internal/ring"
)

// Default queue sizes (slots, one of which always stays free).
const (
	DefaultTxQueueSize = 32
	DefaultRxQueueSize = 32
)

// Adapter is the peripheral driver boundary.
type Adapter interface {
	// Send places one frame in a transmit mailbox and returns the mailbox index.
	Send(h can.Header, data []byte) (mailbox uint32, err error)
	// Receive pops one frame from the given receive FIFO into data.
	Receive(fifo can.FIFO, data []byte) (can.Header, error)
}

// Registrar is implemented by adapters that deliver events through callbacks.
type Registrar interface {
	Register(can.Handlers)
}

// QueueConfig fixes a queue's slot count and sharing policy.
type QueueConfig struct {
	Size   int
	Policy ring.Policy
}

// Interface is the transport binding. Create it with New.
type Interface struct {
	adapter Adapter
	tx      *ring.Ring[can.Message]
	rx      *ring.Ring[can.Message]
	txWake  *notify.Signal
	rxWake  *notify.Signal

	txCfg    QueueConfig
	rxCfg    QueueConfig
	accept   func(can.Header) bool
	logger   *slog.Logger

	// completes is set when the adapter reports mailbox completion events;
	// inFlight then counts frames handed to the adapter and not yet completed.
	completes bool
	inFlight  atomic.Int32
}

type Option func(*Interface)

// WithTxQueue overrides the transmit queue size and policy.
func WithTxQueue(size int, p ring.Policy) Option {
	return func(i *Interface) { i.txCfg = QueueConfig{Size: size, Policy: p} }
}

// WithRxQueue overrides the receive queue size and policy.
func WithRxQueue(size int, p ring.Policy) Option {
	return func(i *Interface) { i.rxCfg = QueueConfig{Size: size, Policy: p} }
}

// WithAcceptFilter replaces StandardDataOnly as the receive acceptance policy.
func WithAcceptFilter(fn func(can.Header) bool) Option {
	return func(i *Interface) {
		if fn != nil {
			i.accept = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(i *Interface) {
		if l != nil {
			i.logger = l
		}
	}
}

// New creates both queues and registers the event handlers with the adapter.
// The transmit queue defaults to Guarded and the receive queue to
// Unsynchronized (one event goroutine produces, RunRx consumes).
func New(adapter Adapter, opts ...Option) (*Interface, error) {
	if adapter == nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, ErrNullParam)
	}
	i := &Interface{
		adapter: adapter,
		txWake:  notify.NewSignal(),
		rxWake:  notify.NewSignal(),
		txCfg:   QueueConfig{Size: DefaultTxQueueSize, Policy: ring.Guarded},
		rxCfg:   QueueConfig{Size: DefaultRxQueueSize, Policy: ring.Unsynchronized},
		accept:  StandardDataOnly,
		logger:  logging.L(),
	}
	for _, o := range opts {
		o(i)
	}
	var err error
	if i.tx, err = ring.New[can.Message](i.txCfg.Size, i.txCfg.Policy); err != nil {
		return nil, fmt.Errorf("%w: tx queue: %w", ErrInit, err)
	}
	if i.rx, err = ring.New[can.Message](i.rxCfg.Size, i.rxCfg.Policy); err != nil {
		return nil, fmt.Errorf("%w: rx queue: %w", ErrInit, err)
	}
	if r, ok := adapter.(Registrar); ok {
		r.Register(can.Handlers{OnRxPending: i.OnRxPending, OnTxComplete: i.OnTxComplete})
		i.completes = true
	}
	i.logger.Info("canif_init",
		"tx_size", i.txCfg.Size, "tx_policy", i.txCfg.Policy.String(),
		"rx_size", i.rxCfg.Size, "rx_policy", i.rxCfg.Policy.String(),
	)
	return i, nil
}

// StandardDataOnly accepts 11-bit data frames; extended and remote frames are discarded.
func StandardDataOnly(h can.Header) bool { return h.IDE == can.IDStandard && h.RTR == can.KindData }

// ExtendedDataOnly accepts 29-bit data frames.
func ExtendedDataOnly(h can.Header) bool { return h.IDE == can.IDExtended && h.RTR == can.KindData }

// AnyData accepts every data frame regardless of identifier width.
func AnyData(h can.Header) bool { return h.RTR == can.KindData }

// Stats is a point-in-time view of the binding.
type Stats struct {
	TxPending int
	TxCap     int
	RxPending int
	RxCap     int
	InFlight  int
}

func (i *Interface) Stats() Stats {
	return Stats{
		TxPending: i.tx.Len(),
		TxCap:     i.tx.Cap(),
		RxPending: i.rx.Len(),
		RxCap:     i.rx.Cap(),
		InFlight:  int(i.inFlight.Load()),
	}
}
