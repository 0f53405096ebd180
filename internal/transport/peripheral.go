package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/ring"
)

// Controller-like defaults (bxCAN: three transmit mailboxes, three-deep FIFO0).
const (
	DefaultMailboxes = 3
	DefaultFIFODepth = 3
)

var (
	ErrClosed      = errors.New("peripheral closed")
	ErrMailboxBusy = errors.New("no free tx mailbox")
	ErrOverrun     = errors.New("rx fifo overrun")
	ErrNoFIFO      = errors.New("no such rx fifo")
	ErrFIFOEmpty   = errors.New("rx fifo empty")
)

// Peripheral gives a host CAN backend the shape of a controller with
// transmit mailboxes and a receive FIFO, and raises the same two events.
//
// Send claims a free mailbox and returns immediately; a single worker
// goroutine writes mailbox contents to the device in order (fan-in), frees
// the mailbox and raises OnTxComplete. A failed write also frees the mailbox
// and raises OnTxComplete, as an aborted transmission would.
//
// The backend's read loop calls Deliver, which pushes into the FIFO and
// raises OnRxPending(FIFO0) on the same goroutine. The handler pops the
// frame with Receive.
//
// Life-cycle:
//
//	p := NewPeripheral(ctx, write, hooks)
//	p.Register(handlers)
//	p.Deliver(msg) / p.Send(h, data)
//	p.Close()
type Peripheral struct {
	mu       sync.Mutex
	work     chan job
	free     chan uint32
	rx       *ring.Ring[can.Message]
	handlers atomic.Pointer[can.Handlers]
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	write    func(can.Message) error
	hooks    Hooks
	closed   atomic.Bool
}

type job struct {
	mailbox uint32
	msg     can.Message
}

// Hooks customize Peripheral behavior per backend (metrics, logging).
type Hooks struct {
	// OnError is called when write returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter is called only after a successful write.
	OnAfter func()
	// OnOverrun is called when Deliver finds the FIFO full.
	OnOverrun func()
}

// Option adjusts the emulated controller geometry.
type Option func(*config)

type config struct {
	mailboxes int
	fifoDepth int
}

func WithMailboxes(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.mailboxes = n
		}
	}
}

func WithFIFODepth(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.fifoDepth = n
		}
	}
}

// NewPeripheral starts the mailbox worker. write performs the actual device I/O.
func NewPeripheral(parent context.Context, write func(can.Message) error, hooks Hooks, opts ...Option) (*Peripheral, error) {
	cfg := config{mailboxes: DefaultMailboxes, fifoDepth: DefaultFIFODepth}
	for _, o := range opts {
		o(&cfg)
	}
	rx, err := ring.New[can.Message](cfg.fifoDepth+1, ring.Guarded)
	if err != nil {
		return nil, fmt.Errorf("rx fifo: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	p := &Peripheral{
		work:   make(chan job, cfg.mailboxes),
		free:   make(chan uint32, cfg.mailboxes),
		rx:     rx,
		ctx:    ctx,
		cancel: cancel,
		write:  write,
		hooks:  hooks,
	}
	for mb := 0; mb < cfg.mailboxes; mb++ {
		p.free <- uint32(mb)
	}
	p.wg.Add(1)
	go p.loop()
	return p, nil
}

// Register installs the event handlers. Events raised before registration are not replayed.
func (p *Peripheral) Register(h can.Handlers) { p.handlers.Store(&h) }

func (p *Peripheral) loop() {
	defer p.wg.Done()
	for {
		select {
		case j, ok := <-p.work:
			if !ok { // channel closed
				return
			}
			if err := p.write(j.msg); err != nil {
				if p.hooks.OnError != nil {
					p.hooks.OnError(err)
				}
			} else if p.hooks.OnAfter != nil {
				p.hooks.OnAfter()
			}
			p.free <- j.mailbox
			if h := p.handlers.Load(); h != nil && h.OnTxComplete != nil {
				h.OnTxComplete(j.mailbox)
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// Send copies the frame into a free mailbox and returns its index, or
// ErrMailboxBusy when every mailbox is occupied. It never blocks on the device.
func (p *Peripheral) Send(h can.Header, data []byte) (uint32, error) {
	msg, err := can.NewMessage(h, data)
	if err != nil {
		return 0, err
	}
	// Fast-path check so steady-state sends avoid taking the lock when already shut down.
	if p.closed.Load() {
		return 0, ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return 0, ErrClosed
	}
	select {
	case mb := <-p.free:
		// work has one slot per mailbox, so this cannot block.
		p.work <- job{mailbox: mb, msg: msg}
		return mb, nil
	default:
		return 0, ErrMailboxBusy
	}
}

// Deliver places a frame read from the device into the receive FIFO and
// raises OnRxPending. It must be called from a single goroutine.
func (p *Peripheral) Deliver(msg can.Message) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.rx.Enqueue(msg); err != nil {
		if p.hooks.OnOverrun != nil {
			p.hooks.OnOverrun()
		}
		return fmt.Errorf("%w: %w", ErrOverrun, err)
	}
	if h := p.handlers.Load(); h != nil && h.OnRxPending != nil {
		h.OnRxPending(can.FIFO0)
	}
	return nil
}

// Receive pops the oldest frame of fifo, copying its payload into data.
func (p *Peripheral) Receive(fifo can.FIFO, data []byte) (can.Header, error) {
	if fifo != can.FIFO0 {
		return can.Header{}, fmt.Errorf("%w: %d", ErrNoFIFO, fifo)
	}
	m, err := p.rx.Dequeue()
	if err != nil {
		return can.Header{}, fmt.Errorf("%w: %w", ErrFIFOEmpty, err)
	}
	copy(data, m.Data[:])
	return m.Header, nil
}

// Pending returns the number of frames waiting in the receive FIFO.
func (p *Peripheral) Pending() int { return p.rx.Len() }

// Close stops the worker and waits for it to exit. Frames still in
// mailboxes are abandoned.
func (p *Peripheral) Close() {
	if p.closed.Swap(true) { // already closed
		return
	}
	// Cancel context to stop loop, then close channel under the send lock to avoid races.
	p.cancel()
	p.mu.Lock()
	close(p.work)
	p.mu.Unlock()
	p.wg.Wait()
}
