// Package loopback provides an in-memory CAN peripheral. Every frame sent is
// received back, as on a controller in loopback mode.
package loopback

import (
	"context"
	"sync"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/logging"
	"github.com/kstaniek/go-canif/internal/metrics"
	"github.com/kstaniek/go-canif/internal/transport"
)

const backendName = "sim"

// Device is a transport.Peripheral whose device side is itself.
type Device struct {
	*transport.Peripheral
	// deliver serializes the echo path and Inject so the receive event
	// goroutine stays single.
	deliver sync.Mutex
}

// New starts the loopback device. It stops when ctx is done or Close is called.
func New(ctx context.Context, opts ...transport.Option) (*Device, error) {
	d := &Device{}
	p, err := transport.NewPeripheral(ctx, d.echo, transport.Hooks{
		OnAfter: func() { metrics.IncBackendTx(backendName) },
		OnOverrun: func() {
			metrics.IncError(metrics.ErrFIFOOverrun)
			logging.L().Debug("loopback_rx_overrun")
		},
	}, opts...)
	if err != nil {
		return nil, err
	}
	d.Peripheral = p
	return d, nil
}

func (d *Device) echo(m can.Message) error {
	// An overrun is already counted by the hook; the transmission itself succeeded.
	_ = d.Inject(m)
	return nil
}

// Inject makes m appear as if it had been received from the bus.
func (d *Device) Inject(m can.Message) error {
	d.deliver.Lock()
	defer d.deliver.Unlock()
	if err := d.Deliver(m); err != nil {
		return err
	}
	metrics.IncBackendRx(backendName)
	return nil
}
