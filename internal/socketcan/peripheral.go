package socketcan

import (
	"context"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/metrics"
	"github.com/kstaniek/go-canif/internal/transport"
)

const backendName = "socketcan"

// Dev is what the peripheral and the read loop need from a socket.
// Implemented by *Device and by fakes in tests.
type Dev interface {
	ReadMessage() (can.Message, error)
	WriteMessage(can.Message) error
	Close() error
}

// NewPeripheral wraps dev in mailbox/FIFO emulation.
func NewPeripheral(ctx context.Context, dev Dev, opts ...transport.Option) (*transport.Peripheral, error) {
	return transport.NewPeripheral(ctx, dev.WriteMessage, transport.Hooks{
		OnError:   func(error) { metrics.IncError(metrics.ErrSocketCANWrite) },
		OnAfter:   func() { metrics.IncBackendTx(backendName) },
		OnOverrun: func() { metrics.IncError(metrics.ErrFIFOOverrun) },
	}, opts...)
}
