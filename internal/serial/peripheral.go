package serial

import (
	"context"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/logging"
	"github.com/kstaniek/go-canif/internal/metrics"
	"github.com/kstaniek/go-canif/internal/transport"
)

const backendName = "serial"

// NewPeripheral wraps the port in mailbox/FIFO emulation. Writes go through
// the peripheral's single worker; the caller's read loop feeds Deliver.
func NewPeripheral(ctx context.Context, sp Port, opts ...transport.Option) (*transport.Peripheral, error) {
	write := func(m can.Message) error {
		b, err := Encode(m)
		if err != nil {
			return err
		}
		_, err = sp.Write(b)
		return err
	}
	return transport.NewPeripheral(ctx, write, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncBackendTx(backendName) },
		OnOverrun: func() {
			metrics.IncError(metrics.ErrFIFOOverrun)
			logging.L().Debug("serial_rx_overrun")
		},
	}, opts...)
}
