package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/canif"
	"github.com/kstaniek/go-canif/internal/metrics"
	"github.com/kstaniek/go-canif/internal/serial"
	"github.com/kstaniek/go-canif/internal/transport"
)

// openSerialPort is a hook for tests.
var openSerialPort = serial.Open

func initSerialBackend(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup, opts []transport.Option) (canif.Adapter, func(), error) {
	sp, err := openSerialPort(cfg.Serial, cfg.Baud, cfg.SerialReadTimeout)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	p, err := serial.NewPeripheral(ctx, sp, opts...)
	if err != nil {
		_ = sp.Close()
		return nil, func() {}, err
	}
	l.Info("serial_open", "device", cfg.Serial, "baud", cfg.Baud)

	var dec serial.Decoder
	buf := make([]byte, serialReadBufSize)
	deliver := func(m can.Message) {
		metrics.IncBackendRx("serial")
		_ = p.Deliver(m) // overruns are counted by the peripheral hook
	}
	step := func() error {
		n, err := sp.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n], deliver)
		}
		// read timeouts surface as EOF on some platforms
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	fatal := func(err error) bool {
		var perr *os.PathError
		return errors.As(err, &perr) // device removed
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		rxLoop(ctx, l, "serial", metrics.ErrSerialRead, step, fatal)
	}()
	return p, func() { _ = sp.Close(); p.Close() }, nil
}
