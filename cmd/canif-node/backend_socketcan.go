package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-canif/internal/canif"
	"github.com/kstaniek/go-canif/internal/metrics"
	"github.com/kstaniek/go-canif/internal/socketcan"
	"github.com/kstaniek/go-canif/internal/transport"
)

// Hooks for tests.
var (
	openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }
	setLinkUp           = socketcan.SetLinkUp
)

func initSocketCANBackend(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup, opts []transport.Option) (canif.Adapter, func(), error) {
	if cfg.CANLinkUp {
		if err := setLinkUp(cfg.CANIf); err != nil {
			return nil, func() {}, fmt.Errorf("socketcan link up %s: %w", cfg.CANIf, err)
		}
		l.Info("socketcan_link_up", "if", cfg.CANIf)
	}
	dev, err := openSocketCANDevice(cfg.CANIf)
	if err != nil {
		return nil, func() {}, fmt.Errorf("socketcan open %s: %w", cfg.CANIf, err)
	}
	p, err := socketcan.NewPeripheral(ctx, dev, opts...)
	if err != nil {
		_ = dev.Close()
		return nil, func() {}, err
	}
	l.Info("socketcan_open", "if", cfg.CANIf)

	step := func() error {
		m, err := dev.ReadMessage()
		if errors.Is(err, socketcan.ErrReadTimeout) {
			return nil
		}
		if err != nil {
			return err
		}
		metrics.IncBackendRx("socketcan")
		_ = p.Deliver(m)
		return nil
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		rxLoop(ctx, l, "socketcan", metrics.ErrSocketCANRead, step, nil)
	}()
	return p, func() { _ = dev.Close(); p.Close() }, nil
}
