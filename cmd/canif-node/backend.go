package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-canif/internal/canif"
	"github.com/kstaniek/go-canif/internal/loopback"
	"github.com/kstaniek/go-canif/internal/metrics"
	"github.com/kstaniek/go-canif/internal/transport"
)

const (
	serialReadBufSize = 4096
	rxBackoffMin      = 20 * time.Millisecond
	rxBackoffMax      = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// initBackend opens the selected device, wraps it as a peripheral and starts
// its read loop. The returned cleanup closes the device and the peripheral.
func initBackend(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (canif.Adapter, func(), error) {
	opts := []transport.Option{transport.WithMailboxes(cfg.Mailboxes)}
	switch cfg.Backend {
	case "serial":
		return initSerialBackend(ctx, cfg, l, wg, opts)
	case "socketcan":
		return initSocketCANBackend(ctx, cfg, l, wg, opts)
	case "sim":
		dev, err := loopback.New(ctx, opts...)
		if err != nil {
			return nil, func() {}, err
		}
		l.Info("sim_open", "mailboxes", cfg.Mailboxes)
		return dev, dev.Close, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use socketcan|serial|sim)", cfg.Backend)
	}
}

// rxLoop calls step until ctx is done. Errors back off exponentially
// (rxBackoffMin doubling to rxBackoffMax); fatal errors end the loop.
func rxLoop(ctx context.Context, l *slog.Logger, name, errLabel string, step func() error, fatal func(error) bool) {
	defer l.Info(name + "_rx_end")
	backoff := rxBackoffMin
	for ctx.Err() == nil {
		err := step()
		if err == nil {
			backoff = rxBackoffMin
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if fatal != nil && fatal(err) {
			l.Error(name+"_read_fatal", "error", err)
			return
		}
		metrics.IncError(errLabel)
		l.Warn(name+"_read_error", "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff = min(backoff*2, rxBackoffMax)
	}
}
