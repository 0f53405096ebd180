package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-canif/internal/canif"
	"github.com/kstaniek/go-canif/internal/metrics"
)

// startMetricsLogger periodically logs counters for setups without Prometheus.
func startMetricsLogger(ctx context.Context, interval time.Duration, ci *canif.Interface, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				st := ci.Stats()
				l.Info("metrics_snapshot",
					"rx_frames", snap.RxFrames,
					"rx_dropped", snap.RxDropped,
					"rx_filtered", snap.RxFiltered,
					"tx_queued", snap.TxQueued,
					"tx_overflow", snap.TxOverflow,
					"tx_frames", snap.TxFrames,
					"tx_pending", st.TxPending,
					"rx_pending", st.RxPending,
					"in_flight", st.InFlight,
					"backend_rx", snap.BackendRx,
					"backend_tx", snap.BackendTx,
					"tcp_rx", snap.TCPRx,
					"tcp_tx", snap.TCPTx,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
