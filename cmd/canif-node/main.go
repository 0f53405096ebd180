package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-canif/internal/canif"
	"github.com/kstaniek/go-canif/internal/hub"
	"github.com/kstaniek/go-canif/internal/metrics"
	"github.com/kstaniek/go-canif/internal/ring"
	"github.com/kstaniek/go-canif/internal/server"
)

func main() {
	cfg, showVersion, err := parseConfig(os.Args[1:], os.LookupEnv, os.Stderr)
	if showVersion {
		fmt.Printf("canif-node %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		os.Exit(1)
	}
}

func run(cfg *appConfig) error {
	l, logCloser := setupLogger(cfg)
	defer logCloser.Close()
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	var wg sync.WaitGroup

	adapter, cleanup, err := initBackend(ctx, cfg, l, &wg)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		return err
	}

	// validate() already accepted these.
	txp, _ := ring.ParsePolicy(cfg.TxPolicy)
	rxp, _ := ring.ParsePolicy(cfg.RxPolicy)
	accept, _ := acceptFilter(cfg.rxAccept())
	ci, err := canif.New(adapter,
		canif.WithTxQueue(cfg.TxQueue, txp),
		canif.WithRxQueue(cfg.RxQueue, rxp),
		canif.WithAcceptFilter(accept),
		canif.WithLogger(l),
	)
	if err != nil {
		l.Error("canif_init_error", "error", err)
		cleanup()
		return err
	}

	h := hub.New()
	h.OutBufSize = cfg.HubBuffer
	h.Policy, _ = hub.ParsePolicy(cfg.HubPolicy)
	l.Info("hub_config", "policy", h.Policy.String(), "buffer", h.OutBufSize)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = ci.RunTx(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = ci.RunRx(ctx, h.Broadcast)
	}()
	startMetricsLogger(ctx, cfg.LogMetricsInterval, ci, l, &wg)

	var srv *server.Server
	if cfg.Listen != "" {
		srv = server.NewServer(
			server.WithListenAddr(cfg.Listen),
			server.WithHub(h),
			server.WithSend(ci.AddMessage),
			server.WithOverflow(func(err error) bool { return errors.Is(err, canif.ErrFull) }),
			server.WithLogger(l),
			server.WithMaxClients(cfg.MaxClients),
			server.WithHandshakeTimeout(cfg.HandshakeTimeout),
			server.WithReadDeadline(cfg.ClientReadTimeout),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx); err != nil {
				l.Error("tcp_server_error", "error", err)
				cancel()
			}
		}()
		if cfg.MDNSEnable {
			wg.Add(1)
			go func() {
				defer wg.Done()
				advertise(ctx, cfg, srv, l)
			}()
		}
	}

	metrics.SetReadinessFunc(func() bool {
		if ctx.Err() != nil {
			return false
		}
		if srv == nil {
			return true
		}
		select {
		case <-srv.Ready():
			return true
		default:
			return false
		}
	})
	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.MetricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}
	l.Info("ready", "backend", cfg.Backend, "tap", cfg.Listen != "")

	<-ctx.Done()
	l.Info("shutdown_signal")
	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := srv.Shutdown(sctx); err != nil {
			l.Warn("tcp_shutdown_error", "error", err)
		}
		scancel()
	}
	cleanup()
	wg.Wait()
	return nil
}

// advertise registers the tap over mDNS once the listener is bound.
func advertise(ctx context.Context, cfg *appConfig, srv *server.Server, l *slog.Logger) {
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return
	}
	_, p, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	shutdown, err := startMDNS(cfg, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.MDNSName, "port", port)
	<-ctx.Done()
	shutdown()
}
