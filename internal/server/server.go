// Package server is the TCP tap: clients see every received message and may
// queue messages for transmission.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/cnl"
	"github.com/kstaniek/go-canif/internal/hub"
	"github.com/kstaniek/go-canif/internal/logging"
	"github.com/kstaniek/go-canif/internal/metrics"
	"github.com/kstaniek/go-canif/internal/transport"
)

// SendFunc queues a message received from a client for transmission.
type SendFunc func(can.Message) error

// Codec is the stream framing spoken with clients; *cnl.Codec implements it.
type Codec interface {
	transport.MultiFrameDecoder
	transport.FrameBatchEncoder
}

// Server owns the TCP listener and coordinates client lifecycle.
type Server struct {
	mu    sync.RWMutex
	addr  string
	Hub   *hub.Hub
	Codec Codec
	Send  SendFunc
	// IsOverflow reports whether a Send error means the transmit queue was full.
	IsOverflow func(error) bool

	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	readyOnce        sync.Once
	readyCh          chan struct{}
	errCh            chan error
	listener         net.Listener
	clientsMu        sync.Mutex
	clients          map[*hub.Client]net.Conn
	wg               sync.WaitGroup
	logger           *slog.Logger
	nextConnID       atomic.Uint64

	totalAccepted      atomic.Uint64
	totalHandshakeFail atomic.Uint64
	totalDisconnected  atomic.Uint64
	totalTxOverflow    atomic.Uint64
	totalTxErrors      atomic.Uint64
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	readBurst               = 16
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		addr:             ":0",
		Codec:            &cnl.Codec{},
		IsOverflow:       func(error) bool { return false },
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*hub.Client]net.Conn),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.Hub == nil {
		s.Hub = hub.New()
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption     { return func(s *Server) { s.Hub = hb } }
func WithCodec(c Codec) ServerOption       { return func(s *Server) { s.Codec = c } }
func WithSend(send SendFunc) ServerOption  { return func(s *Server) { s.Send = send } }

// WithOverflow marks Send errors that are expected under load; they are
// counted and logged at debug level instead of error.
func WithOverflow(fn func(error) bool) ServerOption {
	return func(s *Server) {
		if fn != nil {
			s.IsOverflow = fn
		}
	}
}

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Errors yields the most recent connection-level error without blocking the server.
func (s *Server) Errors() <-chan error { return s.errCh }

func (s *Server) report(err error) {
	metrics.IncError(mapErrToMetric(err))
	select {
	case s.errCh <- err:
	default:
	}
}

// Serve accepts TCP clients until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if s.Send == nil {
		return fmt.Errorf("%w: no send function", ErrListen)
	}
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %w", ErrListen, err)
		s.report(wrap)
		return wrap
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			return context.Canceled
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %w", ErrAccept, err)
		s.report(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	logger := s.logger.With("conn_id", s.nextConnID.Add(1), "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	// Handshake off the accept loop so a silent peer cannot stall others.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.admit(ctx, conn, logger)
	}()
	return nil
}

func (s *Server) admit(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		s.totalHandshakeFail.Add(1)
		wrap := fmt.Errorf("%w: %w", ErrHandshake, err)
		s.report(wrap)
		logger.Warn("handshake_failed", "error", wrap)
		_ = conn.Close()
		return
	}
	if s.maxClients > 0 && s.Hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		logger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return
	}
	cl := hub.NewClient(s.Hub.OutBufSize)
	s.clientsMu.Lock()
	if ctx.Err() != nil {
		s.clientsMu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[cl] = conn
	s.clientsMu.Unlock()
	s.Hub.Add(cl)
	logger.Info("client_connected")
	s.startWriter(ctx.Done(), conn, cl, logger)
	s.startReader(ctx.Done(), conn, cl, logger)
}

// Shutdown closes the listener and every client, then waits for the IO goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		s.Hub.Remove(cl)
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %w", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"handshake_fail", s.totalHandshakeFail.Load(),
			"disconnected", s.totalDisconnected.Load(),
			"tx_overflow", s.totalTxOverflow.Load(),
			"tx_errors", s.totalTxErrors.Load(),
		)
		return nil
	}
}

func (s *Server) forget(cl *hub.Client) {
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
	s.Hub.Remove(cl)
}
