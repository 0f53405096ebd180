package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/cnl"
	"github.com/kstaniek/go-canif/internal/hub"
	"github.com/kstaniek/go-canif/internal/metrics"
)

// startReader decodes client frames and hands them to Send. A full transmit
// queue loses the frame; the client is not told.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		defer cl.Close()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			_, err := s.Codec.DecodeN(conn, readBurst, func(m can.Message) { s.forward(m, logger) })
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				// An idle timeout between frames is fine; one inside a frame has lost framing.
				if !errors.Is(err, cnl.ErrTruncatedFrame) && errors.As(err, &ne) && ne.Timeout() {
					select {
					case <-ctxDone:
						return
					default:
						continue
					}
				}
				wrap := fmt.Errorf("%w: %w", ErrConnRead, err)
				s.report(wrap)
				logger.Warn("client_read_error", "error", wrap)
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

func (s *Server) forward(m can.Message, logger *slog.Logger) {
	metrics.IncTCPRx()
	err := s.Send(m)
	switch {
	case err == nil:
	case s.IsOverflow(err):
		s.totalTxOverflow.Add(1)
		logger.Debug("tx_queue_overflow_drop", "can_id", fmt.Sprintf("0x%X", m.ID), "ide", m.IDE.String(), "dlc", m.DLC)
	default:
		s.totalTxErrors.Add(1)
		wrap := fmt.Errorf("%w: %w", ErrQueueTx, err)
		s.report(wrap)
		logger.Error("tx_queue_error", "error", wrap, "can_id", fmt.Sprintf("0x%X", m.ID))
	}
}
