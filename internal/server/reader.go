package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/hub"
	"github.com/kstaniek/go-fdcan/internal/metrics"
	"github.com/kstaniek/go-fdcan/internal/transport"
)

const readBatch = 16

func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		multi, _ := s.Codec.(transport.MultiFrameDecoder)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			var count int
			var err error
			if multi != nil {
				count, err = multi.DecodeN(conn, readBatch, func(fr can.Frame) { s.forward(fr, logger) })
			} else {
				var fr can.Frame
				if fr, err = s.Codec.Decode(conn); err == nil {
					s.forward(fr, logger)
					count = 1
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				_ = s.fail(fmt.Errorf("%w: %v", ErrConnRead, err))
				return
			}
			if count == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctxDone:
				return
			case <-cl.Closed:
				return
			default:
			}
		}
	}()
}

// forward hands one client frame to the sink.
func (s *Server) forward(fr can.Frame, logger *slog.Logger) {
	if s.frameFilter != nil && !s.frameFilter(&fr) {
		return
	}
	metrics.IncTCPRx()
	if s.Sink == nil {
		return
	}
	err := s.Sink.SendFrame(fr)
	switch classifySend(err) {
	case sendOK:
	case sendOverflow:
		s.stats.overflow.Add(1)
		logger.Debug("backend_overflow_drop", "id", fr.ID.String(), "len", fr.Len)
	case sendRejected:
		s.stats.rejected.Add(1)
		logger.Debug("backend_frame_rejected", "frame", fr.String(), "error", err)
	default:
		wrap := s.fail(fmt.Errorf("%w: %v", ErrBackendTx, err))
		s.stats.backendErrors.Add(1)
		logger.Error("backend_tx_error", "error", wrap, "id", fr.ID.String())
	}
}
