package server

import (
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

// startWriter launches the goroutine pushing hub frames to a single client connection.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.forget(cl)
			s.stats.disconnected.Add(1)
			logger.Info("client_disconnected")
		}()
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]can.Frame, 0, s.batchSize)
		enc, _ := s.Codec.(transport.FrameBatchEncoder)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n := len(batch)
			var err error
			switch {
			case enc != nil:
				_, err = enc.EncodeTo(conn, batch)
			default:
				err = writeEach(conn, batch)
			}
			batch = batch[:0]
			if err != nil {
				return s.fail(fmt.Errorf("%w: %v", ErrConnWrite, err))
			}
			metrics.AddTCPTx(n)
			return nil
		}
		for {
			select {
			case fr := <-cl.Out:
				batch = append(batch, fr)
				if len(batch) >= s.batchSize {
					if err := flush(); err != nil {
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					return
				}
			case <-cl.Closed:
				_ = flush()
				return
			case <-ctxDone:
				_ = flush()
				return
			}
		}
	}()
}

// writeEach is the fallback for codecs without batch encoding: frames are
// written in candump text form, one per line.
func writeEach(w io.Writer, batch []can.Frame) error {
	for i := range batch {
		if _, err := io.WriteString(w, batch[i].String()+"\n"); err != nil {
			return err
		}
	}
	return nil
}
