package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/fdcan"
	"github.com/kstaniek/go-fdcan/internal/hub"
	"github.com/kstaniek/go-fdcan/internal/metrics"
	"github.com/kstaniek/go-fdcan/internal/transport"
)

var busOffPoll = 100 * time.Millisecond

// bridge moves frames between the controller endpoints and the TCP side.
type bridge struct {
	ep          fdcan.Endpoints
	hub         *hub.Hub
	tx          *transport.AsyncTx
	fd          bool
	autoRecover bool
	l           *slog.Logger
}

func newBridge(ctx context.Context, cfg *appConfig, ep fdcan.Endpoints, h *hub.Hub, l *slog.Logger) *bridge {
	b := &bridge{
		ep:          ep,
		hub:         h,
		fd:          cfg.dataBitrate > 0,
		autoRecover: cfg.autoRecover,
		l:           l,
	}
	// Every frame carries a marker so its transmission shows up as a Tx event.
	var marker uint8
	send := transport.SenderFunc(func(ctx context.Context, f can.Frame) error {
		marker++
		return ep.Tx.SendWithMarker(ctx, f, marker)
	})
	b.tx = transport.NewAsyncTx(ctx, cfg.txQueue, send, transport.Hooks{
		OnError: func(f can.Frame, err error) {
			metrics.IncError(metrics.ErrTransmit)
			l.Warn("can_tx_error", "id", f.ID, "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrTxOverflow)
			return transport.ErrTxOverflow
		},
	})
	return b
}

// SendFrame queues f for the controller. FD frames are refused up front
// when the controller runs classic CAN only.
func (b *bridge) SendFrame(f can.Frame) error {
	if f.FD && !b.fd {
		return fdcan.ErrFDDisabled
	}
	return b.tx.SendFrame(f)
}

// run blocks until ctx is done or a loop fails.
func (b *bridge) run(ctx context.Context) error {
	defer b.tx.Close()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.rxLoop(ctx) })
	g.Go(func() error { return b.eventLoop(ctx) })
	g.Go(func() error { return b.busOffLoop(ctx) })
	return g.Wait()
}

func (b *bridge) rxLoop(ctx context.Context) error {
	defer b.l.Info("can_rx_end")
	for f, err := range b.ep.Rx.Frames(ctx) {
		if err != nil {
			var fe *fdcan.HardwareFrameError
			var oe *fdcan.OverflowError
			switch {
			case errors.As(err, &fe):
				b.l.Debug("can_frame_error", "code", fe.Code.String(), "data_phase", fe.DataPhase)
			case errors.As(err, &oe):
				b.l.Warn("can_rx_overflow", "lost", oe.Lost)
			default:
				metrics.IncError(metrics.ErrReceive)
				return err
			}
			continue
		}
		b.hub.Broadcast(f)
	}
	return nil
}

func (b *bridge) eventLoop(ctx context.Context) error {
	for ev, err := range b.ep.Events.Events(ctx) {
		if err != nil {
			if errors.Is(err, fdcan.ErrTxEventLost) {
				b.l.Warn("can_tx_event_lost")
				continue
			}
			return err
		}
		b.l.Debug("can_tx_event", "id", ev.Header.ID, "marker", ev.Marker)
	}
	return nil
}

// busOffLoop logs bus-off transitions and, with auto recovery enabled,
// restarts the controller.
func (b *bridge) busOffLoop(ctx context.Context) error {
	t := time.NewTicker(busOffPoll)
	defer t.Stop()
	var off bool
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		st := b.ep.Control.Status()
		if st.BusOff != off {
			off = st.BusOff
			if off {
				b.l.Warn("can_bus_off", "tec", st.TxErrors, "rec", st.RxErrors)
			} else {
				b.l.Info("can_bus_on", "state", st.State())
			}
		}
		if !off || !b.autoRecover {
			continue
		}
		err := b.ep.Control.RecoverBusOff(ctx)
		switch {
		case err == nil, errors.Is(err, fdcan.ErrNotBusOff):
		case ctx.Err() != nil:
			return nil
		default:
			b.l.Warn("can_bus_off_recovery_failed", "error", err)
		}
	}
}
