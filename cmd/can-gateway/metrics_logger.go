package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-fdcan/internal/metrics"
)

// metricsLogger periodically logs the counter snapshot until ctx is done.
func metricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			snap := metrics.Snap()
			l.Info("metrics_snapshot",
				"can_rx", snap.RxFrames,
				"can_tx", snap.TxFrames,
				"tx_events", snap.TxEvents,
				"rx_overflow", snap.RxOverflow,
				"frame_errors", snap.FrameErrors,
				"bus_offs", snap.BusOffs,
				"medium_rx", snap.MediumRx,
				"medium_tx", snap.MediumTx,
				"tcp_rx", snap.TCPRx,
				"tcp_tx", snap.TCPTx,
				"hub_clients", snap.HubClients,
				"hub_drops", snap.HubDrops,
				"errors", snap.Errors,
			)
		case <-ctx.Done():
			return nil
		}
	}
}
