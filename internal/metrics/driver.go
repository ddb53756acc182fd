package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FDCAN driver counters. Updated from the interrupt bridge, so every helper
// here must stay lock-free and allocation-free.
var (
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fdcan_rx_frames_total",
		Help: "Frames moved from the Rx FIFO into the receive queue.",
	})
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fdcan_tx_frames_total",
		Help: "Transmissions completed by the controller.",
	})
	TxEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fdcan_tx_events_total",
		Help: "Tx events moved from the Tx event FIFO into the event queue.",
	})
	TxEventLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fdcan_tx_event_lost_total",
		Help: "Tx event FIFO overflow notifications.",
	})
	TxWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fdcan_tx_waits_total",
		Help: "Sends that suspended waiting for a free Tx FIFO slot.",
	})
	RxOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fdcan_rx_overflow_total",
		Help: "Rx FIFO overflow notifications (at least one frame lost each).",
	})
	FrameErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fdcan_frame_errors_total",
		Help: "Protocol errors reported by the controller.",
	})
	BusOffs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fdcan_bus_off_total",
		Help: "Transitions into bus-off.",
	})
	BusOffState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fdcan_bus_off",
		Help: "1 while the controller is bus-off.",
	})
	TxErrorCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fdcan_tx_error_count",
		Help: "Transmit error counter (TEC).",
	})
	RxErrorCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fdcan_rx_error_count",
		Help: "Receive error counter (REC).",
	})
)

func IncRx() {
	RxFrames.Inc()
	local.rxFrames.Add(1)
}

func AddTx(n int) {
	TxFrames.Add(float64(n))
	local.txFrames.Add(uint64(n))
}

func IncTxEvent() {
	TxEvents.Inc()
	local.txEvents.Add(1)
}

func IncTxEventLost() {
	TxEventLost.Inc()
	local.txEventLost.Add(1)
}

func IncTxWait() {
	TxWaits.Inc()
	local.txWaits.Add(1)
}

func IncRxOverflow() {
	RxOverflow.Inc()
	local.rxOverflow.Add(1)
}

func IncFrameError() {
	FrameErrors.Inc()
	local.frameErrors.Add(1)
}

// SetProtocolState publishes error counters and the bus-off state.
// wentBusOff is true only on the transition into bus-off.
func SetProtocolState(tec, rec int, busOff, wentBusOff bool) {
	TxErrorCount.Set(float64(tec))
	RxErrorCount.Set(float64(rec))
	if busOff {
		BusOffState.Set(1)
	} else {
		BusOffState.Set(0)
	}
	if wentBusOff {
		BusOffs.Inc()
		local.busOffs.Add(1)
	}
}
