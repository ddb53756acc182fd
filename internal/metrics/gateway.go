package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway counters: physical medium, TCP clients and hub fan-out.
var (
	MediumRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medium_rx_frames_total",
		Help: "Frames read from the attached medium.",
	}, []string{"medium"})
	MediumTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medium_tx_frames_total",
		Help: "Frames written to the attached medium.",
	}, []string{"medium"})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among clients in the last sample.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued frames per client in the last sample.",
	})
)

// Medium label values.
const (
	MediumSerial    = "serial"
	MediumSocketCAN = "socketcan"
	MediumVirtual   = "virtual"
)

func IncMediumRx(medium string) {
	MediumRxFrames.WithLabelValues(medium).Inc()
	local.mediumRx.Add(1)
}

func IncMediumTx(medium string) {
	MediumTxFrames.WithLabelValues(medium).Inc()
	local.mediumTx.Add(1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	local.tcpRx.Add(1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	local.tcpTx.Add(uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	local.hubDrop.Add(1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	local.hubKick.Add(1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	local.hubReject.Add(1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	local.hubCount.Store(uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	local.fanout.Store(uint64(n))
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	local.qdMax.Store(uint64(max))
	local.qdAvg.Store(uint64(avg))
}
