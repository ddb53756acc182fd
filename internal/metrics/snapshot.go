package metrics

import "sync/atomic"

// Local mirrored counters for logging without scraping Prometheus in-process.
var local struct {
	rxFrames    atomic.Uint64
	txFrames    atomic.Uint64
	txEvents    atomic.Uint64
	txEventLost atomic.Uint64
	txWaits     atomic.Uint64
	rxOverflow  atomic.Uint64
	frameErrors atomic.Uint64
	busOffs     atomic.Uint64

	mediumRx  atomic.Uint64
	mediumTx  atomic.Uint64
	tcpRx     atomic.Uint64
	tcpTx     atomic.Uint64
	hubDrop   atomic.Uint64
	hubKick   atomic.Uint64
	hubReject atomic.Uint64
	hubCount  atomic.Uint64
	fanout    atomic.Uint64
	qdMax     atomic.Uint64
	qdAvg     atomic.Uint64

	errors    atomic.Uint64
	malformed atomic.Uint64
}

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	RxFrames      uint64
	TxFrames      uint64
	TxEvents      uint64
	TxEventLost   uint64
	TxWaits       uint64
	RxOverflow    uint64
	FrameErrors   uint64
	BusOffs       uint64
	MediumRx      uint64
	MediumTx      uint64
	TCPRx         uint64
	TCPTx         uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	HubClients    uint64
	Fanout        uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
	Errors        uint64 // sum across error labels
	Malformed     uint64
}

func Snap() Snapshot {
	return Snapshot{
		RxFrames:      local.rxFrames.Load(),
		TxFrames:      local.txFrames.Load(),
		TxEvents:      local.txEvents.Load(),
		TxEventLost:   local.txEventLost.Load(),
		TxWaits:       local.txWaits.Load(),
		RxOverflow:    local.rxOverflow.Load(),
		FrameErrors:   local.frameErrors.Load(),
		BusOffs:       local.busOffs.Load(),
		MediumRx:      local.mediumRx.Load(),
		MediumTx:      local.mediumTx.Load(),
		TCPRx:         local.tcpRx.Load(),
		TCPTx:         local.tcpTx.Load(),
		HubDrops:      local.hubDrop.Load(),
		HubKicks:      local.hubKick.Load(),
		HubRejects:    local.hubReject.Load(),
		HubClients:    local.hubCount.Load(),
		Fanout:        local.fanout.Load(),
		QueueDepthMax: local.qdMax.Load(),
		QueueDepthAvg: local.qdAvg.Load(),
		Errors:        local.errors.Load(),
		Malformed:     local.malformed.Load(),
	}
}
