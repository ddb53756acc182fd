package fdcan

import (
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/metrics"
)

// TxEvent reports that a frame sent with a marker left the controller.
type TxEvent struct {
	Header    can.Header
	Marker    uint8
	Timestamp time.Time
}

type txRequest struct {
	el  can.TxElement
	seq uint32
}

// rxEntry is a received frame, a protocol error or an Rx FIFO loss, in the
// order line 1 saw them.
type rxEntry struct {
	frame     can.Frame
	code      ErrorCode // non-zero: protocol error instead of a frame
	dataPhase bool
	lost      uint32 // non-zero: overflow notifications instead of a frame
}

// driver is the state shared by the endpoints and the interrupt bridge.
// Channels are the only data path between them; each channel has exactly
// one producer and one consumer.
type driver struct {
	hw       Hardware
	irq      InterruptController
	clock    Clock
	depths   Depths
	settings Settings

	slots    chan struct{}  // free Tx FIFO slots: Transmitter takes, line 0 returns
	outgoing chan txRequest // Transmitter -> line 0
	accepted chan uint32    // line 0 -> Transmitter, seq of frames placed in hardware
	incoming chan rxEntry   // line 1 -> Receiver
	events   chan TxEvent   // line 0 -> TxEventListener

	rxBacklog  atomic.Bool // Rx FIFO left non-empty because incoming was full
	evBacklog  atomic.Bool // Tx event FIFO left non-empty because events was full
	evLost     atomic.Bool
	status     atomic.Uint64
	recoverReq atomic.Bool
	recovered  chan error

	// owned by line 0
	pending    txRequest
	hasPending bool

	// owned by line 1: entries that found incoming full
	errBacklog  [2][8]uint32 // protocol errors by phase (1 = data) and code
	lostBacklog uint32
}

func newDriver(hw Hardware, irq InterruptController, clock Clock, s Settings) *driver {
	dp := hw.Depths()
	dp.Tx, dp.Rx, dp.TxEvent = max(dp.Tx, 1), max(dp.Rx, 1), max(dp.TxEvent, 1)
	d := &driver{
		hw:       hw,
		irq:      irq,
		clock:    clock,
		depths:   dp,
		settings: s,

		slots:     make(chan struct{}, dp.Tx),
		outgoing:  make(chan txRequest, dp.Tx),
		accepted:  make(chan uint32, dp.Tx+1),
		incoming:  make(chan rxEntry, dp.Rx),
		events:    make(chan TxEvent, dp.TxEvent),
		recovered: make(chan error, 1),
	}
	for i := 0; i < dp.Tx; i++ {
		d.slots <- struct{}{}
	}
	return d
}

func (d *driver) publishStatus(st Status) {
	old := unpackStatus(d.status.Swap(st.pack()))
	metrics.SetProtocolState(int(st.TxErrors), int(st.RxErrors), st.BusOff, st.BusOff && !old.BusOff)
}

func (d *driver) loadStatus() Status { return unpackStatus(d.status.Load()) }

// resume re-pends line after a consumer made room in a queue the bridge
// had to leave partly in hardware.
func (d *driver) resume(backlog *atomic.Bool, l Line) {
	if backlog.CompareAndSwap(true, false) {
		d.irq.Pend(l)
	}
}
