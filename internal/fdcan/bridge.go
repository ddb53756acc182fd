package fdcan

import (
	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/metrics"
)

// The interrupt bridge. Both handlers run in interrupt context: they never
// block, never log and touch each FIFO at most depth times per invocation.
// Work left behind because a software queue was full is resumed by the
// consumer pending the line again.

// line0 handles transmit completion, queued transmit requests and Tx events.
func (d *driver) line0() {
	flags := d.hw.Flags(Line0)
	if n := d.hw.TxCompleted(); n > 0 {
		for i := 0; i < n; i++ {
			select {
			case d.slots <- struct{}{}:
			default:
			}
		}
		metrics.AddTx(n)
	}
	d.pumpTx()
	d.drainTxEvents()
	if flags&IntTxEventLost != 0 {
		d.evLost.Store(true)
		metrics.IncTxEventLost()
	}
}

func (d *driver) pumpTx() {
	for i := 0; i < d.depths.Tx; i++ {
		if !d.hasPending {
			select {
			case d.pending = <-d.outgoing:
				d.hasPending = true
			default:
				return
			}
		}
		if err := d.hw.PutTx(d.pending.el); err != nil {
			// Tx FIFO full; retried on the next line 0 interrupt
			return
		}
		d.hasPending = false
		select {
		case d.accepted <- d.pending.seq:
		default:
		}
	}
}

func (d *driver) drainTxEvents() {
	for i := 0; i < d.depths.TxEvent; i++ {
		if len(d.events) == cap(d.events) {
			d.evBacklog.Store(true)
			if len(d.events) == cap(d.events) {
				return
			}
		}
		el, ok := d.hw.GetTxEvent()
		if !ok {
			return
		}
		h, mm := can.DecodeTxEvent(el)
		select {
		case d.events <- TxEvent{Header: h, Marker: mm, Timestamp: d.clock.Now()}:
			metrics.IncTxEvent()
		default:
		}
	}
}

// line1 handles reception, Rx FIFO loss, protocol errors and bus-off recovery.
func (d *driver) line1() {
	flags := d.hw.Flags(Line1)
	st := d.hw.Status()
	if flags&IntProtocolError != 0 {
		code, data := st.LastError, false
		if !code.IsError() && st.DataLastError.IsError() {
			code, data = st.DataLastError, true
		}
		if code.IsError() {
			metrics.IncFrameError()
			d.errBacklog[phase(data)][code]++
		}
	}
	if flags&IntRxLost != 0 {
		d.lostBacklog++
		metrics.IncRxOverflow()
	}
	if d.flushBacklog() {
		d.drainRx()
	}
	recovering := d.recoverReq.Swap(false)
	var rerr error
	if recovering {
		rerr = d.hw.RecoverBusOff()
		st = d.hw.Status()
	}
	d.publishStatus(st)
	if recovering {
		select {
		case d.recovered <- rerr:
		default:
		}
	}
}

func phase(data bool) int {
	if data {
		return 1
	}
	return 0
}

// flushBacklog queues protocol errors and Rx losses ahead of the frames
// still in the Rx FIFO. It reports whether nothing was left behind.
func (d *driver) flushBacklog() bool {
	if d.tryFlush() {
		return true
	}
	d.rxBacklog.Store(true)
	return d.tryFlush()
}

func (d *driver) tryFlush() bool {
	for p := range d.errBacklog {
		for code := range d.errBacklog[p] {
			for d.errBacklog[p][code] > 0 {
				select {
				case d.incoming <- rxEntry{code: ErrorCode(code), dataPhase: p == 1}:
					d.errBacklog[p][code]--
				default:
					return false
				}
			}
		}
	}
	if d.lostBacklog > 0 {
		select {
		case d.incoming <- rxEntry{lost: d.lostBacklog}:
			d.lostBacklog = 0
		default:
			return false
		}
	}
	return true
}

func (d *driver) drainRx() {
	for i := 0; i < d.depths.Rx; i++ {
		if len(d.incoming) == cap(d.incoming) {
			d.rxBacklog.Store(true)
			if len(d.incoming) == cap(d.incoming) {
				return
			}
		}
		el, ok := d.hw.GetRx()
		if !ok {
			return
		}
		e := rxEntry{frame: can.DecodeRx(&el)}
		e.frame.Timestamp = d.clock.Now()
		select {
		case d.incoming <- e:
			metrics.IncRx()
		default:
		}
	}
}
