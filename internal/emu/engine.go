package emu

import (
	"time"

	"github.com/kstaniek/go-fdcan/internal/bittiming"
	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/fdcan"
)

// transmitLoop plays the protocol engine: it sends the oldest Tx FIFO
// element, holds the bus for the frame's duration and records the outcome.
func (p *Peripheral) transmitLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.kick:
		}
		for p.transmitOne() {
		}
	}
}

func (p *Peripheral) transmitOne() bool {
	p.mu.Lock()
	if len(p.tx) == 0 || p.busOff || p.closed {
		p.mu.Unlock()
		return false
	}
	el := p.tx[0]
	if !p.settings.BRS {
		// CCCR.BRSE cleared: T1.BRS is ignored
		el.ClearBRS()
	}
	mode := p.settings.Mode
	d := p.frameTime
	if d <= 0 {
		d = airtime(p.settings.Timing, p.clockHz, &el)
	}
	p.mu.Unlock()

	if !sleepCtx(p.ctx, d) {
		return false
	}
	var werr error
	if mode == fdcan.ModeNormal {
		werr = p.medium.WriteFrame(can.DecodeTx(&el))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if werr != nil {
		// nobody acknowledged: bit error on our side of the bus
		p.tec += 8
		p.protocolErrorLocked(fdcan.ErrorAck, false)
		if !p.settings.AutoRetransmit {
			p.popTxLocked()
			p.raise(fdcan.IntTxCancelFinished)
		}
		p.raise(p.confine())
		return !p.busOff
	}
	p.popTxLocked()
	if p.tec > 0 {
		p.tec--
	}
	ts := p.timestamp()
	flags := fdcan.IntTxComplete
	if el.StoreEvent() {
		if len(p.events) < p.depths.TxEvent {
			p.events = append(p.events, can.TxEventFromTx(&el, ts))
			flags |= fdcan.IntTxEventNew
		} else {
			flags |= fdcan.IntTxEventLost
		}
	}
	if mode == fdcan.ModeInternalLoopback {
		flags |= p.storeRxLocked(can.RxFromTx(&el, ts))
	}
	p.raise(flags | p.confine())
	return true
}

func (p *Peripheral) popTxLocked() {
	p.tx = p.tx[:copy(p.tx, p.tx[1:])]
	p.freed++
}

// airtime estimates how long el occupies the bus. Stuff bits are ignored.
func airtime(t bittiming.Timing, clockHz uint32, el *can.TxElement) time.Duration {
	h := can.DecodeTx(el).Header
	// SOF, id, RTR/RRS, IDE, FDF/r0, BRS, ESI, ACK, EOF, IFS
	arb := 1 + 11 + 3 + 2 + 2 + 7 + 3
	if h.ID.Extended() {
		arb += 20
	}
	payload := 0
	if !h.Remote {
		payload = int(h.Len)
	}
	crc := 15
	switch {
	case h.FD && h.Len > 16:
		crc = 21
	case h.FD:
		crc = 17
	}
	data := 4 + 8*payload + crc + 1
	nominal := t.Nominal.Bitrate(clockHz)
	dataRate := nominal
	if h.FD && h.BRS && t.FD {
		dataRate = t.Data.Bitrate(clockHz)
	}
	sec := float64(arb)/nominal + float64(data)/dataRate
	return time.Duration(sec * float64(time.Second))
}
