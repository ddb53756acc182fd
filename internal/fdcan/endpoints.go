package fdcan

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/metrics"
)

// Transmitter places frames into the controller Tx FIFO. It is meant to be
// owned by one goroutine; concurrent calls are serialised.
type Transmitter struct {
	mu  sync.Mutex
	d   *driver
	seq uint32
}

// Send encodes f and waits for a free Tx FIFO slot. It returns once the
// frame is in the hardware FIFO (or, if ctx ends first, committed to it),
// not once it is on the bus. Encode errors
// return immediately and nothing is queued. ctx only bounds the wait for a
// slot: a non-nil error means the frame will not be sent.
func (t *Transmitter) Send(ctx context.Context, f can.Frame) error {
	return t.send(ctx, &f, 0, false)
}

// SendWithMarker is Send with a Tx event carrying marker recorded once the
// frame has been transmitted.
func (t *Transmitter) SendWithMarker(ctx context.Context, f can.Frame, marker uint8) error {
	return t.send(ctx, &f, marker, true)
}

func (t *Transmitter) send(ctx context.Context, f *can.Frame, marker uint8, storeEvent bool) error {
	d := t.d
	el, err := can.Encode(f.Header, f.Payload(), marker, storeEvent)
	if err != nil {
		return err
	}
	if f.FD && !d.settings.Timing.FD {
		return ErrFDDisabled
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-d.slots:
	default:
		metrics.IncTxWait()
		select {
		case <-d.slots:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.seq++
	seq := t.seq
	d.outgoing <- txRequest{el: el, seq: seq}
	d.irq.Pend(Line0)
	// Past this point the frame is committed: the slot holds its place in
	// the hardware FIFO and line 0 will place it even if ctx ends.
	for {
		select {
		case s := <-d.accepted:
			if s == seq {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Receiver yields received frames in arrival order.
type Receiver struct {
	d *driver
}

// Receive waits for the next frame. Rx FIFO losses are reported as
// *OverflowError and protocol errors as *HardwareFrameError, each at its
// place in the stream; both leave the receiver usable.
func (r *Receiver) Receive(ctx context.Context) (can.Frame, error) {
	d := r.d
	select {
	case e := <-d.incoming:
		d.resume(&d.rxBacklog, Line1)
		if e.lost > 0 {
			return can.Frame{}, &OverflowError{Lost: e.lost}
		}
		if e.code != ErrorNone {
			return can.Frame{}, &HardwareFrameError{Code: e.code, DataPhase: e.dataPhase}
		}
		return e.frame, nil
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	}
}

// Frames returns an endless sequence of Receive results that stops when ctx
// is done or the consumer breaks out of the loop.
func (r *Receiver) Frames(ctx context.Context) iter.Seq2[can.Frame, error] {
	return func(yield func(can.Frame, error) bool) {
		for {
			f, err := r.Receive(ctx)
			if err != nil && ctx.Err() != nil {
				return
			}
			if !yield(f, err) {
				return
			}
		}
	}
}

// TxEventListener yields Tx events of frames sent with a marker.
type TxEventListener struct {
	d *driver
}

// NextEvent waits for the next Tx event. After a Tx event FIFO overflow it
// returns ErrTxEventLost once.
func (l *TxEventListener) NextEvent(ctx context.Context) (TxEvent, error) {
	d := l.d
	if d.evLost.Swap(false) {
		return TxEvent{}, ErrTxEventLost
	}
	select {
	case ev := <-d.events:
		d.resume(&d.evBacklog, Line0)
		return ev, nil
	case <-ctx.Done():
		return TxEvent{}, ctx.Err()
	}
}

// Events is the sequence form of NextEvent.
func (l *TxEventListener) Events(ctx context.Context) iter.Seq2[TxEvent, error] {
	return func(yield func(TxEvent, error) bool) {
		for {
			ev, err := l.NextEvent(ctx)
			if err != nil && ctx.Err() != nil {
				return
			}
			if !yield(ev, err) {
				return
			}
		}
	}
}

// Control exposes error counters and bus-off recovery. It does not take
// part in the frame data path.
type Control struct {
	mu sync.Mutex
	d  *driver
}

// Mode returns the operating mode the controller was started in.
func (c *Control) Mode() Mode { return c.d.settings.Mode }

// Status returns the protocol status as last seen by the interrupt bridge.
func (c *Control) Status() Status { return c.d.loadStatus() }

// BusOff reports whether the controller is bus-off.
func (c *Control) BusOff() bool { return c.d.loadStatus().BusOff }

// Err returns ErrBusOff while bus-off, nil otherwise.
func (c *Control) Err() error {
	if c.BusOff() {
		return ErrBusOff
	}
	return nil
}

// RecoverBusOff asks the bridge to restart the controller and waits for it.
// The driver never recovers on its own.
func (c *Control) RecoverBusOff(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.d
	if !c.BusOff() {
		return ErrNotBusOff
	}
	select {
	case <-d.recovered:
	default:
	}
	d.recoverReq.Store(true)
	d.irq.Pend(Line1)
	select {
	case err := <-d.recovered:
		if err != nil {
			return fmt.Errorf("fdcan: bus-off recovery: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
