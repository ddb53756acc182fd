package fdcan

import (
	"context"
	"sync/atomic"

	"github.com/kstaniek/go-fdcan/internal/can"
)

// Can is the unified handle of a running controller. It can be used
// directly from a single goroutine or split into independent endpoints.
type Can struct {
	d        *driver
	consumed atomic.Bool
	tx       Transmitter
	rx       Receiver
	ev       TxEventListener
	ctl      Control
}

// Endpoints are the parts of a split controller. Each is meant to be owned
// by a single goroutine.
type Endpoints struct {
	Tx      *Transmitter
	Rx      *Receiver
	Events  *TxEventListener
	Control *Control
}

func newCan(d *driver) *Can {
	c := &Can{d: d}
	c.tx.d, c.rx.d, c.ev.d, c.ctl.d = d, d, d, d
	return c
}

// Mode returns the operating mode.
func (c *Can) Mode() Mode { return c.d.settings.Mode }

// Split hands out the endpoints and consumes the unified handle; every later
// call on c returns ErrConsumed.
func (c *Can) Split() (Endpoints, error) {
	if !c.consumed.CompareAndSwap(false, true) {
		return Endpoints{}, ErrConsumed
	}
	return Endpoints{Tx: &c.tx, Rx: &c.rx, Events: &c.ev, Control: &c.ctl}, nil
}

// Write is Transmitter.Send on the unified handle.
func (c *Can) Write(ctx context.Context, f can.Frame) error {
	if c.consumed.Load() {
		return ErrConsumed
	}
	return c.tx.Send(ctx, f)
}

// WriteWithMarker is Transmitter.SendWithMarker on the unified handle.
func (c *Can) WriteWithMarker(ctx context.Context, f can.Frame, marker uint8) error {
	if c.consumed.Load() {
		return ErrConsumed
	}
	return c.tx.SendWithMarker(ctx, f, marker)
}

// Read is Receiver.Receive on the unified handle.
func (c *Can) Read(ctx context.Context) (can.Frame, error) {
	if c.consumed.Load() {
		return can.Frame{}, ErrConsumed
	}
	return c.rx.Receive(ctx)
}

// ReadTxEvent is TxEventListener.NextEvent on the unified handle.
func (c *Can) ReadTxEvent(ctx context.Context) (TxEvent, error) {
	if c.consumed.Load() {
		return TxEvent{}, ErrConsumed
	}
	return c.ev.NextEvent(ctx)
}

// Status returns the protocol status, or ErrConsumed after Split.
func (c *Can) Status() (Status, error) {
	if c.consumed.Load() {
		return Status{}, ErrConsumed
	}
	return c.ctl.Status(), nil
}

// RecoverBusOff is Control.RecoverBusOff on the unified handle.
func (c *Can) RecoverBusOff(ctx context.Context) error {
	if c.consumed.Load() {
		return ErrConsumed
	}
	return c.ctl.RecoverBusOff(ctx)
}
