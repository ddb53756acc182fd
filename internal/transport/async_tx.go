package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-fdcan/internal/can"
)

var (
	ErrAsyncTxClosed = errors.New("async tx closed")
	// ErrTxOverflow is the conventional OnDrop error.
	ErrTxOverflow = errors.New("tx overflow")
)

// Sender is the transmit side of a controller, typically *fdcan.Transmitter.
// Send may block while the controller has no free transmit slot.
type Sender interface {
	Send(ctx context.Context, f can.Frame) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, f can.Frame) error

func (fn SenderFunc) Send(ctx context.Context, f can.Frame) error { return fn(ctx, f) }

// AsyncTx funnels frames from many producers (TCP clients) into the single
// goroutine that owns a Sender. Producers never block: when the buffer is
// full, SendFrame returns the OnDrop error. Controller backpressure is
// absorbed by the worker, which waits inside Send.
//
//	a := NewAsyncTx(ctx, buf, endpoints.Tx, hooks)
//	a.SendFrame(frame)
//	a.Close()
//
// Close cancels a Send in progress; frames still buffered are discarded.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan can.Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	tx     Sender
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when Send fails (frame not sent). Cancellation by
	// Close is not reported.
	OnError func(can.Frame, error)
	// OnAfter is called after the controller accepted the frame.
	OnAfter func(can.Frame)
	// OnDrop is called when the buffer is full; its returned error is returned
	// from SendFrame. If nil, the overflow is silent.
	OnDrop func() error
}

// NewAsyncTx starts the worker with a buffer of buf frames.
func NewAsyncTx(parent context.Context, buf int, tx Sender, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		tx:     tx,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case fr, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.tx.Send(a.ctx, fr); err != nil {
				if a.ctx.Err() != nil {
					return
				}
				if a.hooks.OnError != nil {
					a.hooks.OnError(fr, err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter(fr)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// SendFrame queues fr or returns the drop error if the buffer is full.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Pending returns the number of buffered frames.
func (a *AsyncTx) Pending() int { return len(a.ch) }

// Close stops the worker and waits for it to exit.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	// cancel first so a blocked Send returns, then close under the send lock
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
