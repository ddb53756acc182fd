package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-fdcan/internal/can"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

func frame(id uint16) can.Frame {
	f, _ := can.NewClassicFrame(can.MustStandardID(id), nil)
	return f
}

// TestAsyncTxSuccess verifies frames are sent in order and hooks fire.
func TestAsyncTxSuccess(t *testing.T) {
	var sent, after atomic.Int64
	var order []uint32
	ax := NewAsyncTx(context.Background(), 4, SenderFunc(func(_ context.Context, fr can.Frame) error {
		order = append(order, fr.ID.Value())
		sent.Add(1)
		return nil
	}), Hooks{OnAfter: func(can.Frame) { after.Add(1) }})
	defer ax.Close()
	for i := 0; i < 3; i++ {
		if err := ax.SendFrame(frame(uint16(i))); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && after.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if sent.Load() != 3 || after.Load() != 3 {
		t.Fatalf("expected 3 sent & after, got sent=%d after=%d", sent.Load(), after.Load())
	}
	for i, id := range order {
		if id != uint32(i) {
			t.Fatalf("order %v", order)
		}
	}
}

// TestAsyncTxOverflow ensures OnDrop is invoked when the buffer is full
// while the worker waits on a busy controller.
func TestAsyncTxOverflow(t *testing.T) {
	var drops atomic.Int64
	started := make(chan struct{}, 1)
	ax := NewAsyncTx(context.Background(), 1, SenderFunc(func(ctx context.Context, _ can.Frame) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}), Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	if err := ax.SendFrame(frame(1)); err != nil {
		t.Fatalf("first: %v", err)
	}
	<-started // worker is now blocked inside Send
	if err := ax.SendFrame(frame(2)); err != nil {
		t.Fatalf("second (buffered): %v", err)
	}
	if err := ax.SendFrame(frame(3)); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 || ax.Pending() != 1 {
		t.Fatalf("drops=%d pending=%d", drops.Load(), ax.Pending())
	}
}

// TestAsyncTxSendError triggers OnError hook with the failed frame.
func TestAsyncTxSendError(t *testing.T) {
	var failed atomic.Uint32
	ax := NewAsyncTx(context.Background(), 2, SenderFunc(func(context.Context, can.Frame) error { return errSendFail }),
		Hooks{OnError: func(fr can.Frame, err error) {
			if errors.Is(err, errSendFail) {
				failed.Store(fr.ID.Value() + 1)
			}
		}})
	defer ax.Close()
	_ = ax.SendFrame(frame(0x41))
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && failed.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if failed.Load() != 0x42 {
		t.Fatalf("expected error hook for id 0x41, got %d", failed.Load())
	}
}

// TestAsyncTxCloseUnblocksSend verifies Close cancels a Send waiting on the controller.
func TestAsyncTxCloseUnblocksSend(t *testing.T) {
	var errHook atomic.Int64
	started := make(chan struct{})
	ax := NewAsyncTx(context.Background(), 1, SenderFunc(func(ctx context.Context, _ can.Frame) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), Hooks{OnError: func(can.Frame, error) { errHook.Add(1) }})
	_ = ax.SendFrame(frame(1))
	<-started
	done := make(chan struct{})
	go func() { ax.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	if errHook.Load() != 0 {
		t.Fatal("cancellation reported as send error")
	}
}

func TestAsyncTxSendAfterClose(t *testing.T) {
	tx := NewAsyncTx(context.Background(), 2, SenderFunc(func(context.Context, can.Frame) error { return nil }), Hooks{})
	tx.Close()
	if err := tx.SendFrame(frame(123)); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
}

func TestAsyncTxCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, SenderFunc(func(context.Context, can.Frame) error { return nil }), Hooks{})
		done := make(chan error, 1)
		go func() {
			done <- ax.SendFrame(frame(1))
		}()
		time.Sleep(1 * time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}
