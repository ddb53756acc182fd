package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/go-fdcan/internal/can"
)

func frame(t *testing.T, id uint32) can.Frame {
	t.Helper()
	f, err := can.NewClassicFrame(can.MustExtendedID(id), []byte{byte(id)})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestHub_Broadcast_DropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(frame(t, 0x123))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected client buffer to be full, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
	if cl.Dropped() != 996 {
		t.Fatalf("dropped=%d", cl.Dropped())
	}
}

func TestHub_Broadcast_DropKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := NewClient(1)
	fast := NewClient(16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	h.Broadcast(frame(t, 0x1))
	for i := 0; i < 10; i++ {
		if n := h.Broadcast(frame(t, 0x2)); n != 1 {
			t.Fatalf("delivered to %d clients", n)
		}
	}
	if len(fast.Out) != 11 {
		t.Fatalf("fast client got %d frames", len(fast.Out))
	}
	select {
	case <-slow.Closed:
		t.Fatal("drop policy closed the slow client")
	default:
	}
}

func TestHub_Broadcast_KickClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	slow := NewClient(1)
	h.Add(slow)
	defer h.Remove(slow)

	h.Broadcast(frame(t, 0x1))
	h.Broadcast(frame(t, 0x2))
	select {
	case <-slow.Closed:
	case <-time.After(time.Second):
		t.Fatal("slow client not kicked")
	}
}

func TestHub_AcceptFilter(t *testing.T) {
	h := New()
	classic := NewClient(4)
	classic.Accept = func(f *can.Frame) bool { return !f.FD }
	all := NewClient(4)
	h.Add(classic)
	h.Add(all)

	fd, err := can.FrameFromCANID(0x10, true, true, make([]byte, 12))
	if err != nil {
		t.Fatal(err)
	}
	if n := h.Broadcast(fd); n != 1 {
		t.Fatalf("fd frame delivered to %d clients", n)
	}
	if len(classic.Out) != 0 || len(all.Out) != 1 {
		t.Fatalf("classic=%d all=%d", len(classic.Out), len(all.Out))
	}
	if classic.Dropped() != 0 {
		t.Fatal("filtered frame counted as dropped")
	}
}

func TestHub_RemoveIdempotent(t *testing.T) {
	h := New()
	c := NewClient(1)
	h.Add(c)
	if h.Count() != 1 {
		t.Fatalf("count=%d", h.Count())
	}
	h.Remove(c)
	h.Remove(c)
	if h.Count() != 0 {
		t.Fatalf("count=%d", h.Count())
	}
	select {
	case <-c.Closed:
	default:
		t.Fatal("client not closed")
	}
}
