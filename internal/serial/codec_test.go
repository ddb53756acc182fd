package serial

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/kstaniek/go-fdcan/internal/can"
)

// rxWire builds a received frame: ID(4) | PAYLOAD(0..8) in the UART envelope.
func rxWire(id uint32, payload []byte) []byte {
	data := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(data[:4], id&can.CAN_EFF_MASK)
	copy(data[4:], payload)
	return envelope(data)
}

func f(id uint32, data ...byte) can.Frame {
	fr, err := can.NewClassicFrame(can.MustExtendedID(id), data)
	if err != nil {
		panic(err)
	}
	return fr
}

func TestSerialCodec_RoundTrip_Chunked(t *testing.T) {
	codec := Codec{}
	want := []can.Frame{
		f(0x0001E5A, 0x34, 0x7B, 0x70, 0xD7, 0x94, 0x10, 0x0D, 0xF7),
		f(0x0001F55, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6),
		f(0x0123456, 0x9A, 0xBC),
		f(0x01ABCDE, 0xDE, 0xAD, 0xBE),
		f(0x0000042),
	}
	stream := make([]byte, 0, 512)
	for _, fr := range want {
		stream = append(stream, rxWire(fr.ID.Value(), fr.Payload())...)
	}

	var buf bytes.Buffer
	got := make([]can.Frame, 0, len(want))
	// irregular chunks stress preamble alignment and partial frames
	chunkSizes := []int{1, 2, 3, 4, 5, 7, 11}
	cs := 0
	for pos := 0; pos < len(stream); {
		n := min(chunkSizes[cs%len(chunkSizes)], len(stream)-pos)
		cs++
		buf.Write(stream[pos : pos+n])
		pos += n
		if err := codec.DecodeStream(&buf, func(fr can.Frame) { got = append(got, fr) }); err != nil {
			t.Fatalf("DecodeStream error: %v", err)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d mismatch\n got  %v\n want %v", i, got[i], want[i])
		}
	}
}

func TestSerialCodec_Encode(t *testing.T) {
	codec := Codec{}
	b, err := codec.Encode(f(0x1ABCDE, 1, 2))
	if err != nil {
		t.Fatal(err)
	}
	want := envelope([]byte{insSendExt, 0x82, 0x00, 0x1A, 0xBC, 0xDE, 1, 2})
	if !bytes.Equal(b, want) {
		t.Fatalf("got % X want % X", b, want)
	}

	fd, _ := can.FrameFromCANID(0x10, true, false, make([]byte, 12))
	if _, err := codec.Encode(fd); !errors.Is(err, ErrFDUnsupported) {
		t.Fatalf("fd: %v", err)
	}
	rtr, _ := can.NewRemoteFrame(can.MustStandardID(0x10), 2)
	if _, err := codec.Encode(rtr); !errors.Is(err, ErrRemoteUnsupported) {
		t.Fatalf("remote: %v", err)
	}
}

// pipePort is an in-memory Port: writes are recorded, reads come from r.
type pipePort struct {
	r       *io.PipeReader
	mu      sync.Mutex
	written bytes.Buffer
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}
func (p *pipePort) Close() error { return p.r.Close() }

func TestMedium_ReadWrite(t *testing.T) {
	r, w := io.Pipe()
	port := &pipePort{r: r}
	m := NewMedium(port)

	go func() {
		_, _ = w.Write(append(rxWire(0x100, []byte{1}), rxWire(0x200, []byte{2, 3})...))
	}()
	for _, want := range []can.Frame{f(0x100, 1), f(0x200, 2, 3)} {
		var got can.Frame
		if err := m.ReadFrame(&got); err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("got %v want %v", got, want)
		}
	}

	if err := m.WriteFrame(f(0x300, 9)); err != nil {
		t.Fatal(err)
	}
	fd, _ := can.FrameFromCANID(0x10, true, true, make([]byte, 16))
	if err := m.WriteFrame(fd); !errors.Is(err, ErrFDUnsupported) {
		t.Fatalf("fd write: %v", err)
	}
	port.mu.Lock()
	n := port.written.Len()
	port.mu.Unlock()
	if n != 4+6+1 {
		t.Fatalf("wrote %d bytes", n)
	}

	done := make(chan error, 1)
	go func() {
		var fr can.Frame
		done <- m.ReadFrame(&fr)
	}()
	_ = m.Close()
	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("read after close: %v", err)
	}
	if err := m.WriteFrame(f(0x1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
}
