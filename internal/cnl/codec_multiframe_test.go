package cnl

import (
	"bytes"
	"io"
	"testing"

	"github.com/kstaniek/go-fdcan/internal/can"
)

// TestDecodeN_MultiFrame verifies DecodeN drains multiple frames from a single buffer.
func TestDecodeN_MultiFrame(t *testing.T) {
	c := Codec{}
	in := []can.Frame{mkFrame(0x10, 8), mkFDFrame(0x11, 32, true), mkFrame(0x12, 0)}
	buf := bytes.NewReader(c.Encode(in))
	var out []can.Frame
	n, err := c.DecodeN(buf, 0, func(f can.Frame) { out = append(out, f) })
	if err != io.EOF && err != nil {
		t.Fatalf("DecodeN err=%v", err)
	}
	if n != len(in) || len(out) != len(in) {
		t.Fatalf("decoded %d collected %d want %d", n, len(out), len(in))
	}
	for i := range in {
		if out[i].CANID() != in[i].CANID() || out[i].Len != in[i].Len || out[i].FD != in[i].FD {
			t.Fatalf("frame %d mismatch", i)
		}
	}
}

func TestDecodeN_Bounded(t *testing.T) {
	c := Codec{}
	in := []can.Frame{mkFrame(0x10, 1), mkFrame(0x11, 2), mkFrame(0x12, 3)}
	buf := bytes.NewReader(c.Encode(in))
	n, err := c.DecodeN(buf, 2, func(can.Frame) {})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	var last can.Frame
	if err := c.DecodeStream(buf, func(f can.Frame) { last = f }); err != nil {
		t.Fatal(err)
	}
	if last.ID.Value() != 0x12 {
		t.Fatalf("last %v", last)
	}
}
