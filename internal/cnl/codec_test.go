package cnl

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/go-fdcan/internal/can"
)

func mkFrame(id uint32, n int) can.Frame {
	n = min(max(n, 0), can.MaxClassicLen)
	data := make([]byte, n)
	rand.Read(data)
	f, err := can.NewClassicFrame(can.MustExtendedID(id&can.CAN_EFF_MASK), data)
	if err != nil {
		panic(err)
	}
	return f
}

func mkFDFrame(id uint32, n int, brs bool) can.Frame {
	data := make([]byte, n)
	rand.Read(data)
	f, err := can.FrameFromCANID(id&can.CAN_SFF_MASK, true, brs, data)
	if err != nil {
		panic(err)
	}
	return f
}

func TestCNLCodec_RoundTrip(t *testing.T) {
	codec := Codec{}
	esi := mkFDFrame(0x7FF, 12, false)
	esi.ESI = true
	rtr, _ := can.NewRemoteFrame(can.MustStandardID(0x55), 4)
	in := []can.Frame{
		mkFrame(0x1E5A, 8),
		mkFrame(0x1F55, 6),
		mkFrame(0x12345, 0),
		mkFDFrame(0x100, 64, true),
		mkFDFrame(0x101, 20, false),
		mkFDFrame(0x102, 0, true),
		esi,
		rtr,
	}

	wire := codec.Encode(in)
	var out []can.Frame
	br := bytes.NewReader(wire)
	n, err := codec.DecodeN(br, 0, func(f can.Frame) { out = append(out, f) })
	if err != io.EOF && err != nil {
		t.Fatalf("DecodeN unexpected err: %v", err)
	}
	if n != len(in) || len(out) != len(in) {
		t.Fatalf("decoded %d collected %d, want %d", n, len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("frame %d mismatch: got %v want %v", i, out[i], in[i])
		}
	}
}

func TestCNLCodec_WireLayout(t *testing.T) {
	codec := Codec{}
	f, _ := can.FrameFromCANID(0x123, true, true, make([]byte, 12))
	f.Data[0] = 0xAA
	wire := codec.Encode([]can.Frame{f})
	want := []byte{0x00, 0x00, 0x01, 0x23, 0x80 | 12, flagBRS, 0xAA}
	if len(wire) != 4+1+1+12 || !bytes.Equal(wire[:len(want)], want) {
		t.Fatalf("wire % X", wire)
	}

	c, _ := can.NewClassicFrame(can.MustExtendedID(0x1ABCDEF), []byte{1, 2})
	wire = codec.Encode([]can.Frame{c})
	if !bytes.Equal(wire, []byte{0x81, 0xAB, 0xCD, 0xEF, 2, 1, 2}) {
		t.Fatalf("classic wire % X", wire)
	}
}

func TestCNLCodec_EncodeToMatchesEncode(t *testing.T) {
	codec := Codec{}
	frames := []can.Frame{mkFrame(0x10, 8), mkFrame(0x11, 3), mkFDFrame(0x12, 48, true)}
	a := codec.Encode(frames)
	var buf bytes.Buffer
	n, err := codec.EncodeTo(&buf, frames)
	if err != nil {
		t.Fatalf("EncodeTo error: %v", err)
	}
	if n != buf.Len() {
		t.Fatalf("EncodeTo reported %d bytes, wrote %d", n, buf.Len())
	}
	if !bytes.Equal(a, buf.Bytes()) {
		t.Fatalf("Encode vs EncodeTo mismatch\nenc=% X\nencTo=% X", a, buf.Bytes())
	}
}

func TestCNLCodec_DecodeErrors(t *testing.T) {
	codec := Codec{}
	tests := []struct {
		name string
		wire []byte
		want error
	}{
		{"classic_len_9", []byte{0, 0, 0, 1, 0x09}, ErrInvalidLength},
		{"fd_len_65", []byte{0, 0, 0, 1, 0x80 | 65, 0}, ErrInvalidLength},
		{"fd_len_no_dlc", append([]byte{0, 0, 0, 1, 0x80 | 13, 0}, make([]byte, 13)...), ErrInvalidLength},
		{"truncated_payload", []byte{0, 0, 0, 2, 0x05, 1, 2, 3}, ErrTruncatedFrame},
		{"truncated_flags", []byte{0, 0, 0, 2, 0x88}, ErrTruncatedFrame},
		{"truncated_len", []byte{0, 0, 0, 2}, ErrTruncatedFrame},
		{"truncated_id", []byte{0, 0}, ErrTruncatedFrame},
		{"bad_standard_id", []byte{0, 0, 0x08, 0, 0}, can.ErrInvalidID},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := codec.Decode(bytes.NewReader(tc.wire)); !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
		})
	}
}

func TestCNLCodec_DecodeCleanEOF(t *testing.T) {
	codec := Codec{}
	if _, err := codec.Decode(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("got %v want io.EOF", err)
	}
}
