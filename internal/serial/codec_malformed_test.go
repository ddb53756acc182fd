package serial

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/metrics"
)

func TestDecodeStreamMalformed(t *testing.T) {
	tests := []struct {
		name  string
		wire  func() []byte
		valid int
	}{
		{"bad_checksum", func() []byte {
			w := rxWire(1, []byte{0xAA})
			w[len(w)-1] ^= 0xFF
			return w
		}, 0},
		{"length_too_long", func() []byte {
			return []byte{pre0, pre1, rxMaxLn + 1, 0, 0, 0, 0}
		}, 0},
		{"garbage_then_frame", func() []byte {
			return append([]byte{pre0, pre1, 0x01, 0x77}, rxWire(7, []byte{1, 2})...)
		}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			before := metrics.Snap().Malformed
			buf.Write(tc.wire())
			var n int
			if err := (Codec{}).DecodeStream(&buf, func(can.Frame) { n++ }); err != nil {
				t.Fatalf("DecodeStream error: %v", err)
			}
			if after := metrics.Snap().Malformed; after <= before {
				t.Fatalf("expected malformed metric increment, before=%d after=%d", before, after)
			}
			if n != tc.valid {
				t.Fatalf("decoded %d frames, want %d", n, tc.valid)
			}
		})
	}
}
