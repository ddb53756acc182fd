package transport

import (
	"io"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/cnl"
	"github.com/kstaniek/go-fdcan/internal/emu"
	"github.com/kstaniek/go-fdcan/internal/fdcan"
	"github.com/kstaniek/go-fdcan/internal/serial"
	"github.com/kstaniek/go-fdcan/internal/socketcan"
)

// FrameDecoder decodes a single CAN frame from a stream.
type FrameDecoder interface {
	Decode(r io.Reader) (can.Frame, error)
}

// MultiFrameDecoder drains up to max frames from a stream.
type MultiFrameDecoder interface {
	DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error)
}

// FrameBatchEncoder can encode batches efficiently (either to bytes or directly to writer).
type FrameBatchEncoder interface {
	Encode([]can.Frame) []byte
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}

// FrameSink is a generic CAN frame transmission target.
type FrameSink interface {
	SendFrame(can.Frame) error
}

var (
	_ FrameDecoder      = (*cnl.Codec)(nil)
	_ MultiFrameDecoder = (*cnl.Codec)(nil)
	_ FrameBatchEncoder = (*cnl.Codec)(nil)
	_ FrameSink         = (*AsyncTx)(nil)
	_ Sender            = (*fdcan.Transmitter)(nil)
	_ emu.Medium        = (*serial.Medium)(nil)
	_ emu.Medium        = (*socketcan.Device)(nil)
)
