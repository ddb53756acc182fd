// Package serial is a classic CAN medium over the Ampio UART bridge.
package serial

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/metrics"
)

const (
	pre0 = 0x2D
	pre1 = 0xD4

	insSendExt = 2 // INS: CAN UART SEND WITH EXT ID

	// ln covers the data bytes plus the checksum; received data is ID(4)|PAYLOAD.
	rxMinLn = 4 + 0 + 1
	rxMaxLn = 4 + can.MaxClassicLen + 1
)

var (
	// ErrFDUnsupported is returned for FD frames; the bridge is classic only.
	ErrFDUnsupported = errors.New("serial: CAN FD frames not supported")
	// ErrRemoteUnsupported is returned for remote frames.
	ErrRemoteUnsupported = errors.New("serial: remote frames not supported")
)

type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// envelope wraps data as [0x2D, 0xD4, len+1, data..., checksum] where
// checksum = (len+1) + 0x2D + sum(data) (mod 256).
func envelope(data []byte) []byte {
	n := len(data)
	out := make([]byte, n+4)
	out[0] = pre0
	out[1] = pre1
	out[2] = byte(n + 1)
	sum := out[2] + pre0
	for i, b := range data {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode builds the UART send command for a classic data frame. The bridge
// always transmits the identifier as given; standard IDs go out unchanged in
// value.
func (Codec) Encode(f can.Frame) ([]byte, error) {
	switch {
	case f.FD:
		return nil, fmt.Errorf("%w: %s", ErrFDUnsupported, f)
	case f.Remote:
		return nil, fmt.Errorf("%w: %s", ErrRemoteUnsupported, f)
	case f.Len > can.MaxClassicLen:
		return nil, fmt.Errorf("%w: %d", can.ErrPayloadTooLong, f.Len)
	}
	cmd := make([]byte, 6+f.Len) // INS(1) + FLAGS(1) + ID(4) + PAYLOAD(0..8)
	cmd[0] = insSendExt
	cmd[1] = 0x80 | f.Len
	binary.BigEndian.PutUint32(cmd[2:6], f.ID.Value())
	copy(cmd[6:], f.Payload())
	return envelope(cmd), nil
}

// DecodeStream consumes complete frames from in and emits them via out.
// Partial input is left in the buffer for the next call.
//
// Example frame (DLC=8):
//
//	2D D4 - preamble
//	0D    - len = 13 = can_id(4) + payload(8) + checksum(1)
//	00 00 00 02 - CAN ID = 0x00000002 (extended)
//	FE 10 19 09 19 04 01 20 - payload
//	AA    - checksum = 0x2D + len + sum(data bytes after len)
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	header := []byte{pre0, pre1}
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 3 {
			return nil
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// keep the last byte in case it is the first preamble byte
			last := data[len(data)-1]
			in.Reset()
			_ = in.WriteByte(last)
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < rxMinLn || ln > rxMaxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return nil
		}
		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		id := binary.BigEndian.Uint32(data[3:7]) & can.CAN_EFF_MASK
		f, err := can.NewClassicFrame(can.MustExtendedID(id), data[7:req-1])
		in.Next(req)
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		metrics.IncMediumRx(metrics.MediumSerial)
		out(f)
	}
}
