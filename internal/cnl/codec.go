// Package cnl implements the cannelloni TCP framing extended for CAN FD.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/metrics"
)

const (
	// lenFDFlag marks an FD frame in the length byte.
	lenFDFlag = 0x80
	flagBRS   = 0x01
	flagESI   = 0x02

	maxFrameSize = 4 + 1 + 1 + can.MaxFDLen
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

// ErrInvalidLength is returned when a frame length is not valid for its format.
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("cannelloni: truncated frame")

// Encode packs frames into a single cannelloni packet (DATA).
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (4 + 1 + 8))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns bytes written.
// Each frame is encoded as: 4-byte BE can_id, length byte (bit 7 set for FD),
// a flags byte for FD frames, then the payload. Remote frames carry no payload.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var b [maxFrameSize]byte
	for i := range frames {
		f := &frames[i]
		binary.BigEndian.PutUint32(b[:4], f.CANID())
		n := 5
		b[4] = f.Len & 0x7F
		if f.FD {
			b[4] |= lenFDFlag
			var flags byte
			if f.BRS {
				flags |= flagBRS
			}
			if f.ESI {
				flags |= flagESI
			}
			b[5] = flags
			n++
		}
		n += copy(b[n:], f.Payload())
		wn, err := w.Write(b[:n])
		total += wn
		if err != nil {
			return total, fmt.Errorf("cannelloni encode %s: %w", f.ID, err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return can.Frame{}, fmt.Errorf("cannelloni decode id: %w", ErrTruncatedFrame)
		}
		return can.Frame{}, err
	}
	if err := readRest(r, hdr[4:5], "len"); err != nil {
		return can.Frame{}, err
	}
	canid := binary.BigEndian.Uint32(hdr[:4])
	fd := hdr[4]&lenFDFlag != 0
	ln := int(hdr[4] & 0x7F)
	var flags byte
	if fd {
		var fb [1]byte
		if err := readRest(r, fb[:], "flags"); err != nil {
			return can.Frame{}, err
		}
		flags = fb[0]
	}
	remote := !fd && canid&can.CAN_RTR_FLAG != 0
	switch {
	case !fd && ln > can.MaxClassicLen, fd && ln > can.MaxFDLen:
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	var payload [can.MaxFDLen]byte
	if !remote && ln > 0 {
		if err := readRest(r, payload[:ln], "payload"); err != nil {
			return can.Frame{}, err
		}
	}
	var f can.Frame
	var err error
	if remote {
		f, err = can.FrameFromCANID(canid, false, false, nil)
		f.Len = uint8(ln)
	} else {
		f, err = can.FrameFromCANID(canid, fd, flags&flagBRS != 0, payload[:ln])
	}
	if err != nil {
		metrics.IncMalformed()
		if errors.Is(err, can.ErrIllegalLength) || errors.Is(err, can.ErrPayloadTooLong) {
			return can.Frame{}, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
		}
		return can.Frame{}, fmt.Errorf("cannelloni decode: %w", err)
	}
	f.ESI = fd && flags&flagESI != 0
	return f, nil
}

// readRest fills p after a frame has started; any EOF is a truncation.
func readRest(r io.Reader, p []byte, what string) error {
	if _, err := io.ReadFull(r, p); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			metrics.IncMalformed()
			return fmt.Errorf("cannelloni decode %s: %w", what, ErrTruncatedFrame)
		}
		return fmt.Errorf("cannelloni decode %s: %w", what, err)
	}
	return nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}

// DecodeStream decodes a single frame and hands it to onFrame.
func (c *Codec) DecodeStream(r io.Reader, onFrame func(can.Frame)) error {
	fr, err := c.Decode(r)
	if err != nil {
		return err
	}
	onFrame(fr)
	return nil
}
