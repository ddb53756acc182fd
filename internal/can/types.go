package can

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

const (
	MaxStandardID = CAN_SFF_MASK
	MaxExtendedID = CAN_EFF_MASK
	MaxClassicLen = 8
	MaxFDLen      = 64
)

var (
	ErrInvalidID      = errors.New("can: identifier out of range")
	ErrPayloadTooLong = errors.New("can: payload too long")
	ErrIllegalLength  = errors.New("can: illegal payload length")
)

// ID is an 11-bit standard or 29-bit extended identifier.
// The zero value is standard id 0.
type ID struct {
	v   uint32
	ext bool
}

// NewStandardID returns an 11-bit identifier.
func NewStandardID(v uint16) (ID, error) {
	if uint32(v) > MaxStandardID {
		return ID{}, fmt.Errorf("%w: standard 0x%X", ErrInvalidID, v)
	}
	return ID{v: uint32(v)}, nil
}

// NewExtendedID returns a 29-bit identifier.
func NewExtendedID(v uint32) (ID, error) {
	if v > MaxExtendedID {
		return ID{}, fmt.Errorf("%w: extended 0x%X", ErrInvalidID, v)
	}
	return ID{v: v, ext: true}, nil
}

// MustStandardID is NewStandardID that panics on error. Intended for constants and tests.
func MustStandardID(v uint16) ID {
	id, err := NewStandardID(v)
	if err != nil {
		panic(err)
	}
	return id
}

// MustExtendedID is NewExtendedID that panics on error.
func MustExtendedID(v uint32) ID {
	id, err := NewExtendedID(v)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) Value() uint32  { return id.v }
func (id ID) Extended() bool { return id.ext }

func (id ID) String() string {
	if id.ext {
		return fmt.Sprintf("%08X", id.v)
	}
	return fmt.Sprintf("%03X", id.v)
}

// Header describes a frame without its payload.
// Len is the declared payload length in bytes (for remote frames, the requested length).
type Header struct {
	ID     ID
	Len    uint8
	Remote bool
	FD     bool
	BRS    bool // bit rate switch, FD only
	ESI    bool // error state indicator, FD only
}

// NewClassicHeader builds a Classic CAN header.
func NewClassicHeader(id ID, length uint8, remote bool) (Header, error) {
	h := Header{ID: id, Len: length, Remote: remote}
	return h, h.Validate()
}

// NewFDHeader builds a CAN FD header.
func NewFDHeader(id ID, length uint8, brs bool) (Header, error) {
	h := Header{ID: id, Len: length, FD: true, BRS: brs}
	return h, h.Validate()
}

// Validate checks the declared length against the frame shape.
func (h Header) Validate() error {
	if !h.FD {
		if h.BRS || h.ESI {
			return fmt.Errorf("%w: BRS/ESI on classic frame", ErrIllegalLength)
		}
		if h.Len > MaxClassicLen {
			return fmt.Errorf("%w: classic %d > %d", ErrPayloadTooLong, h.Len, MaxClassicLen)
		}
		return nil
	}
	if h.Remote {
		return fmt.Errorf("%w: remote frames have no FD format", ErrIllegalLength)
	}
	if h.Len > MaxFDLen {
		return fmt.Errorf("%w: fd %d > %d", ErrPayloadTooLong, h.Len, MaxFDLen)
	}
	if !IsFDLen(int(h.Len)) {
		return fmt.Errorf("%w: fd %d", ErrIllegalLength, h.Len)
	}
	return nil
}

// Frame is a CAN or CAN FD frame as exchanged with the driver queues.
// Only the first Len bytes of Data are valid. Timestamp is set on reception;
// Marker travels with a transmit request into its Tx event.
type Frame struct {
	Header
	Data      [MaxFDLen]byte
	Timestamp time.Time
	Marker    uint8
}

// NewClassicFrame builds a Classic data frame carrying data.
func NewClassicFrame(id ID, data []byte) (Frame, error) {
	if len(data) > MaxClassicLen {
		return Frame{}, fmt.Errorf("%w: classic %d > %d", ErrPayloadTooLong, len(data), MaxClassicLen)
	}
	var f Frame
	f.Header = Header{ID: id, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f, nil
}

// NewRemoteFrame builds a Classic remote request for length bytes.
func NewRemoteFrame(id ID, length uint8) (Frame, error) {
	h, err := NewClassicHeader(id, length, true)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Header: h}, nil
}

// NewFrame builds a frame from a header and a payload whose length must match h.Len.
func NewFrame(h Header, data []byte) (Frame, error) {
	if err := checkPayload(h, data); err != nil {
		return Frame{}, err
	}
	f := Frame{Header: h}
	copy(f.Data[:], data)
	return f, nil
}

func checkPayload(h Header, data []byte) error {
	limit := MaxClassicLen
	if h.FD {
		limit = MaxFDLen
	}
	if len(data) > limit {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLong, len(data), limit)
	}
	if err := h.Validate(); err != nil {
		return err
	}
	if h.Remote {
		if len(data) != 0 {
			return fmt.Errorf("%w: remote frame with payload", ErrIllegalLength)
		}
		return nil
	}
	if int(h.Len) != len(data) {
		return fmt.Errorf("%w: header %d, payload %d", ErrIllegalLength, h.Len, len(data))
	}
	return nil
}

// Payload returns the valid data bytes. Remote frames have none.
func (f *Frame) Payload() []byte {
	if f.Remote {
		return nil
	}
	return f.Data[:f.Len]
}

// CANID returns the SocketCAN-style can_id with EFF/RTR flags.
func (f *Frame) CANID() uint32 {
	id := f.ID.v
	if f.ID.ext {
		id |= CAN_EFF_FLAG
	}
	if f.Remote {
		id |= CAN_RTR_FLAG
	}
	return id
}

// FrameFromCANID builds a frame from a SocketCAN-style can_id and payload.
// fd selects the FD shape; only DLC-representable FD lengths are accepted.
func FrameFromCANID(canid uint32, fd, brs bool, data []byte) (Frame, error) {
	if canid&CAN_ERR_FLAG != 0 {
		return Frame{}, fmt.Errorf("%w: error frame 0x%08X", ErrInvalidID, canid)
	}
	var id ID
	if canid&CAN_EFF_FLAG != 0 {
		id = ID{v: canid & CAN_EFF_MASK, ext: true}
	} else {
		if canid&CAN_EFF_MASK > CAN_SFF_MASK {
			return Frame{}, fmt.Errorf("%w: standard 0x%X", ErrInvalidID, canid&CAN_EFF_MASK)
		}
		id = ID{v: canid & CAN_SFF_MASK}
	}
	remote := canid&CAN_RTR_FLAG != 0
	var f Frame
	if fd {
		if remote {
			return Frame{}, fmt.Errorf("%w: remote frames have no FD format", ErrIllegalLength)
		}
		if len(data) > MaxFDLen {
			return Frame{}, fmt.Errorf("%w: fd %d > %d", ErrPayloadTooLong, len(data), MaxFDLen)
		}
		if _, ok := LenToDLC(len(data)); !ok {
			return Frame{}, fmt.Errorf("%w: fd %d has no DLC", ErrIllegalLength, len(data))
		}
		f.Header = Header{ID: id, Len: uint8(len(data)), FD: true, BRS: brs}
	} else {
		if len(data) > MaxClassicLen {
			return Frame{}, fmt.Errorf("%w: classic %d > %d", ErrPayloadTooLong, len(data), MaxClassicLen)
		}
		f.Header = Header{ID: id, Len: uint8(len(data)), Remote: remote}
		if remote {
			return f, nil
		}
	}
	copy(f.Data[:], data)
	return f, nil
}

// String renders the frame in candump compact form: 123#11223344,
// 123#R for remote requests and 123##1AABB for FD (flags nibble after ##).
func (f Frame) String() string {
	var b strings.Builder
	b.WriteString(f.ID.String())
	b.WriteByte('#')
	if f.FD {
		var flags byte
		if f.BRS {
			flags |= 0x1
		}
		if f.ESI {
			flags |= 0x2
		}
		fmt.Fprintf(&b, "#%X", flags)
	} else if f.Remote {
		b.WriteByte('R')
		return b.String()
	}
	fmt.Fprintf(&b, "%X", f.Data[:f.Len])
	return b.String()
}
