package can

import (
	"encoding/binary"
	"fmt"
)

// FDCAN message RAM element layouts (Bosch M_CAN). Word 0 is shared by
// Tx buffer, Rx FIFO and Tx event elements; data words are little endian.
const (
	elemESI     = 1 << 31
	elemXTD     = 1 << 30
	elemRTR     = 1 << 29
	elemIDMask  = 0x1FFFFFFF
	elemStdSh   = 18
	elemDLCSh   = 16
	elemDLCMask = 0xF << elemDLCSh
	elemBRS     = 1 << 20
	elemFDF     = 1 << 21
	elemEFC     = 1 << 23 // Tx buffer: store Tx event
	elemETSh    = 22      // Tx event: event type
	elemMMSh    = 24      // message marker
	elemTSMask  = 0xFFFF
	rxFIDXSh    = 24
	rxFIDXMask  = 0x7F << rxFIDXSh
	rxANMF      = 1 << 31

	elemDataWords = MaxFDLen / 4
)

// Tx event types (E1.ET).
const (
	EventTx          = 0x1 // transmitted
	EventTxCancelled = 0x2 // transmitted in spite of cancellation
)

// TxElement is a Tx buffer element (T0, T1, data).
type TxElement struct {
	T0, T1 uint32
	Data   [elemDataWords]uint32
}

// RxElement is an Rx FIFO element (R0, R1, data).
type RxElement struct {
	R0, R1 uint32
	Data   [elemDataWords]uint32
}

// TxEventElement is a Tx event FIFO element (E0, E1).
type TxEventElement struct {
	E0, E1 uint32
}

// Encode validates h against payload and produces a Tx buffer element.
// storeEvent sets EFC so the controller records a Tx event carrying marker.
func Encode(h Header, payload []byte, marker uint8, storeEvent bool) (TxElement, error) {
	var el TxElement
	if err := checkPayload(h, payload); err != nil {
		return el, err
	}
	dlc, ok := LenToDLC(int(h.Len))
	if !ok {
		return el, fmt.Errorf("%w: %d has no DLC", ErrIllegalLength, h.Len)
	}
	el.T0 = word0(h)
	el.T1 = uint32(marker)<<elemMMSh | uint32(dlc)<<elemDLCSh | shapeBits(h)
	if storeEvent {
		el.T1 |= elemEFC
	}
	if !h.Remote {
		packData(&el.Data, payload)
	}
	return el, nil
}

// EncodeFrame is Encode for a whole frame, using f.Marker.
func EncodeFrame(f *Frame, storeEvent bool) (TxElement, error) {
	return Encode(f.Header, f.Payload(), f.Marker, storeEvent)
}

func word0(h Header) uint32 {
	var w uint32
	if h.ID.ext {
		w = elemXTD | h.ID.v&elemIDMask
	} else {
		w = (h.ID.v & CAN_SFF_MASK) << elemStdSh
	}
	if h.Remote {
		w |= elemRTR
	}
	if h.ESI {
		w |= elemESI
	}
	return w
}

func shapeBits(h Header) uint32 {
	var w uint32
	if h.FD {
		w |= elemFDF
	}
	if h.BRS {
		w |= elemBRS
	}
	return w
}

func parseWord0(w uint32) (ID, bool, bool) {
	var id ID
	if w&elemXTD != 0 {
		id = ID{v: w & elemIDMask, ext: true}
	} else {
		id = ID{v: (w >> elemStdSh) & CAN_SFF_MASK}
	}
	return id, w&elemRTR != 0, w&elemESI != 0
}

func parseHeader(w0, w1 uint32) Header {
	id, remote, esi := parseWord0(w0)
	fd := w1&elemFDF != 0
	h := Header{
		ID:     id,
		Len:    DLCToLen(uint8((w1&elemDLCMask)>>elemDLCSh), fd),
		Remote: remote && !fd,
		FD:     fd,
	}
	if fd {
		h.BRS = w1&elemBRS != 0
		h.ESI = esi
	}
	return h
}

func packData(dst *[elemDataWords]uint32, src []byte) {
	var buf [MaxFDLen]byte
	copy(buf[:], src)
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
}

func unpackData(dst *[MaxFDLen]byte, src *[elemDataWords]uint32, n uint8) {
	words := (int(n) + 3) / 4
	for i := 0; i < words; i++ {
		binary.LittleEndian.PutUint32(dst[i*4:], src[i])
	}
	for i := int(n); i < words*4; i++ {
		dst[i] = 0
	}
}

// DecodeRx converts an Rx FIFO element into a frame. The controller only
// stores well-formed frames, so decoding cannot fail.
func DecodeRx(el *RxElement) Frame {
	var f Frame
	f.Header = parseHeader(el.R0, el.R1)
	if !f.Remote {
		unpackData(&f.Data, &el.Data, f.Len)
	}
	return f
}

// DecodeTx recovers the frame held in a Tx buffer element, marker included.
func DecodeTx(el *TxElement) Frame {
	var f Frame
	f.Header = parseHeader(el.T0, el.T1)
	f.Marker = uint8(el.T1 >> elemMMSh)
	if !f.Remote {
		unpackData(&f.Data, &el.Data, f.Len)
	}
	return f
}

// DecodeTxEvent returns the header and marker of a Tx event element.
func DecodeTxEvent(el TxEventElement) (Header, uint8) {
	return parseHeader(el.E0, el.E1), uint8(el.E1 >> elemMMSh)
}

// StoreEvent reports whether the element requests a Tx event (EFC).
func (el *TxElement) StoreEvent() bool { return el.T1&elemEFC != 0 }

// ClearBRS drops the bit rate switch request; the frame is sent at the
// nominal rate throughout.
func (el *TxElement) ClearBRS() { el.T1 &^= elemBRS }

// Marker returns the message marker of a Tx buffer element.
func (el *TxElement) Marker() uint8 { return uint8(el.T1 >> elemMMSh) }

// Timestamp returns the 16-bit RXTS counter value.
func (el *RxElement) Timestamp() uint16 { return uint16(el.R1 & elemTSMask) }

// FilterIndex returns FIDX and whether the frame matched no filter (ANMF).
func (el *RxElement) FilterIndex() (uint8, bool) {
	return uint8((el.R1 & rxFIDXMask) >> rxFIDXSh), el.R1&rxANMF != 0
}

// Timestamp returns the 16-bit TXTS counter value.
func (el TxEventElement) Timestamp() uint16 { return uint16(el.E1 & elemTSMask) }

// EventType returns E1.ET.
func (el TxEventElement) EventType() uint8 { return uint8(el.E1>>elemETSh) & 0x3 }

// RxFromTx builds the Rx element a controller stores when it receives its
// own transmission (internal loopback).
func RxFromTx(el *TxElement, ts uint16) RxElement {
	return RxElement{
		R0:   el.T0,
		R1:   el.T1&(elemFDF|elemBRS|elemDLCMask) | rxANMF | uint32(ts),
		Data: el.Data,
	}
}

// RxFromFrame builds the Rx element for a frame received from the bus.
// The frame is trusted to be well formed; lengths without a DLC round down.
func RxFromFrame(f *Frame, ts uint16) RxElement {
	n := f.Len
	if n > MaxFDLen {
		n = MaxFDLen
	}
	dlc, ok := LenToDLC(int(n))
	for !ok {
		n--
		dlc, ok = LenToDLC(int(n))
	}
	el := RxElement{
		R0: word0(f.Header),
		R1: uint32(dlc)<<elemDLCSh | shapeBits(f.Header) | rxANMF | uint32(ts),
	}
	if !f.Remote {
		packData(&el.Data, f.Data[:n])
	}
	return el
}

// TxEventFromTx builds the Tx event element recorded after el is sent.
func TxEventFromTx(el *TxElement, ts uint16) TxEventElement {
	e1 := el.T1&(0xFF<<elemMMSh|elemFDF|elemBRS|elemDLCMask) | EventTx<<elemETSh | uint32(ts)
	return TxEventElement{E0: el.T0, E1: e1}
}
