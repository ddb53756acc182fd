package fdcan

import "fmt"

// ErrorCode is the last error code field (PSR.LEC / PSR.DLEC).
type ErrorCode uint8

const (
	ErrorNone     ErrorCode = 0
	ErrorStuff    ErrorCode = 1
	ErrorForm     ErrorCode = 2
	ErrorAck      ErrorCode = 3
	ErrorBit1     ErrorCode = 4
	ErrorBit0     ErrorCode = 5
	ErrorCRC      ErrorCode = 6
	ErrorNoChange ErrorCode = 7
)

var errorCodeNames = [...]string{"none", "stuff", "form", "ack", "bit1", "bit0", "crc", "no_change"}

func (c ErrorCode) String() string {
	if int(c) < len(errorCodeNames) {
		return errorCodeNames[c]
	}
	return fmt.Sprintf("code(%d)", uint8(c))
}

// IsError reports whether c describes an actual protocol error.
func (c ErrorCode) IsError() bool { return c != ErrorNone && c != ErrorNoChange && c < 8 }

// Status is a snapshot of the protocol status and error counter registers.
type Status struct {
	TxErrors      uint8 // TEC
	RxErrors      uint8 // REC
	ErrorWarning  bool
	ErrorPassive  bool
	BusOff        bool
	LastError     ErrorCode // arbitration phase
	DataLastError ErrorCode // FD data phase
}

// Status is kept packed in one word so the bridge can publish it with a
// single atomic store.
const (
	stWarning = 1 << 16
	stPassive = 1 << 17
	stBusOff  = 1 << 18
	stLECSh   = 20
	stDLECSh  = 24
)

func (s Status) pack() uint64 {
	w := uint64(s.TxErrors) | uint64(s.RxErrors)<<8
	if s.ErrorWarning {
		w |= stWarning
	}
	if s.ErrorPassive {
		w |= stPassive
	}
	if s.BusOff {
		w |= stBusOff
	}
	w |= uint64(s.LastError&0x7)<<stLECSh | uint64(s.DataLastError&0x7)<<stDLECSh
	return w
}

func unpackStatus(w uint64) Status {
	return Status{
		TxErrors:      uint8(w),
		RxErrors:      uint8(w >> 8),
		ErrorWarning:  w&stWarning != 0,
		ErrorPassive:  w&stPassive != 0,
		BusOff:        w&stBusOff != 0,
		LastError:     ErrorCode(w>>stLECSh) & 0x7,
		DataLastError: ErrorCode(w>>stDLECSh) & 0x7,
	}
}

// State names the fault confinement state.
func (s Status) State() string {
	switch {
	case s.BusOff:
		return "bus_off"
	case s.ErrorPassive:
		return "error_passive"
	case s.ErrorWarning:
		return "error_warning"
	default:
		return "error_active"
	}
}
