package fdcan

import (
	"errors"
	"fmt"
)

var (
	// ErrConsumed is returned by a handle that was already turned into another
	// handle (mode transition or split).
	ErrConsumed = errors.New("fdcan: handle consumed")
	// ErrBitrateNotSet is returned when leaving Configuration without a nominal bit rate.
	ErrBitrateNotSet = errors.New("fdcan: nominal bit rate not set")
	// ErrCommit wraps a hardware refusal to latch the configuration.
	ErrCommit = errors.New("fdcan: configuration commit failed")
	// ErrFrame is wrapped by HardwareFrameError.
	ErrFrame = errors.New("fdcan: frame error")
	// ErrRxOverflow is wrapped by OverflowError.
	ErrRxOverflow = errors.New("fdcan: rx fifo overflow")
	// ErrBusOff is reported by Control while the controller is bus-off.
	ErrBusOff = errors.New("fdcan: bus off")
	// ErrNotBusOff is returned by RecoverBusOff when there is nothing to recover.
	ErrNotBusOff = errors.New("fdcan: not bus off")
	// ErrFDDisabled is returned when sending an FD frame without FD operation enabled.
	ErrFDDisabled = errors.New("fdcan: fd frame while fd operation disabled")
	// ErrTxEventLost is returned once by the Tx event listener after the Tx
	// event FIFO overflowed.
	ErrTxEventLost = errors.New("fdcan: tx event fifo overflow")
)

// HardwareFrameError is a protocol error the controller reported on the bus.
// It is delivered in receive order and does not end the stream.
type HardwareFrameError struct {
	Code      ErrorCode
	DataPhase bool
}

func (e *HardwareFrameError) Error() string {
	if e.DataPhase {
		return fmt.Sprintf("fdcan: %s error in data phase", e.Code)
	}
	return fmt.Sprintf("fdcan: %s error", e.Code)
}

func (e *HardwareFrameError) Unwrap() error { return ErrFrame }

// OverflowError reports that the Rx FIFO lost frames since the previous receive.
// Lost counts overflow notifications; each stands for at least one frame.
type OverflowError struct {
	Lost uint32
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("fdcan: rx fifo overflow (%d)", e.Lost)
}

func (e *OverflowError) Unwrap() error { return ErrRxOverflow }
