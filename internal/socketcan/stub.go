//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-fdcan/internal/can"
)

// ErrUnsupported is returned on platforms without SocketCAN.
var ErrUnsupported = errors.New("socketcan: not supported on this platform")

// Device is a placeholder so callers compile on every platform.
type Device struct{}

func Open(string) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) Close() error               { return nil }
func (d *Device) ReadFrame(*can.Frame) error { return ErrUnsupported }
func (d *Device) WriteFrame(can.Frame) error { return ErrUnsupported }
