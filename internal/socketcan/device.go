//go:build linux

// Package socketcan is a CAN FD raw socket medium for the emulated controller.
package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/metrics"
)

// Device is a raw CAN socket bound to one interface with FD frames enabled.
// Reads go through the runtime poller so Close unblocks a pending ReadFrame.
type Device struct {
	f     *os.File
	iface string
}

func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("enable CAN FD on %s: %w", iface, err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("nonblock(can@%s): %w", iface, err)
	}
	return &Device{f: os.NewFile(uintptr(fd), "can@"+iface), iface: iface}, nil
}

func (d *Device) Close() error { return d.f.Close() }

// ReadFrame reads the next classic or FD frame. Frames that cannot be
// represented (error frames, bad lengths) are counted and skipped.
func (d *Device) ReadFrame(fr *can.Frame) error {
	// struct canfd_frame (linux/can.h), host byte order:
	//   can_id u32 [0:4], len u8 [4], flags u8 [5], res [6:8], data [8:72]
	// struct can_frame shares the layout with 8 data bytes.
	var buf [unix.CANFD_MTU]byte
	for {
		n, err := d.f.Read(buf[:])
		if err != nil {
			return err
		}
		var fd bool
		switch n {
		case unix.CAN_MTU:
		case unix.CANFD_MTU:
			fd = true
		default:
			metrics.IncMalformed()
			continue
		}
		canid := binary.NativeEndian.Uint32(buf[0:4])
		ln := int(buf[4])
		if ln > n-8 {
			metrics.IncMalformed()
			continue
		}
		if !fd && canid&can.CAN_RTR_FLAG != 0 {
			f, err := can.FrameFromCANID(canid, false, false, nil)
			if err != nil {
				metrics.IncMalformed()
				continue
			}
			f.Len = uint8(ln)
			*fr = f
		} else {
			f, err := can.FrameFromCANID(canid, fd, buf[5]&unix.CANFD_BRS != 0, buf[8:8+ln])
			if err != nil {
				metrics.IncMalformed()
				continue
			}
			f.ESI = fd && buf[5]&unix.CANFD_ESI != 0
			*fr = f
		}
		metrics.IncMediumRx(metrics.MediumSocketCAN)
		return nil
	}
}

// WriteFrame writes fr as can_frame or canfd_frame depending on its format.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [unix.CANFD_MTU]byte
	binary.NativeEndian.PutUint32(buf[0:4], fr.CANID())
	buf[4] = fr.Len
	size := unix.CAN_MTU
	if fr.FD {
		size = unix.CANFD_MTU
		if fr.BRS {
			buf[5] |= unix.CANFD_BRS
		}
		if fr.ESI {
			buf[5] |= unix.CANFD_ESI
		}
	}
	copy(buf[8:], fr.Payload())
	if _, err := d.f.Write(buf[:size]); err != nil {
		metrics.IncError(metrics.ErrSocketCANWrite)
		return fmt.Errorf("write can@%s: %w", d.iface, err)
	}
	metrics.IncMediumTx(metrics.MediumSocketCAN)
	return nil
}
