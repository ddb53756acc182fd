package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/metrics"
)

// ErrClosed is returned by a closed Medium.
var ErrClosed = errors.New("serial: medium closed")

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// OpenPort opens a UART. readTimeout bounds each Read so Close is noticed.
func OpenPort(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// Open opens name and wraps it in a Medium.
func Open(name string, baud int, readTimeout time.Duration) (*Medium, error) {
	p, err := OpenPort(name, baud, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return NewMedium(p), nil
}

// Medium carries classic frames over the Ampio UART bridge. One goroutine
// may read while others write.
type Medium struct {
	port   Port
	codec  Codec
	wmu    sync.Mutex
	buf    bytes.Buffer
	queue  []can.Frame
	chunk  []byte
	closed atomic.Bool
}

func NewMedium(p Port) *Medium {
	return &Medium{port: p, chunk: make([]byte, 256)}
}

// ReadFrame returns the next decoded frame, reading the port as needed.
func (m *Medium) ReadFrame(fr *can.Frame) error {
	for len(m.queue) == 0 {
		if m.closed.Load() {
			return ErrClosed
		}
		n, err := m.port.Read(m.chunk)
		if n > 0 {
			m.buf.Write(m.chunk[:n])
			_ = m.codec.DecodeStream(&m.buf, func(f can.Frame) { m.queue = append(m.queue, f) })
		}
		if err != nil {
			if m.closed.Load() {
				return ErrClosed
			}
			if errors.Is(err, io.EOF) {
				// read timeout on tarm/serial
				continue
			}
			metrics.IncError(metrics.ErrSerialRead)
			return err
		}
	}
	*fr = m.queue[0]
	m.queue = m.queue[:copy(m.queue, m.queue[1:])]
	return nil
}

// WriteFrame sends one classic frame. FD and remote frames are rejected.
func (m *Medium) WriteFrame(fr can.Frame) error {
	if m.closed.Load() {
		return ErrClosed
	}
	b, err := m.codec.Encode(fr)
	if err != nil {
		return err
	}
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if _, err := m.port.Write(b); err != nil {
		metrics.IncError(metrics.ErrSerialWrite)
		return fmt.Errorf("serial write: %w", err)
	}
	metrics.IncMediumTx(metrics.MediumSerial)
	return nil
}

func (m *Medium) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return m.port.Close()
}
