package emu

import (
	"errors"
	"sync"
	"time"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/metrics"
)

var (
	// ErrClosed is returned by media and peripherals after Close.
	ErrClosed = errors.New("emu: closed")
	// ErrNoAck is returned when a frame is written to a bus with no other node.
	ErrNoAck = errors.New("emu: no node acknowledged the frame")
)

// Medium is the physical side of a controller in Normal mode: a CAN bus
// transceiver, a SocketCAN interface or a serial adapter.
type Medium interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// Bus is an in-process CAN bus. Every frame written by one node is
// delivered to all other attached nodes.
type Bus struct {
	mu     sync.RWMutex
	closed bool
	nodes  map[*busNode]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{nodes: make(map[*busNode]struct{})}
}

// Attach connects a new node to the bus.
func (b *Bus) Attach() Medium {
	n := &busNode{
		bus:    b,
		ch:     make(chan can.Frame, 64),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		n.dead = true
		close(n.closed)
		return n
	}
	b.nodes[n] = struct{}{}
	return n
}

// Close detaches every node.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for n := range b.nodes {
		n.detachLocked()
	}
	b.nodes = nil
	return nil
}

type busNode struct {
	bus    *Bus
	ch     chan can.Frame
	mu     sync.Mutex
	dead   bool
	closed chan struct{}
}

// WriteFrame delivers f to every other node, waiting while a node's
// receive buffer is full.
func (n *busNode) WriteFrame(f can.Frame) error {
	n.mu.Lock()
	dead := n.dead
	n.mu.Unlock()
	if dead {
		return ErrClosed
	}
	n.bus.mu.RLock()
	if n.bus.closed {
		n.bus.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*busNode, 0, len(n.bus.nodes))
	for t := range n.bus.nodes {
		if t != n {
			targets = append(targets, t)
		}
	}
	n.bus.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoAck
	}

	f.Timestamp, f.Marker = time.Time{}, 0
	for _, t := range targets {
		select {
		case t.ch <- f:
		case <-t.closed:
		case <-n.closed:
			return ErrClosed
		}
	}
	metrics.IncMediumTx(metrics.MediumVirtual)
	return nil
}

// ReadFrame waits for the next frame from another node.
func (n *busNode) ReadFrame(f *can.Frame) error {
	select {
	case *f = <-n.ch:
		metrics.IncMediumRx(metrics.MediumVirtual)
		return nil
	case <-n.closed:
		return ErrClosed
	}
}

func (n *busNode) Close() error {
	n.bus.mu.Lock()
	n.detachLocked()
	n.bus.mu.Unlock()
	return nil
}

func (n *busNode) detachLocked() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dead {
		return
	}
	n.dead = true
	close(n.closed)
	if n.bus.nodes != nil {
		delete(n.bus.nodes, n)
	}
}
