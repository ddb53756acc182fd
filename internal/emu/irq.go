package emu

import (
	"context"
	"sync"

	"github.com/kstaniek/go-fdcan/internal/fdcan"
)

// IRQ emulates the interrupt controller for the two FDCAN lines. Each line
// has a pending bit and its own goroutine, so a handler never runs
// concurrently with itself while the two lines run independently.
type IRQ struct {
	mu       sync.Mutex
	handlers [2]func()
	enabled  [2]bool
	pending  [2]chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewIRQ returns a controller with both lines disabled.
func NewIRQ() *IRQ {
	ctx, cancel := context.WithCancel(context.Background())
	q := &IRQ{ctx: ctx, cancel: cancel}
	for i := range q.pending {
		q.pending[i] = make(chan struct{}, 1)
	}
	return q
}

// Bind routes line l to handler. Rebinding an enabled line has no effect.
func (q *IRQ) Bind(l fdcan.Line, handler func()) {
	if l > fdcan.Line1 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.enabled[l] {
		q.handlers[l] = handler
	}
}

// Enable unmasks line l. A request pended while masked is delivered now.
func (q *IRQ) Enable(l fdcan.Line) {
	if l > fdcan.Line1 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enabled[l] || q.handlers[l] == nil || q.ctx.Err() != nil {
		return
	}
	q.enabled[l] = true
	h := q.handlers[l]
	q.wg.Add(1)
	go q.run(l, h)
}

// Pend marks line l pending. Requests coalesce until the handler runs.
func (q *IRQ) Pend(l fdcan.Line) {
	if l > fdcan.Line1 {
		return
	}
	select {
	case q.pending[l] <- struct{}{}:
	default:
	}
}

func (q *IRQ) run(l fdcan.Line, h func()) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.pending[l]:
			h()
		}
	}
}

// Close stops both lines and waits for running handlers to return.
func (q *IRQ) Close() {
	q.cancel()
	q.wg.Wait()
}
