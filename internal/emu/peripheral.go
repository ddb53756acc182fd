// Package emu emulates an FDCAN controller (message RAM FIFOs, bus timing,
// error confinement and both interrupt lines) so the driver runs on a host.
package emu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/fdcan"
	"github.com/kstaniek/go-fdcan/internal/logging"
)

const (
	DefaultKernelClock = 96_000_000
	DefaultDepth       = 3

	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond

	// fault confinement thresholds
	warningLimit = 96
	passiveLimit = 128
	busOffLimit  = 255
	maxREC       = 127
)

var (
	ErrStarted    = errors.New("emu: controller already started")
	ErrNotStarted = errors.New("emu: controller not started")
	ErrTxFull     = errors.New("emu: tx fifo full")
	ErrNoMedium   = errors.New("emu: normal mode requires a medium")
	ErrBadMode    = errors.New("emu: unsupported operating mode")
)

// Option configures a Peripheral.
type Option func(*Peripheral)

// WithKernelClock sets the clock delivered to the controller.
func WithKernelClock(hz uint32) Option { return func(p *Peripheral) { p.clockHz = hz } }

// WithDepths sets the message RAM FIFO sizes.
func WithDepths(d fdcan.Depths) Option { return func(p *Peripheral) { p.depths = d } }

// WithMedium attaches the bus used in Normal mode. The peripheral owns it
// and closes it on Close.
func WithMedium(m Medium) Option { return func(p *Peripheral) { p.medium = m } }

// WithFrameTime fixes the time each transmission occupies the bus instead
// of deriving it from the bit timing.
func WithFrameTime(d time.Duration) Option { return func(p *Peripheral) { p.frameTime = d } }

// WithLogger sets the logger for medium errors.
func WithLogger(l *slog.Logger) Option { return func(p *Peripheral) { p.logger = l } }

// Peripheral is an emulated FDCAN instance implementing fdcan.Hardware.
type Peripheral struct {
	mu        sync.Mutex
	clockHz   uint32
	depths    fdcan.Depths
	medium    Medium
	frameTime time.Duration
	logger    *slog.Logger
	irq       *IRQ

	settings fdcan.Settings
	started  bool
	closed   bool
	epoch    time.Time

	tx     []can.TxElement
	rx     []can.RxElement
	events []can.TxEventElement
	freed  int
	flags  fdcan.Interrupts

	tec, rec         int
	lec, dlec        fdcan.ErrorCode
	warning, passive bool
	busOff           bool

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped controller in INIT with its interrupt controller.
func New(opts ...Option) *Peripheral {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peripheral{
		clockHz: DefaultKernelClock,
		depths:  fdcan.Depths{Tx: DefaultDepth, Rx: DefaultDepth, TxEvent: DefaultDepth},
		logger:  logging.L(),
		irq:     NewIRQ(),
		kick:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(p)
	}
	p.depths.Tx = max(p.depths.Tx, 1)
	p.depths.Rx = max(p.depths.Rx, 1)
	p.depths.TxEvent = max(p.depths.TxEvent, 1)
	return p
}

// IRQ returns the interrupt controller wired to this peripheral.
func (p *Peripheral) IRQ() *IRQ { return p.irq }

func (p *Peripheral) KernelClock() uint32 { return p.clockHz }

func (p *Peripheral) Depths() fdcan.Depths { return p.depths }

// Commit latches s and leaves INIT. Configuration is write-protected
// afterwards, as with CCCR.CCE cleared.
func (p *Peripheral) Commit(s fdcan.Settings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return ErrClosed
	case p.started:
		return ErrStarted
	}
	if err := s.Timing.Validate(p.clockHz); err != nil {
		return err
	}
	switch s.Mode {
	case fdcan.ModeInternalLoopback:
	case fdcan.ModeNormal:
		if p.medium == nil {
			return ErrNoMedium
		}
	default:
		return fmt.Errorf("%w: %s", ErrBadMode, s.Mode)
	}
	p.settings = s
	p.started = true
	p.epoch = time.Now()
	p.wg.Add(1)
	go p.transmitLoop()
	if s.Mode == fdcan.ModeNormal {
		p.wg.Add(1)
		go p.receiveLoop()
	}
	return nil
}

func (p *Peripheral) PutTx(el can.TxElement) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.closed {
		return ErrNotStarted
	}
	if len(p.tx) >= p.depths.Tx {
		return ErrTxFull
	}
	p.tx = append(p.tx, el)
	select {
	case p.kick <- struct{}{}:
	default:
	}
	return nil
}

func (p *Peripheral) TxCompleted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.freed
	p.freed = 0
	return n
}

func (p *Peripheral) GetRx() (can.RxElement, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rx) == 0 {
		return can.RxElement{}, false
	}
	el := p.rx[0]
	p.rx = p.rx[:copy(p.rx, p.rx[1:])]
	return el, true
}

func (p *Peripheral) GetTxEvent() (can.TxEventElement, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return can.TxEventElement{}, false
	}
	el := p.events[0]
	p.events = p.events[:copy(p.events, p.events[1:])]
	return el, true
}

func (p *Peripheral) Flags(l fdcan.Line) fdcan.Interrupts {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.flags & fdcan.LineMask(l)
	p.flags &^= f
	return f
}

func (p *Peripheral) Status() fdcan.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fdcan.Status{
		TxErrors:      uint8(min(p.tec, busOffLimit)),
		RxErrors:      uint8(min(p.rec, maxREC)),
		ErrorWarning:  p.warning,
		ErrorPassive:  p.passive,
		BusOff:        p.busOff,
		LastError:     p.lec,
		DataLastError: p.dlec,
	}
}

// RecoverBusOff clears bus-off and resumes transmission of queued frames.
func (p *Peripheral) RecoverBusOff() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.closed {
		return ErrNotStarted
	}
	if !p.busOff {
		return nil
	}
	p.busOff = false
	p.tec, p.rec = 0, 0
	p.raise(p.confine())
	select {
	case p.kick <- struct{}{}:
	default:
	}
	return nil
}

// Inject delivers f as if it had been received from the bus.
func (p *Peripheral) Inject(f can.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.closed {
		return ErrNotStarted
	}
	p.receiveLocked(&f)
	return nil
}

// InjectProtocolError records a protocol error as the bus would cause it.
func (p *Peripheral) InjectProtocolError(code fdcan.ErrorCode, dataPhase bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.protocolErrorLocked(code, dataPhase)
	p.rec = min(p.rec+1, passiveLimit)
	p.raise(p.confine())
}

// InjectBusOff drives the transmit error counter past the bus-off limit.
func (p *Peripheral) InjectBusOff() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tec = busOffLimit + 1
	p.raise(p.confine())
}

// Close stops the controller, its interrupt lines and the medium.
func (p *Peripheral) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	var err error
	if p.medium != nil {
		err = p.medium.Close()
	}
	p.wg.Wait()
	p.irq.Close()
	return err
}

func (p *Peripheral) timestamp() uint16 {
	return uint16(time.Since(p.epoch) / time.Microsecond)
}

// raise sets flags and pends the lines they are routed to. Called with mu held.
func (p *Peripheral) raise(f fdcan.Interrupts) {
	if f == 0 {
		return
	}
	p.flags |= f
	for _, l := range []fdcan.Line{fdcan.Line0, fdcan.Line1} {
		if f&fdcan.LineMask(l) != 0 {
			p.irq.Pend(l)
		}
	}
}

// confine updates the fault confinement state from the error counters and
// returns the status change interrupts.
func (p *Peripheral) confine() fdcan.Interrupts {
	var f fdcan.Interrupts
	warning := p.tec >= warningLimit || p.rec >= warningLimit
	passive := p.tec >= passiveLimit || p.rec >= passiveLimit
	if warning != p.warning {
		f |= fdcan.IntErrorWarning
	}
	if passive != p.passive {
		f |= fdcan.IntErrorPassive
	}
	p.warning, p.passive = warning, passive
	if p.tec > busOffLimit && !p.busOff {
		p.busOff = true
		f |= fdcan.IntBusOff
	}
	return f
}

func (p *Peripheral) protocolErrorLocked(code fdcan.ErrorCode, dataPhase bool) {
	if dataPhase {
		p.dlec = code
	} else {
		p.lec = code
	}
	p.raise(fdcan.IntProtocolError)
}

// receiveLocked stores a frame from the bus in Rx FIFO 0.
func (p *Peripheral) receiveLocked(f *can.Frame) {
	if f.FD && !p.settings.Timing.FD {
		// FD frame seen by a classic-only controller
		p.protocolErrorLocked(fdcan.ErrorForm, false)
		return
	}
	el := can.RxFromFrame(f, p.timestamp())
	p.raise(p.storeRxLocked(el))
	if p.rec > 0 {
		p.rec--
	}
}

func (p *Peripheral) storeRxLocked(el can.RxElement) fdcan.Interrupts {
	if len(p.rx) < p.depths.Rx {
		p.rx = append(p.rx, el)
		return fdcan.IntRxNew
	}
	if p.settings.RxOverflow == fdcan.OverflowOverwrite {
		p.rx = append(p.rx[:copy(p.rx, p.rx[1:])], el)
		return fdcan.IntRxNew | fdcan.IntRxLost
	}
	return fdcan.IntRxLost
}

func (p *Peripheral) receiveLoop() {
	defer p.wg.Done()
	backoff := rxBackoffMin
	for {
		var f can.Frame
		if err := p.medium.ReadFrame(&f); err != nil {
			if p.ctx.Err() != nil || errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Warn("emu_medium_read_error", "error", err, "backoff", backoff)
			if !sleepCtx(p.ctx, backoff) {
				return
			}
			backoff = min(backoff*2, rxBackoffMax)
			continue
		}
		backoff = rxBackoffMin
		p.mu.Lock()
		if !p.busOff {
			p.receiveLocked(&f)
		}
		p.mu.Unlock()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
