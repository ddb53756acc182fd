package fdcan

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-fdcan/internal/bittiming"
	"github.com/kstaniek/go-fdcan/internal/logging"
)

// Mode is the controller operating state.
type Mode uint8

const (
	ModeConfiguration Mode = iota
	ModeInternalLoopback
	ModeNormal
)

func (m Mode) String() string {
	switch m {
	case ModeConfiguration:
		return "configuration"
	case ModeInternalLoopback:
		return "internal_loopback"
	case ModeNormal:
		return "normal"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// OverflowPolicy selects what the Rx FIFO does when full (RXGFC.F0OM).
type OverflowPolicy uint8

const (
	// OverflowBlocking rejects the newest frame.
	OverflowBlocking OverflowPolicy = iota
	// OverflowOverwrite drops the oldest stored frame.
	OverflowOverwrite
)

func (p OverflowPolicy) String() string {
	if p == OverflowOverwrite {
		return "overwrite"
	}
	return "blocking"
}

// Option configures a Configurator.
type Option func(*Configurator)

// WithClock sets the timestamp source (default SystemClock).
func WithClock(c Clock) Option { return func(cf *Configurator) { cf.clock = c } }

// WithLogger sets the logger used for mode transitions (default: global logger).
func WithLogger(l *slog.Logger) Option { return func(cf *Configurator) { cf.logger = l } }

// Configurator is the controller handle in Configuration mode. Bit timing
// may only be changed through it; entering an operating mode consumes it.
type Configurator struct {
	mu     sync.Mutex
	hw     Hardware
	irq    InterruptController
	clock  Clock
	logger *slog.Logger

	nominalRate uint32
	dataRate    uint32
	timing      bittiming.Timing
	brs         bool
	overflow    OverflowPolicy
	retransmit  bool
	consumed    bool
}

// New takes ownership of the controller and its interrupt lines. The
// controller is assumed to be in INIT (Configuration mode).
func New(hw Hardware, irq InterruptController, opts ...Option) *Configurator {
	c := &Configurator{
		hw:         hw,
		irq:        irq,
		clock:      SystemClock{},
		logger:     logging.L(),
		retransmit: true,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetBitrate computes and stores the nominal timing. Nothing is written to
// the controller until a mode is entered; the last call wins.
func (c *Configurator) SetBitrate(bps uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumed {
		return ErrConsumed
	}
	n, err := bittiming.ComputeNominal(c.hw.KernelClock(), bps)
	if err != nil {
		return err
	}
	if c.timing.FD && c.dataRate < bps {
		return fmt.Errorf("%w: nominal %d above data %d bit/s", bittiming.ErrOutOfRange, bps, c.dataRate)
	}
	c.timing.Nominal, c.nominalRate = n, bps
	return nil
}

// SetFDDataBitrate computes and stores the data phase timing and enables FD
// operation. brs enables bit rate switching for frames that request it.
func (c *Configurator) SetFDDataBitrate(bps uint32, brs bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumed {
		return ErrConsumed
	}
	if c.nominalRate != 0 && bps < c.nominalRate {
		return fmt.Errorf("%w: data %d below nominal %d bit/s", bittiming.ErrOutOfRange, bps, c.nominalRate)
	}
	d, err := bittiming.ComputeData(c.hw.KernelClock(), bps)
	if err != nil {
		return err
	}
	c.timing.Data, c.timing.FD, c.dataRate, c.brs = d, true, bps, brs
	return nil
}

// SetRxOverflowPolicy selects the Rx FIFO full behaviour. Lost frames are
// reported by the Receiver under either policy.
func (c *Configurator) SetRxOverflowPolicy(p OverflowPolicy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumed {
		return ErrConsumed
	}
	c.overflow = p
	return nil
}

// SetAutoRetransmit enables (default) or disables automatic retransmission.
func (c *Configurator) SetAutoRetransmit(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumed {
		return ErrConsumed
	}
	c.retransmit = on
	return nil
}

// Timing returns the pending timing and whether a nominal rate was set.
func (c *Configurator) Timing() (bittiming.Timing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timing, c.nominalRate != 0
}

// EnterInternalLoopback commits the configuration and starts the controller
// with transmitted frames looped back internally, invisible on the bus.
func (c *Configurator) EnterInternalLoopback() (*Can, error) {
	return c.enter(ModeInternalLoopback)
}

// EnterNormal commits the configuration and joins the bus.
func (c *Configurator) EnterNormal() (*Can, error) {
	return c.enter(ModeNormal)
}

func (c *Configurator) enter(mode Mode) (*Can, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumed {
		return nil, ErrConsumed
	}
	if c.nominalRate == 0 {
		return nil, ErrBitrateNotSet
	}
	clk := c.hw.KernelClock()
	if err := c.timing.Validate(clk); err != nil {
		return nil, err
	}
	s := Settings{
		Timing:         c.timing,
		Mode:           mode,
		BRS:            c.brs,
		RxOverflow:     c.overflow,
		AutoRetransmit: c.retransmit,
	}
	if err := c.hw.Commit(s); err != nil {
		// still in INIT: the configurator stays usable
		return nil, fmt.Errorf("%w: %v", ErrCommit, err)
	}
	c.consumed = true
	d := newDriver(c.hw, c.irq, c.clock, s)
	c.irq.Bind(Line0, d.line0)
	c.irq.Bind(Line1, d.line1)
	d.publishStatus(c.hw.Status())
	c.irq.Enable(Line0)
	c.irq.Enable(Line1)

	attrs := []any{
		"mode", mode.String(),
		"kernel_clock_hz", clk,
		"nominal_bps", c.nominalRate,
		"nominal", c.timing.Nominal.String(),
		"sample_point", fmt.Sprintf("%.1f%%", c.timing.Nominal.SamplePoint()*100),
		"rx_overflow", c.overflow.String(),
	}
	if c.timing.FD {
		attrs = append(attrs, "data_bps", c.dataRate, "data", c.timing.Data.String(), "brs", c.brs)
	}
	c.logger.Info("fdcan_configured", attrs...)
	return newCan(d), nil
}
