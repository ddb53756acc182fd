// Package fdcan drives a Bosch M_CAN style FDCAN controller: mode
// transitions, bit timing commit, and split transmit/receive/event/control
// endpoints fed by two interrupt lines.
package fdcan

import (
	"time"

	"github.com/kstaniek/go-fdcan/internal/bittiming"
	"github.com/kstaniek/go-fdcan/internal/can"
)

// Line identifies one of the two controller interrupt lines.
type Line uint8

const (
	// Line0 carries transmit completion and Tx event interrupts.
	Line0 Line = 0
	// Line1 carries receive and protocol status interrupts.
	Line1 Line = 1
)

func (l Line) String() string {
	if l == Line0 {
		return "it0"
	}
	return "it1"
}

// Interrupts is a set of controller interrupt flags (IR register subset).
type Interrupts uint32

const (
	IntTxComplete       Interrupts = 1 << iota // TC
	IntTxEventNew                              // TEFN
	IntTxEventLost                             // TEFL
	IntRxNew                                   // RF0N
	IntRxLost                                  // RF0L
	IntProtocolError                           // PEA / PED
	IntErrorWarning                            // EW
	IntErrorPassive                            // EP
	IntBusOff                                  // BO
	IntTxCancelFinished                        // TCF: abandoned after a failed attempt
)

// Line assignment (ILS): transmit side on line 0, everything else on line 1.
const (
	Line0Interrupts = IntTxComplete | IntTxCancelFinished | IntTxEventNew | IntTxEventLost
	Line1Interrupts = IntRxNew | IntRxLost | IntProtocolError | IntErrorWarning | IntErrorPassive | IntBusOff
)

// LineMask returns the interrupt flags routed to l.
func LineMask(l Line) Interrupts {
	if l == Line0 {
		return Line0Interrupts
	}
	return Line1Interrupts
}

// Depths are the message RAM FIFO sizes.
type Depths struct {
	Tx      int
	Rx      int
	TxEvent int
}

// Settings is everything latched while the controller is in INIT.
type Settings struct {
	Timing         bittiming.Timing
	Mode           Mode
	BRS            bool
	RxOverflow     OverflowPolicy
	AutoRetransmit bool
}

// Hardware is the register level view of one FDCAN instance. Only the mode
// transition (Commit) and the interrupt bridge call it; implementations must
// allow the two interrupt lines to run concurrently.
type Hardware interface {
	// KernelClock reports the frequency actually delivered to the controller, in Hz.
	KernelClock() uint32
	// Depths reports the message RAM FIFO sizes.
	Depths() Depths
	// Commit writes s while in INIT and leaves INIT. It fails once started.
	Commit(s Settings) error
	// PutTx copies el into the next free Tx FIFO slot and requests transmission.
	PutTx(el can.TxElement) error
	// TxCompleted returns the number of Tx FIFO slots freed since the last
	// call, by successful transmission or by abandoning a failed one.
	TxCompleted() int
	// GetRx pops the oldest Rx FIFO 0 element.
	GetRx() (can.RxElement, bool)
	// GetTxEvent pops the oldest Tx event FIFO element.
	GetTxEvent() (can.TxEventElement, bool)
	// Flags returns and clears the pending interrupt flags routed to l.
	Flags(l Line) Interrupts
	// Status reads the protocol status and error counter registers.
	Status() Status
	// RecoverBusOff restarts the controller after bus-off.
	RecoverBusOff() error
}

// InterruptController routes the two controller lines to handlers. A line's
// handler must never run concurrently with itself.
type InterruptController interface {
	Bind(l Line, handler func())
	Enable(l Line)
	Pend(l Line)
}

// Clock timestamps received frames and Tx events.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the Go monotonic clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
