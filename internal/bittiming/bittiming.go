// Package bittiming derives FDCAN nominal and data phase bit timing from a
// kernel clock and requested bit rates.
package bittiming

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrOutOfRange    = errors.New("bittiming: bit rate out of range")
	ErrUnsatisfiable = errors.New("bittiming: no timing within tolerance")
)

const (
	MaxNominalRate = 1_000_000
	MaxDataRate    = 8_000_000

	// TolerancePPM bounds the relative error between requested and derived bit rate.
	TolerancePPM = 5000

	nominalSamplePoint = 875 // permille
	dataSamplePoint    = 750
	tdcThreshold       = 1_000_000
)

// Ranges holds the register limits of one bit timing phase.
type Ranges struct {
	PrescalerMax uint32
	Seg1Min      uint32
	Seg1Max      uint32
	Seg2Max      uint32
	SJWMax       uint32
}

var (
	// NominalRanges are the NBTP limits.
	NominalRanges = Ranges{PrescalerMax: 512, Seg1Min: 2, Seg1Max: 256, Seg2Max: 128, SJWMax: 128}
	// DataRanges are the DBTP limits.
	DataRanges = Ranges{PrescalerMax: 32, Seg1Min: 1, Seg1Max: 32, Seg2Max: 16, SJWMax: 16}
)

// Nominal is the arbitration phase timing. Segment values are in time quanta
// (not the register's minus-one encoding).
type Nominal struct {
	Prescaler uint16
	Seg1      uint16
	Seg2      uint8
	SJW       uint8
}

// Data is the FD data phase timing.
type Data struct {
	Prescaler uint8
	Seg1      uint8
	Seg2      uint8
	SJW       uint8
	// TDC enables transceiver delay compensation; TDCOffset is in minimum time quanta.
	TDC       bool
	TDCOffset uint8
}

// Timing is a complete configuration. FD is false for classic-only operation
// and Data is then unused.
type Timing struct {
	Nominal Nominal
	Data    Data
	FD      bool
}

func (n Nominal) quanta() uint32 { return 1 + uint32(n.Seg1) + uint32(n.Seg2) }
func (d Data) quanta() uint32    { return 1 + uint32(d.Seg1) + uint32(d.Seg2) }

// Bitrate returns the bit rate produced from clockHz.
func (n Nominal) Bitrate(clockHz uint32) float64 {
	return float64(clockHz) / float64(uint32(n.Prescaler)*n.quanta())
}

// SamplePoint returns the sample point as a fraction of the bit time.
func (n Nominal) SamplePoint() float64 {
	return float64(1+uint32(n.Seg1)) / float64(n.quanta())
}

func (n Nominal) String() string {
	return fmt.Sprintf("brp=%d seg1=%d seg2=%d sjw=%d", n.Prescaler, n.Seg1, n.Seg2, n.SJW)
}

// Bitrate returns the bit rate produced from clockHz.
func (d Data) Bitrate(clockHz uint32) float64 {
	return float64(clockHz) / float64(uint32(d.Prescaler)*d.quanta())
}

// SamplePoint returns the sample point as a fraction of the bit time.
func (d Data) SamplePoint() float64 {
	return float64(1+uint32(d.Seg1)) / float64(d.quanta())
}

func (d Data) String() string {
	s := fmt.Sprintf("brp=%d seg1=%d seg2=%d sjw=%d", d.Prescaler, d.Seg1, d.Seg2, d.SJW)
	if d.TDC {
		s += fmt.Sprintf(" tdco=%d", d.TDCOffset)
	}
	return s
}

type candidate struct {
	brp, seg1, seg2 uint32
	errPPM          float64
	spDist          uint32
}

// search walks every prescaler, rounds the quanta per bit and keeps the
// best split: smallest rate error, then more quanta, then closest sample point.
func search(clockHz, rate uint32, r Ranges, spTarget uint32) (candidate, bool) {
	var best candidate
	found := false
	maxTQ := 1 + r.Seg1Max + r.Seg2Max
	minTQ := 1 + r.Seg1Min + 1
	for brp := uint32(1); brp <= r.PrescalerMax; brp++ {
		denom := uint64(brp) * uint64(rate)
		tq := (uint64(clockHz) + denom/2) / denom
		if tq < uint64(minTQ) {
			break
		}
		if tq > uint64(maxTQ) {
			continue
		}
		total := uint32(tq)
		seg2 := total - (total*spTarget+500)/1000
		if seg2 < 1 {
			seg2 = 1
		}
		if seg2 > r.Seg2Max {
			seg2 = r.Seg2Max
		}
		seg1 := total - 1 - seg2
		if seg1 > r.Seg1Max {
			seg1 = r.Seg1Max
			seg2 = total - 1 - seg1
			if seg2 > r.Seg2Max {
				continue
			}
		}
		if seg1 < r.Seg1Min {
			continue
		}
		eff := float64(clockHz) / float64(uint64(brp)*uint64(total))
		c := candidate{
			brp:    brp,
			seg1:   seg1,
			seg2:   seg2,
			errPPM: math.Abs(eff-float64(rate)) * 1e6 / float64(rate),
			spDist: absDiff((1+seg1)*1000/total, spTarget),
		}
		if !found || better(c, best) {
			best, found = c, true
		}
	}
	return best, found && best.errPPM <= TolerancePPM
}

func better(c, best candidate) bool {
	if c.errPPM != best.errPPM {
		return c.errPPM < best.errPPM
	}
	ct, bt := 1+c.seg1+c.seg2, 1+best.seg1+best.seg2
	if ct != bt {
		return ct > bt
	}
	return c.spDist < best.spDist
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// ComputeNominal derives the arbitration phase timing for rate bit/s.
func ComputeNominal(clockHz, rate uint32) (Nominal, error) {
	if rate == 0 || rate > MaxNominalRate || clockHz == 0 {
		return Nominal{}, fmt.Errorf("%w: nominal %d bit/s", ErrOutOfRange, rate)
	}
	c, ok := search(clockHz, rate, NominalRanges, nominalSamplePoint)
	if !ok {
		return Nominal{}, fmt.Errorf("%w: nominal %d bit/s from %d Hz", ErrUnsatisfiable, rate, clockHz)
	}
	return Nominal{
		Prescaler: uint16(c.brp),
		Seg1:      uint16(c.seg1),
		Seg2:      uint8(c.seg2),
		SJW:       uint8(min(c.seg2, NominalRanges.SJWMax)),
	}, nil
}

// ComputeData derives the FD data phase timing for rate bit/s.
func ComputeData(clockHz, rate uint32) (Data, error) {
	if rate == 0 || rate > MaxDataRate || clockHz == 0 {
		return Data{}, fmt.Errorf("%w: data %d bit/s", ErrOutOfRange, rate)
	}
	c, ok := search(clockHz, rate, DataRanges, dataSamplePoint)
	if !ok {
		return Data{}, fmt.Errorf("%w: data %d bit/s from %d Hz", ErrUnsatisfiable, rate, clockHz)
	}
	d := Data{
		Prescaler: uint8(c.brp),
		Seg1:      uint8(c.seg1),
		Seg2:      uint8(c.seg2),
		SJW:       uint8(min(c.seg2, DataRanges.SJWMax)),
	}
	if rate > tdcThreshold {
		// secondary sample point at the data sample point, in mtq
		d.TDC = true
		d.TDCOffset = uint8(min(c.brp*(1+c.seg1), 127))
	}
	return d, nil
}

// Compute derives a full configuration. data == 0 selects classic-only timing.
func Compute(clockHz, nominal, data uint32) (Timing, error) {
	n, err := ComputeNominal(clockHz, nominal)
	if err != nil {
		return Timing{}, err
	}
	t := Timing{Nominal: n}
	if data == 0 {
		return t, nil
	}
	if data < nominal {
		return Timing{}, fmt.Errorf("%w: data %d below nominal %d bit/s", ErrOutOfRange, data, nominal)
	}
	d, err := ComputeData(clockHz, data)
	if err != nil {
		return Timing{}, err
	}
	t.Data, t.FD = d, true
	return t, nil
}

// Validate checks register ranges and, for FD timing, that the data phase
// is not slower than the nominal phase.
func (t Timing) Validate(clockHz uint32) error {
	n := t.Nominal
	if err := checkRanges("nominal", uint32(n.Prescaler), uint32(n.Seg1), uint32(n.Seg2), uint32(n.SJW), NominalRanges); err != nil {
		return err
	}
	if !t.FD {
		return nil
	}
	d := t.Data
	if err := checkRanges("data", uint32(d.Prescaler), uint32(d.Seg1), uint32(d.Seg2), uint32(d.SJW), DataRanges); err != nil {
		return err
	}
	if clockHz != 0 && d.Bitrate(clockHz) < n.Bitrate(clockHz) {
		return fmt.Errorf("%w: data phase slower than nominal", ErrOutOfRange)
	}
	return nil
}

func checkRanges(phase string, brp, seg1, seg2, sjw uint32, r Ranges) error {
	switch {
	case brp < 1 || brp > r.PrescalerMax:
		return fmt.Errorf("%w: %s prescaler %d", ErrOutOfRange, phase, brp)
	case seg1 < r.Seg1Min || seg1 > r.Seg1Max:
		return fmt.Errorf("%w: %s seg1 %d", ErrOutOfRange, phase, seg1)
	case seg2 < 1 || seg2 > r.Seg2Max:
		return fmt.Errorf("%w: %s seg2 %d", ErrOutOfRange, phase, seg2)
	case sjw < 1 || sjw > r.SJWMax || sjw > seg2:
		return fmt.Errorf("%w: %s sjw %d", ErrOutOfRange, phase, sjw)
	}
	return nil
}
