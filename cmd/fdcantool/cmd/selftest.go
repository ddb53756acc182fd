package cmd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/emu"
	"github.com/kstaniek/go-fdcan/internal/fdcan"
)

const (
	selftestID = 123456
	eventGrace = time.Second
)

func init() {
	f := selftestCmd.Flags()
	f.IntP("count", "n", 100, "frames to send, 0 = until --duration elapses")
	f.Duration("duration", 0, "stop after this long (0 = no limit)")
	f.Int("length", 8, "payload length")
	f.Bool("brs", true, "bit rate switching for FD frames")
	f.Bool("bus", false, "run two controllers on an emulated bus instead of internal loopback")
	rootCmd.AddCommand(selftestCmd)
}

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "send, receive and confirm frames through an emulated controller",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		o := selftestOptions{rates: ratesFrom(cmd)}
		o.count, _ = f.GetInt("count")
		o.duration, _ = f.GetDuration("duration")
		o.length, _ = f.GetInt("length")
		o.brs, _ = f.GetBool("brs")
		o.bus, _ = f.GetBool("bus")
		if o.count == 0 && o.duration == 0 {
			return errors.New("either --count or --duration must be set")
		}
		res, err := runSelftest(cmd.Context(), o, logger())
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "sent %d  received %d  tx events %d  in %s", res.sent, res.received, res.events, res.elapsed.Round(time.Millisecond))
		if res.lostEvents > 0 {
			fmt.Fprint(w, yellow("  tx event overflows %d", res.lostEvents))
		}
		if s := res.elapsed.Seconds(); s > 0 {
			fmt.Fprintf(w, "  (%.0f frames/s)", float64(res.received)/s)
		}
		fmt.Fprintln(w)
		if err != nil {
			fmt.Fprintln(w, red("FAIL: %v", err))
			return err
		}
		fmt.Fprintln(w, green("PASS"))
		return nil
	},
}

type selftestOptions struct {
	rates
	count    int
	duration time.Duration
	length   int
	brs      bool
	bus      bool
}

type selftestResult struct {
	sent, received, events int
	lostEvents             int
	elapsed                time.Duration
}

// selftestFrame carries seq in its first bytes; the rest is filled with 5.
func selftestFrame(o selftestOptions, seq int) (can.Frame, error) {
	data := make([]byte, o.length)
	for i := range data {
		data[i] = 5
	}
	if o.length >= 4 {
		binary.BigEndian.PutUint32(data, uint32(seq))
	}
	id := can.MustExtendedID(selftestID)
	if o.data == 0 {
		return can.NewClassicFrame(id, data)
	}
	h, err := can.NewFDHeader(id, uint8(o.length), o.brs)
	if err != nil {
		return can.Frame{}, err
	}
	return can.NewFrame(h, data)
}

func startSelftestController(o selftestOptions, m emu.Medium, l *slog.Logger) (*emu.Peripheral, *fdcan.Can, error) {
	opts := []emu.Option{emu.WithKernelClock(o.clock), emu.WithLogger(l)}
	if m != nil {
		opts = append(opts, emu.WithMedium(m))
	}
	p := emu.New(opts...)
	c := fdcan.New(p, p.IRQ(), fdcan.WithLogger(l))
	err := c.SetBitrate(o.nominal)
	if err == nil && o.data > 0 {
		err = c.SetFDDataBitrate(o.data, o.brs)
	}
	var fc *fdcan.Can
	if err == nil {
		if m == nil {
			fc, err = c.EnterInternalLoopback()
		} else {
			fc, err = c.EnterNormal()
		}
	}
	if err != nil {
		_ = p.Close()
		return nil, nil, err
	}
	return p, fc, nil
}

// runSelftest sends frames with consecutive markers and checks that each
// one is received in order and confirmed by a Tx event.
func runSelftest(ctx context.Context, o selftestOptions, l *slog.Logger) (selftestResult, error) {
	var res selftestResult
	if _, err := selftestFrame(o, 0); err != nil {
		return res, err
	}
	if o.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	var tx, rx fdcan.Endpoints
	if o.bus {
		bus := emu.NewBus()
		defer bus.Close()
		pa, a, err := startSelftestController(o, bus.Attach(), l)
		if err != nil {
			return res, err
		}
		defer pa.Close()
		pb, b, err := startSelftestController(o, bus.Attach(), l)
		if err != nil {
			return res, err
		}
		defer pb.Close()
		if tx, err = a.Split(); err != nil {
			return res, err
		}
		if rx, err = b.Split(); err != nil {
			return res, err
		}
	} else {
		p, c, err := startSelftestController(o, nil, l)
		if err != nil {
			return res, err
		}
		defer p.Close()
		if tx, err = c.Split(); err != nil {
			return res, err
		}
		rx = tx
	}

	done := func(n int) bool { return o.count > 0 && n >= o.count }
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	// events trail receptions; once every frame arrived, stragglers get a grace period
	evCtx, evCancel := context.WithCancel(gctx)
	defer evCancel()
	g.Go(func() error {
		for !done(res.sent) {
			f, _ := selftestFrame(o, res.sent)
			if err := tx.Tx.SendWithMarker(gctx, f, uint8(res.sent)); err != nil {
				return ctxErr(ctx, err)
			}
			res.sent++
		}
		return nil
	})
	g.Go(func() error {
		for !done(res.received) {
			f, err := rx.Rx.Receive(gctx)
			if err != nil {
				return ctxErr(ctx, err)
			}
			want, _ := selftestFrame(o, res.received)
			if f.Header != want.Header || string(f.Payload()) != string(want.Payload()) {
				return fmt.Errorf("frame %d: got %v, want %v", res.received, f, want)
			}
			res.received++
		}
		time.AfterFunc(eventGrace, evCancel)
		return nil
	})
	g.Go(func() error {
		// pos is the sequence number the next event should confirm. Markers
		// wrap at 256, so after a lost event the gap is read from the marker.
		pos := 0
		lost := false
		for !done(pos) {
			ev, err := tx.Events.NextEvent(evCtx)
			if err != nil && evCtx.Err() != nil && gctx.Err() == nil {
				if res.lostEvents > 0 {
					return nil
				}
				return fmt.Errorf("%d tx events missing", o.count-pos)
			}
			if errors.Is(err, fdcan.ErrTxEventLost) {
				res.lostEvents++
				lost = true
				continue
			}
			if err != nil {
				return ctxErr(ctx, err)
			}
			if gap := int(ev.Marker - uint8(pos)); gap != 0 {
				if !lost {
					return fmt.Errorf("tx event %d: marker %d", pos, ev.Marker)
				}
				pos += gap
			}
			lost = false
			pos++
			res.events++
		}
		return nil
	})
	err := g.Wait()
	res.elapsed = time.Since(start)
	if err == nil && o.count > 0 && ctx.Err() != nil {
		err = fmt.Errorf("stopped after %d of %d frames: %w", res.received, o.count, ctx.Err())
	}
	return res, err
}

// ctxErr hides the cancellation that ends a --duration run.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}
