package cmd

import (
	"fmt"
	"io"
	"math"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-fdcan/internal/bittiming"
)

func init() {
	rootCmd.AddCommand(timingCmd)
}

var timingCmd = &cobra.Command{
	Use:   "timing",
	Short: "compute nominal and data phase bit timing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r := ratesFrom(cmd)
		t, err := bittiming.Compute(r.clock, r.nominal, r.data)
		if err != nil {
			return err
		}
		printTiming(cmd.OutOrStdout(), r, t)
		return nil
	},
}

func errPPM(got float64, want uint32) float64 {
	return math.Abs(got-float64(want)) / float64(want) * 1e6
}

func printTiming(w io.Writer, r rates, t bittiming.Timing) {
	n := t.Nominal
	fmt.Fprintf(w, "kernel clock  %d Hz\n", r.clock)
	fmt.Fprintf(w, "nominal       %s\n", green("%s", n))
	fmt.Fprintf(w, "  bit rate    %.0f bit/s (%.0f ppm)\n", n.Bitrate(r.clock), errPPM(n.Bitrate(r.clock), r.nominal))
	fmt.Fprintf(w, "  sample pt   %.1f%%\n", n.SamplePoint()*100)
	if !t.FD {
		fmt.Fprintf(w, "data          %s\n", yellow("classic CAN only"))
		return
	}
	d := t.Data
	fmt.Fprintf(w, "data          %s\n", green("%s", d))
	fmt.Fprintf(w, "  bit rate    %.0f bit/s (%.0f ppm)\n", d.Bitrate(r.clock), errPPM(d.Bitrate(r.clock), r.data))
	fmt.Fprintf(w, "  sample pt   %.1f%%\n", d.SamplePoint()*100)
	if d.TDC {
		fmt.Fprintf(w, "  tdc offset  %d mtq\n", d.TDCOffset)
	}
}
