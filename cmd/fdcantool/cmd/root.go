// Package cmd holds the fdcantool commands.
package cmd

import (
	"context"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kstaniek/go-fdcan/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:          "fdcantool",
	Short:        "FDCAN bit timing and controller self test",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString(flagLogFormat)
		level, _ := cmd.Flags().GetString(flagLogLevel)
		logging.Set(logging.New(format, logging.ParseLevel(level), cmd.ErrOrStderr()).With("app", "fdcantool"))
	},
}

var (
	green  = color.New(color.FgGreen).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	yellow = color.New(color.FgHiYellow).SprintfFunc()
)

// Execute runs the command selected by os.Args.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

const (
	flagClock       = "clock"
	flagBitrate     = "bitrate"
	flagDataBitrate = "data-bitrate"
	flagLogFormat   = "log-format"
	flagLogLevel    = "log-level"
	flagNoColor     = "no-color"
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.Uint32(flagClock, 96_000_000, "controller kernel clock (Hz)")
	pf.Uint32P(flagBitrate, "b", 500_000, "nominal bit rate (bit/s)")
	pf.Uint32P(flagDataBitrate, "d", 2_000_000, "FD data bit rate (bit/s), 0 = classic CAN")
	pf.String(flagLogFormat, "text", "log format: text|json")
	pf.String(flagLogLevel, "warn", "log level: debug|info|warn|error")
	pf.Bool(flagNoColor, false, "disable colored output")
	cobra.OnInitialize(func() {
		if v, _ := rootCmd.PersistentFlags().GetBool(flagNoColor); v {
			color.NoColor = true
		}
	})
}

func logger() *slog.Logger { return logging.L() }

type rates struct {
	clock, nominal, data uint32
}

func ratesFrom(cmd *cobra.Command) rates {
	f := cmd.Flags()
	var r rates
	r.clock, _ = f.GetUint32(flagClock)
	r.nominal, _ = f.GetUint32(flagBitrate)
	r.data, _ = f.GetUint32(flagDataBitrate)
	return r
}
