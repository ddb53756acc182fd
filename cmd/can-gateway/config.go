package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const envPrefix = "CAN_GATEWAY_"

type appConfig struct {
	medium       string
	canIf        string
	serialDev    string
	baud         int
	serialReadTO time.Duration
	openAttempts int

	bitrate        int
	dataBitrate    int
	brs            bool
	rxOverflow     string
	autoRetransmit bool
	autoRecover    bool
	txQueue        int
	forwardFD      bool

	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
}

// parseFlags parses args (without the program name) and applies environment
// overrides for every flag not given explicitly.
func parseFlags(args []string, stderr io.Writer) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs := flag.NewFlagSet("can-gateway", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.medium, "medium", "virtual", "Bus medium: virtual (internal loopback)|socketcan|serial")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when --medium=socketcan)")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path (when --medium=serial)")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.IntVar(&cfg.openAttempts, "open-attempts", 5, "Attempts to open the medium before giving up")
	fs.IntVar(&cfg.bitrate, "bitrate", 500_000, "Nominal bit rate (bit/s)")
	fs.IntVar(&cfg.dataBitrate, "data-bitrate", 2_000_000, "FD data phase bit rate (bit/s); 0 = classic CAN only")
	fs.BoolVar(&cfg.brs, "brs", true, "Enable bit rate switching for FD frames")
	fs.StringVar(&cfg.rxOverflow, "rx-overflow", "block", "Rx FIFO overflow policy: block|overwrite")
	fs.BoolVar(&cfg.autoRetransmit, "auto-retransmit", true, "Retransmit frames that lost arbitration or were not acknowledged")
	fs.BoolVar(&cfg.autoRecover, "auto-recover", true, "Recover from bus-off automatically")
	fs.IntVar(&cfg.txQueue, "tx-queue", 1024, "Frames buffered between TCP clients and the controller")
	fs.BoolVar(&cfg.forwardFD, "forward-fd", true, "Forward FD frames to TCP clients")
	fs.StringVar(&cfg.listenAddr, "listen", ":20000", "TCP listen address")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default can-gateway-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}

	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	if err := applyEnvOverrides(fs, set); err != nil {
		return nil, false, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration: %w", err)
	}
	return cfg, false, nil
}

// envName maps a flag name to its environment variable: log-level -> CAN_GATEWAY_LOG_LEVEL.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not in set from its CAN_GATEWAY_*
// variable. Empty values are ignored; the first parse error is returned.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]struct{}) error {
	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if f.Name == "version" {
			return
		}
		if _, ok := set[f.Name]; ok {
			return
		}
		v, ok := os.LookupEnv(envName(f.Name))
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return
		}
		if b, isBool := f.Value.(interface{ IsBoolFlag() bool }); isBool && b.IsBoolFlag() {
			v = normalizeBool(v)
		}
		if err := f.Value.Set(v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", envName(f.Name), err)
		}
	})
	return firstErr
}

func normalizeBool(v string) string {
	switch strings.ToLower(v) {
	case "yes", "on":
		return "true"
	case "no", "off":
		return "false"
	}
	return v
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values and ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.medium {
	case "virtual", "socketcan", "serial":
	default:
		return fmt.Errorf("invalid medium: %s", c.medium)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	switch c.rxOverflow {
	case "block", "overwrite":
	default:
		return fmt.Errorf("invalid rx-overflow: %s", c.rxOverflow)
	}
	switch {
	case c.bitrate <= 0:
		return fmt.Errorf("bitrate must be > 0 (got %d)", c.bitrate)
	case c.dataBitrate < 0:
		return fmt.Errorf("data-bitrate must be >= 0 (got %d)", c.dataBitrate)
	case c.dataBitrate > 0 && c.dataBitrate < c.bitrate:
		return fmt.Errorf("data-bitrate %d below nominal bitrate %d", c.dataBitrate, c.bitrate)
	case c.medium == "serial" && c.dataBitrate > 0:
		return errors.New("serial medium is classic CAN only; set data-bitrate=0")
	case c.txQueue <= 0:
		return fmt.Errorf("tx-queue must be > 0 (got %d)", c.txQueue)
	case c.openAttempts <= 0:
		return fmt.Errorf("open-attempts must be > 0 (got %d)", c.openAttempts)
	case c.hubBuffer <= 0:
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	case c.baud <= 0:
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	case c.serialReadTO <= 0:
		return errors.New("serial-read-timeout must be > 0")
	case c.handshakeTO <= 0:
		return errors.New("handshake-timeout must be > 0")
	case c.clientReadTO <= 0:
		return errors.New("client-read-timeout must be > 0")
	case c.maxClients < 0:
		return errors.New("max-clients must be >= 0")
	case c.logMetricsEvery < 0:
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}
