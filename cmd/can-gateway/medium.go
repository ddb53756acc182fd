package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-fdcan/internal/emu"
	"github.com/kstaniek/go-fdcan/internal/serial"
	"github.com/kstaniek/go-fdcan/internal/socketcan"
)

// Hooks for tests.
var (
	openSerial = func(name string, baud int, readTO time.Duration) (emu.Medium, error) {
		m, err := serial.Open(name, baud, readTO)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	openSocketCAN = func(iface string) (emu.Medium, error) {
		d, err := socketcan.Open(iface)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	openRetryDelay = 200 * time.Millisecond
)

// openMedium opens the bus medium named by cfg, retrying transient failures.
// The virtual medium has no backing device and yields nil.
func openMedium(ctx context.Context, cfg *appConfig, l *slog.Logger) (emu.Medium, error) {
	var open func() (emu.Medium, error)
	switch cfg.medium {
	case "virtual":
		return nil, nil
	case "serial":
		open = func() (emu.Medium, error) { return openSerial(cfg.serialDev, cfg.baud, cfg.serialReadTO) }
	case "socketcan":
		open = func() (emu.Medium, error) { return openSocketCAN(cfg.canIf) }
	default:
		return nil, fmt.Errorf("unknown medium %q", cfg.medium)
	}
	var m emu.Medium
	err := retry.Do(func() error {
		var err error
		m, err = open()
		return err
	},
		retry.Context(ctx),
		retry.Attempts(uint(cfg.openAttempts)),
		retry.Delay(openRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("medium_open_retry", "medium", cfg.medium, "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("open %s medium: %w", cfg.medium, err)
	}
	switch cfg.medium {
	case "serial":
		l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	case "socketcan":
		l.Info("socketcan_open", "iface", cfg.canIf)
	}
	return m, nil
}
