package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-fdcan/internal/emu"
	"github.com/kstaniek/go-fdcan/internal/fdcan"
)

// startController builds the peripheral on top of m and brings the driver
// out of configuration. Without a medium the controller runs in internal
// loopback, so every frame a client sends comes back to all clients.
func startController(cfg *appConfig, m emu.Medium, l *slog.Logger) (*emu.Peripheral, *fdcan.Can, error) {
	opts := []emu.Option{emu.WithLogger(l)}
	if m != nil {
		opts = append(opts, emu.WithMedium(m))
	}
	p := emu.New(opts...)
	fc, err := configure(p, cfg, l)
	if err != nil {
		_ = p.Close()
		return nil, nil, fmt.Errorf("start controller: %w", err)
	}
	return p, fc, nil
}

func configure(p *emu.Peripheral, cfg *appConfig, l *slog.Logger) (*fdcan.Can, error) {
	c := fdcan.New(p, p.IRQ(), fdcan.WithLogger(l))
	if err := c.SetBitrate(uint32(cfg.bitrate)); err != nil {
		return nil, err
	}
	if cfg.dataBitrate > 0 {
		if err := c.SetFDDataBitrate(uint32(cfg.dataBitrate), cfg.brs); err != nil {
			return nil, err
		}
	}
	policy := fdcan.OverflowBlocking
	if cfg.rxOverflow == "overwrite" {
		policy = fdcan.OverflowOverwrite
	}
	if err := c.SetRxOverflowPolicy(policy); err != nil {
		return nil, err
	}
	if err := c.SetAutoRetransmit(cfg.autoRetransmit); err != nil {
		return nil, err
	}
	t, _ := c.Timing()
	var (
		fc  *fdcan.Can
		err error
	)
	if cfg.medium == "virtual" {
		fc, err = c.EnterInternalLoopback()
	} else {
		fc, err = c.EnterNormal()
	}
	if err != nil {
		return nil, err
	}
	attrs := []any{"mode", fc.Mode().String(), "bitrate", cfg.bitrate, "nominal", t.Nominal.String()}
	if t.FD {
		attrs = append(attrs, "data_bitrate", cfg.dataBitrate, "data", t.Data.String(), "brs", cfg.brs)
	}
	l.Info("controller_start", attrs...)
	return fc, nil
}
