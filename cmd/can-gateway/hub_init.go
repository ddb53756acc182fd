package main

import (
	"log/slog"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/hub"
)

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	switch cfg.hubPolicy {
	case "kick":
		h.Policy = hub.PolicyKick
	default:
		h.Policy = hub.PolicyDrop
	}
	l.Info("hub_config", "policy", h.Policy.String(), "buffer", h.OutBufSize, "forward_fd", cfg.forwardFD)
	return h
}

// clientFilter returns the per-client hub filter, nil when every frame goes out.
func clientFilter(cfg *appConfig) func(*can.Frame) bool {
	if cfg.forwardFD {
		return nil
	}
	return func(f *can.Frame) bool { return !f.FD }
}
