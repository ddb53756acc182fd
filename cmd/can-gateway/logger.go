package main

import (
	"io"
	"log/slog"

	"github.com/kstaniek/go-fdcan/internal/logging"
)

func setupLogger(format, level string, w io.Writer) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), w).With("app", "can-gateway")
	logging.Set(l)
	return l
}
