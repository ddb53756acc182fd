package server

import (
	"errors"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/fdcan"
	"github.com/kstaniek/go-fdcan/internal/metrics"
	"github.com/kstaniek/go-fdcan/internal/transport"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrBackendTx = errors.New("backend_tx")
	ErrContext   = errors.New("context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrBackendTx):
		return metrics.ErrTransmit
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}

type sendOutcome int

const (
	sendOK sendOutcome = iota
	sendOverflow
	sendRejected // the frame itself is unusable on this controller
	sendFailed
)

// classifySend sorts a sink error into drop (overflow), per-frame rejection
// or a backend failure.
func classifySend(err error) sendOutcome {
	switch {
	case err == nil:
		return sendOK
	case errors.Is(err, transport.ErrTxOverflow):
		return sendOverflow
	case errors.Is(err, can.ErrIllegalLength), errors.Is(err, can.ErrPayloadTooLong),
		errors.Is(err, can.ErrInvalidID), errors.Is(err, fdcan.ErrFDDisabled):
		return sendRejected
	default:
		return sendFailed
	}
}
