package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/kstaniek/go-loshark/internal/loshark"
	"github.com/kstaniek/go-loshark/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen     = errors.New("listen")
	ErrServe      = errors.New("serve")
	ErrBadRequest = errors.New("bad request")
	ErrUpgrade    = errors.New("ws_upgrade")
	ErrWSWrite    = errors.New("ws_write")
	ErrTooMany    = errors.New("too many clients")
	ErrContext    = errors.New("context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrUpgrade), errors.Is(err, ErrWSWrite):
		return metrics.ErrWebsocket
	case errors.Is(err, loshark.ErrTransport):
		return metrics.ErrTransportWrite
	case errors.Is(err, ErrListen), errors.Is(err, ErrServe):
		return metrics.ErrHTTP
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}

// httpStatus maps controller and request errors to a response status.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, loshark.ErrCommunicationTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, loshark.ErrRemoteRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, loshark.ErrNotConnected), errors.Is(err, loshark.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, loshark.ErrCancelled), errors.Is(err, loshark.ErrTxOverflow), errors.Is(err, ErrTooMany):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
