package loshark

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-loshark/internal/api"
	"github.com/kstaniek/go-loshark/internal/transport"
)

// Sentinel errors; classify with errors.Is.
var (
	// ErrTransport matches every transport failure. It is fatal to the session.
	ErrTransport = transport.ErrTransport
	// ErrDecode matches a malformed frame payload. The frame is dropped.
	ErrDecode = api.ErrDecode
	// ErrCommunicationTimeout is returned to a caller when the device showed
	// no sign of life for a whole watchdog window.
	ErrCommunicationTimeout = errors.New("loshark: communication timeout")
	// ErrRemoteRejected matches every *RemoteError.
	ErrRemoteRejected = errors.New("loshark: request rejected by device")
	// ErrCancelled is returned to requests still pending when the session ends.
	ErrCancelled = errors.New("loshark: request cancelled")
	// ErrAlreadyConnected is returned by Connect while a session is active.
	ErrAlreadyConnected = errors.New("loshark: already connected")
	// ErrNotConnected is returned by requests issued without a session.
	ErrNotConnected = errors.New("loshark: not connected")
	// ErrTxOverflow is returned when the write queue is full.
	ErrTxOverflow = transport.ErrTxOverflow
)

// TransportError is a failure of one transport operation.
type TransportError = transport.Error

// RemoteError carries the message of a result with success=false verbatim.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("LoShark device: %s: %s", e.Op, e.Message)
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemoteRejected }

func transportErr(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
