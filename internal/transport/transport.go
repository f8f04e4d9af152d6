// Package transport provides the byte-stream links to a LoShark dongle.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Transport is a half-duplex byte stream to one device. Read returns one
// inbound chunk of arbitrary size; it only returns without data on error.
// Read and Write may be called concurrently with each other; Close unblocks
// a pending Read.
type Transport interface {
	Open(ctx context.Context) error
	Close() error
	Write(ctx context.Context, p []byte) error
	Read(ctx context.Context) ([]byte, error)
	Opened() bool
	// Name identifies the device for logs (path or VID:PID/serial).
	Name() string
}

var (
	// ErrTransport classifies every transport failure.
	ErrTransport = errors.New("transport")
	// ErrClosed is returned by Read/Write after Close.
	ErrClosed = errors.New("transport closed")
	// ErrNotOpen is returned by Read/Write before Open.
	ErrNotOpen = errors.New("transport not open")
	// ErrBusy is returned when another process holds the device.
	ErrBusy = errors.New("device busy")
	// ErrNoDevice is returned when no matching device is attached.
	ErrNoDevice = errors.New("no matching device")
	// ErrUnsupported is returned by backends not built on this platform.
	ErrUnsupported = errors.New("transport unsupported on this platform")
)

// Error wraps a failure of one transport operation. It matches ErrTransport.
type Error struct {
	Op  string // open|close|read|write
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrTransport }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Op: op, Err: err}
}
