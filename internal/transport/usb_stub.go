//go:build !cgo

package transport

import "context"

// usbStub keeps non-cgo builds compiling; libusb access needs cgo.
type usbStub struct{ cfg USBConfig }

// NewUSB returns a transport whose Open always fails with ErrUnsupported.
func NewUSB(cfg USBConfig) Transport {
	cfg.defaults()
	return &usbStub{cfg: cfg}
}

func (u *usbStub) Open(context.Context) error { return wrap("open", ErrUnsupported) }
func (u *usbStub) Close() error               { return nil }
func (u *usbStub) Write(context.Context, []byte) error {
	return wrap("write", ErrNotOpen)
}
func (u *usbStub) Read(context.Context) ([]byte, error) { return nil, wrap("read", ErrNotOpen) }
func (u *usbStub) Opened() bool                         { return false }
func (u *usbStub) Name() string                         { return u.cfg.String() }
