//go:build cgo

package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/gousb"
)

// USB is a Transport over the dongle's vendor bulk interface, located by
// vendor (and optionally product) id, configuration and interface number.
type USB struct {
	cfg USBConfig

	mu     sync.Mutex
	uctx   *gousb.Context
	dev    *gousb.Device
	ucfg   *gousb.Config
	intf   *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	life   context.Context
	cancel context.CancelFunc
	opened atomic.Bool
	name   string
}

var _ Transport = (*USB)(nil)

// NewUSB returns an unopened USB bulk transport.
func NewUSB(cfg USBConfig) Transport {
	cfg.defaults()
	return &USB{cfg: cfg, name: cfg.String()}
}

func (u *USB) Name() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.name
}

func (u *USB) Opened() bool { return u.opened.Load() }

func (u *USB) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return wrap("open", err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.opened.Load() {
		return nil
	}
	uctx := gousb.NewContext()
	devs, err := uctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		if d.Vendor != gousb.ID(u.cfg.VendorID) {
			return false
		}
		return u.cfg.ProductID == 0 || d.Product == gousb.ID(u.cfg.ProductID)
	})
	// OpenDevices may return devices alongside an error for ones it could not open.
	if len(devs) == 0 {
		_ = uctx.Close()
		if err != nil {
			return wrap("open", fmt.Errorf("usb enumerate: %w", err))
		}
		return wrap("open", fmt.Errorf("%w: %s", ErrNoDevice, u.cfg))
	}
	dev := devs[0]
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}
	fail := func(step string, err error) error {
		u.release(dev, nil, nil)
		_ = uctx.Close()
		return wrap("open", fmt.Errorf("usb %s: %w", step, err))
	}
	if err := dev.SetAutoDetach(true); err != nil {
		return fail("auto detach", err)
	}
	ucfg, err := dev.Config(u.cfg.Config)
	if err != nil {
		return fail("select config", err)
	}
	intf, err := ucfg.Interface(u.cfg.Interface, 0)
	if err != nil {
		u.release(nil, ucfg, nil)
		return fail("claim interface", err)
	}
	inNum, outNum := -1, -1
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn {
			inNum = ep.Number
		} else {
			outNum = ep.Number
		}
	}
	if inNum < 0 || outNum < 0 {
		u.release(nil, ucfg, intf)
		return fail("endpoints", fmt.Errorf("interface %d lacks bulk in/out pair", u.cfg.Interface))
	}
	in, err := intf.InEndpoint(inNum)
	if err != nil {
		u.release(nil, ucfg, intf)
		return fail("in endpoint", err)
	}
	out, err := intf.OutEndpoint(outNum)
	if err != nil {
		u.release(nil, ucfg, intf)
		return fail("out endpoint", err)
	}
	name := u.cfg.String()
	if sn, err := dev.SerialNumber(); err == nil && sn != "" {
		name = name + "/" + sn
	}
	u.uctx, u.dev, u.ucfg, u.intf, u.in, u.out, u.name = uctx, dev, ucfg, intf, in, out, name
	u.life, u.cancel = context.WithCancel(context.Background())
	u.opened.Store(true)
	return nil
}

// release closes the given handles in reverse order of acquisition.
func (u *USB) release(dev *gousb.Device, cfg *gousb.Config, intf *gousb.Interface) {
	if intf != nil {
		intf.Close()
	}
	if cfg != nil {
		_ = cfg.Close()
	}
	if dev != nil {
		_ = dev.Close()
	}
}

func (u *USB) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.opened.Swap(false) {
		return nil
	}
	u.cancel()
	u.release(nil, u.ucfg, u.intf)
	err := u.dev.Close()
	if cerr := u.uctx.Close(); err == nil {
		err = cerr
	}
	return wrap("close", err)
}

// ioContext merges the caller context with the session lifetime so Close
// aborts an in-flight bulk transfer.
func (u *USB) ioContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	u.mu.Lock()
	life := u.life
	opened := u.opened.Load()
	u.mu.Unlock()
	if life == nil {
		return nil, nil, wrap("io", ErrNotOpen)
	}
	if !opened {
		return nil, nil, wrap("io", ErrClosed)
	}
	ioctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(life, cancel)
	return ioctx, func() { stop(); cancel() }, nil
}

func (u *USB) Read(ctx context.Context) ([]byte, error) {
	ioctx, done, err := u.ioContext(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	buf := make([]byte, u.cfg.ReadSize)
	for {
		n, err := u.in.ReadContext(ioctx, buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			if !u.opened.Load() {
				return nil, wrap("read", ErrClosed)
			}
			return nil, wrap("read", err)
		}
		// zero-length packet; keep waiting
	}
}

func (u *USB) Write(ctx context.Context, b []byte) error {
	ioctx, done, err := u.ioContext(ctx)
	if err != nil {
		return err
	}
	defer done()
	if _, err := u.out.WriteContext(ioctx, b); err != nil {
		return wrap("write", err)
	}
	return nil
}
