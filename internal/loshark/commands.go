package loshark

import (
	"context"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kstaniek/go-loshark/internal/api"
)

// Call sends an arbitrary request and returns the raw result payload. A
// non-positive timeout disables the watchdog; the call then ends with the
// result, ctx or the session.
func (c *Controller) Call(ctx context.Context, op string, data any, timeout time.Duration) (msgpack.RawMessage, error) {
	return c.roundTrip(ctx, call{op: op, data: data, timeout: timeout})
}

func (c *Controller) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, api.OpPing, nil, c.timeout)
	return err
}

// Opened queries the modem state and updates ModemOpened.
func (c *Controller) Opened(ctx context.Context) (bool, error) {
	raw, err := c.Call(ctx, api.OpOpened, nil, c.timeout)
	if err != nil {
		return false, err
	}
	open, err := api.DecodeBool(raw)
	if err != nil {
		return false, err
	}
	c.noteModem(open)
	return open, nil
}

// noteModem records a modem state reported by the device. modemOpened is
// never left true while disconnected: a teardown between the check and the
// set is undone by the second check.
func (c *Controller) noteModem(open bool) {
	if !c.connected.Get() {
		return
	}
	if c.modemOpened.set(open) && open && !c.connected.Get() {
		c.modemOpened.set(false)
	}
}

// Open enables the modem. It sends open only when a fresh query reports the
// modem closed, then queries again to confirm.
func (c *Controller) Open(ctx context.Context) error {
	open, err := c.Opened(ctx)
	if err != nil || open {
		return err
	}
	if _, err := c.Call(ctx, api.OpOpen, nil, c.timeout); err != nil {
		return err
	}
	_, err = c.Opened(ctx)
	return err
}

// Close disables the modem; the mirror of Open.
func (c *Controller) Close(ctx context.Context) error {
	open, err := c.Opened(ctx)
	if err != nil || !open {
		return err
	}
	if _, err := c.Call(ctx, api.OpClose, nil, c.timeout); err != nil {
		return err
	}
	_, err = c.Opened(ctx)
	return err
}

func (c *Controller) GetTime(ctx context.Context) (api.Timespec, error) {
	raw, err := c.Call(ctx, api.OpGetTime, nil, c.timeout)
	if err != nil {
		return api.Timespec{}, err
	}
	return api.DecodeTimespec(raw)
}

func (c *Controller) SetTime(ctx context.Context, ts api.Timespec) error {
	_, err := c.Call(ctx, api.OpSetTime, ts, c.timeout)
	return err
}

// GetProp returns the value of one device property. Integers come back as
// int64 or uint64, floats as float64.
func (c *Controller) GetProp(ctx context.Context, key string) (any, error) {
	raw, err := c.Call(ctx, api.OpGetProp, api.GetPropData(key), c.timeout)
	if err != nil {
		return nil, err
	}
	return api.DecodePropValue(raw)
}

func (c *Controller) SetProp(ctx context.Context, key string, value any) error {
	_, err := c.Call(ctx, api.OpSetProp, api.SetPropData(key, value), c.timeout)
	return err
}

// ListProps returns every device property sorted by key.
func (c *Controller) ListProps(ctx context.Context) ([]api.Prop, error) {
	raw, err := c.Call(ctx, api.OpListProp, nil, c.listTimeout)
	if err != nil {
		return nil, err
	}
	props, err := api.DecodePropList(raw)
	if err != nil {
		return nil, err
	}
	sort.Slice(props, func(i, j int) bool { return props[i].Key < props[j].Key })
	return props, nil
}

// Transmit sends buf over the air. Airtime is unbounded so there is no
// watchdog; bound the call with ctx.
func (c *Controller) Transmit(ctx context.Context, buf []byte) error {
	_, err := c.Call(ctx, api.OpTransmit, api.TransmitData(buf), 0)
	return err
}
