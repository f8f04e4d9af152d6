package loshark

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// await waits for p to settle. With a positive window the request fails with
// ErrCommunicationTimeout once a whole window passes in which the remote
// counter did not move past the last value seen. Any inbound envelope counts
// as progress, not only the result for p. Each observed advance re-arms the
// window from the moment of that advance.
func (c *Controller) await(ctx context.Context, p *pending, window time.Duration) (msgpack.RawMessage, error) {
	var expired <-chan time.Time
	var timer *time.Timer
	if window > 0 {
		timer = time.NewTimer(window)
		defer timer.Stop()
		expired = timer.C
	}
	snap := p.snap
	for {
		select {
		case o := <-p.done:
			return o.data, o.err
		case <-ctx.Done():
			return c.abandon(p, ctx.Err())
		case <-expired:
			remote, at := c.progress()
			if remote <= snap {
				return c.abandon(p, fmt.Errorf("%w: %s id %d after %s", ErrCommunicationTimeout, p.op, p.id, window))
			}
			snap = remote
			next := at.Add(window).Sub(c.now())
			if next <= 0 {
				next = window
			}
			timer.Reset(next)
		}
	}
}

// abandon drops p from correlation and returns err. A result that won the
// race is returned instead. A result arriving later is unmatched.
func (c *Controller) abandon(p *pending, err error) (msgpack.RawMessage, error) {
	if c.forget(p) {
		return nil, err
	}
	o := <-p.done
	return o.data, o.err
}

// progress returns the remote counter and when it last advanced.
func (c *Controller) progress() (int64, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote, c.remoteAt
}

// observeRemote records the id of an inbound envelope.
func (c *Controller) observeRemote(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int64(id) > c.remote {
		c.remoteAt = c.now()
	}
	c.remote = int64(id)
}
