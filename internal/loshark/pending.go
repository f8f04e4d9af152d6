package loshark

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kstaniek/go-loshark/internal/api"
	"github.com/kstaniek/go-loshark/internal/metrics"
	"github.com/kstaniek/go-loshark/internal/transport"
)

// pending is one request awaiting its result.
type pending struct {
	id   uint32
	op   string
	sent time.Time
	snap int64 // remote counter when the request was registered
	done chan outcome
}

type outcome struct {
	data msgpack.RawMessage
	err  error
}

type call struct {
	op      string
	data    any
	timeout time.Duration // watchdog window; <= 0 waits for the result or ctx
	flush   bool          // may be sent while disconnecting
}

// nextIDLocked allocates the next local id, wrapping to 1 after api.MaxID and
// skipping ids that are still pending.
func (c *Controller) nextIDLocked() uint32 {
	for {
		c.local = c.local%api.MaxID + 1
		if _, busy := c.pending[c.local]; !busy {
			return c.local
		}
	}
}

// register allocates an id and records the pending entry before anything is
// written, so a fast result always finds it.
func (c *Controller) register(cl call) (*pending, *session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sess
	switch {
	case s == nil:
		return nil, nil, ErrNotConnected
	case c.state == StateConnected:
	case c.state == StateDisconnecting && cl.flush:
	default:
		return nil, nil, ErrNotConnected
	}
	p := &pending{
		id:   c.nextIDLocked(),
		op:   cl.op,
		sent: c.now(),
		snap: c.remote,
		done: make(chan outcome, 1),
	}
	c.pending[p.id] = p
	metrics.SetPending(len(c.pending))
	return p, s, nil
}

// roundTrip sends one request and waits for its result under the watchdog.
func (c *Controller) roundTrip(ctx context.Context, cl call) (msgpack.RawMessage, error) {
	msg, err := api.NewMessage(cl.op, cl.data)
	if err != nil {
		metrics.IncError(metrics.ErrEncode)
		return nil, err
	}
	p, s, err := c.register(cl)
	if err != nil {
		return nil, err
	}
	msg.ID = p.id
	metrics.IncRequest(cl.op)
	if err := c.send(s, msg); err != nil {
		c.forget(p)
		c.observe(p, err)
		return nil, err
	}
	data, err := c.await(ctx, p, cl.timeout)
	c.observe(p, err)
	return data, err
}

func (c *Controller) send(s *session, msg *api.Message) error {
	payload, err := c.ser.Encode(msg)
	if err != nil {
		metrics.IncError(metrics.ErrEncode)
		return err
	}
	c.logger.Debug("api_tx", "id", msg.ID, "op", msg.Op, "data", api.DataPreview(msg.Data))
	if err := s.enc.Encode(payload); err != nil {
		if errors.Is(err, transport.ErrWriterClosed) {
			return ErrNotConnected
		}
		return fmt.Errorf("%s id %d: %w", msg.Op, msg.ID, err)
	}
	return nil
}

// settle completes the pending entry rid with the outcome built from it.
// It reports false when nothing was pending under rid.
func (c *Controller) settle(rid uint32, build func(*pending) outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[rid]
	if ok {
		delete(c.pending, rid)
		metrics.SetPending(len(c.pending))
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- build(p)
	return true
}

// forget removes p without completing it. It reports false when p was
// already settled, in which case its outcome is waiting on p.done.
func (c *Controller) forget(p *pending) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[p.id] != p {
		return false
	}
	delete(c.pending, p.id)
	metrics.SetPending(len(c.pending))
	return true
}

// cancelAll fails every pending request with err and returns how many there were.
func (c *Controller) cancelAll(err error) int {
	c.mu.Lock()
	ps := c.pending
	c.pending = make(map[uint32]*pending)
	metrics.SetPending(0)
	c.mu.Unlock()
	for _, p := range ps {
		p.done <- outcome{err: err}
	}
	return len(ps)
}

// onResult is the correlator's result listener.
func (c *Controller) onResult(m *api.Message) {
	r := m.Result
	if r == nil {
		c.logger.Debug("api_result_missing", "id", m.ID)
		return
	}
	ok := c.settle(r.RID, func(p *pending) outcome {
		if !r.Success {
			return outcome{err: &RemoteError{Op: p.op, Message: r.Message}}
		}
		return outcome{data: m.Data}
	})
	if !ok {
		metrics.IncUnmatched()
		c.logger.Debug("api_result_unmatched", "id", m.ID, "rid", r.RID, "success", r.Success)
	}
}

func (c *Controller) observe(p *pending, err error) {
	label := metrics.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, ErrRemoteRejected):
		label = metrics.OutcomeRejected
	case errors.Is(err, ErrCommunicationTimeout):
		label = metrics.OutcomeTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		label = metrics.OutcomeCancelled
	default:
		label = metrics.OutcomeError
	}
	took := c.now().Sub(p.sent)
	metrics.ObserveOutcome(p.op, label, took)
	if err != nil {
		c.logger.Debug("api_request_failed", "id", p.id, "op", p.op, "took", took, "error", err)
	}
}
