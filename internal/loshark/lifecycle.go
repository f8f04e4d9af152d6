package loshark

import (
	"context"
	"errors"
	"fmt"

	"github.com/kstaniek/go-loshark/internal/api"
	"github.com/kstaniek/go-loshark/internal/cobs"
	"github.com/kstaniek/go-loshark/internal/metrics"
	"github.com/kstaniek/go-loshark/internal/transport"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// session is the per-connection write path and read loop.
type session struct {
	tx     *transport.Writer
	enc    *cobs.Encoder
	cancel context.CancelFunc
	done   chan struct{}
	err    error // read loop result; valid once done is closed
}

// Connect opens the transport and runs the session until it ends. The modem
// state is probed concurrently with the read loop; a failed probe tears the
// session down and is returned. Otherwise Connect returns nil after a
// Disconnect or a *TransportError when reading failed. Cancelling ctx ends
// the session.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.tr.Open(ctx); err != nil {
		_ = c.tr.Close()
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		metrics.IncError(metrics.ErrTransportOpen)
		c.logger.Warn("transport_open_failed", "device", c.tr.Name(), "error", err)
		return transportErr("open", err)
	}
	s := c.startSession()
	c.logger.Info("session_open", "device", c.tr.Name())

	if _, err := c.Opened(ctx); err != nil {
		c.abort()
		<-s.done
		if errors.Is(err, ErrCancelled) {
			// The session ended under the probe; report why.
			return s.err
		}
		metrics.IncError(metrics.ErrProbe)
		c.logger.Warn("session_probe_failed", "device", c.tr.Name(), "error", err)
		return err
	}
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		c.abort()
		<-s.done
		return ctx.Err()
	}
}

func (c *Controller) startSession() *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{cancel: cancel, done: make(chan struct{})}
	s.tx = transport.NewWriter(ctx, c.tr, c.txQueue)
	s.tx.OnSent = func(int) { metrics.IncFramesTx() }
	s.tx.OnError = func(err error) {
		metrics.IncError(metrics.ErrTransportWrite)
		c.logger.Warn("transport_write_failed", "device", c.tr.Name(), "error", err)
	}
	s.tx.OnOverflow = func() { metrics.IncError(metrics.ErrTxOverflow) }
	s.enc = cobs.NewEncoder(s.tx.Send)

	c.mu.Lock()
	c.sess = s
	c.state = StateConnected
	c.remote = -1
	c.remoteAt = c.now()
	c.mu.Unlock()
	c.connected.set(true)
	metrics.IncSession()

	go func() {
		err := c.readLoop(ctx)
		c.teardown(s, err)
	}()
	return s
}

// active reports whether the read loop should keep going.
func (c *Controller) active() bool {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	return st == StateConnected && c.tr.Opened()
}

// readLoop feeds inbound chunks to the frame decoder until the session stops
// being active. A read failure while active is returned as *TransportError.
func (c *Controller) readLoop(ctx context.Context) error {
	dec := cobs.NewDecoder(c.maxFrame, c.onFrame)
	defer func() {
		if n := dec.Buffered(); n > 0 {
			c.logger.Debug("partial_frame_dropped", "device", c.tr.Name(), "bytes", n)
		}
	}()
	for c.active() {
		chunk, err := c.tr.Read(ctx)
		if err != nil {
			if !c.active() {
				return nil
			}
			metrics.IncError(metrics.ErrTransportRead)
			return transportErr("read", err)
		}
		metrics.AddBytesRx(len(chunk))
		dec.Feed(chunk)
	}
	return nil
}

// onFrame decodes one frame and dispatches it.
func (c *Controller) onFrame(frame []byte) {
	m, err := c.ser.Decode(frame)
	if err != nil {
		metrics.IncDecodeError()
		c.logger.Warn("api_decode_error", "len", len(frame), "frame", api.DataPreview(frame), "error", err)
		if c.onDecodeErr != nil {
			c.onDecodeErr(frame, err)
		}
		return
	}
	c.observeRemote(m.ID)
	c.logger.Debug("api_rx", "id", m.ID, "op", m.Op, "data", api.DataPreview(m.Data))
	kind, ok := KindOf(m.Op)
	if !ok {
		metrics.IncInbound("unknown")
		c.logger.Debug("api_rx_unknown_op", "id", m.ID, "op", m.Op)
		return
	}
	metrics.IncInbound(m.Op)
	c.listeners.Dispatch(kind, m)
}

// teardown ends session s after its read loop returned err.
func (c *Controller) teardown(s *session, err error) {
	c.mu.Lock()
	if c.state == StateConnected {
		c.state = StateDisconnecting
	}
	c.mu.Unlock()

	// The transport goes first: the writer's Close waits for a write in progress.
	if cerr := c.tr.Close(); cerr != nil && err == nil {
		err = transportErr("close", cerr)
	}
	c.connected.set(false)
	s.cancel()
	s.tx.Close()
	n := c.cancelAll(ErrCancelled)

	c.mu.Lock()
	c.sess = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	s.err = err
	if err != nil {
		c.logger.Warn("session_closed", "device", c.tr.Name(), "cancelled", n, "error", err)
	} else {
		c.logger.Info("session_closed", "device", c.tr.Name(), "cancelled", n)
	}
	close(s.done)
}

// abort ends the current session without the ping handshake.
func (c *Controller) abort() {
	c.mu.Lock()
	if c.state == StateConnected {
		c.state = StateDisconnecting
	}
	c.mu.Unlock()
	c.connected.set(false)
	_ = c.tr.Close()
}

// Disconnect clears both flags, sends a ping so the reply wakes the read loop,
// then fails every still-pending request with ErrCancelled. If the ping fails
// the transport is closed and the ping error returned. Disconnect returns once
// the session has ended, or after closing the transport when ctx expires first.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	if c.state != StateConnected || s == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.state = StateDisconnecting
	c.mu.Unlock()
	c.connected.set(false)
	c.logger.Info("session_disconnect", "device", c.tr.Name())

	_, err := c.roundTrip(ctx, call{op: api.OpPing, timeout: c.timeout, flush: true})
	if err != nil {
		c.logger.Warn("disconnect_ping_failed", "device", c.tr.Name(), "error", err)
		_ = c.tr.Close()
	}
	c.cancelAll(ErrCancelled)
	select {
	case <-s.done:
	case <-ctx.Done():
		_ = c.tr.Close()
		<-s.done
	}
	return err
}
