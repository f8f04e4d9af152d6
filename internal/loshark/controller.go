// Package loshark implements the host side of the LoShark dongle protocol:
// request/response correlation over a framed byte stream, a progress-based
// liveness watchdog, listener dispatch of inbound envelopes and the
// connection lifecycle.
package loshark

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-loshark/internal/api"
	"github.com/kstaniek/go-loshark/internal/cobs"
	"github.com/kstaniek/go-loshark/internal/logging"
	"github.com/kstaniek/go-loshark/internal/metrics"
	"github.com/kstaniek/go-loshark/internal/transport"
)

const (
	// DefaultTimeout is the watchdog window of ordinary requests.
	DefaultTimeout = 500 * time.Millisecond
	// DefaultListTimeout is the watchdog window of listprop.
	DefaultListTimeout = 2 * time.Second
	// DefaultTxQueue is the depth of the outbound frame queue.
	DefaultTxQueue = 64
)

// Controller drives one LoShark device over a Transport. It is safe for
// concurrent use; at most one session is active at a time.
type Controller struct {
	tr          transport.Transport
	ser         api.Serializer
	logger      *slog.Logger
	timeout     time.Duration
	listTimeout time.Duration
	txQueue     int
	maxFrame    int
	onDecodeErr func(frame []byte, err error)
	now         func() time.Time

	// mu guards the session, both sequence counters and the pending map.
	mu       sync.Mutex
	state    State
	local    uint32 // last allocated id, 0 before the first
	remote   int64  // last inbound id, -1 before the first
	remoteAt time.Time
	pending  map[uint32]*pending
	sess     *session

	listeners   Registry
	connected   Flag
	modemOpened Flag
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithSerializer(s api.Serializer) Option {
	return func(c *Controller) {
		if s != nil {
			c.ser = s
		}
	}
}

// WithTimeout sets the watchdog window of ordinary requests.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithListTimeout sets the watchdog window of ListProps.
func WithListTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.listTimeout = d
		}
	}
}

func WithTxQueue(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.txQueue = n
		}
	}
}

func WithMaxFrame(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

// WithDecodeErrorHook receives every inbound frame that failed to decode, in
// addition to the log line and metric.
func WithDecodeErrorHook(fn func(frame []byte, err error)) Option {
	return func(c *Controller) { c.onDecodeErr = fn }
}

// New returns a disconnected controller for tr.
func New(tr transport.Transport, opts ...Option) *Controller {
	c := &Controller{
		tr:          tr,
		ser:         api.Msgpack{},
		logger:      logging.L(),
		timeout:     DefaultTimeout,
		listTimeout: DefaultListTimeout,
		txQueue:     DefaultTxQueue,
		maxFrame:    cobs.DefaultMaxFrame,
		now:         time.Now,
		remote:      -1,
		pending:     make(map[uint32]*pending),
	}
	for _, o := range opts {
		o(c)
	}
	c.listeners.logger = c.logger
	// The correlator is an ordinary result listener.
	c.listeners.Add(KindResult, c.onResult)
	c.connected.Watch(func(v bool) {
		metrics.SetConnected(v)
		if !v {
			c.modemOpened.set(false)
		}
	})
	c.modemOpened.Watch(metrics.SetModemOpened)
	return c
}

// AddListener registers fn for inbound envelopes of kind.
func (c *Controller) AddListener(kind Kind, fn Listener) (unregister func()) {
	return c.listeners.Add(kind, fn)
}

// Connected reports whether a session is open and its read loop active.
func (c *Controller) Connected() *Flag { return &c.connected }

// ModemOpened reports whether the device radio stack is enabled. It is forced
// false whenever Connected goes false.
func (c *Controller) ModemOpened() *Flag { return &c.modemOpened }

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteCounter returns the id of the last inbound envelope, or -1.
func (c *Controller) RemoteCounter() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Pending returns the number of requests awaiting a result.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Status is a point-in-time view of the controller.
type Status struct {
	State         string `json:"state"`
	Connected     bool   `json:"connected"`
	ModemOpened   bool   `json:"modemOpened"`
	Pending       int    `json:"pending"`
	RemoteCounter int64  `json:"remoteCounter"`
	TxQueued      int    `json:"txQueued"`
	Device        string `json:"device"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		State:         c.state.String(),
		Pending:       len(c.pending),
		RemoteCounter: c.remote,
	}
	if c.sess != nil {
		st.TxQueued = c.sess.tx.Queued()
	}
	c.mu.Unlock()
	st.Connected = c.connected.Get()
	st.ModemOpened = c.modemOpened.Get()
	st.Device = c.tr.Name()
	return st
}
