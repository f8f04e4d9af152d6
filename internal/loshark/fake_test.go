package loshark

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-loshark/internal/api"
	"github.com/kstaniek/go-loshark/internal/cobs"
	"github.com/kstaniek/go-loshark/internal/logging"
	"github.com/kstaniek/go-loshark/internal/transport"
)

// fakeLink is an in-memory transport with a scripted device on the far end.
// Requests are answered from the writer goroutine: opened/open/close/ping by
// default, anything else only through handle.
type fakeLink struct {
	mu      sync.Mutex
	opened  bool
	closed  chan struct{}
	in      chan []byte
	readErr chan error
	openErr error
	block   chan struct{}
	blocked int
	dec     *cobs.Decoder
	nextID  uint32
	modem   bool
	reqs    []*api.Message

	// handle answers a request itself when it returns true.
	handle func(l *fakeLink, req *api.Message) bool
}

var _ transport.Transport = (*fakeLink)(nil)

func newFakeLink() *fakeLink { return &fakeLink{} }

func (l *fakeLink) Name() string { return "fake" }

func (l *fakeLink) Opened() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened
}

func (l *fakeLink) Open(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.openErr != nil {
		return &transport.Error{Op: "open", Err: l.openErr}
	}
	l.opened = true
	l.closed = make(chan struct{})
	l.in = make(chan []byte, 256)
	l.readErr = make(chan error, 1)
	l.dec = cobs.NewDecoder(0, l.onFrame)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opened {
		l.opened = false
		close(l.closed)
	}
	return nil
}

func (l *fakeLink) Read(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	closed, in, rerr := l.closed, l.in, l.readErr
	l.mu.Unlock()
	if closed == nil {
		return nil, &transport.Error{Op: "read", Err: transport.ErrNotOpen}
	}
	select {
	case <-closed:
		return nil, &transport.Error{Op: "read", Err: transport.ErrClosed}
	case err := <-rerr:
		return nil, &transport.Error{Op: "read", Err: err}
	case b := <-in:
		return b, nil
	case <-ctx.Done():
		return nil, &transport.Error{Op: "read", Err: ctx.Err()}
	}
}

func (l *fakeLink) Write(ctx context.Context, b []byte) error {
	l.mu.Lock()
	if !l.opened {
		l.mu.Unlock()
		return &transport.Error{Op: "write", Err: transport.ErrClosed}
	}
	dec, block, closed := l.dec, l.block, l.closed
	if block != nil {
		l.blocked++
	}
	l.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-closed:
			return &transport.Error{Op: "write", Err: transport.ErrClosed}
		}
	}
	dec.Feed(b)
	return nil
}

func (l *fakeLink) onFrame(frame []byte) {
	req, err := api.Msgpack{}.Decode(frame)
	if err != nil {
		return
	}
	l.mu.Lock()
	l.reqs = append(l.reqs, req)
	handle := l.handle
	l.mu.Unlock()
	if handle != nil && handle(l, req) {
		return
	}
	switch req.Op {
	case api.OpOpened:
		l.mu.Lock()
		open := l.modem
		l.mu.Unlock()
		l.reply(req, open)
	case api.OpOpen, api.OpClose:
		l.mu.Lock()
		l.modem = req.Op == api.OpOpen
		l.mu.Unlock()
		l.reply(req, nil)
	case api.OpPing:
		l.reply(req, nil)
	}
}

// push sends m to the host, numbering it from the device counter unless an
// id is already set.
func (l *fakeLink) push(m *api.Message) {
	l.mu.Lock()
	if m.ID == 0 {
		l.nextID++
		m.ID = l.nextID
	}
	in, open := l.in, l.opened
	l.mu.Unlock()
	if !open {
		return
	}
	payload, err := api.Msgpack{}.Encode(m)
	if err != nil {
		panic(err)
	}
	in <- cobs.Encode(payload)
}

func (l *fakeLink) pushRaw(b []byte) {
	l.mu.Lock()
	in := l.in
	l.mu.Unlock()
	in <- b
}

func (l *fakeLink) reply(req *api.Message, data any) {
	l.result(req.ID, true, "", data)
}

func (l *fakeLink) result(rid uint32, ok bool, message string, data any) {
	m, err := api.NewMessage(api.OpResult, data)
	if err != nil {
		panic(err)
	}
	m.Result = &api.Result{RID: rid, Success: ok, Message: message}
	l.push(m)
}

func (l *fakeLink) event(op string, data any) {
	m, err := api.NewMessage(op, data)
	if err != nil {
		panic(err)
	}
	l.push(m)
}

func (l *fakeLink) count(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.reqs {
		if r.Op == op {
			n++
		}
	}
	return n
}

func (l *fakeLink) last(op string) *api.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.reqs) - 1; i >= 0; i-- {
		if l.reqs[i].Op == op {
			return l.reqs[i]
		}
	}
	return nil
}

func (l *fakeLink) setModem(open bool) {
	l.mu.Lock()
	l.modem = open
	l.mu.Unlock()
}

func (l *fakeLink) blockedWrites() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blocked
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", d)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestController(l *fakeLink, opts ...Option) *Controller {
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return New(l, opts...)
}

// startSession runs Connect in the background and waits until the opened
// probe has been answered.
func startSession(t *testing.T, c *Controller, l *fakeLink) <-chan error {
	t.Helper()
	probes := l.count(api.OpOpened)
	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background()) }()
	waitUntil(t, 2*time.Second, func() bool {
		return l.count(api.OpOpened) > probes && c.Pending() == 0 && c.Connected().Get()
	})
	return errc
}

// endSession disconnects and returns the Connect result.
func endSession(t *testing.T, c *Controller, errc <-chan error) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
		return nil
	}
}
