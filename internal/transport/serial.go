package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// OpenPort opens a tarm/serial port. Tests replace it via SerialConfig.OpenPort.
func OpenPort(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// SerialConfig selects a CDC-ACM tty exposed by the dongle.
type SerialConfig struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration // poll interval; a timed-out read is retried, not surfaced
	ReadBufSize int
	// Exclusive takes an advisory flock on the device node so a second bridge fails fast.
	Exclusive bool
	// OpenPort overrides the port opener (nil selects OpenPort).
	OpenPort func(name string, baud int, readTimeout time.Duration) (Port, error)
}

const (
	defaultBaud        = 115200
	defaultReadTimeout = 50 * time.Millisecond
	defaultReadBufSize = 4096
)

// Serial is a Transport over a serial port.
type Serial struct {
	cfg SerialConfig

	mu     sync.Mutex
	port   Port
	unlock func()
	done   chan struct{}
	opened atomic.Bool
	buf    []byte
}

var _ Transport = (*Serial)(nil)

// NewSerial returns an unopened serial transport.
func NewSerial(cfg SerialConfig) *Serial {
	if cfg.Baud <= 0 {
		cfg.Baud = defaultBaud
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReadBufSize <= 0 {
		cfg.ReadBufSize = defaultReadBufSize
	}
	if cfg.OpenPort == nil {
		cfg.OpenPort = OpenPort
	}
	return &Serial{cfg: cfg}
}

func (s *Serial) Name() string { return s.cfg.Device }

func (s *Serial) Opened() bool { return s.opened.Load() }

func (s *Serial) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return wrap("open", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened.Load() {
		return nil
	}
	unlock := func() {}
	if s.cfg.Exclusive {
		u, err := lockDevice(s.cfg.Device)
		if err != nil {
			return wrap("open", err)
		}
		unlock = u
	}
	p, err := s.cfg.OpenPort(s.cfg.Device, s.cfg.Baud, s.cfg.ReadTimeout)
	if err != nil {
		unlock()
		return wrap("open", fmt.Errorf("open serial %s: %w", s.cfg.Device, err))
	}
	s.port = p
	s.unlock = unlock
	s.done = make(chan struct{})
	s.buf = make([]byte, s.cfg.ReadBufSize)
	s.opened.Store(true)
	return nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened.Swap(false) {
		return nil
	}
	close(s.done)
	err := s.port.Close()
	s.unlock()
	return wrap("close", err)
}

func (s *Serial) session() (Port, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, nil, wrap("io", ErrNotOpen)
	}
	if !s.opened.Load() {
		return nil, nil, wrap("io", ErrClosed)
	}
	return s.port, s.done, nil
}

// Read blocks until at least one byte arrives, the port is closed, or ctx ends.
// Read timeouts of the underlying port are polling ticks and are not surfaced.
func (s *Serial) Read(ctx context.Context) ([]byte, error) {
	p, done, err := s.session()
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-done:
			return nil, wrap("read", ErrClosed)
		case <-ctx.Done():
			return nil, wrap("read", ctx.Err())
		default:
		}
		n, err := p.Read(s.buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, s.buf[:n])
			return out, nil
		}
		if err == nil || errors.Is(err, io.EOF) {
			continue // timed-out poll
		}
		select {
		case <-done:
			return nil, wrap("read", ErrClosed)
		default:
		}
		return nil, wrap("read", err)
	}
}

func (s *Serial) Write(ctx context.Context, b []byte) error {
	p, _, err := s.session()
	if err != nil {
		return err
	}
	for len(b) > 0 {
		if err := ctx.Err(); err != nil {
			return wrap("write", err)
		}
		n, err := p.Write(b)
		if err != nil {
			return wrap("write", err)
		}
		if n == 0 {
			return wrap("write", io.ErrShortWrite)
		}
		b = b[n:]
	}
	return nil
}
