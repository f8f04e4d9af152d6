package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-loshark/internal/loshark"
)

// device is the part of *loshark.Controller the supervisor drives.
type device interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Open(ctx context.Context) error
}

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = sleepCtx

// sleepCtx waits d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// supervisor keeps a device session up: it reconnects with doubling backoff
// after every session end until stopped.
type supervisor struct {
	dev      device
	l        *slog.Logger
	min, max time.Duration
	autoOpen bool
	now      func() time.Time

	mu     sync.Mutex
	parent context.Context
	cancel context.CancelFunc
	done   chan struct{}
	runCtx context.Context
}

func newSupervisor(parent context.Context, dev device, cfg *appConfig, l *slog.Logger) *supervisor {
	return &supervisor{
		dev:      dev,
		l:        l,
		min:      cfg.reconnectMin,
		max:      cfg.reconnectMax,
		autoOpen: cfg.autoOpen,
		now:      time.Now,
		parent:   parent,
	}
}

// Start launches the reconnect loop. It fails if the loop already runs.
func (s *supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return loshark.ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(s.parent)
	s.runCtx, s.cancel, s.done = ctx, cancel, make(chan struct{})
	go s.run(ctx, s.done)
	return nil
}

// Stop ends the loop and disconnects the device. It returns once the loop
// exited or ctx expired.
func (s *supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done, s.runCtx = nil, nil, nil
	s.mu.Unlock()
	if done == nil {
		return loshark.ErrNotConnected
	}
	cancel()
	err := s.dev.Disconnect(ctx)
	if errors.Is(err, loshark.ErrNotConnected) {
		err = nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Running reports whether the reconnect loop is active.
func (s *supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

func (s *supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := s.min
	for {
		start := s.now()
		err := s.dev.Connect(ctx)
		if ctx.Err() != nil {
			s.l.Info("supervisor_stopped")
			return
		}
		if s.now().Sub(start) >= stableSession {
			backoff = s.min
		}
		if err != nil {
			s.l.Warn("session_ended", "error", err, "retry_in", backoff)
		} else {
			s.l.Info("session_ended", "retry_in", backoff)
		}
		sleepFn(ctx, backoff)
		if ctx.Err() != nil {
			s.l.Info("supervisor_stopped")
			return
		}
		backoff *= 2
		if backoff > s.max {
			backoff = s.max
		}
	}
}

// onConnected watches the controller's connected flag and opens the modem
// once a session is up when auto-open is set.
func (s *supervisor) onConnected(v bool) {
	if !v || !s.autoOpen {
		return
	}
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	go func() {
		if err := s.dev.Open(ctx); err != nil {
			s.l.Warn("modem_auto_open_failed", "error", err)
			return
		}
		s.l.Info("modem_auto_opened")
	}()
}
