package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errLinkDown = errors.New("link down")

// sinkLink records writes. A non-nil gate parks every Write until it closes.
type sinkLink struct {
	mu      sync.Mutex
	frames  [][]byte
	gate    chan struct{}
	entered chan struct{}
	err     error
}

func (s *sinkLink) Open(context.Context) error           { return nil }
func (s *sinkLink) Close() error                         { return nil }
func (s *sinkLink) Read(context.Context) ([]byte, error) { return nil, ErrClosed }
func (s *sinkLink) Opened() bool                         { return true }
func (s *sinkLink) Name() string                         { return "sink" }

func (s *sinkLink) Write(ctx context.Context, p []byte) error {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, append([]byte(nil), p...))
	return nil
}

func (s *sinkLink) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func TestWriterSendsInOrder(t *testing.T) {
	link := &sinkLink{}
	w := NewWriter(context.Background(), link, 4)
	defer w.Close()
	var sent atomic.Int64
	w.OnSent = func(n int) { sent.Add(int64(n)) }
	for i := 0; i < 3; i++ {
		if err := w.Send([]byte{byte(i + 1), 0}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	deadline := time.Now().Add(time.Second)
	for sent.Load() < 6 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	got := link.written()
	if len(got) != 3 || sent.Load() != 6 {
		t.Fatalf("frames=%d bytes=%d", len(got), sent.Load())
	}
	for i, fr := range got {
		if !bytes.Equal(fr, []byte{byte(i + 1), 0}) {
			t.Fatalf("frame %d = %x", i, fr)
		}
	}
}

func TestWriterOverflow(t *testing.T) {
	link := &sinkLink{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	w := NewWriter(context.Background(), link, 1)
	defer w.Close()
	var overflows atomic.Int64
	w.OnOverflow = func() { overflows.Add(1) }

	if err := w.Send([]byte{1}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-link.entered:
	case <-time.After(time.Second):
		t.Fatal("first frame never reached the link")
	}
	if err := w.Send([]byte{2}); err != nil {
		t.Fatalf("queued send: %v", err)
	}
	if w.Queued() != 1 {
		t.Fatalf("queued=%d", w.Queued())
	}
	if err := w.Send([]byte{3}); !errors.Is(err, ErrTxOverflow) {
		t.Fatalf("expected ErrTxOverflow, got %v", err)
	}
	if overflows.Load() != 1 {
		t.Fatalf("overflows=%d", overflows.Load())
	}
	close(link.gate)
}

func TestWriterReportsLinkErrors(t *testing.T) {
	link := &sinkLink{err: errLinkDown}
	w := NewWriter(context.Background(), link, 2)
	defer w.Close()
	errs := make(chan error, 2)
	w.OnError = func(err error) { errs <- err }
	_ = w.Send([]byte{0})
	_ = w.Send([]byte{1})
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, errLinkDown) {
				t.Fatalf("error hook got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("error hook not called for every frame")
		}
	}
}

func TestWriterCloseUnblocksParkedWrite(t *testing.T) {
	link := &sinkLink{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	w := NewWriter(context.Background(), link, 2)
	_ = w.Send([]byte{1})
	<-link.entered
	done := make(chan struct{})
	go func() { w.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	if err := w.Send([]byte{2}); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("send after close: %v", err)
	}
	w.Close()
	if n := len(link.written()); n != 0 {
		t.Fatalf("%d frames written", n)
	}
}

func TestWriterParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	link := &sinkLink{}
	w := NewWriter(ctx, link, 4)
	cancel()
	time.Sleep(10 * time.Millisecond)
	_ = w.Send([]byte{1})
	time.Sleep(10 * time.Millisecond)
	if n := len(link.written()); n != 0 {
		t.Fatalf("wrote %d frames after cancel", n)
	}
	w.Close()
}

func TestWriterCloseRacesSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		w := NewWriter(context.Background(), &sinkLink{}, 1)
		errc := make(chan error, 1)
		go func() { errc <- w.Send([]byte{0}) }()
		w.Close()
		if err := <-errc; err != nil && !errors.Is(err, ErrWriterClosed) && !errors.Is(err, ErrTxOverflow) {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}
}
