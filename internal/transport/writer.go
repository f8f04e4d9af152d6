package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrWriterClosed is returned by Send once the writer has been closed.
	ErrWriterClosed = errors.New("frame writer closed")
	// ErrTxOverflow is returned by Send when the queue is full.
	ErrTxOverflow = errors.New("tx queue overflow")
)

// Writer owns the write side of a Transport for one session. Frames are
// written in Send order by a single goroutine; Send itself never blocks on
// the device.
//
//	w := NewWriter(ctx, tr, 64)
//	err := w.Send(frame) // nil, ErrTxOverflow or ErrWriterClosed
//	w.Close()
//
// Frames still queued when Close runs are discarded.
type Writer struct {
	tr     Transport
	queue  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed atomic.Bool

	// OnSent runs after each frame reaches the transport, with its length.
	OnSent func(n int)
	// OnError runs when the transport rejects a frame. The writer keeps going.
	OnError func(error)
	// OnOverflow runs when Send finds the queue full.
	OnOverflow func()
}

// NewWriter starts the write goroutine. depth bounds the number of frames
// waiting behind the one being written. Hooks must be set before the first
// Send.
func NewWriter(parent context.Context, tr Transport, depth int) *Writer {
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(parent)
	w := &Writer{tr: tr, queue: make(chan []byte, depth), ctx: ctx, cancel: cancel}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Writer) run() {
	defer w.wg.Done()
	for {
		select {
		case frame, ok := <-w.queue:
			if !ok || w.ctx.Err() != nil {
				return
			}
			if err := w.tr.Write(w.ctx, frame); err != nil {
				if w.OnError != nil {
					w.OnError(err)
				}
				continue
			}
			if w.OnSent != nil {
				w.OnSent(len(frame))
			}
		case <-w.ctx.Done():
			return
		}
	}
}

// Send queues one encoded frame.
func (w *Writer) Send(frame []byte) error {
	if w.closed.Load() {
		return ErrWriterClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return ErrWriterClosed
	}
	select {
	case w.queue <- frame:
		return nil
	default:
		if w.OnOverflow != nil {
			w.OnOverflow()
		}
		return ErrTxOverflow
	}
}

// Queued reports how many frames wait behind the one in flight.
func (w *Writer) Queued() int { return len(w.queue) }

// Close stops the goroutine and waits for it. A write already handed to the
// transport finishes first, so close the transport beforehand to bound the wait.
func (w *Writer) Close() {
	if w.closed.Swap(true) {
		return
	}
	w.cancel()
	w.mu.Lock()
	close(w.queue)
	w.mu.Unlock()
	w.wg.Wait()
}
