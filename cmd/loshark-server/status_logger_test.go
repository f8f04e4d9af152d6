package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-loshark/internal/loshark"
	"github.com/kstaniek/go-loshark/internal/metrics"
)

type fixedStatus loshark.Status

func (f fixedStatus) Status() loshark.Status { return loshark.Status(f) }

func TestStatusAttrsDeltas(t *testing.T) {
	prev := metrics.Snapshot{FramesRx: 10, Requests: 4, Timeouts: 1, HubClients: 9}
	cur := metrics.Snapshot{FramesRx: 15, Requests: 6, Timeouts: 1, HubClients: 2, Sessions: 3}
	attrs := statusAttrs(loshark.Status{State: "connected", Pending: 1, RemoteCounter: 77}, prev, cur)
	got := map[string]any{}
	for i := 0; i+1 < len(attrs); i += 2 {
		got[attrs[i].(string)] = attrs[i+1]
	}
	want := map[string]any{
		"state":          "connected",
		"pending":        1,
		"remote_counter": int64(77),
		"frames_rx":      uint64(5),
		"requests":       uint64(2),
		"timeouts":       uint64(0),
		"hub_clients":    uint64(2),
		"sessions":       uint64(3),
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %#v, want %#v", k, got[k], v)
		}
	}
}

func TestStatusLoggerEmitsAndStops(t *testing.T) {
	var mu sync.Mutex
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&lockedWriter{mu: &mu, w: &buf}, nil))
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	startStatusLogger(ctx, 5*time.Millisecond, fixedStatus{State: "connected"}, l, &wg)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		out := buf.String()
		mu.Unlock()
		if strings.Contains(out, "msg=status_snapshot") && strings.Contains(out, "state=connected") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no snapshot logged: %q", out)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	startStatusLogger(context.Background(), 0, fixedStatus{}, l, &wg)
	wg.Wait()
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}
