package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/go-loshark/internal/api"
	"github.com/kstaniek/go-loshark/internal/metrics"
)

func TestHub_Broadcast_DropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)

	// Don't read from cl.Out to simulate slow client
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(&Event{Op: api.OpEvent})
	}
	elapsed := time.Since(start)
	if elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected client buffer to be full, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
}

func TestHub_Broadcast_DropKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := NewClient(1)
	fast := NewClient(16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	before := metrics.Snap().HubDrops
	for i := 0; i < 10; i++ {
		h.Broadcast(&Event{Op: api.OpSignal})
	}
	if len(fast.Out) != 10 {
		t.Fatalf("fast client got %d events, want 10", len(fast.Out))
	}
	if got := metrics.Snap().HubDrops - before; got != 9 {
		t.Fatalf("drops=%d, want 9", got)
	}
}

func TestHub_Broadcast_KickClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	slow := NewClient(1)
	h.Add(slow)
	defer h.Remove(slow)

	h.Broadcast(&Event{Op: api.OpEvent})
	h.Broadcast(&Event{Op: api.OpEvent})
	select {
	case <-slow.Closed:
	default:
		t.Fatal("slow client not kicked")
	}
}

func TestHub_OpsFilterAndSequence(t *testing.T) {
	h := New()
	sig := NewClient(8, api.OpSignal)
	all := NewClient(8)
	h.Add(sig)
	h.Add(all)
	defer h.Remove(sig)
	defer h.Remove(all)

	h.Broadcast(&Event{Op: api.OpReceive})
	h.Broadcast(&Event{Op: api.OpSignal})
	if len(sig.Out) != 1 || len(all.Out) != 2 {
		t.Fatalf("sig=%d all=%d", len(sig.Out), len(all.Out))
	}
	a, b := <-all.Out, <-all.Out
	if b.Seq != a.Seq+1 {
		t.Fatalf("seq not increasing: %d then %d", a.Seq, b.Seq)
	}
	if ev := <-sig.Out; ev.Op != api.OpSignal {
		t.Fatalf("filtered client got %s", ev.Op)
	}
}

func TestHub_PublishConvertsEnvelope(t *testing.T) {
	h := New()
	cl := NewClient(1)
	h.Add(cl)
	defer h.Remove(cl)

	m, err := api.NewMessage(api.OpReceive, api.ReceiveData{Timestamp: 9, Buffer: []byte("ok")})
	if err != nil {
		t.Fatal(err)
	}
	m.ID = 12
	m.Signal = &api.SignalStat{RSSI: -70}
	h.Publish(m)
	ev := <-cl.Out
	if ev.ID != 12 || ev.Op != api.OpReceive || ev.Signal == nil || ev.Signal.RSSI != -70 {
		t.Fatalf("event=%+v", ev)
	}
	data, ok := ev.Data.(map[string]any)
	if !ok || data["timestamp"] != int64(9) {
		t.Fatalf("data=%#v", ev.Data)
	}
	if ev.Preview != "6f 6b" {
		t.Fatalf("preview=%q", ev.Preview)
	}

	sig := &api.Message{ID: 13, Op: api.OpSignal, Signal: &api.SignalStat{SNR: 7}}
	h.Publish(sig)
	if ev := <-cl.Out; ev.Preview != "" {
		t.Fatalf("signal got preview %q", ev.Preview)
	}
}

func TestHub_RemoveIdempotent(t *testing.T) {
	h := New()
	cl := NewClient(1)
	h.Add(cl)
	h.Remove(cl)
	h.Remove(cl)
	if h.Count() != 0 {
		t.Fatalf("count=%d", h.Count())
	}
}
