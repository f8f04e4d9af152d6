package main

import (
	"testing"

	"github.com/kstaniek/go-loshark/internal/api"
	"github.com/kstaniek/go-loshark/internal/hub"
	"github.com/kstaniek/go-loshark/internal/logging"
	"github.com/kstaniek/go-loshark/internal/loshark"
)

type recordingSource struct {
	fns     map[loshark.Kind]loshark.Listener
	removed int
}

func (r *recordingSource) AddListener(kind loshark.Kind, fn loshark.Listener) func() {
	if r.fns == nil {
		r.fns = map[loshark.Kind]loshark.Listener{}
	}
	r.fns[kind] = fn
	return func() { r.removed++ }
}

func TestNewEventHubPolicy(t *testing.T) {
	cfg := validConfig()
	cfg.hubBuffer = 3
	if h := newEventHub(cfg); h.Policy != hub.PolicyDrop || h.OutBufSize != 3 {
		t.Fatalf("drop hub: policy=%v buf=%d", h.Policy, h.OutBufSize)
	}
	cfg.hubPolicy = "kick"
	if h := newEventHub(cfg); h.Policy != hub.PolicyKick {
		t.Fatalf("kick hub: policy=%v", h.Policy)
	}
}

func TestForwardEvents(t *testing.T) {
	src := &recordingSource{}
	h := hub.New()
	cl := hub.NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)

	off := forwardEvents(src, h, logging.Discard())
	for _, k := range []loshark.Kind{loshark.KindEvent, loshark.KindSignal, loshark.KindReceive} {
		if src.fns[k] == nil {
			t.Fatalf("no listener for %v", k)
		}
	}
	if _, ok := src.fns[loshark.KindResult]; ok {
		t.Fatal("results must stay with the correlator")
	}

	rx, err := api.NewMessage(api.OpReceive, api.ReceiveData{Timestamp: 5, Buffer: []byte("hi")})
	if err != nil {
		t.Fatal(err)
	}
	rx.ID = 11
	src.fns[loshark.KindReceive](rx)
	src.fns[loshark.KindSignal](&api.Message{ID: 12, Op: api.OpSignal, Signal: &api.SignalStat{RSSI: -80}})

	ev := <-cl.Out
	if ev.Op != api.OpReceive || ev.ID != 11 || ev.Data == nil {
		t.Fatalf("receive event %+v", ev)
	}
	ev = <-cl.Out
	if ev.Op != api.OpSignal || ev.Signal == nil || ev.Signal.RSSI != -80 {
		t.Fatalf("signal event %+v", ev)
	}

	off()
	if src.removed != 3 {
		t.Fatalf("removed %d listeners", src.removed)
	}
}
