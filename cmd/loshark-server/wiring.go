package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-loshark/internal/api"
	"github.com/kstaniek/go-loshark/internal/hub"
	"github.com/kstaniek/go-loshark/internal/logging"
	"github.com/kstaniek/go-loshark/internal/loshark"
)

// setupLogger installs the process logger. cfg has been validated.
func setupLogger(cfg *appConfig) *slog.Logger {
	lvl, _ := logging.ParseLevel(cfg.logLevel)
	logging.SetLevel(lvl)
	l := logging.New(cfg.logFormat, os.Stderr).With("app", "loshark-server")
	logging.Set(l)
	return l
}

func newEventHub(cfg *appConfig) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	if cfg.hubPolicy == "kick" {
		h.Policy = hub.PolicyKick
	}
	return h
}

type listenerSource interface {
	AddListener(kind loshark.Kind, fn loshark.Listener) (unregister func())
}

// forwardEvents publishes every unsolicited envelope to h. Received LoRa
// payloads are also logged at debug. The returned func detaches the listeners.
func forwardEvents(src listenerSource, h *hub.Hub, l *slog.Logger) func() {
	offs := []func(){
		src.AddListener(loshark.KindEvent, h.Publish),
		src.AddListener(loshark.KindSignal, h.Publish),
		src.AddListener(loshark.KindReceive, func(m *api.Message) {
			var rx api.ReceiveData
			if err := m.DecodeData(&rx); err == nil {
				l.Debug("lora_rx", "id", m.ID, "len", len(rx.Buffer), "data", api.DataPreview(rx.Buffer), "signal", m.Signal)
			} else {
				l.Debug("lora_rx_undecoded", "id", m.ID, "error", err)
			}
			h.Publish(m)
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}
