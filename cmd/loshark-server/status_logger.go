package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-loshark/internal/loshark"
	"github.com/kstaniek/go-loshark/internal/metrics"
)

type statusSource interface {
	Status() loshark.Status
}

// startStatusLogger logs the session state and the traffic seen since the
// previous line every interval. Disabled when interval <= 0.
func startStatusLogger(ctx context.Context, interval time.Duration, src statusSource, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		prev := metrics.Snap()
		for {
			select {
			case <-t.C:
				cur := metrics.Snap()
				l.Info("status_snapshot", statusAttrs(src.Status(), prev, cur)...)
				prev = cur
			case <-ctx.Done():
				return
			}
		}
	}()
}

// statusAttrs pairs the controller state with counter deltas between two
// snapshots. Gauges are reported as-is.
func statusAttrs(st loshark.Status, prev, cur metrics.Snapshot) []any {
	return []any{
		"state", st.State,
		"modem_opened", st.ModemOpened,
		"pending", st.Pending,
		"remote_counter", st.RemoteCounter,
		"frames_rx", cur.FramesRx - prev.FramesRx,
		"frames_tx", cur.FramesTx - prev.FramesTx,
		"bytes_rx", cur.BytesRx - prev.BytesRx,
		"requests", cur.Requests - prev.Requests,
		"timeouts", cur.Timeouts - prev.Timeouts,
		"rejected", cur.Rejected - prev.Rejected,
		"unmatched", cur.Unmatched - prev.Unmatched,
		"decode_errors", cur.DecodeErrors - prev.DecodeErrors,
		"hub_clients", cur.HubClients,
		"hub_drops", cur.HubDrops - prev.HubDrops,
		"sessions", cur.Sessions,
		"errors", cur.Errors - prev.Errors,
	}
}
