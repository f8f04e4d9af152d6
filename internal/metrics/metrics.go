package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-loshark/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	FramesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loshark_frames_rx_total",
		Help: "Total COBS frames decoded from the device link.",
	})
	FramesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loshark_frames_tx_total",
		Help: "Total COBS frames written to the device link.",
	})
	BytesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loshark_bytes_rx_total",
		Help: "Total raw bytes read from the transport.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loshark_malformed_frames_total",
		Help: "Total frames rejected by the COBS decoder (bad stuffing, oversize).",
	})
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loshark_decode_errors_total",
		Help: "Total frame payloads that failed msgpack envelope decoding.",
	})
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loshark_requests_total",
		Help: "Requests sent to the device by op.",
	}, []string{"op"})
	RequestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loshark_request_outcomes_total",
		Help: "Request completions by outcome (ok|rejected|timeout|cancelled|error).",
	}, []string{"outcome"})
	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loshark_request_duration_seconds",
		Help:    "Time from request send to successful settle.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
	}, []string{"op"})
	UnmatchedResults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loshark_unmatched_results_total",
		Help: "Result envelopes whose rid matched no pending request (late or duplicate).",
	})
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loshark_pending_requests",
		Help: "Requests currently awaiting a result.",
	})
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loshark_inbound_messages_total",
		Help: "Decoded inbound envelopes by op.",
	}, []string{"op"})
	ListenerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loshark_listener_panics_total",
		Help: "Listener callbacks that panicked during dispatch.",
	})
	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loshark_connected",
		Help: "1 while a device session is active.",
	})
	ModemOpened = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loshark_modem_opened",
		Help: "1 while the remote radio stack reports open.",
	})
	Sessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loshark_sessions_total",
		Help: "Device sessions successfully opened.",
	})
	HubDroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_messages_total",
		Help: "Total envelopes dropped by hub due to slow subscribers.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total subscribers disconnected due to backpressure kick policy.",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of event stream subscribers.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of subscribers targeted in the most recent broadcast.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTransportOpen  = "transport_open"
	ErrTransportRead  = "transport_read"
	ErrTransportWrite = "transport_write"
	ErrTxOverflow     = "tx_overflow"
	ErrEncode         = "encode"
	ErrProbe          = "probe"
	ErrHTTP           = "http"
	ErrWebsocket      = "websocket"
)

// Request outcome labels.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler { return promhttp.Handler() }

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready on a dedicated listener.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/ready", ReadyHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// ReadyHandler answers 200 when IsReady, 503 otherwise.
func ReadyHandler(w http.ResponseWriter, _ *http.Request) {
	if IsReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready\n"))
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localFramesRx   uint64
	localFramesTx   uint64
	localBytesRx    uint64
	localMalformed  uint64
	localDecodeErr  uint64
	localRequests   uint64
	localTimeouts   uint64
	localRejected   uint64
	localCancelled  uint64
	localUnmatched  uint64
	localPending    int64
	localPanics     uint64
	localSessions   uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubClients uint64
	localErrors     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	FramesRx     uint64
	FramesTx     uint64
	BytesRx      uint64
	Malformed    uint64
	DecodeErrors uint64
	Requests     uint64
	Timeouts     uint64
	Rejected     uint64
	Cancelled    uint64
	Unmatched    uint64
	Pending      int64
	Panics       uint64
	Sessions     uint64
	HubDrops     uint64
	HubKicks     uint64
	HubClients   uint64
	Errors       uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		FramesRx:     atomic.LoadUint64(&localFramesRx),
		FramesTx:     atomic.LoadUint64(&localFramesTx),
		BytesRx:      atomic.LoadUint64(&localBytesRx),
		Malformed:    atomic.LoadUint64(&localMalformed),
		DecodeErrors: atomic.LoadUint64(&localDecodeErr),
		Requests:     atomic.LoadUint64(&localRequests),
		Timeouts:     atomic.LoadUint64(&localTimeouts),
		Rejected:     atomic.LoadUint64(&localRejected),
		Cancelled:    atomic.LoadUint64(&localCancelled),
		Unmatched:    atomic.LoadUint64(&localUnmatched),
		Pending:      atomic.LoadInt64(&localPending),
		Panics:       atomic.LoadUint64(&localPanics),
		Sessions:     atomic.LoadUint64(&localSessions),
		HubDrops:     atomic.LoadUint64(&localHubDrop),
		HubKicks:     atomic.LoadUint64(&localHubKick),
		HubClients:   atomic.LoadUint64(&localHubClients),
		Errors:       atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncFramesRx() {
	FramesRx.Inc()
	atomic.AddUint64(&localFramesRx, 1)
}

func IncFramesTx() {
	FramesTx.Inc()
	atomic.AddUint64(&localFramesTx, 1)
}

func AddBytesRx(n int) {
	BytesRx.Add(float64(n))
	atomic.AddUint64(&localBytesRx, uint64(n))
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncDecodeError() {
	DecodeErrors.Inc()
	atomic.AddUint64(&localDecodeErr, 1)
}

// IncRequest counts one outbound request for op.
func IncRequest(op string) {
	Requests.WithLabelValues(op).Inc()
	atomic.AddUint64(&localRequests, 1)
}

// ObserveOutcome records how a request ended. Latency is recorded for successful requests only.
func ObserveOutcome(op, outcome string, took time.Duration) {
	RequestOutcomes.WithLabelValues(outcome).Inc()
	switch outcome {
	case OutcomeOK:
		RequestLatency.WithLabelValues(op).Observe(took.Seconds())
	case OutcomeTimeout:
		atomic.AddUint64(&localTimeouts, 1)
	case OutcomeRejected:
		atomic.AddUint64(&localRejected, 1)
	case OutcomeCancelled:
		atomic.AddUint64(&localCancelled, 1)
	}
}

func IncUnmatched() {
	UnmatchedResults.Inc()
	atomic.AddUint64(&localUnmatched, 1)
}

func SetPending(n int) {
	PendingRequests.Set(float64(n))
	atomic.StoreInt64(&localPending, int64(n))
}

func IncInbound(op string) { InboundMessages.WithLabelValues(op).Inc() }

func IncListenerPanic() {
	ListenerPanics.Inc()
	atomic.AddUint64(&localPanics, 1)
}

func IncSession() {
	Sessions.Inc()
	atomic.AddUint64(&localSessions, 1)
}

func SetConnected(v bool)   { Connected.Set(b2f(v)) }
func SetModemOpened(v bool) { ModemOpened.Set(b2f(v)) }

func IncHubDrop() {
	HubDroppedMessages.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) { HubBroadcastFanout.Set(float64(n)) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func b2f(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTransportOpen, ErrTransportRead, ErrTransportWrite,
		ErrTxOverflow, ErrEncode, ErrProbe, ErrHTTP, ErrWebsocket,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, o := range []string{OutcomeOK, OutcomeRejected, OutcomeTimeout, OutcomeCancelled, OutcomeError} {
		RequestOutcomes.WithLabelValues(o).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
