// Package hub fans inbound device envelopes out to streaming subscribers.
package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-loshark/internal/api"
	"github.com/kstaniek/go-loshark/internal/logging"
	"github.com/kstaniek/go-loshark/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// Event is one inbound envelope as delivered to subscribers.
type Event struct {
	Seq    uint64          `json:"seq"`
	Time   time.Time       `json:"time"`
	ID     uint32          `json:"id"`
	Op     string          `json:"op"`
	Data   any             `json:"data,omitempty"`
	Signal *api.SignalStat `json:"signal,omitempty"`
	// Preview is the leading bytes of a received LoRa payload in hex.
	Preview string `json:"preview,omitempty"`
}

// EventOf converts an envelope. Payloads that do not decode are left out.
func EventOf(m *api.Message) *Event {
	ev := &Event{Time: time.Now(), ID: m.ID, Op: m.Op, Signal: m.Signal}
	if v, err := m.DataValue(); err == nil {
		ev.Data = v
	}
	if m.Op == api.OpReceive {
		var rx api.ReceiveData
		if err := m.DecodeData(&rx); err == nil {
			ev.Preview = api.DataPreview(rx.Buffer)
		}
	}
	return ev
}

type Client struct {
	Out       chan *Event
	Closed    chan struct{}
	closeOnce sync.Once
	// Ops restricts delivery to these ops; empty means all.
	Ops map[string]bool
}

// NewClient returns a client with an outbound buffer of size buf.
func NewClient(buf int, ops ...string) *Client {
	c := &Client{Out: make(chan *Event, buf), Closed: make(chan struct{})}
	if len(ops) > 0 {
		c.Ops = make(map[string]bool, len(ops))
		for _, op := range ops {
			c.Ops[op] = true
		}
	}
	return c
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

func (c *Client) wants(op string) bool { return len(c.Ops) == 0 || c.Ops[op] }

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	seq        atomic.Uint64
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{}), OutBufSize: 256} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Publish is a listener adapter: it converts m and broadcasts it.
func (h *Hub) Publish(m *api.Message) { h.Broadcast(EventOf(m)) }

// Broadcast sends an event to all interested clients honoring the
// backpressure policy. It never blocks.
func (h *Hub) Broadcast(ev *Event) {
	ev.Seq = h.seq.Add(1)
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	for _, c := range clients {
		if !c.wants(ev.Op) {
			continue
		}
		select {
		case c.Out <- ev:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // signal writer to exit; server will Remove on disconnect
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
