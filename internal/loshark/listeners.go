package loshark

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-loshark/internal/api"
	"github.com/kstaniek/go-loshark/internal/logging"
	"github.com/kstaniek/go-loshark/internal/metrics"
)

// Kind selects which inbound envelopes a listener receives.
type Kind uint8

const (
	KindResult Kind = iota
	KindEvent
	KindSignal
	KindReceive
	numKinds
)

var kindNames = [numKinds]string{
	KindResult:  api.OpResult,
	KindEvent:   api.OpEvent,
	KindSignal:  api.OpSignal,
	KindReceive: api.OpReceive,
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// KindOf maps an inbound op to its listener kind.
func KindOf(op string) (Kind, bool) {
	for k, name := range kindNames {
		if name == op {
			return Kind(k), true
		}
	}
	return 0, false
}

// ParseKind is KindOf returning an error for unknown names.
func ParseKind(s string) (Kind, error) {
	if k, ok := KindOf(s); ok {
		return k, nil
	}
	return 0, fmt.Errorf("unknown listener kind %q (use result|event|signal|receive)", s)
}

// Listener receives the whole inbound envelope. It runs on the read loop and
// must not block on controller requests.
type Listener func(*api.Message)

type listenerHandle struct {
	fn      Listener
	removed atomic.Bool
}

// Registry holds listeners per kind. Lists are copy-on-write so a listener may
// (un)register others, or itself, while a dispatch pass is running.
type Registry struct {
	mu     sync.Mutex
	lists  [numKinds][]*listenerHandle
	logger *slog.Logger
}

// Add registers fn for kind and returns its unregister func. Unregistering is
// idempotent; a removed listener is not invoked again, even later in a pass
// that is already running.
func (r *Registry) Add(kind Kind, fn Listener) (unregister func()) {
	if kind >= numKinds || fn == nil {
		return func() {}
	}
	h := &listenerHandle{fn: fn}
	r.mu.Lock()
	cur := r.lists[kind]
	next := make([]*listenerHandle, len(cur), len(cur)+1)
	copy(next, cur)
	r.lists[kind] = append(next, h)
	r.mu.Unlock()
	return func() {
		if h.removed.Swap(true) {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		cur := r.lists[kind]
		next := make([]*listenerHandle, 0, len(cur))
		for _, o := range cur {
			if o != h {
				next = append(next, o)
			}
		}
		r.lists[kind] = next
	}
}

// Len returns the number of listeners registered for kind.
func (r *Registry) Len(kind Kind) int {
	if kind >= numKinds {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lists[kind])
}

// Dispatch invokes every listener of kind in registration order. A panicking
// listener is logged and counted; the remaining listeners still run.
func (r *Registry) Dispatch(kind Kind, m *api.Message) {
	if kind >= numKinds {
		return
	}
	r.mu.Lock()
	list := r.lists[kind]
	r.mu.Unlock()
	for _, h := range list {
		if h.removed.Load() {
			continue
		}
		r.invoke(kind, h.fn, m)
	}
}

func (r *Registry) invoke(kind Kind, fn Listener, m *api.Message) {
	defer func() {
		if p := recover(); p != nil {
			metrics.IncListenerPanic()
			r.log().Error("listener_panic", "kind", kind.String(), "id", m.ID, "panic", fmt.Sprint(p))
		}
	}()
	fn(m)
}

func (r *Registry) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return logging.L()
}
