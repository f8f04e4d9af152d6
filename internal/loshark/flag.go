package loshark

import "sync"

// Flag is an observable boolean cell. Watchers run synchronously on the
// goroutine that changed the value, in registration order, and only on change.
type Flag struct {
	notify sync.Mutex // serializes set+notify so watchers see changes in order

	mu       sync.Mutex
	v        bool
	next     uint64
	watchers []flagWatcher
}

type flagWatcher struct {
	id uint64
	fn func(bool)
}

// Get returns the current value.
func (f *Flag) Get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v
}

// Watch registers fn for value changes and returns a func that removes it.
// Watchers must not change the same flag.
func (f *Flag) Watch(fn func(bool)) (cancel func()) {
	f.mu.Lock()
	f.next++
	id := f.next
	ws := make([]flagWatcher, len(f.watchers), len(f.watchers)+1)
	copy(ws, f.watchers)
	f.watchers = append(ws, flagWatcher{id: id, fn: fn})
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, w := range f.watchers {
			if w.id == id {
				ws := make([]flagWatcher, 0, len(f.watchers)-1)
				ws = append(ws, f.watchers[:i]...)
				f.watchers = append(ws, f.watchers[i+1:]...)
				return
			}
		}
	}
}

// set stores v and reports whether the value changed.
func (f *Flag) set(v bool) bool {
	f.notify.Lock()
	defer f.notify.Unlock()
	f.mu.Lock()
	if f.v == v {
		f.mu.Unlock()
		return false
	}
	f.v = v
	ws := f.watchers
	f.mu.Unlock()
	for _, w := range ws {
		w.fn(v)
	}
	return true
}
