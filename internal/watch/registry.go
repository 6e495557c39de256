package watch

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Registry tracks listeners by logical key with a reference count. The last
// Release schedules teardown after a grace period; an Acquire before it
// fires keeps the listener.
type Registry struct {
	clock clockwork.Clock
	grace time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	cancel   CancelFunc
	refs     int
	teardown clockwork.Timer
	gen      int
}

func NewRegistry(clock clockwork.Clock, grace time.Duration) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{clock: clock, grace: grace, entries: map[string]*entry{}}
}

// Acquire takes a reference on key, calling open only when no listener
// exists. open runs under the registry lock and must not block. It reports
// whether open was called.
func (r *Registry) Acquire(key string, open func() CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.refs++
		if e.teardown != nil {
			e.teardown.Stop()
			e.teardown = nil
			e.gen++
		}
		return false
	}
	r.entries[key] = &entry{cancel: open(), refs: 1}
	return true
}

// Release drops a reference. Unknown keys and extra releases are ignored.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.refs == 0 {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	if r.grace <= 0 {
		delete(r.entries, key)
		r.mu.Unlock()
		e.cancel()
		return
	}
	e.gen++
	gen := e.gen
	e.teardown = r.clock.AfterFunc(r.grace, func() { r.expire(key, gen) })
	r.mu.Unlock()
}

// expire ignores timers from an earlier generation.
func (r *Registry) expire(key string, gen int) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.gen != gen || e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	r.mu.Unlock()
	e.cancel()
}

// Active reports whether key has a live listener, including one pending
// teardown.
func (r *Registry) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close tears everything down immediately.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = map[string]*entry{}
	r.mu.Unlock()
	for _, e := range entries {
		if e.teardown != nil {
			e.teardown.Stop()
		}
		e.cancel()
	}
}
