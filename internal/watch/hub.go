package watch

import (
	"sync"
	"sync/atomic"
)

// Hub shares one source per key among any number of subscribers. A late
// subscriber immediately receives the most recent value, and every
// subscriber sees each value at most once.
type Hub[T any] struct {
	open func(key string, emit func(T)) CancelFunc

	mu     sync.Mutex
	topics map[string]*topic[T]
	nextID int
	// goroutines currently inside a fan-out or replay, by id
	delivering map[int64]int
}

type topic[T any] struct {
	cancel CancelFunc
	subs   map[int]*hubSub[T]
	last   T
	seq    int
	// serializes fan-out and replay so values reach each subscriber in order
	deliverMu sync.Mutex
}

type hubSub[T any] struct {
	fn     func(T)
	active atomic.Bool
	// seq of the last value handed to fn, guarded by the topic's deliverMu
	seen int
}

// NewHub builds a hub whose sources come from open. open is called with the
// hub lock held and must call emit asynchronously.
func NewHub[T any](open func(key string, emit func(T)) CancelFunc) *Hub[T] {
	return &Hub[T]{open: open, topics: map[string]*topic[T]{}, delivering: map[int64]int{}}
}

func (h *Hub[T]) Subscribe(key string, fn func(T)) CancelFunc {
	h.mu.Lock()
	t, ok := h.topics[key]
	if !ok {
		t = &topic[T]{subs: map[int]*hubSub[T]{}}
		h.topics[key] = t
		t.cancel = h.open(key, func(v T) { h.emit(key, t, v) })
	}
	h.nextID++
	id := h.nextID
	s := &hubSub[T]{fn: fn}
	s.active.Store(true)
	t.subs[id] = s
	h.mu.Unlock()

	if ok {
		t.deliverMu.Lock()
		h.mu.Lock()
		last, seq := t.last, t.seq
		h.mu.Unlock()
		// a fan-out between joining and this replay already delivered last
		if seq > s.seen && s.active.Load() {
			s.seen = seq
			h.run(func() { fn(last) })
		}
		t.deliverMu.Unlock()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.active.Store(false)
			h.unsubscribe(key, t, id)
		})
	}
}

// unsubscribe closes the source with its last subscriber. From inside a
// callback the source is closed on a new goroutine, since closing it may
// wait for a delivery that is blocked behind the caller.
func (h *Hub[T]) unsubscribe(key string, t *topic[T], id int) {
	self := goid()
	h.mu.Lock()
	delete(t.subs, id)
	if len(t.subs) > 0 || h.topics[key] != t {
		h.mu.Unlock()
		return
	}
	delete(h.topics, key)
	inside := h.delivering[self] > 0
	h.mu.Unlock()
	if inside {
		go t.cancel()
		return
	}
	t.cancel()
}

func (h *Hub[T]) emit(key string, t *topic[T], v T) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	h.mu.Lock()
	if h.topics[key] != t {
		h.mu.Unlock()
		return
	}
	t.seq++
	t.last = v
	seq := t.seq
	subs := make([]*hubSub[T], 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	h.run(func() {
		for _, s := range subs {
			if s.active.Load() && s.seen < seq {
				s.seen = seq
				s.fn(v)
			}
		}
	})
}

// run marks the calling goroutine as delivering while fn runs.
func (h *Hub[T]) run(fn func()) {
	self := goid()
	h.mu.Lock()
	h.delivering[self]++
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.delivering[self]--; h.delivering[self] == 0 {
			delete(h.delivering, self)
		}
		h.mu.Unlock()
	}()
	fn()
}

// Sources is the number of open sources.
func (h *Hub[T]) Sources() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}
