package session

import (
	"sync"

	"local.dev/bond/internal/models"
	"local.dev/bond/internal/presence"
	"local.dev/bond/internal/watch"
)

// presenceSubs is the session's view of the shared presence store: every
// subscription opened through it ends when the session does.
type presenceSubs struct {
	presence.Store

	mu     sync.Mutex
	next   int
	active map[int]watch.CancelFunc
	closed bool
}

func newPresenceSubs(s presence.Store) *presenceSubs {
	return &presenceSubs{Store: s, active: map[int]watch.CancelFunc{}}
}

func (p *presenceSubs) SubscribeOne(uid string, fn func(models.Presence)) watch.CancelFunc {
	return p.track(func() watch.CancelFunc { return p.Store.SubscribeOne(uid, fn) })
}

func (p *presenceSubs) SubscribeMany(uids []string, fn func(map[string]models.Presence)) watch.CancelFunc {
	return p.track(func() watch.CancelFunc { return p.Store.SubscribeMany(uids, fn) })
}

func (p *presenceSubs) track(open func() watch.CancelFunc) watch.CancelFunc {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return func() {}
	}
	p.next++
	id := p.next
	p.mu.Unlock()

	cancel := open()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return func() {}
	}
	p.active[id] = cancel
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.active, id)
			p.mu.Unlock()
			cancel()
		})
	}
}

// Close cancels every open subscription; later subscribes are no-ops.
func (p *presenceSubs) Close() {
	p.mu.Lock()
	p.closed = true
	active := p.active
	p.active = map[int]watch.CancelFunc{}
	p.mu.Unlock()
	for _, cancel := range active {
		cancel()
	}
}
