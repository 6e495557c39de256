package presence

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
)

type State int

const (
	StateUninitialized State = iota
	StateOnline
	StateBackgroundGrace
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateBackgroundGrace:
		return "background-grace"
	case StateOffline:
		return "offline"
	}
	return "uninitialized"
}

// Event is a client lifecycle signal.
type Event int

const (
	EventVisible Event = iota
	EventHidden
	EventNetworkOnline
	EventNetworkOffline
	EventBeforeUnload
)

func (e Event) String() string {
	switch e {
	case EventVisible:
		return "visible"
	case EventHidden:
		return "hidden"
	case EventNetworkOnline:
		return "network-online"
	case EventNetworkOffline:
		return "network-offline"
	case EventBeforeUnload:
		return "beforeunload"
	}
	return "unknown"
}

// Tracker drives a presence Store from session and lifecycle events. Hiding
// the client starts a grace window; the user goes offline only if it is
// still hidden when the window ends.
type Tracker struct {
	store Store
	clock clockwork.Clock
	grace time.Duration

	mu     sync.Mutex
	state  State
	active bool
	timer  clockwork.Timer
	gen    int
}

func NewTracker(s Store, clock clockwork.Clock, grace time.Duration) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Tracker{store: s, clock: clock, grace: grace}
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) SignIn(ctx context.Context, uid string) error {
	t.mu.Lock()
	t.cancelGraceLocked()
	t.state = StateOnline
	t.active = true
	t.mu.Unlock()
	glog.Infof("[presence]session start %s\n", uid)
	return t.store.Start(ctx, uid)
}

func (t *Tracker) SignOut(ctx context.Context) {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.cancelGraceLocked()
	t.state = StateOffline
	t.active = false
	t.mu.Unlock()
	t.store.Stop(ctx)
}

// Handle applies one lifecycle event. Events outside a session are ignored.
func (t *Tracker) Handle(ctx context.Context, ev Event) {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	prev := t.state
	var action func()
	switch ev {
	case EventHidden:
		if t.state != StateOnline {
			break
		}
		t.state = StateBackgroundGrace
		t.gen++
		gen := t.gen
		t.timer = t.clock.AfterFunc(t.grace, func() { t.graceElapsed(gen) })
	case EventVisible, EventNetworkOnline:
		t.cancelGraceLocked()
		t.state = StateOnline
		if prev != StateBackgroundGrace {
			action = func() { t.store.SetOnline(ctx, true) }
		}
	case EventNetworkOffline:
		t.cancelGraceLocked()
		t.state = StateOffline
		action = func() { t.store.SetOnline(ctx, false) }
	case EventBeforeUnload:
		t.cancelGraceLocked()
		t.state = StateOffline
		t.active = false
		action = func() { t.store.Stop(ctx) }
	}
	cur := t.state
	t.mu.Unlock()

	if prev != cur {
		glog.V(2).Infof("[presence]%v: %v -> %v\n", ev, prev, cur)
	}
	if action != nil {
		action()
	}
}

func (t *Tracker) graceElapsed(gen int) {
	t.mu.Lock()
	if gen != t.gen || t.state != StateBackgroundGrace {
		t.mu.Unlock()
		return
	}
	t.state = StateOffline
	t.timer = nil
	t.mu.Unlock()
	glog.V(2).Infof("[presence]grace elapsed, going offline\n")
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	t.store.SetOnline(ctx, false)
}

func (t *Tracker) cancelGraceLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}
