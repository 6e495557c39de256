package presence

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"

	"local.dev/bond/internal/models"
	"local.dev/bond/internal/store"
	"local.dev/bond/internal/watch"
)

// DocChannel keeps isOnline/lastSeen on the user document. The channel has
// no disconnect hook, so a heartbeat refreshes lastSeen and readers treat an
// online flag with a stale lastSeen as offline.
type DocChannel struct {
	store   store.Store
	opts    Options
	watcher *watch.Watcher
	hub     *watch.Hub[models.Presence]

	mu        sync.Mutex
	uid       string
	want      bool
	debounce  clockwork.Timer
	gen       int
	written   bool
	lastState bool
	lastWrite time.Time
	stopBeat  chan struct{}
	writes    int
}

func NewDocChannel(s store.Store, opts Options) *DocChannel {
	c := &DocChannel{store: s, opts: opts.withDefaults(), watcher: watch.NewWatcher(s, "presence")}
	c.hub = watch.NewHub(c.open)
	return c
}

func (c *DocChannel) Start(ctx context.Context, uid string) error {
	c.mu.Lock()
	c.stopLocked()
	c.uid = uid
	c.want = true
	c.written = false
	stop := make(chan struct{})
	c.stopBeat = stop
	c.mu.Unlock()

	go c.heartbeat(stop)
	return c.write(ctx, true, true)
}

// SetOnline coalesces a burst of calls into one write of the final state,
// issued after the debounce delay. The write is skipped when the state is
// unchanged and the last write is younger than the throttle interval.
func (c *DocChannel) SetOnline(_ context.Context, online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uid == "" {
		return
	}
	c.want = online
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.gen++
	gen := c.gen
	c.debounce = c.opts.Clock.AfterFunc(c.opts.Debounce, func() { c.flush(gen) })
}

func (c *DocChannel) flush(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.uid == "" {
		c.mu.Unlock()
		return
	}
	c.debounce = nil
	want := c.want
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = c.write(ctx, want, false)
}

// Stop cancels pending work and writes offline regardless of the throttle,
// retrying once on failure.
func (c *DocChannel) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.uid == "" {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	c.want = false
	c.mu.Unlock()

	if err := c.write(ctx, false, true); err != nil {
		if err := c.write(ctx, false, true); err != nil {
			glog.Warningf("[presence]offline retry failed: %v\n", err)
		}
	}
	c.mu.Lock()
	c.uid = ""
	c.mu.Unlock()
}

func (c *DocChannel) stopLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.gen++
	if c.stopBeat != nil {
		close(c.stopBeat)
		c.stopBeat = nil
	}
}

func (c *DocChannel) heartbeat(stop chan struct{}) {
	t := c.opts.Clock.NewTicker(c.opts.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.Chan():
			c.mu.Lock()
			want := c.want
			c.mu.Unlock()
			if !want {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			_ = c.write(ctx, true, true)
			cancel()
		}
	}
}

func (c *DocChannel) write(ctx context.Context, online, force bool) error {
	c.mu.Lock()
	uid := c.uid
	now := c.opts.Clock.Now()
	if uid == "" {
		c.mu.Unlock()
		return nil
	}
	if !force && c.written && c.lastState == online && now.Sub(c.lastWrite) < c.opts.Throttle {
		c.mu.Unlock()
		glog.V(2).Infof("[presence]throttled %s online=%v\n", uid, online)
		return nil
	}
	c.written, c.lastState, c.lastWrite = true, online, now
	c.writes++
	c.mu.Unlock()

	err := c.store.Commit(ctx, store.Merge(models.UserPath(uid), map[string]any{
		"isOnline": online,
		"lastSeen": store.ServerTimestamp,
	}))
	if err != nil {
		glog.Warningf("[presence]write %s online=%v: %v\n", uid, online, err)
		c.mu.Lock()
		c.written = false
		c.mu.Unlock()
	}
	return err
}

// Writes is the number of writes issued, throttled calls excluded.
func (c *DocChannel) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *DocChannel) SubscribeOne(uid string, fn func(models.Presence)) watch.CancelFunc {
	return c.hub.Subscribe(uid, fn)
}

func (c *DocChannel) SubscribeMany(uids []string, fn func(map[string]models.Presence)) watch.CancelFunc {
	return subscribeMany(c.SubscribeOne, uids, fn)
}

func (c *DocChannel) open(uid string, emit func(models.Presence)) watch.CancelFunc {
	w := &docWatch{clock: c.opts.Clock, emit: emit}
	cancel := c.watcher.WatchPrivate(store.DocQuery(models.UserPath(uid)), func(snap store.Snapshot) {
		if len(snap.Docs) == 0 {
			w.publish(offline(uid), 0)
			return
		}
		var u models.UserProfile
		if err := snap.Docs[0].DataTo(&u); err != nil {
			glog.Warningf("[presence]decode %s: %v\n", uid, err)
			w.publish(offline(uid), 0)
			return
		}
		p, left := c.fromProfile(uid, u)
		w.publish(p, left)
	}, func(err error) {
		glog.Warningf("[presence]watch %s: %v\n", uid, err)
		w.publish(offline(uid), 0)
	})
	return func() {
		w.stop()
		cancel()
	}
}

// fromProfile applies the stale rule: an online flag counts only while
// lastSeen is within two heartbeats. left is how long it keeps counting.
func (c *DocChannel) fromProfile(uid string, u models.UserProfile) (models.Presence, time.Duration) {
	p := models.Presence{UserID: uid, State: models.StateOffline, LastSeen: u.LastSeen, LastChanged: u.LastSeen}
	left := u.LastSeen.Add(2 * c.opts.Heartbeat).Sub(c.opts.Clock.Now())
	if u.IsOnline && left >= 0 {
		p.State = models.StateOnline
		return p, left
	}
	return p, 0
}

// docWatch re-emits an online user as offline once their lastSeen goes
// stale, so a client that crashed without writing offline drops out even
// though no further snapshot arrives.
type docWatch struct {
	clock clockwork.Clock
	emit  func(models.Presence)

	// held across emit so an expiry cannot overtake a newer snapshot
	mu      sync.Mutex
	expiry  clockwork.Timer
	gen     int
	stopped bool
}

func (w *docWatch) publish(p models.Presence, left time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.expiry != nil {
		w.expiry.Stop()
		w.expiry = nil
	}
	w.gen++
	if p.Online() {
		gen := w.gen
		w.expiry = w.clock.AfterFunc(left, func() { w.expire(p, gen) })
	}
	w.emit(p)
}

func (w *docWatch) expire(p models.Presence, gen int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || gen != w.gen {
		return
	}
	w.expiry = nil
	p.State = models.StateOffline
	w.emit(p)
}

func (w *docWatch) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.gen++
	if w.expiry != nil {
		w.expiry.Stop()
		w.expiry = nil
	}
}
