package presence

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"local.dev/bond/internal/models"
	"local.dev/bond/internal/tree"
	"local.dev/bond/internal/watch"
)

// TreeChannel keeps status/{uid} in the realtime tree. Every online write is
// preceded by an acknowledged disconnect hook that sets the record offline,
// so a crashed client still goes offline.
type TreeChannel struct {
	tree tree.Tree
	opts Options
	hub  *watch.Hub[models.Presence]

	mu       sync.Mutex
	uid      string
	want     bool
	hook     tree.OnDisconnect
	connStop func()
}

func NewTreeChannel(t tree.Tree, opts Options) *TreeChannel {
	c := &TreeChannel{tree: t, opts: opts.withDefaults()}
	c.hub = watch.NewHub(c.open)
	return c
}

func record(state models.PresenceState) map[string]any {
	return map[string]any{
		"state":       string(state),
		"lastChanged": tree.ServerTimestamp,
		"lastSeen":    tree.ServerTimestamp,
	}
}

func (c *TreeChannel) Start(ctx context.Context, uid string) error {
	c.mu.Lock()
	if c.connStop != nil {
		c.connStop()
		c.connStop = nil
	}
	c.uid = uid
	c.want = true
	c.hook = c.tree.OnDisconnect(models.StatusPath(uid))
	c.mu.Unlock()

	if c.tree.Supports(tree.CapConnectionState) {
		c.watchConnection(uid)
	}
	return c.goOnline(ctx, uid)
}

// goOnline arms the disconnect hook and only then writes online.
func (c *TreeChannel) goOnline(ctx context.Context, uid string) error {
	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	if hook == nil {
		return nil
	}
	// New never makes a hookless tree authoritative; as a mirror it writes
	// without the safety net.
	if err := hook.Set(ctx, record(models.StateOffline)); err != nil && !errors.Is(err, tree.ErrUnsupported) {
		glog.Warningf("[presence]arm disconnect hook for %s: %v\n", uid, err)
		return err
	}
	if err := c.tree.Set(ctx, models.StatusPath(uid), record(models.StateOnline)); err != nil {
		glog.Warningf("[presence]online write for %s: %v\n", uid, err)
		return err
	}
	return nil
}

func (c *TreeChannel) SetOnline(ctx context.Context, online bool) {
	c.mu.Lock()
	uid := c.uid
	c.want = online
	c.mu.Unlock()
	if uid == "" {
		return
	}
	if online {
		_ = c.goOnline(ctx, uid)
		return
	}
	if err := c.tree.Set(ctx, models.StatusPath(uid), record(models.StateOffline)); err != nil {
		glog.Warningf("[presence]offline write for %s: %v\n", uid, err)
	}
}

// Stop cancels the disconnect hook before the manual offline write, so the
// hook cannot fire later over another session's online state.
func (c *TreeChannel) Stop(ctx context.Context) {
	c.mu.Lock()
	uid, hook := c.uid, c.hook
	c.uid, c.hook, c.want = "", nil, false
	if c.connStop != nil {
		c.connStop()
		c.connStop = nil
	}
	c.mu.Unlock()
	if uid == "" {
		return
	}
	if err := hook.Cancel(ctx); err != nil {
		glog.Warningf("[presence]cancel disconnect hook for %s: %v\n", uid, err)
	}
	path := models.StatusPath(uid)
	if err := c.tree.Set(ctx, path, record(models.StateOffline)); err != nil {
		if err := c.tree.Set(ctx, path, record(models.StateOffline)); err != nil {
			glog.Warningf("[presence]offline retry for %s failed: %v\n", uid, err)
		}
	}
}

// watchConnection re-arms the hook and rewrites online after a reconnect;
// hooks are consumed when the connection drops.
func (c *TreeChannel) watchConnection(uid string) {
	ctx, cancel := context.WithCancel(context.Background())
	it := c.tree.Values(ctx, tree.ConnectedPath)
	c.mu.Lock()
	c.connStop = func() {
		cancel()
		it.Stop()
	}
	c.mu.Unlock()

	go func() {
		connected := true
		for {
			v, err := it.Next()
			if err != nil {
				return
			}
			now := v.Bool()
			if now && !connected {
				c.mu.Lock()
				want, cur := c.want, c.uid
				c.mu.Unlock()
				if want && cur == uid {
					glog.Infof("[presence]reconnected, re-arming %s\n", uid)
					_ = c.goOnline(ctx, uid)
				}
			}
			connected = now
		}
	}()
}

func (c *TreeChannel) SubscribeOne(uid string, fn func(models.Presence)) watch.CancelFunc {
	return c.hub.Subscribe(uid, fn)
}

func (c *TreeChannel) SubscribeMany(uids []string, fn func(map[string]models.Presence)) watch.CancelFunc {
	return subscribeMany(c.SubscribeOne, uids, fn)
}

func (c *TreeChannel) open(uid string, emit func(models.Presence)) watch.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	it := c.tree.Values(ctx, models.StatusPath(uid))
	go func() {
		for {
			v, err := it.Next()
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, tree.ErrStopped) {
					glog.Warningf("[presence]watch %s: %v\n", uid, err)
					emit(offline(uid))
				}
				return
			}
			emit(fromRecord(uid, v))
		}
	}()
	return func() {
		cancel()
		it.Stop()
	}
}

func fromRecord(uid string, v tree.Value) models.Presence {
	m := v.Map()
	if m == nil {
		return offline(uid)
	}
	p := models.Presence{
		UserID:      uid,
		State:       models.StateOffline,
		LastSeen:    tree.Millis(m["lastSeen"]),
		LastChanged: tree.Millis(m["lastChanged"]),
	}
	if s, _ := m["state"].(string); s == string(models.StateOnline) {
		p.State = models.StateOnline
	}
	return p
}
