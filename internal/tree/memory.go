package tree

import (
	"context"
	"reflect"
	"sync"
	"time"
)

// Memory is an in-process realtime tree server. Each Connect returns a client
// with its own connection state and disconnect hooks, so tests can simulate
// a crashed tab with Client.Drop.
type Memory struct {
	mu       sync.Mutex
	values   map[string]any
	watchers map[int]*watcher
	nextID   int
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		values:   map[string]any{},
		watchers: map[int]*watcher{},
		now:      time.Now,
	}
}

func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Value reads a path directly on the server.
func (m *Memory) Value(path string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[path]
	return v, ok
}

func (m *Memory) Connect() *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return &Client{m: m, id: m.nextID, connected: true, hooks: map[string]any{}}
}

func (m *Memory) setLocked(path string, v any) {
	v = m.resolveLocked(v)
	if v == nil {
		delete(m.values, path)
	} else {
		m.values[path] = v
	}
	for _, w := range m.watchers {
		if w.path == path {
			w.push(Value{Path: path, Exists: v != nil, Raw: v})
		}
	}
}

func (m *Memory) resolveLocked(v any) any {
	obj, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if sv, ok := obj[".sv"]; ok && sv == "timestamp" && len(obj) == 1 {
		return m.now().UnixMilli()
	}
	out := make(map[string]any, len(obj))
	for k, x := range obj {
		out[k] = m.resolveLocked(x)
	}
	return out
}

func (m *Memory) watch(ctx context.Context, path string, c *Client) ValueIterator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	w := newWatcher(path, c)
	m.watchers[m.nextID] = w
	if path == ConnectedPath {
		w.push(Value{Path: path, Exists: true, Raw: c.connected})
	} else {
		v, ok := m.values[path]
		w.push(Value{Path: path, Exists: ok, Raw: v})
	}
	id := m.nextID
	return &iterator{ctx: ctx, w: w, stop: func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}}
}

// Client is one connection to a Memory server.
type Client struct {
	m         *Memory
	id        int
	connected bool
	hooks     map[string]any
}

func (c *Client) Supports(Capability) bool { return true }

func (c *Client) Get(ctx context.Context, path string) (Value, error) {
	if err := ctx.Err(); err != nil {
		return Value{}, err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if !c.connected {
		return Value{}, ErrDisconnected
	}
	v, ok := c.m.values[path]
	return Value{Path: path, Exists: ok, Raw: v}, nil
}

func (c *Client) Set(ctx context.Context, path string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if !c.connected {
		return ErrDisconnected
	}
	c.m.setLocked(path, v)
	return nil
}

func (c *Client) Values(ctx context.Context, path string) ValueIterator {
	return c.m.watch(ctx, path, c)
}

func (c *Client) OnDisconnect(path string) OnDisconnect {
	return &memDisconnect{c: c, path: path}
}

// Hooks returns the number of registered disconnect hooks.
func (c *Client) Hooks() int {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return len(c.hooks)
}

// Drop simulates an unclean disconnect: the server runs every hook this
// client registered.
func (c *Client) Drop() {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if !c.connected {
		return
	}
	c.connected = false
	for path, v := range c.hooks {
		c.m.setLocked(path, v)
	}
	c.hooks = map[string]any{}
	c.notifyConnectedLocked()
}

func (c *Client) Reconnect() {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.connected {
		return
	}
	c.connected = true
	c.notifyConnectedLocked()
}

func (c *Client) notifyConnectedLocked() {
	for _, w := range c.m.watchers {
		if w.path == ConnectedPath && w.client == c {
			w.push(Value{Path: ConnectedPath, Exists: true, Raw: c.connected})
		}
	}
}

type memDisconnect struct {
	c    *Client
	path string
}

func (d *memDisconnect) Set(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.c.m.mu.Lock()
	defer d.c.m.mu.Unlock()
	if !d.c.connected {
		return ErrDisconnected
	}
	d.c.hooks[d.path] = v
	return nil
}

func (d *memDisconnect) Cancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.c.m.mu.Lock()
	defer d.c.m.mu.Unlock()
	if !d.c.connected {
		return ErrDisconnected
	}
	delete(d.c.hooks, d.path)
	return nil
}

type watcher struct {
	path   string
	client *Client
	done   chan struct{}
	signal chan struct{}

	mu    sync.Mutex
	queue []Value
}

func newWatcher(path string, c *Client) *watcher {
	return &watcher{path: path, client: c, done: make(chan struct{}), signal: make(chan struct{}, 1)}
}

// push queues every change so connection flaps are never coalesced away.
func (w *watcher) push(v Value) {
	w.mu.Lock()
	w.queue = append(w.queue, v)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) pop() (Value, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return Value{}, false
	}
	v := w.queue[0]
	w.queue = w.queue[1:]
	return v, true
}

type iterator struct {
	ctx  context.Context
	w    *watcher
	last *Value
	stop func()
	once sync.Once
}

func (it *iterator) Next() (Value, error) {
	for {
		select {
		case <-it.w.done:
			return Value{}, ErrStopped
		case <-it.ctx.Done():
			return Value{}, it.ctx.Err()
		default:
		}
		v, ok := it.w.pop()
		if !ok {
			select {
			case <-it.w.done:
				return Value{}, ErrStopped
			case <-it.ctx.Done():
				return Value{}, it.ctx.Err()
			case <-it.w.signal:
			}
			continue
		}
		if it.last != nil && it.last.Exists == v.Exists && reflect.DeepEqual(it.last.Raw, v.Raw) {
			continue
		}
		it.last = &v
		return v, nil
	}
}

func (it *iterator) Stop() {
	it.once.Do(func() {
		close(it.w.done)
		it.stop()
	})
}
