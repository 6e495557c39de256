// Package watch holds the listener primitives the sync engines share: a
// per-engine Watcher over live queries, a refcounted Registry with deferred
// teardown, and a Hub that fans one physical subscription out to many
// callbacks.
package watch

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"local.dev/bond/internal/store"
)

type (
	SnapshotFunc func(store.Snapshot)
	ErrorFunc    func(error)
	CancelFunc   func()
)

// Watcher opens live query subscriptions on a store. At most one physical
// subscription exists per Query.Key; watching an active key again returns
// the existing cancel function.
type Watcher struct {
	store store.Store
	name  string

	mu      sync.Mutex
	subs    map[string]*subscription
	private int
}

func NewWatcher(s store.Store, name string) *Watcher {
	return &Watcher{store: s, name: name, subs: map[string]*subscription{}}
}

type subscription struct {
	key    string
	it     store.SnapshotIterator
	stop   context.CancelFunc
	cancel CancelFunc

	stopped atomic.Bool
	// handler is the id of the goroutine running a callback, zero between
	// deliveries.
	handler   atomic.Int64
	deliverMu sync.Mutex

	lastRead    time.Time
	fingerprint string
	delivered   bool
}

// Watch subscribes to q. onError is called at most once, after which the
// subscription is gone; there is no retry.
func (w *Watcher) Watch(q store.Query, onSnapshot SnapshotFunc, onError ErrorFunc) CancelFunc {
	return w.watch(q.Key(), q, onSnapshot, onError)
}

// WatchPrivate always opens a new subscription, for callers that share
// listeners themselves. A private subscription that is still closing never
// swallows a new one for the same query.
func (w *Watcher) WatchPrivate(q store.Query, onSnapshot SnapshotFunc, onError ErrorFunc) CancelFunc {
	w.mu.Lock()
	w.private++
	key := q.Key() + "#" + strconv.Itoa(w.private)
	w.mu.Unlock()
	return w.watch(key, q, onSnapshot, onError)
}

func (w *Watcher) watch(key string, q store.Query, onSnapshot SnapshotFunc, onError ErrorFunc) CancelFunc {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sub, ok := w.subs[key]; ok {
		glog.V(2).Infof("[%s]reuse listener %s\n", w.name, key)
		return sub.cancel
	}
	ctx, stop := context.WithCancel(context.Background())
	sub := &subscription{key: key, stop: stop}
	sub.it = w.store.Snapshots(ctx, q)
	sub.cancel = func() { w.cancel(sub) }
	w.subs[key] = sub
	glog.V(2).Infof("[%s]open listener %s\n", w.name, key)
	go w.run(sub, onSnapshot, onError)
	return sub.cancel
}

// Active is the number of open subscriptions.
func (w *Watcher) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// Close cancels every subscription.
func (w *Watcher) Close() {
	w.mu.Lock()
	subs := make([]*subscription, 0, len(w.subs))
	for _, s := range w.subs {
		subs = append(subs, s)
	}
	w.mu.Unlock()
	for _, s := range subs {
		s.cancel()
	}
}

func (w *Watcher) forget(sub *subscription) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.subs[sub.key] == sub {
		delete(w.subs, sub.key)
	}
}

// cancel is idempotent. Once it returns no callback is running or will
// start, except when called from inside one of the subscription's own
// callbacks: then it returns without waiting for that callback.
func (w *Watcher) cancel(sub *subscription) {
	if !sub.stopped.CompareAndSwap(false, true) {
		return
	}
	w.forget(sub)
	sub.it.Stop()
	sub.stop()
	if sub.handler.Load() != goid() {
		// wait out a delivery that already passed its stopped check
		sub.deliverMu.Lock()
		sub.deliverMu.Unlock()
	}
	glog.V(2).Infof("[%s]closed listener %s\n", w.name, sub.key)
}

func (w *Watcher) run(sub *subscription, onSnapshot SnapshotFunc, onError ErrorFunc) {
	self := goid()
	for {
		snap, err := sub.it.Next()
		if err != nil {
			if sub.stopped.Load() || errors.Is(err, store.ErrIteratorStopped) || errors.Is(err, context.Canceled) {
				w.forget(sub)
				return
			}
			glog.Errorf("[%s]listener %s failed: %v\n", w.name, sub.key, err)
			w.forget(sub)
			sub.it.Stop()
			sub.stop()
			sub.deliver(self, func() {
				if onError != nil {
					onError(err)
				}
			})
			return
		}
		if !sub.accept(snap) {
			continue
		}
		sub.deliver(self, func() { onSnapshot(snap) })
	}
}

// accept drops snapshots that are older than, or identical to, the last one
// delivered.
func (sub *subscription) accept(snap store.Snapshot) bool {
	if sub.delivered && snap.ReadTime.Before(sub.lastRead) {
		glog.V(2).Infof("[watch]drop stale snapshot for %s\n", sub.key)
		return false
	}
	fp := fingerprint(snap.Docs)
	if sub.delivered && fp == sub.fingerprint {
		return false
	}
	sub.delivered = true
	sub.lastRead = snap.ReadTime
	sub.fingerprint = fp
	return true
}

func (sub *subscription) deliver(self int64, fn func()) {
	sub.deliverMu.Lock()
	defer sub.deliverMu.Unlock()
	if sub.stopped.Load() {
		return
	}
	sub.handler.Store(self)
	defer sub.handler.Store(0)
	fn()
}

// goid returns the id of the calling goroutine, read from the header line
// of its stack trace ("goroutine 17 [running]:").
func goid() int64 {
	var buf [64]byte
	b := bytes.TrimPrefix(buf[:runtime.Stack(buf[:], false)], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}

func fingerprint(docs []store.Document) string {
	parts := make([]string, len(docs))
	for i, d := range docs {
		parts[i] = d.Path + "@" + strconv.FormatInt(d.UpdateTime.UnixNano(), 10)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
