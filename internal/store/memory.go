package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Memory is an in-process document store with live listeners. It backs the
// offline demo mode and every engine test.
//
// Transaction functions run under the store lock and must only use the Tx
// they are given.
type Memory struct {
	mu        sync.RWMutex
	docs      map[string]*memDoc
	listeners map[int]*memListener
	nextID    int
	now       func() time.Time
	lastTime  time.Time

	commitHook func(writes []Write) error
	listenErrs map[string]error
}

type memDoc struct {
	data    map[string]any
	created time.Time
	updated time.Time
}

func NewMemory() *Memory {
	return &Memory{
		docs:       map[string]*memDoc{},
		listeners:  map[int]*memListener{},
		now:        time.Now,
		listenErrs: map[string]error{},
	}
}

// SetClock replaces the source of server timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetCommitHook installs fn to run before every commit; a non-nil error
// rejects the whole commit.
func (m *Memory) SetCommitHook(fn func(writes []Write) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitHook = fn
}

// FailListen makes listeners on target (a collection path or document path)
// fail with err. Existing listeners fail immediately; new ones fail on their
// first Next. A nil err clears the failure.
func (m *Memory) FailListen(target string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.listenErrs, target)
		return
	}
	m.listenErrs[target] = err
	for _, l := range m.listeners {
		if l.target() == target {
			l.fail(err)
		}
	}
}

// ActiveListeners is the number of open physical subscriptions.
func (m *Memory) ActiveListeners() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// ListenerCount is the number of open subscriptions on target.
func (m *Memory) ListenerCount(target string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, l := range m.listeners {
		if l.target() == target {
			n++
		}
	}
	return n
}

func (m *Memory) NewID() string { return ulid.Make().String() }

func (m *Memory) Get(ctx context.Context, path string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(path)
}

func (m *Memory) getLocked(path string) (Document, error) {
	d, ok := m.docs[path]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return d.document(path), nil
}

func (m *Memory) GetAll(ctx context.Context, paths []string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Document, 0, len(paths))
	for _, p := range paths {
		if d, ok := m.docs[p]; ok {
			out = append(out, d.document(p))
		}
	}
	return out, nil
}

func (m *Memory) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.evalLocked(q), nil
}

func (m *Memory) evalLocked(q Query) []Document {
	if q.Doc != "" {
		if d, ok := m.docs[q.Doc]; ok {
			return []Document{d.document(q.Doc)}
		}
		return []Document{}
	}
	var docs []Document
	for path, d := range m.docs {
		if col, _ := splitPath(path); col == q.Collection {
			docs = append(docs, d.document(path))
		}
	}
	return q.apply(docs)
}

func (m *Memory) Commit(ctx context.Context, writes ...Write) error {
	return m.RunTransaction(ctx, func(_ context.Context, tx Tx) error {
		return tx.Write(writes...)
	})
}

func (m *Memory) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if len(tx.writes) == 0 {
		return nil
	}
	return m.commitLocked(tx.writes)
}

type memTx struct {
	m      *Memory
	writes []Write
}

func (tx *memTx) Get(path string) (Document, error) {
	if len(tx.writes) > 0 {
		return Document{}, errors.New("store: transaction reads must precede writes")
	}
	return tx.m.getLocked(path)
}

func (tx *memTx) Write(writes ...Write) error {
	tx.writes = append(tx.writes, writes...)
	return nil
}

// serverNowLocked returns a strictly increasing commit time.
func (m *Memory) serverNowLocked() time.Time {
	now := m.now().UTC()
	if !now.After(m.lastTime) {
		now = m.lastTime.Add(time.Microsecond)
	}
	m.lastTime = now
	return now
}

func (m *Memory) commitLocked(writes []Write) error {
	if m.commitHook != nil {
		if err := m.commitHook(writes); err != nil {
			return err
		}
	}
	now := m.serverNowLocked()
	staged := map[string]*memDoc{}
	lookup := func(path string) (*memDoc, bool) {
		if d, ok := staged[path]; ok {
			return d, d != nil
		}
		d, ok := m.docs[path]
		return d, ok
	}

	for _, w := range writes {
		if w.Path == "" || strings.Count(w.Path, "/")%2 != 1 {
			return fmt.Errorf("store: invalid document path %q", w.Path)
		}
		cur, exists := lookup(w.Path)
		switch w.Kind {
		case WriteCreate:
			if exists {
				return fmt.Errorf("%w: %s", ErrAlreadyExists, w.Path)
			}
			staged[w.Path] = &memDoc{data: resolveMap(nil, w.Data, now), created: now, updated: now}
		case WriteSet:
			created := now
			if exists {
				created = cur.created
			}
			staged[w.Path] = &memDoc{data: resolveMap(nil, w.Data, now), created: created, updated: now}
		case WriteMerge:
			base := map[string]any{}
			created := now
			if exists {
				base = cloneMap(cur.data)
				created = cur.created
			}
			staged[w.Path] = &memDoc{data: resolveMap(base, w.Data, now), created: created, updated: now}
		case WriteUpdate:
			if !exists {
				return fmt.Errorf("%w: %s", ErrNotFound, w.Path)
			}
			data := cloneMap(cur.data)
			for _, u := range w.Updates {
				setPath(data, u.Path, u.Value, now)
			}
			staged[w.Path] = &memDoc{data: data, created: cur.created, updated: now}
		case WriteDelete:
			staged[w.Path] = nil
		default:
			return fmt.Errorf("store: unknown write kind %d", w.Kind)
		}
	}

	for path, d := range staged {
		if d == nil {
			delete(m.docs, path)
			continue
		}
		m.docs[path] = d
	}
	m.notifyLocked(now)
	return nil
}

func (m *Memory) notifyLocked(now time.Time) {
	for _, l := range m.listeners {
		if l.failed {
			continue
		}
		l.push(Snapshot{Docs: m.evalLocked(l.q), ReadTime: now})
	}
}

// ===== live listeners =====

func (m *Memory) Snapshots(ctx context.Context, q Query) SnapshotIterator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	l := &memListener{
		q:    q,
		ch:   make(chan Snapshot, 1),
		errc: make(chan error, 1),
		done: make(chan struct{}),
	}
	m.listeners[m.nextID] = l
	if err, ok := m.listenErrs[l.target()]; ok {
		l.fail(err)
	} else {
		l.push(Snapshot{Docs: m.evalLocked(q), ReadTime: m.lastTime})
	}
	return &memIterator{ctx: ctx, m: m, id: m.nextID, l: l}
}

func (m *Memory) removeListener(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
}

type memListener struct {
	q      Query
	ch     chan Snapshot
	errc   chan error
	done   chan struct{}
	failed bool
}

func (l *memListener) target() string {
	if l.q.Doc != "" {
		return l.q.Doc
	}
	return l.q.Collection
}

// push keeps only the newest snapshot in the mailbox. Callers hold the
// store lock.
func (l *memListener) push(s Snapshot) {
	select {
	case <-l.ch:
	default:
	}
	select {
	case l.ch <- s:
	default:
	}
}

func (l *memListener) fail(err error) {
	l.failed = true
	select {
	case l.errc <- err:
	default:
	}
}

type memIterator struct {
	ctx  context.Context
	m    *Memory
	id   int
	l    *memListener
	once sync.Once
}

func (it *memIterator) Next() (Snapshot, error) {
	select {
	case <-it.l.done:
		return Snapshot{}, ErrIteratorStopped
	case <-it.ctx.Done():
		return Snapshot{}, it.ctx.Err()
	case err := <-it.l.errc:
		return Snapshot{}, err
	case s := <-it.l.ch:
		return s, nil
	}
}

func (it *memIterator) Stop() {
	it.once.Do(func() {
		close(it.l.done)
		it.m.removeListener(it.id)
	})
}

// ===== value handling =====

func (d *memDoc) document(path string) Document {
	_, id := splitPath(path)
	return Document{
		ID:         id,
		Path:       path,
		Data:       cloneMap(d.data),
		CreateTime: d.created,
		UpdateTime: d.updated,
	}
}

func resolveMap(base map[string]any, in map[string]any, now time.Time) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			old, _ := base[k].(map[string]any)
			base[k] = resolveMap(cloneMap(old), nested, now)
			continue
		}
		base[k] = resolve(base[k], v, now)
	}
	return base
}

// setPath applies one dotted-path update, creating intermediate maps.
func setPath(data map[string]any, path string, v any, now time.Time) {
	parts := strings.Split(path, ".")
	cur := data
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	leaf := parts[len(parts)-1]
	cur[leaf] = resolve(cur[leaf], v, now)
}

func resolve(old, v any, now time.Time) any {
	switch t := v.(type) {
	case serverTimeOp:
		return now
	case incrementOp:
		return toInt64(old) + t.n
	case arrayUnionOp:
		out := cloneSlice(toSlice(old))
		for _, x := range t.values {
			if !containsValue(out, x) {
				out = append(out, x)
			}
		}
		return out
	case arrayRemoveOp:
		out := []any{}
		for _, x := range toSlice(old) {
			if !containsValue(t.values, x) {
				out = append(out, x)
			}
		}
		return out
	case map[string]any:
		return resolveMap(nil, t, now)
	case []string:
		return StringValues(t...)
	case map[string]int:
		out := make(map[string]any, len(t))
		for k, n := range t {
			out[k] = int64(n)
		}
		return out
	case int:
		return int64(t)
	case time.Time:
		return t.UTC()
	}
	return v
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneSlice(in []any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		return cloneSlice(t)
	}
	return v
}

// Paths lists stored document paths in order; used by persistence and tests.
func (m *Memory) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.docs))
	for p := range m.docs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
