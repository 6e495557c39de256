// Package feed syncs the self-plus-friends post feed, likes with optimistic
// local state, and paginated comments merged with a realtime tail.
package feed

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"

	"local.dev/bond/internal/bonderr"
	"local.dev/bond/internal/models"
	"local.dev/bond/internal/store"
	"local.dev/bond/internal/watch"
)

// maxAuthorsPerQuery keeps authors x visibilities within the backend's
// disjunction limit of 30.
const maxAuthorsPerQuery = 15

type Options struct {
	FeedLimit   int
	CommentPage int
	CommentTail int
	Clock       clockwork.Clock
}

func (o Options) withDefaults() Options {
	if o.FeedLimit <= 0 {
		o.FeedLimit = 50
	}
	if o.CommentPage <= 0 {
		o.CommentPage = 20
	}
	if o.CommentTail <= 0 {
		o.CommentTail = 20
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// Engine is not shared between users; self is the signed-in user. Callbacks
// run on listener goroutines and must not call back into the engine
// synchronously.
type Engine struct {
	store   store.Store
	self    models.Summary
	opts    Options
	watcher *watch.Watcher

	emitMu sync.Mutex

	mu      sync.Mutex
	posts   map[string]*postState
	feeds   map[string]*feed
	current string
	threads map[string]*thread
	loading map[string]bool
	seq     int
}

type feed struct {
	key    string
	chunks [][]string
	fn     func([]models.Post)
	cancel watch.CancelFunc
}

func New(s store.Store, self models.Summary, opts Options) *Engine {
	return &Engine{
		store:   s,
		self:    self,
		opts:    opts.withDefaults(),
		watcher: watch.NewWatcher(s, "feed"),
		posts:   map[string]*postState{},
		feeds:   map[string]*feed{},
		threads: map[string]*thread{},
		loading: map[string]bool{},
	}
}

// WatchFeed streams public and friends-only posts by userID and their
// friends, newest first. The friend set is read once; call again after it
// changes. Watching the same author set again shares the live subscription
// and one cancel tears it down.
func (e *Engine) WatchFeed(ctx context.Context, userID string, fn func([]models.Post)) (watch.CancelFunc, error) {
	doc, err := e.store.Get(ctx, models.UserPath(userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, bonderr.NotFound("user", userID)
	}
	if err != nil {
		return nil, bonderr.Unavailable("could not load friends", err)
	}
	var u models.UserProfile
	if err := doc.DataTo(&u); err != nil {
		return nil, err
	}
	authors := Authors(userID, u.Friends)
	chunks := Chunk(authors, maxAuthorsPerQuery)
	key := strings.Join(authors, ",")

	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = key
	if f, ok := e.feeds[key]; ok {
		f.fn = fn
		return f.cancel, nil
	}
	f := &feed{key: key, chunks: make([][]string, len(chunks)), fn: fn}
	cancels := make([]watch.CancelFunc, len(chunks))
	for i, chunk := range chunks {
		q := e.feedQuery(chunk)
		i := i
		cancels[i] = e.watcher.Watch(q, func(snap store.Snapshot) {
			e.onFeedSnapshot(f, i, snap.Docs)
		}, func(err error) {
			e.fallback(f, i, q, err)
		})
	}
	var once sync.Once
	f.cancel = func() {
		once.Do(func() {
			for _, c := range cancels {
				c()
			}
			e.mu.Lock()
			if e.feeds[key] == f {
				delete(e.feeds, key)
			}
			e.mu.Unlock()
		})
	}
	e.feeds[key] = f
	glog.Infof("[feed]watching %d authors in %d queries for %s\n", len(authors), len(chunks), userID)
	return f.cancel, nil
}

func (e *Engine) feedQuery(authors []string) store.Query {
	return store.Query{Collection: models.PostsCollection}.
		Filter("authorId", "in", authors).
		Filter("visibility", "in", []string{string(models.VisibilityPublic), string(models.VisibilityFriends)}).
		Order("createdAt", store.Desc).
		WithLimit(e.opts.FeedLimit)
}

// fallback replaces a failed live chunk with one read.
func (e *Engine) fallback(f *feed, i int, q store.Query, cause error) {
	glog.Warningf("[feed]live feed failed, fetching once: %v\n", cause)
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	docs, err := e.store.Query(ctx, q)
	if err != nil {
		glog.Errorf("[feed]fallback fetch: %v\n", err)
		return
	}
	e.onFeedSnapshot(f, i, docs)
}

func (e *Engine) onFeedSnapshot(f *feed, i int, docs []store.Document) {
	posts := store.DecodeAll(docs, func(p *models.Post, id string) { p.ID = id })
	e.mu.Lock()
	ids := make([]string, 0, len(posts))
	for _, p := range posts {
		e.commitLocked(p)
		ids = append(ids, p.ID)
	}
	f.chunks[i] = ids
	e.mu.Unlock()
	e.emitFeed(f)
}

func (e *Engine) emitFeed(f *feed) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.mu.Lock()
	if e.feeds[f.key] != f {
		e.mu.Unlock()
		return
	}
	view := e.feedViewLocked(f)
	fn := f.fn
	e.mu.Unlock()
	if fn != nil {
		fn(view)
	}
}

func (e *Engine) emitAllFeeds() {
	e.mu.Lock()
	feeds := make([]*feed, 0, len(e.feeds))
	for _, f := range e.feeds {
		feeds = append(feeds, f)
	}
	e.mu.Unlock()
	for _, f := range feeds {
		e.emitFeed(f)
	}
}

func (e *Engine) feedViewLocked(f *feed) []models.Post {
	seen := map[string]bool{}
	out := []models.Post{}
	for _, ids := range f.chunks {
		for _, id := range ids {
			ps, ok := e.posts[id]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, ps.view())
		}
	}
	SortPosts(out)
	if len(out) > e.opts.FeedLimit {
		out = out[:e.opts.FeedLimit]
	}
	return out
}

// Posts returns the latest feed view, optimistic edits included.
func (e *Engine) Posts() []models.Post {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.feeds[e.current]
	if !ok {
		return nil
	}
	return e.feedViewLocked(f)
}

// Post returns the locally known state of one post.
func (e *Engine) Post(id string) (models.Post, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.posts[id]
	if !ok {
		return models.Post{}, false
	}
	return ps.view(), true
}

// SortPosts orders newest first with the id as tiebreak.
func SortPosts(posts []models.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		a, b := posts[i].CreatedAt, posts[j].CreatedAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return posts[i].ID < posts[j].ID
	})
}

// Authors is the sorted, de-duplicated set of userID and friends.
func Authors(userID string, friends []string) []string {
	set := map[string]bool{userID: true}
	for _, f := range friends {
		if f != "" {
			set[f] = true
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Chunk splits ids into groups of at most n.
func Chunk(ids []string, n int) [][]string {
	var out [][]string
	for len(ids) > n {
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// Close stops every subscription.
func (e *Engine) Close() {
	e.watcher.Close()
	e.mu.Lock()
	e.feeds = map[string]*feed{}
	for _, t := range e.threads {
		t.fn = nil
	}
	e.mu.Unlock()
}
