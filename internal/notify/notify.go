// Package notify derives the friend-request badge from the signed-in user's
// own profile document.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"local.dev/bond/internal/models"
	"local.dev/bond/internal/store"
	"local.dev/bond/internal/watch"
)

const (
	resolveTimeout = 10 * time.Second
	// maxParallelReads bounds single-document reads when the store cannot
	// batch.
	maxParallelReads = 8
)

// Func receives the number of pending requests and who sent them, in the
// order they arrived.
type Func func(count int, requesters []models.Summary)

type Watcher struct {
	store   store.Store
	watcher *watch.Watcher
}

func New(s store.Store) *Watcher {
	return &Watcher{store: s, watcher: watch.NewWatcher(s, "notify")}
}

// Watch follows userID's incoming friend requests. Requesters whose profile
// no longer exists are left out of both the count and the list.
func (w *Watcher) Watch(userID string, fn Func) watch.CancelFunc {
	return w.watcher.Watch(store.DocQuery(models.UserPath(userID)), func(snap store.Snapshot) {
		var ids []string
		if len(snap.Docs) > 0 {
			var u models.UserProfile
			if err := snap.Docs[0].DataTo(&u); err != nil {
				glog.Warningf("[notify]decode %s: %v\n", userID, err)
				return
			}
			ids = u.FriendRequests
		}
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		defer cancel()
		people, err := Resolve(ctx, w.store, ids)
		if err != nil {
			glog.Warningf("[notify]resolve requesters for %s: %v\n", userID, err)
			people = make([]models.Summary, len(ids))
			for i, id := range ids {
				people[i] = models.Summary{ID: id}
			}
		}
		fn(len(people), people)
	}, func(err error) {
		glog.Errorf("[notify]profile of %s: %v\n", userID, err)
	})
}

// Close stops every subscription.
func (w *Watcher) Close() { w.watcher.Close() }

// Resolve looks up the summaries of ids, keeping their order and skipping
// users that do not exist. Stores that implement store.BatchGetter are read
// in one round trip.
func Resolve(ctx context.Context, s store.Store, ids []string) ([]models.Summary, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	paths := make([]string, len(ids))
	for i, id := range ids {
		paths[i] = models.UserPath(id)
	}

	var docs []store.Document
	if bg, ok := s.(store.BatchGetter); ok {
		var err error
		if docs, err = bg.GetAll(ctx, paths); err != nil {
			return nil, err
		}
	} else {
		found := make([]*store.Document, len(paths))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxParallelReads)
		for i, p := range paths {
			g.Go(func() error {
				d, err := s.Get(gctx, p)
				if errors.Is(err, store.ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				found[i] = &d
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, d := range found {
			if d != nil {
				docs = append(docs, *d)
			}
		}
	}

	byID := make(map[string]models.Summary, len(docs))
	for _, u := range store.DecodeAll(docs, func(u *models.UserProfile, id string) { u.ID = id }) {
		byID[u.ID] = u.Summary()
	}
	out := make([]models.Summary, 0, len(ids))
	for _, id := range ids {
		sum, ok := byID[id]
		if !ok {
			glog.V(2).Infof("[notify]skip missing user %s\n", id)
			continue
		}
		out = append(out, sum)
	}
	return out, nil
}
