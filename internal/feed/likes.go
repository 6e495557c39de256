package feed

import (
	"context"
	"time"

	"github.com/golang/glog"

	"local.dev/bond/internal/models"
	"local.dev/bond/internal/store"
)

const writeTimeout = 10 * time.Second

// postState keeps the last server value apart from a pending local edit so
// a late snapshot cannot overwrite an edit that has not been confirmed.
type postState struct {
	committed  models.Post
	optimistic *pending
}

type pending struct {
	post models.Post
	seq  int
	// acked edits are dropped by the next snapshot.
	acked bool
}

func (ps *postState) view() models.Post {
	if ps.optimistic != nil {
		return ps.optimistic.post
	}
	return ps.committed
}

func (e *Engine) commitLocked(p models.Post) {
	ps, ok := e.posts[p.ID]
	if !ok {
		ps = &postState{}
		e.posts[p.ID] = ps
	}
	ps.committed = p
	if ps.optimistic != nil && ps.optimistic.acked {
		ps.optimistic = nil
	}
}

// ToggleLike flips the caller's like. A post in the feed shows the flipped
// state at once; the edit is dropped again if the write fails. The server
// side toggles against its own state, so n successful calls leave the post
// liked exactly when n is odd.
func (e *Engine) ToggleLike(ctx context.Context, postID string) error {
	e.mu.Lock()
	e.seq++
	seq := e.seq
	ps, tracked := e.posts[postID]
	if tracked {
		ps.optimistic = &pending{post: toggled(ps.view(), e.self.ID), seq: seq}
	}
	e.mu.Unlock()
	if tracked {
		e.emitAllFeeds()
	}

	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		post, err := e.visiblePost(tx, postID)
		if err != nil {
			return err
		}
		op, n := store.ArrayUnion(e.self.ID), len(post.Likes)+1
		if post.LikedBy(e.self.ID) {
			op, n = store.ArrayRemove(e.self.ID), len(post.Likes)-1
		}
		return tx.Write(store.UpdateDoc(models.PostPath(postID),
			store.Update{Path: "likes", Value: op},
			store.Update{Path: "likeCount", Value: n},
		))
	})

	e.mu.Lock()
	// a later toggle owns the optimistic value once it has replaced ours
	if ps, ok := e.posts[postID]; ok && ps.optimistic != nil && ps.optimistic.seq == seq {
		switch {
		case err != nil, ps.committed.LikedBy(e.self.ID) == ps.optimistic.post.LikedBy(e.self.ID):
			ps.optimistic = nil
		default:
			ps.optimistic.acked = true
		}
	}
	e.mu.Unlock()

	if err != nil {
		glog.Errorf("[feed]like %s: %v\n", postID, err)
		if tracked {
			e.emitAllFeeds()
		}
		return surface(err, "like not saved")
	}
	return nil
}

func toggled(p models.Post, uid string) models.Post {
	if p.LikedBy(uid) {
		likes := make([]string, 0, len(p.Likes))
		for _, id := range p.Likes {
			if id != uid {
				likes = append(likes, id)
			}
		}
		p.Likes = likes
	} else {
		p.Likes = append(append([]string(nil), p.Likes...), uid)
	}
	p.LikeCount = len(p.Likes)
	return p
}
