package feed

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"

	"local.dev/bond/internal/bonderr"
	"local.dev/bond/internal/models"
	"local.dev/bond/internal/store"
	"local.dev/bond/internal/watch"
)

// Cursor marks the last comment of a page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type Page struct {
	Comments []models.Comment
	HasMore  bool
	Next     *Cursor
}

// thread merges loaded pages with the live tail, keyed by comment id.
type thread struct {
	byID map[string]models.Comment
	tail map[string]bool
	fn   func([]models.Comment)
}

func (e *Engine) threadLocked(postID string) *thread {
	t, ok := e.threads[postID]
	if !ok {
		t = &thread{byID: map[string]models.Comment{}}
		e.threads[postID] = t
	}
	return t
}

// LoadComments reads one page of comments, oldest first, after the cursor.
// A second call for the same post while one is running fails with BUSY.
func (e *Engine) LoadComments(ctx context.Context, postID string, pageSize int, after *Cursor) (Page, error) {
	if pageSize <= 0 {
		pageSize = e.opts.CommentPage
	}
	e.mu.Lock()
	if e.loading[postID] {
		e.mu.Unlock()
		return Page{}, bonderr.New(bonderr.CodeBusy, "comments are already loading")
	}
	e.loading[postID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.loading, postID)
		e.mu.Unlock()
	}()

	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := e.visiblePost(tx, postID)
		return err
	})
	if err != nil {
		return Page{}, surface(err, "could not load comments")
	}

	q := store.Query{Collection: models.CommentsPath(postID)}.
		Order("createdAt", store.Asc).
		Order(store.DocumentID, store.Asc).
		WithLimit(pageSize + 1)
	if after != nil {
		q = q.After(after.CreatedAt, after.ID)
	}
	docs, err := e.store.Query(ctx, q)
	if err != nil {
		glog.Errorf("[feed]comments for %s: %v\n", postID, err)
		return Page{}, surface(err, "could not load comments")
	}
	page := Page{Comments: store.DecodeAll(docs, func(c *models.Comment, id string) { c.ID = id }), Next: after}
	if len(page.Comments) > pageSize {
		page.HasMore = true
		page.Comments = page.Comments[:pageSize]
	}
	if n := len(page.Comments); n > 0 {
		last := page.Comments[n-1]
		page.Next = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	e.mu.Lock()
	t := e.threadLocked(postID)
	for _, c := range page.Comments {
		t.byID[c.ID] = c
	}
	e.mu.Unlock()
	e.emitThread(postID)
	return page, nil
}

// WatchRecentComments follows the newest comments of a post and merges them
// with loaded pages. fn receives the whole merged thread, oldest first.
func (e *Engine) WatchRecentComments(postID string, fn func([]models.Comment)) watch.CancelFunc {
	e.mu.Lock()
	e.threadLocked(postID).fn = fn
	e.mu.Unlock()

	q := store.Query{Collection: models.CommentsPath(postID)}.
		Order("createdAt", store.Desc).
		WithLimit(e.opts.CommentTail)
	cancel := e.watcher.Watch(q, func(snap store.Snapshot) {
		e.onTail(postID, snap.Docs)
	}, func(err error) {
		glog.Errorf("[feed]comment tail for %s: %v\n", postID, err)
	})
	return func() {
		cancel()
		e.mu.Lock()
		if t, ok := e.threads[postID]; ok {
			t.fn = nil
			t.tail = nil
		}
		e.mu.Unlock()
	}
}

func (e *Engine) onTail(postID string, docs []store.Document) {
	comments := store.DecodeAll(docs, func(c *models.Comment, id string) { c.ID = id })
	e.mu.Lock()
	t := e.threadLocked(postID)
	seen := make(map[string]bool, len(comments))
	var oldest time.Time
	for _, c := range comments {
		seen[c.ID] = true
		t.byID[c.ID] = c
		if oldest.IsZero() || c.CreatedAt.Before(oldest) {
			oldest = c.CreatedAt
		}
	}
	// A comment that left a full tail may only have been pushed out by
	// newer ones; one that left from inside the window was deleted.
	full := len(comments) >= e.opts.CommentTail
	for id := range t.tail {
		if seen[id] {
			continue
		}
		if c, ok := t.byID[id]; ok && (!full || !c.CreatedAt.Before(oldest)) {
			delete(t.byID, id)
		}
	}
	t.tail = seen
	e.mu.Unlock()
	e.emitThread(postID)
}

func (e *Engine) emitThread(postID string) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.mu.Lock()
	t, ok := e.threads[postID]
	if !ok || t.fn == nil {
		e.mu.Unlock()
		return
	}
	view := t.sorted()
	fn := t.fn
	e.mu.Unlock()
	fn(view)
}

func (t *thread) sorted() []models.Comment {
	out := make([]models.Comment, 0, len(t.byID))
	for _, c := range t.byID {
		out = append(out, c)
	}
	SortComments(out)
	return out
}

// SortComments orders oldest first with the id as tiebreak.
func SortComments(comments []models.Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		a, b := comments[i].CreatedAt, comments[j].CreatedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return comments[i].ID < comments[j].ID
	})
}

// Comments returns the merged thread of a post.
func (e *Engine) Comments(postID string) []models.Comment {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.threads[postID]
	if !ok {
		return nil
	}
	return t.sorted()
}

// AddComment creates a comment and bumps the post's comment count together.
// The comment joins the local thread right away; the live echo replaces it.
func (e *Engine) AddComment(ctx context.Context, postID, text string) (models.Comment, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return models.Comment{}, bonderr.Validation("comment cannot be empty")
	}
	if utf8.RuneCountInString(content) > models.MaxCommentLength {
		return models.Comment{}, bonderr.Validation("comment is longer than %d characters", models.MaxCommentLength)
	}
	id := e.store.NewID()
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := e.visiblePost(tx, postID); err != nil {
			return err
		}
		return tx.Write(
			store.Create(models.CommentPath(postID, id), map[string]any{
				"postId":    postID,
				"authorId":  e.self.ID,
				"author":    e.self.Map(),
				"content":   content,
				"createdAt": store.ServerTimestamp,
				"likes":     []any{},
				"likeCount": int64(0),
			}),
			store.UpdateDoc(models.PostPath(postID),
				store.Update{Path: "commentCount", Value: store.Increment(1)},
			),
		)
	})
	if err != nil {
		glog.Errorf("[feed]comment on %s: %v\n", postID, err)
		return models.Comment{}, surface(err, "comment not posted")
	}
	c := models.Comment{
		ID:        id,
		PostID:    postID,
		AuthorID:  e.self.ID,
		Author:    e.self,
		Content:   content,
		CreatedAt: e.opts.Clock.Now(),
		Likes:     []string{},
	}
	e.mu.Lock()
	t := e.threadLocked(postID)
	if _, ok := t.byID[id]; !ok {
		t.byID[id] = c
	}
	e.mu.Unlock()
	e.emitThread(postID)
	return c, nil
}

// DeleteComment removes a comment; the comment author and the post author
// may do so. The comment count never goes below zero.
func (e *Engine) DeleteComment(ctx context.Context, postID, commentID string) error {
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := readComment(tx, postID, commentID)
		if err != nil {
			return err
		}
		post, err := e.readPost(tx, postID)
		if err != nil {
			return err
		}
		if c.AuthorID != e.self.ID && post.AuthorID != e.self.ID {
			return bonderr.Permission("only the comment author or the post author can delete this comment")
		}
		n := post.CommentCount - 1
		if n < 0 {
			n = 0
		}
		return tx.Write(
			store.Delete(models.CommentPath(postID, commentID)),
			store.UpdateDoc(models.PostPath(postID), store.Update{Path: "commentCount", Value: n}),
		)
	})
	if err != nil {
		glog.Errorf("[feed]delete comment %s: %v\n", commentID, err)
		return surface(err, "comment not deleted")
	}
	e.mu.Lock()
	if t, ok := e.threads[postID]; ok {
		delete(t.byID, commentID)
		delete(t.tail, commentID)
	}
	e.mu.Unlock()
	e.emitThread(postID)
	return nil
}

// ToggleCommentLike flips the caller's like on a comment. The post is not
// written.
func (e *Engine) ToggleCommentLike(ctx context.Context, postID, commentID string) error {
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := readComment(tx, postID, commentID)
		if err != nil {
			return err
		}
		if _, err := e.visiblePost(tx, postID); err != nil {
			return err
		}
		op, n := store.ArrayUnion(e.self.ID), len(c.Likes)+1
		if models.Contains(c.Likes, e.self.ID) {
			op, n = store.ArrayRemove(e.self.ID), len(c.Likes)-1
		}
		return tx.Write(store.UpdateDoc(models.CommentPath(postID, commentID),
			store.Update{Path: "likes", Value: op},
			store.Update{Path: "likeCount", Value: n},
		))
	})
	if err != nil {
		glog.Errorf("[feed]like comment %s: %v\n", commentID, err)
		return surface(err, "like not saved")
	}
	return nil
}

func readComment(tx store.Tx, postID, commentID string) (models.Comment, error) {
	doc, err := tx.Get(models.CommentPath(postID, commentID))
	if errors.Is(err, store.ErrNotFound) {
		return models.Comment{}, bonderr.NotFound("comment", commentID)
	}
	if err != nil {
		return models.Comment{}, err
	}
	var c models.Comment
	if err := doc.DataTo(&c); err != nil {
		return models.Comment{}, err
	}
	c.ID = commentID
	return c, nil
}
