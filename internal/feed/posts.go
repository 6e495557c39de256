package feed

import (
	"context"
	"errors"
	"strings"

	"github.com/golang/glog"

	"local.dev/bond/internal/bonderr"
	"local.dev/bond/internal/models"
	"local.dev/bond/internal/store"
)

// CreatePost publishes a post by the caller. An empty visibility means
// public.
func (e *Engine) CreatePost(ctx context.Context, text string, vis models.Visibility) (models.Post, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return models.Post{}, bonderr.Validation("post cannot be empty")
	}
	if vis == "" {
		vis = models.VisibilityPublic
	}
	if !vis.Valid() {
		return models.Post{}, bonderr.Validation("unknown visibility %q", vis)
	}
	id := e.store.NewID()
	err := e.store.Commit(ctx, store.Create(models.PostPath(id), map[string]any{
		"authorId":     e.self.ID,
		"author":       e.self.Map(),
		"content":      content,
		"createdAt":    store.ServerTimestamp,
		"updatedAt":    store.ServerTimestamp,
		"visibility":   string(vis),
		"likes":        []any{},
		"likeCount":    int64(0),
		"commentCount": int64(0),
	}))
	if err != nil {
		glog.Errorf("[feed]create post: %v\n", err)
		return models.Post{}, surface(err, "post not published")
	}
	glog.Infof("[feed]%s posted %s\n", e.self.ID, id)
	return models.Post{
		ID:         id,
		AuthorID:   e.self.ID,
		Author:     e.self,
		Content:    content,
		Visibility: vis,
		Likes:      []string{},
	}, nil
}

// UpdatePost edits the content and visibility of one of the caller's posts.
func (e *Engine) UpdatePost(ctx context.Context, postID, text string, vis models.Visibility) error {
	content := strings.TrimSpace(text)
	if content == "" {
		return bonderr.Validation("post cannot be empty")
	}
	updates := []store.Update{
		{Path: "content", Value: content},
		{Path: "updatedAt", Value: store.ServerTimestamp},
	}
	if vis != "" {
		if !vis.Valid() {
			return bonderr.Validation("unknown visibility %q", vis)
		}
		updates = append(updates, store.Update{Path: "visibility", Value: string(vis)})
	}
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := e.ownPost(tx, postID); err != nil {
			return err
		}
		return tx.Write(store.UpdateDoc(models.PostPath(postID), updates...))
	})
	if err != nil {
		glog.Errorf("[feed]update post %s: %v\n", postID, err)
		return surface(err, "post not updated")
	}
	return nil
}

// errCommentsChanged aborts a delete whose comment listing went stale.
var errCommentsChanged = errors.New("comments changed")

const deleteAttempts = 3

// DeletePost removes one of the caller's posts with its comments. Comments
// are listed before the transaction; commentCount moves with every comment
// write, so a changed count means the listing missed one and the delete is
// retried with a fresh listing.
func (e *Engine) DeletePost(ctx context.Context, postID string) error {
	var err error
	for attempt := 0; attempt < deleteAttempts; attempt++ {
		if err = e.deletePost(ctx, postID); !errors.Is(err, errCommentsChanged) {
			break
		}
		glog.V(2).Infof("[feed]comments of %s changed during delete, retrying\n", postID)
	}
	if errors.Is(err, errCommentsChanged) {
		return bonderr.Conflict("post is busy, try again")
	}
	if err != nil {
		glog.Errorf("[feed]delete post %s: %v\n", postID, err)
		return surface(err, "post not deleted")
	}
	e.mu.Lock()
	delete(e.posts, postID)
	delete(e.threads, postID)
	e.mu.Unlock()
	glog.Infof("[feed]%s deleted %s\n", e.self.ID, postID)
	return nil
}

func (e *Engine) deletePost(ctx context.Context, postID string) error {
	var seen int
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := e.ownPost(tx, postID)
		seen = p.CommentCount
		return err
	})
	if err != nil {
		return err
	}
	comments, err := e.store.Query(ctx, store.Query{Collection: models.CommentsPath(postID)})
	if err != nil {
		return err
	}
	return e.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := e.ownPost(tx, postID)
		if err != nil {
			return err
		}
		if p.CommentCount != seen {
			return errCommentsChanged
		}
		writes := make([]store.Write, 0, len(comments)+1)
		for _, c := range comments {
			writes = append(writes, store.Delete(c.Path))
		}
		return tx.Write(append(writes, store.Delete(models.PostPath(postID)))...)
	})
}

func (e *Engine) readPost(tx store.Tx, postID string) (models.Post, error) {
	doc, err := tx.Get(models.PostPath(postID))
	if errors.Is(err, store.ErrNotFound) {
		return models.Post{}, bonderr.NotFound("post", postID)
	}
	if err != nil {
		return models.Post{}, err
	}
	var p models.Post
	if err := doc.DataTo(&p); err != nil {
		return models.Post{}, err
	}
	p.ID = postID
	return p, nil
}

func (e *Engine) ownPost(tx store.Tx, postID string) (models.Post, error) {
	p, err := e.readPost(tx, postID)
	if err != nil {
		return p, err
	}
	if p.AuthorID != e.self.ID {
		return p, bonderr.Permission("only the author can change this post")
	}
	return p, nil
}

// visiblePost reads a post the caller may see: public posts, friends-only
// posts of friends, and the caller's own posts.
func (e *Engine) visiblePost(tx store.Tx, postID string) (models.Post, error) {
	p, err := e.readPost(tx, postID)
	if err != nil {
		return p, err
	}
	if p.AuthorID == e.self.ID {
		return p, nil
	}
	switch p.Visibility {
	case models.VisibilityPublic, "":
		return p, nil
	case models.VisibilityFriends:
		doc, err := tx.Get(models.UserPath(p.AuthorID))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return p, err
		}
		var author models.UserProfile
		if err == nil {
			if err := doc.DataTo(&author); err != nil {
				return p, err
			}
		}
		if author.IsFriend(e.self.ID) {
			return p, nil
		}
		return p, bonderr.Permission("only friends of the author can see this post")
	}
	return p, bonderr.Permission("this post is private")
}

// surface keeps typed errors and marks everything else as unavailable.
func surface(err error, message string) error {
	var be *bonderr.Error
	if errors.As(err, &be) {
		return err
	}
	return bonderr.Unavailable(message, err)
}
