package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"local.dev/bond/internal/bonderr"
	"local.dev/bond/internal/models"
	"local.dev/bond/internal/store"
)

const (
	wait = 2 * time.Second
	tick = 5 * time.Millisecond
)

func addUser(t *testing.T, s store.Store, id string, friends ...string) models.Summary {
	t.Helper()
	require.NoError(t, s.Commit(context.Background(), store.Create(models.UserPath(id), map[string]any{
		"username":    id,
		"displayName": strings.ToUpper(id),
		"friends":     store.StringValues(friends...),
	})))
	return models.Summary{ID: id, Username: id, DisplayName: strings.ToUpper(id)}
}

func readPost(t *testing.T, m *store.Memory, id string) models.Post {
	t.Helper()
	d, err := m.Get(context.Background(), models.PostPath(id))
	require.NoError(t, err)
	var p models.Post
	require.NoError(t, d.DataTo(&p))
	p.ID = id
	return p
}

func commentDocs(t *testing.T, m *store.Memory, postID string) int {
	t.Helper()
	docs, err := m.Query(context.Background(), store.Query{Collection: models.CommentsPath(postID)})
	require.NoError(t, err)
	return len(docs)
}

func contents(posts []models.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.Content
	}
	return out
}

// people sets up a and b as friends and c as a stranger.
func people(t *testing.T) (*store.Memory, *Engine, *Engine, *Engine) {
	t.Helper()
	m := store.NewMemory()
	a := addUser(t, m, "a", "b")
	b := addUser(t, m, "b", "a")
	c := addUser(t, m, "c")
	ea, eb, ec := New(m, a, Options{}), New(m, b, Options{}), New(m, c, Options{})
	t.Cleanup(func() {
		ea.Close()
		eb.Close()
		ec.Close()
	})
	return m, ea, eb, ec
}

func TestAuthorsAreChunked(t *testing.T) {
	var friends []string
	for i := 0; i < 20; i++ {
		friends = append(friends, fmt.Sprintf("f%02d", i))
	}
	authors := Authors("me", append(friends, "f00", ""))
	require.Len(t, authors, 21)
	chunks := Chunk(authors, maxAuthorsPerQuery)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 15)
	assert.Len(t, chunks[1], 6)
	assert.Nil(t, Chunk(nil, 15))
}

func TestWatchFeedShowsFriendsAndSkipsPrivatePosts(t *testing.T) {
	_, ea, eb, ec := people(t)
	ctx := context.Background()
	for _, p := range []struct {
		e   *Engine
		txt string
		vis models.Visibility
	}{
		{eb, "b public", models.VisibilityPublic},
		{eb, "b friends", models.VisibilityFriends},
		{eb, "b private", models.VisibilityPrivate},
		{ec, "c public", models.VisibilityPublic},
		{ea, "a friends", models.VisibilityFriends},
	} {
		_, err := p.e.CreatePost(ctx, p.txt, p.vis)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var last []models.Post
	cancel, err := ea.WatchFeed(ctx, "a", func(posts []models.Post) {
		mu.Lock()
		last = posts
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 3
	}, wait, tick)
	assert.Equal(t, []string{"a friends", "b friends", "b public"}, contents(ea.Posts()))

	_, err = ea.WatchFeed(ctx, "nobody", nil)
	assert.True(t, errors.Is(err, bonderr.ErrNotFound))
}

func TestWatchFeedTwiceSharesOneListener(t *testing.T) {
	m, ea, eb, _ := people(t)
	ctx := context.Background()
	_, err := eb.CreatePost(ctx, "hello", "")
	require.NoError(t, err)

	first, err := ea.WatchFeed(ctx, "a", func([]models.Post) {})
	require.NoError(t, err)
	_, err = ea.WatchFeed(ctx, "a", func([]models.Post) {})
	require.NoError(t, err)
	assert.Equal(t, 1, m.ListenerCount(models.PostsCollection))

	first()
	require.Eventually(t, func() bool { return m.ListenerCount(models.PostsCollection) == 0 }, wait, tick)
	assert.Nil(t, ea.Posts())
}

func TestWatchFeedFallsBackToOneRead(t *testing.T) {
	m, ea, eb, _ := people(t)
	ctx := context.Background()
	_, err := eb.CreatePost(ctx, "still here", models.VisibilityFriends)
	require.NoError(t, err)
	m.FailListen(models.PostsCollection, errors.New("quota exceeded"))

	cancel, err := ea.WatchFeed(ctx, "a", func([]models.Post) {})
	require.NoError(t, err)
	defer cancel()
	require.Eventually(t, func() bool { return len(ea.Posts()) == 1 }, wait, tick)
	assert.Equal(t, "still here", ea.Posts()[0].Content)
}

func TestToggleLikeRevertsWhenTheWriteFails(t *testing.T) {
	m, ea, eb, _ := people(t)
	ctx := context.Background()
	p, err := eb.CreatePost(ctx, "like me", models.VisibilityPublic)
	require.NoError(t, err)
	cancel, err := ea.WatchFeed(ctx, "a", func([]models.Post) {})
	require.NoError(t, err)
	defer cancel()
	require.Eventually(t, func() bool { return len(ea.Posts()) == 1 }, wait, tick)

	release := make(chan struct{})
	m.SetCommitHook(func([]store.Write) error {
		<-release
		return errors.New("network down")
	})
	errc := make(chan error, 1)
	go func() { errc <- ea.ToggleLike(ctx, p.ID) }()

	require.Eventually(t, func() bool {
		got, ok := ea.Post(p.ID)
		return ok && got.LikedBy("a") && got.LikeCount == 1
	}, wait, tick, "the like shows before the write resolves")

	close(release)
	err = <-errc
	assert.Equal(t, bonderr.CodeUnavailable, bonderr.CodeOf(err))
	got, _ := ea.Post(p.ID)
	assert.Empty(t, got.Likes)
	assert.Equal(t, 0, got.LikeCount)
	m.SetCommitHook(nil)
	assert.Empty(t, readPost(t, m, p.ID).Likes)
}

func TestFailedToggleKeepsLaterPendingToggle(t *testing.T) {
	m, ea, eb, _ := people(t)
	ctx := context.Background()
	p, err := eb.CreatePost(ctx, "like me", models.VisibilityPublic)
	require.NoError(t, err)
	cancel, err := ea.WatchFeed(ctx, "a", func([]models.Post) {})
	require.NoError(t, err)
	defer cancel()
	require.Eventually(t, func() bool { return len(ea.Posts()) == 1 }, wait, tick)

	failFirst := make(chan struct{})
	releaseRest := make(chan struct{})
	var commits atomic.Int32
	m.SetCommitHook(func([]store.Write) error {
		if commits.Add(1) == 1 {
			<-failFirst
			return errors.New("network down")
		}
		<-releaseRest
		return nil
	})
	liked := func(want bool) func() bool {
		return func() bool {
			got, ok := ea.Post(p.ID)
			return ok && got.LikedBy("a") == want
		}
	}

	errs := make(chan error, 3)
	toggle := func() { errs <- ea.ToggleLike(ctx, p.ID) }
	go toggle()
	require.Eventually(t, liked(true), wait, tick)
	go toggle()
	require.Eventually(t, liked(false), wait, tick)
	go toggle()
	require.Eventually(t, liked(true), wait, tick)

	close(failFirst)
	assert.Equal(t, bonderr.CodeUnavailable, bonderr.CodeOf(<-errs))
	assert.True(t, liked(true)(), "the newest toggle is still pending")

	close(releaseRest)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Empty(t, readPost(t, m, p.ID).Likes, "two writes landed")
	require.Eventually(t, liked(false), wait, tick)
}

func TestToggleLikeSettlesOnServerState(t *testing.T) {
	m, ea, eb, ec := people(t)
	ctx := context.Background()
	p, err := eb.CreatePost(ctx, "count me", models.VisibilityPublic)
	require.NoError(t, err)
	cancel, err := ea.WatchFeed(ctx, "a", func([]models.Post) {})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, ea.ToggleLike(ctx, p.ID))
	}
	var wg sync.WaitGroup
	for _, e := range []*Engine{eb, ec} {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			assert.NoError(t, e.ToggleLike(ctx, p.ID))
		}(e)
	}
	wg.Wait()

	got := readPost(t, m, p.ID)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got.Likes)
	assert.Equal(t, len(got.Likes), got.LikeCount)

	require.Eventually(t, func() bool {
		local, ok := ea.Post(p.ID)
		return ok && local.LikeCount == 3 && len(local.Likes) == 3
	}, wait, tick, "the local view converges on the server value")
}

func TestToggleLikeNeedsAVisiblePost(t *testing.T) {
	_, _, eb, ec := people(t)
	ctx := context.Background()
	p, err := eb.CreatePost(ctx, "friends only", models.VisibilityFriends)
	require.NoError(t, err)
	assert.Equal(t, bonderr.CodePermission, bonderr.CodeOf(ec.ToggleLike(ctx, p.ID)))
	assert.Equal(t, bonderr.CodeNotFound, bonderr.CodeOf(ec.ToggleLike(ctx, "missing")))
}

func TestLoadCommentsPagesMergeWithTail(t *testing.T) {
	_, ea, eb, _ := people(t)
	ctx := context.Background()
	p, err := eb.CreatePost(ctx, "thread", models.VisibilityPublic)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err := eb.AddComment(ctx, p.ID, fmt.Sprintf("c%d", i))
		require.NoError(t, err)
	}

	var got []string
	var cursor *Cursor
	for _, want := range []bool{true, true, false} {
		page, err := ea.LoadComments(ctx, p.ID, 2, cursor)
		require.NoError(t, err)
		assert.Equal(t, want, page.HasMore)
		for _, c := range page.Comments {
			got = append(got, c.Content)
		}
		cursor = page.Next
	}
	assert.Equal(t, []string{"c1", "c2", "c3", "c4", "c5"}, got)

	var mu sync.Mutex
	var thread []models.Comment
	cancel := ea.WatchRecentComments(p.ID, func(cs []models.Comment) {
		mu.Lock()
		thread = cs
		mu.Unlock()
	})
	defer cancel()
	_, err = eb.AddComment(ctx, p.ID, "c6")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(thread) == 6
	}, wait, tick)
	seen := map[string]bool{}
	for i, c := range ea.Comments(p.ID) {
		assert.False(t, seen[c.ID], "comment %s appears once", c.ID)
		seen[c.ID] = true
		assert.Equal(t, fmt.Sprintf("c%d", i+1), c.Content)
	}
}

type blockingStore struct {
	*store.Memory
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.Memory.Query(ctx, q)
}

func TestLoadCommentsIsBusyWhileLoading(t *testing.T) {
	m := store.NewMemory()
	a := addUser(t, m, "a")
	s := &blockingStore{Memory: m, entered: make(chan struct{}, 1), release: make(chan struct{})}
	e := New(s, a, Options{})
	defer e.Close()
	ctx := context.Background()
	p, err := New(m, a, Options{}).CreatePost(ctx, "slow", "")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := e.LoadComments(ctx, p.ID, 10, nil)
		errc <- err
	}()
	<-s.entered
	_, err = e.LoadComments(ctx, p.ID, 10, nil)
	assert.Equal(t, bonderr.CodeBusy, bonderr.CodeOf(err))

	close(s.release)
	require.NoError(t, <-errc)
	_, err = e.LoadComments(ctx, p.ID, 10, nil)
	assert.NoError(t, err, "a finished load frees the post")
}

func TestCommentCountFollowsComments(t *testing.T) {
	m, ea, eb, _ := people(t)
	ctx := context.Background()
	p, err := eb.CreatePost(ctx, "count", models.VisibilityFriends)
	require.NoError(t, err)

	var added []models.Comment
	for i := 0; i < 3; i++ {
		c, err := ea.AddComment(ctx, p.ID, fmt.Sprintf("n%d", i))
		require.NoError(t, err)
		added = append(added, c)
	}
	assert.Equal(t, 3, readPost(t, m, p.ID).CommentCount)
	assert.Len(t, ea.Comments(p.ID), 3, "added comments join the local thread")

	require.NoError(t, ea.DeleteComment(ctx, p.ID, added[0].ID))
	require.NoError(t, eb.DeleteComment(ctx, p.ID, added[1].ID), "the post author may delete")
	assert.Equal(t, 1, readPost(t, m, p.ID).CommentCount)
	assert.Equal(t, 1, commentDocs(t, m, p.ID))

	require.NoError(t, m.Commit(ctx, store.UpdateDoc(models.PostPath(p.ID),
		store.Update{Path: "commentCount", Value: 0})))
	require.NoError(t, ea.DeleteComment(ctx, p.ID, added[2].ID))
	assert.Equal(t, 0, readPost(t, m, p.ID).CommentCount, "the count does not go negative")
}

func TestDeleteAndLikeCommentsConcurrently(t *testing.T) {
	m, ea, eb, _ := people(t)
	ctx := context.Background()
	p, err := eb.CreatePost(ctx, "busy", models.VisibilityPublic)
	require.NoError(t, err)
	c2, err := eb.AddComment(ctx, p.ID, "keep")
	require.NoError(t, err)
	c, err := ea.AddComment(ctx, p.ID, "remove")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, ea.DeleteComment(ctx, p.ID, c.ID))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, ea.ToggleCommentLike(ctx, p.ID, c2.ID))
	}()
	wg.Wait()

	assert.Equal(t, 1, readPost(t, m, p.ID).CommentCount)
	assert.Equal(t, 1, commentDocs(t, m, p.ID))
	d, err := m.Get(ctx, models.CommentPath(p.ID, c2.ID))
	require.NoError(t, err)
	var kept models.Comment
	require.NoError(t, d.DataTo(&kept))
	assert.Equal(t, 1, kept.LikeCount)
	assert.Equal(t, []string{"a"}, kept.Likes)
}

func TestCommentRules(t *testing.T) {
	_, ea, eb, ec := people(t)
	ctx := context.Background()
	pub, err := eb.CreatePost(ctx, "open", models.VisibilityPublic)
	require.NoError(t, err)
	friends, err := eb.CreatePost(ctx, "circle", models.VisibilityFriends)
	require.NoError(t, err)
	private, err := eb.CreatePost(ctx, "diary", models.VisibilityPrivate)
	require.NoError(t, err)

	_, err = ea.AddComment(ctx, pub.ID, "   ")
	assert.Equal(t, bonderr.CodeValidation, bonderr.CodeOf(err))
	_, err = ea.AddComment(ctx, pub.ID, strings.Repeat("x", models.MaxCommentLength+1))
	assert.Equal(t, bonderr.CodeValidation, bonderr.CodeOf(err))
	_, err = ea.AddComment(ctx, pub.ID, strings.Repeat("é", models.MaxCommentLength))
	assert.NoError(t, err, "length is counted in characters")

	_, err = ec.AddComment(ctx, friends.ID, "hi")
	assert.Equal(t, bonderr.CodePermission, bonderr.CodeOf(err))
	_, err = ea.AddComment(ctx, friends.ID, "hi")
	assert.NoError(t, err)
	_, err = ea.AddComment(ctx, private.ID, "hi")
	assert.Equal(t, bonderr.CodePermission, bonderr.CodeOf(err))
	_, err = ea.AddComment(ctx, "missing", "hi")
	assert.Equal(t, bonderr.CodeNotFound, bonderr.CodeOf(err))

	mine, err := ea.AddComment(ctx, pub.ID, "mine")
	require.NoError(t, err)
	assert.Equal(t, bonderr.CodePermission, bonderr.CodeOf(ec.DeleteComment(ctx, pub.ID, mine.ID)))
	assert.Equal(t, bonderr.CodeNotFound, bonderr.CodeOf(ea.DeleteComment(ctx, pub.ID, "missing")))
}

func TestTailDropsDeletedComments(t *testing.T) {
	_, ea, eb, _ := people(t)
	ctx := context.Background()
	p, err := eb.CreatePost(ctx, "tail", models.VisibilityPublic)
	require.NoError(t, err)
	cancel := ea.WatchRecentComments(p.ID, func([]models.Comment) {})
	defer cancel()

	c, err := eb.AddComment(ctx, p.ID, "soon gone")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(ea.Comments(p.ID)) == 1 }, wait, tick)
	require.NoError(t, eb.DeleteComment(ctx, p.ID, c.ID))
	require.Eventually(t, func() bool { return len(ea.Comments(p.ID)) == 0 }, wait, tick)
}

func TestOnlyAuthorsChangePosts(t *testing.T) {
	m, ea, eb, _ := people(t)
	ctx := context.Background()
	p, err := ea.CreatePost(ctx, "draft", models.VisibilityPrivate)
	require.NoError(t, err)
	_, err = ea.CreatePost(ctx, "x", "secret")
	assert.Equal(t, bonderr.CodeValidation, bonderr.CodeOf(err))

	assert.Equal(t, bonderr.CodePermission, bonderr.CodeOf(eb.UpdatePost(ctx, p.ID, "mine now", "")))
	require.NoError(t, ea.UpdatePost(ctx, p.ID, "final", models.VisibilityPublic))
	got := readPost(t, m, p.ID)
	assert.Equal(t, "final", got.Content)
	assert.Equal(t, models.VisibilityPublic, got.Visibility)

	_, err = eb.AddComment(ctx, p.ID, "nice")
	require.NoError(t, err)
	assert.Equal(t, bonderr.CodePermission, bonderr.CodeOf(eb.DeletePost(ctx, p.ID)))
	require.NoError(t, ea.DeletePost(ctx, p.ID))
	_, err = m.Get(ctx, models.PostPath(p.ID))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, commentDocs(t, m, p.ID))
}

// racingStore runs after once, right after the first comment listing.
type racingStore struct {
	*store.Memory
	after func()
	once  sync.Once
}

func (s *racingStore) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	docs, err := s.Memory.Query(ctx, q)
	if strings.HasSuffix(q.Collection, "/"+models.CommentsCollection) {
		s.once.Do(s.after)
	}
	return docs, err
}

func TestDeletePostCatchesCommentAddedMidway(t *testing.T) {
	m, _, eb, _ := people(t)
	ctx := context.Background()
	p, err := eb.CreatePost(ctx, "going away", models.VisibilityPublic)
	require.NoError(t, err)
	_, err = eb.AddComment(ctx, p.ID, "first")
	require.NoError(t, err)

	rs := &racingStore{Memory: m}
	rs.after = func() {
		_, err := eb.AddComment(ctx, p.ID, "late")
		require.NoError(t, err)
	}
	owner := New(rs, eb.self, Options{})
	defer owner.Close()

	require.NoError(t, owner.DeletePost(ctx, p.ID))
	assert.Zero(t, commentDocs(t, m, p.ID), "no comment outlives its post")
	_, err = m.Get(ctx, models.PostPath(p.ID))
	assert.ErrorIs(t, err, store.ErrNotFound)
}
