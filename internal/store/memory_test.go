package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitAll(t *testing.T, m *Memory, writes ...Write) {
	t.Helper()
	for _, w := range writes {
		require.NoError(t, m.Commit(context.Background(), w))
	}
}

func TestCreateRejectsExisting(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Commit(ctx, Create("users/a", map[string]any{"username": "a"})))
	err := m.Commit(ctx, Create("users/a", map[string]any{"username": "b"}))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	d, err := m.Get(ctx, "users/a")
	require.NoError(t, err)
	assert.Equal(t, "a", d.Data["username"])
}

func TestCommitIsAtomic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	err := m.Commit(ctx,
		Create("posts/p1/comments/c1", map[string]any{"content": "hi"}),
		UpdateDoc("posts/p1", Update{Path: "commentCount", Value: Increment(1)}),
	)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(ctx, "posts/p1/comments/c1")
	assert.ErrorIs(t, err, ErrNotFound, "comment must not exist when the count update failed")
}

func TestTransforms(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	commitAll(t, m, Create("posts/p1", map[string]any{
		"likes":     []string{"a"},
		"likeCount": 1,
		"createdAt": ServerTimestamp,
	}))
	require.NoError(t, m.Commit(ctx, UpdateDoc("posts/p1",
		Update{Path: "likes", Value: ArrayUnion("b", "a")},
		Update{Path: "likeCount", Value: Increment(1)},
		Update{Path: "unread.b", Value: Increment(2)},
	)))

	var got struct {
		Likes     []string       `firestore:"likes"`
		LikeCount int            `firestore:"likeCount"`
		Unread    map[string]int `firestore:"unread"`
		CreatedAt time.Time      `firestore:"createdAt"`
	}
	d, err := m.Get(ctx, "posts/p1")
	require.NoError(t, err)
	require.NoError(t, d.DataTo(&got))
	assert.Equal(t, []string{"a", "b"}, got.Likes)
	assert.Equal(t, 2, got.LikeCount)
	assert.Equal(t, map[string]int{"b": 2}, got.Unread)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, m.Commit(ctx, UpdateDoc("posts/p1", Update{Path: "likes", Value: ArrayRemove("a")})))
	d, _ = m.Get(ctx, "posts/p1")
	require.NoError(t, d.DataTo(&got))
	assert.Equal(t, []string{"b"}, got.Likes)
}

func TestQueryFiltersOrderAndCursor(t *testing.T) {
	m := NewMemory()
	commitAll(t, m,
		Create("posts/a", map[string]any{"authorId": "u1", "visibility": "public", "rank": 3}),
		Create("posts/b", map[string]any{"authorId": "u2", "visibility": "private", "rank": 1}),
		Create("posts/c", map[string]any{"authorId": "u3", "visibility": "friends", "rank": 2}),
		Create("posts/d", map[string]any{"authorId": "u1", "visibility": "friends", "rank": 4}),
		Create("posts/a/comments/x", map[string]any{"rank": 9}),
	)

	q := Query{Collection: "posts"}.
		Filter("authorId", "in", []string{"u1", "u2", "u3"}).
		Filter("visibility", "in", []string{"public", "friends"}).
		Order("rank", Asc)
	docs, err := m.Query(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "d"}, ids(docs))

	docs, err = m.Query(context.Background(), q.After(int64(2)).WithLimit(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(docs))

	docs, err = m.Query(context.Background(), Query{Collection: "posts"}.Order("rank", Desc).WithLimit(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "a"}, ids(docs))
}

func TestArrayContains(t *testing.T) {
	m := NewMemory()
	commitAll(t, m,
		Create("conversations/a_b", map[string]any{"participants": []string{"a", "b"}}),
		Create("conversations/b_c", map[string]any{"participants": []string{"b", "c"}}),
	)
	docs, err := m.Query(context.Background(), Query{Collection: "conversations"}.Filter("participants", "array-contains", "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b"}, ids(docs))
}

func TestSnapshotsDeliverLatestAndStop(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	it := m.Snapshots(ctx, Query{Collection: "posts"})
	assert.Equal(t, 1, m.ActiveListeners())

	first, err := it.Next()
	require.NoError(t, err)
	assert.Empty(t, first.Docs)

	commitAll(t, m, Create("posts/a", map[string]any{"n": 1}), Create("posts/b", map[string]any{"n": 2}))
	snap, err := it.Next()
	require.NoError(t, err)
	assert.Len(t, snap.Docs, 2, "intermediate snapshots collapse to the newest")

	it.Stop()
	it.Stop()
	assert.Equal(t, 0, m.ActiveListeners())
	_, err = it.Next()
	assert.ErrorIs(t, err, ErrIteratorStopped)
}

func TestDocSnapshots(t *testing.T) {
	m := NewMemory()
	it := m.Snapshots(context.Background(), DocQuery("users/a"))
	defer it.Stop()
	snap, err := it.Next()
	require.NoError(t, err)
	assert.Empty(t, snap.Docs)

	commitAll(t, m, Create("users/a", map[string]any{"username": "a"}))
	snap, err = it.Next()
	require.NoError(t, err)
	require.Len(t, snap.Docs, 1)
	assert.Equal(t, "a", snap.Docs[0].ID)
}

func TestFailListen(t *testing.T) {
	m := NewMemory()
	boom := errors.New("unavailable")
	m.FailListen("posts", boom)
	it := m.Snapshots(context.Background(), Query{Collection: "posts"})
	defer it.Stop()
	_, err := it.Next()
	assert.ErrorIs(t, err, boom)

	m.FailListen("posts", nil)
	it2 := m.Snapshots(context.Background(), Query{Collection: "posts"})
	defer it2.Stop()
	_, err = it2.Next()
	assert.NoError(t, err)
}

func TestCommitHookRejects(t *testing.T) {
	m := NewMemory()
	boom := errors.New("offline")
	m.SetCommitHook(func([]Write) error { return boom })
	err := m.Commit(context.Background(), Create("users/a", map[string]any{}))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, m.Paths())
}

func TestTransactionReadsBeforeWrites(t *testing.T) {
	m := NewMemory()
	commitAll(t, m, Create("posts/p", map[string]any{"commentCount": 0}))
	err := m.RunTransaction(context.Background(), func(_ context.Context, tx Tx) error {
		if _, err := tx.Get("posts/p"); err != nil {
			return err
		}
		require.NoError(t, tx.Write(UpdateDoc("posts/p", Update{Path: "commentCount", Value: 0})))
		_, err := tx.Get("posts/p")
		return err
	})
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, SeedIfEmpty(ctx, m))
	path := filepath.Join(t.TempDir(), "bond.json")
	require.NoError(t, m.Save(path))

	loaded := NewMemory()
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, m.Paths(), loaded.Paths())

	d, err := loaded.Get(ctx, "posts/p1")
	require.NoError(t, err)
	var post struct {
		CreatedAt time.Time `firestore:"createdAt"`
		LikeCount int       `firestore:"likeCount"`
	}
	require.NoError(t, d.DataTo(&post))
	assert.False(t, post.CreatedAt.IsZero())

	docs, err := loaded.Query(ctx, Query{Collection: "posts"}.Order("createdAt", Desc))
	require.NoError(t, err)
	assert.Equal(t, []string{"p4", "p3", "p2", "p1"}, ids(docs))
}

func TestLoadMissingFile(t *testing.T) {
	m := NewMemory()
	assert.NoError(t, m.Load(filepath.Join(t.TempDir(), "none.json")))
}

func TestQueryKeyIsStable(t *testing.T) {
	a := Query{Collection: "posts"}.Filter("authorId", "in", []string{"a", "b"}).Order("createdAt", Desc).WithLimit(50)
	b := Query{Collection: "posts"}.Filter("authorId", "in", []string{"a", "b"}).Order("createdAt", Desc).WithLimit(50)
	c := a.WithLimit(20)
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
	assert.Equal(t, "doc:users/a", DocQuery("users/a").Key())
}

func ids(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
