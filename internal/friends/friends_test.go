package friends

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"local.dev/bond/internal/bonderr"
	"local.dev/bond/internal/models"
	"local.dev/bond/internal/store"
)

func setup(t *testing.T, ids ...string) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	for _, id := range ids {
		require.NoError(t, m.Commit(context.Background(), store.Create(models.UserPath(id), map[string]any{
			"username":       id,
			"displayName":    id,
			"friends":        []any{},
			"friendRequests": []any{},
			"sentRequests":   []any{},
		})))
	}
	return m
}

func profile(t *testing.T, m *store.Memory, id string) models.UserProfile {
	t.Helper()
	d, err := m.Get(context.Background(), models.UserPath(id))
	require.NoError(t, err)
	var u models.UserProfile
	require.NoError(t, d.DataTo(&u))
	return u
}

func TestRequestAcceptUnfriend(t *testing.T) {
	m := setup(t, "a", "b")
	ctx := context.Background()
	a, b := New(m, "a"), New(m, "b")

	require.NoError(t, a.SendRequest(ctx, "b"))
	assert.Equal(t, []string{"b"}, profile(t, m, "a").SentRequests)
	assert.Equal(t, []string{"a"}, profile(t, m, "b").FriendRequests)

	require.NoError(t, b.Accept(ctx, "a"))
	pa, pb := profile(t, m, "a"), profile(t, m, "b")
	assert.Equal(t, []string{"b"}, pa.Friends)
	assert.Equal(t, []string{"a"}, pb.Friends)
	assert.Empty(t, pa.SentRequests)
	assert.Empty(t, pb.FriendRequests)

	require.NoError(t, a.Unfriend(ctx, "b"))
	assert.Empty(t, profile(t, m, "a").Friends)
	assert.Empty(t, profile(t, m, "b").Friends)
	assert.True(t, errors.Is(a.Unfriend(ctx, "b"), bonderr.ErrNotFound))
}

func TestDeclineAndCancel(t *testing.T) {
	m := setup(t, "a", "b", "c")
	ctx := context.Background()
	a, b := New(m, "a"), New(m, "b")

	require.NoError(t, a.SendRequest(ctx, "b"))
	require.NoError(t, b.Decline(ctx, "a"))
	assert.Empty(t, profile(t, m, "a").SentRequests)
	assert.Empty(t, profile(t, m, "b").FriendRequests)

	require.NoError(t, a.SendRequest(ctx, "c"))
	require.NoError(t, a.Cancel(ctx, "c"))
	assert.Empty(t, profile(t, m, "a").SentRequests)
	assert.Empty(t, profile(t, m, "c").FriendRequests)

	assert.Equal(t, bonderr.CodeNotFound, bonderr.CodeOf(b.Accept(ctx, "a")))
	assert.Equal(t, bonderr.CodeNotFound, bonderr.CodeOf(a.Cancel(ctx, "b")))
}

func TestRequestConflicts(t *testing.T) {
	m := setup(t, "a", "b", "c")
	ctx := context.Background()
	a, b, c := New(m, "a"), New(m, "b"), New(m, "c")

	for _, tc := range []struct {
		name string
		err  error
		code bonderr.Code
	}{
		{"self", a.SendRequest(ctx, "a"), bonderr.CodeValidation},
		{"empty", a.SendRequest(ctx, ""), bonderr.CodeValidation},
		{"unknown", a.SendRequest(ctx, "zed"), bonderr.CodeNotFound},
	} {
		assert.Equal(t, tc.code, bonderr.CodeOf(tc.err), tc.name)
	}

	require.NoError(t, a.SendRequest(ctx, "b"))
	assert.Equal(t, bonderr.CodeConflict, bonderr.CodeOf(a.SendRequest(ctx, "b")), "duplicate")
	assert.Equal(t, bonderr.CodeConflict, bonderr.CodeOf(b.SendRequest(ctx, "a")), "reverse pending")
	assert.Equal(t, []string{"a"}, profile(t, m, "b").FriendRequests, "no partial write")

	require.NoError(t, c.SendRequest(ctx, "a"))
	require.NoError(t, a.Accept(ctx, "c"))
	assert.Equal(t, bonderr.CodeConflict, bonderr.CodeOf(c.SendRequest(ctx, "a")), "already friends")
}

func TestDeclineFromDeletedUser(t *testing.T) {
	m := setup(t, "a", "b")
	ctx := context.Background()
	require.NoError(t, New(m, "b").SendRequest(ctx, "a"))
	require.NoError(t, m.Commit(ctx, store.Delete(models.UserPath("b"))))

	a := New(m, "a")
	assert.Equal(t, bonderr.CodeNotFound, bonderr.CodeOf(a.Accept(ctx, "b")))
	require.NoError(t, a.Decline(ctx, "b"))
	assert.Empty(t, profile(t, m, "a").FriendRequests)
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	m := setup(t, "a", "b")
	m.SetCommitHook(func([]store.Write) error { return errors.New("offline") })
	err := New(m, "a").SendRequest(context.Background(), "b")
	assert.True(t, errors.Is(err, bonderr.ErrUnavailable))
}
