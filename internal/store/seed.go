package store

import (
	"context"

	"local.dev/bond/internal/models"
)

// SeedIfEmpty fills an empty store with two befriended demo users, a few
// posts and one conversation.
func SeedIfEmpty(ctx context.Context, s Store) error {
	if _, err := s.Get(ctx, models.UserPath("demo_alice")); err == nil {
		return nil
	}

	alice := models.Summary{ID: "demo_alice", Username: "alice", DisplayName: "Alice"}
	bob := models.Summary{ID: "demo_bob", Username: "bob", DisplayName: "Bob"}

	user := func(u models.Summary, bio string, friends ...string) Write {
		return Create(models.UserPath(u.ID), map[string]any{
			"username":       u.Username,
			"usernameLower":  u.Username,
			"displayName":    u.DisplayName,
			"profilePicture": u.ProfilePicture,
			"bio":            bio,
			"friends":        StringValues(friends...),
			"friendRequests": []any{},
			"sentRequests":   []any{},
			"isOnline":       false,
			"lastSeen":       ServerTimestamp,
			"createdAt":      ServerTimestamp,
		})
	}
	post := func(id string, author models.Summary, vis models.Visibility, content string) Write {
		return Create(models.PostPath(id), map[string]any{
			"authorId":     author.ID,
			"author":       author.Map(),
			"content":      content,
			"createdAt":    ServerTimestamp,
			"updatedAt":    ServerTimestamp,
			"visibility":   string(vis),
			"likes":        []any{},
			"likeCount":    int64(0),
			"commentCount": int64(0),
		})
	}

	if err := s.Commit(ctx,
		user(alice, "Collecting photocards one album at a time.", bob.ID),
		user(bob, "Fixing card corners in the feed UI.", alice.ID),
	); err != nil {
		return err
	}
	// one post per commit so createdAt differs
	for _, w := range []Write{
		post("p1", bob, models.VisibilityPublic, "Finally fixed the rounded corners on feed cards."),
		post("p2", alice, models.VisibilityPublic, "Hi! First post here."),
		post("p3", alice, models.VisibilityFriends, "Scanned every album cover into the shelf view."),
		post("p4", bob, models.VisibilityPrivate, "Draft: trading board idea."),
	} {
		if err := s.Commit(ctx, w); err != nil {
			return err
		}
	}

	convID := models.ConversationID(alice.ID, bob.ID)
	return s.Commit(ctx, Create(models.ConversationPath(convID), map[string]any{
		"participants": StringValues(alice.ID, bob.ID),
		"participantInfo": map[string]any{
			alice.ID: alice.Map(),
			bob.ID:   bob.Map(),
		},
		"lastMessage":   "",
		"lastMessageAt": ServerTimestamp,
		"unreadCount":   map[string]any{alice.ID: int64(0), bob.ID: int64(0)},
		"createdAt":     ServerTimestamp,
	}))
}
