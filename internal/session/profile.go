package session

import (
	"context"
	"errors"
	"strings"

	"github.com/golang/glog"

	"local.dev/bond/internal/bonderr"
	"local.dev/bond/internal/models"
	"local.dev/bond/internal/store"
)

// EnsureProfile returns the user document of id, creating it on first
// sign-in. Usernames are unique ignoring case; an empty username is derived
// from the email or name, falling back to the uid when that one is taken.
// Fields of an existing profile are only filled in where they are empty.
func EnsureProfile(ctx context.Context, s store.Store, id Identity, username string) (models.UserProfile, error) {
	if id.UID == "" {
		return models.UserProfile{}, bonderr.Validation("identity has no user id")
	}
	chosen := strings.TrimSpace(username)
	derived := chosen == ""
	if derived {
		chosen = defaultUsername(id)
	}
	taken, err := usernameTaken(ctx, s, chosen, id.UID)
	if err != nil {
		return models.UserProfile{}, bonderr.Unavailable("could not check username", err)
	}
	if taken {
		if !derived {
			return models.UserProfile{}, bonderr.Conflict("username %q is taken", chosen)
		}
		chosen = id.UID
	}

	var out models.UserProfile
	err = s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		doc, err := tx.Get(models.UserPath(id.UID))
		if errors.Is(err, store.ErrNotFound) {
			name := id.Name
			if name == "" {
				name = chosen
			}
			out = models.UserProfile{
				ID:             id.UID,
				Username:       chosen,
				UsernameLower:  strings.ToLower(chosen),
				DisplayName:    name,
				ProfilePicture: id.Picture,
				Friends:        []string{},
				FriendRequests: []string{},
				SentRequests:   []string{},
			}
			return tx.Write(store.Create(models.UserPath(id.UID), map[string]any{
				"username":       out.Username,
				"usernameLower":  out.UsernameLower,
				"displayName":    out.DisplayName,
				"profilePicture": out.ProfilePicture,
				"bio":            "",
				"friends":        []any{},
				"friendRequests": []any{},
				"sentRequests":   []any{},
				"isOnline":       false,
				"lastSeen":       store.ServerTimestamp,
				"createdAt":      store.ServerTimestamp,
			}))
		}
		if err != nil {
			return err
		}
		if err := doc.DataTo(&out); err != nil {
			return err
		}
		out.ID = id.UID

		var fill []store.Update
		if out.DisplayName == "" && id.Name != "" {
			out.DisplayName = id.Name
			fill = append(fill, store.Update{Path: "displayName", Value: id.Name})
		}
		if out.ProfilePicture == "" && id.Picture != "" {
			out.ProfilePicture = id.Picture
			fill = append(fill, store.Update{Path: "profilePicture", Value: id.Picture})
		}
		if out.Username == "" {
			out.Username, out.UsernameLower = chosen, strings.ToLower(chosen)
			fill = append(fill,
				store.Update{Path: "username", Value: out.Username},
				store.Update{Path: "usernameLower", Value: out.UsernameLower},
			)
		}
		if len(fill) == 0 {
			return nil
		}
		return tx.Write(store.UpdateDoc(models.UserPath(id.UID), fill...))
	})
	if err != nil {
		var be *bonderr.Error
		if errors.As(err, &be) {
			return models.UserProfile{}, err
		}
		return models.UserProfile{}, bonderr.Unavailable("could not load profile", err)
	}
	glog.V(2).Infof("[session]profile %s ready\n", id.UID)
	return out, nil
}

func defaultUsername(id Identity) string {
	if local, _, ok := strings.Cut(id.Email, "@"); ok && local != "" {
		return local
	}
	if id.Name != "" {
		return strings.Join(strings.Fields(id.Name), "")
	}
	return id.UID
}

func usernameTaken(ctx context.Context, s store.Store, username, uid string) (bool, error) {
	docs, err := s.Query(ctx, store.Query{Collection: models.UsersCollection}.
		Filter("usernameLower", "==", strings.ToLower(username)).
		WithLimit(2))
	if err != nil {
		return false, err
	}
	for _, d := range docs {
		if d.ID != uid {
			return true, nil
		}
	}
	return false, nil
}
