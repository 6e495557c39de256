// Package friends runs the friend-request lifecycle. Every step changes both
// users' documents in one transaction.
package friends

import (
	"context"
	"errors"

	"github.com/golang/glog"

	"local.dev/bond/internal/bonderr"
	"local.dev/bond/internal/models"
	"local.dev/bond/internal/store"
)

type Service struct {
	store store.Store
	self  string
}

func New(s store.Store, selfID string) *Service {
	return &Service{store: s, self: selfID}
}

// SendRequest asks to to become a friend.
func (s *Service) SendRequest(ctx context.Context, to string) error {
	if to == "" {
		return bonderr.Validation("choose someone to add")
	}
	if to == s.self {
		return bonderr.Validation("you cannot add yourself")
	}
	return s.run(ctx, "request", to, func(tx store.Tx, me, them *models.UserProfile) error {
		if them == nil {
			return bonderr.NotFound("user", to)
		}
		switch {
		case me.IsFriend(to):
			return bonderr.Conflict("you are already friends")
		case models.Contains(me.SentRequests, to):
			return bonderr.Conflict("friend request already sent")
		case models.Contains(me.FriendRequests, to):
			return bonderr.Conflict("%s already sent you a request", them.Summary().Name())
		}
		return tx.Write(
			store.UpdateDoc(models.UserPath(s.self), store.Update{Path: "sentRequests", Value: store.ArrayUnion(to)}),
			store.UpdateDoc(models.UserPath(to), store.Update{Path: "friendRequests", Value: store.ArrayUnion(s.self)}),
		)
	})
}

// Accept turns a pending request from from into a friendship.
func (s *Service) Accept(ctx context.Context, from string) error {
	return s.run(ctx, "accept", from, func(tx store.Tx, me, them *models.UserProfile) error {
		if !models.Contains(me.FriendRequests, from) {
			return bonderr.NotFound("friend request", from)
		}
		if them == nil {
			return bonderr.NotFound("user", from)
		}
		return tx.Write(
			store.UpdateDoc(models.UserPath(s.self),
				store.Update{Path: "friendRequests", Value: store.ArrayRemove(from)},
				store.Update{Path: "friends", Value: store.ArrayUnion(from)},
			),
			store.UpdateDoc(models.UserPath(from),
				store.Update{Path: "sentRequests", Value: store.ArrayRemove(s.self)},
				store.Update{Path: "friends", Value: store.ArrayUnion(s.self)},
			),
		)
	})
}

// Decline drops a pending request from from.
func (s *Service) Decline(ctx context.Context, from string) error {
	return s.run(ctx, "decline", from, func(tx store.Tx, me, them *models.UserProfile) error {
		if !models.Contains(me.FriendRequests, from) {
			return bonderr.NotFound("friend request", from)
		}
		return tx.Write(pair(
			store.UpdateDoc(models.UserPath(s.self), store.Update{Path: "friendRequests", Value: store.ArrayRemove(from)}),
			them, store.UpdateDoc(models.UserPath(from), store.Update{Path: "sentRequests", Value: store.ArrayRemove(s.self)}),
		)...)
	})
}

// Cancel withdraws a request the caller sent to to.
func (s *Service) Cancel(ctx context.Context, to string) error {
	return s.run(ctx, "cancel", to, func(tx store.Tx, me, them *models.UserProfile) error {
		if !models.Contains(me.SentRequests, to) {
			return bonderr.NotFound("friend request", to)
		}
		return tx.Write(pair(
			store.UpdateDoc(models.UserPath(s.self), store.Update{Path: "sentRequests", Value: store.ArrayRemove(to)}),
			them, store.UpdateDoc(models.UserPath(to), store.Update{Path: "friendRequests", Value: store.ArrayRemove(s.self)}),
		)...)
	})
}

// Unfriend ends a friendship on both sides.
func (s *Service) Unfriend(ctx context.Context, other string) error {
	return s.run(ctx, "unfriend", other, func(tx store.Tx, me, them *models.UserProfile) error {
		if !me.IsFriend(other) {
			return bonderr.NotFound("friend", other)
		}
		return tx.Write(pair(
			store.UpdateDoc(models.UserPath(s.self), store.Update{Path: "friends", Value: store.ArrayRemove(other)}),
			them, store.UpdateDoc(models.UserPath(other), store.Update{Path: "friends", Value: store.ArrayRemove(s.self)}),
		)...)
	})
}

// pair skips the other side's write when that user no longer exists.
func pair(mine store.Write, them *models.UserProfile, theirs store.Write) []store.Write {
	if them == nil {
		return []store.Write{mine}
	}
	return []store.Write{mine, theirs}
}

// run reads both profiles inside a transaction; them is nil when the other
// user does not exist.
func (s *Service) run(ctx context.Context, op, other string, fn func(tx store.Tx, me, them *models.UserProfile) error) error {
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		me, err := readUser(tx, s.self)
		if err != nil {
			return err
		}
		if me == nil {
			return bonderr.NotFound("user", s.self)
		}
		them, err := readUser(tx, other)
		if err != nil {
			return err
		}
		return fn(tx, me, them)
	})
	if err == nil {
		glog.Infof("[friends]%s %s %s\n", s.self, op, other)
		return nil
	}
	var be *bonderr.Error
	if errors.As(err, &be) {
		return err
	}
	glog.Errorf("[friends]%s %s %s: %v\n", s.self, op, other, err)
	return bonderr.Unavailable("friend list not updated", err)
}

func readUser(tx store.Tx, id string) (*models.UserProfile, error) {
	doc, err := tx.Get(models.UserPath(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var u models.UserProfile
	if err := doc.DataTo(&u); err != nil {
		return nil, err
	}
	u.ID = id
	return &u, nil
}
