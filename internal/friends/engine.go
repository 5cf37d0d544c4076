// Package friends implements the friend-request state machine. The state
// of a pair is a single relationship record keyed by the unordered pair,
// so every transition is one document write and the two users' views can
// never disagree.
package friends

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"pavilion/internal/models"
)

// Store is the persistence surface the engine needs.
type Store interface {
	GetUser(id string) (models.User, error)
	GetRelationship(userA, userB string) (models.Relationship, error)
	PutRelationship(rel models.Relationship) error
	DeleteRelationship(userA, userB string) error
	ListRelationships(userID string) ([]models.Relationship, error)
}

// Notifier pushes an event to a user's live connection. The returned
// bool reports whether the user was reachable.
type Notifier interface {
	PushToUser(userID, event string, payload any) bool
	Reachable(userID string) bool
}

// OfflinePusher delivers a best-effort notification to a user with no
// live connection.
type OfflinePusher interface {
	Notify(userID, title, body string)
}

type Engine struct {
	store    Store
	notifier Notifier
	push     OfflinePusher // optional
	now      func() time.Time
}

func NewEngine(store Store, notifier Notifier, push OfflinePusher) *Engine {
	return &Engine{
		store:    store,
		notifier: notifier,
		push:     push,
		now:      time.Now,
	}
}

// SendRequest records a pending request from requester to target.
//
// If the target had already sent a request the other way, both pending
// directions existed at once (a race under concurrent clients); that is
// resolved as a mutual accept instead of a second pending entry.
func (e *Engine) SendRequest(requester, target string) error {
	if requester == target {
		return models.ErrInvalidTarget
	}
	if _, err := e.store.GetUser(target); err != nil {
		return err
	}

	rel, err := e.store.GetRelationship(requester, target)
	switch {
	case errors.Is(err, models.ErrNotFound):
		a, b := pair(requester, target)
		if err := e.store.PutRelationship(models.Relationship{
			UserA:     a,
			UserB:     b,
			Requester: requester,
			State:     models.RelationshipPending,
			UpdatedAt: e.now().UnixMilli(),
		}); err != nil {
			return fmt.Errorf("failed to store friend request: %w", err)
		}
	case err != nil:
		return err
	case rel.State == models.RelationshipFriends:
		return models.ErrAlreadyFriends
	case rel.Requester == requester:
		return models.ErrAlreadyRequested
	default:
		// Both directions pending at once: treat as mutual accept.
		rel.State = models.RelationshipFriends
		rel.UpdatedAt = e.now().UnixMilli()
		if err := e.store.PutRelationship(rel); err != nil {
			return fmt.Errorf("failed to store friendship: %w", err)
		}
	}

	e.pushProfiles(requester, target)
	e.notifyOffline(target, requester)
	return nil
}

// AcceptRequest turns a pending request from requester into a mutual
// friendship.
func (e *Engine) AcceptRequest(accepter, requester string) error {
	if accepter == requester {
		return models.ErrInvalidTarget
	}
	if _, err := e.store.GetUser(requester); err != nil {
		return err
	}

	rel, err := e.store.GetRelationship(accepter, requester)
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrNotRequested
	}
	if err != nil {
		return err
	}
	if rel.State != models.RelationshipPending || rel.Requester != requester {
		return models.ErrNotRequested
	}

	rel.State = models.RelationshipFriends
	rel.UpdatedAt = e.now().UnixMilli()
	if err := e.store.PutRelationship(rel); err != nil {
		return fmt.Errorf("failed to store friendship: %w", err)
	}

	e.pushProfiles(accepter, requester)
	return nil
}

// CancelRequest withdraws a pending request sent by requester.
func (e *Engine) CancelRequest(requester, target string) error {
	if requester == target {
		return models.ErrInvalidTarget
	}
	if _, err := e.store.GetUser(target); err != nil {
		return err
	}

	rel, err := e.store.GetRelationship(requester, target)
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}
	if rel.State != models.RelationshipPending || rel.Requester != requester {
		return models.ErrNotFound
	}

	if err := e.store.DeleteRelationship(requester, target); err != nil {
		return fmt.Errorf("failed to delete friend request: %w", err)
	}

	e.pushProfiles(requester, target)
	return nil
}

// RemoveFriend dissolves an existing friendship.
func (e *Engine) RemoveFriend(userID, friendID string) error {
	if userID == friendID {
		return models.ErrInvalidTarget
	}
	if _, err := e.store.GetUser(friendID); err != nil {
		return err
	}

	rel, err := e.store.GetRelationship(userID, friendID)
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}
	if rel.State != models.RelationshipFriends {
		return models.ErrNotFound
	}

	if err := e.store.DeleteRelationship(userID, friendID); err != nil {
		return fmt.Errorf("failed to delete friendship: %w", err)
	}

	e.pushProfiles(userID, friendID)
	return nil
}

// Snapshot returns the user with the friends and pending-request views
// derived from relationship records.
func (e *Engine) Snapshot(userID string) (models.User, error) {
	user, err := e.store.GetUser(userID)
	if err != nil {
		return models.User{}, err
	}

	rels, err := e.store.ListRelationships(userID)
	if err != nil {
		return models.User{}, err
	}

	user.Friends = []string{}
	user.FriendRequests = models.FriendRequests{Sent: []string{}, Received: []string{}}
	for _, rel := range rels {
		other := rel.Other(userID)
		switch {
		case rel.State == models.RelationshipFriends:
			user.Friends = append(user.Friends, other)
		case rel.Requester == userID:
			user.FriendRequests.Sent = append(user.FriendRequests.Sent, other)
		default:
			user.FriendRequests.Received = append(user.FriendRequests.Received, other)
		}
	}
	sort.Strings(user.Friends)
	sort.Strings(user.FriendRequests.Sent)
	sort.Strings(user.FriendRequests.Received)

	return user, nil
}

// Friends lists a user's friends as full user records.
func (e *Engine) Friends(userID string) ([]models.User, error) {
	snap, err := e.Snapshot(userID)
	if err != nil {
		return nil, err
	}
	friends := make([]models.User, 0, len(snap.Friends))
	for _, id := range snap.Friends {
		friend, err := e.store.GetUser(id)
		if err != nil {
			continue
		}
		friends = append(friends, friend)
	}
	return friends, nil
}

func (e *Engine) pushProfiles(ids ...string) {
	for _, id := range ids {
		snap, err := e.Snapshot(id)
		if err != nil {
			continue
		}
		e.notifier.PushToUser(id, "me:update", snap)
	}
}

func (e *Engine) notifyOffline(target, requester string) {
	if e.push == nil {
		return
	}
	if e.notifier.Reachable(target) {
		return
	}
	from, err := e.store.GetUser(requester)
	if err != nil {
		return
	}
	e.push.Notify(target, "New friend request", from.DisplayName+" sent you a friend request")
}

func pair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}
