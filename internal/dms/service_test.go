package dms

import (
	"errors"
	"testing"

	"pavilion/internal/models"
)

type fakeStore struct {
	users map[string]models.User
	dms   map[string]models.DMChannel
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[string]models.User{
			"alice": {ID: "alice"},
			"bob":   {ID: "bob"},
		},
		dms: map[string]models.DMChannel{},
	}
}

func (f *fakeStore) GetUser(id string) (models.User, error) {
	user, ok := f.users[id]
	if !ok {
		return models.User{}, models.ErrUserNotFound
	}
	return user, nil
}

func (f *fakeStore) GetDMChannel(id string) (models.DMChannel, error) {
	dm, ok := f.dms[id]
	if !ok {
		return models.DMChannel{}, models.ErrChannelNotFound
	}
	return dm, nil
}

func (f *fakeStore) PutDMChannel(dm models.DMChannel) error {
	f.dms[dm.ID] = dm
	return nil
}

func (f *fakeStore) FindDMByRecipients(userA, userB string) (models.DMChannel, error) {
	for _, dm := range f.dms {
		if (dm.Recipient1 == userA && dm.Recipient2 == userB) ||
			(dm.Recipient1 == userB && dm.Recipient2 == userA) {
			return dm, nil
		}
	}
	return models.DMChannel{}, models.ErrNotFound
}

func (f *fakeStore) ListDMsForUser(userID string) ([]models.DMChannel, error) {
	var out []models.DMChannel
	for _, dm := range f.dms {
		if dm.Closed {
			continue
		}
		if dm.Recipient1 == userID || dm.Recipient2 == userID {
			out = append(out, dm)
		}
	}
	return out, nil
}

func TestOpenReusesChannel(t *testing.T) {
	svc := NewService(newFakeStore())

	first, err := svc.Open("alice", "bob")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Opening from the other side returns the same channel.
	second, err := svc.Open("bob", "alice")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected one channel per pair, got %s and %s", first.ID, second.ID)
	}
}

func TestCloseAndReopen(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)

	dm, err := svc.Open("alice", "bob")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	dm.Messages = []string{"m1"}
	store.dms[dm.ID] = dm

	if _, err := svc.Close("alice", dm.ID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	list, err := svc.List("alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected closed channel hidden from list, got %d channels", len(list))
	}

	reopened, err := svc.Open("alice", "bob")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if reopened.ID != dm.ID {
		t.Error("expected reopen to reuse the channel, not create a new one")
	}
	if reopened.Closed {
		t.Error("expected reopened channel to be open")
	}
	if len(reopened.Messages) != 1 {
		t.Error("expected message history preserved across close")
	}
}

func TestAccessRules(t *testing.T) {
	svc := NewService(newFakeStore())

	if _, err := svc.Open("alice", "alice"); !errors.Is(err, models.ErrInvalidTarget) {
		t.Errorf("expected ErrInvalidTarget for self DM, got %v", err)
	}
	if _, err := svc.Open("alice", "ghost"); !errors.Is(err, models.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}

	dm, err := svc.Open("alice", "bob")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Outsiders get the same answer as for a missing channel.
	if _, err := svc.Get("mallory", dm.ID); !errors.Is(err, models.ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound for outsider, got %v", err)
	}
	if _, err := svc.Get("bob", dm.ID); err != nil {
		t.Errorf("expected recipient access, got %v", err)
	}
}
