package messages

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"pavilion/internal/models"
	"pavilion/internal/storage"
)

type fakeStore struct {
	channels map[string]storage.ChannelRef
	users    map[string]models.User
	msgs     map[string][]models.Message // by channel, insertion order
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		channels: map[string]storage.ChannelRef{},
		users:    map[string]models.User{},
		msgs:     map[string][]models.Message{},
	}
}

func (f *fakeStore) addChannel(id string) {
	f.channels[id] = storage.ChannelRef{
		Kind:    storage.ChannelKindServer,
		Channel: &models.Channel{ID: id},
	}
}

func (f *fakeStore) ResolveChannel(id string) (storage.ChannelRef, error) {
	ref, ok := f.channels[id]
	if !ok {
		return storage.ChannelRef{}, models.ErrChannelNotFound
	}
	return ref, nil
}

func (f *fakeStore) CreateMessage(msg models.Message) error {
	f.msgs[msg.ChannelID] = append(f.msgs[msg.ChannelID], msg)
	return nil
}

func (f *fakeStore) SaveMessage(msg models.Message) error {
	for i, m := range f.msgs[msg.ChannelID] {
		if m.ID == msg.ID {
			f.msgs[msg.ChannelID][i] = msg
			return nil
		}
	}
	return models.ErrMessageNotFound
}

func (f *fakeStore) GetMessage(channelID, messageID string) (models.Message, error) {
	for _, m := range f.msgs[channelID] {
		if m.ID == messageID {
			return m, nil
		}
	}
	return models.Message{}, models.ErrMessageNotFound
}

func (f *fakeStore) DeleteMessage(channelID, messageID string) error {
	for i, m := range f.msgs[channelID] {
		if m.ID == messageID {
			f.msgs[channelID] = append(f.msgs[channelID][:i], f.msgs[channelID][i+1:]...)
			return nil
		}
	}
	return models.ErrMessageNotFound
}

// ListMessages mirrors the storage contract: newest first, strictly
// older than the cursor when one is given.
func (f *fakeStore) ListMessages(channelID string, before int64, limit int) ([]models.Message, error) {
	all := append([]models.Message(nil), f.msgs[channelID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt > all[j].CreatedAt })

	var page []models.Message
	for _, m := range all {
		if before > 0 && m.CreatedAt >= before {
			continue
		}
		page = append(page, m)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (f *fakeStore) GetUser(id string) (models.User, error) {
	user, ok := f.users[id]
	if !ok {
		return models.User{}, models.ErrUserNotFound
	}
	return user, nil
}

type fakeBroadcast struct {
	events []string
	last   any
}

func (f *fakeBroadcast) EmitToScope(scopeID, event string, payload any) {
	f.events = append(f.events, event)
	f.last = payload
}

func (f *fakeBroadcast) Reachable(userID string) bool { return true }

type noopResolver struct{}

func (noopResolver) Resolve(ctx context.Context, content string) []models.Embed { return nil }

func newTestPipeline() (*Pipeline, *fakeStore, *fakeBroadcast) {
	store := newFakeStore()
	store.addChannel("chan1")
	store.users["alice"] = models.User{ID: "alice", DisplayName: "Alice"}
	broadcast := &fakeBroadcast{}
	p := NewPipeline(store, noopResolver{}, broadcast, nil)
	return p, store, broadcast
}

func TestCreateMessage(t *testing.T) {
	p, store, broadcast := newTestPipeline()
	p.now = func() time.Time { return time.UnixMilli(100) }

	msg, err := p.Create(context.Background(), "chan1", "alice", "hello **world**")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if msg.CreatedAt != 100 {
		t.Errorf("expected timestamp 100, got %d", msg.CreatedAt)
	}
	if msg.Author == nil || msg.Author.DisplayName != "Alice" {
		t.Error("expected resolved author on the broadcast form")
	}
	if !strings.Contains(msg.ContentHTML, "<strong>") {
		t.Errorf("expected markdown rendering, got %q", msg.ContentHTML)
	}
	if len(broadcast.events) != 1 || broadcast.events[0] != "message:create" {
		t.Errorf("expected message:create broadcast, got %v", broadcast.events)
	}
	if len(store.msgs["chan1"]) != 1 {
		t.Error("expected message persisted")
	}
}

func TestCreateValidation(t *testing.T) {
	p, _, _ := newTestPipeline()

	if _, err := p.Create(context.Background(), "chan1", "alice", ""); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ErrValidation for empty content, got %v", err)
	}
	long := strings.Repeat("x", 2001)
	if _, err := p.Create(context.Background(), "chan1", "alice", long); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ErrValidation for oversized content, got %v", err)
	}
	if _, err := p.Create(context.Background(), "nope", "alice", "hi"); !errors.Is(err, models.ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestEditAndDeleteAuthorOnly(t *testing.T) {
	p, _, broadcast := newTestPipeline()
	p.now = func() time.Time { return time.UnixMilli(100) }

	msg, err := p.Create(context.Background(), "chan1", "alice", "original")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := p.Edit(context.Background(), "chan1", msg.ID, "mallory", "hacked"); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for foreign edit, got %v", err)
	}

	edited, err := p.Edit(context.Background(), "chan1", msg.ID, "alice", "fixed")
	if err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if !edited.Edited {
		t.Error("expected edited flag set")
	}
	if broadcast.events[len(broadcast.events)-1] != "message:update" {
		t.Error("expected message:update broadcast")
	}

	if _, err := p.Delete("chan1", msg.ID, "mallory"); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for foreign delete, got %v", err)
	}
	if _, err := p.Delete("chan1", msg.ID, "alice"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if broadcast.events[len(broadcast.events)-1] != "message:delete" {
		t.Error("expected message:delete broadcast")
	}
}

func TestListPagination(t *testing.T) {
	p, store, _ := newTestPipeline()

	for _, ts := range []int64{100, 90, 80, 70, 60} {
		store.msgs["chan1"] = append(store.msgs["chan1"], models.Message{
			ID:        "m" + time.UnixMilli(ts).String(),
			ChannelID: "chan1",
			AuthorID:  "alice",
			CreatedAt: ts,
		})
	}

	page, err := p.List("chan1", "alice", 0, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page) != 2 || page[0].CreatedAt != 90 || page[1].CreatedAt != 100 {
		t.Fatalf("expected first page [90 100], got %v", timestamps(page))
	}

	page, err = p.List("chan1", "alice", 90, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page) != 2 || page[0].CreatedAt != 70 || page[1].CreatedAt != 80 {
		t.Fatalf("expected second page [70 80], got %v", timestamps(page))
	}

	page, err = p.List("chan1", "alice", 70, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page) != 1 || page[0].CreatedAt != 60 {
		t.Fatalf("expected final page [60], got %v", timestamps(page))
	}

	// A full walk visits every message exactly once.
	seen := map[int64]int{}
	cursor := int64(0)
	for {
		page, err := p.List("chan1", "alice", cursor, 2)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			seen[m.CreatedAt]++
		}
		cursor = page[0].CreatedAt
	}
	if len(seen) != 5 {
		t.Errorf("expected 5 distinct messages, got %d", len(seen))
	}
	for ts, n := range seen {
		if n != 1 {
			t.Errorf("message at %d seen %d times", ts, n)
		}
	}
}

func TestDMChannelAccess(t *testing.T) {
	p, store, _ := newTestPipeline()
	store.channels["dm1"] = storage.ChannelRef{
		Kind: storage.ChannelKindDM,
		DM:   &models.DMChannel{ID: "dm1", Recipient1: "alice", Recipient2: "bob"},
	}

	if _, err := p.Create(context.Background(), "dm1", "mallory", "hi"); !errors.Is(err, models.ErrChannelNotFound) {
		t.Errorf("expected outsider write rejected as missing channel, got %v", err)
	}
	if _, err := p.List("dm1", "mallory", 0, 10); !errors.Is(err, models.ErrChannelNotFound) {
		t.Errorf("expected outsider read rejected as missing channel, got %v", err)
	}

	if _, err := p.Create(context.Background(), "dm1", "alice", "hi"); err != nil {
		t.Errorf("expected recipient write to succeed, got %v", err)
	}
	if _, err := p.List("dm1", "bob", 0, 10); err != nil {
		t.Errorf("expected recipient read to succeed, got %v", err)
	}
}

func timestamps(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.CreatedAt
	}
	return out
}
