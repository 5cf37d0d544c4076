package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pavilion/internal/models"
)

func TestStorage(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "storage_test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	dbPath := filepath.Join(tmpDir, "test.db")
	store, err := NewBboltStorage(dbPath)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	defer func() { _ = store.Close() }()

	t.Run("Users", func(t *testing.T) {
		user := models.User{
			ID:          "user1",
			Handle:      "alice",
			Email:       "alice@example.com",
			DisplayName: "Alice",
			CreatedAt:   1000,
		}
		if err := store.CreateUser(user, "hash1"); err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
		if err := store.CreateUser(user, "hash2"); err == nil {
			t.Error("expected duplicate CreateUser to fail")
		}

		got, hash, err := store.FindUserByHandle("alice")
		if err != nil {
			t.Fatalf("FindUserByHandle failed: %v", err)
		}
		if got.ID != "user1" || hash != "hash1" {
			t.Errorf("unexpected result %+v / %q", got, hash)
		}
		if _, _, err := store.FindUserByHandle("nobody"); !errors.Is(err, models.ErrUserNotFound) {
			t.Errorf("expected ErrUserNotFound, got %v", err)
		}

		// Profile updates must not clobber the password hash.
		user.DisplayName = "Alice B."
		if err := store.SaveUser(user); err != nil {
			t.Fatalf("SaveUser failed: %v", err)
		}
		got, hash, err = store.FindUserByHandle("alice")
		if err != nil {
			t.Fatalf("FindUserByHandle failed: %v", err)
		}
		if got.DisplayName != "Alice B." || hash != "hash1" {
			t.Errorf("expected updated profile with preserved hash, got %+v / %q", got, hash)
		}
	})

	t.Run("Relationships", func(t *testing.T) {
		rel := models.Relationship{
			UserA:     "a",
			UserB:     "b",
			Requester: "b",
			State:     models.RelationshipPending,
			UpdatedAt: 1000,
		}
		if err := store.PutRelationship(rel); err != nil {
			t.Fatalf("PutRelationship failed: %v", err)
		}

		// Lookup works in both orders.
		got, err := store.GetRelationship("b", "a")
		if err != nil {
			t.Fatalf("GetRelationship failed: %v", err)
		}
		if got.Requester != "b" || got.State != models.RelationshipPending {
			t.Errorf("unexpected relationship %+v", got)
		}

		rels, err := store.ListRelationships("a")
		if err != nil {
			t.Fatalf("ListRelationships failed: %v", err)
		}
		if len(rels) != 1 {
			t.Errorf("expected 1 relationship, got %d", len(rels))
		}

		if err := store.DeleteRelationship("b", "a"); err != nil {
			t.Fatalf("DeleteRelationship failed: %v", err)
		}
		if _, err := store.GetRelationship("a", "b"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("ServerSeed", func(t *testing.T) {
		server := models.Server{
			ID:       "srv1",
			Name:     "Club",
			OwnerID:  "user1",
			Members:  []string{"user1"},
			Channels: []string{"chan1"},
		}
		seed := models.Channel{ID: "chan1", ServerID: "srv1", Name: "General", Type: "text"}
		owner := models.Member{UserID: "user1", ServerID: "srv1", JoinedAt: 1000}
		invite := models.Invite{ID: "inv1", Code: "CODE12345", ServerID: "srv1", CreatedBy: "user1"}

		if err := store.CreateServer(server, seed, owner, invite); err != nil {
			t.Fatalf("CreateServer failed: %v", err)
		}

		if _, err := store.GetChannel("chan1"); err != nil {
			t.Errorf("seeded channel missing: %v", err)
		}
		if _, err := store.GetMember("srv1", "user1"); err != nil {
			t.Errorf("owner membership missing: %v", err)
		}
		if _, err := store.GetInviteByCode("CODE12345"); err != nil {
			t.Errorf("default invite missing: %v", err)
		}

		servers, err := store.ListServersForUser("user1")
		if err != nil {
			t.Fatalf("ListServersForUser failed: %v", err)
		}
		if len(servers) != 1 {
			t.Errorf("expected 1 server, got %d", len(servers))
		}
	})

	t.Run("Channels", func(t *testing.T) {
		channel := models.Channel{ID: "chan2", ServerID: "srv1", Name: "random", Type: "text", Position: 1}
		if err := store.CreateChannel(channel); err != nil {
			t.Fatalf("CreateChannel failed: %v", err)
		}

		server, err := store.GetServer("srv1")
		if err != nil {
			t.Fatalf("GetServer failed: %v", err)
		}
		if len(server.Channels) != 2 {
			t.Fatalf("expected channel attached to server, got %v", server.Channels)
		}

		if err := store.DeleteChannel("chan2"); err != nil {
			t.Fatalf("DeleteChannel failed: %v", err)
		}
		server, err = store.GetServer("srv1")
		if err != nil {
			t.Fatalf("GetServer failed: %v", err)
		}
		if len(server.Channels) != 1 {
			t.Errorf("expected channel detached from server, got %v", server.Channels)
		}
	})

	t.Run("DMChannels", func(t *testing.T) {
		dm := models.DMChannel{ID: "dm1", Recipient1: "user1", Recipient2: "user2", CreatedAt: 1000}
		if err := store.PutDMChannel(dm); err != nil {
			t.Fatalf("PutDMChannel failed: %v", err)
		}

		got, err := store.FindDMByRecipients("user2", "user1")
		if err != nil {
			t.Fatalf("FindDMByRecipients failed: %v", err)
		}
		if got.ID != "dm1" {
			t.Errorf("expected dm1, got %s", got.ID)
		}

		dm.Closed = true
		if err := store.PutDMChannel(dm); err != nil {
			t.Fatalf("PutDMChannel failed: %v", err)
		}
		open, err := store.ListDMsForUser("user1")
		if err != nil {
			t.Fatalf("ListDMsForUser failed: %v", err)
		}
		if len(open) != 0 {
			t.Errorf("expected closed dm hidden, got %d", len(open))
		}
	})

	t.Run("Messages", func(t *testing.T) {
		for i, ts := range []int64{100, 90, 80, 70, 60} {
			msg := models.Message{
				ID:        "msg" + string(rune('a'+i)),
				ChannelID: "chan1",
				AuthorID:  "user1",
				Content:   "hello",
				CreatedAt: ts,
			}
			if err := store.CreateMessage(msg); err != nil {
				t.Fatalf("CreateMessage failed: %v", err)
			}
		}

		channel, err := store.GetChannel("chan1")
		if err != nil {
			t.Fatalf("GetChannel failed: %v", err)
		}
		if len(channel.Messages) != 5 {
			t.Errorf("expected 5 indexed messages, got %d", len(channel.Messages))
		}

		// Newest first, strictly older than the cursor.
		page, err := store.ListMessages("chan1", 0, 2)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(page) != 2 || page[0].CreatedAt != 100 || page[1].CreatedAt != 90 {
			t.Fatalf("unexpected first page %+v", page)
		}

		page, err = store.ListMessages("chan1", 90, 2)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(page) != 2 || page[0].CreatedAt != 80 || page[1].CreatedAt != 70 {
			t.Fatalf("unexpected second page %+v", page)
		}

		msg, err := store.GetMessage("chan1", "msga")
		if err != nil {
			t.Fatalf("GetMessage failed: %v", err)
		}
		msg.Content = "edited"
		msg.Edited = true
		if err := store.SaveMessage(msg); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
		msg, err = store.GetMessage("chan1", "msga")
		if err != nil {
			t.Fatalf("GetMessage failed: %v", err)
		}
		if msg.Content != "edited" || !msg.Edited {
			t.Errorf("expected edit persisted, got %+v", msg)
		}

		if err := store.DeleteMessage("chan1", "msga"); err != nil {
			t.Fatalf("DeleteMessage failed: %v", err)
		}
		if _, err := store.GetMessage("chan1", "msga"); !errors.Is(err, models.ErrMessageNotFound) {
			t.Errorf("expected ErrMessageNotFound, got %v", err)
		}
		channel, err = store.GetChannel("chan1")
		if err != nil {
			t.Fatalf("GetChannel failed: %v", err)
		}
		if len(channel.Messages) != 4 {
			t.Errorf("expected index entry removed, got %d", len(channel.Messages))
		}
	})

	t.Run("InviteJoin", func(t *testing.T) {
		invite := models.Invite{ID: "inv2", Code: "LIMITED12", ServerID: "srv1", CreatedBy: "user1", MaxUses: 1}
		if err := store.PutInvite(invite); err != nil {
			t.Fatalf("PutInvite failed: %v", err)
		}

		member := models.Member{UserID: "user2", JoinedAt: 2000}
		server, err := store.JoinServerWithInvite("LIMITED12", member, 2000)
		if err != nil {
			t.Fatalf("JoinServerWithInvite failed: %v", err)
		}
		if !containsString(server.Members, "user2") {
			t.Error("expected user2 in members")
		}

		// Repeat join by a member does not consume a use.
		if _, err := store.JoinServerWithInvite("LIMITED12", member, 2000); err != nil {
			t.Fatalf("repeat join failed: %v", err)
		}
		got, err := store.GetInviteByCode("LIMITED12")
		if err != nil {
			t.Fatalf("GetInviteByCode failed: %v", err)
		}
		if got.Uses != 1 {
			t.Errorf("expected 1 use, got %d", got.Uses)
		}

		// The single use is spent.
		other := models.Member{UserID: "user3", JoinedAt: 2000}
		if _, err := store.JoinServerWithInvite("LIMITED12", other, 2000); !errors.Is(err, models.ErrInviteExhausted) {
			t.Errorf("expected ErrInviteExhausted, got %v", err)
		}

		expired := models.Invite{ID: "inv3", Code: "EXPIRED12", ServerID: "srv1", CreatedBy: "user1", ExpiresAt: 1500}
		if err := store.PutInvite(expired); err != nil {
			t.Fatalf("PutInvite failed: %v", err)
		}
		if _, err := store.JoinServerWithInvite("EXPIRED12", other, 2000); !errors.Is(err, models.ErrInviteExpired) {
			t.Errorf("expected ErrInviteExpired, got %v", err)
		}
	})

	t.Run("ResolveChannel", func(t *testing.T) {
		ref, err := store.ResolveChannel("chan1")
		if err != nil {
			t.Fatalf("ResolveChannel failed: %v", err)
		}
		if ref.Kind != ChannelKindServer || ref.ID() != "chan1" {
			t.Errorf("unexpected ref %+v", ref)
		}

		ref, err = store.ResolveChannel("dm1")
		if err != nil {
			t.Fatalf("ResolveChannel failed: %v", err)
		}
		if ref.Kind != ChannelKindDM {
			t.Errorf("expected DM kind, got %+v", ref)
		}
		recipients := ref.Recipients()
		if len(recipients) != 2 {
			t.Errorf("expected 2 recipients, got %v", recipients)
		}

		if _, err := store.ResolveChannel("nope"); !errors.Is(err, models.ErrChannelNotFound) {
			t.Errorf("expected ErrChannelNotFound, got %v", err)
		}
	})

	t.Run("PushSubscriptions", func(t *testing.T) {
		sub := models.PushSubscription{UserID: "user1", Endpoint: "https://push.example/ep1", P256dh: "p", Auth: "a"}
		if err := store.PutPushSubscription(sub); err != nil {
			t.Fatalf("PutPushSubscription failed: %v", err)
		}

		subs, err := store.ListPushSubscriptions("user1")
		if err != nil {
			t.Fatalf("ListPushSubscriptions failed: %v", err)
		}
		if len(subs) != 1 {
			t.Fatalf("expected 1 subscription, got %d", len(subs))
		}

		if err := store.DeletePushSubscription("user1", sub.Endpoint); err != nil {
			t.Fatalf("DeletePushSubscription failed: %v", err)
		}
		subs, err = store.ListPushSubscriptions("user1")
		if err != nil {
			t.Fatalf("ListPushSubscriptions failed: %v", err)
		}
		if len(subs) != 0 {
			t.Errorf("expected no subscriptions, got %d", len(subs))
		}
	})

	t.Run("ScopesForUser", func(t *testing.T) {
		scopes, err := store.ScopesForUser("user1")
		if err != nil {
			t.Fatalf("ScopesForUser failed: %v", err)
		}
		// srv1 itself, chan1 and no closed DM.
		if !containsString(scopes, "srv1") || !containsString(scopes, "chan1") {
			t.Errorf("expected server and channel scopes, got %v", scopes)
		}
		if containsString(scopes, "dm1") {
			t.Errorf("closed dm must not be a scope, got %v", scopes)
		}
	})
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
