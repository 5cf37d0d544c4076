// Package invites issues server invite codes and admits users by code.
package invites

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pavilion/internal/models"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	codeLength   = 9
)

type Store interface {
	GetUser(id string) (models.User, error)
	GetServer(id string) (models.Server, error)
	PutInvite(invite models.Invite) error
	GetInviteByCode(code string) (models.Invite, error)
	JoinServerWithInvite(code string, member models.Member, now int64) (models.Server, error)
	ListInvitesByServer(serverID string) ([]models.Invite, error)
}

type Broadcaster interface {
	EmitToScope(scopeID, event string, payload any)
}

type Engine struct {
	store     Store
	broadcast Broadcaster
	now       func() time.Time
}

func NewEngine(store Store, broadcast Broadcaster) *Engine {
	return &Engine{store: store, broadcast: broadcast, now: time.Now}
}

// GenerateCode returns a fresh invite code. Codes are not checked for
// uniqueness against existing invites; at 62^9 combinations a collision
// is vanishingly unlikely at this scale.
func GenerateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate invite code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// Create issues an invite for a server. maxUses 0 means unlimited,
// expiresAt 0 means never.
func (e *Engine) Create(serverID, creatorID string, maxUses int, expiresAt int64) (models.Invite, error) {
	server, err := e.store.GetServer(serverID)
	if err != nil {
		return models.Invite{}, err
	}
	if !memberOf(server, creatorID) {
		return models.Invite{}, models.ErrUnauthorized
	}

	code, err := GenerateCode()
	if err != nil {
		return models.Invite{}, err
	}

	invite := models.Invite{
		ID:        uuid.NewString(),
		Code:      code,
		ServerID:  serverID,
		CreatedBy: creatorID,
		MaxUses:   maxUses,
		CreatedAt: e.now().UnixMilli(),
		ExpiresAt: expiresAt,
	}
	if err := e.store.PutInvite(invite); err != nil {
		return models.Invite{}, fmt.Errorf("failed to store invite: %w", err)
	}
	return invite, nil
}

// Join admits the user into the invite's server. A repeat join by an
// existing member succeeds without consuming a use. Member addition and
// the use increment are applied together by the storage layer.
func (e *Engine) Join(code, userID string) (models.Server, error) {
	user, err := e.store.GetUser(userID)
	if err != nil {
		return models.Server{}, err
	}

	member := models.Member{
		UserID:   userID,
		JoinedAt: e.now().UnixMilli(),
	}
	server, err := e.store.JoinServerWithInvite(code, member, e.now().UnixMilli())
	if err != nil {
		return models.Server{}, err
	}

	e.broadcast.EmitToScope(server.ID, "member:join", user)
	return server, nil
}

// List returns a server's invites, visible to members only.
func (e *Engine) List(serverID, userID string) ([]models.Invite, error) {
	server, err := e.store.GetServer(serverID)
	if err != nil {
		return nil, err
	}
	if !memberOf(server, userID) {
		return nil, models.ErrUnauthorized
	}
	return e.store.ListInvitesByServer(serverID)
}

func memberOf(server models.Server, userID string) bool {
	if server.OwnerID == userID {
		return true
	}
	for _, id := range server.Members {
		if id == userID {
			return true
		}
	}
	return false
}
