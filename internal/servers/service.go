// Package servers manages guild lifecycle: creation with its seeded
// channel and default invite, plus channel management.
package servers

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"pavilion/internal/invites"
	"pavilion/internal/models"
)

type Store interface {
	CreateServer(server models.Server, seed models.Channel, owner models.Member, invite models.Invite) error
	GetServer(id string) (models.Server, error)
	ListServersForUser(userID string) ([]models.Server, error)
	CreateChannel(channel models.Channel) error
	GetChannel(id string) (models.Channel, error)
	DeleteChannel(id string) error
	ListChannelsByServer(serverID string) ([]models.Channel, error)
}

type Broadcaster interface {
	EmitToScope(scopeID, event string, payload any)
}

type Service struct {
	store     Store
	broadcast Broadcaster
	now       func() time.Time
}

func NewService(store Store, broadcast Broadcaster) *Service {
	return &Service{store: store, broadcast: broadcast, now: time.Now}
}

// Create makes a new server owned by ownerID, seeded with a General
// channel, the owner's membership and a default unlimited invite.
func (s *Service) Create(ownerID, name, description string) (models.Server, error) {
	code, err := invites.GenerateCode()
	if err != nil {
		return models.Server{}, err
	}

	now := s.now().UnixMilli()
	server := models.Server{
		ID:          uuid.NewString(),
		Name:        name,
		NameAcronym: acronym(name),
		Description: description,
		OwnerID:     ownerID,
		Members:     []string{ownerID},
		CreatedAt:   now,
	}
	general := models.Channel{
		ID:        uuid.NewString(),
		ServerID:  server.ID,
		Name:      "General",
		Type:      "text",
		CreatedAt: now,
	}
	server.Channels = []string{general.ID}

	owner := models.Member{
		UserID:      ownerID,
		ServerID:    server.ID,
		Permissions: []string{"owner"},
		JoinedAt:    now,
	}
	invite := models.Invite{
		ID:        uuid.NewString(),
		Code:      code,
		ServerID:  server.ID,
		CreatedBy: ownerID,
		CreatedAt: now,
	}

	if err := s.store.CreateServer(server, general, owner, invite); err != nil {
		return models.Server{}, fmt.Errorf("failed to create server: %w", err)
	}

	return server, nil
}

// Get returns a server, visible to members only.
func (s *Service) Get(serverID, userID string) (models.Server, error) {
	server, err := s.store.GetServer(serverID)
	if err != nil {
		return models.Server{}, err
	}
	if !memberOf(server, userID) {
		return models.Server{}, models.ErrUnauthorized
	}
	return server, nil
}

func (s *Service) ListForUser(userID string) ([]models.Server, error) {
	return s.store.ListServersForUser(userID)
}

// Channels returns a server's channels ordered by position.
func (s *Service) Channels(serverID, userID string) ([]models.Channel, error) {
	server, err := s.store.GetServer(serverID)
	if err != nil {
		return nil, err
	}
	if !memberOf(server, userID) {
		return nil, models.ErrUnauthorized
	}
	return s.store.ListChannelsByServer(serverID)
}

// CreateChannel adds a channel to a server. Only the owner manages
// channels.
func (s *Service) CreateChannel(serverID, actorID, name string) (models.Channel, error) {
	server, err := s.store.GetServer(serverID)
	if err != nil {
		return models.Channel{}, err
	}
	if server.OwnerID != actorID {
		return models.Channel{}, models.ErrUnauthorized
	}

	channel := models.Channel{
		ID:        uuid.NewString(),
		ServerID:  serverID,
		Name:      name,
		Type:      "text",
		Position:  len(server.Channels),
		CreatedAt: s.now().UnixMilli(),
	}
	if err := s.store.CreateChannel(channel); err != nil {
		return models.Channel{}, fmt.Errorf("failed to create channel: %w", err)
	}

	s.broadcast.EmitToScope(serverID, "channel:create", channel)
	return channel, nil
}

// DeleteChannel removes a channel. Only the owner manages channels, and
// the last channel of a server cannot be removed.
func (s *Service) DeleteChannel(channelID, actorID string) error {
	channel, err := s.store.GetChannel(channelID)
	if err != nil {
		return err
	}
	server, err := s.store.GetServer(channel.ServerID)
	if err != nil {
		return err
	}
	if server.OwnerID != actorID {
		return models.ErrUnauthorized
	}
	if len(server.Channels) <= 1 {
		return fmt.Errorf("%w: a server needs at least one channel", models.ErrValidation)
	}

	if err := s.store.DeleteChannel(channelID); err != nil {
		return err
	}

	s.broadcast.EmitToScope(server.ID, "channel:delete", channel)
	return nil
}

// acronym builds the short label shown when a server has no icon, one
// letter per word up to three.
func acronym(name string) string {
	var b strings.Builder
	for i, word := range strings.Fields(name) {
		if i == 3 {
			break
		}
		r, _ := utf8.DecodeRuneInString(word)
		b.WriteString(strings.ToUpper(string(r)))
	}
	return b.String()
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
