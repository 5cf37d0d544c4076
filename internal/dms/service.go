// Package dms manages direct-message channels. A pair of users has at
// most one DM channel: re-initiating contact reopens a closed channel
// instead of creating a second one.
package dms

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pavilion/internal/models"
)

type Store interface {
	GetUser(id string) (models.User, error)
	GetDMChannel(id string) (models.DMChannel, error)
	PutDMChannel(dm models.DMChannel) error
	FindDMByRecipients(userA, userB string) (models.DMChannel, error)
	ListDMsForUser(userID string) ([]models.DMChannel, error)
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Open returns the DM channel between the two users, creating it on
// first contact and clearing the closed flag on a re-initiated one.
func (s *Service) Open(userID, recipientID string) (models.DMChannel, error) {
	if userID == recipientID {
		return models.DMChannel{}, models.ErrInvalidTarget
	}
	if _, err := s.store.GetUser(recipientID); err != nil {
		return models.DMChannel{}, err
	}

	dm, err := s.store.FindDMByRecipients(userID, recipientID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		dm = models.DMChannel{
			ID:         uuid.NewString(),
			Recipient1: userID,
			Recipient2: recipientID,
			CreatedAt:  s.now().UnixMilli(),
		}
	case err != nil:
		return models.DMChannel{}, err
	}

	dm.Closed = false
	if err := s.store.PutDMChannel(dm); err != nil {
		return models.DMChannel{}, fmt.Errorf("failed to save dm channel: %w", err)
	}
	return dm, nil
}

// Close hides the channel from the user's DM list. Messages are kept;
// Open brings the channel back.
func (s *Service) Close(userID, dmID string) (models.DMChannel, error) {
	dm, err := s.get(userID, dmID)
	if err != nil {
		return models.DMChannel{}, err
	}

	dm.Closed = true
	if err := s.store.PutDMChannel(dm); err != nil {
		return models.DMChannel{}, fmt.Errorf("failed to save dm channel: %w", err)
	}
	return dm, nil
}

// Get returns the DM channel if the user is one of its recipients.
func (s *Service) Get(userID, dmID string) (models.DMChannel, error) {
	return s.get(userID, dmID)
}

// List returns the user's open DM channels.
func (s *Service) List(userID string) ([]models.DMChannel, error) {
	return s.store.ListDMsForUser(userID)
}

func (s *Service) get(userID, dmID string) (models.DMChannel, error) {
	dm, err := s.store.GetDMChannel(dmID)
	if err != nil {
		return models.DMChannel{}, err
	}
	if dm.Recipient1 != userID && dm.Recipient2 != userID {
		// Same answer as for a missing channel: outsiders cannot probe
		// which DM ids exist.
		return models.DMChannel{}, models.ErrChannelNotFound
	}
	return dm, nil
}
