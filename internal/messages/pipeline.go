// Package messages implements the message creation pipeline: preview
// resolution, persistence with the channel index update, and fan-out to
// the channel's subscribers.
package messages

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pavilion/internal/content"
	"pavilion/internal/models"
	"pavilion/internal/storage"
)

type Store interface {
	ResolveChannel(id string) (storage.ChannelRef, error)
	CreateMessage(msg models.Message) error
	SaveMessage(msg models.Message) error
	GetMessage(channelID, messageID string) (models.Message, error)
	DeleteMessage(channelID, messageID string) error
	ListMessages(channelID string, before int64, limit int) ([]models.Message, error)
	GetUser(id string) (models.User, error)
}

// Broadcaster fans an event out to all subscribers of a scope. Delivery
// is at-most-once, best-effort.
type Broadcaster interface {
	EmitToScope(scopeID, event string, payload any)
	Reachable(userID string) bool
}

type PreviewResolver interface {
	Resolve(ctx context.Context, content string) []models.Embed
}

type OfflinePusher interface {
	Notify(userID, title, body string)
}

type Pipeline struct {
	store     Store
	resolver  PreviewResolver
	broadcast Broadcaster
	push      OfflinePusher // optional
	now       func() time.Time
}

func NewPipeline(store Store, resolver PreviewResolver, broadcast Broadcaster, push OfflinePusher) *Pipeline {
	return &Pipeline{
		store:     store,
		resolver:  resolver,
		broadcast: broadcast,
		push:      push,
		now:       time.Now,
	}
}

// Create validates and persists a new message, resolves its link
// previews, and broadcasts it to the channel's subscribers. The message
// write and the channel index append happen in one storage transaction.
func (p *Pipeline) Create(ctx context.Context, channelID, authorID, text string) (models.Message, error) {
	if err := content.ValidateMessage(text); err != nil {
		return models.Message{}, err
	}

	ref, err := p.store.ResolveChannel(channelID)
	if err != nil {
		return models.Message{}, err
	}
	if !canAccess(ref, authorID) {
		return models.Message{}, models.ErrChannelNotFound
	}

	rendered, err := content.Render(text)
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		AuthorID:    authorID,
		Content:     content.Sanitize(text),
		ContentHTML: rendered,
		Embeds:      p.resolver.Resolve(ctx, text),
		CreatedAt:   p.now().UnixMilli(),
	}

	if err := p.store.CreateMessage(msg); err != nil {
		return models.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}

	display := p.withAuthor(msg)
	p.broadcast.EmitToScope(channelID, "message:create", display)
	p.notifyOfflineRecipient(ref, display)

	return display, nil
}

// Edit replaces a message's content. Only the author may edit; previews
// are re-resolved from the new content, never merged with the old ones.
func (p *Pipeline) Edit(ctx context.Context, channelID, messageID, editorID, text string) (models.Message, error) {
	if err := content.ValidateMessage(text); err != nil {
		return models.Message{}, err
	}

	if _, err := p.store.ResolveChannel(channelID); err != nil {
		return models.Message{}, err
	}

	msg, err := p.store.GetMessage(channelID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.AuthorID != editorID {
		return models.Message{}, models.ErrUnauthorized
	}

	rendered, err := content.Render(text)
	if err != nil {
		return models.Message{}, err
	}

	msg.Content = content.Sanitize(text)
	msg.ContentHTML = rendered
	msg.Embeds = p.resolver.Resolve(ctx, text)
	msg.Edited = true

	if err := p.store.SaveMessage(msg); err != nil {
		return models.Message{}, fmt.Errorf("failed to save message: %w", err)
	}

	display := p.withAuthor(msg)
	p.broadcast.EmitToScope(channelID, "message:update", display)

	return display, nil
}

// Delete removes a message and its index entry. Only the author may
// delete.
func (p *Pipeline) Delete(channelID, messageID, actorID string) (models.Message, error) {
	if _, err := p.store.ResolveChannel(channelID); err != nil {
		return models.Message{}, err
	}

	msg, err := p.store.GetMessage(channelID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.AuthorID != actorID {
		return models.Message{}, models.ErrUnauthorized
	}

	if err := p.store.DeleteMessage(channelID, messageID); err != nil {
		return models.Message{}, fmt.Errorf("failed to delete message: %w", err)
	}

	display := p.withAuthor(msg)
	p.broadcast.EmitToScope(channelID, "message:delete", display)

	return display, nil
}

// List returns a page of messages, oldest first. The cursor is the
// creation timestamp of the oldest message already seen; the page holds
// only strictly older messages, so a walk backward never repeats or
// skips a message even while new ones arrive.
func (p *Pipeline) List(channelID, viewerID string, cursor int64, limit int) ([]models.Message, error) {
	ref, err := p.store.ResolveChannel(channelID)
	if err != nil {
		return nil, err
	}
	if !canAccess(ref, viewerID) {
		return nil, models.ErrChannelNotFound
	}

	msgs, err := p.store.ListMessages(channelID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	// Stored newest-first; consumers want oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	for i := range msgs {
		msgs[i] = p.withAuthor(msgs[i])
	}
	return msgs, nil
}

// canAccess hides DM channels from non-recipients. Outsiders get the
// same answer as for a missing channel, so DM ids cannot be probed.
// Server channels are covered by membership checks upstream.
func canAccess(ref storage.ChannelRef, userID string) bool {
	if ref.Kind != storage.ChannelKindDM {
		return true
	}
	for _, recipient := range ref.Recipients() {
		if recipient == userID {
			return true
		}
	}
	return false
}

func (p *Pipeline) withAuthor(msg models.Message) models.Message {
	if author, err := p.store.GetUser(msg.AuthorID); err == nil {
		msg.Author = &author
	}
	return msg
}

// notifyOfflineRecipient webpushes the counterpart of a DM when they have
// no live connection.
func (p *Pipeline) notifyOfflineRecipient(ref storage.ChannelRef, msg models.Message) {
	if p.push == nil || ref.Kind != storage.ChannelKindDM {
		return
	}
	for _, recipient := range ref.Recipients() {
		if recipient == msg.AuthorID || p.broadcast.Reachable(recipient) {
			continue
		}
		name := msg.AuthorID
		if msg.Author != nil {
			name = msg.Author.DisplayName
		}
		p.push.Notify(recipient, "New message from "+name, msg.Content)
	}
}
