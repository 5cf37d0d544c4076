package models

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrChannelNotFound = errors.New("channel not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrInviteNotFound  = errors.New("invite not found")

	ErrUnauthorized = errors.New("unauthorized")

	ErrInvalidTarget    = errors.New("cannot target yourself")
	ErrAlreadyFriends   = errors.New("already friends")
	ErrAlreadyRequested = errors.New("friend request already pending")
	ErrNotRequested     = errors.New("no pending friend request")

	ErrInviteExhausted = errors.New("invite has no uses left")
	ErrInviteExpired   = errors.New("invite expired")

	ErrValidation = errors.New("validation failed")
)

// User represents a user account. Friends and FriendRequests are derived
// views computed from relationship records, not persisted on the user.
type User struct {
	ID             string         `json:"id"`
	Handle         string         `json:"handle"`
	Email          string         `json:"email"`
	DisplayName    string         `json:"displayName"`
	AvatarURL      string         `json:"avatarUrl,omitempty"`
	Bio            string         `json:"bio,omitempty"`
	Friends        []string       `json:"friends"`
	FriendRequests FriendRequests `json:"friendRequests"`
	CreatedAt      int64          `json:"createdAt"` // Unix timestamp (milliseconds)
}

// FriendRequests holds pending request ids from one user's point of view.
type FriendRequests struct {
	Sent     []string `json:"sent"`
	Received []string `json:"received"`
}

// RelationshipState enumerates the friend state of an unordered user pair.
type RelationshipState string

const (
	RelationshipPending RelationshipState = "pending"
	RelationshipFriends RelationshipState = "friends"
)

// Relationship is the single source of truth for the friend state between
// two users. It is keyed by the unordered pair so the state can never be
// recorded asymmetrically.
type Relationship struct {
	UserA     string            `json:"userA"` // lexicographically smaller id
	UserB     string            `json:"userB"`
	Requester string            `json:"requester"` // who sent the pending request
	State     RelationshipState `json:"state"`
	UpdatedAt int64             `json:"updatedAt"`
}

// Other returns the counterpart of userID in the pair.
func (r Relationship) Other(userID string) string {
	if r.UserA == userID {
		return r.UserB
	}
	return r.UserA
}

// Server is a guild: a named group of members and channels.
type Server struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	NameAcronym string   `json:"nameAcronym,omitempty"`
	IconURL     string   `json:"iconUrl,omitempty"`
	Description string   `json:"description,omitempty"`
	OwnerID     string   `json:"ownerId"`
	Members     []string `json:"members"`
	Channels    []string `json:"channels"`
	CreatedAt   int64    `json:"createdAt"`
}

// Channel is a server channel holding a denormalized message id index.
// The index tracks membership; message order is defined by timestamps.
type Channel struct {
	ID        string   `json:"id"`
	ServerID  string   `json:"serverId"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Position  int      `json:"position"`
	Messages  []string `json:"messages"`
	CreatedAt int64    `json:"createdAt"`
}

// DMChannel is a direct-message channel between exactly two users.
// A closed DM is reopened, not recreated, when either party writes again.
type DMChannel struct {
	ID         string   `json:"id"`
	Recipient1 string   `json:"recipient1"`
	Recipient2 string   `json:"recipient2"`
	Closed     bool     `json:"closed"`
	Messages   []string `json:"messages"`
	CreatedAt  int64    `json:"createdAt"`
}

// Message is a chat message in a server channel or DM channel.
type Message struct {
	ID          string  `json:"id"`
	ChannelID   string  `json:"channelId"`
	AuthorID    string  `json:"authorId"`
	Content     string  `json:"content"`
	ContentHTML string  `json:"contentHtml,omitempty"`
	Edited      bool    `json:"edited"`
	Embeds      []Embed `json:"embeds,omitempty"`
	CreatedAt   int64   `json:"createdAt"` // Unix timestamp (milliseconds)

	// Display form, resolved before broadcasting.
	Author *User `json:"author,omitempty"`
}

// Embed is link-preview metadata rendered as a rich card.
type Embed struct {
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	URL         string      `json:"url"`
	Image       string      `json:"image,omitempty"`
	Media       string      `json:"media,omitempty"`
	Author      EmbedAuthor `json:"author"`
}

// EmbedAuthor is the site attribution block of an embed.
type EmbedAuthor struct {
	Name    string `json:"name,omitempty"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"iconUrl,omitempty"`
}

// Invite grants server membership by code. MaxUses 0 means unlimited,
// ExpiresAt 0 means never.
type Invite struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	ServerID  string `json:"serverId"`
	CreatedBy string `json:"createdBy"`
	Uses      int    `json:"uses"`
	MaxUses   int    `json:"maxUses"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// Member records a user's membership in a server.
type Member struct {
	UserID      string   `json:"userId"`
	ServerID    string   `json:"serverId"`
	Permissions []string `json:"permissions,omitempty"`
	JoinedAt    int64    `json:"joinedAt"`
}

// PushSubscription is a stored webpush endpoint for offline delivery.
type PushSubscription struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}
