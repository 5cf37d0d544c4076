package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBUser mirrors models.User minus the derived social views (friends and
// pending requests live in the relationships bucket).
type DBUser struct {
	ID          string `msgpack:"id"`
	Handle      string `msgpack:"handle"`
	Email       string `msgpack:"email"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
	Bio         string `msgpack:"bio"`
	CreatedAt   int64  `msgpack:"createdAt"`

	PasswordHash string `msgpack:"passwordHash"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBRelationship struct {
	UserA     string `msgpack:"userA"`
	UserB     string `msgpack:"userB"`
	Requester string `msgpack:"requester"`
	State     string `msgpack:"state"`
	UpdatedAt int64  `msgpack:"updatedAt"`
}

// Key is the unordered pair key; UserA sorts before UserB.
func (r *DBRelationship) Key() []byte {
	return []byte(r.UserA + ":" + r.UserB)
}

func (r *DBRelationship) MarshalBinary() (data []byte, err error) {
	type alias DBRelationship
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRelationship) UnmarshalBinary(data []byte) error {
	type alias DBRelationship
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBServer struct {
	ID          string   `msgpack:"id"`
	Name        string   `msgpack:"name"`
	NameAcronym string   `msgpack:"nameAcronym"`
	IconURL     string   `msgpack:"iconUrl"`
	Description string   `msgpack:"description"`
	OwnerID     string   `msgpack:"ownerId"`
	Members     []string `msgpack:"members"`
	Channels    []string `msgpack:"channels"`
	CreatedAt   int64    `msgpack:"createdAt"`
}

func (s *DBServer) Key() []byte {
	return []byte(s.ID)
}

func (s *DBServer) MarshalBinary() (data []byte, err error) {
	type alias DBServer
	return msgpack.Marshal((*alias)(s))
}

func (s *DBServer) UnmarshalBinary(data []byte) error {
	type alias DBServer
	return msgpack.Unmarshal(data, (*alias)(s))
}

type DBChannel struct {
	ID        string   `msgpack:"id"`
	ServerID  string   `msgpack:"serverId"`
	Name      string   `msgpack:"name"`
	Type      string   `msgpack:"type"`
	Position  int      `msgpack:"position"`
	Messages  []string `msgpack:"messages"`
	CreatedAt int64    `msgpack:"createdAt"`
}

func (c *DBChannel) Key() []byte {
	return []byte(c.ID)
}

func (c *DBChannel) MarshalBinary() (data []byte, err error) {
	type alias DBChannel
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChannel) UnmarshalBinary(data []byte) error {
	type alias DBChannel
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBDMChannel struct {
	ID         string   `msgpack:"id"`
	Recipient1 string   `msgpack:"recipient1"`
	Recipient2 string   `msgpack:"recipient2"`
	Closed     bool     `msgpack:"closed"`
	Messages   []string `msgpack:"messages"`
	CreatedAt  int64    `msgpack:"createdAt"`
}

func (c *DBDMChannel) Key() []byte {
	return []byte(c.ID)
}

func (c *DBDMChannel) MarshalBinary() (data []byte, err error) {
	type alias DBDMChannel
	return msgpack.Marshal((*alias)(c))
}

func (c *DBDMChannel) UnmarshalBinary(data []byte) error {
	type alias DBDMChannel
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID          string    `msgpack:"id"`
	ChannelID   string    `msgpack:"channelId"`
	AuthorID    string    `msgpack:"authorId"`
	Content     string    `msgpack:"content"`
	ContentHTML string    `msgpack:"contentHtml"`
	Edited      bool      `msgpack:"edited"`
	Embeds      []DBEmbed `msgpack:"embeds"`
	CreatedAt   int64     `msgpack:"createdAt"`
}

type DBEmbed struct {
	Title       string `msgpack:"title"`
	Description string `msgpack:"description"`
	URL         string `msgpack:"url"`
	Image       string `msgpack:"image"`
	Media       string `msgpack:"media"`
	AuthorName  string `msgpack:"authorName"`
	AuthorURL   string `msgpack:"authorUrl"`
	AuthorIcon  string `msgpack:"authorIcon"`
}

// Key orders messages by creation time; the id suffix keeps keys unique
// when two messages share a timestamp.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, []byte(m.ID)...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBInvite struct {
	ID        string `msgpack:"id"`
	Code      string `msgpack:"code"`
	ServerID  string `msgpack:"serverId"`
	CreatedBy string `msgpack:"createdBy"`
	Uses      int    `msgpack:"uses"`
	MaxUses   int    `msgpack:"maxUses"`
	CreatedAt int64  `msgpack:"createdAt"`
	ExpiresAt int64  `msgpack:"expiresAt"`
}

// Key is the invite code: joins look invites up by code only.
func (i *DBInvite) Key() []byte {
	return []byte(i.Code)
}

func (i *DBInvite) MarshalBinary() (data []byte, err error) {
	type alias DBInvite
	return msgpack.Marshal((*alias)(i))
}

func (i *DBInvite) UnmarshalBinary(data []byte) error {
	type alias DBInvite
	return msgpack.Unmarshal(data, (*alias)(i))
}

type DBMember struct {
	UserID      string   `msgpack:"userId"`
	ServerID    string   `msgpack:"serverId"`
	Permissions []string `msgpack:"permissions"`
	JoinedAt    int64    `msgpack:"joinedAt"`
}

func (m *DBMember) Key() []byte {
	return []byte(m.ServerID + ":" + m.UserID)
}

func (m *DBMember) MarshalBinary() (data []byte, err error) {
	type alias DBMember
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMember) UnmarshalBinary(data []byte) error {
	type alias DBMember
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBPushSubscription struct {
	UserID   string `msgpack:"userId"`
	Endpoint string `msgpack:"endpoint"`
	P256dh   string `msgpack:"p256dh"`
	Auth     string `msgpack:"auth"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}
