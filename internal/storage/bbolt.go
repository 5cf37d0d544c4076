package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"pavilion/internal/models"
)

var (
	bucketUsers         = []byte("users")
	bucketRelationships = []byte("relationships")
	bucketServers       = []byte("servers")
	bucketChannels      = []byte("channels")
	bucketDMs           = []byte("dms")
	bucketMessages      = []byte("messages")
	bucketInvites       = []byte("invites")
	bucketMembers       = []byte("members")
	bucketPushSubs      = []byte("push_subscriptions")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{
			bucketUsers, bucketRelationships, bucketServers, bucketChannels,
			bucketDMs, bucketMessages, bucketInvites, bucketMembers, bucketPushSubs,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// PairKey orders two user ids into the canonical unordered-pair form used
// to key relationship records.
func PairKey(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// --- Users ---

func toDBUser(user models.User, passwordHash string) *DBUser {
	return &DBUser{
		ID:           user.ID,
		Handle:       user.Handle,
		Email:        user.Email,
		DisplayName:  user.DisplayName,
		AvatarURL:    user.AvatarURL,
		Bio:          user.Bio,
		CreatedAt:    user.CreatedAt,
		PasswordHash: passwordHash,
	}
}

func fromDBUser(dbUser DBUser) models.User {
	return models.User{
		ID:          dbUser.ID,
		Handle:      dbUser.Handle,
		Email:       dbUser.Email,
		DisplayName: dbUser.DisplayName,
		AvatarURL:   dbUser.AvatarURL,
		Bio:         dbUser.Bio,
		CreatedAt:   dbUser.CreatedAt,
	}
}

// CreateUser stores a new user account with its password hash.
func (s *BboltStorage) CreateUser(user models.User, passwordHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := toDBUser(user, passwordHash)
		if b.Get(dbUser.Key()) != nil {
			return fmt.Errorf("user %s already exists", user.ID)
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

// SaveUser updates a user's profile fields, preserving the stored password hash.
func (s *BboltStorage) SaveUser(user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var existing DBUser
		data := b.Get([]byte(user.ID))
		if data == nil {
			return models.ErrUserNotFound
		}
		if err := existing.UnmarshalBinary(data); err != nil {
			return err
		}
		dbUser := toDBUser(user, existing.PasswordHash)
		out, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), out)
	})
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return models.ErrUserNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = fromDBUser(dbUser)
		return nil
	})
	return user, err
}

// FindUserByHandle returns the user with the given handle along with its
// password hash for credential checks.
func (s *BboltStorage) FindUserByHandle(handle string) (models.User, string, error) {
	var (
		user models.User
		hash string
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		found := false
		err := b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.Handle == handle {
				user = fromDBUser(dbUser)
				hash = dbUser.PasswordHash
				found = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !found {
			return models.ErrUserNotFound
		}
		return nil
	})
	return user, hash, err
}

func (s *BboltStorage) ListUsersByIDs(ids []string) ([]models.User, error) {
	users := make([]models.User, 0, len(ids))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(data); err != nil {
				return err
			}
			users = append(users, fromDBUser(dbUser))
		}
		return nil
	})
	return users, err
}

// --- Relationships ---

// PutRelationship stores the friend state for an unordered user pair.
// The whole transition is one document write, so partial states between
// two users cannot be observed.
func (s *BboltStorage) PutRelationship(rel models.Relationship) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		a, b := PairKey(rel.UserA, rel.UserB)
		dbRel := &DBRelationship{
			UserA:     a,
			UserB:     b,
			Requester: rel.Requester,
			State:     string(rel.State),
			UpdatedAt: rel.UpdatedAt,
		}
		data, err := dbRel.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRelationships).Put(dbRel.Key(), data)
	})
}

func (s *BboltStorage) GetRelationship(userA, userB string) (models.Relationship, error) {
	var rel models.Relationship
	err := s.db.View(func(tx *bbolt.Tx) error {
		a, b := PairKey(userA, userB)
		data := tx.Bucket(bucketRelationships).Get([]byte(a + ":" + b))
		if data == nil {
			return models.ErrNotFound
		}
		var dbRel DBRelationship
		if err := dbRel.UnmarshalBinary(data); err != nil {
			return err
		}
		rel = models.Relationship{
			UserA:     dbRel.UserA,
			UserB:     dbRel.UserB,
			Requester: dbRel.Requester,
			State:     models.RelationshipState(dbRel.State),
			UpdatedAt: dbRel.UpdatedAt,
		}
		return nil
	})
	return rel, err
}

func (s *BboltStorage) DeleteRelationship(userA, userB string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		a, b := PairKey(userA, userB)
		return tx.Bucket(bucketRelationships).Delete([]byte(a + ":" + b))
	})
}

// ListRelationships returns all relationship records involving the user.
func (s *BboltStorage) ListRelationships(userID string) ([]models.Relationship, error) {
	var rels []models.Relationship
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRelationships).ForEach(func(k, v []byte) error {
			var dbRel DBRelationship
			if err := dbRel.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbRel.UserA != userID && dbRel.UserB != userID {
				return nil
			}
			rels = append(rels, models.Relationship{
				UserA:     dbRel.UserA,
				UserB:     dbRel.UserB,
				Requester: dbRel.Requester,
				State:     models.RelationshipState(dbRel.State),
				UpdatedAt: dbRel.UpdatedAt,
			})
			return nil
		})
	})
	return rels, err
}

// --- Servers ---

func (s *BboltStorage) PutServer(server models.Server) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putServer(tx, server)
	})
}

func putServer(tx *bbolt.Tx, server models.Server) error {
	dbServer := &DBServer{
		ID:          server.ID,
		Name:        server.Name,
		NameAcronym: server.NameAcronym,
		IconURL:     server.IconURL,
		Description: server.Description,
		OwnerID:     server.OwnerID,
		Members:     server.Members,
		Channels:    server.Channels,
		CreatedAt:   server.CreatedAt,
	}
	data, err := dbServer.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketServers).Put(dbServer.Key(), data)
}

func getServer(tx *bbolt.Tx, id string) (models.Server, error) {
	data := tx.Bucket(bucketServers).Get([]byte(id))
	if data == nil {
		return models.Server{}, models.ErrNotFound
	}
	var dbServer DBServer
	if err := dbServer.UnmarshalBinary(data); err != nil {
		return models.Server{}, err
	}
	return models.Server{
		ID:          dbServer.ID,
		Name:        dbServer.Name,
		NameAcronym: dbServer.NameAcronym,
		IconURL:     dbServer.IconURL,
		Description: dbServer.Description,
		OwnerID:     dbServer.OwnerID,
		Members:     dbServer.Members,
		Channels:    dbServer.Channels,
		CreatedAt:   dbServer.CreatedAt,
	}, nil
}

// CreateServer stores a new server together with its seeded channel,
// owner membership and default invite in one transaction, so a crash
// cannot leave a server without its starting channel or invite.
func (s *BboltStorage) CreateServer(server models.Server, seed models.Channel, owner models.Member, invite models.Invite) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putServer(tx, server); err != nil {
			return err
		}
		if err := putChannel(tx, seed); err != nil {
			return err
		}
		dbMember := &DBMember{
			UserID:      owner.UserID,
			ServerID:    owner.ServerID,
			Permissions: owner.Permissions,
			JoinedAt:    owner.JoinedAt,
		}
		data, err := dbMember.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMembers).Put(dbMember.Key(), data); err != nil {
			return err
		}
		return putInvite(tx, invite)
	})
}

func (s *BboltStorage) GetServer(id string) (models.Server, error) {
	var server models.Server
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		server, err = getServer(tx, id)
		return err
	})
	return server, err
}

// ListServersForUser returns servers the user owns or is a member of.
func (s *BboltStorage) ListServersForUser(userID string) ([]models.Server, error) {
	var servers []models.Server
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketServers).ForEach(func(k, v []byte) error {
			var dbServer DBServer
			if err := dbServer.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbServer.OwnerID != userID && !contains(dbServer.Members, userID) {
				return nil
			}
			servers = append(servers, models.Server{
				ID:          dbServer.ID,
				Name:        dbServer.Name,
				NameAcronym: dbServer.NameAcronym,
				IconURL:     dbServer.IconURL,
				Description: dbServer.Description,
				OwnerID:     dbServer.OwnerID,
				Members:     dbServer.Members,
				Channels:    dbServer.Channels,
				CreatedAt:   dbServer.CreatedAt,
			})
			return nil
		})
	})
	return servers, err
}

// --- Channels ---

func putChannel(tx *bbolt.Tx, channel models.Channel) error {
	dbChannel := &DBChannel{
		ID:        channel.ID,
		ServerID:  channel.ServerID,
		Name:      channel.Name,
		Type:      channel.Type,
		Position:  channel.Position,
		Messages:  channel.Messages,
		CreatedAt: channel.CreatedAt,
	}
	data, err := dbChannel.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketChannels).Put(dbChannel.Key(), data)
}

func getChannel(tx *bbolt.Tx, id string) (models.Channel, bool, error) {
	data := tx.Bucket(bucketChannels).Get([]byte(id))
	if data == nil {
		return models.Channel{}, false, nil
	}
	var dbChannel DBChannel
	if err := dbChannel.UnmarshalBinary(data); err != nil {
		return models.Channel{}, false, err
	}
	return models.Channel{
		ID:        dbChannel.ID,
		ServerID:  dbChannel.ServerID,
		Name:      dbChannel.Name,
		Type:      dbChannel.Type,
		Position:  dbChannel.Position,
		Messages:  dbChannel.Messages,
		CreatedAt: dbChannel.CreatedAt,
	}, true, nil
}

func (s *BboltStorage) PutChannel(channel models.Channel) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putChannel(tx, channel)
	})
}

// CreateChannel stores a channel and attaches it to its server in one
// transaction.
func (s *BboltStorage) CreateChannel(channel models.Channel) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		server, err := getServer(tx, channel.ServerID)
		if err != nil {
			return err
		}
		if err := putChannel(tx, channel); err != nil {
			return err
		}
		if contains(server.Channels, channel.ID) {
			return nil
		}
		server.Channels = append(server.Channels, channel.ID)
		return putServer(tx, server)
	})
}

func (s *BboltStorage) GetChannel(id string) (models.Channel, error) {
	var channel models.Channel
	err := s.db.View(func(tx *bbolt.Tx) error {
		c, ok, err := getChannel(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return models.ErrChannelNotFound
		}
		channel = c
		return nil
	})
	return channel, err
}

// DeleteChannel removes a channel and detaches it from its server.
func (s *BboltStorage) DeleteChannel(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		channel, ok, err := getChannel(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return models.ErrChannelNotFound
		}
		if err := tx.Bucket(bucketChannels).Delete([]byte(id)); err != nil {
			return err
		}
		server, err := getServer(tx, channel.ServerID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil
			}
			return err
		}
		server.Channels = remove(server.Channels, id)
		return putServer(tx, server)
	})
}

func (s *BboltStorage) ListChannelsByServer(serverID string) ([]models.Channel, error) {
	var channels []models.Channel
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChannels).ForEach(func(k, v []byte) error {
			var dbChannel DBChannel
			if err := dbChannel.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbChannel.ServerID != serverID {
				return nil
			}
			channels = append(channels, models.Channel{
				ID:        dbChannel.ID,
				ServerID:  dbChannel.ServerID,
				Name:      dbChannel.Name,
				Type:      dbChannel.Type,
				Position:  dbChannel.Position,
				Messages:  dbChannel.Messages,
				CreatedAt: dbChannel.CreatedAt,
			})
			return nil
		})
	})
	sort.Slice(channels, func(i, j int) bool { return channels[i].Position < channels[j].Position })
	return channels, err
}

// --- DM channels ---

func putDM(tx *bbolt.Tx, dm models.DMChannel) error {
	dbDM := &DBDMChannel{
		ID:         dm.ID,
		Recipient1: dm.Recipient1,
		Recipient2: dm.Recipient2,
		Closed:     dm.Closed,
		Messages:   dm.Messages,
		CreatedAt:  dm.CreatedAt,
	}
	data, err := dbDM.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketDMs).Put(dbDM.Key(), data)
}

func getDM(tx *bbolt.Tx, id string) (models.DMChannel, bool, error) {
	data := tx.Bucket(bucketDMs).Get([]byte(id))
	if data == nil {
		return models.DMChannel{}, false, nil
	}
	var dbDM DBDMChannel
	if err := dbDM.UnmarshalBinary(data); err != nil {
		return models.DMChannel{}, false, err
	}
	return models.DMChannel{
		ID:         dbDM.ID,
		Recipient1: dbDM.Recipient1,
		Recipient2: dbDM.Recipient2,
		Closed:     dbDM.Closed,
		Messages:   dbDM.Messages,
		CreatedAt:  dbDM.CreatedAt,
	}, true, nil
}

func (s *BboltStorage) PutDMChannel(dm models.DMChannel) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putDM(tx, dm)
	})
}

func (s *BboltStorage) GetDMChannel(id string) (models.DMChannel, error) {
	var dm models.DMChannel
	err := s.db.View(func(tx *bbolt.Tx) error {
		d, ok, err := getDM(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return models.ErrChannelNotFound
		}
		dm = d
		return nil
	})
	return dm, err
}

// FindDMByRecipients returns the DM channel between the two users in
// either recipient order.
func (s *BboltStorage) FindDMByRecipients(userA, userB string) (models.DMChannel, error) {
	var (
		dm    models.DMChannel
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDMs).ForEach(func(k, v []byte) error {
			var dbDM DBDMChannel
			if err := dbDM.UnmarshalBinary(v); err != nil {
				return err
			}
			if (dbDM.Recipient1 == userA && dbDM.Recipient2 == userB) ||
				(dbDM.Recipient1 == userB && dbDM.Recipient2 == userA) {
				dm = models.DMChannel{
					ID:         dbDM.ID,
					Recipient1: dbDM.Recipient1,
					Recipient2: dbDM.Recipient2,
					Closed:     dbDM.Closed,
					Messages:   dbDM.Messages,
					CreatedAt:  dbDM.CreatedAt,
				}
				found = true
			}
			return nil
		})
	})
	if err != nil {
		return models.DMChannel{}, err
	}
	if !found {
		return models.DMChannel{}, models.ErrNotFound
	}
	return dm, nil
}

// ListDMsForUser returns the user's open DM channels.
func (s *BboltStorage) ListDMsForUser(userID string) ([]models.DMChannel, error) {
	var dms []models.DMChannel
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDMs).ForEach(func(k, v []byte) error {
			var dbDM DBDMChannel
			if err := dbDM.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbDM.Closed || (dbDM.Recipient1 != userID && dbDM.Recipient2 != userID) {
				return nil
			}
			dms = append(dms, models.DMChannel{
				ID:         dbDM.ID,
				Recipient1: dbDM.Recipient1,
				Recipient2: dbDM.Recipient2,
				Closed:     dbDM.Closed,
				Messages:   dbDM.Messages,
				CreatedAt:  dbDM.CreatedAt,
			})
			return nil
		})
	})
	return dms, err
}

// --- Channel resolution ---

type ChannelKind int

const (
	ChannelKindServer ChannelKind = iota
	ChannelKindDM
)

// ChannelRef is the result of resolving a channel id across both channel
// kinds. Exactly one of Channel and DM is set.
type ChannelRef struct {
	Kind    ChannelKind
	Channel *models.Channel
	DM      *models.DMChannel
}

func (r ChannelRef) ID() string {
	if r.Kind == ChannelKindDM {
		return r.DM.ID
	}
	return r.Channel.ID
}

// Recipients returns the two recipient ids of a DM channel, or nil.
func (r ChannelRef) Recipients() []string {
	if r.Kind != ChannelKindDM {
		return nil
	}
	return []string{r.DM.Recipient1, r.DM.Recipient2}
}

// ResolveChannel looks a channel id up across server channels and DM
// channels.
func (s *BboltStorage) ResolveChannel(id string) (ChannelRef, error) {
	var ref ChannelRef
	err := s.db.View(func(tx *bbolt.Tx) error {
		r, ok, err := resolveChannel(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return models.ErrChannelNotFound
		}
		ref = r
		return nil
	})
	return ref, err
}

func resolveChannel(tx *bbolt.Tx, id string) (ChannelRef, bool, error) {
	channel, ok, err := getChannel(tx, id)
	if err != nil {
		return ChannelRef{}, false, err
	}
	if ok {
		return ChannelRef{Kind: ChannelKindServer, Channel: &channel}, true, nil
	}
	dm, ok, err := getDM(tx, id)
	if err != nil {
		return ChannelRef{}, false, err
	}
	if ok {
		return ChannelRef{Kind: ChannelKindDM, DM: &dm}, true, nil
	}
	return ChannelRef{}, false, nil
}

// --- Messages ---

func toDBMessage(msg models.Message) *DBMessage {
	dbMsg := &DBMessage{
		ID:          msg.ID,
		ChannelID:   msg.ChannelID,
		AuthorID:    msg.AuthorID,
		Content:     msg.Content,
		ContentHTML: msg.ContentHTML,
		Edited:      msg.Edited,
		CreatedAt:   msg.CreatedAt,
	}
	for _, e := range msg.Embeds {
		dbMsg.Embeds = append(dbMsg.Embeds, DBEmbed{
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
			Image:       e.Image,
			Media:       e.Media,
			AuthorName:  e.Author.Name,
			AuthorURL:   e.Author.URL,
			AuthorIcon:  e.Author.IconURL,
		})
	}
	return dbMsg
}

func fromDBMessage(dbMsg DBMessage) models.Message {
	msg := models.Message{
		ID:          dbMsg.ID,
		ChannelID:   dbMsg.ChannelID,
		AuthorID:    dbMsg.AuthorID,
		Content:     dbMsg.Content,
		ContentHTML: dbMsg.ContentHTML,
		Edited:      dbMsg.Edited,
		CreatedAt:   dbMsg.CreatedAt,
	}
	for _, e := range dbMsg.Embeds {
		msg.Embeds = append(msg.Embeds, models.Embed{
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
			Image:       e.Image,
			Media:       e.Media,
			Author: models.EmbedAuthor{
				Name:    e.AuthorName,
				URL:     e.AuthorURL,
				IconURL: e.AuthorIcon,
			},
		})
	}
	return msg
}

// CreateMessage persists the message and appends its id to the owning
// channel's message index in a single transaction.
func (s *BboltStorage) CreateMessage(msg models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if msg.ChannelID == "" {
			return errors.New("message missing channelID")
		}

		chanBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ChannelID))
		if err != nil {
			return fmt.Errorf("failed to create channel bucket: %w", err)
		}

		dbMsg := toDBMessage(msg)
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := chanBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		return appendToIndex(tx, msg.ChannelID, msg.ID)
	})
}

func appendToIndex(tx *bbolt.Tx, channelID, messageID string) error {
	ref, ok, err := resolveChannel(tx, channelID)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrChannelNotFound
	}
	switch ref.Kind {
	case ChannelKindServer:
		if !contains(ref.Channel.Messages, messageID) {
			ref.Channel.Messages = append(ref.Channel.Messages, messageID)
		}
		return putChannel(tx, *ref.Channel)
	default:
		if !contains(ref.DM.Messages, messageID) {
			ref.DM.Messages = append(ref.DM.Messages, messageID)
		}
		return putDM(tx, *ref.DM)
	}
}

// SaveMessage overwrites an existing message in place. The creation
// timestamp must not change, it is part of the key.
func (s *BboltStorage) SaveMessage(msg models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		chanBucket := tx.Bucket(bucketMessages).Bucket([]byte(msg.ChannelID))
		if chanBucket == nil {
			return models.ErrMessageNotFound
		}
		dbMsg := toDBMessage(msg)
		if chanBucket.Get(dbMsg.Key()) == nil {
			return models.ErrMessageNotFound
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		return chanBucket.Put(dbMsg.Key(), data)
	})
}

// GetMessage finds a message by id within a channel.
func (s *BboltStorage) GetMessage(channelID, messageID string) (models.Message, error) {
	var (
		msg   models.Message
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		chanBucket := tx.Bucket(bucketMessages).Bucket([]byte(channelID))
		if chanBucket == nil {
			return models.ErrMessageNotFound
		}
		return chanBucket.ForEach(func(k, v []byte) error {
			if found {
				return nil
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.ID == messageID {
				msg = fromDBMessage(dbMsg)
				found = true
			}
			return nil
		})
	})
	if err != nil {
		return models.Message{}, err
	}
	if !found {
		return models.Message{}, models.ErrMessageNotFound
	}
	return msg, nil
}

// DeleteMessage removes the message and its id from the channel index in a
// single transaction.
func (s *BboltStorage) DeleteMessage(channelID, messageID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		chanBucket := tx.Bucket(bucketMessages).Bucket([]byte(channelID))
		if chanBucket == nil {
			return models.ErrMessageNotFound
		}

		var key []byte
		err := chanBucket.ForEach(func(k, v []byte) error {
			if key != nil {
				return nil
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.ID == messageID {
				key = append([]byte(nil), k...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if key == nil {
			return models.ErrMessageNotFound
		}
		if err := chanBucket.Delete(key); err != nil {
			return err
		}

		ref, ok, err := resolveChannel(tx, channelID)
		if err != nil || !ok {
			return err
		}
		switch ref.Kind {
		case ChannelKindServer:
			ref.Channel.Messages = remove(ref.Channel.Messages, messageID)
			return putChannel(tx, *ref.Channel)
		default:
			ref.DM.Messages = remove(ref.DM.Messages, messageID)
			return putDM(tx, *ref.DM)
		}
	})
}

// ListMessages returns up to limit messages of a channel, newest first,
// strictly older than before. A before of 0 starts from the newest message.
func (s *BboltStorage) ListMessages(channelID string, before int64, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		chanBucket := tx.Bucket(bucketMessages).Bucket([]byte(channelID))
		if chanBucket == nil {
			return nil // No messages for this channel
		}

		c := chanBucket.Cursor()

		var k, v []byte
		if before <= 0 {
			k, v = c.Last()
		} else {
			// Seek to the first key at or past the cursor timestamp, then
			// step back so everything returned is strictly older.
			cursorKey := make([]byte, 8)
			binary.BigEndian.PutUint64(cursorKey, uint64(before))
			if sk, _ := c.Seek(cursorKey); sk == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}

		for ; k != nil && (limit <= 0 || len(messages) < limit); k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, fromDBMessage(dbMsg))
		}
		return nil
	})
	return messages, err
}

// --- Invites ---

func putInvite(tx *bbolt.Tx, invite models.Invite) error {
	dbInvite := &DBInvite{
		ID:        invite.ID,
		Code:      invite.Code,
		ServerID:  invite.ServerID,
		CreatedBy: invite.CreatedBy,
		Uses:      invite.Uses,
		MaxUses:   invite.MaxUses,
		CreatedAt: invite.CreatedAt,
		ExpiresAt: invite.ExpiresAt,
	}
	data, err := dbInvite.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketInvites).Put(dbInvite.Key(), data)
}

func getInviteByCode(tx *bbolt.Tx, code string) (models.Invite, bool, error) {
	data := tx.Bucket(bucketInvites).Get([]byte(code))
	if data == nil {
		return models.Invite{}, false, nil
	}
	var dbInvite DBInvite
	if err := dbInvite.UnmarshalBinary(data); err != nil {
		return models.Invite{}, false, err
	}
	return models.Invite{
		ID:        dbInvite.ID,
		Code:      dbInvite.Code,
		ServerID:  dbInvite.ServerID,
		CreatedBy: dbInvite.CreatedBy,
		Uses:      dbInvite.Uses,
		MaxUses:   dbInvite.MaxUses,
		CreatedAt: dbInvite.CreatedAt,
		ExpiresAt: dbInvite.ExpiresAt,
	}, true, nil
}

func (s *BboltStorage) PutInvite(invite models.Invite) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putInvite(tx, invite)
	})
}

func (s *BboltStorage) GetInviteByCode(code string) (models.Invite, error) {
	var invite models.Invite
	err := s.db.View(func(tx *bbolt.Tx) error {
		inv, ok, err := getInviteByCode(tx, code)
		if err != nil {
			return err
		}
		if !ok {
			return models.ErrInviteNotFound
		}
		invite = inv
		return nil
	})
	return invite, err
}

// JoinServerWithInvite admits a user via an invite code. The membership
// check, use-limit check, member insert and use increment all run inside
// one transaction, so the documented maxUses overshoot race cannot happen
// with this storage layer. A join by an existing member succeeds without
// touching the use counter.
func (s *BboltStorage) JoinServerWithInvite(code string, member models.Member, now int64) (models.Server, error) {
	var server models.Server
	err := s.db.Update(func(tx *bbolt.Tx) error {
		invite, ok, err := getInviteByCode(tx, code)
		if err != nil {
			return err
		}
		if !ok {
			return models.ErrInviteNotFound
		}

		server, err = getServer(tx, invite.ServerID)
		if err != nil {
			return err
		}

		if contains(server.Members, member.UserID) {
			return nil
		}

		if invite.MaxUses > 0 && invite.Uses >= invite.MaxUses {
			return models.ErrInviteExhausted
		}
		if invite.ExpiresAt > 0 && invite.ExpiresAt <= now {
			return models.ErrInviteExpired
		}

		member.ServerID = server.ID
		dbMember := &DBMember{
			UserID:      member.UserID,
			ServerID:    member.ServerID,
			Permissions: member.Permissions,
			JoinedAt:    member.JoinedAt,
		}
		data, err := dbMember.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMembers).Put(dbMember.Key(), data); err != nil {
			return err
		}

		server.Members = append(server.Members, member.UserID)
		if err := putServer(tx, server); err != nil {
			return err
		}

		invite.Uses++
		return putInvite(tx, invite)
	})
	return server, err
}

func (s *BboltStorage) ListInvitesByServer(serverID string) ([]models.Invite, error) {
	var invites []models.Invite
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInvites).ForEach(func(k, v []byte) error {
			var dbInvite DBInvite
			if err := dbInvite.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbInvite.ServerID != serverID {
				return nil
			}
			invites = append(invites, models.Invite{
				ID:        dbInvite.ID,
				Code:      dbInvite.Code,
				ServerID:  dbInvite.ServerID,
				CreatedBy: dbInvite.CreatedBy,
				Uses:      dbInvite.Uses,
				MaxUses:   dbInvite.MaxUses,
				CreatedAt: dbInvite.CreatedAt,
				ExpiresAt: dbInvite.ExpiresAt,
			})
			return nil
		})
	})
	return invites, err
}

// --- Members ---

func (s *BboltStorage) PutMember(member models.Member) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbMember := &DBMember{
			UserID:      member.UserID,
			ServerID:    member.ServerID,
			Permissions: member.Permissions,
			JoinedAt:    member.JoinedAt,
		}
		data, err := dbMember.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMembers).Put(dbMember.Key(), data)
	})
}

func (s *BboltStorage) GetMember(serverID, userID string) (models.Member, error) {
	var member models.Member
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMembers).Get([]byte(serverID + ":" + userID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbMember DBMember
		if err := dbMember.UnmarshalBinary(data); err != nil {
			return err
		}
		member = models.Member{
			UserID:      dbMember.UserID,
			ServerID:    dbMember.ServerID,
			Permissions: dbMember.Permissions,
			JoinedAt:    dbMember.JoinedAt,
		}
		return nil
	})
	return member, err
}

// --- Push subscriptions ---

func (s *BboltStorage) PutPushSubscription(sub models.PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket, err := tx.Bucket(bucketPushSubs).CreateBucketIfNotExists([]byte(sub.UserID))
		if err != nil {
			return err
		}
		dbSub := &DBPushSubscription{
			UserID:   sub.UserID,
			Endpoint: sub.Endpoint,
			P256dh:   sub.P256dh,
			Auth:     sub.Auth,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return userBucket.Put(dbSub.Key(), data)
	})
}

func (s *BboltStorage) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPushSubs).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription{
				UserID:   dbSub.UserID,
				Endpoint: dbSub.Endpoint,
				P256dh:   dbSub.P256dh,
				Auth:     dbSub.Auth,
			})
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPushSubs).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.Delete([]byte(endpoint))
	})
}

// ScopesForUser returns the broadcast scopes a user should be
// subscribed to: every channel of their servers plus their open DMs.
func (s *BboltStorage) ScopesForUser(userID string) ([]string, error) {
	var scopeIDs []string

	servers, err := s.ListServersForUser(userID)
	if err != nil {
		return nil, err
	}
	for _, server := range servers {
		// The server id itself is a scope (member/channel events).
		scopeIDs = append(scopeIDs, server.ID)
		scopeIDs = append(scopeIDs, server.Channels...)
	}

	dmChannels, err := s.ListDMsForUser(userID)
	if err != nil {
		return nil, err
	}
	for _, dm := range dmChannels {
		scopeIDs = append(scopeIDs, dm.ID)
	}

	return scopeIDs, nil
}

// --- helpers ---

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
