package storage

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"waves/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers     = []byte("users")
	bucketUserNames = []byte("user_names")
	bucketRooms     = []byte("rooms")
	bucketRoomCodes = []byte("room_codes")
	bucketMessages  = []byte("messages")
	bucketMsgIndex  = []byte("message_index")
	bucketPushSubs  = []byte("push_subs")
	bucketFiles     = []byte("files")
)

// indexSep joins room name and message key in the id index. Room names never
// contain a NUL byte.
const indexSep = "\x00"

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
			bucketUsers, bucketUserNames, bucketRooms, bucketRoomCodes,
			bucketMessages, bucketMsgIndex, bucketPushSubs, bucketFiles,
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

// UpsertUser stores a user together with their password hash (empty for
// anonymous users).
func (s *BboltStorage) UpsertUser(user models.User, passwordHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbUser := &DBUser{
			ID:           user.ID,
			UserName:     user.UserName,
			Color:        user.Color,
			IsAnonymous:  user.IsAnonymous,
			PasswordHash: passwordHash,
			CreatedAt:    user.CreatedAt.UnixNano(),
			ExpiresAt:    user.ExpiresAt.UnixNano(),
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUsers).Put(dbUser.Key(), data); err != nil {
			return err
		}
		return tx.Bucket(bucketUserNames).Put([]byte(user.UserName), []byte(user.ID))
	})
}

func (s *BboltStorage) GetUser(id string) (models.User, string, error) {
	var (
		user models.User
		hash string
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = userToModel(dbUser)
		hash = dbUser.PasswordHash
		return nil
	})
	return user, hash, err
}

func (s *BboltStorage) GetUserByName(name string) (models.User, string, error) {
	var id string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketUserNames).Get([]byte(name))
		if v == nil {
			return models.ErrNotFound
		}
		id = string(v)
		return nil
	})
	if err != nil {
		return models.User{}, "", err
	}
	return s.GetUser(id)
}

func userToModel(u DBUser) models.User {
	return models.User{
		ID:          u.ID,
		UserName:    u.UserName,
		Color:       u.Color,
		IsAnonymous: u.IsAnonymous,
		CreatedAt:   time.Unix(0, u.CreatedAt),
		ExpiresAt:   time.Unix(0, u.ExpiresAt),
	}
}

// UpsertRoom saves a room keyed by its unique name and maintains the code
// index for custom rooms.
func (s *BboltStorage) UpsertRoom(room models.Room) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbRoom := &DBRoom{
			ID:          room.ID,
			RoomName:    room.RoomName,
			Kind:        string(room.Kind),
			Code:        room.Code,
			Members:     room.Members,
			CreatedByIP: room.CreatedByIP,
			CreatedAt:   room.CreatedAt.UnixNano(),
			ExpiresAt:   room.ExpiresAt.UnixNano(),
		}
		data, err := dbRoom.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRooms).Put(dbRoom.Key(), data); err != nil {
			return err
		}
		if room.Code != "" {
			return tx.Bucket(bucketRoomCodes).Put([]byte(room.Code), []byte(room.RoomName))
		}
		return nil
	})
}

func (s *BboltStorage) GetRoom(name string) (models.Room, error) {
	var room models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRooms).Get([]byte(name))
		if data == nil {
			return models.ErrNotFound
		}
		var dbRoom DBRoom
		if err := dbRoom.UnmarshalBinary(data); err != nil {
			return err
		}
		room = roomToModel(dbRoom)
		return nil
	})
	return room, err
}

func (s *BboltStorage) GetRoomByCode(code string) (models.Room, error) {
	var name string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketRoomCodes).Get([]byte(code))
		if v == nil {
			return models.ErrNotFound
		}
		name = string(v)
		return nil
	})
	if err != nil {
		return models.Room{}, err
	}
	return s.GetRoom(name)
}

// AddRoomMember adds a user to a room's member list. The read-modify-write
// happens inside a single transaction so concurrent joins don't lose members.
func (s *BboltStorage) AddRoomMember(name, userID string) error {
	return s.mutateRoom(name, func(r *DBRoom) {
		for _, m := range r.Members {
			if m == userID {
				return
			}
		}
		r.Members = append(r.Members, userID)
	})
}

// RemoveRoomMember removes a user from a room's member list.
func (s *BboltStorage) RemoveRoomMember(name, userID string) error {
	return s.mutateRoom(name, func(r *DBRoom) {
		members := r.Members[:0]
		for _, m := range r.Members {
			if m != userID {
				members = append(members, m)
			}
		}
		r.Members = members
	})
}

func (s *BboltStorage) mutateRoom(name string, mutate func(*DBRoom)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		data := b.Get([]byte(name))
		if data == nil {
			return models.ErrNotFound
		}
		var dbRoom DBRoom
		if err := dbRoom.UnmarshalBinary(data); err != nil {
			return err
		}
		mutate(&dbRoom)
		newData, err := dbRoom.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbRoom.Key(), newData)
	})
}

func roomToModel(r DBRoom) models.Room {
	return models.Room{
		ID:          r.ID,
		RoomName:    r.RoomName,
		Kind:        models.RoomKind(r.Kind),
		Code:        r.Code,
		Members:     r.Members,
		CreatedByIP: r.CreatedByIP,
		CreatedAt:   time.Unix(0, r.CreatedAt),
		ExpiresAt:   time.Unix(0, r.ExpiresAt),
	}
}

// AppendMessage persists a message into its room bucket and records the
// id index entry used by reaction and reply lookups. The message must
// already carry its permanent id and timestamps.
func (s *BboltStorage) AppendMessage(msg models.Message) error {
	if msg.ID == "" || msg.Room == "" {
		return errors.New("message missing id or room")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg := messageFromModel(msg)

		roomBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.Room))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := roomBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		indexVal := append([]byte(msg.Room+indexSep), dbMsg.Key()...)
		return tx.Bucket(bucketMsgIndex).Put([]byte(msg.ID), indexVal)
	})
}

// GetMessage fetches a message by its permanent id. Sender and reply fields
// are unresolved (ids only).
func (s *BboltStorage) GetMessage(id string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbMsg, _, err := s.lookupMessage(tx, id)
		if err != nil {
			return err
		}
		msg = messageToModel(*dbMsg)
		return nil
	})
	return msg, err
}

func (s *BboltStorage) lookupMessage(tx *bbolt.Tx, id string) (*DBMessage, []byte, error) {
	idx := tx.Bucket(bucketMsgIndex).Get([]byte(id))
	if idx == nil {
		return nil, nil, models.ErrNotFound
	}
	sep := bytes.Index(idx, []byte(indexSep))
	if sep < 0 {
		return nil, nil, fmt.Errorf("corrupt index entry for message %s", id)
	}
	room, key := idx[:sep], idx[sep+1:]

	roomBucket := tx.Bucket(bucketMessages).Bucket(room)
	if roomBucket == nil {
		return nil, nil, models.ErrNotFound
	}
	data := roomBucket.Get(key)
	if data == nil {
		return nil, nil, models.ErrNotFound
	}
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return nil, nil, err
	}
	return &dbMsg, key, nil
}

// ListMessages returns up to limit most recent messages of a room in
// creation-time ascending order. limit <= 0 returns all messages.
func (s *BboltStorage) ListMessages(room string, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(room))
		if roomBucket == nil {
			return nil // no messages yet
		}

		c := roomBucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(messages) >= limit {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, messageToModel(dbMsg))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Cursor walked newest-first; flip to ascending.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ToggleReaction applies the reaction toggle atomically and returns the
// updated message: same (user, emoji) removes the reaction, anything else
// replaces the user's previous reaction. A missing message id yields
// models.ErrNotFound.
func (s *BboltStorage) ToggleReaction(messageID, userID, emoji string, now time.Time) (models.Message, error) {
	var updated models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, key, err := s.lookupMessage(tx, messageID)
		if err != nil {
			return err
		}

		reactions := dbMsg.Reactions[:0]
		removed := false
		for _, r := range dbMsg.Reactions {
			if r.UserID != userID {
				reactions = append(reactions, r)
				continue
			}
			if r.Emoji == emoji {
				removed = true
			}
			// Either way the user's previous reaction goes.
		}
		if !removed {
			reactions = append(reactions, DBReaction{
				UserID:    userID,
				Emoji:     emoji,
				CreatedAt: now.UnixNano(),
			})
		}
		dbMsg.Reactions = reactions

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(dbMsg.Room))
		if err := roomBucket.Put(key, data); err != nil {
			return err
		}
		updated = messageToModel(*dbMsg)
		return nil
	})
	return updated, err
}

// CleanupRooms trims every room to its most recent retention messages and
// returns the number of deleted messages. TTL expiry runs independently.
func (s *BboltStorage) CleanupRooms(retention int) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)
		idxBucket := tx.Bucket(bucketMsgIndex)

		return msgBucket.ForEachBucket(func(room []byte) error {
			roomBucket := msgBucket.Bucket(room)
			total := roomBucket.Stats().KeyN
			excess := total - retention
			if excess <= 0 {
				return nil
			}

			c := roomBucket.Cursor()
			for k, v := c.First(); k != nil && excess > 0; k, v = c.Next() {
				var dbMsg DBMessage
				if err := dbMsg.UnmarshalBinary(v); err != nil {
					return err
				}
				if err := c.Delete(); err != nil {
					return err
				}
				if err := idxBucket.Delete([]byte(dbMsg.ID)); err != nil {
					return err
				}
				excess--
				deleted++
			}
			return nil
		})
	})
	return deleted, err
}

// SweepExpired removes messages, rooms and users whose TTL has passed.
func (s *BboltStorage) SweepExpired(now time.Time) error {
	cutoff := now.UnixNano()
	return s.db.Update(func(tx *bbolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)
		idxBucket := tx.Bucket(bucketMsgIndex)

		err := msgBucket.ForEachBucket(func(room []byte) error {
			c := msgBucket.Bucket(room).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var dbMsg DBMessage
				if err := dbMsg.UnmarshalBinary(v); err != nil {
					return err
				}
				if dbMsg.ExpiresAt > cutoff {
					continue
				}
				if err := c.Delete(); err != nil {
					return err
				}
				if err := idxBucket.Delete([]byte(dbMsg.ID)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		roomBucket := tx.Bucket(bucketRooms)
		codeBucket := tx.Bucket(bucketRoomCodes)
		c := roomBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbRoom.ExpiresAt > cutoff {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			if dbRoom.Code != "" {
				if err := codeBucket.Delete([]byte(dbRoom.Code)); err != nil {
					return err
				}
			}
		}

		userBucket := tx.Bucket(bucketUsers)
		nameBucket := tx.Bucket(bucketUserNames)
		uc := userBucket.Cursor()
		for k, v := uc.First(); k != nil; k, v = uc.Next() {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.ExpiresAt > cutoff {
				continue
			}
			if err := uc.Delete(); err != nil {
				return err
			}
			if err := nameBucket.Delete([]byte(dbUser.UserName)); err != nil {
				return err
			}
		}

		return nil
	})
}

func messageFromModel(msg models.Message) *DBMessage {
	dbMsg := &DBMessage{
		ID:         msg.ID,
		Room:       msg.Room,
		SenderID:   msg.Sender.ID,
		Text:       msg.Text,
		Ciphertext: msg.Ciphertext,
		IV:         msg.IV,
		Image:      msg.Image,
		CreatedAt:  msg.CreatedAt.UnixNano(),
		ExpiresAt:  msg.ExpiresAt.UnixNano(),
	}
	if msg.ReplyTo != nil {
		dbMsg.ReplyTo = msg.ReplyTo.ID
	}
	for _, r := range msg.Reactions {
		dbMsg.Reactions = append(dbMsg.Reactions, DBReaction{
			UserID:    r.UserID,
			Emoji:     r.Emoji,
			CreatedAt: r.CreatedAt.UnixNano(),
		})
	}
	return dbMsg
}

func messageToModel(m DBMessage) models.Message {
	msg := models.Message{
		ID:         m.ID,
		Room:       m.Room,
		Sender:     models.Sender{ID: m.SenderID},
		Text:       m.Text,
		Ciphertext: m.Ciphertext,
		IV:         m.IV,
		Image:      m.Image,
		CreatedAt:  time.Unix(0, m.CreatedAt),
		ExpiresAt:  time.Unix(0, m.ExpiresAt),
	}
	if m.ReplyTo != "" {
		msg.ReplyTo = &models.ReplyRef{ID: m.ReplyTo}
	}
	for _, r := range m.Reactions {
		msg.Reactions = append(msg.Reactions, models.Reaction{
			UserID:    r.UserID,
			Emoji:     r.Emoji,
			CreatedAt: time.Unix(0, r.CreatedAt),
		})
	}
	return msg
}

// UpsertPushSubscription stores a user's web-push subscription JSON.
func (s *BboltStorage) UpsertPushSubscription(userID, subscription string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbSub := &DBPushSubscription{UserID: userID, Subscription: subscription}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPushSubs).Put(dbSub.Key(), data)
	})
}

func (s *BboltStorage) DeletePushSubscription(userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPushSubs).Delete([]byte(userID))
	})
}

// ListPushSubscriptions returns userID -> subscription JSON for all users
// who registered for push notifications.
func (s *BboltStorage) ListPushSubscriptions() (map[string]string, error) {
	subs := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPushSubs).ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs[dbSub.UserID] = dbSub.Subscription
			return nil
		})
	})
	return subs, err
}
