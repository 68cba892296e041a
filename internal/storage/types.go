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

type DBUser struct {
	ID           string `msgpack:"id"`
	UserName     string `msgpack:"userName"`
	Color        string `msgpack:"color"`
	IsAnonymous  bool   `msgpack:"isAnonymous"`
	PasswordHash string `msgpack:"passwordHash"`
	CreatedAt    int64  `msgpack:"createdAt"`
	ExpiresAt    int64  `msgpack:"expiresAt"`
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

type DBRoom struct {
	ID          string   `msgpack:"id"`
	RoomName    string   `msgpack:"roomName"`
	Kind        string   `msgpack:"kind"`
	Code        string   `msgpack:"code"`
	Members     []string `msgpack:"members"`
	CreatedByIP string   `msgpack:"createdByIp"`
	CreatedAt   int64    `msgpack:"createdAt"`
	ExpiresAt   int64    `msgpack:"expiresAt"`
}

// Rooms are keyed by their unique name; id and code lookups go through
// index buckets.
func (r *DBRoom) Key() []byte {
	return []byte(r.RoomName)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBReaction struct {
	UserID    string `msgpack:"userId"`
	Emoji     string `msgpack:"emoji"`
	CreatedAt int64  `msgpack:"createdAt"`
}

type DBMessage struct {
	ID         string       `msgpack:"id"`
	Room       string       `msgpack:"room"`
	SenderID   string       `msgpack:"senderId"`
	Text       string       `msgpack:"text"`
	Ciphertext string       `msgpack:"ciphertext"`
	IV         string       `msgpack:"iv"`
	Image      string       `msgpack:"image"`
	ReplyTo    string       `msgpack:"replyTo"`
	Reactions  []DBReaction `msgpack:"reactions"`
	CreatedAt  int64        `msgpack:"createdAt"` // Unix nanoseconds
	ExpiresAt  int64        `msgpack:"expiresAt"`
}

// Key orders messages by creation time within a room bucket, with the id as
// a tiebreaker for identical timestamps.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBPushSubscription struct {
	UserID       string `msgpack:"userId"`
	Subscription string `msgpack:"subscription"` // raw JSON as handed out by the browser
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.UserID)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}
