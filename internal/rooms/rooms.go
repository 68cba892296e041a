package rooms

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"waves/internal/models"

	"github.com/google/uuid"
)

const codeLength = 6

var codeAlphabet = []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

// Store is the persistence the directory needs.
type Store interface {
	UpsertRoom(room models.Room) error
	GetRoom(name string) (models.Room, error)
	GetRoomByCode(code string) (models.Room, error)
	AddRoomMember(name, userID string) error
	RemoveRoomMember(name, userID string) error
	GetUser(id string) (models.User, string, error)
}

// Directory maps room names to membership and metadata. Network rooms are
// derived from the caller's IP subnet and created lazily; custom rooms are
// identified by a short shareable code.
type Directory struct {
	store   Store
	roomTTL time.Duration
	now     func() time.Time

	// Serializes find-or-create so two first visitors of a subnet don't
	// race each other into separate rooms.
	mu sync.Mutex
}

func NewDirectory(store Store, roomTTL time.Duration) *Directory {
	return &Directory{
		store:   store,
		roomTTL: roomTTL,
		now:     time.Now,
	}
}

// EnsureGlobal creates the singleton global room if it does not exist yet.
func (d *Directory) EnsureGlobal() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.store.GetRoom(models.GlobalRoomName); err == nil {
		return nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return err
	}

	now := d.now()
	return d.store.UpsertRoom(models.Room{
		ID:        uuid.NewString(),
		RoomName:  models.GlobalRoomName,
		Kind:      models.RoomKindGlobal,
		CreatedAt: now,
		ExpiresAt: now.Add(d.roomTTL),
	})
}

// NetworkRoomName derives the deterministic room name for an IP address:
// the first three octets of an IPv4 address form the subnet. The same
// subnet always maps to the same name.
func NetworkRoomName(ip string) (string, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "", fmt.Errorf("could not parse IP address %q", ip)
	}
	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("network-%d.%d.%d", v4[0], v4[1], v4[2]), nil
	}
	// IPv6: use the /64 prefix as the "subnet".
	return "network-" + parsed.Mask(net.CIDRMask(64, 128)).String(), nil
}

// Assign finds or lazily creates the network room for the caller's subnet
// and adds the caller as a member.
func (d *Directory) Assign(ip, userID string) (models.Room, error) {
	name, err := NetworkRoomName(ip)
	if err != nil {
		return models.Room{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	room, err := d.store.GetRoom(name)
	if errors.Is(err, models.ErrNotFound) {
		now := d.now()
		room = models.Room{
			ID:          uuid.NewString(),
			RoomName:    name,
			Kind:        models.RoomKindNetwork,
			Members:     []string{userID},
			CreatedByIP: ip,
			CreatedAt:   now,
			ExpiresAt:   now.Add(d.roomTTL),
		}
		if err := d.store.UpsertRoom(room); err != nil {
			return models.Room{}, err
		}
		return room, nil
	}
	if err != nil {
		return models.Room{}, err
	}

	if !room.HasMember(userID) {
		if err := d.store.AddRoomMember(name, userID); err != nil {
			return models.Room{}, err
		}
		room.Members = append(room.Members, userID)
	}
	return room, nil
}

// CreateCustom creates an invite-code room with no initial members; users
// are added when they join with the code.
func (d *Directory) CreateCustom(ip string) (models.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	code, err := d.uniqueCode()
	if err != nil {
		return models.Room{}, err
	}

	now := d.now()
	room := models.Room{
		ID:          uuid.NewString(),
		RoomName:    "custom-" + code,
		Kind:        models.RoomKindCustom,
		Code:        code,
		Members:     []string{},
		CreatedByIP: ip,
		CreatedAt:   now,
		ExpiresAt:   now.Add(d.roomTTL),
	}
	if err := d.store.UpsertRoom(room); err != nil {
		return models.Room{}, err
	}
	return room, nil
}

func (d *Directory) uniqueCode() (string, error) {
	for {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		_, err = d.store.GetRoomByCode(code)
		if errors.Is(err, models.ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate room code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// FindByCode looks up a custom room by its shareable code. Membership is not
// granted here: the caller joins once authenticated.
func (d *Directory) FindByCode(code string) (models.Room, error) {
	return d.store.GetRoomByCode(strings.ToUpper(strings.TrimSpace(code)))
}

// Join adds a user to a room's member list.
func (d *Directory) Join(roomName, userID string) (models.Room, error) {
	if err := d.store.AddRoomMember(roomName, userID); err != nil {
		return models.Room{}, err
	}
	return d.store.GetRoom(roomName)
}

// Leave removes a user from a room's member list.
func (d *Directory) Leave(roomName, userID string) error {
	return d.store.RemoveRoomMember(roomName, userID)
}

// Get returns a room by name.
func (d *Directory) Get(roomName string) (models.Room, error) {
	return d.store.GetRoom(roomName)
}

// Info builds the membership summary for a room. When resolveMembers is
// false the member list stays private (join-by-code responses).
func (d *Directory) Info(room models.Room, resolveMembers bool) models.RoomInfo {
	info := models.RoomInfo{
		RoomID:      room.ID,
		RoomName:    room.RoomName,
		Code:        room.Code,
		MemberCount: len(room.Members),
	}
	if !resolveMembers {
		return info
	}
	for _, id := range room.Members {
		user, _, err := d.store.GetUser(id)
		if err != nil {
			continue
		}
		info.Members = append(info.Members, models.Sender{
			ID:          user.ID,
			UserName:    user.UserName,
			Color:       user.Color,
			IsAnonymous: user.IsAnonymous,
		})
	}
	return info
}
