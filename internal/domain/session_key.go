package domain

import "strings"

type KeyType string

const (
	KeyTypeOwner KeyType = "owner"
	KeyTypeGuest KeyType = "guest"
	KeyTypeRoom  KeyType = "room"
)

const (
	OwnerKey    = "main"
	GuestPrefix = "guest_"
	RoomPrefix  = "room_"
)

// SessionKey is the resolved routing decision. Exactly three
// implementations exist: OwnerSession, GuestSession and RoomSession.
type SessionKey interface {
	Type() KeyType
	Key() string
	sessionKey()
}

type OwnerSession struct{}

func (OwnerSession) Type() KeyType { return KeyTypeOwner }
func (OwnerSession) Key() string   { return OwnerKey }
func (OwnerSession) sessionKey()   {}

type GuestSession struct {
	Identity Identity
}

func (GuestSession) Type() KeyType { return KeyTypeGuest }
func (g GuestSession) Key() string { return GuestPrefix + string(g.Identity) }
func (GuestSession) sessionKey()   {}

type RoomSession struct {
	Label RoomName
}

func (RoomSession) Type() KeyType { return KeyTypeRoom }
func (r RoomSession) Key() string { return RoomPrefix + string(r.Label) }
func (RoomSession) sessionKey()   {}

// SessionKeyView is the JSON form of a SessionKey used by diagnostics.
type SessionKeyView struct {
	Type KeyType `json:"type"`
	Key  string  `json:"key"`
}

func ViewOf(k SessionKey) *SessionKeyView {
	if k == nil {
		return nil
	}
	return &SessionKeyView{Type: k.Type(), Key: k.Key()}
}

// ParseSessionKey rebuilds a SessionKey from its type and raw key.
// Used for keys received from configuration or diagnostics.
func ParseSessionKey(t KeyType, key string) (SessionKey, bool) {
	switch t {
	case KeyTypeOwner:
		return OwnerSession{}, key == OwnerKey || key == ""
	case KeyTypeGuest:
		id, ok := strings.CutPrefix(key, GuestPrefix)
		return GuestSession{Identity: Identity(id)}, ok
	case KeyTypeRoom:
		label, ok := strings.CutPrefix(key, RoomPrefix)
		return RoomSession{Label: RoomName(label)}, ok
	}
	return nil, false
}
