package backend

import (
	"strings"

	"github.com/google/uuid"

	"github.com/dkeye/continuity/internal/core"
	"github.com/dkeye/continuity/internal/domain"
)

// ChannelEncoder maps the whole key into one X-<Backend>-Channel header.
type ChannelEncoder struct {
	Backend   string
	Namespace string
	// Context supplies the room facts for the legacy derivation used
	// when no SessionKey is available. May be nil.
	Context func() core.Participant
	// NewID generates the random fallback id; uuid.NewString when nil.
	NewID func() string
}

func NewChannelEncoder(backend, namespace string, ctx func() core.Participant) ChannelEncoder {
	return ChannelEncoder{Backend: backend, Namespace: namespace, Context: ctx}
}

// ChannelHeader returns the header name, e.g. X-Openclaw-Channel.
func (e ChannelEncoder) ChannelHeader() string {
	return "X-" + titleCase(e.Backend) + "-Channel"
}

func (e ChannelEncoder) Encode(key domain.SessionKey, headers core.Headers, _ core.Body) {
	if key == nil {
		var p core.Participant
		if e.Context != nil {
			p = e.Context()
		}
		headers[e.ChannelHeader()] = e.LegacyChannel(p)
		return
	}
	headers[e.ChannelHeader()] = SessionKeyToChannel(key)
}

// SessionKeyToChannel turns guest_X into guest:X and room_X into room:X.
// Only the first underscore is the type separator; the rest belongs to the value.
func SessionKeyToChannel(key domain.SessionKey) string {
	switch k := key.(type) {
	case domain.OwnerSession:
		return domain.OwnerKey
	case domain.GuestSession, domain.RoomSession:
		return strings.Replace(k.Key(), "_", ":", 1)
	}
	return ""
}

// LegacyChannel derives a channel from raw room facts:
// override > identity > label+participant > instance+participant > random.
func (e ChannelEncoder) LegacyChannel(p core.Participant) string {
	rc := p.Room
	var id string
	switch {
	case rc.OverrideID != "":
		id = rc.OverrideID
	case p.Identity != "":
		id = string(p.Identity)
	case rc.Label != "" && rc.ParticipantSID != "":
		id = string(rc.Label) + "_" + rc.ParticipantSID
	case rc.InstanceID != "" && rc.ParticipantSID != "":
		id = string(rc.InstanceID) + "_" + rc.ParticipantSID
	default:
		gen := e.NewID
		if gen == nil {
			gen = uuid.NewString
		}
		id = gen()
	}
	if e.Namespace == "" {
		return id
	}
	return e.Namespace + ":" + id
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	s = strings.ToLower(s)
	return strings.ToUpper(s[:1]) + s[1:]
}
