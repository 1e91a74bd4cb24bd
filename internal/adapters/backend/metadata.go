package backend

import (
	"github.com/dkeye/continuity/internal/core"
	"github.com/dkeye/continuity/internal/domain"
)

// MetadataOverlay attaches informational room headers to a request.
// They are for tracing only and carry no routing authority.
type MetadataOverlay struct {
	Backend string
}

func (m MetadataOverlay) Apply(p core.Participant, headers core.Headers) {
	prefix := "X-" + titleCase(m.Backend) + "-"
	set := func(name, value string) {
		if value != "" {
			headers[prefix+name] = value
		}
	}
	set("Room-SID", string(p.Room.InstanceID))
	set("Room-Name", string(p.Room.Label))
	set("Participant-Identity", string(p.Identity))
	set("Participant-SID", p.Room.ParticipantSID)
}

// WithMetadata wraps an Encoder so that every request also carries the overlay.
type WithMetadata struct {
	core.Encoder
	Overlay     MetadataOverlay
	Participant func() core.Participant
}

func (w WithMetadata) Encode(key domain.SessionKey, headers core.Headers, body core.Body) {
	w.Encoder.Encode(key, headers, body)
	if w.Participant != nil {
		w.Overlay.Apply(w.Participant(), headers)
	}
}
