package backend

import (
	"strings"

	"github.com/dkeye/continuity/internal/core"
	"github.com/dkeye/continuity/internal/domain"
)

// UserField is the JSON body field that carries guest and room keys.
const UserField = "user"

// HeaderBodyEncoder routes the owner through a header and everyone else
// through the request body. Exactly one of the two is set per request.
type HeaderBodyEncoder struct {
	Backend string
}

func NewHeaderBodyEncoder(backend string) HeaderBodyEncoder {
	return HeaderBodyEncoder{Backend: backend}
}

// SessionHeader returns the routing header name, e.g. x-openclaw-session-key.
func (e HeaderBodyEncoder) SessionHeader() string {
	return "x-" + strings.ToLower(e.Backend) + "-session-key"
}

func (e HeaderBodyEncoder) Encode(key domain.SessionKey, headers core.Headers, body core.Body) {
	header := e.SessionHeader()
	switch k := key.(type) {
	case domain.OwnerSession:
		delete(body, UserField)
		headers[header] = k.Key()
	case domain.GuestSession, domain.RoomSession:
		delete(headers, header)
		body[UserField] = k.Key()
	}
}
