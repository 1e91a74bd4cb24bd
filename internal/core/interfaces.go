package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/continuity/internal/domain"
)

// Frame is a raw payload sent over a transport link.
type Frame []byte

// Headers and Body are the mutable request parts an Encoder writes to.
type (
	Headers map[string]string
	Body    map[string]any
)

// Encoder writes a SessionKey into a backend request. Encoders are pure
// and never fail; they only mutate the maps they are given.
type Encoder interface {
	Encode(key domain.SessionKey, headers Headers, body Body)
}

// Participant is the informational metadata attached to backend requests.
type Participant struct {
	Identity domain.Identity
	Room     domain.RoomContext
}

// Transport is one physical link to the room. A new Transport is
// established on every (re)connect and discarded after a disconnect.
// Owned by the adapter; the adapter must Close() it.
type Transport interface {
	Send(ctx context.Context, f Frame) error
	Close() error
}

// Establisher dials a fresh transport for the given room context.
// Its own timeout bounds a single connect attempt.
type Establisher interface {
	Establish(ctx context.Context, rc domain.RoomContext) (Transport, error)
}

// Reachability is the network oracle consulted before each reconnect attempt.
type Reachability interface {
	Online() bool
}

// SessionTracker receives backend feedback for managed sessions.
type SessionTracker interface {
	RecordSuccess(id string)
	RecordFailure(id string, err error) error
}

// BackendRequest is one call to the reasoning backend.
type BackendRequest struct {
	Key       domain.SessionKey
	SessionID string
	Body      Body
}

// Backend sends requests to the reasoning backend. Auth and session
// errors are returned as *domain.AuthError and *domain.SessionError.
type Backend interface {
	Send(ctx context.Context, req BackendRequest) (json.RawMessage, error)
}

// SignalHandler is implemented by transports that consume some inbound
// control frames themselves. HandleSignal reports whether it did.
type SignalHandler interface {
	HandleSignal(data []byte) bool
}
