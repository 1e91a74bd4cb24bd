package signal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/continuity/internal/core"
	"github.com/dkeye/continuity/internal/domain"
)

// Dialer establishes websocket signaling links to the room server.
type Dialer struct {
	URL      string
	Identity domain.Identity
	Token    string
	Timeout  time.Duration

	// OnFrame receives every inbound data frame with the link it came from.
	OnFrame func(core.Transport, []byte)
	// OnClose is called once when the server ends a link.
	OnClose func(domain.DisconnectReason)
}

// dialError carries a handshake failure classification.
type dialError struct {
	reason domain.DisconnectReason
	err    error
}

func (e *dialError) Error() string                             { return fmt.Sprintf("%s: %v", e.reason, e.err) }
func (e *dialError) Unwrap() error                             { return e.err }
func (e *dialError) DisconnectReason() domain.DisconnectReason { return e.reason }

func (d *Dialer) Establish(ctx context.Context, rc domain.RoomContext) (core.Transport, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("signal url: %w", err)
	}
	q := u.Query()
	q.Set("room", string(rc.Label))
	if rc.InstanceID != "" {
		q.Set("instance", string(rc.InstanceID))
	}
	q.Set("identity", string(d.Identity))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout, Proxy: http.ProxyFromEnvironment}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, classifyHandshake(resp, err)
	}

	ws.SetReadLimit(maxMessageSize)
	c := newConn(ws, d.OnFrame, d.OnClose)
	go c.writePump()
	go c.readPump()
	log.Info().Str("module", "signal").Str("room", string(rc.Label)).Str("identity", string(d.Identity)).Msg("signal link established")
	return c, nil
}

func classifyHandshake(resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("signal dial: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &domain.AuthError{Code: domain.AuthUnauthorized, Status: resp.StatusCode, Detail: err.Error()}
	case http.StatusForbidden:
		return &domain.AuthError{Code: domain.AuthForbidden, Status: resp.StatusCode, Detail: err.Error()}
	case http.StatusNotFound, http.StatusGone:
		return &dialError{reason: domain.DisconnectRoomDeleted, err: err}
	case http.StatusConflict:
		return &dialError{reason: domain.DisconnectDuplicateIdentity, err: err}
	}
	return &dialError{reason: domain.DisconnectSignalFailure, err: fmt.Errorf("status %d: %w", resp.StatusCode, err)}
}
