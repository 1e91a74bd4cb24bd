package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/continuity/internal/core"
	"github.com/dkeye/continuity/internal/domain"
)

var ErrClosed = errors.New("connection closed")

const (
	writeWait = 5 * time.Second
	// maxMessageSize bounds one inbound frame; chunked events stay far below it.
	maxMessageSize = 1 << 20
)

// Conn is one websocket signaling link. It is a core.Transport.
type Conn struct {
	conn    *websocket.Conn
	send    chan core.Frame
	done    chan struct{}
	onFrame func(core.Transport, []byte)
	onClose func(domain.DisconnectReason)

	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn, onFrame func(core.Transport, []byte), onClose func(domain.DisconnectReason)) *Conn {
	return &Conn{
		conn:    ws,
		send:    make(chan core.Frame, 32),
		done:    make(chan struct{}),
		onFrame: onFrame,
		onClose: onClose,
	}
}

// Send queues a frame for the write pump, blocking while the queue is full.
func (c *Conn) Send(ctx context.Context, f core.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the link from this side. The close handler is not called
// for a locally closed link.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			c.closed = true
			close(c.done)
			c.mu.Unlock()
			_ = c.conn.Close()

			reason := CloseReason(err)
			log.Warn().Err(err).Str("module", "signal").Str("reason", string(reason)).Msg("readPump closed by peer")
			if c.onClose != nil {
				c.onClose(reason)
			}
			return
		}
		c.handle(data)
	}
}

func (c *Conn) handle(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}
	switch env.Type {
	case "ping":
		_ = c.Send(context.Background(), core.Frame(`{"type":"pong"}`))
	case "pong":
	default:
		if c.onFrame != nil {
			c.onFrame(c, data)
		}
	}
}

// CloseReason classifies a websocket read error into a disconnect reason.
func CloseReason(err error) domain.DisconnectReason {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return domain.DisconnectGeneric
	}
	switch ce.Code {
	case websocket.CloseNormalClosure:
		return domain.DisconnectClientInitiated
	case websocket.CloseGoingAway:
		return domain.DisconnectServerShutdown
	case websocket.CloseProtocolError:
		return domain.DisconnectStateMismatch
	case CloseDuplicateIdentity:
		return domain.DisconnectDuplicateIdentity
	case CloseParticipantRemoved:
		return domain.DisconnectParticipantRemoved
	case CloseRoomDeleted:
		return domain.DisconnectRoomDeleted
	case websocket.CloseAbnormalClosure:
		return domain.DisconnectGeneric
	}
	return domain.DisconnectUnknown
}

// Application close codes sent by the room server.
const (
	CloseDuplicateIdentity  = 4001
	CloseParticipantRemoved = 4003
	CloseRoomDeleted        = 4004
)
