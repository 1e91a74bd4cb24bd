package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/continuity/internal/core"
	"github.com/dkeye/continuity/internal/domain"
)

type signalMessage struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Establisher adds an audio leg on top of a signaling transport. The offer
// is sent over the signaling link; the answer comes back through HandleSignal.
type Establisher struct {
	Signal core.Establisher
	Config webrtc.Configuration

	OnLevel      func(float32)
	OnDisconnect func(domain.DisconnectReason)
}

func (e *Establisher) Establish(ctx context.Context, rc domain.RoomContext) (core.Transport, error) {
	t, err := e.Signal.Establish(ctx, rc)
	if err != nil {
		return nil, err
	}
	c, err := NewConnection(e.Config)
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	c.OnLevel(e.OnLevel)
	c.OnDisconnect(e.OnDisconnect)

	s := &Session{Transport: t, media: c}
	if err := s.offer(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Session is a signaling transport plus its audio leg.
type Session struct {
	core.Transport
	media *Connection
}

func (s *Session) offer(ctx context.Context) error {
	if err := s.media.Start(context.Background()); err != nil {
		return fmt.Errorf("start media: %w", err)
	}
	desc, err := s.media.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	b, err := json.Marshal(signalMessage{Type: "offer", SDP: desc.SDP})
	if err != nil {
		return err
	}
	return s.Send(ctx, b)
}

func (s *Session) Media() *Connection { return s.media }

// Unwrap returns the signaling link the session was built on.
func (s *Session) Unwrap() core.Transport { return s.Transport }

func (s *Session) HandleSignal(data []byte) bool {
	var msg signalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	switch msg.Type {
	case "answer":
		err := s.media.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP})
		if err != nil {
			log.Error().Err(err).Str("module", "webrtc").Msg("apply answer")
		}
		return true
	case "candidate":
		if msg.Candidate != nil {
			if err := s.media.AddICECandidate(*msg.Candidate); err != nil {
				log.Warn().Err(err).Str("module", "webrtc").Msg("add candidate")
			}
		}
		return true
	}
	return false
}

func (s *Session) Close() error {
	return errors.Join(s.media.Close(), s.Transport.Close())
}
