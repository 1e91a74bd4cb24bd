package rtc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/continuity/internal/domain"
)

// AudioLevelURI is the RTP header extension carrying per-packet audio levels.
const AudioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// Connection is the receive-only audio leg of one transport.
type Connection struct {
	pc     *webrtc.PeerConnection
	cancel context.CancelFunc

	closedLocally atomic.Bool
	once          sync.Once

	onICE        func(webrtc.ICECandidateInit)
	onLevel      func(float32)
	onDisconnect func(domain.DisconnectReason)
}

func NewConnection(cfg webrtc.Configuration) (*Connection, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: AudioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc}, nil
}

// StateReason maps a peer connection state to a disconnect reason. The
// second result is false for states that need no reaction.
func StateReason(s webrtc.PeerConnectionState, closedLocally bool) (domain.DisconnectReason, bool) {
	switch s {
	case webrtc.PeerConnectionStateFailed:
		return domain.DisconnectSignalFailure, true
	case webrtc.PeerConnectionStateClosed:
		if closedLocally {
			return domain.DisconnectClientInitiated, false
		}
		return domain.DisconnectGeneric, true
	}
	return "", false
}

// LevelOf reads the audio level extension of pkt as a 0..1 loudness.
func LevelOf(pkt *rtp.Packet, extID uint8) (float32, bool) {
	raw := pkt.GetExtension(extID)
	if raw == nil {
		return 0, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return 0, false
	}
	// Level is -dBov, 0 loudest, 127 silence.
	return 1 - float32(ext.Level)/127, true
}

func (c *Connection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		cancel()
		return err
	}

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer_connection_state", s.String()).Msg("Peer state")
		reason, report := StateReason(s, c.closedLocally.Load())
		if !report {
			return
		}
		cancel()
		c.once.Do(func() {
			if c.onDisconnect != nil {
				c.onDisconnect(reason)
			}
		})
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().Str("module", "webrtc").Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("OnTrack received")
		go c.readLevels(ctx, track, receiver)
	})
	return nil
}

func (c *Connection) readLevels(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	var extID uint8
	for _, h := range receiver.GetParameters().HeaderExtensions {
		if h.URI == AudioLevelURI {
			extID = uint8(h.ID)
		}
	}
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if extID == 0 || c.onLevel == nil {
			continue
		}
		if level, ok := LevelOf(pkt, extID); ok {
			c.onLevel(level)
		}
	}
}

// CreateOffer builds a complete local offer with gathered candidates.
func (c *Connection) CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.pc.LocalDescription(), nil
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) SignalingState() webrtc.SignalingState { return c.pc.SignalingState() }

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

// OnLevel sets the callback for audio level samples of remote tracks.
func (c *Connection) OnLevel(fn func(float32)) { c.onLevel = fn }

// OnDisconnect is called once when the peer connection fails or is closed remotely.
func (c *Connection) OnDisconnect(fn func(domain.DisconnectReason)) { c.onDisconnect = fn }

func (c *Connection) Close() error {
	c.closedLocally.Store(true)
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Msg("closed")
	return nil
}
