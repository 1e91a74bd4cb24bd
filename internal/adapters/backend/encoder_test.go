package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dkeye/continuity/internal/core"
	"github.com/dkeye/continuity/internal/domain"
)

var allKeys = []domain.SessionKey{
	domain.OwnerSession{},
	domain.GuestSession{Identity: "alice"},
	domain.GuestSession{Identity: "user_name"},
	domain.RoomSession{Label: "standup"},
}

func TestHeaderBodyEncoderSetsExactlyOneSource(t *testing.T) {
	t.Parallel()

	enc := NewHeaderBodyEncoder("openclaw")
	for _, key := range allKeys {
		headers, body := core.Headers{}, core.Body{}
		enc.Encode(key, headers, body)

		_, inHeader := headers["x-openclaw-session-key"]
		_, inBody := body[UserField]
		assert.True(t, inHeader != inBody, "key %s: header=%v body=%v", key.Key(), inHeader, inBody)
	}
}

func TestHeaderBodyEncoderValues(t *testing.T) {
	t.Parallel()

	enc := NewHeaderBodyEncoder("OpenClaw")

	headers, body := core.Headers{}, core.Body{}
	enc.Encode(domain.OwnerSession{}, headers, body)
	assert.Equal(t, core.Headers{"x-openclaw-session-key": "main"}, headers)
	assert.Empty(t, body)

	headers, body = core.Headers{}, core.Body{"model": "m"}
	enc.Encode(domain.RoomSession{Label: "standup"}, headers, body)
	assert.Empty(t, headers)
	assert.Equal(t, core.Body{"model": "m", "user": "room_standup"}, body)
}

func TestHeaderBodyEncoderReusedMapsKeepOneSource(t *testing.T) {
	t.Parallel()

	enc := NewHeaderBodyEncoder("openclaw")
	headers, body := core.Headers{}, core.Body{}
	enc.Encode(domain.GuestSession{Identity: "bob"}, headers, body)
	enc.Encode(domain.OwnerSession{}, headers, body)

	assert.Equal(t, "main", headers["x-openclaw-session-key"])
	assert.NotContains(t, body, UserField)
}

func TestSessionKeyToChannel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "main", SessionKeyToChannel(domain.OwnerSession{}))
	assert.Equal(t, "guest:bob", SessionKeyToChannel(domain.GuestSession{Identity: "bob"}))
	assert.Equal(t, "guest:user_name", SessionKeyToChannel(domain.GuestSession{Identity: "user_name"}))
	assert.Equal(t, "room:team_sync_a", SessionKeyToChannel(domain.RoomSession{Label: "team_sync_a"}))
}

func TestChannelEncoder(t *testing.T) {
	t.Parallel()

	enc := NewChannelEncoder("hermes", "voice", nil)
	headers := core.Headers{}
	enc.Encode(domain.GuestSession{Identity: "bob"}, headers, core.Body{})
	assert.Equal(t, core.Headers{"X-Hermes-Channel": "guest:bob"}, headers)
}

func TestChannelEncoderLegacyFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    core.Participant
		want string
	}{
		{"override wins", core.Participant{Identity: "bob", Room: domain.RoomContext{OverrideID: "fixed", Label: "r"}}, "voice:fixed"},
		{"identity", core.Participant{Identity: "bob", Room: domain.RoomContext{Label: "r", ParticipantSID: "PA_1"}}, "voice:bob"},
		{"label and participant", core.Participant{Room: domain.RoomContext{Label: "r", InstanceID: "RM_1", ParticipantSID: "PA_1"}}, "voice:r_PA_1"},
		{"instance and participant", core.Participant{Room: domain.RoomContext{InstanceID: "RM_1", ParticipantSID: "PA_1"}}, "voice:RM_1_PA_1"},
		{"random", core.Participant{Room: domain.RoomContext{InstanceID: "RM_1"}}, "voice:rand-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.p
			enc := ChannelEncoder{
				Backend:   "hermes",
				Namespace: "voice",
				Context:   func() core.Participant { return p },
				NewID:     func() string { return "rand-1" },
			}
			headers := core.Headers{}
			enc.Encode(nil, headers, core.Body{})
			assert.Equal(t, tt.want, headers["X-Hermes-Channel"])
		})
	}
}

func TestMetadataOverlayIsInformationalOnly(t *testing.T) {
	t.Parallel()

	p := core.Participant{
		Identity: "alice",
		Room:     domain.RoomContext{Label: "standup", InstanceID: "RM_9", ParticipantSID: "PA_3"},
	}
	enc := WithMetadata{
		Encoder:     NewHeaderBodyEncoder("openclaw"),
		Overlay:     MetadataOverlay{Backend: "openclaw"},
		Participant: func() core.Participant { return p },
	}
	headers, body := core.Headers{}, core.Body{}
	enc.Encode(domain.GuestSession{Identity: "alice"}, headers, body)

	assert.Equal(t, core.Headers{
		"X-Openclaw-Room-SID":             "RM_9",
		"X-Openclaw-Room-Name":            "standup",
		"X-Openclaw-Participant-Identity": "alice",
		"X-Openclaw-Participant-SID":      "PA_3",
	}, headers)
	assert.Equal(t, "guest_alice", body[UserField])
}
