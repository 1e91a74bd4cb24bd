package core

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dkeye/continuity/internal/domain"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	all := []domain.Verification{domain.VerificationUnknown, domain.VerificationOwner, domain.VerificationGuest}

	tests := []struct {
		name         string
		participants uint
		identity     domain.Identity
		label        domain.RoomName
		verification []domain.Verification
		want         domain.SessionKey
	}{
		{"multi party ignores verification", 2, "alice", "standup", all, domain.RoomSession{Label: "standup"}},
		{"large room", 12, "", "all-hands", all, domain.RoomSession{Label: "all-hands"}},
		{"solo owner", 1, "alice", "standup", []domain.Verification{domain.VerificationOwner}, domain.OwnerSession{}},
		{"empty room owner", 0, "alice", "standup", []domain.Verification{domain.VerificationOwner}, domain.OwnerSession{}},
		{"solo guest", 1, "bob", "standup", []domain.Verification{domain.VerificationGuest, domain.VerificationUnknown}, domain.GuestSession{Identity: "bob"}},
		{"empty room guest", 0, "bob", "standup", []domain.Verification{domain.VerificationUnknown}, domain.GuestSession{Identity: "bob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, v := range tt.verification {
				got := Resolve(tt.participants, tt.identity, tt.label, v)
				assert.Equal(t, tt.want, got, "verification=%s", v)
				assert.Equal(t, got, Resolve(tt.participants, tt.identity, tt.label, v), "resolve must be pure")
			}
		})
	}
}

func TestResolveKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "main", Resolve(1, "alice", "standup", domain.VerificationOwner).Key())
	assert.Equal(t, "room_standup", Resolve(3, "alice", "standup", domain.VerificationOwner).Key())
	// Separator characters in identities are kept verbatim.
	assert.Equal(t, "guest_carol@example.com", Resolve(1, "carol@example.com", "x", domain.VerificationGuest).Key())
	assert.Equal(t, "guest_user_name", Resolve(0, "user_name", "x", domain.VerificationUnknown).Key())
}

func TestResolveWithOwner(t *testing.T) {
	t.Parallel()

	assert.Equal(t, domain.OwnerSession{}, ResolveWithOwner(1, "alice", "r", "alice"))
	assert.Equal(t, domain.GuestSession{Identity: "Alice"}, ResolveWithOwner(1, "Alice", "r", "alice"), "match is case sensitive")
	assert.Equal(t, domain.GuestSession{Identity: ""}, ResolveWithOwner(1, "", "r", ""), "empty owner never matches")
	assert.Equal(t, domain.RoomSession{Label: "r"}, ResolveWithOwner(2, "alice", "r", "alice"))
}

func TestResolveNotCachedAcrossParticipantChange(t *testing.T) {
	t.Parallel()

	rc := domain.RoomContext{Label: "standup", Participants: 1}
	assert.Equal(t, domain.OwnerSession{}, ResolveContext(rc, "alice", domain.VerificationOwner))

	rc.Participants = 2
	assert.Equal(t, domain.RoomSession{Label: "standup"}, ResolveContext(rc, "alice", domain.VerificationOwner))
}
