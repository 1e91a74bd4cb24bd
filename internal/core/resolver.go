package core

import "github.com/dkeye/continuity/internal/domain"

// Resolve maps the facts of the current room to a routing key.
// It is total and pure: the same inputs always yield the same key.
//
// Multi-party rooms share one context regardless of who is speaking,
// so identity and verification are ignored once more than one other
// participant is present.
func Resolve(participants uint, identity domain.Identity, label domain.RoomName, v domain.Verification) domain.SessionKey {
	if participants > 1 {
		return domain.RoomSession{Label: label}
	}
	if v == domain.VerificationOwner {
		return domain.OwnerSession{}
	}
	return domain.GuestSession{Identity: identity}
}

// ResolveWithOwner is Resolve for deployments without a speaker-verification
// signal: the caller is the owner iff its identity equals owner exactly.
func ResolveWithOwner(participants uint, identity domain.Identity, label domain.RoomName, owner domain.Identity) domain.SessionKey {
	return Resolve(participants, identity, label, VerifyByIdentity(identity, owner))
}

// VerifyByIdentity compares identities byte for byte. An empty owner never matches.
func VerifyByIdentity(identity, owner domain.Identity) domain.Verification {
	if owner != "" && identity == owner {
		return domain.VerificationOwner
	}
	return domain.VerificationGuest
}

// ResolveContext is a convenience over Resolve for a full RoomContext.
func ResolveContext(rc domain.RoomContext, identity domain.Identity, v domain.Verification) domain.SessionKey {
	return Resolve(rc.Participants, identity, rc.Label, v)
}
