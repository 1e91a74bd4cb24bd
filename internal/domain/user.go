// Package domain holds the types shared across layers: identities, session
// keys, room facts, connection states and the error taxonomy.
package domain

import "errors"

const MaxIdentityLen = 256

var (
	ErrIdentityEmpty   = errors.New("identity empty")
	ErrIdentityTooLong = errors.New("identity too long")
)

// Identity names a participant stably across reconnects.
// It is supplied by the caller and never generated here.
type Identity string

func (id Identity) Validate() error {
	if len(id) == 0 {
		return ErrIdentityEmpty
	}
	if len(id) > MaxIdentityLen {
		return ErrIdentityTooLong
	}
	return nil
}

// Verification is the speaker-verification signal produced outside this module.
type Verification int

const (
	VerificationUnknown Verification = iota
	VerificationOwner
	VerificationGuest
)

func (v Verification) String() string {
	switch v {
	case VerificationOwner:
		return "owner"
	case VerificationGuest:
		return "guest"
	default:
		return "unknown"
	}
}

// ParseVerification maps the wire value to a Verification; anything unrecognised is unknown.
func ParseVerification(s string) Verification {
	switch s {
	case "owner":
		return VerificationOwner
	case "guest":
		return VerificationGuest
	default:
		return VerificationUnknown
	}
}
