package domain

import "time"

// ConnectionState models the client connection lifecycle.
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

// ReconnectReason is the sub-reason carried while reconnecting.
type ReconnectReason string

const (
	ReconnectTransient    ReconnectReason = "transient"
	ReconnectOffline      ReconnectReason = "offline"
	ReconnectDeviceChange ReconnectReason = "device-change"
)

// DisconnectReason classifies why a transport session ended.
type DisconnectReason string

const (
	// retryable
	DisconnectGeneric         DisconnectReason = "disconnected"
	DisconnectSignalFailure   DisconnectReason = "signalFailure"
	DisconnectRetriesExceeded DisconnectReason = "retriesExceeded"
	DisconnectUnknown         DisconnectReason = "unknown"

	// non-retryable
	DisconnectClientInitiated    DisconnectReason = "clientInitiated"
	DisconnectDuplicateIdentity  DisconnectReason = "duplicateIdentity"
	DisconnectParticipantRemoved DisconnectReason = "participantRemoved"
	DisconnectRoomDeleted        DisconnectReason = "roomDeleted"
	DisconnectServerShutdown     DisconnectReason = "serverShutdown"
	DisconnectJoinFailure        DisconnectReason = "joinFailure"
	DisconnectStateMismatch      DisconnectReason = "stateMismatch"
)

// Retryable reports whether the app-level retry loop may recover from the reason.
// Unrecognised reasons are treated as unknown, which is retryable.
func (r DisconnectReason) Retryable() bool {
	switch r {
	case DisconnectClientInitiated,
		DisconnectDuplicateIdentity,
		DisconnectParticipantRemoved,
		DisconnectRoomDeleted,
		DisconnectServerShutdown,
		DisconnectJoinFailure,
		DisconnectStateMismatch:
		return false
	default:
		return true
	}
}

// ConnectionSnapshot is a read-only view of the connection state.
type ConnectionSnapshot struct {
	State     ConnectionState  `json:"state"`
	Reason    ReconnectReason  `json:"reason,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`
	Cause     DisconnectReason `json:"cause,omitempty"`
	Err       string           `json:"error,omitempty"`
	ChangedAt time.Time        `json:"changed_at"`
}

// Terminal reports whether the snapshot shows a failed connection.
func (s ConnectionSnapshot) Terminal() bool { return s.State == StateFailed }
