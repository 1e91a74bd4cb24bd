package domain

import "time"

// LifecycleState is the tracked state of a managed session.
type LifecycleState string

const (
	LifecycleActive       LifecycleState = "active"
	LifecycleReconnecting LifecycleState = "reconnecting"
	LifecycleExpired      LifecycleState = "expired"
)

// ManagedSession is the in-memory record of one backend session.
// It outlives any single transport connection.
type ManagedSession struct {
	ID             string         `json:"id"`
	State          LifecycleState `json:"state"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	RequestCount   uint64         `json:"request_count"`
}
