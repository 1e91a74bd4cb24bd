package app

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/continuity/internal/domain"
)

func TestDeriveSessionIDPriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rc   domain.RoomContext
		id   domain.Identity
		want string
	}{
		{"override", domain.RoomContext{OverrideID: "ovr", InstanceID: "RM_1", Label: "r"}, "alice", "ovr"},
		{"instance and identity", domain.RoomContext{InstanceID: "RM_1", Label: "r"}, "alice", "RM_1:alice"},
		{"label and identity", domain.RoomContext{Label: "r"}, "alice", "r:alice"},
		{"instance alone", domain.RoomContext{InstanceID: "RM_1", Label: "r"}, "", "RM_1"},
		{"nothing", domain.RoomContext{}, "", DefaultSessionID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveSessionID(tt.rc, tt.id))
		})
	}
}

func TestRegistryCreateOrTouch(t *testing.T) {
	t.Parallel()

	r := NewRegistry(true)
	clock := newClock()
	r.now = clock.Now

	rc := domain.RoomContext{InstanceID: "RM_1", Label: "standup"}
	first := r.CreateOrTouch(rc, "alice")
	assert.Equal(t, "RM_1:alice", first.ID)
	assert.Equal(t, domain.LifecycleActive, first.State)
	assert.Zero(t, first.RequestCount)

	clock.Advance(time.Minute)
	r.SetState(first.ID, domain.LifecycleReconnecting)
	second := r.CreateOrTouch(rc, "alice")
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, first.CreatedAt.Add(time.Minute), second.LastActivityAt)
	assert.Equal(t, domain.LifecycleReconnecting, second.State, "touch leaves state unchanged")
}

func TestRegistryTrackingDisabledNeverStores(t *testing.T) {
	t.Parallel()

	r := NewRegistry(false)
	s := r.CreateOrTouch(domain.RoomContext{Label: "r"}, "alice")
	assert.Equal(t, "r:alice", s.ID)
	assert.Equal(t, domain.LifecycleActive, s.State)

	_, ok := r.Get(s.ID)
	assert.False(t, ok)
	assert.False(t, r.IsActive(s.ID))
	assert.Empty(t, r.List())
}

func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()

	r := NewRegistry(true)
	s := r.CreateOrTouch(domain.RoomContext{OverrideID: "s1"}, "alice")
	assert.True(t, r.IsActive(s.ID))

	require.True(t, r.Expire(s.ID))
	got, ok := r.Get(s.ID)
	require.True(t, ok, "expire must not delete")
	assert.Equal(t, domain.LifecycleExpired, got.State)
	assert.False(t, r.IsActive(s.ID))

	assert.True(t, r.Remove(s.ID))
	assert.False(t, r.Remove(s.ID))
	assert.False(t, r.SetState(s.ID, domain.LifecycleActive))

	r.CreateOrTouch(domain.RoomContext{OverrideID: "a"}, "")
	r.CreateOrTouch(domain.RoomContext{OverrideID: "b"}, "")
	assert.Len(t, r.List(), 2)
	r.Clear()
	assert.Empty(t, r.List())
}

func TestRegistryRecordSuccessReactivates(t *testing.T) {
	t.Parallel()

	r := NewRegistry(true)
	s := r.CreateOrTouch(domain.RoomContext{OverrideID: "s1"}, "")
	r.SetState(s.ID, domain.LifecycleReconnecting)

	r.RecordSuccess(s.ID)
	r.RecordSuccess(s.ID)

	got, _ := r.Get(s.ID)
	assert.Equal(t, domain.LifecycleActive, got.State)
	assert.EqualValues(t, 2, got.RequestCount)
}

func TestRegistryRecordFailure(t *testing.T) {
	t.Parallel()

	r := NewRegistry(true)
	s := r.CreateOrTouch(domain.RoomContext{OverrideID: "s1"}, "")

	authErr := &domain.AuthError{Code: domain.AuthTokenExpired, Status: 401}
	assert.Same(t, authErr, r.RecordFailure(s.ID, authErr))
	assert.True(t, r.IsActive(s.ID), "auth errors do not touch the session")

	err := r.RecordFailure(s.ID, &domain.SessionError{Reason: domain.SessionExpired})
	var se *domain.SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "s1", se.SessionID)
	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, domain.LifecycleExpired, got.State)

	plain := errors.New("boom")
	assert.Same(t, plain, r.RecordFailure(s.ID, plain))
}

func TestRegistryConcurrentRequestsShareSession(t *testing.T) {
	t.Parallel()

	r := NewRegistry(true)
	rc := domain.RoomContext{InstanceID: "RM_1"}
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := r.CreateOrTouch(rc, "alice")
			r.RecordSuccess(s.ID)
			_ = r.IsActive(s.ID)
		}()
	}
	wg.Wait()

	got, ok := r.Get("RM_1:alice")
	require.True(t, ok)
	assert.EqualValues(t, 50, got.RequestCount)
	assert.Len(t, r.List(), 1)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
