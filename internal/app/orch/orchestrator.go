package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/continuity/internal/app"
	"github.com/dkeye/continuity/internal/core"
	"github.com/dkeye/continuity/internal/core/chunk"
	"github.com/dkeye/continuity/internal/domain"
)

var ErrNoTransport = errors.New("no transport")

// Event kinds understood on the inbound data channel.
const (
	KindRoom  = "room"
	KindReply = "reply"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation history.
type Message struct {
	Role Role            `json:"role"`
	Key  string          `json:"key"`
	Body json.RawMessage `json:"body"`
	At   time.Time       `json:"at"`
}

// AppState is the conversation state that survives reconnects.
type AppState struct {
	History []Message `json:"history"`
	Pending bool      `json:"pending"`
	Muted   bool      `json:"muted"`
}

// roomUpdate is the payload of a KindRoom event.
type roomUpdate struct {
	Label          domain.RoomName `json:"label"`
	InstanceID     domain.RoomID   `json:"instance_id"`
	Participants   uint            `json:"participants"`
	ParticipantSID string          `json:"participant_sid"`
	// Verification, when present, replaces the current speaker
	// verification. An empty string clears it.
	Verification *string `json:"verification,omitempty"`
}

// Orchestrator ties the room, the current transport and the backend
// together. It is the Link driven by the connection state machine.
type Orchestrator struct {
	Registry    *app.Registry
	Backend     core.Backend
	Establisher core.Establisher
	Self        domain.Identity
	Owner       domain.Identity

	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	room      domain.RoomContext
	key       domain.SessionKey
	transport core.Transport
	reasm     *chunk.Reassembler
	levels    []float32
	state     AppState

	// verification comes from an external speaker check. Without one the
	// owner is recognised by identity.
	verification    domain.Verification
	hasVerification bool
}

func New(reg *app.Registry, backend core.Backend, est core.Establisher, self, owner domain.Identity) *Orchestrator {
	return &Orchestrator{
		Registry:    reg,
		Backend:     backend,
		Establisher: est,
		Self:        self,
		Owner:       owner,
		logger:      log.With().Str("module", "app.orch").Logger(),
		now:         time.Now,
		reasm:       chunk.NewReassembler(),
	}
}

// SetRoom replaces the known room facts. The key is re-resolved on the
// next Dial or Do.
func (o *Orchestrator) SetRoom(rc domain.RoomContext) {
	o.mu.Lock()
	o.room = rc
	o.mu.Unlock()
}

func (o *Orchestrator) Room() domain.RoomContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.room
}

// Participant is the metadata source for backend encoders.
func (o *Orchestrator) Participant() core.Participant {
	o.mu.Lock()
	defer o.mu.Unlock()
	return core.Participant{Identity: o.Self, Room: o.room}
}

// Key resolves the session key from the current room facts.
func (o *Orchestrator) Key() domain.SessionKey {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resolveLocked()
}

func (o *Orchestrator) resolveLocked() domain.SessionKey {
	v := o.verification
	if !o.hasVerification {
		v = core.VerifyByIdentity(o.Self, o.Owner)
	}
	return core.ResolveContext(o.room, o.Self, v)
}

// SetVerification installs the speaker verification result. It takes
// precedence over the configured owner identity until cleared.
func (o *Orchestrator) SetVerification(v domain.Verification) {
	o.mu.Lock()
	o.verification = v
	o.hasVerification = true
	o.mu.Unlock()
	o.logger.Info().Stringer("verification", v).Msg("verification set")
}

// ClearVerification falls back to recognising the owner by identity.
func (o *Orchestrator) ClearVerification() {
	o.mu.Lock()
	o.verification = domain.VerificationUnknown
	o.hasVerification = false
	o.mu.Unlock()
	o.logger.Info().Msg("verification cleared")
}

// Verification reports the active verification and whether it came from
// an external check.
func (o *Orchestrator) Verification() (domain.Verification, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.hasVerification {
		return o.verification, true
	}
	return core.VerifyByIdentity(o.Self, o.Owner), false
}

// Dial establishes a fresh transport. Transport buffers start empty;
// application state is kept.
func (o *Orchestrator) Dial(ctx context.Context) error {
	o.mu.Lock()
	rc := o.room
	key := o.resolveLocked()
	o.mu.Unlock()

	t, err := o.Establisher.Establish(ctx, rc)
	if err != nil {
		return fmt.Errorf("establish: %w", err)
	}

	o.mu.Lock()
	if ctx.Err() != nil {
		o.mu.Unlock()
		_ = t.Close()
		return ctx.Err()
	}
	old := o.transport
	o.transport = t
	o.reasm.Reset()
	o.levels = nil
	o.switchKeyLocked(key)
	o.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if o.Registry != nil {
		o.Registry.CreateOrTouch(rc, o.Self)
	}
	o.logger.Info().Str("key", key.Key()).Str("room", string(rc.Label)).Uint("participants", rc.Participants).Msg("transport established")
	return nil
}

// switchKeyLocked records the active key. Upgrading from a guest key to
// the owner key drops the guest history instead of merging it.
func (o *Orchestrator) switchKeyLocked(key domain.SessionKey) {
	prev := o.key
	o.key = key
	if prev == nil || prev.Key() == key.Key() {
		return
	}
	if prev.Type() == domain.KeyTypeGuest && key.Type() == domain.KeyTypeOwner {
		o.state.History = nil
		o.logger.Info().Str("from", prev.Key()).Msg("guest history discarded on owner upgrade")
	}
}

// Drop closes the current transport and clears transport-scoped buffers.
func (o *Orchestrator) Drop() {
	o.mu.Lock()
	t := o.transport
	o.transport = nil
	o.reasm.Reset()
	o.levels = nil
	o.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			o.logger.Debug().Err(err).Msg("close transport")
		}
	}
}

func (o *Orchestrator) ResetApplicationState() {
	o.mu.Lock()
	o.state = AppState{}
	o.key = nil
	o.mu.Unlock()
	o.logger.Info().Msg("application state reset")
}

// Send writes one frame to the current transport. It is the Outbox sink.
func (o *Orchestrator) Send(ctx context.Context, frame []byte) error {
	o.mu.Lock()
	t := o.transport
	o.mu.Unlock()
	if t == nil {
		return ErrNoTransport
	}
	return t.Send(ctx, frame)
}

// HandleFrame feeds one inbound data frame from src through the
// reassembler. Frames from any transport but the current one are dropped.
func (o *Orchestrator) HandleFrame(src core.Transport, data []byte) {
	o.mu.Lock()
	t := o.transport
	o.mu.Unlock()
	if !carries(t, src) {
		o.logger.Debug().Int("bytes", len(data)).Msg("frame from stale transport dropped")
		return
	}
	if h, ok := t.(core.SignalHandler); ok && h.HandleSignal(data) {
		return
	}

	var env chunk.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		o.logger.Warn().Err(err).Msg("bad inbound frame")
		return
	}
	kind, payload := env.Kind, []byte(env.Payload)
	if env.Type != chunk.TypeEvent {
		var done bool
		var err error
		kind, payload, done, err = o.reasm.Add(env)
		if err != nil {
			o.logger.Warn().Err(err).Str("type", env.Type).Str("transfer", env.TransferID).Msg("dropped chunk")
			return
		}
		if !done {
			return
		}
	}
	switch kind {
	case KindRoom:
		var ru roomUpdate
		if err := json.Unmarshal(payload, &ru); err != nil {
			o.logger.Warn().Err(err).Msg("bad room event")
			return
		}
		o.mu.Lock()
		o.room.Label = ru.Label
		o.room.InstanceID = ru.InstanceID
		o.room.Participants = ru.Participants
		if ru.ParticipantSID != "" {
			o.room.ParticipantSID = ru.ParticipantSID
		}
		o.mu.Unlock()
		if ru.Verification != nil {
			if *ru.Verification == "" {
				o.ClearVerification()
			} else {
				o.SetVerification(domain.ParseVerification(*ru.Verification))
			}
		}
	case KindReply:
		o.appendMessage(RoleAssistant, o.Key(), payload)
	default:
		o.logger.Debug().Str("kind", kind).Msg("unhandled event")
	}
}

// carries reports whether t is src or wraps it.
func carries(t, src core.Transport) bool {
	for t != nil {
		if t == src {
			return true
		}
		w, ok := t.(interface{ Unwrap() core.Transport })
		if !ok {
			return false
		}
		t = w.Unwrap()
	}
	return false
}

// RecordLevel stores an audio level sample for the current transport.
func (o *Orchestrator) RecordLevel(v float32) {
	o.mu.Lock()
	o.levels = append(o.levels, v)
	o.mu.Unlock()
}

func (o *Orchestrator) Levels() []float32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]float32(nil), o.levels...)
}

// PendingTransfers reports partially received chunked events.
func (o *Orchestrator) PendingTransfers() int { return o.reasm.Pending() }

func (o *Orchestrator) SetMuted(muted bool) {
	o.mu.Lock()
	o.state.Muted = muted
	o.mu.Unlock()
}

// State returns a copy of the application state.
func (o *Orchestrator) State() AppState {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.state
	s.History = append([]Message(nil), o.state.History...)
	return s
}

func (o *Orchestrator) appendMessage(role Role, key domain.SessionKey, body json.RawMessage) {
	o.mu.Lock()
	o.state.History = append(o.state.History, Message{Role: role, Key: key.Key(), Body: body, At: o.now()})
	o.mu.Unlock()
}

// Do sends one user turn to the backend under the current session key.
// Auth and session errors are returned as is and never retried.
func (o *Orchestrator) Do(ctx context.Context, body core.Body) (json.RawMessage, error) {
	o.mu.Lock()
	rc := o.room
	key := o.resolveLocked()
	o.switchKeyLocked(key)
	o.state.Pending = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.state.Pending = false
		o.mu.Unlock()
	}()

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal turn: %w", err)
	}
	o.appendMessage(RoleUser, key, raw)

	var sid string
	if o.Registry != nil {
		sid = o.Registry.CreateOrTouch(rc, o.Self).ID
	}
	reply, err := o.Backend.Send(ctx, core.BackendRequest{Key: key, SessionID: sid, Body: body})
	if err != nil {
		o.logger.Error().Err(err).Str("key", key.Key()).Str("sid", sid).Msg("backend request failed")
		return nil, err
	}
	o.appendMessage(RoleAssistant, key, reply)
	return reply, nil
}

// Watch keeps managed session lifecycles in step with the connection
// state until ctx is done or the subscription closes.
func (o *Orchestrator) Watch(ctx context.Context, events <-chan domain.ConnectionSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-events:
			if !ok {
				return
			}
			if o.Registry == nil {
				continue
			}
			switch s.State {
			case domain.StateReconnecting:
				o.Registry.MarkAll(domain.LifecycleActive, domain.LifecycleReconnecting)
			case domain.StateConnected:
				o.Registry.MarkAll(domain.LifecycleReconnecting, domain.LifecycleActive)
			}
		}
	}
}
