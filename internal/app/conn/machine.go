// Package conn owns the lifecycle of the client's physical connection:
// connecting, connected, reconnecting and failed. All transitions are
// serialized by one mutex and at most one reconnect sequence runs at a time.
package conn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/continuity/internal/domain"
)

var (
	ErrDisposed      = errors.New("connection disposed")
	ErrAlreadyActive = errors.New("connection already active")
	ErrCanceled      = errors.New("connect canceled")
)

// Link establishes and drops the physical transport. Dial is expected to
// re-resolve the session key before establishing, since room facts may
// have changed since the previous connection.
type Link interface {
	Dial(ctx context.Context) error
	// Drop closes the current transport and clears transport-scoped buffers.
	Drop()
}

// AppStateResetter is implemented by links that own conversation state
// which should be wiped on a non-preserving disconnect.
type AppStateResetter interface {
	ResetApplicationState()
}

// ReasonCarrier lets a Dial error carry a disconnect classification.
type ReasonCarrier interface {
	DisconnectReason() domain.DisconnectReason
}

// LinkLostError reports a transport that went down while it was still
// being established.
type LinkLostError struct {
	Reason domain.DisconnectReason
}

func (e *LinkLostError) Error() string {
	return "link lost while dialing: " + string(e.Reason)
}

func (e *LinkLostError) DisconnectReason() domain.DisconnectReason { return e.Reason }

type sequence struct {
	ctx    context.Context
	cancel context.CancelFunc
	reason domain.ReconnectReason
	cause  domain.DisconnectReason
	// lost is the disconnect signal received during the current dial.
	lost domain.DisconnectReason
}

// Machine is the connection state machine for one logical client.
type Machine struct {
	cfg    Config
	link   Link
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	snap     domain.ConnectionSnapshot
	disposed bool
	// seq is the single slot for the in-flight connect or reconnect sequence.
	seq    *sequence
	online bool
	netCh  chan struct{}

	subs    map[int]chan domain.ConnectionSnapshot
	nextSub int

	deviceDebounced func(f func())
	sequences       atomic.Int64
}

func NewMachine(cfg Config, link Link) *Machine {
	cfg = cfg.withDefaults()
	m := &Machine{
		cfg:             cfg,
		link:            link,
		logger:          log.With().Str("module", "conn").Logger(),
		now:             time.Now,
		online:          true,
		netCh:           make(chan struct{}),
		subs:            make(map[int]chan domain.ConnectionSnapshot),
		deviceDebounced: debounce.New(cfg.DeviceDebounce),
	}
	m.snap = domain.ConnectionSnapshot{State: domain.StateIdle, ChangedAt: m.now()}
	return m
}

// Snapshot returns the current state. Safe for concurrent use.
func (m *Machine) Snapshot() domain.ConnectionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Sequences reports how many reconnect sequences have been started.
func (m *Machine) Sequences() int64 { return m.sequences.Load() }

// Subscribe streams every state change. The returned cancel func must be
// called to release the subscription. Slow subscribers miss events.
func (m *Machine) Subscribe() (<-chan domain.ConnectionSnapshot, func()) {
	ch := make(chan domain.ConnectionSnapshot, 64)
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

// Connect starts a new connect cycle from idle or failed and blocks until
// the transport is established, fails, or Disconnect cancels it.
func (m *Machine) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	if m.snap.State != domain.StateIdle && m.snap.State != domain.StateFailed {
		state := m.snap.State
		m.mu.Unlock()
		m.logger.Warn().Str("state", string(state)).Msg("connect ignored")
		return ErrAlreadyActive
	}
	seqCtx, cancel := context.WithCancel(ctx)
	seq := &sequence{ctx: seqCtx, cancel: cancel}
	m.seq = seq
	m.setLocked(domain.ConnectionSnapshot{State: domain.StateConnecting})
	m.mu.Unlock()

	m.logger.Info().Msg("connecting")
	err := m.link.Dial(seqCtx)

	m.mu.Lock()
	if m.seq != seq {
		// Disconnect or Dispose took over while dialing.
		m.mu.Unlock()
		cancel()
		if err == nil {
			return ErrCanceled
		}
		return errors.Join(ErrCanceled, err)
	}
	m.seq = nil
	cancel()
	if err == nil && seq.lost != "" {
		err = &LinkLostError{Reason: seq.lost}
	}
	if err == nil {
		m.setLocked(domain.ConnectionSnapshot{State: domain.StateConnected})
		m.mu.Unlock()
		m.logger.Info().Msg("connected")
		return nil
	}

	cause := reasonOf(err, domain.DisconnectJoinFailure)
	var lost *LinkLostError
	if errors.As(err, &lost) && cause.Retryable() {
		m.startSequenceLocked(domain.ReconnectTransient, cause)
		m.mu.Unlock()
		m.logger.Warn().Str("cause", string(cause)).Msg("link lost while connecting, reconnecting")
		return err
	}
	cerr := &domain.ConnectionError{Reason: string(cause), Err: err}
	m.setLocked(domain.ConnectionSnapshot{State: domain.StateFailed, Cause: cause, Err: cerr.Error()})
	m.mu.Unlock()
	m.logger.Error().Err(err).Str("cause", string(cause)).Msg("connect failed")
	m.link.Drop()
	return cerr
}

// OnTransportDisconnected is called once the transport's own retry has
// given up. Retryable reasons start a reconnect sequence; the rest fail.
func (m *Machine) OnTransportDisconnected(reason domain.DisconnectReason) {
	m.mu.Lock()
	if !m.disposed && m.seq != nil {
		// A link that dies while being dialed is settled once Dial returns.
		// A non-retryable reason wins over a retryable one.
		if m.seq.lost == "" || !reason.Retryable() {
			m.seq.lost = reason
		}
		m.mu.Unlock()
		m.logger.Info().Str("reason", string(reason)).Msg("disconnect signal recorded for in-flight dial")
		return
	}
	if m.disposed || m.snap.State != domain.StateConnected {
		state := m.snap.State
		m.mu.Unlock()
		m.logger.Warn().Str("reason", string(reason)).Str("state", string(state)).Msg("disconnect signal ignored")
		return
	}
	if !reason.Retryable() {
		cerr := &domain.ConnectionError{Reason: string(reason)}
		m.setLocked(domain.ConnectionSnapshot{State: domain.StateFailed, Cause: reason, Err: cerr.Error()})
		m.mu.Unlock()
		m.logger.Error().Str("reason", string(reason)).Msg("non-retryable disconnect")
		m.link.Drop()
		return
	}
	m.startSequenceLocked(domain.ReconnectTransient, reason)
	m.mu.Unlock()
}

// Resume is the app foreground trigger: a connected client re-establishes
// its transport, a failed one starts a fresh reconnect sequence.
func (m *Machine) Resume() {
	m.mu.Lock()
	if m.disposed || m.seq != nil ||
		(m.snap.State != domain.StateConnected && m.snap.State != domain.StateFailed) {
		m.mu.Unlock()
		m.logger.Debug().Msg("resume ignored")
		return
	}
	m.startSequenceLocked(domain.ReconnectTransient, domain.DisconnectUnknown)
	m.mu.Unlock()
}

// OnReachabilityChanged feeds the network oracle. While reconnecting,
// going offline pauses the sequence. While connected it is only recorded:
// the transport runs its own recovery and reports through
// OnTransportDisconnected once it gives up.
func (m *Machine) OnReachabilityChanged(online bool) {
	m.mu.Lock()
	if m.disposed || m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	close(m.netCh)
	m.netCh = make(chan struct{})
	m.mu.Unlock()
	m.logger.Info().Bool("online", online).Msg("reachability changed")
}

// OnDeviceChanged coalesces bursts of network-interface changes into one
// reconnect after a quiet period.
func (m *Machine) OnDeviceChanged() {
	m.deviceDebounced(m.deviceChanged)
}

func (m *Machine) deviceChanged() {
	m.mu.Lock()
	if m.disposed || m.snap.State != domain.StateConnected || m.seq != nil {
		m.mu.Unlock()
		return
	}
	m.startSequenceLocked(domain.ReconnectDeviceChange, domain.DisconnectGeneric)
	m.mu.Unlock()
}

// Disconnect cancels any pending wait, backoff or dial and moves to idle.
// Conversation state survives unless preserve is false.
func (m *Machine) Disconnect(preserve bool) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	if m.seq != nil {
		m.seq.cancel()
		m.seq = nil
	}
	m.setLocked(domain.ConnectionSnapshot{State: domain.StateIdle})
	m.mu.Unlock()

	m.logger.Info().Bool("preserve", preserve).Msg("disconnected by caller")
	m.link.Drop()
	if !preserve {
		if r, ok := m.link.(AppStateResetter); ok {
			r.ResetApplicationState()
		}
	}
}

// Dispose moves to idle for good. No further transitions happen.
func (m *Machine) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	if m.seq != nil {
		m.seq.cancel()
		m.seq = nil
	}
	m.setLocked(domain.ConnectionSnapshot{State: domain.StateIdle})
	m.disposed = true
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.mu.Unlock()

	m.logger.Info().Msg("disposed")
	m.link.Drop()
}

// startSequenceLocked claims the single sequence slot. Callers hold m.mu.
func (m *Machine) startSequenceLocked(reason domain.ReconnectReason, cause domain.DisconnectReason) bool {
	if m.seq != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	seq := &sequence{ctx: ctx, cancel: cancel, reason: reason, cause: cause}
	m.seq = seq
	m.sequences.Add(1)
	shown := reason
	if !m.online {
		shown = domain.ReconnectOffline
	}
	m.setLocked(domain.ConnectionSnapshot{
		State:   domain.StateReconnecting,
		Reason:  shown,
		Attempt: 1,
		Cause:   cause,
	})
	m.logger.Info().Str("reason", string(reason)).Str("cause", string(cause)).Msg("reconnect sequence started")
	go m.run(seq)
	return true
}

func (m *Machine) run(seq *sequence) {
	logger := m.logger.With().Str("reason", string(seq.reason)).Logger()
	// The old transport is dead; nothing chunked for it can be resumed.
	m.link.Drop()
	schedule := m.cfg.backoff()
	attempt := 1
	for {
		delay, _ := schedule.Next()
		if err := m.wait(seq, delay); err != nil {
			logger.Debug().Int("attempt", attempt).Msg("reconnect sequence canceled while waiting")
			return
		}

		if !m.beginDial(seq) {
			return
		}
		logger.Info().Int("attempt", attempt).Msg("reconnect attempt")
		err := m.link.Dial(seq.ctx)
		if seq.ctx.Err() != nil {
			return
		}
		if err == nil {
			err = m.complete(seq)
			if err == nil {
				logger.Info().Int("attempt", attempt).Msg("reconnected")
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
		}

		cause := reasonOf(err, seq.cause)
		if !cause.Retryable() || domain.IsAuthError(err) || attempt >= m.cfg.MaxAttempts {
			cerr := &domain.ConnectionError{Reason: string(cause), Attempts: attempt, Err: err}
			if m.finish(seq, domain.ConnectionSnapshot{State: domain.StateFailed, Cause: cause, Err: cerr.Error()}) {
				m.link.Drop()
			}
			logger.Error().Err(err).Int("attempt", attempt).Str("cause", string(cause)).Msg("reconnect failed")
			return
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		attempt++
		if !m.advance(seq, attempt, cause) {
			return
		}
	}
}

// wait holds the sequence until the network is reachable and the backoff
// delay has elapsed while online. Going offline mid-delay restarts the delay.
func (m *Machine) wait(seq *sequence, delay time.Duration) error {
	for {
		changed, err := m.waitOnline(seq)
		if err != nil {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-seq.ctx.Done():
			timer.Stop()
			return seq.ctx.Err()
		case <-changed:
			timer.Stop()
		case <-timer.C:
			return nil
		}
	}
}

// waitOnline blocks while offline without counting an attempt. It returns
// a channel closed on the next reachability change.
func (m *Machine) waitOnline(seq *sequence) (<-chan struct{}, error) {
	paused := false
	for {
		m.mu.Lock()
		if m.seq != seq {
			m.mu.Unlock()
			return nil, context.Canceled
		}
		online, changed := m.online, m.netCh
		if online {
			if paused {
				s := m.snap
				s.Reason = seq.reason
				m.setLocked(s)
			}
			m.mu.Unlock()
			return changed, nil
		}
		if !paused {
			paused = true
			if m.snap.Reason != domain.ReconnectOffline {
				s := m.snap
				s.Reason = domain.ReconnectOffline
				m.setLocked(s)
			}
			m.logger.Info().Int("attempt", m.snap.Attempt).Msg("offline, waiting for network")
		}
		m.mu.Unlock()

		select {
		case <-seq.ctx.Done():
			return nil, seq.ctx.Err()
		case <-changed:
		}
	}
}

func (m *Machine) advance(seq *sequence, attempt int, cause domain.DisconnectReason) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seq != seq {
		return false
	}
	seq.cause = cause
	m.setLocked(domain.ConnectionSnapshot{
		State:   domain.StateReconnecting,
		Reason:  seq.reason,
		Attempt: attempt,
		Cause:   cause,
	})
	return true
}

func (m *Machine) finish(seq *sequence, s domain.ConnectionSnapshot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seq != seq {
		return false
	}
	m.seq = nil
	seq.cancel()
	m.setLocked(s)
	return true
}

// beginDial forgets signals from before this attempt; only the link being
// dialed can report a loss.
func (m *Machine) beginDial(seq *sequence) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seq != seq {
		return false
	}
	seq.lost = ""
	return true
}

// complete moves to connected unless the dialed link was reported lost.
func (m *Machine) complete(seq *sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seq != seq {
		return context.Canceled
	}
	if seq.lost != "" {
		err := &LinkLostError{Reason: seq.lost}
		seq.lost = ""
		return err
	}
	m.seq = nil
	seq.cancel()
	m.setLocked(domain.ConnectionSnapshot{State: domain.StateConnected})
	return nil
}

// setLocked publishes a new snapshot to subscribers. Callers hold m.mu.
func (m *Machine) setLocked(s domain.ConnectionSnapshot) {
	s.ChangedAt = m.now()
	m.snap = s
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
			m.logger.Warn().Str("state", string(s.State)).Msg("subscriber backpressure, event dropped")
		}
	}
}

func reasonOf(err error, fallback domain.DisconnectReason) domain.DisconnectReason {
	var rc ReasonCarrier
	if errors.As(err, &rc) {
		return rc.DisconnectReason()
	}
	return fallback
}
