package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// candidateFailureWarnEvery controls how often repeated candidate failures
// are logged.
const candidateFailureWarnEvery = 5

// Engine wraps one Conn and enforces the offer/answer order. Each remote
// description is applied at most once no matter how often it is offered.
type Engine struct {
	callID string
	role   Role
	conn   Conn

	closed atomic.Bool

	mu        sync.Mutex
	localSet  bool
	remoteSet bool
	pending   []Candidate
	failures  int

	tracksMu sync.Mutex
	tracks   []RemoteTrack
	onTrack  func(RemoteTrack)
}

// NewEngine takes ownership of conn. Local candidates are passed to publish.
func NewEngine(callID string, role Role, conn Conn, publish func(Candidate)) *Engine {
	e := &Engine{callID: callID, role: role, conn: conn}

	conn.OnICECandidate(func(c Candidate) {
		if e.closed.Load() || publish == nil {
			return
		}
		publish(c)
	})
	conn.OnTrack(func(t RemoteTrack) {
		if e.closed.Load() {
			return
		}
		e.tracksMu.Lock()
		e.tracks = append(e.tracks, t)
		fn := e.onTrack
		e.tracksMu.Unlock()
		log.Infof("CALL [%s]: remote %s track %s", e.callID, t.Kind(), t.ID())
		if fn != nil {
			fn(t)
		}
	})
	return e
}

func (e *Engine) protocolErr(op, reason string) error {
	return &ProtocolError{CallID: e.callID, Op: op, Reason: reason}
}

// CreateOffer produces and applies the local offer.
func (e *Engine) CreateOffer(ctx context.Context) (Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed.Load():
		return Description{}, ErrDisposed
	case e.role != RoleCaller:
		return Description{}, e.protocolErr("create offer", "only the caller offers")
	case e.localSet || e.remoteSet:
		return Description{}, e.protocolErr("create offer", "a description is already set")
	}

	offer, err := e.conn.CreateOffer(ctx)
	if err != nil {
		return Description{}, fmt.Errorf("create offer: %w", err)
	}
	if err := e.conn.SetLocalDescription(offer); err != nil {
		return Description{}, fmt.Errorf("set local offer: %w", err)
	}
	e.localSet = true
	return offer, nil
}

// ApplyRemoteOffer sets the caller's offer on the callee's connection.
func (e *Engine) ApplyRemoteOffer(offer Description) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed.Load():
		return ErrDisposed
	case e.role != RoleCallee:
		return e.protocolErr("apply remote offer", "only the callee accepts an offer")
	case e.remoteSet:
		return e.protocolErr("apply remote offer", "remote description already set")
	}

	if err := e.conn.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	e.remoteSet = true
	e.flushLocked()
	return nil
}

// CreateAnswer produces and applies the local answer.
func (e *Engine) CreateAnswer(ctx context.Context) (Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed.Load():
		return Description{}, ErrDisposed
	case !e.remoteSet:
		return Description{}, e.protocolErr("create answer", "no remote offer applied")
	case e.localSet:
		return Description{}, e.protocolErr("create answer", "local description already set")
	}

	answer, err := e.conn.CreateAnswer(ctx)
	if err != nil {
		return Description{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.conn.SetLocalDescription(answer); err != nil {
		return Description{}, fmt.Errorf("set local answer: %w", err)
	}
	e.localSet = true
	return answer, nil
}

// ApplyRemoteAnswer sets the callee's answer on the caller's connection.
func (e *Engine) ApplyRemoteAnswer(answer Description) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed.Load():
		return ErrDisposed
	case e.role != RoleCaller:
		return e.protocolErr("apply remote answer", "only the caller accepts an answer")
	case !e.localSet:
		return e.protocolErr("apply remote answer", "no local offer")
	case e.remoteSet:
		return e.protocolErr("apply remote answer", "remote description already set")
	}

	if err := e.conn.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	e.remoteSet = true
	e.flushLocked()
	return nil
}

// AddRemoteCandidate applies c, or buffers it until a remote description
// is set.
func (e *Engine) AddRemoteCandidate(c Candidate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return
	}
	if !e.remoteSet {
		e.pending = append(e.pending, c)
		return
	}
	e.applyLocked(c)
}

// RemoteDescriptionApplied reports whether a remote description is set.
func (e *Engine) RemoteDescriptionApplied() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteSet
}

// CandidateFailures returns how many remote candidates were refused.
func (e *Engine) CandidateFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// OnRemoteTrack sets the callback for remote tracks.
func (e *Engine) OnRemoteTrack(fn func(RemoteTrack)) {
	e.tracksMu.Lock()
	e.onTrack = fn
	e.tracksMu.Unlock()
}

// RemoteTracks returns the remote tracks received so far.
func (e *Engine) RemoteTracks() []RemoteTrack {
	e.tracksMu.Lock()
	defer e.tracksMu.Unlock()
	return append([]RemoteTrack(nil), e.tracks...)
}

// Close releases the connection. Safe to call more than once.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()
	return e.conn.Close()
}

func (e *Engine) flushLocked() {
	pending := e.pending
	e.pending = nil
	for _, c := range pending {
		e.applyLocked(c)
	}
}

func (e *Engine) applyLocked(c Candidate) {
	if err := e.conn.AddICECandidate(c); err != nil {
		e.failures++
		if e.failures == 1 || e.failures%candidateFailureWarnEvery == 0 {
			log.Warnf("CALL [%s]: remote candidate rejected (%d so far): %v", e.callID, e.failures, err)
		}
	}
}
