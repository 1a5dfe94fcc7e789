package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/util"
)

// Session is one call attempt. It exclusively owns its connection, its
// local media and every subscription it opens, and releases all of them in
// Dispose.
type Session struct {
	id        string
	role      Role
	selfID    string
	remoteID  string
	callType  CallType
	store     signal.Store
	deps      Deps
	opts      Options
	machine   *Machine
	startedAt time.Time
	onDispose func(*Session)

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	record        Record
	engine        *Engine
	relay         *CandidateRelay
	stream        LocalStream
	tone          ToneHandle
	ringTimer     *time.Timer
	graceTimer    *time.Timer
	unsubRecord   signal.Unsubscribe
	disposed      bool
	audioMuted    bool
	videoDisabled bool
	receiveOnly   bool
	connState     string
	degraded      error
}

type sessionParams struct {
	id        string
	role      Role
	selfID    string
	remoteID  string
	callType  CallType
	store     signal.Store
	deps      Deps
	opts      Options
	onDispose func(*Session)
}

func newSession(p sessionParams) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        p.id,
		role:      p.role,
		selfID:    p.selfID,
		remoteID:  p.remoteID,
		callType:  p.callType,
		store:     p.store,
		deps:      p.deps,
		opts:      p.opts,
		machine:   NewMachine(),
		startedAt: time.Now(),
		onDispose: p.onDispose,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Role() Role           { return s.role }
func (s *Session) RemoteID() string     { return s.remoteID }
func (s *Session) Type() CallType       { return s.callType }
func (s *Session) State() State         { return s.machine.State() }
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Record returns the last call record this session has seen.
func (s *Session) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// HangupCh is closed once the session reaches StateEnded.
func (s *Session) HangupCh() <-chan struct{} { return s.machine.Ended() }

// SubscribeState streams later state transitions.
func (s *Session) SubscribeState() (chan State, func()) { return s.machine.Subscribe() }

func (s *Session) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// ── Caller ──────────────────────────────────────────────────────────────────

// startOutgoing acquires media, creates the offer, writes the ringing
// record and starts watching for the answer. On error the session is
// already disposed.
func (s *Session) startOutgoing(ctx context.Context) error {
	if err := s.setupConn(ctx); err != nil {
		s.end()
		return err
	}

	s.mu.Lock()
	engine, relay := s.engine, s.relay
	s.mu.Unlock()

	offer, err := engine.CreateOffer(ctx)
	if err != nil {
		s.end()
		return err
	}

	rec := Record{
		ID:        s.id,
		CallerID:  s.selfID,
		CalleeID:  s.remoteID,
		Type:      s.callType,
		Offer:     &offer,
		Status:    StatusRinging,
		StartTime: time.Now().UnixMilli(),
	}
	path := recordPath(s.opts.Root, s.id)
	err = writeWithRetry(ctx, s.opts.WriteRetryDelay, func(ctx context.Context) error {
		return s.store.Write(ctx, path, rec)
	})
	if err != nil {
		s.end()
		return &WriteError{CallID: s.id, Path: path, Critical: true, Err: err}
	}
	s.mu.Lock()
	s.record = rec
	s.mu.Unlock()

	relay.Open()
	s.playTone(ToneRingback)
	log.Infof("CALL [%s]: ringing %s (%s)", s.id, s.remoteID, s.callType)

	if err := s.watchRecord(ctx); err != nil {
		s.setDegraded(err)
	}
	if err := relay.Subscribe(s.ctx, engine.AddRemoteCandidate); err != nil && !errors.Is(err, ErrDisposed) {
		s.setDegraded(err)
	}
	s.armRingTimer(s.opts.RingTimeout)
	return nil
}

func (s *Session) armRingTimer(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.ringTimer = time.AfterFunc(d, s.ringExpired)
}

// ringExpired gives up on an unanswered call. When the missed write is
// refused the record has already moved on, so the latest record decides
// what happens next.
func (s *Session) ringExpired() {
	if s.isDisposed() || s.machine.State() != StateRinging {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, util.DefaultWriteTimeout)
	defer cancel()

	applied, err := s.finish(ctx, StatusMissed, StatusRinging)
	switch {
	case err != nil:
		log.Warnf("CALL [%s]: %v", s.id, err)
	case applied && s.role == RoleCaller:
		log.Infof("CALL [%s]: no answer from %s after %s", s.id, s.remoteID, s.opts.RingTimeout)
	case applied:
		log.Infof("CALL [%s]: stopped ringing for %s", s.id, s.remoteID)
	default:
		snap, err := s.store.Read(ctx, recordPath(s.opts.Root, s.id))
		if err != nil {
			log.Warnf("CALL [%s]: read record after ring timeout: %v", s.id, err)
			break
		}
		s.onRecord(snap, nil)
		if s.role == RoleCaller || s.machine.State() != StateRinging {
			return
		}
	}
	s.end()
}

// ── Callee ──────────────────────────────────────────────────────────────────

// startIncoming rings locally and watches the record so a caller hangup
// ends the session before it is answered. Ringing stops on its own once
// the caller's ring timeout has passed.
func (s *Session) startIncoming(ctx context.Context) error {
	s.playTone(ToneRingtone)
	if err := s.watchRecord(ctx); err != nil {
		s.stopTone()
		return err
	}
	wait := s.opts.RingTimeout
	if dl := ringDeadline(s.Record(), wait); !dl.IsZero() {
		wait = max(time.Until(dl), time.Millisecond)
	}
	s.armRingTimer(wait)
	return nil
}

// Accept answers a ringing incoming call. Media is acquired only here.
func (s *Session) Accept(ctx context.Context) error {
	if s.role != RoleCallee {
		return ErrNotRinging
	}
	if s.isDisposed() {
		return ErrDisposed
	}
	switch s.machine.State() {
	case StateRinging:
	case StateEnded:
		return ErrCallEnded
	default:
		return ErrNotRinging
	}
	if !s.machine.Transition(StateConnecting) {
		return ErrCallEnded
	}
	s.stopTone()
	s.stopRingTimer()
	log.Infof("CALL [%s]: accepting call from %s", s.id, s.remoteID)

	path := recordPath(s.opts.Root, s.id)
	snap, err := s.store.Read(ctx, path)
	if err != nil {
		s.end()
		return fmt.Errorf("call %s: read record: %w", s.id, err)
	}
	rec, ok := decodeRecord(snap)
	if !ok || rec.Status != StatusRinging || rec.Offer == nil {
		s.end()
		return ErrCallEnded
	}

	if err := s.setupConn(ctx); err != nil {
		s.end()
		return err
	}
	s.mu.Lock()
	engine, relay := s.engine, s.relay
	s.mu.Unlock()

	if err := engine.ApplyRemoteOffer(*rec.Offer); err != nil {
		s.end()
		return err
	}
	answer, err := engine.CreateAnswer(ctx)
	if err != nil {
		s.end()
		return err
	}

	applied, err := s.guardedWrite(ctx, map[string]any{
		"answer": answer,
		"status": StatusActive,
	}, StatusRinging)
	if err != nil {
		s.end()
		return err
	}
	if !applied {
		log.Infof("CALL [%s]: call ended before it was answered", s.id)
		s.end()
		return ErrCallEnded
	}
	relay.Open()

	if err := relay.Subscribe(s.ctx, engine.AddRemoteCandidate); err != nil && !errors.Is(err, ErrDisposed) {
		s.setDegraded(err)
	}
	if !s.machine.Transition(StateConnected) {
		return ErrCallEnded
	}
	log.Infof("CALL [%s]: connected to %s", s.id, s.remoteID)
	return nil
}

// Decline rejects a ringing incoming call. It never touches media.
func (s *Session) Decline(ctx context.Context) error {
	if s.role != RoleCallee || s.machine.State() != StateRinging {
		return ErrNotRinging
	}
	_, err := s.finish(ctx, StatusRejected, StatusRinging)
	log.Infof("CALL [%s]: declined call from %s", s.id, s.remoteID)
	s.end()
	return err
}

// ── Either side ─────────────────────────────────────────────────────────────

// Hangup ends the call and always tears the session down, whether or not
// the status write succeeds. A callee that has not answered yet records a
// rejection.
func (s *Session) Hangup(ctx context.Context) error {
	if s.isDisposed() {
		return nil
	}

	var err error
	switch state := s.machine.State(); {
	case state == StateEnded:
	case s.role == RoleCallee && state == StateRinging:
		_, err = s.finish(ctx, StatusRejected, StatusRinging)
	default:
		_, err = s.finish(ctx, StatusEnded, StatusRinging, StatusActive)
	}
	log.Infof("CALL [%s]: hangup", s.id)
	s.end()
	return err
}

// Dispose releases everything the session holds. Safe to call any number
// of times from any goroutine.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	tone, stream := s.tone, s.stream
	engine, relay := s.engine, s.relay
	unsub := s.unsubRecord
	timers := []*time.Timer{s.ringTimer, s.graceTimer}
	s.tone, s.stream, s.engine, s.relay, s.unsubRecord = nil, nil, nil, nil, nil
	s.mu.Unlock()

	s.cancel()
	for _, t := range timers {
		if t != nil {
			t.Stop()
		}
	}
	if tone != nil {
		tone.Stop()
	}
	if unsub != nil {
		unsub()
	}
	if relay != nil {
		relay.Close()
	}
	if engine != nil {
		if err := engine.Close(); err != nil {
			log.Debugf("CALL [%s]: close connection: %v", s.id, err)
		}
	}
	if stream != nil {
		stream.Stop()
	}
	s.machine.Transition(StateEnded)
	log.Debugf("CALL [%s]: disposed", s.id)

	if s.onDispose != nil {
		s.onDispose(s)
	}
}

// ToggleAudio flips local audio on/off. Returns the new muted state (true = muted).
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	s.audioMuted = !s.audioMuted
	muted, stream := s.audioMuted, s.stream
	s.mu.Unlock()
	if stream != nil {
		stream.SetEnabled(KindAudio, !muted)
	}
	log.Infof("CALL [%s]: audio muted=%v", s.id, muted)
	return muted
}

// ToggleVideo flips local video on/off. Returns the new disabled state (true = disabled).
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoDisabled = !s.videoDisabled
	disabled, stream := s.videoDisabled, s.stream
	s.mu.Unlock()
	if stream != nil {
		stream.SetEnabled(KindVideo, !disabled)
	}
	log.Infof("CALL [%s]: video disabled=%v", s.id, disabled)
	return disabled
}

// RemoteStream lists the tracks received from the peer.
func (s *Session) RemoteStream() []TrackStats {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return nil
	}
	tracks := engine.RemoteTracks()
	out := make([]TrackStats, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t.Stats())
	}
	return out
}

func (s *Session) Status() SessionStatus {
	st := SessionStatus{
		CallID:       s.id,
		Role:         s.role.String(),
		RemoteID:     s.remoteID,
		Type:         s.callType,
		State:        s.machine.State().String(),
		RemoteTracks: s.RemoteStream(),
		StartedAt:    s.startedAt,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st.RecordStatus = s.record.Status
	st.ConnectionState = s.connState
	st.AudioMuted = s.audioMuted
	st.VideoDisabled = s.videoDisabled
	st.ReceiveOnly = s.receiveOnly
	if s.engine != nil {
		st.CandidateFailures = s.engine.CandidateFailures()
	}
	if s.degraded != nil {
		st.Degraded = s.degraded.Error()
	}
	return st
}

// Degraded returns the subscription error that left the session's view
// possibly stale, or nil.
func (s *Session) Degraded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// ── Internals ───────────────────────────────────────────────────────────────

// setupConn acquires local media and builds the engine and candidate relay.
func (s *Session) setupConn(ctx context.Context) error {
	stream, err := s.deps.Media.Acquire(ctx, s.callType == Video)
	receiveOnly := false
	if err != nil {
		if !s.opts.ReceiveOnlyFallback {
			log.Warnf("CALL [%s]: acquire media: %v", s.id, err)
			return &MediaError{CallID: s.id, Err: err}
		}
		log.Warnf("CALL [%s]: acquire media failed, proceeding receive-only: %v", s.id, err)
		stream, receiveOnly = nil, true
	}

	conn, err := s.deps.Dialer.Dial(ctx, s.id, s.opts.ICEServers)
	if err != nil {
		if stream != nil {
			stream.Stop()
		}
		return fmt.Errorf("call %s: dial: %w", s.id, err)
	}

	if stream != nil {
		for _, t := range stream.Tracks() {
			if err := conn.AddTrack(t); err != nil {
				log.Warnf("CALL [%s]: add %s track: %v", s.id, t.Kind(), err)
			}
		}
	} else {
		kinds := []TrackKind{KindAudio}
		if s.callType == Video {
			kinds = append(kinds, KindVideo)
		}
		for _, k := range kinds {
			if err := conn.AddReceiver(k); err != nil {
				log.Warnf("CALL [%s]: add %s receiver: %v", s.id, k, err)
			}
		}
	}

	relay := NewCandidateRelay(s.store, s.opts.Root, s.id, s.role, s.opts.WriteRetryDelay)
	relay.OnError(s.relayError)
	engine := NewEngine(s.id, s.role, conn, relay.Publish)
	conn.OnStateChange(s.connStateChanged)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		relay.Close()
		_ = engine.Close()
		if stream != nil {
			stream.Stop()
		}
		return ErrDisposed
	}
	s.stream, s.engine, s.relay, s.receiveOnly = stream, engine, relay, receiveOnly
	if stream != nil {
		stream.SetEnabled(KindAudio, !s.audioMuted)
		stream.SetEnabled(KindVideo, !s.videoDisabled)
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) watchRecord(ctx context.Context) error {
	path := recordPath(s.opts.Root, s.id)
	unsub, err := s.store.Subscribe(ctx, path, s.onRecord)
	if err != nil {
		return &SubscriptionError{CallID: s.id, Path: path, Err: err}
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		unsub()
		return nil
	}
	s.unsubRecord = unsub
	s.mu.Unlock()
	return nil
}

// onRecord runs for every change under the call record, including the
// candidate lists, so everything it does must tolerate repeats.
func (s *Session) onRecord(snap signal.Snapshot, err error) {
	if s.isDisposed() {
		return
	}
	if err != nil {
		s.setDegraded(&SubscriptionError{CallID: s.id, Path: snap.Path, Err: err})
		return
	}

	rec, ok := decodeRecord(snap)
	if !ok || rec.Status.Terminal() {
		s.remoteEnded(rec.Status)
		return
	}

	s.mu.Lock()
	s.record = rec
	engine := s.engine
	s.mu.Unlock()

	if s.role != RoleCaller || rec.Answer == nil || engine == nil || engine.RemoteDescriptionApplied() {
		return
	}
	if err := engine.ApplyRemoteAnswer(*rec.Answer); err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) || errors.Is(err, ErrDisposed) {
			return
		}
		log.Errorf("CALL [%s]: apply answer: %v", s.id, err)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
			defer cancel()
			_ = s.Hangup(ctx)
		}()
		return
	}
	s.stopTone()
	s.stopRingTimer()
	if s.machine.Transition(StateConnected) {
		log.Infof("CALL [%s]: connected to %s", s.id, s.remoteID)
	}
}

// remoteEnded handles a record that became terminal or vanished. The
// session stays visible as ended for the grace period before teardown.
func (s *Session) remoteEnded(status Status) {
	s.stopTone()
	s.stopRingTimer()
	if status == "" {
		status = StatusEnded
	}

	s.mu.Lock()
	if !s.disposed && s.graceTimer == nil {
		s.record.Status = status
		s.graceTimer = time.AfterFunc(s.opts.TeardownGrace, s.Dispose)
	}
	s.mu.Unlock()

	if s.machine.Transition(StateEnded) {
		log.Infof("CALL [%s]: call %s by remote", s.id, status)
	}
}

// end moves to Ended and disposes immediately.
func (s *Session) end() {
	s.machine.Transition(StateEnded)
	s.Dispose()
}

// finish writes a terminal status, guarded on the statuses it may replace.
func (s *Session) finish(ctx context.Context, status Status, from ...Status) (bool, error) {
	applied, err := s.guardedWrite(ctx, map[string]any{
		"status":  status,
		"endTime": time.Now().UnixMilli(),
	}, from...)
	if applied {
		s.mu.Lock()
		s.record.Status = status
		s.mu.Unlock()
	}
	return applied, err
}

// guardedWrite updates the record only while its status is one of from.
// Stores without compare-and-set get a plain update.
func (s *Session) guardedWrite(ctx context.Context, fields map[string]any, from ...Status) (bool, error) {
	path := recordPath(s.opts.Root, s.id)
	guard := signal.Guard{Field: "status"}
	for _, st := range from {
		guard.OneOf = append(guard.OneOf, string(st))
	}

	applied := false
	err := writeWithRetry(ctx, s.opts.WriteRetryDelay, func(ctx context.Context) error {
		if gu, ok := s.store.(signal.GuardedUpdater); ok {
			var err error
			applied, err = gu.GuardedUpdate(ctx, path, guard, fields)
			return err
		}
		applied = true
		return s.store.Update(ctx, path, fields)
	})
	if err != nil {
		return false, &WriteError{CallID: s.id, Path: path, Critical: true, Err: err}
	}
	return applied, nil
}

func (s *Session) playTone(t Tone) {
	if s.deps.Tones == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.machine.State() != StateRinging {
		return
	}
	if s.tone != nil {
		s.tone.Stop()
	}
	s.tone = s.deps.Tones.Play(t)
}

func (s *Session) stopTone() {
	s.mu.Lock()
	tone := s.tone
	s.tone = nil
	s.mu.Unlock()
	if tone != nil {
		tone.Stop()
	}
}

func (s *Session) stopRingTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) setDegraded(err error) {
	s.mu.Lock()
	first := s.degraded == nil
	s.degraded = err
	s.mu.Unlock()
	if first {
		log.Warnf("CALL [%s]: signaling degraded: %v", s.id, err)
	}
}

func (s *Session) relayError(err error) {
	var serr *SubscriptionError
	if errors.As(err, &serr) {
		s.setDegraded(err)
	}
}

func (s *Session) connStateChanged(state string) {
	s.mu.Lock()
	s.connState = state
	s.mu.Unlock()
	log.Infof("CALL [%s]: connection %s", s.id, state)

	if state == "failed" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
			defer cancel()
			if err := s.Hangup(ctx); err != nil {
				log.Warnf("CALL [%s]: hangup after failure: %v", s.id, err)
			}
		}()
	}
}
