// Package call runs one-to-one audio/video calls. Call setup is exchanged
// through a shared signal.Store: the caller writes a call record with its
// offer, the callee answers into the same record and both sides trickle
// candidates next to it.
package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("call")

// Manager owns the local call sessions and the incoming-call watcher.
type Manager struct {
	store  signal.Store
	selfID string
	deps   Deps

	optsMu sync.RWMutex
	opts   Options

	watcher *Watcher

	mu       sync.RWMutex
	sessions map[string]*Session

	done chan struct{}
}

// New creates a Manager for selfID and starts watching for incoming calls.
// Root and MaxPending are fixed here; SetOptions changes the rest.
func New(store signal.Store, selfID string, deps Deps, opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		store:    store,
		selfID:   selfID,
		deps:     deps,
		opts:     opts,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	m.watcher = NewWatcher(store, opts.Root, selfID, opts.MaxPending, m.onIncoming)
	m.watcher.SetRingTimeout(opts.RingTimeout)
	go m.watchLoop()
	return m
}

// SetOptions applies to calls started afterwards.
func (m *Manager) SetOptions(opts Options) {
	m.optsMu.Lock()
	defer m.optsMu.Unlock()
	opts.Root = m.opts.Root
	opts.MaxPending = m.opts.MaxPending
	m.opts = opts.withDefaults()
	m.watcher.SetRingTimeout(m.opts.RingTimeout)
}

func (m *Manager) options() Options {
	m.optsMu.RLock()
	defer m.optsMu.RUnlock()
	o := m.opts
	o.ICEServers = append([]ICEServer(nil), m.opts.ICEServers...)
	return o
}

func (m *Manager) SelfID() string { return m.selfID }

// StartCall places a call to targetID.
func (m *Manager) StartCall(ctx context.Context, targetID string, t CallType) (*Session, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid call type %q", t)
	}
	if targetID == "" || targetID == m.selfID {
		return nil, fmt.Errorf("invalid callee %q", targetID)
	}
	if m.closed() {
		return nil, ErrDisposed
	}

	s := m.newSession(newCallID(), RoleCaller, targetID, t)
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	if err := s.startOutgoing(ctx); err != nil {
		return nil, err
	}
	log.Infof("CALL: started %s → %s", s.id, targetID)
	return s, nil
}

// AcceptCall answers a ringing call addressed to this identity.
func (m *Manager) AcceptCall(ctx context.Context, callID string) (*Session, error) {
	m.watcher.Take(callID)

	s, err := m.incomingSession(ctx, callID)
	if err != nil {
		return nil, err
	}
	if err := s.Accept(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// DeclineCall rejects a ringing call. No media is acquired.
func (m *Manager) DeclineCall(ctx context.Context, callID string) error {
	m.watcher.Take(callID)

	if s, ok := m.GetSession(callID); ok {
		return s.Decline(ctx)
	}
	rec, err := m.readIncoming(ctx, callID)
	if err != nil {
		return err
	}
	s := m.newSession(rec.ID, RoleCallee, rec.CallerID, rec.Type)
	return s.Decline(ctx)
}

// GetSession returns the active session for callID, if any.
func (m *Manager) GetSession(callID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[callID]
	m.mu.RUnlock()
	return s, ok
}

// AllSessions returns the live sessions, oldest first.
func (m *Manager) AllSessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].startedAt.Before(out[j].startedAt) })
	return out
}

// SubscribeIncoming streams incoming-call events.
func (m *Manager) SubscribeIncoming() (chan IncomingEvent, func()) {
	return m.watcher.Subscribe()
}

// Pending returns the ringing calls not yet accepted or declined.
func (m *Manager) Pending() []Record {
	return m.watcher.Pending()
}

// Dismiss drops callID from the pending queue and stops ringing locally.
// The caller keeps ringing until it gives up.
func (m *Manager) Dismiss(callID string) bool {
	ok := m.watcher.Dismiss(callID)
	if s, found := m.GetSession(callID); found && s.State() == StateRinging && s.Role() == RoleCallee {
		s.Dispose()
	}
	return ok
}

// WatchErr returns why incoming calls are not being watched, or nil while
// the watch is up.
func (m *Manager) WatchErr() error {
	return m.watcher.Err()
}

// History lists the calls this identity took part in, newest first.
func (m *Manager) History(ctx context.Context) ([]Record, error) {
	snap, err := m.store.Read(ctx, m.options().Root)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, child := range snap.Children() {
		rec, ok := decodeRecord(child)
		if !ok || (rec.CallerID != m.selfID && rec.CalleeID != m.selfID) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime > out[j].StartTime })
	return out, nil
}

// Close stops the watcher and hangs up all active sessions. Incoming calls
// that are still ringing are only dropped locally, so their callers keep
// ringing.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	m.watcher.Stop()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if s.Role() == RoleCallee && s.State() == StateRinging {
			s.Dispose()
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		if err := s.Hangup(ctx); err != nil {
			log.Warnf("CALL [%s]: hangup on close: %v", s.id, err)
		}
		cancel()
	}
}

func (m *Manager) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Manager) newSession(id string, role Role, remoteID string, t CallType) *Session {
	return newSession(sessionParams{
		id:        id,
		role:      role,
		selfID:    m.selfID,
		remoteID:  remoteID,
		callType:  t,
		store:     m.store,
		deps:      m.deps,
		opts:      m.options(),
		onDispose: m.removeSession,
	})
}

// removeSession removes a session from the tracking map. A callee session
// also leaves the pending queue.
func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
	if s.role == RoleCallee {
		m.watcher.Dismiss(s.id)
	}
}

// incomingSession returns the ringing session for callID, creating it from
// the stored record when the watcher has not surfaced it yet.
func (m *Manager) incomingSession(ctx context.Context, callID string) (*Session, error) {
	if s, ok := m.GetSession(callID); ok {
		if s.Role() != RoleCallee {
			return nil, ErrNotRinging
		}
		return s, nil
	}
	rec, err := m.readIncoming(ctx, callID)
	if err != nil {
		return nil, err
	}
	s, created := m.register(rec)
	if created {
		if err := s.watchRecord(ctx); err != nil {
			s.setDegraded(err)
		}
	}
	return s, nil
}

func (m *Manager) readIncoming(ctx context.Context, callID string) (Record, error) {
	snap, err := m.store.Read(ctx, recordPath(m.options().Root, callID))
	if err != nil {
		return Record{}, err
	}
	rec, ok := decodeRecord(snap)
	if !ok || rec.CalleeID != m.selfID {
		return Record{}, ErrUnknownCall
	}
	if rec.Status != StatusRinging {
		return Record{}, ErrCallEnded
	}
	return rec, nil
}

// register adds a callee session for rec unless one exists.
func (m *Manager) register(rec Record) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[rec.ID]; ok {
		return s, false
	}
	s := m.newSession(rec.ID, RoleCallee, rec.CallerID, rec.Type)
	s.record = rec
	m.sessions[rec.ID] = s
	return s, true
}

func (m *Manager) onIncoming(ev IncomingEvent) {
	if m.closed() {
		return
	}
	switch ev.Kind {
	case IncomingRinging:
		s, created := m.register(ev.Call)
		if !created {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		if err := s.startIncoming(ctx); err != nil {
			log.Warnf("CALL [%s]: %v", s.id, err)
			s.setDegraded(err)
		}
	case IncomingDropped:
		if s, ok := m.GetSession(ev.Call.ID); ok && s.State() == StateRinging {
			s.Dispose()
		}
	case IncomingGone:
		log.Debugf("CALL [%s]: no longer ringing (%s)", ev.Call.ID, ev.Call.Status)
	case IncomingExpired:
		s := m.newSession(ev.Call.ID, RoleCallee, ev.Call.CallerID, ev.Call.Type)
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		if applied, err := s.finish(ctx, StatusMissed, StatusRinging); err != nil {
			log.Warnf("CALL [%s]: mark stale call missed: %v", ev.Call.ID, err)
		} else if applied {
			log.Infof("CALL [%s]: stale call from %s marked missed", ev.Call.ID, ev.Call.CallerID)
		}
		s.Dispose()
	}
}

// watchLoop keeps the incoming-call subscription up. It reopens the
// subscription whenever the watcher loses it.
func (m *Manager) watchLoop() {
	for m.startWatch() {
		select {
		case <-m.done:
			return
		case <-m.watcher.Lost():
			log.Warnf("CALL: incoming watch lost, resubscribing")
		}
	}
}

// startWatch retries Start until it succeeds. It reports false once the
// manager or the store is closed.
func (m *Manager) startWatch() bool {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
		err := m.watcher.Start(ctx)
		cancel()
		if err == nil {
			return true
		}
		if errors.Is(err, signal.ErrClosed) {
			log.Errorf("CALL: incoming watch: %v", err)
			return false
		}
		log.Warnf("CALL: incoming watch failed, retrying: %v", err)
		select {
		case <-m.done:
			return false
		case <-time.After(util.ShortTimeout):
		}
	}
}
