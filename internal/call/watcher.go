package call

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/util"
)

// maxRingSlack caps the extra time a callee rings past the caller's
// timeout to absorb clock skew between the peers.
const maxRingSlack = 5 * time.Second

// ringDeadline is when a callee stops ringing for rec. The zero time means
// no limit.
func ringDeadline(rec Record, timeout time.Duration) time.Time {
	if timeout <= 0 || rec.StartTime <= 0 {
		return time.Time{}
	}
	slack := min(timeout/2, maxRingSlack)
	return time.UnixMilli(rec.StartTime).Add(timeout + slack)
}

// Watcher surfaces ringing calls addressed to one identity. It keeps a
// bounded queue of pending calls; a call leaves the queue when it is taken,
// dismissed, no longer ringing or pushed out by a newer one.
//
// A subscription error closes the subscription, records the error and
// signals Lost; Start opens a fresh one.
type Watcher struct {
	store   signal.Store
	root    string
	selfID  string
	onEvent func(IncomingEvent)

	pending     *util.RingBuffer[Record]
	ringTimeout atomic.Int64
	lost        chan struct{}

	mu      sync.Mutex
	seen    map[string]struct{}
	unsub   signal.Unsubscribe
	gen     uint64
	failed  uint64
	err     error
	stopped bool

	listenersMu sync.RWMutex
	listeners   map[chan IncomingEvent]struct{}
}

// NewWatcher creates a watcher for selfID. onEvent may be nil.
func NewWatcher(store signal.Store, root, selfID string, capacity int, onEvent func(IncomingEvent)) *Watcher {
	return &Watcher{
		store:     store,
		root:      root,
		selfID:    selfID,
		onEvent:   onEvent,
		pending:   util.NewRingBuffer[Record](capacity),
		lost:      make(chan struct{}, 1),
		seen:      make(map[string]struct{}),
		listeners: make(map[chan IncomingEvent]struct{}),
	}
}

// SetRingTimeout makes the watcher skip ringing records older than the
// caller's ring timeout. Zero keeps every ringing record.
func (w *Watcher) SetRingTimeout(d time.Duration) {
	w.ringTimeout.Store(int64(d))
}

// Start opens the subscription on the call root. Calling Start on a
// running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.unsub != nil || w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.gen++
	gen := w.gen
	w.mu.Unlock()

	unsub, err := w.store.Subscribe(ctx, w.root, func(snap signal.Snapshot, err error) {
		w.handle(gen, snap, err)
	})
	if err != nil {
		err = &SubscriptionError{Path: w.root, Err: err}
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.unsub != nil {
		unsub()
		return nil
	}
	if w.failed == gen {
		unsub()
		return w.err
	}
	w.unsub = unsub
	w.err = nil
	log.Infof("CALL: watching %s for calls to %s", w.root, w.selfID)
	return nil
}

// Lost receives a value each time the subscription fails.
func (w *Watcher) Lost() <-chan struct{} { return w.lost }

// Err returns the last subscription error, or nil while the watcher is
// subscribed.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop closes the subscription and all listener channels.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	unsub := w.unsub
	w.unsub = nil
	w.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	w.listenersMu.Lock()
	for ch := range w.listeners {
		close(ch)
	}
	w.listeners = make(map[chan IncomingEvent]struct{})
	w.listenersMu.Unlock()
}

// Subscribe returns a channel receiving every later event. Slow readers
// miss events rather than block the watcher.
func (w *Watcher) Subscribe() (chan IncomingEvent, func()) {
	ch := make(chan IncomingEvent, 16)
	w.listenersMu.Lock()
	w.listeners[ch] = struct{}{}
	w.listenersMu.Unlock()

	return ch, func() {
		w.listenersMu.Lock()
		if _, ok := w.listeners[ch]; ok {
			delete(w.listeners, ch)
			close(ch)
		}
		w.listenersMu.Unlock()
	}
}

// Pending returns the queued ringing calls, oldest first.
func (w *Watcher) Pending() []Record {
	return w.pending.Snapshot()
}

// Take removes callID from the queue and returns its record.
func (w *Watcher) Take(callID string) (Record, bool) {
	return w.pending.RemoveFirst(func(r Record) bool { return r.ID == callID })
}

// Dismiss removes callID from the queue without touching the record.
func (w *Watcher) Dismiss(callID string) bool {
	_, ok := w.Take(callID)
	return ok
}

func (w *Watcher) handle(gen uint64, snap signal.Snapshot, err error) {
	if err != nil {
		w.fail(gen, err)
		return
	}
	w.mu.Lock()
	stale := gen != w.gen
	w.mu.Unlock()
	if stale {
		return
	}

	current := make(map[string]Record)
	for _, child := range snap.Children() {
		rec, ok := decodeRecord(child)
		if !ok {
			continue
		}
		current[rec.ID] = rec
	}

	var events []IncomingEvent

	for _, p := range w.pending.Snapshot() {
		rec, ok := current[p.ID]
		if ok && rec.Status == StatusRinging {
			continue
		}
		if !ok {
			rec = p
		}
		if _, removed := w.Take(p.ID); removed {
			events = append(events, IncomingEvent{Kind: IncomingGone, Call: rec})
		}
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	for id := range w.seen {
		if _, ok := current[id]; !ok {
			delete(w.seen, id)
		}
	}
	now := time.Now()
	timeout := time.Duration(w.ringTimeout.Load())
	var fresh []Record
	for _, child := range snap.Children() {
		rec, ok := current[child.Key()]
		if !ok || rec.CalleeID != w.selfID || rec.Status != StatusRinging {
			continue
		}
		if _, dup := w.seen[rec.ID]; dup {
			continue
		}
		w.seen[rec.ID] = struct{}{}
		if dl := ringDeadline(rec, timeout); !dl.IsZero() && now.After(dl) {
			log.Debugf("CALL [%s]: ignoring stale ringing call from %s", rec.ID, rec.CallerID)
			events = append(events, IncomingEvent{Kind: IncomingExpired, Call: rec})
			continue
		}
		fresh = append(fresh, rec)
	}
	w.mu.Unlock()

	for _, rec := range fresh {
		if old, evicted := w.pending.Push(rec); evicted {
			log.Warnf("CALL [%s]: pending queue full, dropping incoming call", old.ID)
			events = append(events, IncomingEvent{Kind: IncomingDropped, Call: old})
		}
		log.Infof("CALL [%s]: incoming %s call from %s", rec.ID, rec.Type, rec.CallerID)
		events = append(events, IncomingEvent{Kind: IncomingRinging, Call: rec})
	}

	for _, ev := range events {
		w.emit(ev)
	}
}

// fail drops the subscription gen after an error. Errors from an older
// subscription are ignored.
func (w *Watcher) fail(gen uint64, err error) {
	w.mu.Lock()
	if w.stopped || gen != w.gen {
		w.mu.Unlock()
		return
	}
	err = &SubscriptionError{Path: w.root, Err: err}
	w.failed = gen
	w.err = err
	unsub := w.unsub
	w.unsub = nil
	w.mu.Unlock()

	log.Warnf("CALL: incoming watch on %s: %v", w.root, err)
	if unsub != nil {
		// handle runs on the subscription's own queue
		go unsub()
	}
	select {
	case w.lost <- struct{}{}:
	default:
	}
}

func (w *Watcher) emit(ev IncomingEvent) {
	if w.onEvent != nil {
		w.onEvent(ev)
	}
	w.listenersMu.RLock()
	defer w.listenersMu.RUnlock()
	for ch := range w.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// decodeRecord reads a call record snapshot. The key wins over a missing
// or mismatching id field.
func decodeRecord(snap signal.Snapshot) (Record, bool) {
	if !snap.Exists() {
		return Record{}, false
	}
	var rec Record
	if err := snap.Decode(&rec); err != nil {
		return Record{}, false
	}
	if key := snap.Key(); key != "" {
		rec.ID = key
	}
	return rec, true
}
