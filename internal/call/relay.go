package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/signal"
)

// CandidateRelay carries candidates through the signaling store: local ones
// are appended under this side's list, the peer's list is streamed back in
// key order.
type CandidateRelay struct {
	store      signal.Store
	callID     string
	localPath  string
	peerPath   string
	retryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// held across every append so the flush in Open stays ahead of later
	// publishes
	writeMu sync.Mutex

	mu      sync.Mutex
	open    bool
	closed  bool
	queued  []Candidate
	unsub   signal.Unsubscribe
	onError func(error)
}

// NewCandidateRelay creates a relay for role. Publishes are held back until
// Open, so nothing is written before the call record exists.
func NewCandidateRelay(store signal.Store, root, callID string, role Role, retryDelay time.Duration) *CandidateRelay {
	ctx, cancel := context.WithCancel(context.Background())
	return &CandidateRelay{
		store:      store,
		callID:     callID,
		localPath:  candidatePath(root, callID, role),
		peerPath:   peerCandidatePath(root, callID, role),
		retryDelay: retryDelay,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnError sets the callback for publish failures and subscription errors.
func (r *CandidateRelay) OnError(fn func(error)) {
	r.mu.Lock()
	r.onError = fn
	r.mu.Unlock()
}

// Open starts writing, flushing anything published so far in order.
func (r *CandidateRelay) Open() {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if r.open || r.closed {
		r.mu.Unlock()
		return
	}
	r.open = true
	queued := r.queued
	r.queued = nil
	r.mu.Unlock()

	for _, c := range queued {
		r.append(c)
	}
}

// Publish appends c to this side's list.
func (r *CandidateRelay) Publish(c Candidate) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if !r.open {
		r.queued = append(r.queued, c)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.append(c)
}

func (r *CandidateRelay) append(c Candidate) {
	err := writeWithRetry(r.ctx, r.retryDelay, func(ctx context.Context) error {
		_, err := r.store.Append(ctx, r.localPath, c)
		return err
	})
	if err == nil || r.ctx.Err() != nil {
		return
	}
	werr := &WriteError{CallID: r.callID, Path: r.localPath, Err: err}
	log.Warnf("CALL [%s]: candidate publish failed: %v", r.callID, err)
	r.report(werr)
}

// Subscribe calls fn once for every candidate the peer has published and
// every one it publishes later, in insertion order.
func (r *CandidateRelay) Subscribe(ctx context.Context, fn func(Candidate)) error {
	seen := make(map[string]struct{})
	unsub, err := r.store.Subscribe(ctx, r.peerPath, func(snap signal.Snapshot, err error) {
		if err != nil {
			r.report(&SubscriptionError{CallID: r.callID, Path: r.peerPath, Err: err})
			return
		}
		for _, child := range snap.Children() {
			if _, ok := seen[child.Key()]; ok {
				continue
			}
			seen[child.Key()] = struct{}{}
			raw, err := json.Marshal(child.Value)
			if err != nil {
				continue
			}
			fn(Candidate(raw))
		}
	})
	if err != nil {
		return &SubscriptionError{CallID: r.callID, Path: r.peerPath, Err: err}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		unsub()
		return ErrDisposed
	}
	r.unsub = unsub
	r.mu.Unlock()
	return nil
}

// Close stops publishing and cancels the subscription. Idempotent.
func (r *CandidateRelay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.queued = nil
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()

	r.cancel()
	if unsub != nil {
		unsub()
	}
}

func (r *CandidateRelay) report(err error) {
	r.mu.Lock()
	fn := r.onError
	closed := r.closed
	r.mu.Unlock()
	if fn != nil && !closed {
		fn(err)
	}
}

// writeWithRetry runs fn and retries it once after delay.
func writeWithRetry(ctx context.Context, delay time.Duration, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return err
	case <-t.C:
	}
	return fn(ctx)
}
