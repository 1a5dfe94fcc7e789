package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/signal"
)

type eventLog struct {
	mu     sync.Mutex
	events []IncomingEvent
}

func (l *eventLog) add(ev IncomingEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) list() []IncomingEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]IncomingEvent(nil), l.events...)
}

func (l *eventLog) count(kind IncomingKind, id string) int {
	n := 0
	for _, ev := range l.list() {
		if ev.Kind == kind && ev.Call.ID == id {
			n++
		}
	}
	return n
}

func writeRinging(t *testing.T, store signal.Store, id, caller, callee string, start int64) {
	t.Helper()
	require.NoError(t, store.Write(context.Background(), "calls/"+id, Record{
		ID:        id,
		CallerID:  caller,
		CalleeID:  callee,
		Type:      Voice,
		Offer:     &Description{Type: "offer", SDP: "v=0"},
		Status:    StatusRinging,
		StartTime: start,
	}))
}

func TestWatcherRaisesEachCallOnce(t *testing.T) {
	ctx := context.Background()
	store := noisyStore{signal.NewMemory()}
	writeRinging(t, store, "c1", "alice", "bob", 1)

	var seen eventLog
	w := NewWatcher(store, "calls", "bob", 4, seen.add)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeRinging(t, store, "c2", "carol", "bob", 2)
	writeRinging(t, store, "c3", "bob", "alice", 3)
	_, err := store.Append(ctx, "calls/c1/offerCandidates", cand("a1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return seen.count(IncomingRinging, "c2") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, seen.count(IncomingRinging, "c1"))
	assert.Equal(t, 1, seen.count(IncomingRinging, "c2"))
	assert.Equal(t, 0, seen.count(IncomingRinging, "c3"), "outgoing calls are not incoming")

	pending := w.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "c1", pending[0].ID)
	assert.Equal(t, "c2", pending[1].ID)
}

func TestWatcherReportsCallsThatStopRinging(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemory()

	var seen eventLog
	w := NewWatcher(store, "calls", "bob", 4, seen.add)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeRinging(t, store, "c1", "alice", "bob", 1)
	require.Eventually(t, func() bool { return len(w.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, store.Update(ctx, "calls/c1", map[string]any{"status": StatusEnded}))
	require.Eventually(t, func() bool { return seen.count(IncomingGone, "c1") == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, w.Pending())

	gone := seen.list()[1]
	assert.Equal(t, StatusEnded, gone.Call.Status)
}

func TestWatcherDropsOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemory()

	var seen eventLog
	w := NewWatcher(store, "calls", "bob", 2, seen.add)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeRinging(t, store, "c1", "a", "bob", 1)
	writeRinging(t, store, "c2", "b", "bob", 2)
	writeRinging(t, store, "c3", "c", "bob", 3)

	require.Eventually(t, func() bool { return seen.count(IncomingDropped, "c1") == 1 }, time.Second, 5*time.Millisecond)
	pending := w.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "c2", pending[0].ID)
	assert.Equal(t, "c3", pending[1].ID)
}

func TestWatcherTakeAndDismiss(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemory()
	writeRinging(t, store, "c1", "a", "bob", 1)
	writeRinging(t, store, "c2", "b", "bob", 2)

	w := NewWatcher(store, "calls", "bob", 4, nil)
	ch, cancel := w.Subscribe()
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			assert.Equal(t, IncomingRinging, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("no incoming event")
		}
	}

	rec, ok := w.Take("c1")
	require.True(t, ok)
	assert.Equal(t, "a", rec.CallerID)
	_, ok = w.Take("c1")
	assert.False(t, ok)

	assert.True(t, w.Dismiss("c2"))
	assert.False(t, w.Dismiss("c2"))
	assert.Empty(t, w.Pending())

	// A dismissed call is not raised again while it keeps ringing.
	_, err := store.Append(ctx, "calls/c2/offerCandidates", cand("x"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, w.Pending())
}

func TestWatcherStopClosesListeners(t *testing.T) {
	w := NewWatcher(signal.NewMemory(), "calls", "bob", 1, nil)
	require.NoError(t, w.Start(context.Background()))
	ch, cancel := w.Subscribe()
	w.Stop()
	w.Stop()
	cancel()

	_, open := <-ch
	assert.False(t, open)
}

func TestWatcherSkipsStaleRingingCalls(t *testing.T) {
	store := signal.NewMemory()
	writeRinging(t, store, "old", "alice", "bob", time.Now().Add(-time.Hour).UnixMilli())
	writeRinging(t, store, "new", "carol", "bob", time.Now().UnixMilli())

	var seen eventLog
	w := NewWatcher(store, "calls", "bob", 4, seen.add)
	w.SetRingTimeout(time.Minute)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool { return seen.count(IncomingRinging, "new") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, seen.count(IncomingRinging, "old"))
	assert.Equal(t, 1, seen.count(IncomingExpired, "old"))

	pending := w.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "new", pending[0].ID)
}

func TestWatcherResubscribesAfterError(t *testing.T) {
	ctx := context.Background()
	store := &breakableStore{Memory: signal.NewMemory()}

	var seen eventLog
	w := NewWatcher(store, "calls", "bob", 4, seen.add)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	assert.NoError(t, w.Err())

	store.breakAll(false)
	select {
	case <-w.Lost():
	case <-time.After(time.Second):
		t.Fatal("lost subscription was not signalled")
	}
	assert.ErrorIs(t, w.Err(), ErrSignalingSubscription)

	require.NoError(t, w.Start(ctx))
	assert.NoError(t, w.Err())
	assert.Equal(t, 1, store.subscribers())

	writeRinging(t, store, "c1", "alice", "bob", 1)
	require.Eventually(t, func() bool { return seen.count(IncomingRinging, "c1") == 1 }, time.Second, 5*time.Millisecond)
}
