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

type candSink struct {
	mu   sync.Mutex
	got  []string
	errs []error
}

func (s *candSink) add(c Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, string(c))
}

func (s *candSink) onError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *candSink) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

func (s *candSink) errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func candidateValues(t *testing.T, store signal.Store, path string) []string {
	t.Helper()
	snap, err := store.Read(context.Background(), path)
	require.NoError(t, err)
	var out []string
	for _, c := range snap.Children() {
		out = append(out, c.String("candidate"))
	}
	return out
}

func TestRelayHoldsPublishesUntilOpen(t *testing.T) {
	store := signal.NewMemory()
	r := NewCandidateRelay(store, "calls", "c1", RoleCaller, time.Millisecond)
	defer r.Close()

	r.Publish(cand("a1"))
	r.Publish(cand("a2"))
	assert.Empty(t, candidateValues(t, store, "calls/c1/offerCandidates"))

	r.Open()
	r.Publish(cand("a3"))
	assert.Equal(t, []string{"a1", "a2", "a3"}, candidateValues(t, store, "calls/c1/offerCandidates"))
}

func TestRelayFlushStaysAheadOfLaterPublishes(t *testing.T) {
	store := newGatedAppends()
	r := NewCandidateRelay(store, "calls", "c1", RoleCaller, time.Millisecond)
	defer r.Close()

	r.Publish(cand("a1"))
	r.Publish(cand("a2"))

	opened := make(chan struct{})
	go func() {
		r.Open()
		close(opened)
	}()
	<-store.started

	published := make(chan struct{})
	go func() {
		r.Publish(cand("a3"))
		close(published)
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	<-opened
	<-published
	assert.Equal(t, []string{"a1", "a2", "a3"}, candidateValues(t, store, "calls/c1/offerCandidates"))
}

func TestRelaySubscribeDeliversExistingThenNew(t *testing.T) {
	ctx := context.Background()
	store := noisyStore{signal.NewMemory()}

	peer := NewCandidateRelay(store, "calls", "c1", RoleCallee, time.Millisecond)
	peer.Open()
	peer.Publish(cand("b1"))
	peer.Publish(cand("b2"))

	r := NewCandidateRelay(store, "calls", "c1", RoleCaller, time.Millisecond)
	var sink candSink
	require.NoError(t, r.Subscribe(ctx, sink.add))

	peer.Publish(cand("b3"))

	want := []string{string(cand("b1")), string(cand("b2")), string(cand("b3"))}
	require.Eventually(t, func() bool { return len(sink.list()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, sink.list(), "each candidate once, in order")

	r.Close()
	r.Close()
	peer.Publish(cand("b4"))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sink.list(), 3, "no delivery after close")
}

func TestRelayReportsFailedPublish(t *testing.T) {
	store := &failingAppends{Memory: signal.NewMemory()}
	r := NewCandidateRelay(store, "calls", "c1", RoleCallee, time.Millisecond)
	defer r.Close()

	var sink candSink
	r.OnError(sink.onError)
	r.Open()
	r.Publish(cand("b1"))

	assert.EqualValues(t, 2, store.appends.Load(), "one retry")
	errs := sink.errors()
	require.Len(t, errs, 1)
	var werr *WriteError
	require.ErrorAs(t, errs[0], &werr)
	assert.False(t, werr.Critical)
	assert.Equal(t, "calls/c1/answerCandidates", werr.Path)
	assert.ErrorIs(t, errs[0], ErrSignalingWrite)
}

func TestRelayPublishAfterCloseIsDropped(t *testing.T) {
	store := signal.NewMemory()
	r := NewCandidateRelay(store, "calls", "c1", RoleCaller, time.Millisecond)
	r.Open()
	r.Close()
	r.Publish(cand("a1"))
	assert.Empty(t, candidateValues(t, store, "calls/c1/offerCandidates"))
}
