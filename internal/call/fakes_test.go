package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petervdpas/goopcall/internal/signal"
)

// ── Connection primitive ────────────────────────────────────────────────────

type fakeConn struct {
	id string

	mu          sync.Mutex
	tracks      []Track
	receivers   []TrackKind
	local       []Description
	remote      []Description
	candidates  []Candidate
	rejectCands bool
	gather      []Candidate
	onICE       func(Candidate)
	onTrack     func(RemoteTrack)
	onState     func(string)
	closes      int
}

func (c *fakeConn) AddTrack(t Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, t)
	return nil
}

func (c *fakeConn) AddReceiver(kind TrackKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivers = append(c.receivers, kind)
	return nil
}

func (c *fakeConn) CreateOffer(context.Context) (Description, error) {
	return Description{Type: "offer", SDP: "v=0 offer " + c.id}, nil
}

func (c *fakeConn) CreateAnswer(context.Context) (Description, error) {
	return Description{Type: "answer", SDP: "v=0 answer " + c.id}, nil
}

// SetLocalDescription starts "gathering": every configured candidate is
// reported right away.
func (c *fakeConn) SetLocalDescription(d Description) error {
	c.mu.Lock()
	c.local = append(c.local, d)
	gather, fn := c.gather, c.onICE
	c.mu.Unlock()
	if fn != nil {
		for _, cand := range gather {
			fn(cand)
		}
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(d Description) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = append(c.remote, d)
	return nil
}

func (c *fakeConn) AddICECandidate(cand Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectCands {
		return errors.New("bad candidate")
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(Candidate)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnTrack(fn func(RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnStateChange(fn func(string)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) remoteDescs() []Description {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Description(nil), c.remote...)
}

func (c *fakeConn) applied() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.candidates))
	for _, cand := range c.candidates {
		out = append(out, string(cand))
	}
	return out
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) emitTrack(t RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	fn(t)
}

func (c *fakeConn) emitState(s string) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	fn(s)
}

type fakeDialer struct {
	prefix string // candidate prefix, e.g. "a"

	mu    sync.Mutex
	conns map[string]*fakeConn
	err   error
}

func newFakeDialer(prefix string) *fakeDialer {
	return &fakeDialer{prefix: prefix, conns: make(map[string]*fakeConn)}
}

func (d *fakeDialer) Dial(_ context.Context, callID string, _ []ICEServer) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{id: d.prefix + "-" + callID}
	for i := 1; i <= 2; i++ {
		c.gather = append(c.gather, cand(fmt.Sprintf("%s%d", d.prefix, i)))
	}
	d.conns[callID] = c
	return c, nil
}

func (d *fakeDialer) conn(callID string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[callID]
}

func (d *fakeDialer) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func cand(s string) Candidate {
	return Candidate(fmt.Sprintf(`{"candidate":%q}`, s))
}

// ── Media ───────────────────────────────────────────────────────────────────

type fakeTrack struct {
	id   string
	kind TrackKind
}

func (t fakeTrack) ID() string      { return t.id }
func (t fakeTrack) Kind() TrackKind { return t.kind }

type fakeStream struct {
	tracks []Track

	mu      sync.Mutex
	enabled map[TrackKind]bool
	stops   int
}

func (s *fakeStream) Tracks() []Track { return s.tracks }

func (s *fakeStream) SetEnabled(kind TrackKind, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[kind] = on
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *fakeStream) isEnabled(kind TrackKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[kind]
}

func (s *fakeStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

type fakeMedia struct {
	err      error
	acquired atomic.Int32

	mu      sync.Mutex
	streams []*fakeStream
}

func (m *fakeMedia) Acquire(_ context.Context, wantsVideo bool) (LocalStream, error) {
	m.acquired.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	s := &fakeStream{
		tracks:  []Track{fakeTrack{"mic", KindAudio}},
		enabled: map[TrackKind]bool{KindAudio: true},
	}
	if wantsVideo {
		s.tracks = append(s.tracks, fakeTrack{"cam", KindVideo})
		s.enabled[KindVideo] = true
	}
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	return s, nil
}

func (m *fakeMedia) stream(i int) *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[i]
}

// ── Tones ───────────────────────────────────────────────────────────────────

type fakeTones struct {
	mu      sync.Mutex
	played  []Tone
	handles []*fakeTone
}

type fakeTone struct {
	stopped atomic.Bool
}

func (h *fakeTone) Stop() { h.stopped.Store(true) }

func (t *fakeTones) Play(tone Tone) ToneHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := &fakeTone{}
	t.played = append(t.played, tone)
	t.handles = append(t.handles, h)
	return h
}

func (t *fakeTones) playing() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, h := range t.handles {
		if !h.stopped.Load() {
			n++
		}
	}
	return n
}

func (t *fakeTones) playedTones() []Tone {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Tone(nil), t.played...)
}

// ── Remote track ────────────────────────────────────────────────────────────

type fakeRemote struct {
	id   string
	kind TrackKind
}

func (r fakeRemote) ID() string        { return r.id }
func (r fakeRemote) Kind() TrackKind   { return r.kind }
func (r fakeRemote) Stats() TrackStats { return TrackStats{ID: r.id, Kind: r.kind, Packets: 3} }

// ── Stores ──────────────────────────────────────────────────────────────────

// noisyStore delivers every notification three times, like a relay that
// fires on any change anywhere under the subscribed path.
type noisyStore struct {
	*signal.Memory
}

func (n noisyStore) Subscribe(ctx context.Context, path string, fn func(signal.Snapshot, error)) (signal.Unsubscribe, error) {
	return n.Memory.Subscribe(ctx, path, func(s signal.Snapshot, err error) {
		for i := 0; i < 3; i++ {
			fn(s, err)
		}
	})
}

// failingAppends refuses every Append.
type failingAppends struct {
	*signal.Memory
	appends atomic.Int32
}

func (f *failingAppends) Append(context.Context, string, any) (string, error) {
	f.appends.Add(1)
	return "", errors.New("store unavailable")
}

// plainStore hides GuardedUpdate.
type plainStore struct {
	signal.Store
}

// slowStore delivers every notification after delay, in order.
type slowStore struct {
	*signal.Memory
	delay time.Duration
}

func (s slowStore) Subscribe(ctx context.Context, path string, fn func(signal.Snapshot, error)) (signal.Unsubscribe, error) {
	return s.Memory.Subscribe(ctx, path, func(snap signal.Snapshot, err error) {
		time.Sleep(s.delay)
		fn(snap, err)
	})
}

// gatedAppends holds the first Append until release is closed.
type gatedAppends struct {
	*signal.Memory
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedAppends() *gatedAppends {
	return &gatedAppends{
		Memory:  signal.NewMemory(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedAppends) Append(ctx context.Context, path string, value any) (string, error) {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	return g.Memory.Append(ctx, path, value)
}

// breakableStore can fail every open subscription and refuse new ones,
// like a relay connection going away.
type breakableStore struct {
	*signal.Memory

	mu   sync.Mutex
	down bool
	subs []func(signal.Snapshot, error)
}

func (b *breakableStore) Subscribe(ctx context.Context, path string, fn func(signal.Snapshot, error)) (signal.Unsubscribe, error) {
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return nil, errors.New("store unreachable")
	}
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
	return b.Memory.Subscribe(ctx, path, fn)
}

func (b *breakableStore) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// breakAll fails every subscription opened so far. With down set, new
// subscriptions are refused until restore.
func (b *breakableStore) breakAll(down bool) {
	b.mu.Lock()
	b.down = down
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, fn := range subs {
		fn(signal.Snapshot{}, errors.New("connection lost"))
	}
}

func (b *breakableStore) restore() {
	b.mu.Lock()
	b.down = false
	b.mu.Unlock()
}
