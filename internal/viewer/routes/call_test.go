package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/signal"
)

// ── Loopback media ──────────────────────────────────────────────────────────

type stubConn struct{}

func (stubConn) AddTrack(call.Track) error                   { return nil }
func (stubConn) AddReceiver(call.TrackKind) error            { return nil }
func (stubConn) SetLocalDescription(call.Description) error  { return nil }
func (stubConn) SetRemoteDescription(call.Description) error { return nil }
func (stubConn) AddICECandidate(call.Candidate) error        { return nil }
func (stubConn) OnICECandidate(func(call.Candidate))         {}
func (stubConn) OnTrack(func(call.RemoteTrack))              {}
func (stubConn) OnStateChange(func(string))                  {}
func (stubConn) Close() error                                { return nil }

func (stubConn) CreateOffer(context.Context) (call.Description, error) {
	return call.Description{Type: "offer", SDP: "v=0 offer"}, nil
}

func (stubConn) CreateAnswer(context.Context) (call.Description, error) {
	return call.Description{Type: "answer", SDP: "v=0 answer"}, nil
}

type stubDialer struct{}

func (stubDialer) Dial(context.Context, string, []call.ICEServer) (call.Conn, error) {
	return stubConn{}, nil
}

type stubTrack call.TrackKind

func (t stubTrack) ID() string           { return string(t) }
func (t stubTrack) Kind() call.TrackKind { return call.TrackKind(t) }

type stubStream struct{ tracks []call.Track }

func (s stubStream) Tracks() []call.Track          { return s.tracks }
func (stubStream) SetEnabled(call.TrackKind, bool) {}
func (stubStream) Stop()                           {}

type stubMedia struct{}

func (stubMedia) Acquire(_ context.Context, wantsVideo bool) (call.LocalStream, error) {
	s := stubStream{tracks: []call.Track{stubTrack(call.KindAudio)}}
	if wantsVideo {
		s.tracks = append(s.tracks, stubTrack(call.KindVideo))
	}
	return s, nil
}

// ── Harness ─────────────────────────────────────────────────────────────────

func newManager(t *testing.T, store signal.Store, id string) *call.Manager {
	t.Helper()
	opts := call.DefaultOptions()
	opts.RingTimeout = 0
	opts.TeardownGrace = 10 * time.Millisecond
	opts.WriteRetryDelay = time.Millisecond
	m := call.New(store, id, call.Deps{Dialer: stubDialer{}, Media: stubMedia{}}, opts)
	t.Cleanup(m.Close)
	return m
}

func newMux(m *call.Manager, debug bool) *http.ServeMux {
	mux := http.NewServeMux()
	Register(mux, Deps{SelfID: m.SelfID(), Calls: m, Debug: debug})
	return mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func recordStatus(t *testing.T, store signal.Store, id string) string {
	t.Helper()
	snap, err := store.Read(context.Background(), "calls/"+id)
	require.NoError(t, err)
	return snap.String("status")
}

// startRinging places a call from a to b through the API and waits until b
// lists it as pending.
func startRinging(t *testing.T, muxA, muxB http.Handler, callee string) string {
	t.Helper()
	rec := do(t, muxA, http.MethodPost, "/api/call/start", `{"callee_id":"`+callee+`","type":"voice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[map[string]string](t, rec)
	assert.Equal(t, "ringing", out["status"])
	id := out["call_id"]
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		pending := decode[[]call.Record](t, do(t, muxB, http.MethodGet, "/api/call/pending", ""))
		return len(pending) == 1 && pending[0].ID == id
	}, 2*time.Second, 5*time.Millisecond)
	return id
}

// ── Tests ───────────────────────────────────────────────────────────────────

func TestModeWithoutManager(t *testing.T) {
	mux := http.NewServeMux()
	Register(mux, Deps{SelfID: "A"})

	rec := do(t, mux, http.MethodGet, "/api/call/mode", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "off", decode[map[string]string](t, rec)["mode"])

	rec = do(t, mux, http.MethodPost, "/api/call/start", `{"callee_id":"B"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestModeReportsLostIncomingWatch(t *testing.T) {
	store := signal.NewMemory()
	mux := newMux(newManager(t, store, "A"), false)

	require.Eventually(t, func() bool {
		return decode[map[string]string](t, do(t, mux, http.MethodGet, "/api/call/mode", ""))["incoming"] == "watching"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.Close())
	require.Eventually(t, func() bool {
		mode := decode[map[string]string](t, do(t, mux, http.MethodGet, "/api/call/mode", ""))
		return mode["incoming"] == "degraded" && mode["watch_error"] != ""
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "native", decode[map[string]string](t, do(t, mux, http.MethodGet, "/api/call/mode", ""))["mode"])
}

func TestStartValidation(t *testing.T) {
	mux := newMux(newManager(t, signal.NewMemory(), "A"), false)

	assert.Equal(t, "native", decode[map[string]string](t, do(t, mux, http.MethodGet, "/api/call/mode", ""))["mode"])

	cases := map[string]string{
		"empty body":     ``,
		"bad json":       `{"callee_id":`,
		"missing callee": `{"type":"video"}`,
		"bad type":       `{"callee_id":"B","type":"fax"}`,
		"self":           `{"callee_id":"A"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, mux, http.MethodPost, "/api/call/start", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
		})
	}

	rec := do(t, mux, http.MethodGet, "/api/call/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAcceptAndHangup(t *testing.T) {
	store := signal.NewMemory()
	a, b := newManager(t, store, "A"), newManager(t, store, "B")
	muxA, muxB := newMux(a, true), newMux(b, true)

	id := startRinging(t, muxA, muxB, "B")

	rec := do(t, muxB, http.MethodPost, "/api/call/accept", `{"call_id":"`+id+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "active", decode[map[string]string](t, rec)["status"])
	assert.Equal(t, "active", recordStatus(t, store, id))

	sA, ok := a.GetSession(id)
	require.True(t, ok)
	require.Eventually(t, func() bool { return sA.State() == call.StateConnected }, 2*time.Second, 5*time.Millisecond)

	dbg := decode[struct {
		Count    int                  `json:"session_count"`
		Sessions []call.SessionStatus `json:"sessions"`
	}](t, do(t, muxA, http.MethodGet, "/api/call/debug", ""))
	require.Equal(t, 1, dbg.Count)
	assert.Equal(t, "connected", dbg.Sessions[0].State)
	assert.Equal(t, "B", dbg.Sessions[0].RemoteID)

	rec = do(t, muxA, http.MethodPost, "/api/call/toggle-audio", `{"call_id":"`+id+`"}`)
	assert.Equal(t, map[string]bool{"muted": true}, decode[map[string]bool](t, rec))

	rec = do(t, muxA, http.MethodPost, "/api/call/hangup", `{"call_id":"`+id+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hung_up", decode[map[string]string](t, rec)["status"])
	assert.Equal(t, "ended", recordStatus(t, store, id))

	sB, ok := b.GetSession(id)
	if ok {
		select {
		case <-sB.HangupCh():
		case <-time.After(2 * time.Second):
			t.Fatal("callee did not see the hangup")
		}
	}
}

func TestDeclineAndHistory(t *testing.T) {
	store := signal.NewMemory()
	a, b := newManager(t, store, "A"), newManager(t, store, "B")
	muxA, muxB := newMux(a, false), newMux(b, false)

	id := startRinging(t, muxA, muxB, "B")

	rec := do(t, muxB, http.MethodPost, "/api/call/decline", `{"call_id":"`+id+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "rejected", recordStatus(t, store, id))

	rec = do(t, muxB, http.MethodPost, "/api/call/accept", `{"call_id":"`+id+`"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	hist := decode[[]call.Record](t, do(t, muxA, http.MethodGet, "/api/call/history", ""))
	require.Len(t, hist, 1)
	assert.Equal(t, id, hist[0].ID)
	assert.Equal(t, call.StatusRejected, hist[0].Status)

	rec = do(t, muxA, http.MethodGet, "/api/call/debug", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownCall(t *testing.T) {
	mux := newMux(newManager(t, signal.NewMemory(), "B"), false)

	rec := do(t, mux, http.MethodPost, "/api/call/decline", `{"call_id":"call_nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, mux, http.MethodPost, "/api/call/hangup", `{"call_id":"call_nope"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not_found", decode[map[string]string](t, rec)["status"])

	rec = do(t, mux, http.MethodPost, "/api/call/toggle-video", `{"call_id":"call_nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/call/session/call_nope/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// readEvent returns the name of the next SSE event on sc.
func readEvent(t *testing.T, sc *bufio.Scanner) string {
	t.Helper()
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			return name
		}
	}
	t.Fatalf("event stream ended: %v", sc.Err())
	return ""
}

func TestSessionEventsEndWithHangup(t *testing.T) {
	store := signal.NewMemory()
	a, b := newManager(t, store, "A"), newManager(t, store, "B")
	muxA, muxB := newMux(a, false), newMux(b, false)

	id := startRinging(t, muxA, muxB, "B")

	srv := httptest.NewServer(muxA)
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/api/call/session/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	sc := bufio.NewScanner(resp.Body)
	require.Equal(t, "connected", readEvent(t, sc))

	rec := do(t, muxA, http.MethodPost, "/api/call/hangup", `{"call_id":"`+id+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var names []string
	for {
		name := readEvent(t, sc)
		names = append(names, name)
		if name == "hangup" {
			break
		}
	}
	assert.Equal(t, []string{"state", "hangup"}, names)
	assert.Equal(t, "ended", recordStatus(t, store, id))
}

func TestIncomingEventsStream(t *testing.T) {
	store := signal.NewMemory()
	a, b := newManager(t, store, "A"), newManager(t, store, "B")
	muxA, muxB := newMux(a, false), newMux(b, false)

	srv := httptest.NewServer(muxB)
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/api/call/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	require.Equal(t, "connected", readEvent(t, sc))

	id := startRinging(t, muxA, muxB, "B")

	require.Equal(t, "call", readEvent(t, sc))
	require.True(t, sc.Scan())
	data, ok := strings.CutPrefix(sc.Text(), "data: ")
	require.True(t, ok)

	var ev call.IncomingEvent
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, call.IncomingRinging, ev.Kind)
	assert.Equal(t, id, ev.Call.ID)
	assert.Equal(t, "A", ev.Call.CallerID)
}
