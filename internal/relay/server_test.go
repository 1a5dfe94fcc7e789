package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signal"
)

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(New("", signal.NewMemory(), "calls", time.Minute).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
}

func TestCallsListingSortedNewestFirst(t *testing.T) {
	ctx := context.Background()
	mem := signal.NewMemory()
	require.NoError(t, mem.Write(ctx, "calls/old", map[string]any{"callerId": "a", "status": "ended", "startTime": 100}))
	require.NoError(t, mem.Write(ctx, "calls/new", map[string]any{"callerId": "b", "status": "ringing", "startTime": 200}))

	srv := httptest.NewServer(New("", mem, "calls", time.Minute).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + proto.CallsPath)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Calls []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"calls"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Calls, 2)
	assert.Equal(t, "new", out.Calls[0].ID)
	assert.Equal(t, "ended", out.Calls[1].Status)
}

func TestSocketRejectsUnknownOp(t *testing.T) {
	srv := httptest.NewServer(New("", signal.NewMemory(), "calls", time.Minute).Handler())
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+proto.RelayPath, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(proto.Request{ID: 7, Op: "explode", Path: "x"}))
	var f proto.Frame
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, uint64(7), f.ID)
	assert.False(t, f.OK)
	assert.Contains(t, f.Error, "unknown op")
}

func TestSocketSubscribeStreamsChanges(t *testing.T) {
	ctx := context.Background()
	mem := signal.NewMemory()
	srv := httptest.NewServer(New("", mem, "calls", time.Minute).Handler())
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+proto.RelayPath, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(proto.Request{ID: 1, Op: proto.OpSubscribe, Path: "calls/c1", Sub: 9}))

	var initial, ack bool
	for !(initial && ack) {
		var f proto.Frame
		require.NoError(t, ws.ReadJSON(&f))
		switch {
		case f.Event == proto.EventChange:
			assert.Equal(t, uint64(9), f.Sub)
			assert.False(t, f.Snapshot.Exists)
			initial = true
		case f.ID == 1:
			assert.True(t, f.OK)
			ack = true
		}
	}

	require.NoError(t, mem.Write(ctx, "calls/c1/status", "ringing"))
	var f proto.Frame
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, proto.EventChange, f.Event)
	require.NotNil(t, f.Snapshot)
	assert.JSONEq(t, `{"status":"ringing"}`, string(f.Snapshot.Value))
}
