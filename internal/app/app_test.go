package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
)

func TestNormalizeLocalViewer(t *testing.T) {
	cases := map[string]string{
		":8790":          "127.0.0.1:8790",
		"0.0.0.0:8790":   "127.0.0.1:8790",
		" 127.0.0.1:80 ": "127.0.0.1:80",
	}
	for in, want := range cases {
		addr, url := NormalizeLocalViewer(in)
		assert.Equal(t, want, addr, in)
		assert.Equal(t, "http://"+want, url, in)
	}
}

func TestCallOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Call.RingTimeoutSec = 30
	cfg.Call.TeardownGraceMS = 1500
	cfg.Call.WriteRetryDelayMS = 100
	cfg.Call.MaxPendingIncoming = 3
	cfg.Call.ReceiveOnlyFallback = true
	cfg.ICE.Servers = []config.ICEServer{{URLs: []string{"turn:turn.example.org"}, Username: "u", Credential: "p"}}

	opts := callOptions(cfg)
	assert.Equal(t, "calls", opts.Root)
	assert.Equal(t, 30*time.Second, opts.RingTimeout)
	assert.Equal(t, 1500*time.Millisecond, opts.TeardownGrace)
	assert.Equal(t, 100*time.Millisecond, opts.WriteRetryDelay)
	assert.Equal(t, 3, opts.MaxPending)
	assert.True(t, opts.ReceiveOnlyFallback)
	assert.Equal(t, []call.ICEServer{{URLs: []string{"turn:turn.example.org"}, Username: "u", Credential: "p"}}, opts.ICEServers)
}

func TestNegativeDurationsReadAsZero(t *testing.T) {
	cfg := config.Default()
	cfg.Call.TeardownGraceMS = -5
	cfg.Call.RingTimeoutSec = -1
	cfg.ICE.FailedTimeoutSec = -3
	cfg.ICE.KeepaliveSec = 2

	opts := callOptions(cfg)
	assert.Zero(t, opts.TeardownGrace)
	assert.Zero(t, opts.RingTimeout)

	d := newDialer(cfg, nil)
	assert.Zero(t, d.FailedTimeout)
	assert.Equal(t, 2*time.Second, d.KeepAliveInterval)
}

func TestOpenStoreSQLiteKeepsRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Signaling.DBPath = "data/signal.db"

	store, closeStore, err := openStore(ctx, dir, cfg)
	require.NoError(t, err)
	require.NoError(t, store.Write(ctx, "calls/call_1", map[string]any{"status": "ringing", "callerId": "A"}))
	_, err = store.Append(ctx, "calls/call_1/offerCandidates", map[string]any{"candidate": "a1"})
	require.NoError(t, err)
	require.NoError(t, closeStore())
	assert.FileExists(t, filepath.Join(dir, "data", "signal.db"))

	store, closeStore, err = openStore(ctx, dir, cfg)
	require.NoError(t, err)
	defer closeStore()

	snap, err := store.Read(ctx, "calls/call_1")
	require.NoError(t, err)
	assert.Equal(t, "ringing", snap.String("status"))
	assert.Len(t, snap.Child("offerCandidates").Children(), 1)
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Signaling.Backend = "carrier-pigeon"
	_, _, err := openStore(context.Background(), t.TempDir(), cfg)
	assert.Error(t, err)
}

func TestSetupLogging(t *testing.T) {
	assert.NoError(t, setupLogging(config.Log{Level: "debug", Subsystems: map[string]string{"call": "warn"}}))
	assert.Error(t, setupLogging(config.Log{Level: "loud"}))
	require.NoError(t, setupLogging(config.Log{Level: "info"}))
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	assert.ErrorContains(t, Run(ctx, Options{Dir: t.TempDir(), Cfg: cfg}), "identity.user_id")

	cfg.Relay.Port = 0
	assert.ErrorContains(t, RunRelay(ctx, Options{Dir: t.TempDir(), Cfg: cfg}), "relay.port")
}
