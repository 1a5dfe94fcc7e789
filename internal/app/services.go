package app

import (
	"context"
	"fmt"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/signal/redisstore"
	"github.com/petervdpas/goopcall/internal/signal/wsstore"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
)

// recordDepth is the depth of a call record below the store root
// ("calls/<id>").
const recordDepth = 2

type closer func() error

// openStore builds the signaling backend the config selects.
func openStore(ctx context.Context, dir string, cfg config.Config) (signal.Store, closer, error) {
	sc := cfg.Signaling
	switch sc.Backend {
	case "memory":
		m := signal.NewMemory()
		return m, m.Close, nil

	case "sqlite":
		return openPersistent(ctx, util.ResolvePath(dir, sc.DBPath), sc.Root)

	case "redis":
		rs, err := redisstore.Open(ctx, redisstore.Config{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
			Prefix:   sc.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Close, nil

	case "relay":
		dctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		defer cancel()
		ws, err := wsstore.NewRedialer(dctx, sc.RelayURL)
		if err != nil {
			return nil, nil, fmt.Errorf("dial relay %s: %w", sc.RelayURL, err)
		}
		return ws, ws.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown signaling backend %q", sc.Backend)
}

// openPersistent returns a Memory store whose call records are kept in the
// SQLite database at path.
func openPersistent(ctx context.Context, path, root string) (signal.Store, closer, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if n, err := db.CountRecords(ctx, root); err == nil {
		log.Infof("signaling db: %s (schema %s, %d call records)", db.Path(), db.Meta("schema_version"), n)
	}
	m, err := signal.OpenMemory(ctx, db, recordDepth)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return m, func() error {
		_ = m.Close()
		return db.Close()
	}, nil
}

func callOptions(cfg config.Config) call.Options {
	opts := call.Options{
		Root:                cfg.Signaling.Root,
		RingTimeout:         util.Seconds(cfg.Call.RingTimeoutSec),
		TeardownGrace:       util.Millis(cfg.Call.TeardownGraceMS),
		WriteRetryDelay:     util.Millis(cfg.Call.WriteRetryDelayMS),
		MaxPending:          cfg.Call.MaxPendingIncoming,
		ReceiveOnlyFallback: cfg.Call.ReceiveOnlyFallback,
	}
	for _, s := range cfg.ICE.Servers {
		opts.ICEServers = append(opts.ICEServers, call.ICEServer{
			URLs:       append([]string(nil), s.URLs...),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return opts
}

func mediaConfig(cfg config.Config) call.MediaConfig {
	return call.MediaConfig{
		MaxWidth:     cfg.Media.MaxWidth,
		MaxHeight:    cfg.Media.MaxHeight,
		VideoBitrate: cfg.Media.VideoBitrate,
	}
}

func newDialer(cfg config.Config, media *call.DeviceMedia) *call.PionDialer {
	return &call.PionDialer{
		Populate:            media.Populate,
		DisconnectedTimeout: util.Seconds(cfg.ICE.DisconnectedTimeoutSec),
		FailedTimeout:       util.Seconds(cfg.ICE.FailedTimeoutSec),
		KeepAliveInterval:   util.Seconds(cfg.ICE.KeepaliveSec),
	}
}
