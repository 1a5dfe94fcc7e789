// Package app wires the configured services into a running peer or relay.
package app

import (
	"context"
	"fmt"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// Run starts a peer: signaling store, call manager and the local viewer.
// It blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	logBuf := viewer.NewLogBuffer(800)
	stopCapture := logBuf.Capture()
	defer stopCapture()

	logBanner("peer", opt.Dir, opt.CfgPath)

	store, closeStore, err := openStore(ctx, opt.Dir, cfg)
	if err != nil {
		return fmt.Errorf("signaling store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warnf("close signaling store: %v", err)
		}
	}()
	log.Infof("signaling backend: %s (root %q)", cfg.Signaling.Backend, cfg.Signaling.Root)

	media, err := call.NewDeviceMedia(mediaConfig(cfg))
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}

	calls := call.New(store, cfg.Identity.UserID, call.Deps{
		Dialer: newDialer(cfg, media),
		Media:  media,
		Tones:  call.LogTones{},
	}, callOptions(cfg))
	defer calls.Close()

	if err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
		if next.Identity.UserID != cfg.Identity.UserID || next.Signaling != cfg.Signaling {
			log.Warnf("identity and signaling changes apply after a restart")
		}
		calls.SetOptions(callOptions(next))
		if err := setupLogging(next.Log); err != nil {
			log.Warnf("reload logging: %v", err)
		}
	}); err != nil {
		log.Warnf("config hot reload disabled: %v", err)
	}

	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			err := viewer.Start(ctx, addr, viewer.Viewer{
				SelfID: cfg.Identity.UserID,
				Calls:  calls,
				Logs:   logBuf,
				Debug:  cfg.Viewer.Debug,
			})
			if err != nil {
				log.Errorf("viewer: %v", err)
			}
		}()
		log.Infof("call API: %s/api/call/mode", url)
	}

	log.Infof("peer %s ready", cfg.Identity.UserID)
	<-ctx.Done()
	return nil
}

// RunRelay serves a shared signaling store to peers over websockets until
// ctx is done.
func RunRelay(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := cfg.ValidateRelay(); err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	logBanner("relay", opt.Dir, opt.CfgPath)

	var (
		store signal.Store
		done  closer
	)
	if cfg.Relay.Persist {
		s, c, err := openPersistent(ctx, util.ResolvePath(opt.Dir, cfg.Relay.DBPath), cfg.Signaling.Root)
		if err != nil {
			return fmt.Errorf("relay store: %w", err)
		}
		store, done = s, c
	} else {
		m := signal.NewMemory()
		store, done = m, m.Close
	}
	defer func() { _ = done() }()

	srv := relay.New(cfg.RelayAddr(), store, cfg.Signaling.Root, util.Seconds(cfg.Relay.PingIntervalSec))
	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Infof("relay URL for peers: %s", srv.URL())

	<-ctx.Done()
	return nil
}
