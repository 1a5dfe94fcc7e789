package app

import (
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/config"
)

var log = logging.Logger("app")

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	listenAddr = a
	url = "http://" + a
	return
}

// setupLogging applies the configured levels. Subsystem entries override
// the global level.
func setupLogging(c config.Log) error {
	lvl, err := logging.LevelFromString(c.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	logging.SetAllLoggers(lvl)
	for sub, l := range c.Subsystems {
		if err := logging.SetLogLevel(sub, l); err != nil {
			log.Warnf("log level for %s: %v", sub, err)
		}
	}
	return nil
}

func logBanner(mode, dir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Infof("goopcall %s", mode)
	log.Infof(" Folder      : %s", dir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info("────────────────────────────────────────")
}
