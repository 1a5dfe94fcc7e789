// Package viewer serves the local HTTP API a UI uses to drive calls.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	SelfID string
	Calls  *call.Manager
	Logs   *LogBuffer

	// Debug exposes /api/call/debug.
	Debug bool
}

// Handler returns the complete API mux.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	deps := routes.Deps{
		SelfID: v.SelfID,
		Calls:  v.Calls,
		Debug:  v.Debug,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)

	return noCache(mux)
}

// Start serves the API on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Infof("VIEWER: API on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
