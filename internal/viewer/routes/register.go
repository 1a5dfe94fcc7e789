package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	SelfID string
	Calls  *call.Manager
	Logs   Logs
	Debug  bool
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerCallRoutes(mux, d)
}
