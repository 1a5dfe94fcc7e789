package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
)

type callRequest struct {
	CallID string `json:"call_id"`
}

// registerCallRoutes registers the call API. With no manager only
// GET /api/call/mode is served, reporting {"mode":"off"}.
func registerCallRoutes(mux *http.ServeMux, d Deps) {
	callMgr := d.Calls

	// GET /api/call/mode: "incoming" turns "degraded" while incoming calls
	// cannot be watched.
	handleGet(mux, "/api/call/mode", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]string{"mode": "off", "self_id": d.SelfID}
		if callMgr != nil {
			resp["mode"] = "native"
			resp["incoming"] = "watching"
			if err := callMgr.WatchErr(); err != nil {
				resp["incoming"] = "degraded"
				resp["watch_error"] = err.Error()
			}
		}
		writeJSON(w, resp)
	})

	if callMgr == nil {
		return
	}

	if d.Debug {
		// GET /api/call/debug: live session status for testing without a UI.
		handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
			sessions := callMgr.AllSessions()
			statuses := make([]call.SessionStatus, 0, len(sessions))
			for _, s := range sessions {
				statuses = append(statuses, s.Status())
			}
			writeJSON(w, map[string]any{
				"session_count": len(statuses),
				"sessions":      statuses,
			})
		})
	}

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		CalleeID string        `json:"callee_id"`
		Type     call.CallType `json:"type"`
	}) {
		if req.CalleeID == "" {
			writeError(w, http.StatusBadRequest, "missing callee_id")
			return
		}
		if req.CalleeID == callMgr.SelfID() {
			writeError(w, http.StatusBadRequest, "cannot call yourself")
			return
		}
		if req.Type == "" {
			req.Type = call.Video
		}
		if !req.Type.Valid() {
			writeError(w, http.StatusBadRequest, "type must be voice or video")
			return
		}
		sess, err := callMgr.StartCall(r.Context(), req.CalleeID, req.Type)
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ringing", "call_id": sess.ID()})
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if req.CallID == "" {
			writeError(w, http.StatusBadRequest, "missing call_id")
			return
		}
		if _, err := callMgr.AcceptCall(r.Context(), req.CallID); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "active", "call_id": req.CallID})
	})

	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		if req.CallID == "" {
			writeError(w, http.StatusBadRequest, "missing call_id")
			return
		}
		if err := callMgr.DeclineCall(r.Context(), req.CallID); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected", "call_id": req.CallID})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		sess, ok := callMgr.GetSession(req.CallID)
		if !ok {
			writeJSON(w, map[string]string{"status": "not_found", "call_id": req.CallID})
			return
		}
		if err := sess.Hangup(r.Context()); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up", "call_id": req.CallID})
	})

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		sess, ok := callMgr.GetSession(req.CallID)
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, map[string]bool{"muted": sess.ToggleAudio()})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req callRequest) {
		sess, ok := callMgr.GetSession(req.CallID)
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, map[string]bool{"disabled": sess.ToggleVideo()})
	})

	handleGet(mux, "/api/call/pending", func(w http.ResponseWriter, r *http.Request) {
		pending := callMgr.Pending()
		if pending == nil {
			pending = []call.Record{}
		}
		writeJSON(w, pending)
	})

	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		recs, err := callMgr.History(r.Context())
		if err != nil {
			writeCallError(w, err)
			return
		}
		if recs == nil {
			recs = []call.Record{}
		}
		writeJSON(w, recs)
	})

	// GET /api/call/events: SSE stream of incoming call notifications.
	// Each connection holds its own subscription until the client leaves.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		inCh, cancel := callMgr.SubscribeIncoming()
		defer cancel()

		flusher, ok := sseHeaders(w)
		if !ok {
			return
		}
		writeSSE(w, flusher, "connected", map[string]string{"status": "ok"})

		for _, rec := range callMgr.Pending() {
			writeSSE(w, flusher, "call", call.IncomingEvent{Kind: call.IncomingRinging, Call: rec})
		}

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-inCh:
				if !ok {
					return
				}
				writeSSE(w, flusher, "call", ev)
			}
		}
	})

	// GET /api/call/session/{id}/events: SSE of one session's state changes,
	// closed by a single hangup event.
	handleGet(mux, "/api/call/session/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		callID := r.PathValue("id")
		sess, ok := callMgr.GetSession(callID)
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}

		states, stop := sess.SubscribeState()
		defer stop()

		flusher, ok := sseHeaders(w)
		if !ok {
			return
		}
		writeSSE(w, flusher, "connected", stateEvent(callID, sess.State()))

		for {
			select {
			case <-r.Context().Done():
				return
			case st := <-states:
				writeSSE(w, flusher, "state", stateEvent(callID, st))
			case <-sess.HangupCh():
				for drained := false; !drained; {
					select {
					case st := <-states:
						writeSSE(w, flusher, "state", stateEvent(callID, st))
					default:
						drained = true
					}
				}
				writeSSE(w, flusher, "hangup", map[string]string{
					"call_id": callID,
					"status":  string(sess.Record().Status),
				})
				return
			}
		}
	})
}

func stateEvent(callID string, st call.State) map[string]string {
	return map[string]string{"call_id": callID, "state": st.String()}
}
