package httpapi

import (
	"net/http"
	"strconv"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/runtime"
)

// handleDebugMemory serves the token-protected runtime-guard endpoint.
// Actions: status (guard snapshot), snapshot (capture heap sample), diff
// (compare two retained samples), stop (manually trip the restart
// signal). Any unauthorized call gets the same generic forbidden body, so
// a probe can't tell whether the endpoint is enabled.
func (s *Server) handleDebugMemory(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Debug-Token")
	}
	if !runtime.DebugToken(s.cfg.DebugMemoryToken).Check(token) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
		return
	}

	switch r.URL.Query().Get("action") {
	case "", "status":
		writeJSON(w, http.StatusOK, s.debug.Status())
	case "snapshot":
		writeJSON(w, http.StatusOK, s.debug.Snapshot())
	case "diff":
		from, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		to, _ := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
		diff, err := s.debug.Diff(from, to)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, diff)
	case "stop":
		s.debug.Stop()
		writeJSON(w, http.StatusOK, map[string]any{"status": "stopped"})
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown action"})
	}
}
