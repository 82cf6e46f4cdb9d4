package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/apperr"
)

// errorBody is the extension-endpoint error envelope.
type errorBody struct {
	Error string `json:"error"`
}

// openAIError is the /v1 error envelope, matching the OpenAI wire shape.
type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// statusFor maps an error kind to the HTTP status the outermost layer
// responds with. Anything unrecognized is a 500: full detail goes to the
// log, a generic message to the client.
func statusFor(err error) (status int, clientMessage string) {
	kind, ok := apperr.KindOf(err)
	if !ok {
		return http.StatusInternalServerError, "internal server error"
	}
	switch kind {
	case apperr.KindInputInvalid:
		// Surface only the cause ("missing question parameter"), not the
		// internal operation label.
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Err != nil {
			return http.StatusBadRequest, ae.Err.Error()
		}
		return http.StatusBadRequest, "invalid request"
	case apperr.KindAuthRequired, apperr.KindAuthInvalid:
		return http.StatusUnauthorized, "authentication required"
	case apperr.KindModelUnknown:
		return http.StatusNotFound, "unknown model"
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests, "rate limit exceeded"
	case apperr.KindUpstreamError:
		return http.StatusInternalServerError, "upstream model call failed"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func openAITypeFor(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusBadRequest, http.StatusNotFound, http.StatusTooManyRequests:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError logs err in full (tagged with the request's correlation ID by
// the logger middleware) and writes the extension-style envelope. Stack
// traces and internal paths never reach the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	s.log.LogAttrs(r.Context(), slog.LevelError, "request failed",
		slog.String("correlation_id", correlationID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	writeJSON(w, status, errorBody{Error: msg})
}

// writeOpenAIError is writeError for the /v1 surface.
func (s *Server) writeOpenAIError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	s.log.LogAttrs(r.Context(), slog.LevelError, "request failed",
		slog.String("correlation_id", correlationID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	var body openAIError
	body.Error.Message = msg
	body.Error.Type = openAITypeFor(status)
	writeJSON(w, status, body)
}
