package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/apperr"
)

type ctxKey int

const correlationIDKey ctxKey = 0

// correlationID returns the request's opaque correlation identifier, set by
// the requestID middleware and carried on every log line for the request.
func correlationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// requestID assigns a correlation UUID to every request and echoes it back
// in the X-Request-ID response header.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey, id)))
	})
}

// logRequests emits one structured line per completed request. It
// deliberately does not wrap the ResponseWriter to capture the status
// code: a wrapper that doesn't forward http.Flusher would silently break
// the SSE endpoints, and duration + path is enough signal here.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("correlation_id", correlationID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// observeGuards samples the leak detector, memory guard, and Prometheus
// gauges once per completed request.
func (s *Server) observeGuards(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		s.leak.Observe()
		s.mem.Check()
		if s.metrics != nil {
			s.metrics.Refresh(s.leak, s.cache, s.mem)
		}
	})
}

// traceRequests opens one span per request.
func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), "http "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
			))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit rejects requests over the per-client quota with 429.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIdentifier(r)) {
			s.writeError(w, r, apperr.New(apperr.KindRateLimited, "httpapi.rateLimit", fmt.Errorf("client over quota")))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerAuth enforces Authorization: Bearer on the /v1 surface, only when
// an API key is configured.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.FinGPTAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if header == "" {
			s.writeOpenAIError(w, r, apperr.New(apperr.KindAuthRequired, "httpapi.bearerAuth", fmt.Errorf("missing Authorization header")))
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || token != s.cfg.FinGPTAPIKey {
			s.writeOpenAIError(w, r, apperr.New(apperr.KindAuthInvalid, "httpapi.bearerAuth", fmt.Errorf("invalid bearer token")))
			return
		}
		next.ServeHTTP(w, r)
	})
}
