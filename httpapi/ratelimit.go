package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/config"
)

// rateLimiter enforces the API_RATE_LIMIT quota ("N/unit") with a fixed
// window counter per client identifier. A fixed window matches the
// configured quota exactly (N requests per window, resetting on the
// boundary), which is what operators reading "600/h" expect; the slight
// burst allowance at window edges is acceptable at this service's scale.
type rateLimiter struct {
	mu      sync.Mutex
	spec    config.RateLimitSpec
	windows map[string]*clientWindow
}

type clientWindow struct {
	start time.Time
	count int64
}

func newRateLimiter(spec config.RateLimitSpec) *rateLimiter {
	return &rateLimiter{spec: spec, windows: make(map[string]*clientWindow)}
}

// Allow reports whether client may make one more request in the current
// window. Expired windows are dropped lazily on their owner's next request
// and swept whenever the map grows past a nominal bound, so a scan of
// distinct client IDs can't grow the map forever.
func (rl *rateLimiter) Allow(client string) bool {
	if rl.spec.N <= 0 {
		return true
	}
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.windows) > 10_000 {
		for k, w := range rl.windows {
			if now.Sub(w.start) >= rl.spec.Window {
				delete(rl.windows, k)
			}
		}
	}

	w, ok := rl.windows[client]
	if !ok || now.Sub(w.start) >= rl.spec.Window {
		rl.windows[client] = &clientWindow{start: now, count: 1}
		return true
	}
	w.count++
	return w.count <= rl.spec.N
}

// clientIdentifier picks the rate-limit key for a request: the session
// identifier when present, the remote IP otherwise.
func clientIdentifier(r *http.Request) string {
	if id := r.URL.Query().Get("session_id"); id != "" {
		return id
	}
	if id := r.Header.Get("X-Session-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
