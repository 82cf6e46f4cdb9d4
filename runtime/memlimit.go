package runtime

import (
	"log/slog"
	"runtime"
	"sync/atomic"
)

const defaultSoftMemLimitMB = 450

// MemoryGuard checks heap usage against a soft limit and signals a
// graceful restart exactly once per worker lifetime when it's exceeded,
// instead of repeatedly firing on every request above the limit. The
// caller (the HTTP server's shutdown path) is responsible for actually
// acting on the signal -- draining in-flight requests and exiting so a
// process supervisor restarts a clean worker.
type MemoryGuard struct {
	limitMB int64
	fired   atomic.Bool
	onTrip  func()
}

// NewMemoryGuard builds a guard at limitMB (default 450 if <= 0). onTrip,
// if non-nil, is invoked exactly once the first time the limit is crossed.
func NewMemoryGuard(limitMB int, onTrip func()) *MemoryGuard {
	if limitMB <= 0 {
		limitMB = defaultSoftMemLimitMB
	}
	return &MemoryGuard{limitMB: int64(limitMB), onTrip: onTrip}
}

// Check reads current heap usage and trips the guard if it's over the
// limit. Safe to call once per request.
func (g *MemoryGuard) Check() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	g.CheckValue(float64(m.HeapAlloc) / (1024 * 1024))
}

// CheckValue trips the guard if mb crosses the soft limit. Firing happens
// at most once per worker lifetime no matter how many samples stay above
// the limit afterwards.
func (g *MemoryGuard) CheckValue(mb float64) {
	if int64(mb) < g.limitMB {
		return
	}
	if g.fired.CompareAndSwap(false, true) {
		slog.Warn("SOFT_LIMIT_EXCEEDED",
			"heap_mb", int64(mb),
			"limit_mb", g.limitMB,
			"action", "requesting graceful restart",
		)
		if g.onTrip != nil {
			g.onTrip()
		}
	}
}

// Tripped reports whether the soft limit has ever been crossed.
func (g *MemoryGuard) Tripped() bool {
	return g.fired.Load()
}

// LimitMB returns the configured soft limit, for the debug endpoint.
func (g *MemoryGuard) LimitMB() int64 {
	return g.limitMB
}
