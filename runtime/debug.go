package runtime

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// DebugToken gates access to the debug endpoint's status/snapshot/diff/stop
// actions. Check is constant-time-free on purpose: it's a simple
// equality check against an operator-held shared secret, not a
// cryptographic credential, so timing leakage isn't a meaningful concern
// here. A generic "forbidden" is returned by the caller on mismatch rather
// than distinguishing "wrong token" from "no token configured", so a probe
// can't learn whether the endpoint is enabled at all.
type DebugToken string

// Check reports whether supplied matches the configured token. An
// empty configured token disables the endpoint entirely (always false).
func (t DebugToken) Check(supplied string) bool {
	return t != "" && string(t) == supplied
}

// HeapSnapshot is one point-in-time capture of heap statistics, retained
// for the debug endpoint's "diff" action.
type HeapSnapshot struct {
	ID          int64     `json:"id"`
	TakenAt     time.Time `json:"taken_at"`
	HeapAllocMB float64   `json:"heap_alloc_mb"`
	HeapObjects uint64    `json:"heap_objects"`
	NumGC       uint32    `json:"num_gc"`
	Goroutines  int       `json:"goroutines"`
}

// SnapshotDiff is the delta between two HeapSnapshots.
type SnapshotDiff struct {
	FromID           int64   `json:"from_id"`
	ToID             int64   `json:"to_id"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	HeapAllocDeltaMB float64 `json:"heap_alloc_delta_mb"`
	HeapObjectsDelta int64   `json:"heap_objects_delta"`
	GoroutinesDelta  int     `json:"goroutines_delta"`
}

// StatusReport is the debug endpoint's "status" action payload.
type StatusReport struct {
	HeapMB        float64 `json:"heap_mb"`
	LeakSlope     float64 `json:"leak_slope_mb_per_request"`
	ToolCacheSize int     `json:"tool_cache_size"`
	MemLimitMB    int64   `json:"mem_soft_limit_mb"`
	MemTripped    bool    `json:"mem_limit_tripped"`
	Goroutines    int     `json:"goroutines"`
}

const maxRetainedSnapshots = 20

// Debug backs the token-protected debug endpoint: "status" reports current
// guard state, "snapshot" captures a retained heap sample, "diff" compares
// two retained snapshots, and "stop" manually trips the memory guard's
// graceful-restart signal (for an operator confirming the restart path
// works without waiting for real memory pressure).
type Debug struct {
	Leak  *LeakDetector
	Cache *ToolCache
	Mem   *MemoryGuard

	mu        sync.Mutex
	snapshots []HeapSnapshot
	nextID    atomic.Int64
}

// Status returns the current guard state.
func (d *Debug) Status() StatusReport {
	return StatusReport{
		HeapMB:        d.Leak.HeapMB(),
		LeakSlope:     d.Leak.Slope(),
		ToolCacheSize: d.Cache.Len(),
		MemLimitMB:    d.Mem.LimitMB(),
		MemTripped:    d.Mem.Tripped(),
		Goroutines:    runtime.NumGoroutine(),
	}
}

// Snapshot captures and retains a new HeapSnapshot, evicting the oldest
// once more than maxRetainedSnapshots are held.
func (d *Debug) Snapshot() HeapSnapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	snap := HeapSnapshot{
		ID:          d.nextID.Add(1),
		TakenAt:     time.Now(),
		HeapAllocMB: float64(m.HeapAlloc) / (1024 * 1024),
		HeapObjects: m.HeapObjects,
		NumGC:       m.NumGC,
		Goroutines:  runtime.NumGoroutine(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshots = append(d.snapshots, snap)
	if len(d.snapshots) > maxRetainedSnapshots {
		d.snapshots = d.snapshots[len(d.snapshots)-maxRetainedSnapshots:]
	}
	return snap
}

// Diff compares two retained snapshots by ID. If toID is 0, it compares
// fromID against the most recently taken snapshot.
func (d *Debug) Diff(fromID, toID int64) (SnapshotDiff, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	from, ok := d.find(fromID)
	if !ok {
		return SnapshotDiff{}, fmt.Errorf("runtime: no retained snapshot with id %d", fromID)
	}

	var to HeapSnapshot
	if toID == 0 {
		if len(d.snapshots) == 0 {
			return SnapshotDiff{}, fmt.Errorf("runtime: no snapshots retained")
		}
		to = d.snapshots[len(d.snapshots)-1]
	} else {
		var found bool
		to, found = d.find(toID)
		if !found {
			return SnapshotDiff{}, fmt.Errorf("runtime: no retained snapshot with id %d", toID)
		}
	}

	return SnapshotDiff{
		FromID:           from.ID,
		ToID:             to.ID,
		ElapsedSeconds:   to.TakenAt.Sub(from.TakenAt).Seconds(),
		HeapAllocDeltaMB: to.HeapAllocMB - from.HeapAllocMB,
		HeapObjectsDelta: int64(to.HeapObjects) - int64(from.HeapObjects),
		GoroutinesDelta:  to.Goroutines - from.Goroutines,
	}, nil
}

func (d *Debug) find(id int64) (HeapSnapshot, bool) {
	for _, s := range d.snapshots {
		if s.ID == id {
			return s, true
		}
	}
	return HeapSnapshot{}, false
}

// Stop manually trips the memory guard, exercising the same onTrip signal
// a real soft-limit breach would fire.
func (d *Debug) Stop() {
	d.Mem.Check()
	if !d.Mem.Tripped() {
		// Check() only trips when heap is already over the limit; an
		// operator-issued stop should fire unconditionally.
		if d.Mem.fired.CompareAndSwap(false, true) {
			if d.Mem.onTrip != nil {
				d.Mem.onTrip()
			}
		}
	}
}
