package runtime

import (
	"log/slog"
	"runtime"
	"sync"
)

const (
	defaultLeakWindowSize     = 200
	defaultLeakCheckEvery     = 50
	defaultLeakSlopeThreshold = 0.1 // MB per request
)

// LeakDetector watches process memory (approximated via runtime.MemStats'
// HeapAlloc, sampled once per request) over a sliding window and flags a
// sustained upward trend, which in a request-driven server usually means a
// real leak rather than ordinary GC sawtooth.
type LeakDetector struct {
	mu            sync.Mutex
	samples       []float64 // MB, ring buffer up to windowSize
	requestSeq    int64
	windowFlagged bool
	trendEvents   int

	windowSize     int
	checkEvery     int64
	slopeThreshold float64
}

// NewLeakDetector returns a detector with the default window (200
// samples), check interval (every 50 requests), and slope threshold
// (0.1 MB/request).
func NewLeakDetector() *LeakDetector {
	return NewLeakDetectorWith(defaultLeakWindowSize, defaultLeakCheckEvery, defaultLeakSlopeThreshold)
}

// NewLeakDetectorWith builds a detector with explicit bounds; zero or
// negative arguments fall back to the defaults.
func NewLeakDetectorWith(windowSize, checkEvery int, slopeThreshold float64) *LeakDetector {
	if windowSize <= 0 {
		windowSize = defaultLeakWindowSize
	}
	if checkEvery <= 0 {
		checkEvery = defaultLeakCheckEvery
	}
	if slopeThreshold <= 0 {
		slopeThreshold = defaultLeakSlopeThreshold
	}
	return &LeakDetector{
		samples:        make([]float64, 0, windowSize),
		windowSize:     windowSize,
		checkEvery:     int64(checkEvery),
		slopeThreshold: slopeThreshold,
	}
}

// Observe records the current heap size as one sample; call once per
// completed request.
func (d *LeakDetector) Observe() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	d.ObserveValue(float64(m.HeapAlloc) / (1024 * 1024))
}

// ObserveValue records mb as one sample and, every checkEvery requests,
// recomputes the trend slope over the window, logging LEAK_TREND_DETECTED
// once per window when it exceeds the threshold. The "once per window"
// dedup resets only when the slope drops back under the threshold, so a
// sustained leak logs exactly once until it clears.
func (d *LeakDetector) ObserveValue(mb float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.samples) >= d.windowSize {
		d.samples = d.samples[1:]
	}
	d.samples = append(d.samples, mb)
	d.requestSeq++

	if d.requestSeq%d.checkEvery != 0 || len(d.samples) < 2 {
		return
	}

	slope := leastSquaresSlope(d.samples)
	if slope > d.slopeThreshold {
		if !d.windowFlagged {
			slog.Warn("LEAK_TREND_DETECTED",
				"slope_mb_per_request", slope,
				"window", len(d.samples),
			)
			d.windowFlagged = true
			d.trendEvents++
		}
	} else {
		d.windowFlagged = false
	}
}

// Slope returns the current trend slope in MB per request, for the debug
// endpoint and metrics gauge. Zero when fewer than two samples exist.
func (d *LeakDetector) Slope() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return leastSquaresSlope(d.samples)
}

// TrendSlope is Slope with validity: ok is false until at least one full
// check interval of samples has been observed.
func (d *LeakDetector) TrendSlope() (slope float64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int64(len(d.samples)) < d.checkEvery {
		return 0, false
	}
	return leastSquaresSlope(d.samples), true
}

// TrendEvents reports how many times LEAK_TREND_DETECTED has fired.
func (d *LeakDetector) TrendEvents() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trendEvents
}

// leastSquaresSlope fits y = a + b*x over samples indexed 0..n-1 and
// returns b (MB per request, since one sample is taken per request).
func leastSquaresSlope(samples []float64) float64 {
	n := float64(len(samples))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range samples {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// HeapMB returns the most recent sample, for the debug endpoint.
func (d *LeakDetector) HeapMB() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.samples) == 0 {
		return 0
	}
	return d.samples[len(d.samples)-1]
}
