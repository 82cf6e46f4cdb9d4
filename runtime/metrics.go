package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the leak-aware runtime guards' state as Prometheus
// gauges, registered against a caller-supplied registry so the server can
// mount them alongside its own request-path metrics on one /metrics
// endpoint.
type Metrics struct {
	heapMB     prometheus.Gauge
	leakSlope  prometheus.Gauge
	cacheSize  prometheus.Gauge
	memLimitMB prometheus.Gauge
	memTripped prometheus.Gauge
}

// NewMetrics registers the runtime gauges against reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		heapMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "research_agent_heap_mb",
			Help: "Current Go heap allocation in megabytes.",
		}),
		leakSlope: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "research_agent_leak_slope_mb_per_request",
			Help: "Least-squares slope of heap usage over the last sliding window, in MB per request.",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "research_agent_tool_cache_entries",
			Help: "Current entry count in the bounded tool-result cache.",
		}),
		memLimitMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "research_agent_mem_soft_limit_mb",
			Help: "Configured soft memory limit in megabytes.",
		}),
		memTripped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "research_agent_mem_limit_tripped",
			Help: "1 if the soft memory limit has been crossed this worker lifetime, else 0.",
		}),
	}
	reg.MustRegister(m.heapMB, m.leakSlope, m.cacheSize, m.memLimitMB, m.memTripped)
	return m
}

// Refresh updates every gauge from the current guard state. Called once
// per request alongside LeakDetector.Observe/MemoryGuard.Check.
func (m *Metrics) Refresh(leak *LeakDetector, cache *ToolCache, mem *MemoryGuard) {
	m.heapMB.Set(leak.HeapMB())
	m.leakSlope.Set(leak.Slope())
	if cache != nil {
		m.cacheSize.Set(float64(cache.Len()))
	}
	if mem != nil {
		m.memLimitMB.Set(float64(mem.LimitMB()))
		if mem.Tripped() {
			m.memTripped.Set(1)
		} else {
			m.memTripped.Set(0)
		}
	}
}
