package master

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Stats is a point-in-time view of master activity.
type Stats struct {
	State          State   `json:"state"`
	Nodes          int     `json:"nodes"`
	QueueLength    int     `json:"queue_length"`
	Pending        int     `json:"pending"`
	Submitted      int64   `json:"submitted"`
	Completed      int64   `json:"completed"`
	Lost           int64   `json:"lost"`
	Failed         int64   `json:"failed"`
	NodesEvicted   int64   `json:"nodes_evicted"`
	NodesJoined    int64   `json:"nodes_joined"`
	LatencyP50Ms   int64   `json:"latency_p50_ms"`
	LatencyP95Ms   int64   `json:"latency_p95_ms"`
	LatencyP99Ms   int64   `json:"latency_p99_ms"`
	LatencyMaxMs   int64   `json:"latency_max_ms"`
	LatencyMeanMs  float64 `json:"latency_mean_ms"`
	LatencySamples int64   `json:"latency_samples"`
}

const maxTrackedLatencyMs = int64(time.Hour / time.Millisecond)

// statsCollector accumulates counters and the submit-to-completion latency histogram.
type statsCollector struct {
	submitted    atomic.Int64
	completed    atomic.Int64
	lost         atomic.Int64
	failed       atomic.Int64
	nodesEvicted atomic.Int64
	nodesJoined  atomic.Int64

	mu      sync.Mutex
	latency *hdrhistogram.Histogram
}

func newStatsCollector() *statsCollector {
	return &statsCollector{
		latency: hdrhistogram.New(1, maxTrackedLatencyMs, 3),
	}
}

func (s *statsCollector) recordCompletion(c *Completion) {
	if c.NodeLost {
		s.lost.Add(1)
		return
	}
	if c.Error != "" {
		s.failed.Add(1)
		return
	}
	s.completed.Add(1)

	ms := c.Latency.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	if ms > maxTrackedLatencyMs {
		ms = maxTrackedLatencyMs
	}
	s.mu.Lock()
	_ = s.latency.RecordValue(ms)
	s.mu.Unlock()
}

func (s *statsCollector) fill(out *Stats) {
	out.Submitted = s.submitted.Load()
	out.Completed = s.completed.Load()
	out.Lost = s.lost.Load()
	out.Failed = s.failed.Load()
	out.NodesEvicted = s.nodesEvicted.Load()
	out.NodesJoined = s.nodesJoined.Load()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latency.TotalCount() == 0 {
		return
	}
	out.LatencyP50Ms = s.latency.ValueAtQuantile(50)
	out.LatencyP95Ms = s.latency.ValueAtQuantile(95)
	out.LatencyP99Ms = s.latency.ValueAtQuantile(99)
	out.LatencyMaxMs = s.latency.Max()
	out.LatencyMeanMs = s.latency.Mean()
	out.LatencySamples = s.latency.TotalCount()
}
