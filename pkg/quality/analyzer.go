// Package quality keeps a bounded history of observed connection samples for
// one path and answers statistics, trend and health queries over it.
package quality

import (
	"sync"
	"time"

	"privacyroute/pkg/proto"
)

const (
	DefaultCapacity = 100

	// MinTrendSamples is the fewest samples for which a trend is reported.
	MinTrendSamples = 10

	// trendWindow caps how many samples each side of the trend comparison uses.
	trendWindow = 10

	// trendDeadZone is the relative change below which a metric is Stable.
	trendDeadZone = 0.10

	healthyMaxPacketLoss  = 5.0
	healthyMinReliability = 0.5
)

type Statistics struct {
	TotalSamples     int       `json:"total_samples"`
	AvgLatencyMS     float64   `json:"avg_latency_ms"`
	AvgBandwidthMbps float64   `json:"avg_bandwidth_mbps"`
	AvgPacketLoss    float64   `json:"avg_packet_loss_percent"`
	AvgJitterMS      float64   `json:"avg_jitter_ms"`
	AvgReliability   float64   `json:"avg_reliability"`
	AvgStability     float64   `json:"avg_stability"`
	LastObservedAt   time.Time `json:"last_observed_at"`
}

// Analyzer is a fixed-capacity FIFO of samples. The lock is held only for the
// push/evict or the copy-out of the buffer; all arithmetic runs unlocked.
type Analyzer struct {
	mu    sync.Mutex
	buf   []proto.ConnectionQuality
	head  int
	count int
}

func NewAnalyzer(capacity int) *Analyzer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Analyzer{buf: make([]proto.ConnectionQuality, capacity)}
}

func (a *Analyzer) Capacity() int {
	return len(a.buf)
}

func (a *Analyzer) UpdateQuality(sample proto.ConnectionQuality) {
	if sample.ObservedAt.IsZero() {
		sample.ObservedAt = time.Now()
	}
	a.mu.Lock()
	idx := (a.head + a.count) % len(a.buf)
	if a.count == len(a.buf) {
		a.head = (a.head + 1) % len(a.buf)
	} else {
		a.count++
	}
	a.buf[idx] = sample
	a.mu.Unlock()
}

// Samples returns the buffered samples oldest first.
func (a *Analyzer) Samples() []proto.ConnectionQuality {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]proto.ConnectionQuality, a.count)
	for i := 0; i < a.count; i++ {
		out[i] = a.buf[(a.head+i)%len(a.buf)]
	}
	return out
}

func (a *Analyzer) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

func (a *Analyzer) AnalyzeCurrentQuality() (proto.ConnectionQuality, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return proto.ConnectionQuality{}, false
	}
	return a.buf[(a.head+a.count-1)%len(a.buf)], true
}

// AnalyzePerformanceTrend compares the mean of the most recent window with the
// window right before it. ok is false below MinTrendSamples.
func (a *Analyzer) AnalyzePerformanceTrend(metric proto.PerformanceMetric) (proto.Trend, bool) {
	samples := a.Samples()
	if len(samples) < MinTrendSamples {
		return "", false
	}
	extract, higherIsBetter, known := metricExtractor(metric)
	if !known {
		return "", false
	}

	window := len(samples) / 2
	if window > trendWindow {
		window = trendWindow
	}
	recent := samples[len(samples)-window:]
	earlier := samples[len(samples)-2*window : len(samples)-window]
	recentMean := meanOf(recent, extract)
	earlierMean := meanOf(earlier, extract)

	base := earlierMean
	if base < 0 {
		base = -base
	}
	if base < 1e-9 {
		base = 1e-9
	}
	change := (recentMean - earlierMean) / base
	if change < trendDeadZone && change > -trendDeadZone {
		return proto.TrendStable, true
	}
	if (change > 0) == higherIsBetter {
		return proto.TrendImproving, true
	}
	return proto.TrendDegrading, true
}

func (a *Analyzer) GetStatistics() Statistics {
	samples := a.Samples()
	if len(samples) == 0 {
		return Statistics{}
	}
	var st Statistics
	for _, s := range samples {
		st.AvgLatencyMS += s.LatencyMS
		st.AvgBandwidthMbps += s.BandwidthMbps
		st.AvgPacketLoss += s.PacketLossPercent
		st.AvgJitterMS += s.JitterMS
		st.AvgReliability += s.Reliability
		st.AvgStability += s.Stability
		if s.ObservedAt.After(st.LastObservedAt) {
			st.LastObservedAt = s.ObservedAt
		}
	}
	n := float64(len(samples))
	st.TotalSamples = len(samples)
	st.AvgLatencyMS /= n
	st.AvgBandwidthMbps /= n
	st.AvgPacketLoss /= n
	st.AvgJitterMS /= n
	st.AvgReliability /= n
	st.AvgStability /= n
	return st
}

// IsConnectionHealthy checks the latest sample only. An empty buffer is not
// healthy.
func (a *Analyzer) IsConnectionHealthy() bool {
	cur, ok := a.AnalyzeCurrentQuality()
	if !ok {
		return false
	}
	return cur.PacketLossPercent < healthyMaxPacketLoss && cur.Reliability > healthyMinReliability
}

// Estimate folds the buffer into a RouteQuality. ok is false when empty.
func (a *Analyzer) Estimate() (proto.RouteQuality, bool) {
	st := a.GetStatistics()
	if st.TotalSamples == 0 {
		return proto.RouteQuality{}, false
	}
	return proto.RouteQuality{
		LatencyMS:         st.AvgLatencyMS,
		BandwidthMbps:     st.AvgBandwidthMbps,
		PacketLossPercent: st.AvgPacketLoss,
		JitterMS:          st.AvgJitterMS,
		Reliability:       st.AvgReliability,
		Stability:         st.AvgStability,
		LastUpdated:       st.LastObservedAt,
	}, true
}

func metricExtractor(metric proto.PerformanceMetric) (func(proto.ConnectionQuality) float64, bool, bool) {
	switch metric {
	case proto.MetricLatency:
		return func(s proto.ConnectionQuality) float64 { return s.LatencyMS }, false, true
	case proto.MetricBandwidth:
		return func(s proto.ConnectionQuality) float64 { return s.BandwidthMbps }, true, true
	case proto.MetricPacketLoss:
		return func(s proto.ConnectionQuality) float64 { return s.PacketLossPercent }, false, true
	case proto.MetricJitter:
		return func(s proto.ConnectionQuality) float64 { return s.JitterMS }, false, true
	default:
		return nil, false, false
	}
}

func meanOf(samples []proto.ConnectionQuality, extract func(proto.ConnectionQuality) float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += extract(s)
	}
	return sum / float64(len(samples))
}
