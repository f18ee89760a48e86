package quality

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"privacyroute/pkg/proto"
)

func sampleWithLatency(ms float64) proto.ConnectionQuality {
	return proto.ConnectionQuality{
		LatencyMS:     ms,
		BandwidthMbps: 50,
		Reliability:   0.9,
		Stability:     0.9,
		ObservedAt:    time.Unix(1_700_000_000, 0).Add(time.Duration(ms) * time.Millisecond),
	}
}

func TestEmptyAnalyzerReturnsSafeDefaults(t *testing.T) {
	a := NewAnalyzer(10)
	_, ok := a.AnalyzeCurrentQuality()
	require.False(t, ok)
	require.Equal(t, Statistics{}, a.GetStatistics())
	require.False(t, a.IsConnectionHealthy())
	_, ok = a.Estimate()
	require.False(t, ok)
	require.Empty(t, a.Samples())
}

func TestUpdateQualityKeepsLastCapacitySamplesInOrder(t *testing.T) {
	a := NewAnalyzer(5)
	for i := 1; i <= 12; i++ {
		a.UpdateQuality(sampleWithLatency(float64(i)))
	}
	got := a.Samples()
	require.Len(t, got, 5)
	for i, s := range got {
		require.Equal(t, float64(8+i), s.LatencyMS)
	}
	cur, ok := a.AnalyzeCurrentQuality()
	require.True(t, ok)
	require.Equal(t, 12.0, cur.LatencyMS)
}

func TestTrendNeedsMinimumSamples(t *testing.T) {
	a := NewAnalyzer(50)
	for i := 0; i < MinTrendSamples-1; i++ {
		a.UpdateQuality(sampleWithLatency(float64(10 + i)))
	}
	for _, m := range []proto.PerformanceMetric{proto.MetricLatency, proto.MetricBandwidth, proto.MetricPacketLoss, proto.MetricJitter} {
		_, ok := a.AnalyzePerformanceTrend(m)
		require.False(t, ok, "metric %s", m)
	}
	a.UpdateQuality(sampleWithLatency(20))
	_, ok := a.AnalyzePerformanceTrend(proto.MetricLatency)
	require.True(t, ok)
}

func TestTrendDirections(t *testing.T) {
	rising := NewAnalyzer(40)
	for i := 0; i < 20; i++ {
		rising.UpdateQuality(sampleWithLatency(float64(20 + 10*i)))
	}
	trend, ok := rising.AnalyzePerformanceTrend(proto.MetricLatency)
	require.True(t, ok)
	require.Equal(t, proto.TrendDegrading, trend)

	flat := NewAnalyzer(40)
	for i := 0; i < 20; i++ {
		s := sampleWithLatency(100)
		s.BandwidthMbps = 50 + float64(i%2)
		flat.UpdateQuality(s)
	}
	trend, ok = flat.AnalyzePerformanceTrend(proto.MetricBandwidth)
	require.True(t, ok)
	require.Equal(t, proto.TrendStable, trend)

	faster := NewAnalyzer(40)
	for i := 0; i < 20; i++ {
		s := sampleWithLatency(100)
		s.BandwidthMbps = 10 + float64(5*i)
		faster.UpdateQuality(s)
	}
	trend, ok = faster.AnalyzePerformanceTrend(proto.MetricBandwidth)
	require.True(t, ok)
	require.Equal(t, proto.TrendImproving, trend)
}

func TestStatisticsMeans(t *testing.T) {
	a := NewAnalyzer(10)
	a.UpdateQuality(proto.ConnectionQuality{LatencyMS: 10, BandwidthMbps: 100, PacketLossPercent: 1, JitterMS: 2, Reliability: 1, Stability: 0.5})
	a.UpdateQuality(proto.ConnectionQuality{LatencyMS: 30, BandwidthMbps: 50, PacketLossPercent: 3, JitterMS: 4, Reliability: 0.5, Stability: 1})
	st := a.GetStatistics()
	require.Equal(t, 2, st.TotalSamples)
	require.InDelta(t, 20, st.AvgLatencyMS, 1e-9)
	require.InDelta(t, 75, st.AvgBandwidthMbps, 1e-9)
	require.InDelta(t, 2, st.AvgPacketLoss, 1e-9)
	require.InDelta(t, 3, st.AvgJitterMS, 1e-9)
	require.InDelta(t, 0.75, st.AvgReliability, 1e-9)
	require.InDelta(t, 0.75, st.AvgStability, 1e-9)
	require.False(t, st.LastObservedAt.IsZero())
}

func TestHealthUsesLatestSample(t *testing.T) {
	a := NewAnalyzer(10)
	a.UpdateQuality(proto.ConnectionQuality{PacketLossPercent: 1, Reliability: 0.9})
	require.True(t, a.IsConnectionHealthy())
	a.UpdateQuality(proto.ConnectionQuality{PacketLossPercent: 7, Reliability: 0.9})
	require.False(t, a.IsConnectionHealthy())
	a.UpdateQuality(proto.ConnectionQuality{PacketLossPercent: 0, Reliability: 0.4})
	require.False(t, a.IsConnectionHealthy())
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	a := NewAnalyzer(1000)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				a.UpdateQuality(sampleWithLatency(1))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 800, a.Len())
}
