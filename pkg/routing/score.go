package routing

import (
	"privacyroute/pkg/proto"
)

// costWeight is fixed and deliberately not configurable.
const costWeight = 0.1

type typeProfile struct {
	privacy float64
	cost    float64
	quality proto.RouteQuality
}

// Baseline priors used until empirical samples arrive. cost is the inverse of
// resource cost, so cheaper routes score higher.
var profiles = map[proto.RouteType]typeProfile{
	proto.RouteDirect: {privacy: 0.3, cost: 0.9, quality: proto.RouteQuality{
		LatencyMS: 20, BandwidthMbps: 100, PacketLossPercent: 0.1, JitterMS: 2, Reliability: 0.95, Stability: 0.95,
	}},
	proto.RouteRelay: {privacy: 0.7, cost: 0.7, quality: proto.RouteQuality{
		LatencyMS: 60, BandwidthMbps: 50, PacketLossPercent: 0.5, JitterMS: 5, Reliability: 0.9, Stability: 0.9,
	}},
	proto.RouteProxy: {privacy: 0.8, cost: 0.6, quality: proto.RouteQuality{
		LatencyMS: 90, BandwidthMbps: 40, PacketLossPercent: 0.5, JitterMS: 8, Reliability: 0.85, Stability: 0.85,
	}},
	proto.RouteTor: {privacy: 0.95, cost: 0.3, quality: proto.RouteQuality{
		LatencyMS: 300, BandwidthMbps: 5, PacketLossPercent: 1, JitterMS: 30, Reliability: 0.75, Stability: 0.7,
	}},
	proto.RouteMixed: {privacy: 0.6, cost: 0.5, quality: proto.RouteQuality{
		LatencyMS: 150, BandwidthMbps: 20, PacketLossPercent: 0.8, JitterMS: 15, Reliability: 0.8, Stability: 0.8,
	}},
}

// DefaultQuality returns the baseline quality prior for a route type.
func DefaultQuality(t proto.RouteType) proto.RouteQuality {
	return profiles[t].quality
}

// PrivacyAnalyzer estimates how well a route resists traffic analysis.
type PrivacyAnalyzer interface {
	PrivacyScore(route proto.RouteInfo) float64
	CostScore(route proto.RouteInfo) float64
}

// PriorAnalyzer scores by route type only. It stands in for a real
// traffic-analysis-resistance estimator.
type PriorAnalyzer struct{}

func (PriorAnalyzer) PrivacyScore(route proto.RouteInfo) float64 {
	return profiles[route.RouteType].privacy
}

func (PriorAnalyzer) CostScore(route proto.RouteInfo) float64 {
	return profiles[route.RouteType].cost
}

// CalculateRouteScore is a pure function of the route's quality, its type and
// the performance weight.
func CalculateRouteScore(route proto.RouteInfo, performanceWeight float64, privacy PrivacyAnalyzer) proto.RouteScore {
	if privacy == nil {
		privacy = PriorAnalyzer{}
	}
	q := route.Quality
	perf := 0.4*latencyBucketScore(q.LatencyMS) + 0.4*bandwidthBucketScore(q.BandwidthMbps) + 0.2*clampUnit(q.Reliability)
	perf = clampUnit(perf)
	priv := clampUnit(privacy.PrivacyScore(route))
	cost := clampUnit(privacy.CostScore(route))
	w := clampUnit(performanceWeight)
	overall := perf*w + priv*(1-w) + cost*costWeight
	return proto.RouteScore{
		PerformanceScore: perf,
		PrivacyScore:     priv,
		CostScore:        cost,
		OverallScore:     clampUnit(overall),
	}
}

// Step functions; quantizing keeps small jitter from flipping route choice.
func latencyBucketScore(ms float64) float64 {
	switch {
	case ms < 50:
		return 1.0
	case ms < 100:
		return 0.8
	case ms < 200:
		return 0.6
	case ms < 500:
		return 0.4
	default:
		return 0.2
	}
}

func bandwidthBucketScore(mbps float64) float64 {
	switch {
	case mbps >= 100:
		return 1.0
	case mbps >= 50:
		return 0.8
	case mbps >= 20:
		return 0.6
	case mbps >= 10:
		return 0.4
	default:
		return 0.2
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
