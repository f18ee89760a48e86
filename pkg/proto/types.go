package proto

import (
	"fmt"
	"strings"
	"time"
)

type BalanceMode string

const (
	ModePerformance BalanceMode = "performance"
	ModeBalanced    BalanceMode = "balanced"
	ModePrivacy     BalanceMode = "privacy"
	ModeAdaptive    BalanceMode = "adaptive"
)

func ParseBalanceMode(raw string) (BalanceMode, error) {
	switch m := BalanceMode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModePerformance, ModeBalanced, ModePrivacy, ModeAdaptive:
		return m, nil
	case "":
		return ModeBalanced, nil
	default:
		return "", fmt.Errorf("unknown balance mode %q", raw)
	}
}

// RouteType is a closed set. The order of the constants is only used to break
// exact ties deterministically; it does not rank quality.
type RouteType string

const (
	RouteDirect RouteType = "direct"
	RouteRelay  RouteType = "relay"
	RouteProxy  RouteType = "proxy"
	RouteTor    RouteType = "tor"
	RouteMixed  RouteType = "mixed"
)

var AllRouteTypes = []RouteType{RouteDirect, RouteRelay, RouteProxy, RouteTor, RouteMixed}

func ParseRouteType(raw string) (RouteType, error) {
	t := RouteType(strings.ToLower(strings.TrimSpace(raw)))
	if t.Ordinal() < 0 {
		return "", fmt.Errorf("unknown route type %q", raw)
	}
	return t, nil
}

func (t RouteType) Ordinal() int {
	for i, v := range AllRouteTypes {
		if v == t {
			return i
		}
	}
	return -1
}

type ConnectionQuality struct {
	LatencyMS         float64   `json:"latency_ms"`
	BandwidthMbps     float64   `json:"bandwidth_mbps"`
	PacketLossPercent float64   `json:"packet_loss_percent"`
	JitterMS          float64   `json:"jitter_ms"`
	Reliability       float64   `json:"reliability"`
	Stability         float64   `json:"stability"`
	ObservedAt        time.Time `json:"observed_at"`
}

type RouteQuality struct {
	LatencyMS         float64   `json:"latency_ms"`
	BandwidthMbps     float64   `json:"bandwidth_mbps"`
	PacketLossPercent float64   `json:"packet_loss_percent"`
	JitterMS          float64   `json:"jitter_ms"`
	Reliability       float64   `json:"reliability"`
	Stability         float64   `json:"stability"`
	LastUpdated       time.Time `json:"last_updated"`
}

type RouteScore struct {
	PerformanceScore float64 `json:"performance_score"`
	PrivacyScore     float64 `json:"privacy_score"`
	CostScore        float64 `json:"cost_score"`
	OverallScore     float64 `json:"overall_score"`
}

type RouteInfo struct {
	RouteType     RouteType    `json:"route_type"`
	Target        string       `json:"target"`
	NextHop       string       `json:"next_hop,omitempty"`
	Quality       RouteQuality `json:"quality"`
	Score         RouteScore   `json:"score"`
	EstablishedAt time.Time    `json:"established_at"`
	UsageCount    uint64       `json:"usage_count"`
}

type RouteSelection struct {
	Timestamp         time.Time   `json:"timestamp"`
	Target            string      `json:"target"`
	SelectedRoute     RouteInfo   `json:"selected_route"`
	AlternativeRoutes []RouteInfo `json:"alternative_routes,omitempty"`
	Reason            string      `json:"reason"`
}

type RoutingStats struct {
	TotalRoutes           int `json:"total_routes"`
	UniqueTargets         int `json:"unique_targets"`
	SelectionHistoryCount int `json:"selection_history_count"`
}

type PerformanceMetric string

const (
	MetricLatency    PerformanceMetric = "latency"
	MetricBandwidth  PerformanceMetric = "bandwidth"
	MetricPacketLoss PerformanceMetric = "packet_loss"
	MetricJitter     PerformanceMetric = "jitter"
)

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
	TrendStable    Trend = "stable"
)

// Control API shapes served by the selector role.

type AddRouteRequest struct {
	Target string    `json:"target"`
	Route  RouteInfo `json:"route"`
}

type FailoverRequest struct {
	Target          string    `json:"target"`
	FailedRouteType RouteType `json:"failed_route_type"`
}

type QualityReport struct {
	Target    string            `json:"target"`
	RouteType RouteType         `json:"route_type"`
	Sample    ConnectionQuality `json:"sample"`
}

type RouteResponse struct {
	Route RouteInfo `json:"route"`
}

type MultipathResponse struct {
	Routes []RouteInfo `json:"routes"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
