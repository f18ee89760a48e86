package selector

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"privacyroute/pkg/config"
	"privacyroute/pkg/overlay"
	"privacyroute/pkg/proto"
	"privacyroute/pkg/routing"
	"privacyroute/pkg/store"
)

func newTestService(t *testing.T, mutate func(*config.Config), st *store.Store) (*Service, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Routing.Mode = proto.ModePerformance
	cfg.Routing.PerformanceWeight = 0.8
	if mutate != nil {
		mutate(cfg)
	}
	var opts []routing.Option
	if st != nil {
		opts = append(opts, routing.WithHistorySink(st))
	}
	engine := routing.NewEngine(cfg.Routing, nil, opts...)
	ov, err := overlay.NewPrivacyOverlay(cfg)
	require.NoError(t, err)
	t.Cleanup(ov.Close)

	s := New(cfg, engine, ov, st, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func addScenarioRoutes(t *testing.T, base string) {
	t.Helper()
	routes := []proto.RouteInfo{
		{RouteType: proto.RouteDirect, Quality: proto.RouteQuality{LatencyMS: 30, BandwidthMbps: 150, Reliability: 0.98}},
		{RouteType: proto.RouteTor, Quality: proto.RouteQuality{LatencyMS: 320, BandwidthMbps: 8, Reliability: 0.75}},
	}
	for _, r := range routes {
		resp := postJSON(t, base+"/v1/routes", proto.AddRouteRequest{Target: "peer-A", Route: r})
		got := decode[proto.RouteResponse](t, resp)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, r.RouteType, got.Route.RouteType)
		require.Equal(t, "peer-A", got.Route.Target)
		require.Greater(t, got.Route.Score.OverallScore, 0.0)
	}
}

func TestSelectPrefersDirectUnderPerformanceWeight(t *testing.T) {
	_, srv := newTestService(t, nil, nil)
	addScenarioRoutes(t, srv.URL)

	resp, err := http.Get(srv.URL + "/v1/route/select?target=peer-A")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[proto.RouteResponse](t, resp)
	require.Equal(t, proto.RouteDirect, got.Route.RouteType)
	require.Equal(t, uint64(1), got.Route.UsageCount)

	resp, err = http.Get(srv.URL + "/v1/stats")
	require.NoError(t, err)
	stats := decode[StatsResponse](t, resp)
	require.Equal(t, 2, stats.Routing.TotalRoutes)
	require.Equal(t, 1, stats.Routing.UniqueTargets)
	require.Equal(t, 1, stats.Routing.SelectionHistoryCount)
	require.NotNil(t, stats.Overlay)
	require.Equal(t, "performance", stats.Overlay.Mode)
}

func TestSelectReportsPrivacyFloor(t *testing.T) {
	_, srv := newTestService(t, func(c *config.Config) { c.Routing.MinPrivacyScore = 0.9 }, nil)
	addScenarioRoutes(t, srv.URL)

	resp, err := http.Get(srv.URL + "/v1/route/select?target=peer-A")
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	got := decode[proto.ErrorResponse](t, resp)
	require.Equal(t, "privacy_requirement_not_met", got.Code)
}

func TestSelectUnknownTarget(t *testing.T) {
	_, srv := newTestService(t, nil, nil)

	resp, err := http.Get(srv.URL + "/v1/route/select?target=nobody")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "no_routes_available", decode[proto.ErrorResponse](t, resp).Code)

	resp, err = http.Get(srv.URL + "/v1/route/select")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestMultipathAndFailover(t *testing.T) {
	_, srv := newTestService(t, nil, nil)
	addScenarioRoutes(t, srv.URL)

	resp, err := http.Get(srv.URL + "/v1/route/multipath?target=peer-A")
	require.NoError(t, err)
	multi := decode[proto.MultipathResponse](t, resp)
	require.Len(t, multi.Routes, 2)
	require.Equal(t, proto.RouteDirect, multi.Routes[0].RouteType)

	resp = postJSON(t, srv.URL+"/v1/route/failover", proto.FailoverRequest{Target: "peer-A", FailedRouteType: proto.RouteDirect})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, proto.RouteTor, decode[proto.RouteResponse](t, resp).Route.RouteType)

	resp = postJSON(t, srv.URL+"/v1/route/failover", proto.FailoverRequest{Target: "  peer-A\n", FailedRouteType: proto.RouteDirect})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, proto.RouteTor, decode[proto.RouteResponse](t, resp).Route.RouteType)

	resp = postJSON(t, srv.URL+"/v1/route/failover", proto.FailoverRequest{Target: "ghost", FailedRouteType: proto.RouteDirect})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "route_establishment_failed", decode[proto.ErrorResponse](t, resp).Code)
}

func TestRemoveRoute(t *testing.T) {
	_, srv := newTestService(t, nil, nil)
	addScenarioRoutes(t, srv.URL)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/routes?target=peer-A&type=tor", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/routes?target=peer-A")
	require.NoError(t, err)
	routes := decode[RoutesResponse](t, resp)
	require.Len(t, routes.Routes, 1)
	require.Equal(t, proto.RouteDirect, routes.Routes[0].RouteType)
}

func TestAddRouteRejectsUnknownType(t *testing.T) {
	_, srv := newTestService(t, nil, nil)
	resp := postJSON(t, srv.URL+"/v1/routes", proto.AddRouteRequest{Target: "peer-A", Route: proto.RouteInfo{RouteType: "carrier-pigeon"}})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQualityReportsFeedMonitorAndStore(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := store.New(config.Redis{Addr: mr.Addr(), KeyPrefix: "sel"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	s, srv := newTestService(t, nil, st)
	addScenarioRoutes(t, srv.URL)
	require.Zero(t, s.checkQuality())

	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/v1/quality", proto.QualityReport{
			Target:    "peer-A",
			RouteType: proto.RouteDirect,
			Sample:    proto.ConnectionQuality{LatencyMS: 40, BandwidthMbps: 50, PacketLossPercent: 25, Reliability: 0.3},
		})
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	require.Equal(t, 1, s.checkQuality())

	mirrored, err := st.LatestQuality(context.Background(), "peer-A")
	require.NoError(t, err)
	require.Equal(t, 25.0, mirrored[proto.RouteDirect].PacketLossPercent)

	// The unhealthy Direct route is skipped, so Tor wins.
	resp, err := http.Get(srv.URL + "/v1/route/select?target=peer-A")
	require.NoError(t, err)
	require.Equal(t, proto.RouteTor, decode[proto.RouteResponse](t, resp).Route.RouteType)

	resp, err = http.Get(srv.URL + "/v1/history?target=peer-A&limit=5")
	require.NoError(t, err)
	hist := decode[HistoryResponse](t, resp)
	require.Len(t, hist.Selections, 1)
	require.Equal(t, proto.RouteTor, hist.Selections[0].SelectedRoute.RouteType)
}

func TestQualityReportForUnknownRouteIsRejected(t *testing.T) {
	s, srv := newTestService(t, nil, nil)
	addScenarioRoutes(t, srv.URL)

	resp := postJSON(t, srv.URL+"/v1/quality", proto.QualityReport{
		Target:    "ghost",
		RouteType: proto.RouteDirect,
		Sample:    proto.ConnectionQuality{LatencyMS: 40, Reliability: 0.9},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/quality", proto.QualityReport{
		Target:    " peer-A ",
		RouteType: proto.RouteTor,
		Sample:    proto.ConnectionQuality{LatencyMS: 300, Reliability: 0.8},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	_, ok := s.engine.Analyzer("ghost", proto.RouteDirect)
	require.False(t, ok)
	_, ok = s.engine.Analyzer("peer-A", proto.RouteTor)
	require.True(t, ok)
}

func TestHistoryFallsBackToMemory(t *testing.T) {
	_, srv := newTestService(t, nil, nil)
	addScenarioRoutes(t, srv.URL)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL + "/v1/route/select?target=peer-A")
		require.NoError(t, err)
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/v1/history?limit=2")
	require.NoError(t, err)
	hist := decode[HistoryResponse](t, resp)
	require.Len(t, hist.Selections, 2)
	require.Equal(t, uint64(3), hist.Selections[0].SelectedRoute.UsageCount)
}

func TestHealthAndMetrics(t *testing.T) {
	_, srv := newTestService(t, nil, nil)

	resp, err := http.Get(srv.URL + "/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
