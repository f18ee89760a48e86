// Package selector serves the route selection engine over HTTP and runs the
// periodic quality monitor.
package selector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"privacyroute/pkg/config"
	"privacyroute/pkg/crypto"
	plog "privacyroute/pkg/logging"
	"privacyroute/pkg/metrics"
	"privacyroute/pkg/overlay"
	"privacyroute/pkg/proto"
	"privacyroute/pkg/quality"
	"privacyroute/pkg/routing"
	"privacyroute/pkg/store"
)

const defaultHistoryLimit = 50

type StatsResponse struct {
	Routing proto.RoutingStats `json:"routing"`
	Overlay *overlay.Stats     `json:"overlay,omitempty"`
	Crypto  *crypto.Metrics    `json:"crypto,omitempty"`
}

type HistoryResponse struct {
	Selections []proto.RouteSelection `json:"selections"`
}

type RoutesResponse struct {
	Routes []proto.RouteInfo `json:"routes"`
}

type Service struct {
	addr     string
	interval time.Duration
	engine   *routing.Engine
	overlay  *overlay.PrivacyOverlay
	store    *store.Store
	backend  *plog.Backend
	log      *logging.Logger
	httpSrv  *http.Server
}

// New wires the service. ov and st may be nil.
func New(cfg *config.Config, engine *routing.Engine, ov *overlay.PrivacyOverlay, st *store.Store, backend *plog.Backend) *Service {
	if backend == nil {
		backend = plog.Discard()
	}
	return &Service{
		addr:     cfg.Selector.Addr,
		interval: cfg.Routing.MonitoringInterval(),
		engine:   engine,
		overlay:  ov,
		store:    st,
		backend:  backend,
		log:      backend.GetLogger("selector"),
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/routes", s.handleRoutes)
	mux.HandleFunc("/v1/route/select", s.handleSelect)
	mux.HandleFunc("/v1/route/multipath", s.handleMultipath)
	mux.HandleFunc("/v1/route/failover", s.handleFailover)
	mux.HandleFunc("/v1/quality", s.handleQuality)
	mux.HandleFunc("/v1/history", s.handleHistory)
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Service) Run(ctx context.Context) error {
	cfg := s.engine.Config()
	s.log.Noticef("selector config: mode=%s performance_weight=%.2f min_privacy=%.2f min_performance=%.2f fallback_direct=%t monitor_sec=%d",
		cfg.Mode, cfg.PerformanceWeight, cfg.MinPrivacyScore, cfg.MinPerformanceScore, cfg.FallbackToDirect, int(s.interval/time.Second))

	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          s.backend.GetGoLogger("selector_http", "WARNING"),
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Noticef("selector listening on %s", s.addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()
	go s.monitor(ctx)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Service) monitor(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkQuality()
		}
	}
}

// checkQuality logs unhealthy routes and degrading latency, and returns how
// many routes it flagged.
func (s *Service) checkQuality() int {
	flagged := 0
	s.engine.EachAnalyzer(func(target string, rt proto.RouteType, a *quality.Analyzer) {
		if a.Len() == 0 {
			return
		}
		if !a.IsConnectionHealthy() {
			st := a.GetStatistics()
			s.log.Warningf("route unhealthy target=%s type=%s loss=%.2f reliability=%.2f samples=%d",
				target, rt, st.AvgPacketLoss, st.AvgReliability, st.TotalSamples)
			flagged++
			return
		}
		if trend, ok := a.AnalyzePerformanceTrend(proto.MetricLatency); ok && trend == proto.TrendDegrading {
			s.log.Noticef("route latency degrading target=%s type=%s", target, rt)
			flagged++
		}
	})
	st := s.engine.GetRoutingStats()
	s.log.Infof("routing stats routes=%d targets=%d selections=%d flagged=%d",
		st.TotalRoutes, st.UniqueTargets, st.SelectionHistoryCount, flagged)
	return flagged
}

func (s *Service) handleRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		target := strings.TrimSpace(r.URL.Query().Get("target"))
		if target == "" {
			writeError(w, http.StatusBadRequest, errors.New("target required"))
			return
		}
		writeJSON(w, http.StatusOK, RoutesResponse{Routes: s.engine.Routes(target)})
	case http.MethodPost:
		var req proto.AddRouteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid json"))
			return
		}
		req.Target = strings.TrimSpace(req.Target)
		if req.Target == "" {
			writeError(w, http.StatusBadRequest, errors.New("target required"))
			return
		}
		if req.Route.RouteType.Ordinal() < 0 {
			writeError(w, http.StatusBadRequest, errors.New("unknown route_type"))
			return
		}
		s.engine.AddRoute(req.Target, req.Route)
		for _, route := range s.engine.Routes(req.Target) {
			if route.RouteType == req.Route.RouteType {
				writeJSON(w, http.StatusOK, proto.RouteResponse{Route: route})
				return
			}
		}
		writeError(w, http.StatusInternalServerError, errors.New("route not stored"))
	case http.MethodDelete:
		target := strings.TrimSpace(r.URL.Query().Get("target"))
		rt, err := proto.ParseRouteType(r.URL.Query().Get("type"))
		if target == "" || err != nil {
			writeError(w, http.StatusBadRequest, errors.New("target and a valid type required"))
			return
		}
		if !s.engine.RemoveRoute(target, rt) {
			writeError(w, http.StatusNotFound, errors.New("route not found"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	target := strings.TrimSpace(r.URL.Query().Get("target"))
	if target == "" {
		writeError(w, http.StatusBadRequest, errors.New("target required"))
		return
	}
	route, err := s.engine.SelectBestRoute(target)
	if err != nil {
		writeRoutingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.RouteResponse{Route: route})
}

func (s *Service) handleMultipath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	target := strings.TrimSpace(r.URL.Query().Get("target"))
	if target == "" {
		writeError(w, http.StatusBadRequest, errors.New("target required"))
		return
	}
	routes, err := s.engine.SelectMultipaths(target)
	if err != nil {
		writeRoutingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.MultipathResponse{Routes: routes})
}

func (s *Service) handleFailover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req proto.FailoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return
	}
	req.Target = strings.TrimSpace(req.Target)
	if req.Target == "" || req.FailedRouteType.Ordinal() < 0 {
		writeError(w, http.StatusBadRequest, errors.New("target and a valid failed_route_type required"))
		return
	}
	route, err := s.engine.Failover(req.Target, req.FailedRouteType)
	if err != nil {
		writeRoutingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.RouteResponse{Route: route})
}

func (s *Service) handleQuality(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req proto.QualityReport
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return
	}
	req.Target = strings.TrimSpace(req.Target)
	if req.Target == "" || req.RouteType.Ordinal() < 0 {
		writeError(w, http.StatusBadRequest, errors.New("target and a valid route_type required"))
		return
	}
	if req.Sample.ObservedAt.IsZero() {
		req.Sample.ObservedAt = time.Now()
	}
	if !s.engine.RecordQuality(req.Target, req.RouteType, req.Sample) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no %s route to %s", req.RouteType, req.Target))
		return
	}
	if s.store != nil {
		if err := s.store.SaveQuality(r.Context(), req.Target, req.RouteType, req.Sample); err != nil {
			s.log.Warningf("quality mirror failed target=%s type=%s err=%v", req.Target, req.RouteType, err)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	target := strings.TrimSpace(r.URL.Query().Get("target"))
	limit := defaultHistoryLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if s.store != nil && target != "" {
		sels, err := s.store.RecentSelections(r.Context(), target, limit)
		if err == nil {
			writeJSON(w, http.StatusOK, HistoryResponse{Selections: sels})
			return
		}
		s.log.Warningf("history read failed target=%s err=%v", target, err)
	}

	// In-memory ring, newest first to match the store.
	all := s.engine.History()
	out := make([]proto.RouteSelection, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if target == "" || all[i].Target == target {
			out = append(out, all[i])
		}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Selections: out})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := StatsResponse{Routing: s.engine.GetRoutingStats()}
	if s.overlay != nil {
		st := s.overlay.GetStats()
		m := s.overlay.Engine().Metrics()
		resp.Overlay = &st
		resp.Crypto = &m
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, proto.ErrorResponse{Error: err.Error()})
}

func writeRoutingError(w http.ResponseWriter, err error) {
	writeJSON(w, routingStatus(err), proto.ErrorResponse{Error: err.Error(), Code: routing.Code(err)})
}

func routingStatus(err error) int {
	switch {
	case errors.Is(err, routing.ErrRouteEstablishmentFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, routing.ErrNoRoutesAvailable):
		return http.StatusNotFound
	case errors.Is(err, routing.ErrDiscoveryFailed):
		return http.StatusBadGateway
	case errors.Is(err, routing.ErrPrivacyRequirementNotMet), errors.Is(err, routing.ErrPerformanceRequirementNotMet):
		return http.StatusConflict
	case errors.Is(err, routing.ErrPoorRouteQuality):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
