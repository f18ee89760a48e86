// Package routing owns the per-target route catalog and picks the path that
// best fits the configured performance/privacy trade-off.
package routing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"privacyroute/pkg/config"
	plog "privacyroute/pkg/logging"
	"privacyroute/pkg/metrics"
	"privacyroute/pkg/proto"
	"privacyroute/pkg/quality"
)

const (
	reasonBestScore      = "best-score"
	reasonFallbackDirect = "fallback-direct"
	reasonFailover       = "failover"
)

// HistorySink receives every recorded selection. It is an observability
// path: errors are logged and never change the selection outcome.
type HistorySink interface {
	AppendSelection(ctx context.Context, sel proto.RouteSelection) error
}

type routeKey struct {
	target    string
	routeType proto.RouteType
}

type Option func(*Engine)

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithHistorySink(s HistorySink) Option {
	return func(e *Engine) { e.sink = s }
}

func WithPrivacyAnalyzer(p PrivacyAnalyzer) Option {
	return func(e *Engine) { e.privacy = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	cfg        config.PrivacyPerformance
	discoverer *Discoverer
	privacy    PrivacyAnalyzer
	sink       HistorySink
	log        *logging.Logger
	now        func() time.Time

	mu       sync.RWMutex
	catalog  map[string][]proto.RouteInfo
	failures map[routeKey]int

	qmu       sync.RWMutex
	analyzers map[routeKey]*quality.Analyzer

	hmu     sync.Mutex
	history []proto.RouteSelection
}

func NewEngine(cfg config.PrivacyPerformance, discoverer *Discoverer, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		discoverer: discoverer,
		privacy:    PriorAnalyzer{},
		now:        time.Now,
		catalog:    make(map[string][]proto.RouteInfo),
		failures:   make(map[routeKey]int),
		analyzers:  make(map[routeKey]*quality.Analyzer),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = plog.Discard().GetLogger("routing")
	}
	if e.cfg.HistorySize <= 0 {
		e.cfg.HistorySize = config.DefaultHistorySize
	}
	if e.cfg.QualityCapacity <= 0 {
		e.cfg.QualityCapacity = config.DefaultQualityCapacity
	}
	if e.cfg.MaxRouteFailures <= 0 {
		e.cfg.MaxRouteFailures = config.DefaultMaxRouteFailures
	}
	return e
}

// AddRoute stores route for target, replacing any entry of the same type.
func (e *Engine) AddRoute(target string, route proto.RouteInfo) {
	route.Target = target
	if route.EstablishedAt.IsZero() {
		route.EstablishedAt = e.now()
	}
	route.Score = CalculateRouteScore(route, e.cfg.PerformanceWeight, e.privacy)

	e.mu.Lock()
	routes := e.catalog[target]
	replaced := false
	for i := range routes {
		if routes[i].RouteType == route.RouteType {
			routes[i] = route
			replaced = true
			break
		}
	}
	if !replaced {
		routes = append(routes, route)
	}
	e.catalog[target] = routes
	delete(e.failures, routeKey{target, route.RouteType})
	e.publishSizeLocked()
	e.mu.Unlock()

	e.log.Debugf("route added target=%s type=%s next_hop=%s replaced=%t", target, route.RouteType, route.NextHop, replaced)
}

// RemoveRoute drops the (target, routeType) entry and its quality history.
func (e *Engine) RemoveRoute(target string, routeType proto.RouteType) bool {
	key := routeKey{target, routeType}
	e.mu.Lock()
	routes := e.catalog[target]
	removed := false
	for i := range routes {
		if routes[i].RouteType == routeType {
			routes = append(routes[:i:i], routes[i+1:]...)
			removed = true
			break
		}
	}
	if len(routes) == 0 {
		delete(e.catalog, target)
	} else {
		e.catalog[target] = routes
	}
	delete(e.failures, key)
	e.publishSizeLocked()
	e.mu.Unlock()

	e.qmu.Lock()
	delete(e.analyzers, key)
	e.qmu.Unlock()

	if removed {
		e.log.Infof("route removed target=%s type=%s", target, routeType)
	}
	return removed
}

func (e *Engine) Routes(target string) []proto.RouteInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]proto.RouteInfo(nil), e.catalog[target]...)
}

func (e *Engine) Targets() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.catalog))
	for t := range e.catalog {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) SelectBestRoute(target string) (proto.RouteInfo, error) {
	routes, err := e.candidates(target)
	if err != nil {
		return proto.RouteInfo{}, err
	}
	ranked, err := e.rank(target, routes)
	if err != nil {
		return proto.RouteInfo{}, err
	}
	best, reason, err := e.pickTop(ranked)
	if err != nil {
		metrics.RouteSelected(string(ranked[0].RouteType), "rejected")
		e.log.Noticef("route rejected target=%s top=%s err=%v", target, ranked[0].RouteType, err)
		return proto.RouteInfo{}, err
	}
	return e.commit(target, best, ranked, reason), nil
}

// SelectMultipaths returns every candidate that passes both floors, best
// first.
func (e *Engine) SelectMultipaths(target string) ([]proto.RouteInfo, error) {
	routes, err := e.candidates(target)
	if err != nil {
		return nil, err
	}
	ranked, err := e.rank(target, routes)
	if err != nil {
		return nil, err
	}
	out := make([]proto.RouteInfo, 0, len(ranked))
	for _, r := range ranked {
		if e.floorError(r) == nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no candidate for %s meets the configured floors", ErrPoorRouteQuality, target)
	}
	return out, nil
}

// Failover reruns selection without failedType. The catalog itself is left
// untouched; use ReportFailure to count toward removal.
func (e *Engine) Failover(target string, failedType proto.RouteType) (proto.RouteInfo, error) {
	routes, err := e.candidates(target)
	if err != nil {
		return proto.RouteInfo{}, fmt.Errorf("%w: %w", ErrRouteEstablishmentFailed, err)
	}
	remaining := make([]proto.RouteInfo, 0, len(routes))
	for _, r := range routes {
		if r.RouteType != failedType {
			remaining = append(remaining, r)
		}
	}
	if len(remaining) == 0 {
		return proto.RouteInfo{}, fmt.Errorf("%w: no alternative to %s for %s", ErrRouteEstablishmentFailed, failedType, target)
	}
	ranked, err := e.rank(target, remaining)
	if err != nil {
		return proto.RouteInfo{}, fmt.Errorf("%w: %w", ErrRouteEstablishmentFailed, err)
	}
	best, _, err := e.pickTop(ranked)
	if err != nil {
		metrics.RouteSelected(string(ranked[0].RouteType), "failover_rejected")
		return proto.RouteInfo{}, fmt.Errorf("%w: %w", ErrRouteEstablishmentFailed, err)
	}
	e.log.Noticef("failover target=%s from=%s to=%s", target, failedType, best.RouteType)
	return e.commit(target, best, ranked, reasonFailover), nil
}

// ReportFailure counts an establishment failure and removes the route once
// MaxRouteFailures is reached.
func (e *Engine) ReportFailure(target string, routeType proto.RouteType) bool {
	metrics.RouteFailure(string(routeType))
	key := routeKey{target, routeType}
	e.mu.Lock()
	e.failures[key]++
	n := e.failures[key]
	e.mu.Unlock()
	if n < e.cfg.MaxRouteFailures {
		e.log.Warningf("route failure target=%s type=%s count=%d/%d", target, routeType, n, e.cfg.MaxRouteFailures)
		return false
	}
	return e.RemoveRoute(target, routeType)
}

func (e *Engine) ReportSuccess(target string, routeType proto.RouteType) {
	e.mu.Lock()
	delete(e.failures, routeKey{target, routeType})
	e.mu.Unlock()
}

// RecordQuality feeds a sample to the (target, routeType) analyzer and
// refreshes the catalog entry's quality estimate in place. Samples for routes
// not in the catalog are dropped and reported false.
func (e *Engine) RecordQuality(target string, routeType proto.RouteType, sample proto.ConnectionQuality) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	routes := e.catalog[target]
	idx := -1
	for i := range routes {
		if routes[i].RouteType == routeType {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	a := e.analyzerFor(target, routeType, true)
	a.UpdateQuality(sample)
	if est, ok := a.Estimate(); ok {
		routes[idx].Quality = est
		routes[idx].Score = CalculateRouteScore(routes[idx], e.cfg.PerformanceWeight, e.privacy)
	}
	return true
}

// Analyzer returns the quality analyzer for a route, if samples were ever
// recorded for it.
func (e *Engine) Analyzer(target string, routeType proto.RouteType) (*quality.Analyzer, bool) {
	a := e.analyzerFor(target, routeType, false)
	return a, a != nil
}

// EachAnalyzer calls fn for a snapshot of all analyzers.
func (e *Engine) EachAnalyzer(fn func(target string, routeType proto.RouteType, a *quality.Analyzer)) {
	e.qmu.RLock()
	snapshot := make(map[routeKey]*quality.Analyzer, len(e.analyzers))
	for k, v := range e.analyzers {
		snapshot[k] = v
	}
	e.qmu.RUnlock()
	for k, a := range snapshot {
		fn(k.target, k.routeType, a)
	}
}

func (e *Engine) GetRoutingStats() proto.RoutingStats {
	e.mu.RLock()
	total := 0
	for _, routes := range e.catalog {
		total += len(routes)
	}
	targets := len(e.catalog)
	e.mu.RUnlock()

	e.hmu.Lock()
	hist := len(e.history)
	e.hmu.Unlock()
	return proto.RoutingStats{TotalRoutes: total, UniqueTargets: targets, SelectionHistoryCount: hist}
}

// History returns the recorded selections oldest first.
func (e *Engine) History() []proto.RouteSelection {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	return append([]proto.RouteSelection(nil), e.history...)
}

func (e *Engine) Config() config.PrivacyPerformance {
	return e.cfg
}

// candidates returns the catalog entries for target, populating them from
// the discoverer on first use. Discovery runs without the catalog lock held.
func (e *Engine) candidates(target string) ([]proto.RouteInfo, error) {
	e.mu.RLock()
	routes := append([]proto.RouteInfo(nil), e.catalog[target]...)
	e.mu.RUnlock()
	if len(routes) > 0 {
		return routes, nil
	}
	if e.discoverer == nil {
		return nil, fmt.Errorf("%w: target %s", ErrNoRoutesAvailable, target)
	}

	discovered, err := e.discoverer.DiscoverRoutes(target)
	if err != nil {
		return nil, err
	}
	discovered = e.bestPerType(discovered)

	e.mu.Lock()
	if existing := e.catalog[target]; len(existing) > 0 {
		routes = append([]proto.RouteInfo(nil), existing...)
	} else if len(discovered) > 0 {
		e.catalog[target] = discovered
		routes = append([]proto.RouteInfo(nil), discovered...)
		e.publishSizeLocked()
	}
	e.mu.Unlock()

	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: target %s", ErrNoRoutesAvailable, target)
	}
	e.log.Infof("routes discovered target=%s candidates=%d", target, len(routes))
	return routes, nil
}

// bestPerType keeps one candidate per route type: the highest scoring one,
// the earliest listed on ties.
func (e *Engine) bestPerType(in []proto.RouteInfo) []proto.RouteInfo {
	idx := make(map[proto.RouteType]int, len(in))
	out := make([]proto.RouteInfo, 0, len(in))
	for _, r := range in {
		r.Score = CalculateRouteScore(r, e.cfg.PerformanceWeight, e.privacy)
		if i, ok := idx[r.RouteType]; ok {
			if r.Score.OverallScore > out[i].Score.OverallScore {
				out[i] = r
			}
			continue
		}
		idx[r.RouteType] = len(out)
		out = append(out, r)
	}
	return out
}

// rank scores every healthy candidate and orders them best first.
func (e *Engine) rank(target string, routes []proto.RouteInfo) ([]proto.RouteInfo, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: target %s", ErrNoRoutesAvailable, target)
	}
	ranked := make([]proto.RouteInfo, 0, len(routes))
	for _, r := range routes {
		if a := e.analyzerFor(target, r.RouteType, false); a != nil && a.Len() > 0 && !a.IsConnectionHealthy() {
			e.log.Debugf("route skipped as unhealthy target=%s type=%s", target, r.RouteType)
			continue
		}
		r.Score = CalculateRouteScore(r, e.cfg.PerformanceWeight, e.privacy)
		ranked = append(ranked, r)
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w: every route to %s is unhealthy", ErrPoorRouteQuality, target)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score.OverallScore != b.Score.OverallScore {
			return a.Score.OverallScore > b.Score.OverallScore
		}
		if !a.EstablishedAt.Equal(b.EstablishedAt) {
			return a.EstablishedAt.Before(b.EstablishedAt)
		}
		if a.UsageCount != b.UsageCount {
			return a.UsageCount < b.UsageCount
		}
		return a.RouteType.Ordinal() < b.RouteType.Ordinal()
	})
	return ranked, nil
}

// pickTop applies the floors to the top candidate only. The only fall-through
// is to Direct when FallbackToDirect is set and Direct itself passes.
func (e *Engine) pickTop(ranked []proto.RouteInfo) (proto.RouteInfo, string, error) {
	top := ranked[0]
	floorErr := e.floorError(top)
	if floorErr == nil {
		return top, reasonBestScore, nil
	}
	if e.cfg.FallbackToDirect {
		for _, r := range ranked[1:] {
			if r.RouteType == proto.RouteDirect && e.floorError(r) == nil {
				return r, reasonFallbackDirect, nil
			}
		}
	}
	return proto.RouteInfo{}, "", floorErr
}

func (e *Engine) floorError(r proto.RouteInfo) error {
	if r.Score.PrivacyScore < e.cfg.MinPrivacyScore {
		return fmt.Errorf("%w: target=%s type=%s privacy=%.3f min=%.3f", ErrPrivacyRequirementNotMet, r.Target, r.RouteType, r.Score.PrivacyScore, e.cfg.MinPrivacyScore)
	}
	if r.Score.PerformanceScore < e.cfg.MinPerformanceScore {
		return fmt.Errorf("%w: target=%s type=%s performance=%.3f min=%.3f", ErrPerformanceRequirementNotMet, r.Target, r.RouteType, r.Score.PerformanceScore, e.cfg.MinPerformanceScore)
	}
	return nil
}

// commit bumps the usage counter of the chosen entry and appends to history.
func (e *Engine) commit(target string, chosen proto.RouteInfo, ranked []proto.RouteInfo, reason string) proto.RouteInfo {
	e.mu.Lock()
	routes := e.catalog[target]
	for i := range routes {
		if routes[i].RouteType == chosen.RouteType {
			routes[i].UsageCount++
			routes[i].Score = chosen.Score
			chosen.UsageCount = routes[i].UsageCount
			break
		}
	}
	e.mu.Unlock()

	alternatives := make([]proto.RouteInfo, 0, len(ranked))
	for _, r := range ranked {
		if r.RouteType != chosen.RouteType {
			alternatives = append(alternatives, r)
		}
	}
	sel := proto.RouteSelection{
		Timestamp:         e.now(),
		Target:            target,
		SelectedRoute:     chosen,
		AlternativeRoutes: alternatives,
		Reason:            reason,
	}

	e.hmu.Lock()
	e.history = append(e.history, sel)
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
	e.hmu.Unlock()

	metrics.RouteSelected(string(chosen.RouteType), reason)
	e.log.Infof("route selected target=%s type=%s score=%.3f reason=%s alternatives=%d", target, chosen.RouteType, chosen.Score.OverallScore, reason, len(alternatives))

	if e.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := e.sink.AppendSelection(ctx, sel); err != nil {
			e.log.Warningf("selection history sink failed target=%s: %v", target, err)
		}
		cancel()
	}
	return chosen
}

func (e *Engine) analyzerFor(target string, routeType proto.RouteType, create bool) *quality.Analyzer {
	key := routeKey{target, routeType}
	e.qmu.RLock()
	a := e.analyzers[key]
	e.qmu.RUnlock()
	if a != nil || !create {
		return a
	}
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if a = e.analyzers[key]; a == nil {
		a = quality.NewAnalyzer(e.cfg.QualityCapacity)
		e.analyzers[key] = a
	}
	return a
}

func (e *Engine) publishSizeLocked() {
	total := 0
	for _, routes := range e.catalog {
		total += len(routes)
	}
	metrics.CatalogSize(total, len(e.catalog))
}
