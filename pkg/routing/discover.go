package routing

import (
	"fmt"
	"time"

	"privacyroute/pkg/config"
	"privacyroute/pkg/proto"
)

type Peers struct {
	Relays   []string
	Proxies  []string
	TorNodes []string
}

// PeerSource supplies the configured relay, proxy and anonymity node lists.
type PeerSource interface {
	PeerLists() (Peers, error)
}

// StaticPeers serves the lists from a loaded configuration.
type StaticPeers struct {
	Discovery *config.Discovery
}

func (s StaticPeers) PeerLists() (Peers, error) {
	if s.Discovery == nil {
		return Peers{}, fmt.Errorf("discovery configuration not loaded")
	}
	return Peers{
		Relays:   append([]string(nil), s.Discovery.KnownRelays...),
		Proxies:  append([]string(nil), s.Discovery.ProxyServers...),
		TorNodes: append([]string(nil), s.Discovery.TorNodes...),
	}, nil
}

type Discoverer struct {
	source            PeerSource
	performanceWeight float64
	privacy           PrivacyAnalyzer
	now               func() time.Time
}

func NewDiscoverer(source PeerSource, performanceWeight float64, privacy PrivacyAnalyzer) *Discoverer {
	if privacy == nil {
		privacy = PriorAnalyzer{}
	}
	return &Discoverer{
		source:            source,
		performanceWeight: performanceWeight,
		privacy:           privacy,
		now:               time.Now,
	}
}

// DiscoverRoutes always offers one Direct candidate, then one candidate per
// configured relay, proxy and Tor node, each carrying its type's priors.
func (d *Discoverer) DiscoverRoutes(target string) ([]proto.RouteInfo, error) {
	if d == nil || d.source == nil {
		return nil, fmt.Errorf("%w: no peer source", ErrDiscoveryFailed)
	}
	peers, err := d.source.PeerLists()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}

	now := d.now()
	out := make([]proto.RouteInfo, 0, 1+len(peers.Relays)+len(peers.Proxies)+len(peers.TorNodes))
	out = append(out, d.candidate(target, proto.RouteDirect, "", now))
	for _, hop := range peers.Relays {
		out = append(out, d.candidate(target, proto.RouteRelay, hop, now))
	}
	for _, hop := range peers.Proxies {
		out = append(out, d.candidate(target, proto.RouteProxy, hop, now))
	}
	for _, hop := range peers.TorNodes {
		out = append(out, d.candidate(target, proto.RouteTor, hop, now))
	}
	return out, nil
}

func (d *Discoverer) candidate(target string, t proto.RouteType, nextHop string, now time.Time) proto.RouteInfo {
	q := DefaultQuality(t)
	q.LastUpdated = now
	route := proto.RouteInfo{
		RouteType:     t,
		Target:        target,
		NextHop:       nextHop,
		Quality:       q,
		EstablishedAt: now,
	}
	route.Score = CalculateRouteScore(route, d.performanceWeight, d.privacy)
	return route
}
