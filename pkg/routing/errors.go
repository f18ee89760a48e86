package routing

import "errors"

// Every error is terminal for one selection attempt; the engine never retries.
var (
	ErrNoRoutesAvailable            = errors.New("no routes available")
	ErrDiscoveryFailed              = errors.New("route discovery failed")
	ErrPoorRouteQuality             = errors.New("poor route quality")
	ErrPrivacyRequirementNotMet     = errors.New("privacy requirement not met")
	ErrPerformanceRequirementNotMet = errors.New("performance requirement not met")
	ErrRouteEstablishmentFailed     = errors.New("route establishment failed")
)

// Code returns a stable identifier for err, used by the control API.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrRouteEstablishmentFailed):
		return "route_establishment_failed"
	case errors.Is(err, ErrNoRoutesAvailable):
		return "no_routes_available"
	case errors.Is(err, ErrDiscoveryFailed):
		return "discovery_failed"
	case errors.Is(err, ErrPoorRouteQuality):
		return "poor_route_quality"
	case errors.Is(err, ErrPrivacyRequirementNotMet):
		return "privacy_requirement_not_met"
	case errors.Is(err, ErrPerformanceRequirementNotMet):
		return "performance_requirement_not_met"
	default:
		return ""
	}
}
