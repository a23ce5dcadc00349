package offline0

import "net/http"

// CacheEntry is a stored origin response. The same shape is used by the
// runtime tiers (RAM, disk) and the precache.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32

	// CacheKey is set for precached entries; it carries the revision so a new
	// build with the same URL gets a new key.
	CacheKey string
}

// Route is the classification of an intercepted request.
type Route int

const (
	RouteUnmatched Route = iota
	RouteStaticAsset
	RouteDataFetch
	RouteControlMessage
	RouteNavigation
)

func (r Route) String() string {
	switch r {
	case RouteStaticAsset:
		return "static"
	case RouteDataFetch:
		return "data"
	case RouteControlMessage:
		return "control"
	case RouteNavigation:
		return "navigation"
	default:
		return "unmatched"
	}
}

// Strategy is the runtime caching policy applied to static and data routes.
type Strategy int

const (
	StrategyNetworkOnly Strategy = iota
	StrategyCacheFirst
	StrategyStaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case StrategyCacheFirst:
		return "cache-first"
	case StrategyStaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return "network-only"
	}
}

// Values of the X-Offline0 response header.
const (
	outcomeHit        = "hit"
	outcomeMiss       = "miss"
	outcomeStale      = "stale"
	outcomePrecache   = "precache"
	outcomeShell      = "shell"
	outcomeNetwork    = "network"
	outcomeBypass     = "bypass"
	outcomeControl    = "control"
	outcomeBadGateway = "bad-gateway"
	outcomeByStatus   = "ignore-by-status"
)
