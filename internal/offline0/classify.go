package offline0

import (
	"net/http"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Classifier sorts intercepted requests into routes. It is safe for
// concurrent use and never blocks.
type Classifier struct {
	controlPrefix string
	dataSegment   string
	cacheFirst    []string
	swr           []string
	htmlAccept    bool
}

func NewClassifier(cfg Config) *Classifier {
	return &Classifier{
		controlPrefix: controlPrefix(cfg.Routes.Namespace),
		dataSegment:   cfg.Routes.DataSegment,
		cacheFirst:    cfg.Routes.CacheFirst,
		swr:           cfg.Routes.StaleWhileRevalidate,
		htmlAccept:    cfg.htmlAcceptIsNavigation(),
	}
}

// controlPrefix is the reserved path prefix "/.<namespace>:".
func controlPrefix(namespace string) string {
	return "/." + namespace + ":"
}

func (c *Classifier) Classify(r *http.Request) (Route, Strategy) {
	path := r.URL.Path

	if c.IsControl(path) {
		return RouteControlMessage, StrategyNetworkOnly
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return RouteUnmatched, StrategyNetworkOnly
	}
	if strings.Contains(path, c.dataSegment) && strings.HasSuffix(path, ".json") {
		return RouteDataFetch, StrategyStaleWhileRevalidate
	}
	if matchAny(c.cacheFirst, path) {
		return RouteStaticAsset, StrategyCacheFirst
	}
	if matchAny(c.swr, path) {
		return RouteStaticAsset, StrategyStaleWhileRevalidate
	}
	if c.isNavigation(r) {
		return RouteNavigation, StrategyNetworkOnly
	}
	return RouteUnmatched, StrategyNetworkOnly
}

// IsControl reports whether path is a control request: the reserved prefix
// followed by at least one character.
func (c *Classifier) IsControl(path string) bool {
	return len(path) > len(c.controlPrefix) && strings.HasPrefix(path, c.controlPrefix)
}

func (c *Classifier) isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	if !c.htmlAccept || r.Method != http.MethodGet {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func matchAny(patterns []string, path string) bool {
	name := strings.TrimPrefix(path, "/")
	for _, p := range patterns {
		if ok, err := doublestar.Match(strings.TrimPrefix(p, "/"), name); err == nil && ok {
			return true
		}
	}
	return false
}
