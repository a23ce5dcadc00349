package offline0

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the Prometheus collectors of one Service. A private registry
// keeps several services (tests) from colliding.
type metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	navigations     *prometheus.CounterVec
	controls        *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	precacheEntries prometheus.Gauge
	precacheInstall *prometheus.CounterVec
}

func newMetrics() *metrics {
	const ns = "offline0"
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_total",
			Help:      "Intercepted requests by route and outcome.",
		}, []string{"route", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "request_duration_seconds",
			Help:      "Time spent answering intercepted requests.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"route"}),
		navigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "navigation_decisions_total",
			Help:      "Navigation decisions of the offline shell controller.",
		}, []string{"decision"}),
		controls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "control_messages_total",
			Help:      "Control messages by operation and channel.",
		}, []string{"op", "via"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_lookups_total",
			Help:      "Runtime cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		precacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "precache_entries",
			Help:      "Entries in the active precache.",
		}),
		precacheInstall: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "precache_installs_total",
			Help:      "Precache install attempts by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.navigations,
		m.controls,
		m.cacheLookups,
		m.precacheEntries,
		m.precacheInstall,
	)
	return m
}

func (m *metrics) observeRequest(route Route, outcome string, started time.Time) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "none"
	}
	m.requests.WithLabelValues(route.String(), outcome).Inc()
	m.requestDuration.WithLabelValues(route.String()).Observe(time.Since(started).Seconds())
}

func (m *metrics) navigation(decision string) {
	if m != nil {
		m.navigations.WithLabelValues(decision).Inc()
	}
}

func (m *metrics) control(op Op, via string) {
	if m != nil {
		m.controls.WithLabelValues(op.String(), via).Inc()
	}
}

func (m *metrics) lookup(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

// statsCollector tracks response sizes for the periodic stats log line.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int) {
	if s == nil {
		return
	}
	n := uint64(max(respBytes, 0))
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)
	casMin(&s.minRespBytes, n)
	casMax(&s.maxRespBytes, n)
}

func casMin(v *atomic.Uint64, n uint64) {
	for cur := v.Load(); n < cur; cur = v.Load() {
		if v.CompareAndSwap(cur, n) {
			return
		}
	}
}

func casMax(v *atomic.Uint64, n uint64) {
	for cur := v.Load(); n > cur; cur = v.Load() {
		if v.CompareAndSwap(cur, n) {
			return
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	return statsSnapshot{
		TotalResponses: count,
		MinRespBytes:   s.minRespBytes.Load(),
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   s.totalRespBytes.Load() / count,
	}
}
