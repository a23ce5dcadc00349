package offline0

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const outcomeHeader = "X-Offline0"

type Service struct {
	cfg        Config
	log        *zap.Logger
	originHost string

	httpClient *http.Client

	db         *leveldb.DB
	store      ResourceStore
	precache   *Precache
	cache      *runtimeCache
	classifier *Classifier
	ctrl       *Controller

	bgSem        chan struct{}
	revalidating singleflight.Group

	stopCh    chan struct{}
	wg        sync.WaitGroup
	cron      *cron.Cron
	closeOnce sync.Once

	metrics *metrics
	stats   *statsCollector
}

func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("server.origin %q: not an absolute URL", cfg.Server.Origin)
	}

	db, err := leveldb.OpenFile(cfg.Storage.Disk.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Storage.Disk.Path, err)
	}
	disk, err := newDiskCache(db, cfg.Storage.diskMaxBytes, log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load disk index: %w", err)
	}
	store, err := openResourceStore(cfg, db, log)
	if err != nil {
		disk.close()
		_ = db.Close()
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		log:        log,
		originHost: origin.Host,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		db:       db,
		store:    store,
		precache: newPrecache(db, log),
		bgSem:    make(chan struct{}, 32),
		stopCh:   make(chan struct{}),
		metrics:  newMetrics(),
	}
	s.cache = &runtimeCache{
		ram:         newRAMCache(cfg.Storage.ramMaxBytes),
		disk:        disk,
		overflowLog: newRateLimitedLogger(log, time.Minute),
		metrics:     s.metrics,
	}
	s.classifier = NewClassifier(cfg)
	eval := NewEvaluator(store, cacheTiers{s.precache, s.cache}, cfg.Precache.AppBundle, origin.Host, log)
	s.ctrl = NewController(eval, store, s.precache, cfg.Precache.Shell, cfg.Routes.Namespace, s.proxyPass, log)
	s.ctrl.metrics = s.metrics

	if err := s.precache.Restore(); err != nil {
		log.Warn("previous precache not restored", zap.Error(err))
	}
	s.metrics.precacheEntries.Set(float64(s.precache.Len()))

	if cfg.Logging.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}

	if cfg.Precache.Manifest != "" {
		s.startPrecache()
	}

	return s, nil
}

func openResourceStore(cfg Config, db *leveldb.DB, log *zap.Logger) (ResourceStore, error) {
	rc := cfg.Storage.Resources
	switch rc.Driver {
	case "", "leveldb":
		return newLevelStore(db), nil
	case "memory":
		return newMemoryStore(), nil
	case "redis":
		rs := newRedisStore(rc.Redis.Addr, rc.Redis.Password, rc.Redis.DB, rc.Redis.Prefix)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Lookups against an unreachable store count as misses, so start anyway.
		if err := rs.Ping(ctx); err != nil {
			log.Warn("resource store unreachable", zap.String("addr", rc.Redis.Addr), zap.Error(err))
		}
		return rs, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStoreDriver, rc.Driver)
	}
}

// Close stops background work and releases the stores. It is safe to call
// more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		close(s.stopCh)
		s.wg.Wait()
		s.cache.disk.close()
		if err := s.store.Close(); err != nil {
			s.log.Warn("close resource store", zap.Error(err))
		}
		_ = s.db.Close()
	})
}

// Controller exposes the offline shell controller of this service.
func (s *Service) Controller() *Controller { return s.ctrl }

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.cfg.Metrics.Enabled {
		mux.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	}
	if s.cfg.Channel.Enabled {
		mux.Handle(s.cfg.Channel.Path, newChannelHandler(s.ctrl, s.log))
	}
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	route, strategy := s.classifier.Classify(r)
	defer func() {
		s.metrics.observeRequest(route, w.Header().Get(outcomeHeader), started)
	}()

	if route == RouteControlMessage {
		s.ctrl.HandleControl(w, r)
		return
	}

	rule := s.pickRule(r.URL.Path)
	if rule != nil && (rule.Bypass || hasAnyCookie(r, rule.BypassWhenCookies)) {
		s.proxyPass(w, r, outcomeBypass)
		return
	}

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		if ent, ok := s.precache.Lookup(r.URL.Path); ok {
			s.writeEntryWithStats(w, r, ent, outcomePrecache)
			return
		}
	}

	switch route {
	case RouteNavigation:
		s.ctrl.HandleNavigation(w, r)
	case RouteStaticAsset, RouteDataFetch:
		s.serveRuntime(w, r, strategy, rule)
	default:
		s.proxyPass(w, r, outcomeNetwork)
	}
}

func (s *Service) pickRule(path string) *Rule {
	for i := range s.cfg.Rules {
		r := &s.cfg.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	for _, c := range r.Cookies() {
		for _, n := range names {
			if c.Name == strings.TrimSpace(n) {
				return true
			}
		}
	}
	return false
}

func isStale(ent CacheEntry, exp time.Duration) bool {
	return time.Since(time.Unix(ent.StoredAt, 0)) > exp
}

// serveRuntime answers static and data requests from the runtime cache.
// Cache-first only goes to the origin on a miss or an expired entry and
// falls back to the expired copy when the origin fails. Stale-while-
// revalidate answers any hit at once and refreshes it in the background.
func (s *Service) serveRuntime(w http.ResponseWriter, r *http.Request, strategy Strategy, rule *Rule) {
	key := r.URL.RequestURI()
	cached, hit := s.cache.Get(key)

	if hit {
		switch strategy {
		case StrategyStaleWhileRevalidate:
			s.writeEntryWithStats(w, r, cached, outcomeHit)
			s.revalidateAsync(key)
			return
		case StrategyCacheFirst:
			if rule == nil || rule.expDur <= 0 || !isStale(cached, rule.expDur) {
				s.writeEntryWithStats(w, r, cached, outcomeHit)
				return
			}
		}
	}

	ent, cacheable, err := s.fetchFromOrigin(r.Context(), key, r.Header)
	if err != nil {
		if hit {
			s.writeEntryWithStats(w, r, cached, outcomeStale)
			return
		}
		s.badGateway(w, r, err)
		return
	}
	if !isSuccess(ent.Status) {
		s.cache.Delete(key)
		s.writeEntryWithStats(w, r, ent, outcomeByStatus)
		return
	}
	if !cacheable {
		s.writeEntryWithStats(w, r, ent, outcomeBypass)
		return
	}
	s.cache.Put(key, ent)
	s.writeEntryWithStats(w, r, ent, outcomeMiss)
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }

func isCacheable(h http.Header) bool {
	cc := strings.ToLower(h.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
}

// fetchFromOrigin GETs uri from the origin and buffers the answer.
func (s *Service) fetchFromOrigin(ctx context.Context, uri string, h http.Header) (CacheEntry, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Server.Origin+uri, nil)
	if err != nil {
		return CacheEntry{}, false, err
	}
	if h != nil {
		copyHeaders(req.Header, h)
		// the answer is cached, so it must be a full body
		req.Header.Del("If-None-Match")
		req.Header.Del("If-Modified-Since")
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return CacheEntry{}, false, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, false, err
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent, isSuccess(resp.StatusCode) && isCacheable(resp.Header), nil
}

// fetchAsset is the precache fetcher: any non-2xx answer fails the install.
func (s *Service) fetchAsset(ctx context.Context, uri string) (CacheEntry, error) {
	ent, _, err := s.fetchFromOrigin(ctx, uri, nil)
	if err != nil {
		return CacheEntry{}, err
	}
	if !isSuccess(ent.Status) {
		return CacheEntry{}, fmt.Errorf("origin answered %d", ent.Status)
	}
	return ent, nil
}

// proxyPass streams the request to the origin unchanged. Failures become a
// 502; they are not retried.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request, reason string) {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, s.cfg.Server.Origin+r.URL.RequestURI(), body)
	if err != nil {
		s.badGateway(w, r, err)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.ContentLength = r.ContentLength

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.badGateway(w, r, err)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeader(w.Header(), reason)
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	if s.stats != nil {
		s.stats.Observe(int(n))
	}
}

func (s *Service) badGateway(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, context.Canceled) {
		s.log.Warn("origin request failed", zap.String("uri", r.URL.RequestURI()), zap.Error(err))
	}
	setOutcomeHeader(w.Header(), outcomeBadGateway)
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func writeEntry(w http.ResponseWriter, r *http.Request, ent CacheEntry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, outcomeHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeader(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(ent.Body)
	}
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, r *http.Request, ent CacheEntry, outcome string) {
	writeEntry(w, r, ent, outcome)
	if s.stats != nil {
		s.stats.Observe(len(ent.Body))
	}
}

func setOutcomeHeader(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(outcomeHeader, outcome)
	}
	ensureExposedHeader(h, outcomeHeader)
}

// ensureExposedHeader makes a custom header readable by page scripts in a
// CORS context.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// revalidateAsync refreshes key in the background. Concurrent refreshes of
// one key collapse into one and at most cap(bgSem) run at once.
func (s *Service) revalidateAsync(key string) {
	select {
	case s.bgSem <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		_, _, _ = s.revalidating.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			s.revalidateOnce(ctx, key)
			return nil, nil
		})
	}()
}

func (s *Service) revalidateOnce(ctx context.Context, key string) {
	ent, cacheable, err := s.fetchFromOrigin(ctx, key, nil)
	if err != nil {
		return
	}
	if !cacheable {
		s.cache.Delete(key)
		return
	}
	if cur, ok := s.cache.Peek(key); ok && cur.Hash32 == ent.Hash32 {
		return
	}
	s.cache.Put(key, ent)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			fields := []zap.Field{
				zap.Int("paths", s.cache.PathCount()),
				zap.Int("precached", s.precache.Len()),
				zap.String("ram", formatBytes(uint64(s.cache.ram.TotalSize()))),
				zap.String("disk", formatBytes(uint64(s.cache.disk.TotalSize()))),
				zap.String("respMin", formatBytes(ss.MinRespBytes)),
				zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
				zap.String("respMax", formatBytes(ss.MaxRespBytes)),
				zap.Bool("offlineShell", s.ctrl.State().Enabled()),
			}
			s.log.Info("cache stats", append(fields, processMemoryFields()...)...)
		}
	}
}

// cacheTiers checks the precache, then the runtime tiers. The resource
// store is a separate namespace and never answers here.
type cacheTiers struct {
	precache *Precache
	runtime  *runtimeCache
}

func (c cacheTiers) Has(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if c.precache.Has(key) {
		return true, nil
	}
	return c.runtime.Has(key), nil
}
