package offline0

import (
	"context"

	"go.uber.org/zap"
)

// cacheLookup answers whether a request URI can be served from a cache.
type cacheLookup interface {
	Has(ctx context.Context, key string) (bool, error)
}

// Evaluator decides whether every resource a page needs is cached, so the
// app shell can render it without the origin.
type Evaluator struct {
	store      ResourceStore
	cache      cacheLookup
	appBundle  string
	originHost string
	log        *zap.Logger
}

func NewEvaluator(store ResourceStore, cache cacheLookup, appBundle, originHost string, log *zap.Logger) *Evaluator {
	return &Evaluator{
		store:      store,
		cache:      cache,
		appBundle:  appBundle,
		originHost: originHost,
		log:        log,
	}
}

// IsComplete is all-or-nothing: a missing manifest entry, a missing app
// bundle, the first missing resource, or any lookup error makes it false.
func (e *Evaluator) IsComplete(ctx context.Context, path string) bool {
	resources, ok, err := e.store.Get(ctx, path)
	if err != nil {
		e.log.Debug("resource store lookup failed", zap.String("path", path), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	// The bundle is missing while a new precache version is being installed.
	if !e.cached(ctx, e.appBundle) {
		return false
	}

	for _, id := range resources {
		key, ok := resourceKey(e.originHost, id)
		if !ok || !e.cached(ctx, key) {
			e.log.Debug("page not offline ready", zap.String("path", path), zap.String("missing", id))
			return false
		}
	}
	return true
}

func (e *Evaluator) cached(ctx context.Context, key string) bool {
	ok, err := e.cache.Has(ctx, key)
	if err != nil {
		e.log.Debug("cache lookup failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}
