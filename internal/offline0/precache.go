package offline0

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidManifest = errors.New("invalid precache manifest")

const (
	precacheEntryPrefix = "p:"
	precacheVersionKey  = "v:precache"
	revisionParam       = "__rev"
)

// PrecacheEntry is one build-time asset. Revision is set for files whose
// name does not already carry a content hash.
type PrecacheEntry struct {
	URL      string `json:"url"`
	Revision string `json:"revision,omitempty"`
}

// CacheKey is the URL, versioned by the revision when there is one.
func (e PrecacheEntry) CacheKey() string {
	if e.Revision == "" {
		return e.URL
	}
	sep := "?"
	if strings.Contains(e.URL, "?") {
		sep = "&"
	}
	return e.URL + sep + revisionParam + "=" + url.QueryEscape(e.Revision)
}

// ParsePrecacheManifest decodes a JSON array of {"url","revision"} objects
// and normalizes the URLs to root-relative paths.
func ParsePrecacheManifest(b []byte) ([]PrecacheEntry, error) {
	var raw []PrecacheEntry
	if err := sonic.Unmarshal(bytes.TrimSpace(b), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	seen := make(map[string]string, len(raw))
	out := make([]PrecacheEntry, 0, len(raw))
	for i, e := range raw {
		if strings.TrimSpace(e.URL) == "" {
			return nil, fmt.Errorf("%w: entry %d has no url", ErrInvalidManifest, i)
		}
		e.URL = normalizePath(e.URL)
		if rev, dup := seen[e.URL]; dup {
			if rev != e.Revision {
				return nil, fmt.Errorf("%w: %s listed with revisions %q and %q", ErrInvalidManifest, e.URL, rev, e.Revision)
			}
			continue
		}
		seen[e.URL] = e.Revision
		out = append(out, e)
	}
	return out, nil
}

func manifestVersion(entries []PrecacheEntry) string {
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.CacheKey()
	}
	sort.Strings(keys)
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(strings.Join(keys, "\n"))))
}

type precacheState struct {
	Version string
	Entries []PrecacheEntry
}

// fetchFunc loads one asset from the origin. It fails on non-2xx answers.
type fetchFunc func(ctx context.Context, uri string) (CacheEntry, error)

// Precache holds the active set of build-time assets. Entries are fetched
// and persisted on Install; a version is either fully active or not at all.
type Precache struct {
	db  *leveldb.DB
	log *zap.Logger

	installMu sync.Mutex

	mu      sync.RWMutex
	version string
	byURL   map[string]CacheEntry
	byKey   map[string]string // cache key -> url
}

func newPrecache(db *leveldb.DB, log *zap.Logger) *Precache {
	return &Precache{
		db:    db,
		log:   log,
		byURL: map[string]CacheEntry{},
		byKey: map[string]string{},
	}
}

func (p *Precache) Version() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

func (p *Precache) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byURL)
}

// Lookup finds an entry by URL or cache key. A directory URL also matches
// its index.html.
func (p *Precache) Lookup(u string) (CacheEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ent, ok := p.byURL[u]; ok {
		return ent, true
	}
	if owner, ok := p.byKey[u]; ok {
		return p.byURL[owner], true
	}
	if strings.HasSuffix(u, "/") {
		ent, ok := p.byURL[u+"index.html"]
		return ent, ok
	}
	return CacheEntry{}, false
}

func (p *Precache) Has(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.byURL[key]; ok {
		return true
	}
	_, ok := p.byKey[key]
	return ok
}

// Restore activates the version persisted by the last successful Install,
// so precached assets are served before the origin is reachable.
func (p *Precache) Restore() error {
	b, err := p.db.Get([]byte(precacheVersionKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var st precacheState
	if err := decodeGob(b, &st); err != nil {
		return fmt.Errorf("decode precache state: %w", err)
	}
	items := make(map[string]CacheEntry, len(st.Entries))
	for _, e := range st.Entries {
		ent, ok := p.persisted(e.CacheKey())
		if !ok {
			return fmt.Errorf("precache entry %s missing from disk", e.CacheKey())
		}
		items[e.URL] = ent
	}
	p.swap(st.Version, st.Entries, items)
	return nil
}

func (p *Precache) persisted(cacheKey string) (CacheEntry, bool) {
	b, err := p.db.Get([]byte(precacheEntryPrefix+cacheKey), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	return ent, true
}

// Install makes entries the active precache. Assets already persisted under
// the same cache key are reused; the rest are fetched with at most
// concurrency requests in flight. changed reports whether a new version was
// activated. On error the previous version stays active.
func (p *Precache) Install(ctx context.Context, entries []PrecacheEntry, fetch fetchFunc, concurrency int) (changed bool, err error) {
	p.installMu.Lock()
	defer p.installMu.Unlock()

	version := manifestVersion(entries)
	if version == p.Version() {
		return false, nil
	}

	var (
		mu      sync.Mutex
		items   = make(map[string]CacheEntry, len(entries))
		fetched = make(map[string]CacheEntry)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for _, e := range entries {
		e := e
		g.Go(func() error {
			key := e.CacheKey()
			if ent, ok := p.persisted(key); ok {
				mu.Lock()
				items[e.URL] = ent
				mu.Unlock()
				return nil
			}
			ent, err := fetch(gctx, e.URL)
			if err != nil {
				return fmt.Errorf("precache %s: %w", e.URL, err)
			}
			ent.CacheKey = key
			mu.Lock()
			items[e.URL] = ent
			fetched[key] = ent
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	if err := p.persist(version, entries, fetched); err != nil {
		return false, err
	}
	p.swap(version, entries, items)
	p.log.Info("precache activated",
		zap.String("version", version),
		zap.Int("entries", len(entries)),
		zap.Int("fetched", len(fetched)),
	)
	return true, nil
}

// persist writes the new entries and the version record and drops entries of
// older versions, in one batch.
func (p *Precache) persist(version string, entries []PrecacheEntry, fetched map[string]CacheEntry) error {
	keep := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		keep[e.CacheKey()] = struct{}{}
	}

	batch := new(leveldb.Batch)
	it := p.db.NewIterator(util.BytesPrefix([]byte(precacheEntryPrefix)), nil)
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(precacheEntryPrefix)))
		if _, ok := keep[key]; !ok {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	for key, ent := range fetched {
		b, err := encodeGob(ent)
		if err != nil {
			return err
		}
		batch.Put([]byte(precacheEntryPrefix+key), b)
	}
	st, err := encodeGob(precacheState{Version: version, Entries: entries})
	if err != nil {
		return err
	}
	batch.Put([]byte(precacheVersionKey), st)
	return p.db.Write(batch, nil)
}

func (p *Precache) swap(version string, entries []PrecacheEntry, items map[string]CacheEntry) {
	byKey := make(map[string]string, len(entries))
	for _, e := range entries {
		byKey[e.CacheKey()] = e.URL
	}
	p.mu.Lock()
	p.version = version
	p.byURL = items
	p.byKey = byKey
	p.mu.Unlock()
}
