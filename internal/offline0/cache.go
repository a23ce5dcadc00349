package offline0

import (
	"bytes"
	"container/list"
	"encoding/gob"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

func init() {
	gob.Register(http.Header{})
}

// runtimeCache is the two-tier cache behind the cache-first and
// stale-while-revalidate strategies: a bounded LRU in RAM that spills into
// leveldb.
type runtimeCache struct {
	ram         *ramCache
	disk        *diskCache
	overflowLog *rateLimitedLogger
	metrics     *metrics
}

func (c *runtimeCache) Get(key string) (CacheEntry, bool) {
	if ent, ok := c.ram.Get(key); ok {
		c.metrics.lookup("ram", true)
		return ent, true
	}
	c.metrics.lookup("ram", false)
	ent, ok := c.disk.Get(key)
	c.metrics.lookup("disk", ok)
	if !ok {
		return CacheEntry{}, false
	}
	c.putRAM(key, ent)
	return ent, true
}

// Has reports membership without promoting the entry or touching metadata.
func (c *runtimeCache) Has(key string) bool {
	return c.ram.Has(key) || c.disk.HasKey(key)
}

func (c *runtimeCache) Peek(key string) (CacheEntry, bool) {
	if ent, ok := c.ram.Peek(key); ok {
		return ent, true
	}
	return c.disk.Peek(key)
}

func (c *runtimeCache) Put(key string, ent CacheEntry) {
	c.putRAM(key, ent)
	c.disk.PutAsync(key, ent)
}

func (c *runtimeCache) putRAM(key string, ent CacheEntry) {
	evicted, stored := c.ram.Put(key, ent)
	if !stored {
		c.disk.PutAsync(key, ent)
	}
	if len(evicted) > 0 {
		c.overflowLog.Warn("RAM cache full, moving entries to disk", zap.Int("count", len(evicted)))
		for _, it := range evicted {
			c.disk.PutAsync(it.key, it.ent)
		}
	}
}

func (c *runtimeCache) Delete(key string) {
	c.ram.Delete(key)
	c.disk.Delete(key)
}

// PathCount is the number of distinct keys over both tiers.
func (c *runtimeCache) PathCount() int {
	ramKeys := c.ram.Keys()
	both := 0
	for _, k := range ramKeys {
		if c.disk.HasKey(k) {
			both++
		}
	}
	return len(ramKeys) + c.disk.KeyCount() - both
}

// ---- ram ----

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List // front is most recent
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*list.Element{}, lru: list.New()}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	return out
}

func (c *ramCache) Has(key string) bool {
	c.mu.Lock()
	_, ok := c.items[key]
	c.mu.Unlock()
	return ok
}

func (c *ramCache) Peek(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	return el.Value.(*ramItem).ent, true
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*ramItem).ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Put stores ent and returns the items evicted to make room. stored is false
// when the entry alone exceeds the RAM budget.
func (c *ramCache) Put(key string, ent CacheEntry) (evicted []*ramItem, stored bool) {
	sz := entrySize(ent)
	if c.maxBytes > 0 && sz > c.maxBytes {
		c.Delete(key)
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	for c.maxBytes > 0 && c.total+sz > c.maxBytes && c.lru.Len() > 0 {
		evicted = append(evicted, c.evictTenthLocked()...)
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = c.lru.PushFront(it)
	c.total += sz
	return evicted, true
}

// evictTenthLocked drops the least recently used tenth (at least one item).
func (c *ramCache) evictTenthLocked() []*ramItem {
	n := max(c.lru.Len()/10, 1)
	out := make([]*ramItem, 0, n)
	for i := 0; i < n; i++ {
		el := c.lru.Back()
		if el == nil {
			break
		}
		out = append(out, el.Value.(*ramItem))
		c.removeLocked(el)
	}
	return out
}

func (c *ramCache) removeLocked(el *list.Element) {
	it := c.lru.Remove(el).(*ramItem)
	delete(c.items, it.key)
	c.total -= it.size
}

// entrySize approximates the memory held by an entry.
func entrySize(ent CacheEntry) int64 {
	n := int64(len(ent.Body)) + int64(len(ent.CacheKey)) + 64
	for k, vs := range ent.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// ---- disk ----

const (
	diskEntryPrefix = "e:"
	diskMetaPrefix  = "m:"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type diskOpKind int

const (
	diskOpPut diskOpKind = iota
	diskOpTouch
	diskOpDelete
	diskOpFlush
)

type diskOp struct {
	kind diskOpKind
	key  string
	ent  *CacheEntry
	done chan struct{}
}

// diskCache persists runtime entries under the e:/m: prefixes of the shared
// leveldb. All writes go through one goroutine; reads hit leveldb directly.
type diskCache struct {
	maxBytes int64
	db       *leveldb.DB
	log      *zap.Logger

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64

	ops  chan diskOp
	done chan struct{}
}

func newDiskCache(db *leveldb.DB, maxBytes int64, log *zap.Logger) (*diskCache, error) {
	d := &diskCache{
		maxBytes: maxBytes,
		db:       db,
		log:      log,
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *diskCache) close() {
	close(d.ops)
	<-d.done
}

func (d *diskCache) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(diskMetaPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[string(bytes.TrimPrefix(it.Key(), []byte(diskMetaPrefix)))] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskCache) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskCache) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

func (d *diskCache) HasKey(key string) bool {
	d.mu.Lock()
	_, ok := d.index[key]
	d.mu.Unlock()
	return ok
}

func (d *diskCache) Peek(key string) (CacheEntry, bool) {
	b, err := d.db.Get([]byte(diskEntryPrefix+key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	return ent, true
}

func (d *diskCache) Get(key string) (CacheEntry, bool) {
	ent, ok := d.Peek(key)
	if ok && d.HasKey(key) {
		d.ops <- diskOp{kind: diskOpTouch, key: key}
	}
	return ent, ok
}

func (d *diskCache) PutAsync(key string, ent CacheEntry) {
	clone := ent
	d.ops <- diskOp{kind: diskOpPut, key: key, ent: &clone}
}

func (d *diskCache) Delete(key string) {
	d.ops <- diskOp{kind: diskOpDelete, key: key}
}

// Flush blocks until every write queued before it has been applied.
func (d *diskCache) Flush() {
	done := make(chan struct{})
	d.ops <- diskOp{kind: diskOpFlush, done: done}
	<-done
}

func (d *diskCache) writerLoop() {
	defer close(d.done)
	for op := range d.ops {
		switch op.kind {
		case diskOpPut:
			d.applyPut(op.key, *op.ent)
		case diskOpTouch:
			d.applyTouch(op.key)
		case diskOpDelete:
			d.applyDelete(op.key)
		case diskOpFlush:
			close(op.done)
		}
	}
}

func (d *diskCache) applyPut(key string, ent CacheEntry) {
	b, err := encodeGob(ent)
	if err != nil {
		d.log.Warn("disk cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	meta := diskMeta{Size: int64(len(b)), LastAccess: time.Now().Unix()}
	mb, err := encodeGob(meta)
	if err != nil {
		return
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(diskEntryPrefix+key), b)
	batch.Put([]byte(diskMetaPrefix+key), mb)
	if err := d.db.Write(batch, nil); err != nil {
		d.log.Warn("disk cache write failed", zap.String("key", key), zap.Error(err))
		return
	}

	d.mu.Lock()
	d.totalSize += meta.Size - d.index[key].Size
	d.index[key] = meta
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSome()
	}
}

func (d *diskCache) applyTouch(key string) {
	d.mu.Lock()
	meta, ok := d.index[key]
	if ok {
		meta.LastAccess = time.Now().Unix()
		d.index[key] = meta
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	if mb, err := encodeGob(meta); err == nil {
		_ = d.db.Put([]byte(diskMetaPrefix+key), mb, nil)
	}
}

func (d *diskCache) applyDelete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(diskEntryPrefix + key))
	batch.Delete([]byte(diskMetaPrefix + key))
	_ = d.db.Write(batch, nil)

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
}

// evictSome removes the least recently accessed tenth of the disk tier.
func (d *diskCache) evictSome() {
	type item struct {
		key        string
		lastAccess int64
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, item{k, m.LastAccess})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].lastAccess < items[j].lastAccess })
	n := max(len(items)/10, 1)
	for i := 0; i < n && i < len(items); i++ {
		d.applyDelete(items[i].key)
	}
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
