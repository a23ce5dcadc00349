package offline0

import (
	"context"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const resourcesKeyPrefix = "resources:"

// ResourceStore maps a page path to the resources it needs offline. Each
// operation is atomic on its own; there are no cross-key transactions.
type ResourceStore interface {
	Get(ctx context.Context, path string) (resources []string, ok bool, err error)
	Set(ctx context.Context, path string, resources []string) error
	Clear(ctx context.Context) error
	Close() error
}

func resourcesKey(path string) string { return resourcesKeyPrefix + path }

func encodeResources(resources []string) ([]byte, error) {
	if resources == nil {
		resources = []string{}
	}
	return sonic.Marshal(resources)
}

func decodeResources(b []byte) ([]string, error) {
	var out []string
	if err := sonic.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- memory ----

type memoryStore struct {
	mu sync.RWMutex
	m  map[string][]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{m: map[string][]string{}}
}

func (s *memoryStore) Get(ctx context.Context, path string) ([]string, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.m[resourcesKey(path)]
	if !ok {
		return nil, false, nil
	}
	return append([]string(nil), r...), true, nil
}

func (s *memoryStore) Set(ctx context.Context, path string, resources []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.m[resourcesKey(path)] = append([]string{}, resources...)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.m = map[string][]string{}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error { return nil }

// ---- leveldb ----

// levelStore keeps entries under the resources: prefix of a leveldb shared
// with the runtime disk tier and the precache; it does not own the database.
type levelStore struct {
	db *leveldb.DB
}

func newLevelStore(db *leveldb.DB) *levelStore {
	return &levelStore{db: db}
}

func (s *levelStore) Get(ctx context.Context, path string) ([]string, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b, err := s.db.Get([]byte(resourcesKey(path)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "get resources for %q", path)
	}
	r, err := decodeResources(b)
	if err != nil {
		return nil, false, errors.Wrapf(err, "decode resources for %q", path)
	}
	return r, true, nil
}

func (s *levelStore) Set(ctx context.Context, path string, resources []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeResources(resources)
	if err != nil {
		return errors.Wrap(err, "encode resources")
	}
	return errors.Wrapf(s.db.Put([]byte(resourcesKey(path)), b, nil), "set resources for %q", path)
}

func (s *levelStore) Clear(ctx context.Context) error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(resourcesKeyPrefix)), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "iterate resources")
	}
	return errors.Wrap(s.db.Write(batch, nil), "clear resources")
}

func (s *levelStore) Close() error { return nil }
